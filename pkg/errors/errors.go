package podster_errors

import "errors"

// Common errors
var (
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrInvalidInput      = errors.New("invalid input")
	ErrRateLimited       = errors.New("rate limited")
)

// Upload pipeline errors
var (
	ErrSessionNotFound           = errors.New("session not found")
	ErrTrackNotFound             = errors.New("track not found")
	ErrTrackMissingForCompletion = errors.New("track missing for upload completion")
	ErrTrackNotUploaded          = errors.New("track not uploaded yet")
	ErrUploadTargetNotFound      = errors.New("upload target not found")
	ErrUploadTargetExpired       = errors.New("upload target expired")
	ErrActiveUploadTarget        = errors.New("session already has an active upload target")
	ErrInvalidPartCount          = errors.New("invalid part count")
	ErrInvalidParts              = errors.New("invalid part list")
	ErrRecordingNotFound         = errors.New("recording not found")
)

// Storage errors. ErrStorageObjectNotFound is terminal; ErrStorageProvider is a
// backend fault the caller may retry.
var (
	ErrStorageObjectNotFound = errors.New("object not found in storage")
	ErrStorageProvider       = errors.New("storage provider error")
)

// Auth errors
var (
	ErrAuthenticationFailed  = errors.New("authentication failed")
	ErrForbiddenRoleMismatch = errors.New("forbidden: role or subject mismatch")
)
