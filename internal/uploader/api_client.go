package uploader

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"podster/internal/domain/session"
	"podster/internal/transport/httpdto"
)

// APIError is an error response from the podster API.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d %s: %s", e.StatusCode, e.Code, e.Message)
}

// APIClient calls the session endpoints with a host token.
type APIClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewAPIClient(baseURL, token string, client *http.Client) *APIClient {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &APIClient{baseURL: strings.TrimRight(baseURL, "/"), token: token, http: client}
}

func (c *APIClient) RequestUploadURLs(ctx context.Context, sessionID string, partCount int) (httpdto.UploadURLsResponse, error) {
	var out httpdto.UploadURLsResponse
	err := c.post(ctx, "/sessions/"+sessionID+"/upload-urls", httpdto.UploadURLsRequest{
		PartCount: partCount,
		Kind:      string(session.KindVideo),
	}, &out)
	return out, err
}

func (c *APIClient) CompleteUpload(ctx context.Context, sessionID, uploadID string, parts []session.Part) (*session.Session, error) {
	req := httpdto.CompleteUploadRequest{UploadID: uploadID, Parts: make([]httpdto.PartDTO, len(parts))}
	for i, p := range parts {
		req.Parts[i] = httpdto.PartDTO{PartNumber: p.PartNumber, ETag: p.ETag}
	}
	var out session.Session
	if err := c.post(ctx, "/sessions/"+sessionID+"/complete-upload", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *APIClient) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("POST %s: %w", path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e httpdto.Response[any]
		_ = json.Unmarshal(raw, &e)
		return &APIError{StatusCode: resp.StatusCode, Code: e.Code, Message: e.Error}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
