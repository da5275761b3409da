package session

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestStatusCanTransition(t *testing.T) {
	cases := []struct {
		from, to Status
		ok       bool
	}{
		{StatusDraft, StatusLive, true},
		{StatusDraft, StatusUploading, true},
		{StatusDraft, StatusComplete, false},
		{StatusLive, StatusLive, true},
		{StatusLive, StatusUploading, true},
		{StatusLive, StatusComplete, false},
		{StatusUploading, StatusLive, true},
		{StatusUploading, StatusComplete, true},
		{StatusComplete, StatusLive, false},
		{StatusComplete, StatusUploading, false},
		{StatusComplete, StatusComplete, false},
	}
	for _, tc := range cases {
		require.Equal(t, tc.ok, tc.from.CanTransition(tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestUploadTargetActive(t *testing.T) {
	now := time.Now()
	target := UploadTarget{ExpiresAt: now.Add(time.Minute)}
	require.True(t, target.Active(now))
	require.False(t, target.Active(now.Add(time.Minute)))

	done := now
	target.CompletedAt = &done
	require.False(t, target.Active(now))
}

func TestObjectKey(t *testing.T) {
	id := uuid.New()
	key := ObjectKey(id, time.UnixMilli(1700000000123))
	require.Equal(t, "sessions/"+id.String()+"/1700000000123.webm", key)
	require.True(t, strings.HasSuffix(key, ".webm"))
}

func TestParseProvider(t *testing.T) {
	require.Equal(t, ProviderR2, ParseProvider("R2"))
	require.Equal(t, ProviderLocal, ParseProvider("local"))
	require.Equal(t, ProviderS3, ParseProvider("anything"))
}

func TestValidPartCount(t *testing.T) {
	require.False(t, ValidPartCount(0))
	require.True(t, ValidPartCount(1))
	require.True(t, ValidPartCount(MaxPartCount))
	require.False(t, ValidPartCount(MaxPartCount+1))
}

func TestSessionJSONHidesUploadTarget(t *testing.T) {
	s := Session{ID: uuid.New(), UploadTarget: &UploadTarget{UploadID: "secret-upload", Bucket: "podster"}}
	raw, err := json.Marshal(s)
	require.NoError(t, err)
	require.NotContains(t, string(raw), "secret-upload")
	require.NotContains(t, string(raw), "uploadTarget")
}
