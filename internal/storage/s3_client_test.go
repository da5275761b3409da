package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/require"

	"podster/internal/domain/session"
	podster_errors "podster/pkg/errors"
	"podster/pkg/logger"
)

type fakeS3 struct {
	mu          sync.Mutex
	completed   []*s3.CompleteMultipartUploadInput
	completeErr error
	headErr     error
	aborted     []string
}

func (f *fakeS3) CreateMultipartUpload(ctx context.Context, in *s3.CreateMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	return &s3.CreateMultipartUploadOutput{UploadId: aws.String("upload-" + aws.ToString(in.Key))}, nil
}

func (f *fakeS3) CompleteMultipartUpload(ctx context.Context, in *s3.CompleteMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.completeErr != nil {
		return nil, f.completeErr
	}
	f.completed = append(f.completed, in)
	return &s3.CompleteMultipartUploadOutput{}, nil
}

func (f *fakeS3) AbortMultipartUpload(ctx context.Context, in *s3.AbortMultipartUploadInput, _ ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aborted = append(f.aborted, aws.ToString(in.UploadId))
	return &s3.AbortMultipartUploadOutput{}, nil
}

func (f *fakeS3) HeadObject(ctx context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	if f.headErr != nil {
		return nil, f.headErr
	}
	return &s3.HeadObjectOutput{}, nil
}

type fakePresigner struct{}

func (fakePresigner) PresignUploadPart(ctx context.Context, in *s3.UploadPartInput, _ ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
	return &v4.PresignedHTTPRequest{
		URL:    fmt.Sprintf("https://storage.test/%s?uploadId=%s&partNumber=%d", aws.ToString(in.Key), aws.ToString(in.UploadId), aws.ToInt32(in.PartNumber)),
		Method: "PUT",
	}, nil
}

func (fakePresigner) PresignGetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
	return &v4.PresignedHTTPRequest{URL: "https://storage.test/" + aws.ToString(in.Key), Method: "GET"}, nil
}

func newTestClient(api *fakeS3) *Client {
	return newClient(S3Config{Region: "auto", Bucket: "podster"}, api, fakePresigner{}, logger.NewNop())
}

func TestCreateMultipartUpload_ReturnsOneURLPerPart(t *testing.T) {
	c := newTestClient(&fakeS3{})

	for _, n := range []int{1, 2, 7} {
		up, err := c.CreateMultipartUpload(context.Background(), "sessions/a/1.webm", n)
		require.NoError(t, err)
		require.NotEmpty(t, up.UploadID)
		require.Len(t, up.URLs, n)

		seen := map[string]bool{}
		for _, u := range up.URLs {
			require.False(t, seen[u], "duplicate url %s", u)
			seen[u] = true
		}
	}
}

func TestCreateMultipartUpload_RejectsPartCountOutOfRange(t *testing.T) {
	c := newTestClient(&fakeS3{})
	for _, n := range []int{0, -1, session.MaxPartCount + 1, 1 << 62} {
		_, err := c.CreateMultipartUpload(context.Background(), "k", n)
		require.ErrorIs(t, err, podster_errors.ErrInvalidPartCount, "partCount %d", n)

		_, err = c.PresignParts(context.Background(), "k", "upload-1", n)
		require.ErrorIs(t, err, podster_errors.ErrInvalidPartCount, "partCount %d", n)
	}

	up, err := c.CreateMultipartUpload(context.Background(), "k", session.MaxPartCount)
	require.NoError(t, err)
	require.Len(t, up.URLs, session.MaxPartCount)
}

func TestCompleteMultipartUpload_SortsParts(t *testing.T) {
	ordered := &fakeS3{}
	shuffled := &fakeS3{}

	asc := []session.Part{{PartNumber: 1, ETag: "d1"}, {PartNumber: 2, ETag: "d2"}, {PartNumber: 3, ETag: "d3"}}
	perm := []session.Part{asc[2], asc[0], asc[1]}

	require.NoError(t, newTestClient(ordered).CompleteMultipartUpload(context.Background(), "k", "u", asc))
	require.NoError(t, newTestClient(shuffled).CompleteMultipartUpload(context.Background(), "k", "u", perm))

	require.Equal(t, ordered.completed[0].MultipartUpload.Parts, shuffled.completed[0].MultipartUpload.Parts)
	for i, p := range shuffled.completed[0].MultipartUpload.Parts {
		require.Equal(t, int32(i+1), aws.ToInt32(p.PartNumber))
	}
	// caller slice untouched
	require.Equal(t, int32(3), perm[0].PartNumber)
}

func TestCompleteMultipartUpload_BackendFailureIsProviderError(t *testing.T) {
	api := &fakeS3{completeErr: &smithy.GenericAPIError{Code: "InvalidPart", Message: "etag mismatch"}}
	err := newTestClient(api).CompleteMultipartUpload(context.Background(), "k", "u", []session.Part{{PartNumber: 1, ETag: "x"}})
	require.ErrorIs(t, err, podster_errors.ErrStorageProvider)
}

func TestGetSignedDownloadURL(t *testing.T) {
	t.Run("object present", func(t *testing.T) {
		url, err := newTestClient(&fakeS3{}).GetSignedDownloadURL(context.Background(), "sessions/a/1.webm", time.Minute)
		require.NoError(t, err)
		require.Contains(t, url, "sessions/a/1.webm")
	})

	t.Run("object missing", func(t *testing.T) {
		api := &fakeS3{headErr: &smithy.GenericAPIError{Code: "NotFound"}}
		_, err := newTestClient(api).GetSignedDownloadURL(context.Background(), "missing", time.Minute)
		require.ErrorIs(t, err, podster_errors.ErrStorageObjectNotFound)
	})

	t.Run("head object failure", func(t *testing.T) {
		api := &fakeS3{headErr: errors.New("connection reset")}
		_, err := newTestClient(api).GetSignedDownloadURL(context.Background(), "k", time.Minute)
		require.ErrorIs(t, err, podster_errors.ErrStorageProvider)
		require.False(t, errors.Is(err, podster_errors.ErrStorageObjectNotFound))
	})
}

func TestAbortMultipartUpload(t *testing.T) {
	api := &fakeS3{}
	require.NoError(t, newTestClient(api).AbortMultipartUpload(context.Background(), "k", "u-1"))
	require.Equal(t, []string{"u-1"}, api.aborted)
}
