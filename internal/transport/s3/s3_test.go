package s3

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paneflow/paneflow/internal/transport"
)

func TestObjectKey(t *testing.T) {
	b := New(Config{Bucket: "bkt"}, nil)
	assert.Equal(t, "", b.objectKey("/"))
	assert.Equal(t, "a/b.txt", b.objectKey("/a/b.txt"))
	assert.Equal(t, "a", b.objectKey("a/"))
	assert.Equal(t, "", b.dirPrefix("/"))
	assert.Equal(t, "a/b/", b.dirPrefix("/a/b/"))

	p := New(Config{Bucket: "bkt", Prefix: "/team/data/"}, nil)
	assert.Equal(t, "team/data", p.objectKey("/"))
	assert.Equal(t, "team/data/x.bin", p.objectKey("/x.bin"))
	assert.Equal(t, "team/data/", p.dirPrefix("/"))
}

func TestStatRootWithoutConnection(t *testing.T) {
	b := New(Config{Bucket: "bkt"}, nil)
	e, err := b.Stat(context.Background(), "/")
	require.NoError(t, err)
	assert.True(t, e.IsDir)

	_, err = b.Stat(context.Background(), "/a")
	assert.ErrorIs(t, err, transport.ErrNotConnected)
}

type statusErr int

func (s statusErr) Error() string       { return "http error" }
func (s statusErr) HTTPStatusCode() int { return int(s) }

func TestMapError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want transport.Category
	}{
		{"not found type", &types.NotFound{}, transport.CategoryNotFound},
		{"no such key", &smithy.GenericAPIError{Code: "NoSuchKey"}, transport.CategoryNotFound},
		{"access denied", &smithy.GenericAPIError{Code: "AccessDenied"}, transport.CategoryPermissionDenied},
		{"bad key", &smithy.GenericAPIError{Code: "InvalidAccessKeyId"}, transport.CategoryAuthenticationFailed},
		{"slow down", &smithy.GenericAPIError{Code: "SlowDown"}, transport.CategoryRateLimited},
		{"internal", &smithy.GenericAPIError{Code: "InternalError"}, transport.CategoryServerError},
		{"status 503", statusErr(503), transport.CategoryRateLimited},
		{"status 502", statusErr(502), transport.CategoryServerError},
		{"cancelled", context.Canceled, transport.CategoryCancelled},
		{"other", errors.New("boom"), transport.CategoryUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cat, ok := transport.CategoryOf(mapError("op", "/a", tt.err))
			require.True(t, ok)
			assert.Equal(t, tt.want, cat)
		})
	}
}
