package azure

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paneflow/paneflow/internal/transport"
)

func TestServiceURL(t *testing.T) {
	assert.Equal(t, "https://acct.blob.core.windows.net/", Config{Account: "acct"}.ServiceURL())
	sas := "https://acct.blob.core.windows.net/?sv=x&sig=y"
	assert.Equal(t, sas, Config{Account: "acct", SASURL: sas}.ServiceURL())
}

func TestBlobName(t *testing.T) {
	b := New(Config{Container: "c"}, nil)
	assert.Equal(t, "", b.blobName("/"))
	assert.Equal(t, "a/b", b.blobName("/a/b"))
	assert.Equal(t, "a/", b.dirPrefix("/a"))

	p := New(Config{Container: "c", Prefix: "root/"}, nil)
	assert.Equal(t, "root", p.blobName("/"))
	assert.Equal(t, "root/x", p.blobName("x"))
	assert.Equal(t, "root/", p.dirPrefix("/"))
}

func TestNotConnected(t *testing.T) {
	b := New(Config{Container: "c"}, nil)
	_, err := b.List(context.Background(), "/")
	assert.ErrorIs(t, err, transport.ErrNotConnected)

	root, err := b.Stat(context.Background(), "/")
	require.NoError(t, err)
	assert.True(t, root.IsDir)
}

func TestMapError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want transport.Category
	}{
		{"blob not found", &azcore.ResponseError{StatusCode: 404, ErrorCode: "BlobNotFound"}, transport.CategoryNotFound},
		{"auth", &azcore.ResponseError{StatusCode: 403, ErrorCode: "AuthenticationFailed"}, transport.CategoryAuthenticationFailed},
		{"busy", &azcore.ResponseError{StatusCode: 503, ErrorCode: "ServerBusy"}, transport.CategoryRateLimited},
		{"forbidden", &azcore.ResponseError{StatusCode: 403}, transport.CategoryPermissionDenied},
		{"bad gateway", &azcore.ResponseError{StatusCode: 502}, transport.CategoryServerError},
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

func TestDeref(t *testing.T) {
	assert.Equal(t, "dir/a.txt", deref(to.Ptr("dir/a.txt")))
	assert.Equal(t, "", deref((*string)(nil)))
	assert.Equal(t, int64(42), deref(to.Ptr(int64(42))))
	assert.Equal(t, int64(0), deref((*int64)(nil)))

	stamp := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, stamp, deref(&stamp))
	assert.True(t, deref((*time.Time)(nil)).IsZero())
}
