// Package s3 is the transport backend for S3 and S3-compatible object stores.
// Directories are key prefixes; an empty object named "dir/" marks a folder
// created from the client.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	nethttp "net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/paneflow/paneflow/internal/constants"
	"github.com/paneflow/paneflow/internal/logging"
	"github.com/paneflow/paneflow/internal/ratelimit"
	"github.com/paneflow/paneflow/internal/transport"
	"github.com/paneflow/paneflow/internal/util/buffers"
)

// Config describes one bucket.
type Config struct {
	Bucket          string
	Region          string
	Endpoint        string // for S3-compatible stores
	PathStyle       bool
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	Prefix          string // keys live under this prefix

	HTTPClient *nethttp.Client
	Pacer      *ratelimit.RateLimiter
}

// Backend implements transport.Backend for one bucket.
type Backend struct {
	cfg    Config
	logger *logging.Logger

	mu     sync.RWMutex
	client *s3.Client
}

func New(cfg Config, logger *logging.Logger) *Backend {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")
	return &Backend{cfg: cfg, logger: logger.Component("s3")}
}

func (b *Backend) Protocol() string { return "s3" }

func (b *Backend) Connect(ctx context.Context) error {
	opts := []func(*config.LoadOptions) error{config.WithRegion(b.region())}
	if b.cfg.HTTPClient != nil {
		opts = append(opts, config.WithHTTPClient(b.cfg.HTTPClient))
	}
	if b.cfg.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			b.cfg.AccessKeyID, b.cfg.SecretAccessKey, b.cfg.SessionToken)))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return transport.NewError("connect", b.cfg.Bucket, transport.CategoryConnectionFailed, err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if b.cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(b.cfg.Endpoint)
		}
		o.UsePathStyle = b.cfg.PathStyle
	})

	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(b.cfg.Bucket)}); err != nil {
		return mapError("connect", b.cfg.Bucket, err)
	}

	b.mu.Lock()
	b.client = client
	b.mu.Unlock()
	b.logger.Debug().Str("bucket", b.cfg.Bucket).Msg("connected")
	return nil
}

func (b *Backend) region() string {
	if b.cfg.Region == "" {
		return "us-east-1"
	}
	return b.cfg.Region
}

func (b *Backend) Close() error {
	b.mu.Lock()
	b.client = nil
	b.mu.Unlock()
	return nil
}

// api returns the client after waiting on the pacer.
func (b *Backend) api(ctx context.Context, op, p string) (*s3.Client, error) {
	b.mu.RLock()
	c := b.client
	b.mu.RUnlock()
	if c == nil {
		return nil, transport.NewError(op, p, transport.CategoryNotConnected, transport.ErrNotConnected)
	}
	if b.cfg.Pacer != nil {
		if err := b.cfg.Pacer.Wait(ctx); err != nil {
			return nil, transport.NewError(op, p, transport.CategoryCancelled, err)
		}
	}
	return c, nil
}

// objectKey maps an absolute panel path onto a key.
func (b *Backend) objectKey(p string) string {
	p = strings.Trim(path.Clean("/"+p), "/")
	if b.cfg.Prefix == "" {
		return p
	}
	if p == "" {
		return b.cfg.Prefix
	}
	return b.cfg.Prefix + "/" + p
}

// dirPrefix is the listing prefix for dir, ending in "/" unless it is the bucket root.
func (b *Backend) dirPrefix(dir string) string {
	k := b.objectKey(dir)
	if k == "" {
		return ""
	}
	return k + "/"
}

func (b *Backend) Stat(ctx context.Context, p string) (transport.Entry, error) {
	key := b.objectKey(p)
	if key == b.cfg.Prefix {
		return transport.Entry{Name: "/", Path: "/", IsDir: true}, nil
	}
	c, err := b.api(ctx, "stat", p)
	if err != nil {
		return transport.Entry{}, err
	}

	head, err := c.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(b.cfg.Bucket), Key: aws.String(key)})
	if err == nil {
		return transport.Entry{
			Name:    path.Base(p),
			Path:    p,
			Size:    aws.ToInt64(head.ContentLength),
			ModTime: aws.ToTime(head.LastModified),
		}, nil
	}
	if mapped := mapError("stat", p, err); !transport.IsNotFound(mapped) {
		return transport.Entry{}, mapped
	}

	out, err := c.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(b.cfg.Bucket),
		Prefix:  aws.String(key + "/"),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return transport.Entry{}, mapError("stat", p, err)
	}
	if len(out.Contents) == 0 && len(out.CommonPrefixes) == 0 {
		return transport.Entry{}, transport.NewError("stat", p, transport.CategoryNotFound, transport.ErrNotFound)
	}
	return transport.Entry{Name: path.Base(p), Path: p, IsDir: true}, nil
}

func (b *Backend) List(ctx context.Context, dir string) ([]transport.Entry, error) {
	c, err := b.api(ctx, "list", dir)
	if err != nil {
		return nil, err
	}
	prefix := b.dirPrefix(dir)
	pager := s3.NewListObjectsV2Paginator(c, &s3.ListObjectsV2Input{
		Bucket:    aws.String(b.cfg.Bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	})

	var entries []transport.Entry
	for pager.HasMorePages() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, mapError("list", dir, err)
		}
		for _, cp := range page.CommonPrefixes {
			name := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(cp.Prefix), prefix), "/")
			if name == "" {
				continue
			}
			entries = append(entries, transport.Entry{Name: name, Path: path.Join("/", dir, name), IsDir: true})
		}
		for _, obj := range page.Contents {
			name := strings.TrimPrefix(aws.ToString(obj.Key), prefix)
			if name == "" {
				continue
			}
			entries = append(entries, transport.Entry{
				Name:    name,
				Path:    path.Join("/", dir, name),
				Size:    aws.ToInt64(obj.Size),
				ModTime: aws.ToTime(obj.LastModified),
			})
		}
	}
	return entries, nil
}

func (b *Backend) Mkdir(ctx context.Context, dir string) error {
	c, err := b.api(ctx, "mkdir", dir)
	if err != nil {
		return err
	}
	_, err = c.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.cfg.Bucket),
		Key:           aws.String(b.dirPrefix(dir)),
		Body:          bytes.NewReader(nil),
		ContentLength: aws.Int64(0),
	})
	return mapError("mkdir", dir, err)
}

func (b *Backend) Remove(ctx context.Context, p string, isDir bool) error {
	c, err := b.api(ctx, "remove", p)
	if err != nil {
		return err
	}
	if !isDir {
		_, err := c.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(b.cfg.Bucket), Key: aws.String(b.objectKey(p))})
		return mapError("remove", p, err)
	}

	pager := s3.NewListObjectsV2Paginator(c, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.cfg.Bucket),
		Prefix: aws.String(b.dirPrefix(p)),
	})
	var batch []types.ObjectIdentifier
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		out, err := c.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(b.cfg.Bucket),
			Delete: &types.Delete{Objects: batch, Quiet: aws.Bool(true)},
		})
		batch = batch[:0]
		if err != nil {
			return err
		}
		if len(out.Errors) > 0 {
			e := out.Errors[0]
			return fmt.Errorf("delete %s: %s", aws.ToString(e.Key), aws.ToString(e.Message))
		}
		return nil
	}
	for pager.HasMorePages() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return mapError("remove", p, err)
		}
		for _, obj := range page.Contents {
			batch = append(batch, types.ObjectIdentifier{Key: obj.Key})
			if len(batch) == constants.S3DeleteBatch {
				if err := flush(); err != nil {
					return mapError("remove", p, err)
				}
			}
		}
	}
	return mapError("remove", p, flush())
}

// Put uploads r. Bodies up to ObjectPartSize go in one request; larger ones
// are sent as a multipart upload that is aborted on failure.
func (b *Backend) Put(ctx context.Context, p string, r io.Reader, size int64) error {
	c, err := b.api(ctx, "put", p)
	if err != nil {
		return err
	}
	key := b.objectKey(p)

	if size <= constants.ObjectPartSize {
		buf, err := io.ReadAll(r)
		if err != nil {
			return mapError("put", p, err)
		}
		_, err = c.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(b.cfg.Bucket),
			Key:           aws.String(key),
			Body:          bytes.NewReader(buf),
			ContentLength: aws.Int64(int64(len(buf))),
		})
		return mapError("put", p, err)
	}

	created, err := c.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(b.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return mapError("put", p, err)
	}
	parts, err := b.uploadParts(ctx, c, key, created.UploadId, r)
	if err != nil {
		abortCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, aerr := c.AbortMultipartUpload(abortCtx, &s3.AbortMultipartUploadInput{
			Bucket:   aws.String(b.cfg.Bucket),
			Key:      aws.String(key),
			UploadId: created.UploadId,
		}); aerr != nil {
			b.logger.Warn().Err(aerr).Str("key", key).Msg("abort multipart upload")
		}
		return mapError("put", p, err)
	}

	_, err = c.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(b.cfg.Bucket),
		Key:             aws.String(key),
		UploadId:        created.UploadId,
		MultipartUpload: &types.CompletedMultipartUpload{Parts: parts},
	})
	return mapError("put", p, err)
}

func (b *Backend) uploadParts(ctx context.Context, c *s3.Client, key string, uploadID *string, r io.Reader) ([]types.CompletedPart, error) {
	bp := buffers.GetPartBuffer()
	defer buffers.PutPartBuffer(bp)
	buf := *bp
	var parts []types.CompletedPart
	for num := int32(1); ; num++ {
		n, rerr := io.ReadFull(r, buf)
		if n > 0 {
			out, err := c.UploadPart(ctx, &s3.UploadPartInput{
				Bucket:        aws.String(b.cfg.Bucket),
				Key:           aws.String(key),
				UploadId:      uploadID,
				PartNumber:    aws.Int32(num),
				Body:          bytes.NewReader(buf[:n]),
				ContentLength: aws.Int64(int64(n)),
			})
			if err != nil {
				return nil, err
			}
			parts = append(parts, types.CompletedPart{ETag: out.ETag, PartNumber: aws.Int32(num)})
		}
		if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
			return parts, nil
		}
		if rerr != nil {
			return nil, rerr
		}
	}
}

func (b *Backend) Get(ctx context.Context, p string, w io.Writer) error {
	c, err := b.api(ctx, "get", p)
	if err != nil {
		return err
	}
	out, err := c.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(b.cfg.Bucket), Key: aws.String(b.objectKey(p))})
	if err != nil {
		return mapError("get", p, err)
	}
	defer out.Body.Close()
	_, err = transport.CopyContext(ctx, w, out.Body)
	return mapError("get", p, err)
}

type httpStatus interface {
	HTTPStatusCode() int
}

// mapError attaches a category from the S3 error code or HTTP status.
func mapError(op, p string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return transport.NewError(op, p, transport.CategoryCancelled, err)
	}

	var nf *types.NotFound
	var nsk *types.NoSuchKey
	if errors.As(err, &nf) || errors.As(err, &nsk) {
		return transport.NewError(op, p, transport.CategoryNotFound, err)
	}

	var ae smithy.APIError
	if errors.As(err, &ae) {
		switch ae.ErrorCode() {
		case "NotFound", "NoSuchKey", "NoSuchBucket":
			return transport.NewError(op, p, transport.CategoryNotFound, err)
		case "AccessDenied", "AllAccessDisabled":
			return transport.NewError(op, p, transport.CategoryPermissionDenied, err)
		case "InvalidAccessKeyId", "SignatureDoesNotMatch", "ExpiredToken", "InvalidToken":
			return transport.NewError(op, p, transport.CategoryAuthenticationFailed, err)
		case "SlowDown", "Throttling", "RequestLimitExceeded":
			return transport.NewError(op, p, transport.CategoryRateLimited, err)
		case "InternalError", "ServiceUnavailable":
			return transport.NewError(op, p, transport.CategoryServerError, err)
		case "RequestTimeout":
			return transport.NewError(op, p, transport.CategoryTimeout, err)
		case "InvalidObjectName", "KeyTooLongError":
			return transport.NewError(op, p, transport.CategoryInvalidPath, err)
		}
	}

	var hs httpStatus
	if errors.As(err, &hs) {
		switch code := hs.HTTPStatusCode(); {
		case code == 404:
			return transport.NewError(op, p, transport.CategoryNotFound, err)
		case code == 401:
			return transport.NewError(op, p, transport.CategoryAuthenticationFailed, err)
		case code == 403:
			return transport.NewError(op, p, transport.CategoryPermissionDenied, err)
		case code == 429 || code == 503:
			return transport.NewError(op, p, transport.CategoryRateLimited, err)
		case code >= 500:
			return transport.NewError(op, p, transport.CategoryServerError, err)
		}
	}
	return transport.NewError(op, p, transport.CategoryUnknown, err)
}
