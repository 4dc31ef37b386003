package managedio

import (
	"bytes"
	"context"
	"errors"
	"io"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3API is the narrow subset of the AWS SDK's S3 client this backend needs,
// mirrored on the teacher's aws.S3Client interface so both the real SDK
// client and a test double satisfy it.
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

var _ S3API = (*s3.Client)(nil)

// s3Backend implements Backend against an S3 bucket/prefix, so a dump or
// restore directory can live remotely the same way the teacher's
// checkpoint.S3Store keeps continue.json in S3.
type s3Backend struct {
	client S3API
	bucket string
	prefix string
}

// NewS3Backend roots a Backend at bucket/prefix.
func NewS3Backend(client S3API, bucket, prefix string) Backend {
	return &s3Backend{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

func (b *s3Backend) key(name string) string {
	if b.prefix == "" {
		return name
	}
	return path.Join(b.prefix, name)
}

// bufferedWriteCloser accumulates bytes in memory and uploads them on
// Close, since S3 has no append/streaming-write primitive comparable to a
// local file handle. This mirrors the teacher's checkpoint.S3Store.Save,
// which also buffers the full payload before a single PutObject call.
type bufferedWriteCloser struct {
	backend *s3Backend
	ctx     context.Context
	name    string
	buf     bytes.Buffer
}

func (w *bufferedWriteCloser) Write(p []byte) (int, error) { return w.buf.Write(p) }

func (w *bufferedWriteCloser) Close() error {
	key := w.backend.key(w.name)
	_, err := w.backend.client.PutObject(w.ctx, &s3.PutObjectInput{
		Bucket: &w.backend.bucket,
		Key:    &key,
		Body:   bytes.NewReader(w.buf.Bytes()),
	})
	return err
}

func (b *s3Backend) Create(ctx context.Context, name string) (io.WriteCloser, error) {
	return &bufferedWriteCloser{backend: b, ctx: ctx, name: name}, nil
}

func (b *s3Backend) OpenRead(ctx context.Context, name string) (io.ReadCloser, error) {
	key := b.key(name)
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{Bucket: &b.bucket, Key: &key})
	if err != nil {
		return nil, err
	}
	return out.Body, nil
}

func (b *s3Backend) Stat(ctx context.Context, name string) (int64, bool, error) {
	key := b.key(name)
	out, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: &b.bucket, Key: &key})
	if err != nil {
		var notFound *types.NotFound
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &notFound) || errors.As(err, &noSuchKey) {
			return 0, false, nil
		}
		return 0, false, err
	}
	size := int64(0)
	if out.ContentLength != nil {
		size = *out.ContentLength
	}
	return size, true, nil
}

func (b *s3Backend) Remove(ctx context.Context, name string) error {
	key := b.key(name)
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: &b.bucket, Key: &key})
	return err
}

func (b *s3Backend) List(ctx context.Context) ([]string, error) {
	var names []string
	var token *string
	prefix := b.prefix
	if prefix != "" {
		prefix += "/"
	}
	delimiter := "/"
	for {
		out, err := b.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            &b.bucket,
			Prefix:            &prefix,
			Delimiter:         &delimiter,
			ContinuationToken: token,
		})
		if err != nil {
			return nil, err
		}
		for _, obj := range out.Contents {
			if obj.Key == nil {
				continue
			}
			names = append(names, strings.TrimPrefix(*obj.Key, prefix))
		}
		if out.IsTruncated == nil || !*out.IsTruncated {
			break
		}
		token = out.NextContinuationToken
	}
	return names, nil
}
