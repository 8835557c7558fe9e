// Package s3store implements objstore.Store on S3 and S3-compatible
// servers such as MinIO.
package s3store

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"reportsync/internal/config"
	"reportsync/internal/objstore"
)

func NewClient(ctx context.Context, cfg config.ObjectStore) (*s3.Client, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("missing object store bucket")
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
	}), nil
}

type Store struct {
	client   *s3.Client
	bucket   string
	endpoint string
	region   string
}

var _ objstore.Store = (*Store)(nil)

// NewStore wraps client. endpoint and region only shape download URLs:
// with an endpoint they are path-style under it, otherwise virtual-hosted
// AWS URLs.
func NewStore(client *s3.Client, bucket, endpoint, region string) *Store {
	return &Store{
		client:   client,
		bucket:   bucket,
		endpoint: strings.TrimRight(endpoint, "/"),
		region:   region,
	}
}

func (s *Store) Attrs(ctx context.Context, key string) (*objstore.Attrs, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, mapErr(err)
	}
	return &objstore.Attrs{
		Key:         key,
		Size:        aws.ToInt64(out.ContentLength),
		ContentType: aws.ToString(out.ContentType),
		Metadata:    out.Metadata,
	}, nil
}

func (s *Store) Put(ctx context.Context, req objstore.PutRequest) error {
	body := req.Body
	if req.OnProgress != nil {
		body = &progressReader{r: req.Body, fn: req.OnProgress}
	}

	in := &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(req.Key),
		Body:        body,
		ContentType: aws.String(req.ContentType),
		Metadata:    req.Metadata,
	}
	if req.Size > 0 {
		in.ContentLength = aws.Int64(req.Size)
	}
	if req.CRC32C != 0 {
		// the server rejects the write if the bytes do not match
		in.ChecksumCRC32C = aws.String(encodeCRC32C(req.CRC32C))
	}

	// the progress wrapper is not seekable, so the payload cannot be hashed
	// ahead of signing
	_, err := s.client.PutObject(ctx, in, s3.WithAPIOptions(v4.SwapComputePayloadSHA256ForUnsignedPayloadMiddleware))
	if err != nil {
		return fmt.Errorf("put %s: %w", req.Key, mapErr(err))
	}
	return nil
}

func (s *Store) URL(ctx context.Context, key string) (string, error) {
	if _, err := s.Attrs(ctx, key); err != nil {
		return "", err
	}
	return s.objectURL(key), nil
}

func (s *Store) objectURL(key string) string {
	segs := strings.Split(key, "/")
	for i, seg := range segs {
		segs[i] = url.PathEscape(seg)
	}
	escaped := strings.Join(segs, "/")

	if s.endpoint != "" {
		return fmt.Sprintf("%s/%s/%s", s.endpoint, s.bucket, escaped)
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", s.bucket, s.region, escaped)
}

// encodeCRC32C renders a checksum the way S3 expects it: base64 of the
// big-endian bytes.
func encodeCRC32C(sum uint32) string {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], sum)
	return base64.StdEncoding.EncodeToString(b[:])
}

func mapErr(err error) error {
	var nf *types.NotFound
	var nsk *types.NoSuchKey
	if errors.As(err, &nf) || errors.As(err, &nsk) {
		return fmt.Errorf("%w: %v", objstore.ErrNotFound, err)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey":
			return fmt.Errorf("%w: %v", objstore.ErrNotFound, err)
		case "AccessDenied", "Forbidden", "InvalidAccessKeyId", "SignatureDoesNotMatch":
			return fmt.Errorf("%w: %v", objstore.ErrUnauthorized, err)
		}
	}
	return err
}

type progressReader struct {
	r       io.Reader
	fn      func(int64)
	written int64
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.written += int64(n)
		p.fn(p.written)
	}
	return n, err
}
