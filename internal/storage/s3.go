package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/openmined/eas/internal/vpath"
)

// deleteBatch is the largest DeleteObjects request S3 accepts.
const deleteBatch = 1000

// S3Config selects the bucket and credentials of an S3 compatible service.
type S3Config struct {
	Bucket        string
	Region        string
	AccessKey     string
	SecretKey     string
	Endpoint      string
	UseAccelerate bool
	Timeout       time.Duration
}

// S3 keeps a tree in one bucket. Directories are zero-byte "dir/" marker
// objects; a prefix with objects under it also counts as a directory.
type S3 struct {
	client *s3.Client
	bucket string
}

// NewS3 connects to the bucket named in cfg. Static credentials are used when
// given, otherwise the default AWS credential chain applies.
func NewS3(ctx context.Context, cfg S3Config) (*S3, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("%w: s3 bucket is required", ErrUnknownStorage)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	httpClient := &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			MaxIdleConns:          200,
			MaxIdleConnsPerHost:   100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			ForceAttemptHTTP2:     true,
		},
		Timeout: timeout,
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithHTTPClient(httpClient),
	}
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
		if cfg.UseAccelerate {
			o.UseAccelerate = true
		}
	})
	return NewS3WithClient(client, cfg.Bucket), nil
}

// NewS3WithClient wraps an existing client.
func NewS3WithClient(client *s3.Client, bucket string) *S3 {
	return &S3{client: client, bucket: bucket}
}

func (s *S3) Name() string { return "s3" }

func (s *S3) Capabilities() Capabilities {
	return Capabilities{
		Type:           KindRemote,
		CaseSensitive:  true,
		Parallelizable: true,
		TimePrecision:  time.Second,
	}
}

func (s *S3) Close() error { return nil }

func (s *S3) GetMeta(ctx context.Context, p string) (*Meta, error) {
	name := baseName(p)
	if objectKey(p) == "" {
		return &Meta{Name: name, Type: TypeDir}, nil
	}

	if !vpath.IsDirNormalized(p) {
		head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: &s.bucket,
			Key:    aws.String(objectKey(p)),
		})
		if err == nil {
			return &Meta{
				Name:     name,
				Type:     TypeFile,
				Modified: aws.ToTime(head.LastModified).UTC(),
				Size:     aws.ToInt64(head.ContentLength),
			}, nil
		}
		if err = s3Err("stat", p, err); !IsNotFound(err) {
			return nil, err
		}
	}

	page, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  &s.bucket,
		Prefix:  aws.String(dirKey(p)),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return nil, s3Err("stat", p, err)
	}
	if len(page.Contents) == 0 {
		return nil, wrap("stat", p, ErrNotFound, nil)
	}

	m := &Meta{Name: name, Type: TypeDir}
	if obj := page.Contents[0]; aws.ToString(obj.Key) == dirKey(p) {
		m.Modified = aws.ToTime(obj.LastModified).UTC()
	}
	return m, nil
}

func (s *S3) ListDir(ctx context.Context, p string) ([]*Meta, error) {
	prefix := dirKey(p)
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket:    &s.bucket,
		Prefix:    aws.String(prefix),
		Delimiter: aws.String(vpath.Sep),
	})

	var out []*Meta
	found := prefix == ""
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, s3Err("listdir", p, err)
		}

		for _, cp := range page.CommonPrefixes {
			found = true
			out = append(out, &Meta{
				Name: baseName(aws.ToString(cp.Prefix)),
				Type: TypeDir,
			})
		}
		for _, obj := range page.Contents {
			found = true
			key := aws.ToString(obj.Key)
			if key == prefix {
				continue
			}
			out = append(out, &Meta{
				Name:     baseName(key),
				Type:     TypeFile,
				Modified: aws.ToTime(obj.LastModified).UTC(),
				Size:     aws.ToInt64(obj.Size),
			})
		}
	}

	if !found {
		if meta, err := s.GetMeta(ctx, vpath.DirDenormalize(p)); err == nil && meta.IsFile() {
			return nil, wrap("listdir", p, ErrNotDir, nil)
		}
		return nil, wrap("listdir", p, ErrNotFound, nil)
	}
	return out, nil
}

func (s *S3) Mkdir(ctx context.Context, p string) error {
	if _, err := s.GetMeta(ctx, vpath.DirDenormalize(p)); err == nil {
		return wrap("mkdir", p, ErrExists, nil)
	} else if !IsNotFound(err) {
		return err
	}

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        &s.bucket,
		Key:           aws.String(dirKey(p)),
		Body:          strings.NewReader(""),
		ContentLength: aws.Int64(0),
	})
	if err != nil {
		return s3Err("mkdir", p, err)
	}
	return nil
}

func (s *S3) Remove(ctx context.Context, p string) error {
	meta, err := s.GetMeta(ctx, p)
	if err != nil {
		return err
	}

	if meta.IsFile() {
		_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: &s.bucket,
			Key:    aws.String(objectKey(p)),
		})
		if err != nil {
			return s3Err("remove", p, err)
		}
		return nil
	}

	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: &s.bucket,
		Prefix: aws.String(dirKey(p)),
	})
	batch := make([]types.ObjectIdentifier, 0, deleteBatch)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return s3Err("remove", p, err)
		}
		for _, obj := range page.Contents {
			batch = append(batch, types.ObjectIdentifier{Key: obj.Key})
			if len(batch) == deleteBatch {
				if err := s.deleteObjects(ctx, p, batch); err != nil {
					return err
				}
				batch = batch[:0]
			}
		}
	}
	return s.deleteObjects(ctx, p, batch)
}

func (s *S3) deleteObjects(ctx context.Context, p string, ids []types.ObjectIdentifier) error {
	if len(ids) == 0 {
		return nil
	}
	resp, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
		Bucket: &s.bucket,
		Delete: &types.Delete{Objects: ids, Quiet: aws.Bool(true)},
	})
	if err != nil {
		return s3Err("remove", p, err)
	}
	if len(resp.Errors) > 0 {
		first := resp.Errors[0]
		return &PathError{Op: "remove", Path: p, Err: fmt.Errorf("%d objects not deleted, first %s: %s",
			len(resp.Errors), aws.ToString(first.Key), aws.ToString(first.Message))}
	}
	return nil
}

func (s *S3) Upload(ctx context.Context, r io.Reader, p string, size int64) error {
	if vpath.IsDirNormalized(p) {
		return wrap("upload", p, ErrIsDir, nil)
	}
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        &s.bucket,
		Key:           aws.String(objectKey(p)),
		Body:          r,
		ContentLength: aws.Int64(size),
	})
	if err != nil {
		return s3Err("upload", p, err)
	}
	return nil
}

func (s *S3) Download(ctx context.Context, p string, w io.Writer) error {
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &s.bucket,
		Key:    aws.String(objectKey(p)),
	})
	if err != nil {
		return s3Err("download", p, err)
	}
	defer resp.Body.Close()

	if _, err := io.Copy(w, resp.Body); err != nil {
		return s3Err("download", p, err)
	}
	return nil
}

func (s *S3) IsFile(ctx context.Context, p string) (bool, error) {
	return statIs(ctx, s, p, (*Meta).IsFile)
}

func (s *S3) IsDir(ctx context.Context, p string) (bool, error) {
	return statIs(ctx, s, p, (*Meta).IsDir)
}

func (s *S3) Exists(ctx context.Context, p string) (bool, error) {
	return statIs(ctx, s, p, isAny)
}

func (s *S3) SetModified(_ context.Context, p string, _ time.Time) error {
	return wrap("set_modified", p, ErrNotSupported, nil)
}

func (s *S3) Chmod(_ context.Context, p string, _ uint32) error {
	return wrap("chmod", p, ErrNotSupported, nil)
}

func (s *S3) Chown(_ context.Context, p string, _, _ int) error {
	return wrap("chown", p, ErrNotSupported, nil)
}

func (s *S3) CreateSymlink(_ context.Context, p, _ string) error {
	return wrap("symlink", p, ErrNotSupported, nil)
}

func objectKey(p string) string {
	return strings.TrimPrefix(vpath.DirDenormalize(p), vpath.Sep)
}

func dirKey(p string) string {
	if k := objectKey(p); k != "" {
		return k + vpath.Sep
	}
	return ""
}

func baseName(p string) string {
	_, name := vpath.Split(vpath.DirDenormalize(p))
	return name
}

func s3Err(op, p string, err error) error {
	if IsInterrupted(err) {
		return err
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "NoSuchBucket":
			return wrap(op, p, ErrNotFound, err)
		case "AccessDenied", "Forbidden", "InvalidAccessKeyId", "SignatureDoesNotMatch":
			return wrap(op, p, ErrPermission, err)
		case "SlowDown", "RequestTimeout", "InternalError", "ServiceUnavailable", "RequestTimeTooSkewed":
			return wrap(op, p, ErrTemporary, err)
		}
	}

	var respErr interface{ HTTPStatusCode() int }
	if errors.As(err, &respErr) {
		switch code := respErr.HTTPStatusCode(); {
		case code == http.StatusNotFound:
			return wrap(op, p, ErrNotFound, err)
		case code == http.StatusForbidden:
			return wrap(op, p, ErrPermission, err)
		case code == http.StatusTooManyRequests || code >= 500:
			return wrap(op, p, ErrTemporary, err)
		}
	}

	if IsRetryable(err) {
		return wrap(op, p, ErrTemporary, err)
	}
	return &PathError{Op: op, Path: p, Err: err}
}
