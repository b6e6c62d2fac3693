package storage

import (
	"context"
	"fmt"
	"io"
	"iter"
	"net/http"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/phuslu/log"
)

// S3Config describes an S3-compatible bucket shared by several machines.
type S3Config struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	Region          string
	Bucket          string
	Prefix          string
	UseSSL          bool
	ForcePathStyle  bool

	MaxConnections int
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
}

func (cfg *S3Config) validate() error {
	var missing []string
	if cfg.Endpoint == "" {
		missing = append(missing, "endpoint")
	}
	if cfg.Bucket == "" {
		missing = append(missing, "bucket")
	}
	if cfg.AccessKeyID == "" || cfg.SecretAccessKey == "" {
		missing = append(missing, "access key and secret key")
	}
	if len(missing) > 0 {
		return fmt.Errorf("s3 storage: missing %s", strings.Join(missing, ", "))
	}
	return nil
}

func (cfg *S3Config) withDefaults() S3Config {
	c := *cfg
	if c.MaxConnections <= 0 {
		c.MaxConnections = 16
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.Region == "" {
		c.Region = "us-east-1"
	}
	c.Prefix = strings.Trim(c.Prefix, "/")
	return c
}

// Bucket stores blobs as objects under an optional key prefix.
type Bucket struct {
	client    *minio.Client
	name      string
	prefix    string
	transport *http.Transport
}

// NewBucket connects to the bucket and fails if it does not exist.
func NewBucket(ctx context.Context, config *S3Config) (*Bucket, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	cfg := config.withDefaults()

	transport := &http.Transport{
		MaxIdleConns:          cfg.MaxConnections,
		MaxIdleConnsPerHost:   cfg.MaxConnections,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: cfg.RequestTimeout,
	}
	opts := &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: transport,
	}
	if cfg.ForcePathStyle {
		opts.BucketLookup = minio.BucketLookupPath
	}

	client, err := minio.New(cfg.Endpoint, opts)
	if err != nil {
		return nil, fmt.Errorf("s3 client: %w", err)
	}

	checkCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	ok, err := client.BucketExists(checkCtx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("s3 bucket %s: %w", cfg.Bucket, err)
	}
	if !ok {
		return nil, fmt.Errorf("s3 bucket %s does not exist", cfg.Bucket)
	}

	log.Info().
		Str("endpoint", cfg.Endpoint).
		Str("bucket", cfg.Bucket).
		Str("prefix", cfg.Prefix).
		Msg("S3 storage connected")

	return &Bucket{
		client:    client,
		name:      cfg.Bucket,
		prefix:    cfg.Prefix,
		transport: transport,
	}, nil
}

func (b *Bucket) object(key string) string {
	if b.prefix == "" {
		return key
	}
	return b.prefix + "/" + key
}

func (b *Bucket) key(object string) string {
	if b.prefix == "" {
		return object
	}
	return strings.TrimPrefix(object, b.prefix+"/")
}

func notFound(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound
}

func (b *Bucket) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := ValidKey(key); err != nil {
		return nil, err
	}
	obj, err := b.client.GetObject(ctx, b.name, b.object(key), minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	// GetObject is lazy; Stat surfaces a missing key.
	if _, err := obj.Stat(); err != nil {
		_ = obj.Close()
		if notFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return obj, nil
}

func (b *Bucket) Write(ctx context.Context, key string, r io.Reader, size int64) error {
	if err := ValidKey(key); err != nil {
		return err
	}
	start := time.Now()
	info, err := b.client.PutObject(ctx, b.name, b.object(key), r, size, minio.PutObjectOptions{
		ContentType: contentType(key),
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	log.Debug().Str("key", key).Int64("size", info.Size).Dur("duration", time.Since(start)).Msg("Blob uploaded")
	return nil
}

func (b *Bucket) Remove(ctx context.Context, key string) error {
	if err := ValidKey(key); err != nil {
		return err
	}
	if err := b.client.RemoveObject(ctx, b.name, b.object(key), minio.RemoveObjectOptions{}); err != nil && !notFound(err) {
		return fmt.Errorf("remove %s: %w", key, err)
	}
	return nil
}

// Keys lists objects directly under the prefix; deeper "directories" belong
// to other tools sharing the bucket.
func (b *Bucket) Keys(ctx context.Context, prefix string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		// Cancelling stops the listing goroutine when the consumer quits.
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		for obj := range b.client.ListObjects(ctx, b.name, minio.ListObjectsOptions{
			Prefix: b.object(prefix),
		}) {
			if obj.Err != nil {
				yield("", fmt.Errorf("list %s: %w", b.name, obj.Err))
				return
			}
			key := b.key(obj.Key)
			if ValidKey(key) != nil {
				continue
			}
			if !yield(key, nil) {
				return
			}
		}
	}
}

// Close drops idle connections.
func (b *Bucket) Close() error {
	if b.transport != nil {
		b.transport.CloseIdleConnections()
	}
	return nil
}
