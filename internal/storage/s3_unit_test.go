package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// NewBucket talks to a live endpoint once the configuration is valid, so
// these tests cover validation and key mapping only.
func TestNewBucket_Validation(t *testing.T) {
	tests := []struct {
		name    string
		config  S3Config
		missing string
	}{
		{"no endpoint", S3Config{AccessKeyID: "k", SecretAccessKey: "s", Bucket: "b"}, "missing endpoint"},
		{"no bucket", S3Config{Endpoint: "localhost:9000", AccessKeyID: "k", SecretAccessKey: "s"}, "missing bucket"},
		{"no credentials", S3Config{Endpoint: "localhost:9000", Bucket: "b"}, "missing access key and secret key"},
		{"nothing", S3Config{}, "missing endpoint, bucket, access key and secret key"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := NewBucket(context.Background(), &tt.config)
			require.Error(t, err)
			assert.Nil(t, b)
			assert.Contains(t, err.Error(), tt.missing)
		})
	}
}

func TestS3Config_Defaults(t *testing.T) {
	in := &S3Config{Prefix: "/team/aurcache/"}
	got := in.withDefaults()

	assert.Equal(t, 16, got.MaxConnections)
	assert.Equal(t, 10*time.Second, got.ConnectTimeout)
	assert.Equal(t, 30*time.Second, got.RequestTimeout)
	assert.Equal(t, "us-east-1", got.Region)
	assert.Equal(t, "team/aurcache", got.Prefix)
	assert.Equal(t, "/team/aurcache/", in.Prefix, "caller config untouched")
}

func TestBucket_KeyMapping(t *testing.T) {
	tests := []struct {
		prefix string
		key    string
		object string
	}{
		{"", "info:yay.json", "info:yay.json"},
		{"aurcache", "info:yay.json", "aurcache/info:yay.json"},
		{"team/aurcache", "k", "team/aurcache/k"},
	}

	for _, tt := range tests {
		t.Run(tt.object, func(t *testing.T) {
			b := &Bucket{prefix: tt.prefix}
			assert.Equal(t, tt.object, b.object(tt.key))
			assert.Equal(t, tt.key, b.key(tt.object))
		})
	}
}

func TestBucket_RejectsInvalidKeys(t *testing.T) {
	b := &Bucket{}
	ctx := context.Background()

	_, err := b.Open(ctx, "a/b")
	assert.ErrorIs(t, err, ErrInvalidKey)
	assert.ErrorIs(t, b.Remove(ctx, ""), ErrInvalidKey)
	assert.ErrorIs(t, b.Write(ctx, ".hidden", nil, 0), ErrInvalidKey)
}

func TestBucket_Close(t *testing.T) {
	assert.NoError(t, (&Bucket{}).Close())
}
