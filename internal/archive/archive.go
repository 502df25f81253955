// Package archive mirrors raw messages to an S3-compatible bucket. The
// replicator uploads each message after fetching its body and before
// APPEND, so a message whose APPEND then fails is archived as well.
// This gives operators an out-of-band audit trail
// independent of the destination mailbox. It is entirely optional: the
// destination mailbox remains the only migration ledger.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/gsoultan/imapmigrate/internal/retry"
)

// putBackoff bounds retries of transient S3 upload failures. Archiving
// is best-effort, so this stays small: it must never hold up the
// message that's waiting behind it in the replicator's hot path.
var putBackoff = retry.Exponential{
	MaxRetries:      3,
	InitialInterval: 200 * time.Millisecond,
	MaxInterval:     2 * time.Second,
	Multiplier:      2,
}

// S3Config names a region/bucket target plus optional static
// credentials and an S3-compatible endpoint override for non-AWS
// object stores.
type S3Config struct {
	Region    string
	Bucket    string
	Endpoint  string // optional, for S3-compatible services.
	AccessKey string // optional; static credentials override the default chain.
	SecretKey string
}

// Archiver uploads raw message bytes under a key derived from the pair
// index, destination folder, and sequence number.
type Archiver struct {
	client *s3.Client
	bucket string
}

// New resolves AWS credentials (static, if cfg.AccessKey is set,
// otherwise the default chain via config.LoadDefaultConfig) and
// returns an Archiver bound to cfg.Bucket.
func New(ctx context.Context, cfg S3Config) (*Archiver, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("archive: bucket is required")
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("archive: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &Archiver{client: client, bucket: cfg.Bucket}, nil
}

// Key derives the object key for one archived message, matching the
// layout the replicator's Options.PairIndex and dstFolder carry.
func Key(pairIndex int, folder string, seq uint32) string {
	return fmt.Sprintf("%d/%s/%d.eml", pairIndex, folder, seq)
}

// Put uploads body under key. A nil Archiver is a valid no-op receiver
// so callers never need to guard on whether archiving is enabled.
func (a *Archiver) Put(ctx context.Context, key string, body []byte) error {
	if a == nil {
		return nil
	}
	err := retry.Do(ctx, putBackoff, func() error {
		_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(a.bucket),
			Key:    aws.String(key),
			Body:   bytes.NewReader(body),
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("archive: put %s: %w", key, err)
	}
	return nil
}
