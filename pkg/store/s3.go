package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/cunode/cunode/internal/model"
	"github.com/cunode/cunode/pkg/config"
	"github.com/cunode/cunode/pkg/cuerr"
)

// S3CheckpointStore keeps memory checkpoints in an S3 bucket. Keys embed
// the zero-padded ordinate so a prefix listing comes back in replay
// order and the at-or-before lookup needs no separate index.
type S3CheckpointStore struct {
	cfg    config.S3Config
	client *s3.Client
}

// NewS3CheckpointStore builds an S3 client from the backend
// configuration. Explicit credentials override the default chain;
// endpoint and path-style overrides support S3-compatible services.
func NewS3CheckpointStore(ctx context.Context, cfg config.S3Config) (*S3CheckpointStore, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, cuerr.Wrap(err, cuerr.ClassConfig, "load aws config")
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}
	if cfg.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	return &S3CheckpointStore{
		cfg:    cfg,
		client: s3.NewFromConfig(awsCfg, s3Opts...),
	}, nil
}

func (s *S3CheckpointStore) processPrefix(processID string) string {
	return s.cfg.Prefix + processID + "/"
}

func (s *S3CheckpointStore) key(cp *model.MemoryCheckpoint) string {
	return fmt.Sprintf("%s%020d_%s.json", s.processPrefix(cp.ProcessID), cp.Ordinate, cp.ID)
}

// SaveCheckpoint uploads one snapshot.
func (s *S3CheckpointStore) SaveCheckpoint(ctx context.Context, cp *model.MemoryCheckpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return cuerr.Wrap(err, cuerr.ClassCacheWrite, "marshal checkpoint")
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.cfg.Bucket),
		Key:         aws.String(s.key(cp)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return cuerr.Wrap(err, cuerr.ClassCacheWrite, "upload checkpoint")
	}
	return nil
}

// FindCheckpointBefore lists the process prefix and walks the keys from
// the highest ordinate downward.
func (s *S3CheckpointStore) FindCheckpointBefore(ctx context.Context, processID string, timestamp int64, ordinate uint64, cron string) (*model.MemoryCheckpoint, error) {
	keys, err := s.listKeys(ctx, processID)
	if err != nil {
		return nil, err
	}

	for i := len(keys) - 1; i >= 0; i-- {
		ord, ok := ordinateFromKey(keys[i])
		if !ok || ord > ordinate {
			continue
		}
		cp, err := s.download(ctx, keys[i])
		if err != nil {
			continue
		}
		if pointAtOrBefore(cp.Timestamp, cp.Ordinate, timestamp, ordinate) {
			return cp, nil
		}
	}
	return nil, cuerr.NotFound("checkpoint", processID)
}

// ListCheckpoints downloads all snapshots for a process, newest first.
func (s *S3CheckpointStore) ListCheckpoints(ctx context.Context, processID string) ([]*model.MemoryCheckpoint, error) {
	keys, err := s.listKeys(ctx, processID)
	if err != nil {
		return nil, err
	}

	var out []*model.MemoryCheckpoint
	for i := len(keys) - 1; i >= 0; i-- {
		cp, err := s.download(ctx, keys[i])
		if err != nil {
			continue
		}
		out = append(out, cp)
	}
	return out, nil
}

// DeleteCheckpoint removes one snapshot object.
func (s *S3CheckpointStore) DeleteCheckpoint(ctx context.Context, processID, checkpointID string) error {
	keys, err := s.listKeys(ctx, processID)
	if err != nil {
		return err
	}
	for _, key := range keys {
		if !strings.HasSuffix(key, "_"+checkpointID+".json") {
			continue
		}
		_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.cfg.Bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return cuerr.Wrapf(err, cuerr.ClassCacheWrite, "delete checkpoint %s", checkpointID)
		}
		return nil
	}
	return cuerr.NotFound("checkpoint", checkpointID)
}

// CountCheckpoints returns the number of snapshot objects for a process.
func (s *S3CheckpointStore) CountCheckpoints(ctx context.Context, processID string) (int64, error) {
	keys, err := s.listKeys(ctx, processID)
	if err != nil {
		return 0, err
	}
	return int64(len(keys)), nil
}

// Name returns "s3".
func (s *S3CheckpointStore) Name() string { return "s3" }

// Close is a no-op; the S3 client holds no persistent connections.
func (s *S3CheckpointStore) Close() error { return nil }

func (s *S3CheckpointStore) listKeys(ctx context.Context, processID string) ([]string, error) {
	var keys []string
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.cfg.Bucket),
		Prefix: aws.String(s.processPrefix(processID)),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, cuerr.Wrap(err, cuerr.ClassCacheWrite, "list checkpoint objects")
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *S3CheckpointStore) download(ctx context.Context, key string) (*model.MemoryCheckpoint, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	var cp model.MemoryCheckpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	return &cp, nil
}

// ordinateFromKey parses the zero-padded ordinate out of an object key.
func ordinateFromKey(key string) (uint64, bool) {
	base := key
	if i := strings.LastIndex(base, "/"); i >= 0 {
		base = base[i+1:]
	}
	i := strings.Index(base, "_")
	if i < 0 {
		return 0, false
	}
	ord, err := strconv.ParseUint(base[:i], 10, 64)
	if err != nil {
		return 0, false
	}
	return ord, true
}
