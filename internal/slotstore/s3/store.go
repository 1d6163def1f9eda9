package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"pkt.systems/handd/internal/slotstore"
	"pkt.systems/pslog"
)

// Config controls the behaviour of the S3 slot store.
type Config struct {
	Endpoint       string
	Region         string
	Bucket         string
	Prefix         string
	Insecure       bool
	ForcePathStyle bool
	CustomCreds    *credentials.Credentials
	Transport      http.RoundTripper
}

// Store implements slotstore.Store on S3-compatible object storage. Each slot
// is one JSON object; Update is a read-merge-write without preconditions, so
// concurrent writers resolve last-write-wins.
type Store struct {
	client *minio.Client
	cfg    Config
}

// New constructs a Store using the provided configuration.
func New(cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3: bucket is required")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		if cfg.Region != "" {
			endpoint = fmt.Sprintf("s3.%s.amazonaws.com", cfg.Region)
		} else {
			endpoint = "s3.amazonaws.com"
		}
	}
	if cfg.Transport == nil {
		cfg.Transport = defaultTransport()
	}
	creds := cfg.CustomCreds
	if creds == nil {
		creds = credentials.NewChainCredentials([]credentials.Provider{
			&credentials.EnvAWS{},
			&credentials.EnvMinio{},
			&credentials.FileAWSCredentials{},
			&credentials.IAM{},
		})
	}
	options := &minio.Options{
		Creds:     creds,
		Secure:    !cfg.Insecure,
		Region:    cfg.Region,
		Transport: cfg.Transport,
	}
	if cfg.ForcePathStyle {
		options.BucketLookup = minio.BucketLookupPath
	}
	client, err := minio.New(endpoint, options)
	if err != nil {
		return nil, fmt.Errorf("s3: create client: %w", err)
	}
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")
	return &Store{client: client, cfg: cfg}, nil
}

func defaultTransport() http.RoundTripper {
	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return http.DefaultTransport
	}
	clone := base.Clone()
	clone.MaxIdleConnsPerHost = 16
	if clone.IdleConnTimeout == 0 {
		clone.IdleConnTimeout = 90 * time.Second
	}
	if clone.TLSHandshakeTimeout == 0 {
		clone.TLSHandshakeTimeout = 10 * time.Second
	}
	return clone
}

// Close is a no-op for the MinIO client.
func (s *Store) Close() error { return nil }

// Config returns a copy of the configuration used to build the store.
func (s *Store) Config() Config { return s.cfg }

// BucketExists reports whether the configured bucket exists.
func (s *Store) BucketExists(ctx context.Context) (bool, error) {
	return s.client.BucketExists(ctx, s.cfg.Bucket)
}

// List reads every slot object under the configured prefix.
func (s *Store) List(ctx context.Context) ([]slotstore.Entry, error) {
	logger := pslog.LoggerFromContext(ctx)
	start := time.Now()
	opts := minio.ListObjectsOptions{Prefix: slotstore.ObjectPrefix(s.cfg.Prefix), Recursive: true}
	var keys []string
	for object := range s.client.ListObjects(ctx, s.cfg.Bucket, opts) {
		if object.Err != nil {
			logger.Debug("s3.list.error", "bucket", s.cfg.Bucket, "error", object.Err)
			return nil, wrapError(object.Err, "s3: list slots")
		}
		key, ok := slotstore.KeyFromObject(s.cfg.Prefix, object.Key)
		if !ok {
			continue
		}
		keys = append(keys, key)
	}
	out := make([]slotstore.Entry, 0, len(keys))
	for _, key := range keys {
		rec, err := s.Get(ctx, key)
		if errors.Is(err, slotstore.ErrNotFound) {
			// deleted between list and read
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, slotstore.Entry{Key: key, Record: rec})
	}
	slotstore.SortEntries(out)
	logger.Trace("s3.list.success", "count", len(out), "elapsed", time.Since(start))
	return out, nil
}

// Get downloads and decodes the slot object for key.
func (s *Store) Get(ctx context.Context, key string) (slotstore.Record, error) {
	object, err := slotstore.ObjectName(s.cfg.Prefix, key)
	if err != nil {
		return nil, err
	}
	obj, err := s.client.GetObject(ctx, s.cfg.Bucket, object, minio.GetObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			return nil, slotstore.ErrNotFound
		}
		return nil, wrapError(err, "s3: get slot")
	}
	defer obj.Close()
	payload, err := io.ReadAll(io.LimitReader(obj, slotstore.MaxObjectBytes))
	if err != nil {
		if isNotFound(err) {
			return nil, slotstore.ErrNotFound
		}
		return nil, wrapError(err, "s3: read slot")
	}
	return slotstore.DecodeRecord(payload)
}

// Update merges patch into the stored object and writes it back unconditionally.
func (s *Store) Update(ctx context.Context, key string, patch slotstore.Patch) error {
	current, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	return s.put(ctx, key, current.Merge(patch), false)
}

// Create writes a new slot object, refusing to overwrite an existing one.
func (s *Store) Create(ctx context.Context, key string, rec slotstore.Record) error {
	object, err := slotstore.ObjectName(s.cfg.Prefix, key)
	if err != nil {
		return err
	}
	if _, err := s.client.StatObject(ctx, s.cfg.Bucket, object, minio.StatObjectOptions{}); err == nil {
		return slotstore.ErrExists
	} else if !isNotFound(err) {
		return wrapError(err, "s3: stat slot")
	}
	return s.put(ctx, key, rec, true)
}

func (s *Store) put(ctx context.Context, key string, rec slotstore.Record, ifAbsent bool) error {
	object, err := slotstore.ObjectName(s.cfg.Prefix, key)
	if err != nil {
		return err
	}
	payload, err := slotstore.EncodeRecord(rec)
	if err != nil {
		return err
	}
	opts := minio.PutObjectOptions{ContentType: slotstore.ContentTypeJSON}
	if ifAbsent {
		opts.SetMatchETagExcept("*")
	}
	if _, err := s.client.PutObject(ctx, s.cfg.Bucket, object, bytes.NewReader(payload), int64(len(payload)), opts); err != nil {
		if ifAbsent && isPreconditionFailed(err) {
			return slotstore.ErrExists
		}
		return wrapError(err, "s3: put slot")
	}
	return nil
}

func isNotFound(err error) bool {
	errResp := minio.ErrorResponse{}
	if errors.As(err, &errResp) {
		return errResp.StatusCode == http.StatusNotFound
	}
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey"
}

func isPreconditionFailed(err error) bool {
	errResp := minio.ErrorResponse{}
	if errors.As(err, &errResp) {
		return errResp.StatusCode == http.StatusPreconditionFailed
	}
	return false
}

func wrapError(err error, msg string) error {
	if err == nil {
		return nil
	}
	wrapped := fmt.Errorf("%s: %w", msg, err)
	if isRetryable(err) {
		return slotstore.NewTransientError(wrapped)
	}
	return wrapped
}

func isRetryable(err error) bool {
	if slotstore.IsNetworkError(err) {
		return true
	}
	resp := minio.ToErrorResponse(err)
	if resp.StatusCode >= http.StatusInternalServerError {
		return true
	}
	switch resp.StatusCode {
	case http.StatusTooManyRequests, http.StatusRequestTimeout:
		return true
	}
	return false
}

var (
	_ slotstore.Store       = (*Store)(nil)
	_ slotstore.Provisioner = (*Store)(nil)
)
