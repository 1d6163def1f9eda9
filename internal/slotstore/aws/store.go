package aws

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	smithy "github.com/aws/smithy-go"

	"pkt.systems/handd/internal/slotstore"
	"pkt.systems/pslog"
)

// Config controls the behaviour of the AWS S3 slot store.
type Config struct {
	Endpoint       string
	Region         string
	Bucket         string
	Prefix         string
	Insecure       bool
	ForcePathStyle bool
}

// Store implements slotstore.Store on AWS S3 through aws-sdk-go-v2.
type Store struct {
	client *s3.Client
	cfg    Config
}

// New constructs a Store using the default AWS credential chain.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("aws: bucket is required")
	}
	if cfg.Region == "" {
		return nil, fmt.Errorf("aws: region is required")
	}
	cfg.Endpoint = strings.TrimSpace(cfg.Endpoint)
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")

	httpClient := &http.Client{Transport: defaultTransport(cfg.Insecure)}
	awsCfg, err := awsconfig.LoadDefaultConfig(
		ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithHTTPClient(httpClient),
	)
	if err != nil {
		return nil, fmt.Errorf("aws: load config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			endpoint := cfg.Endpoint
			if !strings.Contains(endpoint, "://") {
				scheme := "https"
				if cfg.Insecure {
					scheme = "http"
				}
				endpoint = scheme + "://" + endpoint
			}
			o.BaseEndpoint = aws.String(endpoint)
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})
	return &Store{client: client, cfg: cfg}, nil
}

func defaultTransport(insecure bool) http.RoundTripper {
	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return http.DefaultTransport
	}
	clone := base.Clone()
	if clone.IdleConnTimeout == 0 {
		clone.IdleConnTimeout = 90 * time.Second
	}
	if clone.TLSHandshakeTimeout == 0 {
		clone.TLSHandshakeTimeout = 10 * time.Second
	}
	if insecure {
		clone.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return clone
}

// Close is a no-op for the AWS client.
func (s *Store) Close() error { return nil }

// List pages through the slot objects and reads each one.
func (s *Store) List(ctx context.Context) ([]slotstore.Entry, error) {
	logger := pslog.LoggerFromContext(ctx)
	prefix := slotstore.ObjectPrefix(s.cfg.Prefix)
	var keys []string
	var token *string
	for {
		resp, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.cfg.Bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			logger.Debug("aws.list.error", "bucket", s.cfg.Bucket, "error", err)
			return nil, wrapError(err, "aws: list slots")
		}
		for _, object := range resp.Contents {
			if key, ok := slotstore.KeyFromObject(s.cfg.Prefix, aws.ToString(object.Key)); ok {
				keys = append(keys, key)
			}
		}
		if !aws.ToBool(resp.IsTruncated) || resp.NextContinuationToken == nil {
			break
		}
		token = resp.NextContinuationToken
	}
	out := make([]slotstore.Entry, 0, len(keys))
	for _, key := range keys {
		rec, err := s.Get(ctx, key)
		if errors.Is(err, slotstore.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, slotstore.Entry{Key: key, Record: rec})
	}
	slotstore.SortEntries(out)
	return out, nil
}

// Get downloads and decodes the slot object for key.
func (s *Store) Get(ctx context.Context, key string) (slotstore.Record, error) {
	object, err := slotstore.ObjectName(s.cfg.Prefix, key)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(object),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, slotstore.ErrNotFound
		}
		return nil, wrapError(err, "aws: get slot")
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, slotstore.MaxObjectBytes))
	if err != nil {
		return nil, wrapError(err, "aws: read slot")
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

// Create writes a new slot object with If-None-Match so existing slots are kept.
func (s *Store) Create(ctx context.Context, key string, rec slotstore.Record) error {
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
	input := &s3.PutObjectInput{
		Bucket:        aws.String(s.cfg.Bucket),
		Key:           aws.String(object),
		Body:          bytes.NewReader(payload),
		ContentLength: aws.Int64(int64(len(payload))),
		ContentType:   aws.String(slotstore.ContentTypeJSON),
	}
	if ifAbsent {
		input.IfNoneMatch = aws.String("*")
	}
	if _, err := s.client.PutObject(ctx, input); err != nil {
		if ifAbsent && isPreconditionFailed(err) {
			return slotstore.ErrExists
		}
		return wrapError(err, "aws: put slot")
	}
	return nil
}

func httpStatusCode(err error) (int, bool) {
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		return respErr.HTTPStatusCode(), true
	}
	return 0, false
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	status, ok := httpStatusCode(err)
	return ok && status == http.StatusNotFound
}

func isPreconditionFailed(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "PreconditionFailed", "ConditionalRequestConflict":
			return true
		}
	}
	status, ok := httpStatusCode(err)
	return ok && (status == http.StatusPreconditionFailed || status == http.StatusConflict)
}

func wrapError(err error, msg string) error {
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
	status, ok := httpStatusCode(err)
	if !ok {
		return false
	}
	return status >= http.StatusInternalServerError || status == http.StatusTooManyRequests || status == http.StatusRequestTimeout
}

var (
	_ slotstore.Store       = (*Store)(nil)
	_ slotstore.Provisioner = (*Store)(nil)
)
