package azure

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"

	"pkt.systems/handd/internal/slotstore"
)

// Config controls connectivity to Azure Blob Storage.
type Config struct {
	Account    string
	AccountKey string
	Endpoint   string
	SASToken   string
	Container  string
	Prefix     string
}

// Store implements slotstore.Store on Azure Blob Storage, one JSON blob per slot.
type Store struct {
	client    *azblob.Client
	container string
	prefix    string
}

// New constructs a Store and ensures the container exists.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Account == "" {
		return nil, fmt.Errorf("azure: account is required")
	}
	if cfg.Container == "" {
		return nil, fmt.Errorf("azure: container is required")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://%s.blob.core.windows.net", cfg.Account)
	}
	var (
		client *azblob.Client
		err    error
	)
	clientOpts := defaultClientOptions()
	if cfg.SASToken != "" {
		endpointWithSAS, serr := appendSASToken(endpoint, cfg.SASToken)
		if serr != nil {
			return nil, serr
		}
		client, err = azblob.NewClientWithNoCredential(endpointWithSAS, clientOpts)
	} else {
		if cfg.AccountKey == "" {
			return nil, fmt.Errorf("azure: account key or SAS token required")
		}
		cred, credErr := azblob.NewSharedKeyCredential(cfg.Account, cfg.AccountKey)
		if credErr != nil {
			return nil, fmt.Errorf("azure: build credentials: %w", credErr)
		}
		client, err = azblob.NewClientWithSharedKeyCredential(endpoint, cred, clientOpts)
	}
	if err != nil {
		return nil, fmt.Errorf("azure: create client: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if _, err := client.CreateContainer(ctx, cfg.Container, nil); err != nil && !isContainerExists(err) {
		return nil, fmt.Errorf("azure: create container: %w", err)
	}
	return &Store{
		client:    client,
		container: cfg.Container,
		prefix:    strings.Trim(cfg.Prefix, "/"),
	}, nil
}

func defaultClientOptions() *azblob.ClientOptions {
	return &azblob.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Transport: defaultTransporter(),
		},
	}
}

type transportAdapter struct {
	rt http.RoundTripper
}

func (t transportAdapter) Do(req *http.Request) (*http.Response, error) {
	return t.rt.RoundTrip(req)
}

func defaultTransporter() policy.Transporter {
	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return transportAdapter{rt: http.DefaultTransport}
	}
	clone := base.Clone()
	if clone.IdleConnTimeout == 0 {
		clone.IdleConnTimeout = 90 * time.Second
	}
	if clone.TLSHandshakeTimeout == 0 {
		clone.TLSHandshakeTimeout = 10 * time.Second
	}
	return transportAdapter{rt: clone}
}

func appendSASToken(endpoint, sas string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("azure: parse endpoint: %w", err)
	}
	sas = strings.TrimPrefix(sas, "?")
	if u.RawQuery != "" {
		u.RawQuery = u.RawQuery + "&" + sas
	} else {
		u.RawQuery = sas
	}
	return u.String(), nil
}

// Close is a no-op for Azure.
func (s *Store) Close() error { return nil }

// List walks the slot blobs and reads each one.
func (s *Store) List(ctx context.Context) ([]slotstore.Entry, error) {
	prefix := slotstore.ObjectPrefix(s.prefix)
	pager := s.client.NewListBlobsFlatPager(s.container, &azblob.ListBlobsFlatOptions{
		Prefix: &prefix,
	})
	var keys []string
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, wrapError(err, "azure: list slots")
		}
		for _, item := range page.Segment.BlobItems {
			if item.Name == nil {
				continue
			}
			if key, ok := slotstore.KeyFromObject(s.prefix, *item.Name); ok {
				keys = append(keys, key)
			}
		}
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

// Get downloads and decodes the slot blob for key.
func (s *Store) Get(ctx context.Context, key string) (slotstore.Record, error) {
	blobName, err := slotstore.ObjectName(s.prefix, key)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.DownloadStream(ctx, s.container, blobName, nil)
	if err != nil {
		if isNotFound(err) {
			return nil, slotstore.ErrNotFound
		}
		return nil, wrapError(err, "azure: download slot")
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, slotstore.MaxObjectBytes))
	if err != nil {
		return nil, wrapError(err, "azure: read slot")
	}
	return slotstore.DecodeRecord(payload)
}

// Update merges patch into the stored blob and uploads it unconditionally.
func (s *Store) Update(ctx context.Context, key string, patch slotstore.Patch) error {
	current, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	return s.upload(ctx, key, current.Merge(patch), false)
}

// Create uploads a new slot blob guarded by If-None-Match.
func (s *Store) Create(ctx context.Context, key string, rec slotstore.Record) error {
	return s.upload(ctx, key, rec, true)
}

func (s *Store) upload(ctx context.Context, key string, rec slotstore.Record, ifAbsent bool) error {
	blobName, err := slotstore.ObjectName(s.prefix, key)
	if err != nil {
		return err
	}
	payload, err := slotstore.EncodeRecord(rec)
	if err != nil {
		return err
	}
	opts := &azblob.UploadStreamOptions{
		HTTPHeaders: &blob.HTTPHeaders{BlobContentType: to.Ptr(slotstore.ContentTypeJSON)},
	}
	if ifAbsent {
		opts.AccessConditions = &blob.AccessConditions{
			ModifiedAccessConditions: &blob.ModifiedAccessConditions{IfNoneMatch: to.Ptr(azcore.ETag("*"))},
		}
	}
	if _, err := s.client.UploadStream(ctx, s.container, blobName, bytes.NewReader(payload), opts); err != nil {
		if ifAbsent && isPreconditionFailed(err) {
			return slotstore.ErrExists
		}
		return wrapError(err, "azure: upload slot")
	}
	return nil
}

func isContainerExists(err error) bool {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode == http.StatusConflict && strings.EqualFold(respErr.ErrorCode, "ContainerAlreadyExists")
	}
	return false
}

func isPreconditionFailed(err error) bool {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode == http.StatusPreconditionFailed || respErr.StatusCode == http.StatusConflict
	}
	return false
}

func isNotFound(err error) bool {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode == http.StatusNotFound
	}
	return false
}

func wrapError(err error, msg string) error {
	wrapped := fmt.Errorf("%s: %w", msg, err)
	if slotstore.IsNetworkError(err) {
		return slotstore.NewTransientError(wrapped)
	}
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) && (respErr.StatusCode >= http.StatusInternalServerError || respErr.StatusCode == http.StatusTooManyRequests) {
		return slotstore.NewTransientError(wrapped)
	}
	return wrapped
}

var (
	_ slotstore.Store       = (*Store)(nil)
	_ slotstore.Provisioner = (*Store)(nil)
)
