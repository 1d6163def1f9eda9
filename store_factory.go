package handd

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	minioCredentials "github.com/minio/minio-go/v7/pkg/credentials"

	"pkt.systems/handd/internal/slotstore"
	awsstore "pkt.systems/handd/internal/slotstore/aws"
	azurestore "pkt.systems/handd/internal/slotstore/azure"
	"pkt.systems/handd/internal/slotstore/docstore"
	"pkt.systems/handd/internal/slotstore/logging"
	"pkt.systems/handd/internal/slotstore/memory"
	"pkt.systems/handd/internal/slotstore/s3"
	"pkt.systems/pslog"
)

const docstoreSchemePrefix = "docstore+"

// CredentialSummary describes which credentials were selected for object storage.
type CredentialSummary struct {
	AccessKey string
	HasSecret bool
	Source    string
}

// OpenStore opens the slot store named by cfg.Store and wraps it with
// tracing and logging.
//
// Supported URLs:
//
//	mem://                                  in-process, lost on exit
//	docstore+mem://slots/key                any linked gocloud docstore driver
//	s3://host[:port]/bucket[/prefix]        S3-compatible (MinIO etc.)
//	aws://bucket[/prefix]?region=eu-west-1  AWS S3 via aws-sdk-go-v2
//	azure://account/container[/prefix]      Azure Blob Storage
func OpenStore(ctx context.Context, cfg Config, logger pslog.Logger) (slotstore.Store, error) {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	inner, sys, err := openBackend(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return logging.Wrap(inner, logger, sys), nil
}

func openBackend(ctx context.Context, cfg Config) (slotstore.Store, string, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return nil, "", fmt.Errorf("parse store URL: %w", err)
	}
	if strings.HasPrefix(u.Scheme, docstoreSchemePrefix) {
		// The collection must be keyed on docstore.DefaultKeyField.
		collection := strings.TrimPrefix(cfg.Store, docstoreSchemePrefix)
		store, err := docstore.Open(ctx, docstore.Config{CollectionURL: collection})
		if err != nil {
			return nil, "", err
		}
		return store, "store.docstore", nil
	}
	switch u.Scheme {
	case "memory", "mem", "":
		return memory.New(), "store.memory", nil
	case "s3":
		s3cfg, _, err := BuildGenericS3Config(cfg)
		if err != nil {
			return nil, "", err
		}
		store, err := s3.New(s3cfg)
		if err != nil {
			return nil, "", err
		}
		if err := ensureBucket(ctx, store); err != nil {
			_ = store.Close()
			return nil, "", err
		}
		return store, "store.s3", nil
	case "aws":
		awscfg, err := BuildAWSConfig(cfg)
		if err != nil {
			return nil, "", err
		}
		store, err := awsstore.New(ctx, awscfg)
		if err != nil {
			return nil, "", err
		}
		return store, "store.aws", nil
	case "azure":
		azureCfg, err := BuildAzureConfig(cfg)
		if err != nil {
			return nil, "", err
		}
		store, err := azurestore.New(ctx, azureCfg)
		if err != nil {
			return nil, "", err
		}
		return store, "store.azure", nil
	default:
		return nil, "", fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
}

// BuildGenericS3Config parses s3:// URLs that target S3-compatible services.
func BuildGenericS3Config(cfg Config) (s3.Config, CredentialSummary, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "s3" {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	endpoint := strings.TrimSpace(u.Host)
	if endpoint == "" {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("s3 store missing host (expected s3://host[:port]/bucket[/prefix])")
	}
	bucket, prefix := splitBucketPath(u.Path)
	if bucket == "" {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("s3 store missing bucket (expected s3://host[:port]/bucket[/prefix])")
	}
	query := u.Query()
	secure := true
	if v := query.Get("tls"); v != "" {
		if ok, err := strconv.ParseBool(v); err == nil {
			secure = ok
		}
	}
	if v := query.Get("insecure"); v != "" {
		if ok, err := strconv.ParseBool(v); err == nil && ok {
			secure = false
		}
	}
	forcePath := false
	if v := query.Get("path-style"); v != "" {
		if ok, err := strconv.ParseBool(v); err == nil {
			forcePath = ok
		}
	}
	cred, summary, err := resolveGenericS3Credentials(cfg)
	if err != nil {
		return s3.Config{}, summary, err
	}
	return s3.Config{
		Endpoint:       endpoint,
		Region:         query.Get("region"),
		Bucket:         bucket,
		Prefix:         prefix,
		Insecure:       !secure,
		ForcePathStyle: forcePath,
		CustomCreds:    cred,
	}, summary, nil
}

// BuildAWSConfig parses aws:// URLs. Credentials come from the default AWS
// chain.
func BuildAWSConfig(cfg Config) (awsstore.Config, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return awsstore.Config{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "aws" {
		return awsstore.Config{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	bucket := strings.TrimSpace(u.Host)
	if bucket == "" {
		return awsstore.Config{}, fmt.Errorf("aws store missing bucket (expected aws://bucket[/prefix])")
	}
	query := u.Query()
	region := strings.TrimSpace(cfg.AWSRegion)
	if v := strings.TrimSpace(query.Get("region")); v != "" {
		region = v
	}
	if region == "" {
		region = firstEnv("AWS_REGION", "AWS_DEFAULT_REGION")
	}
	if region == "" {
		return awsstore.Config{}, fmt.Errorf("aws store requires region (set --aws-region or HANDD_AWS_REGION)")
	}
	insecure := false
	if v := query.Get("insecure"); v != "" {
		if ok, err := strconv.ParseBool(v); err == nil {
			insecure = ok
		}
	}
	pathStyle := false
	if v := query.Get("path-style"); v != "" {
		if ok, err := strconv.ParseBool(v); err == nil {
			pathStyle = ok
		}
	}
	return awsstore.Config{
		Endpoint:       query.Get("endpoint"),
		Region:         region,
		Bucket:         bucket,
		Prefix:         strings.Trim(u.Path, "/"),
		Insecure:       insecure,
		ForcePathStyle: pathStyle,
	}, nil
}

// BuildAzureConfig derives the Azure store configuration.
func BuildAzureConfig(cfg Config) (azurestore.Config, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return azurestore.Config{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "azure" {
		return azurestore.Config{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	account := strings.TrimSpace(u.Host)
	if cfg.AzureAccount != "" {
		account = cfg.AzureAccount
	}
	if account == "" {
		account = firstEnv("AZURE_STORAGE_ACCOUNT", "AZURE_ACCOUNT_NAME")
	}
	if account == "" {
		return azurestore.Config{}, fmt.Errorf("azure: account name required (set azure://account/... or AZURE_STORAGE_ACCOUNT)")
	}
	container, prefix := splitBucketPath(u.Path)
	if container == "" {
		return azurestore.Config{}, fmt.Errorf("azure store missing container (expected azure://account/container[/prefix])")
	}
	query := u.Query()
	endpoint := strings.TrimSpace(cfg.AzureEndpoint)
	if v := strings.TrimSpace(query.Get("endpoint")); v != "" {
		endpoint = v
	}
	accountKey := strings.TrimSpace(cfg.AzureAccountKey)
	if accountKey == "" {
		accountKey = firstEnv("HANDD_AZURE_ACCOUNT_KEY", "AZURE_STORAGE_ACCOUNT_KEY", "AZURE_STORAGE_KEY")
	}
	sas := strings.TrimSpace(cfg.AzureSASToken)
	if v := strings.TrimSpace(query.Get("sas")); v != "" {
		sas = v
	}
	if sas == "" {
		sas = firstEnv("HANDD_AZURE_SAS_TOKEN", "AZURE_STORAGE_SAS_TOKEN")
	}
	return azurestore.Config{
		Account:    account,
		AccountKey: accountKey,
		Endpoint:   endpoint,
		SASToken:   sas,
		Container:  container,
		Prefix:     prefix,
	}, nil
}

func splitBucketPath(path string) (string, string) {
	path = strings.Trim(path, "/")
	if path == "" {
		return "", ""
	}
	parts := strings.SplitN(path, "/", 2)
	bucket := strings.TrimSpace(parts[0])
	if len(parts) == 1 {
		return bucket, ""
	}
	return bucket, strings.Trim(parts[1], "/")
}

func resolveGenericS3Credentials(cfg Config) (*minioCredentials.Credentials, CredentialSummary, error) {
	accessKey := strings.TrimSpace(cfg.S3AccessKeyID)
	secretKey := cfg.S3SecretAccessKey
	sessionToken := cfg.S3SessionToken
	source := "config"
	if accessKey == "" && secretKey == "" && sessionToken == "" {
		accessKey = strings.TrimSpace(os.Getenv("HANDD_S3_ACCESS_KEY_ID"))
		secretKey = os.Getenv("HANDD_S3_SECRET_ACCESS_KEY")
		sessionToken = os.Getenv("HANDD_S3_SESSION_TOKEN")
		source = "env:HANDD_S3_ACCESS_KEY_ID"
	}
	summary := CredentialSummary{}
	if accessKey == "" && secretKey == "" && sessionToken == "" {
		summary.Source = "chain"
		return nil, summary, nil
	}
	summary.AccessKey = accessKey
	summary.HasSecret = secretKey != ""
	summary.Source = source
	if accessKey == "" || secretKey == "" {
		return nil, summary, fmt.Errorf("s3 credentials incomplete (need access key and secret key)")
	}
	return minioCredentials.NewStaticV4(accessKey, secretKey, sessionToken), summary, nil
}

func ensureBucket(ctx context.Context, store *s3.Store) error {
	timeoutCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	exists, err := store.BucketExists(timeoutCtx)
	if err != nil {
		return fmt.Errorf("object store connectivity check failed: %w", err)
	}
	if !exists {
		return fmt.Errorf("object store bucket %s does not exist", store.Config().Bucket)
	}
	return nil
}

func firstEnv(names ...string) string {
	for _, name := range names {
		if val := strings.TrimSpace(os.Getenv(name)); val != "" {
			return val
		}
	}
	return ""
}
