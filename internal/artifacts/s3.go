// Package artifacts locates trained model binaries in object storage and
// archives registration manifests next to them.
package artifacts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/slipway-ml/slipway/internal/canonical"
	"github.com/slipway-ml/slipway/internal/registry"
)

// ParseS3URI splits s3://bucket/key into its parts.
func ParseS3URI(uri string) (bucket, key string, err error) {
	const scheme = "s3://"
	if !strings.HasPrefix(uri, scheme) {
		return "", "", fmt.Errorf("not an s3 uri: %q", uri)
	}
	rest := strings.TrimPrefix(uri, scheme)
	slash := strings.IndexByte(rest, '/')
	if slash <= 0 || slash == len(rest)-1 {
		return "", "", fmt.Errorf("s3 uri missing bucket or key: %q", uri)
	}
	return rest[:slash], rest[slash+1:], nil
}

// S3Locator answers artifact existence checks with HeadObject.
type S3Locator struct {
	client *s3.Client
}

// NewS3Locator builds a locator from ambient AWS configuration
// (AWS_REGION, AWS_PROFILE, AWS_ACCESS_KEY_ID/SECRET etc.).
func NewS3Locator(ctx context.Context) (*S3Locator, error) {
	cfg, err := awsConfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &S3Locator{client: s3.NewFromConfig(cfg)}, nil
}

func (l *S3Locator) Exists(ctx context.Context, uri string) (bool, error) {
	bucket, key, err := ParseS3URI(uri)
	if err != nil {
		return false, err
	}
	_, err = l.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var notFound *s3types.NotFound
		if errors.As(err, &notFound) {
			return false, nil
		}
		return false, fmt.Errorf("head s3://%s/%s: %w", bucket, key, err)
	}
	return true, nil
}

// ManifestStore uploads registration manifests to S3 paths like:
//
//	s3://<bucket>/<prefix>/models/<name>/<version>/manifest.json
type ManifestStore struct {
	bucket   string
	prefix   string
	uploader *manager.Uploader
}

func NewManifestStore(ctx context.Context, bucket, prefix string) (*ManifestStore, error) {
	if bucket == "" {
		return nil, fmt.Errorf("bucket required")
	}
	cfg, err := awsConfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg)
	return &ManifestStore{
		bucket:   bucket,
		prefix:   prefix,
		uploader: manager.NewUploader(client),
	}, nil
}

func manifestKey(prefix, name string, version int) string {
	return path.Join(prefix, "models", name, strconv.Itoa(version), "manifest.json")
}

// ArchiveManifest uploads the canonical JSON of the manifest and returns
// the object key it was stored under.
func (m *ManifestStore) ArchiveManifest(ctx context.Context, manifest registry.Manifest) (string, error) {
	body, err := canonical.Marshal(manifest)
	if err != nil {
		return "", fmt.Errorf("canonicalize manifest: %w", err)
	}
	key := manifestKey(m.prefix, manifest.Name, manifest.Version)
	_, err = m.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(m.bucket),
		Key:                  aws.String(key),
		Body:                 bytes.NewReader(body),
		ContentType:          aws.String("application/json"),
		ServerSideEncryption: s3types.ServerSideEncryptionAes256,
	})
	if err != nil {
		return "", fmt.Errorf("s3 upload failed: %w", err)
	}
	return key, nil
}
