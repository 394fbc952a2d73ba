package storage

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ArchiveStore ships finished analyses to an object store so the
// on-device vault is not the only copy.
type ArchiveStore struct {
	client     *minio.Client
	bucketName string
	region     string
}

// NewArchiveStore connects to the object store and makes sure the
// bucket exists.
func NewArchiveStore(ctx context.Context, endpoint, region, bucket, accessKey, secretKey string, useSSL bool) (*ArchiveStore, error) {
	cli, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
		Region: region,
	})
	if err != nil {
		return nil, err
	}

	exists, err := cli.BucketExists(ctx, bucket)
	if err != nil {
		return nil, err
	}
	if !exists {
		if err := cli.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: region}); err != nil {
			return nil, err
		}
	}

	return &ArchiveStore{client: cli, bucketName: bucket, region: region}, nil
}

// Upload copies a local file into the bucket and returns its URL. The
// local file stays where it is; the vault remains the primary copy.
func (s *ArchiveStore) Upload(ctx context.Context, localPath, key string) (string, error) {
	if _, err := os.Stat(localPath); err != nil {
		return "", err
	}
	_, err := s.client.FPutObject(ctx, s.bucketName, key, localPath, minio.PutObjectOptions{
		ContentType: contentTypeFor(localPath),
	})
	if err != nil {
		return "", err
	}
	return s.objectURL(key), nil
}

// UploadBytes stores an in-memory payload, used for the results document
// that accompanies each archived recording.
func (s *ArchiveStore) UploadBytes(ctx context.Context, data []byte, key, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, s.bucketName, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return "", err
	}
	return s.objectURL(key), nil
}

// objectURL assumes a public bucket; private buckets would need a
// presigned URL instead.
func (s *ArchiveStore) objectURL(key string) string {
	return fmt.Sprintf("http://%s/%s/%s", s.client.EndpointURL().Host, s.bucketName, key)
}

func contentTypeFor(path string) string {
	switch filepath.Ext(path) {
	case ".wav":
		return "audio/wav"
	case ".mp3":
		return "audio/mpeg"
	case ".flac":
		return "audio/flac"
	case ".m4a":
		return "audio/mp4"
	case ".json":
		return "application/json"
	default:
		return "application/octet-stream"
	}
}
