package s3util

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"

	"github.com/fpang/lambda-renderfarm/internal/renderjob"
)

// ArtifactStore parks rendered chunk artifacts that are too large to stream
// in-band and serves them back to the coordinator.
type ArtifactStore struct {
	client *s3.Client
	bucket string
}

// NewArtifactStore creates an ArtifactStore over the given bucket.
func NewArtifactStore(client *s3.Client, bucket string) *ArtifactStore {
	return &ArtifactStore{client: client, bucket: bucket}
}

// Bucket returns the backing bucket name.
func (s *ArtifactStore) Bucket() string { return s.bucket }

// Park uploads a rendered artifact and returns its reference and size. kind is
// "video" or "audio".
func (s *ArtifactStore) Park(ctx context.Context, renderID string, chunkIndex int, kind, localPath string) (renderjob.ObjectRef, int64, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return renderjob.ObjectRef{}, 0, fmt.Errorf("open artifact: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return renderjob.ObjectRef{}, 0, fmt.Errorf("stat artifact: %w", err)
	}

	key := fmt.Sprintf("%s/artifacts/chunk-%05d-%s", renderID, chunkIndex, kind)
	contentType := "application/octet-stream"
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      &s.bucket,
		Key:         &key,
		Body:        f,
		ContentType: &contentType,
	})
	if err != nil {
		return renderjob.ObjectRef{}, 0, fmt.Errorf("S3 PutObject %s: %w", key, err)
	}

	log.Info().
		Str("key", key).
		Int64("sizeBytes", info.Size()).
		Int("chunk", chunkIndex).
		Msg("Oversized artifact parked in S3")
	return renderjob.ObjectRef{Bucket: s.bucket, Key: key}, info.Size(), nil
}

// Fetch downloads a parked artifact to localPath.
func (s *ArtifactStore) Fetch(ctx context.Context, ref renderjob.ObjectRef, localPath string) error {
	log.Debug().Str("key", ref.Key).Str("localPath", localPath).Msg("Fetching parked artifact from S3")
	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &ref.Bucket,
		Key:    &ref.Key,
	})
	if err != nil {
		return fmt.Errorf("S3 GetObject %s: %w", ref.Key, err)
	}
	defer result.Body.Close()

	f, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(f, result.Body); err != nil {
		return fmt.Errorf("download %s: %w", ref.Key, err)
	}
	return nil
}
