// Package s3util provides the S3 overflow transport for payloads too large to
// travel in-band: chunk request props above the Lambda payload limit, and
// rendered artifacts above the streaming frame limit.
package s3util

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog/log"

	"github.com/fpang/lambda-renderfarm/internal/renderjob"
)

// UploadCompressedRequest zstd-compresses an oversized chunk request body and
// uploads it, returning the reference the slimmed-down request carries instead.
func UploadCompressedRequest(ctx context.Context, client *s3.Client, bucket, renderID string, chunkIndex int, body []byte) (renderjob.ObjectRef, error) {
	var buf bytes.Buffer
	enc, err := zstd.NewWriter(&buf)
	if err != nil {
		return renderjob.ObjectRef{}, fmt.Errorf("zstd writer: %w", err)
	}
	if _, err := enc.Write(body); err != nil {
		enc.Close()
		return renderjob.ObjectRef{}, fmt.Errorf("compress request: %w", err)
	}
	if err := enc.Close(); err != nil {
		return renderjob.ObjectRef{}, fmt.Errorf("flush compressed request: %w", err)
	}

	key := fmt.Sprintf("%s/requests/chunk-%05d.json.zst", renderID, chunkIndex)
	contentType := "application/zstd"
	_, err = client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      &bucket,
		Key:         &key,
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: &contentType,
	})
	if err != nil {
		return renderjob.ObjectRef{}, fmt.Errorf("S3 PutObject %s: %w", key, err)
	}

	log.Debug().
		Str("key", key).
		Int("rawBytes", len(body)).
		Int("compressedBytes", buf.Len()).
		Msg("Oversized chunk request parked in S3")
	return renderjob.ObjectRef{Bucket: bucket, Key: key}, nil
}

// DownloadCompressedRequest fetches and decompresses a parked request body.
func DownloadCompressedRequest(ctx context.Context, client *s3.Client, ref renderjob.ObjectRef) ([]byte, error) {
	result, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &ref.Bucket,
		Key:    &ref.Key,
	})
	if err != nil {
		return nil, fmt.Errorf("S3 GetObject %s: %w", ref.Key, err)
	}
	defer result.Body.Close()

	dec, err := zstd.NewReader(result.Body)
	if err != nil {
		return nil, fmt.Errorf("zstd reader: %w", err)
	}
	defer dec.Close()

	body, err := io.ReadAll(dec)
	if err != nil {
		return nil, fmt.Errorf("decompress request %s: %w", ref.Key, err)
	}
	return body, nil
}
