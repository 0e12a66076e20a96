// Package main is the chunk worker Lambda: one invocation renders one chunk
// and streams progress and media back over the response stream. Deploy with
// InvokeMode=RESPONSE_STREAM; the coordinator drives it through
// InvokeWithResponseStream.
//
// Request envelope:
//
//	{"routine":"render-chunk","version":"<build>","spec":{...}}
//
// or, when the request overflowed the Lambda payload limit:
//
//	{"routine":"render-chunk","version":"<build>","propsRef":{"bucket":"...","key":"..."}}
package main

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-lambda-go/lambdacontext"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"

	"github.com/fpang/lambda-renderfarm/internal/lambdaboot"
	"github.com/fpang/lambda-renderfarm/internal/logging"
	"github.com/fpang/lambda-renderfarm/internal/metrics"
	"github.com/fpang/lambda-renderfarm/internal/renderer"
	"github.com/fpang/lambda-renderfarm/internal/renderjob"
	"github.com/fpang/lambda-renderfarm/internal/s3util"
	"github.com/fpang/lambda-renderfarm/internal/worker"
	"github.com/fpang/lambda-renderfarm/internal/wireproto"
)

// Build identity baked in via -ldflags.
var (
	commitHash = "dev"
	buildTime  = ""
)

var coldStart = true

var chunkHandler *worker.Handler

// s3RequestLoader resolves overflowed request bodies parked in S3.
type s3RequestLoader struct {
	client *s3.Client
}

func (l *s3RequestLoader) Load(ctx context.Context, ref renderjob.ObjectRef) ([]byte, error) {
	return s3util.DownloadCompressedRequest(ctx, l.client, ref)
}

func init() {
	initStart := time.Now()
	logging.Init()

	cfg := lambdaboot.InitAWS(context.Background())

	version := logging.EnvOrDefault("WORKER_VERSION", commitHash)
	scratchRoot := os.Getenv("RENDER_SCRATCH_DIR")

	progressInterval := worker.DefaultProgressInterval
	if v := os.Getenv("RENDER_PROGRESS_INTERVAL"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			log.Fatal().Str("value", v).Msg("RENDER_PROGRESS_INTERVAL must be a positive integer")
		}
		progressInterval = n
	}

	engineBinary := logging.EnvOrDefault("RENDER_ENGINE_BINARY", "renderfarm-engine")
	engine, err := renderer.NewCommandEngine(engineBinary)
	if err != nil {
		log.Fatal().Err(err).Msg("Renderer engine unavailable")
	}

	artifactBucket := os.Getenv("CHUNK_ARTIFACT_BUCKET")
	var artifacts worker.ArtifactParker
	var requests worker.RequestLoader
	if store := lambdaboot.InitArtifactStore(cfg, "CHUNK_ARTIFACT_BUCKET"); store != nil {
		artifacts = store
		requests = &s3RequestLoader{client: s3.NewFromConfig(cfg)}
	}

	chunkHandler = worker.New(engine, artifacts, requests, worker.Config{
		Version:          version,
		ScratchRoot:      scratchRoot,
		ProgressInterval: progressInterval,
	})

	logging.NewStartupLogger("chunk-worker-lambda").
		CommitHash(commitHash).
		BuildTime(buildTime).
		S3Bucket("artifacts", artifactBucket).
		Feature("artifactPark", artifacts != nil).
		Config("workerVersion", version).
		Config("engineBinary", engineBinary).
		Config("progressInterval", strconv.Itoa(progressInterval)).
		InitDuration(time.Since(initStart)).
		Log()
	metrics.ColdStart(time.Since(initStart))
}

func main() {
	lambda.Start(handle)
}

// handle frames the worker's messages onto the response stream through an
// io.Pipe: the runtime streams whatever the pipe reader yields.
func handle(ctx context.Context, payload json.RawMessage) (io.Reader, error) {
	if coldStart {
		coldStart = false
		log.Info().Msg("Cold start, first invocation")
	}
	if lc, ok := lambdacontext.FromContext(ctx); ok {
		log.Info().Str("requestId", lc.AwsRequestID).Msg("Chunk invocation received")
	}

	pr, pw := io.Pipe()
	go func() {
		out := wireproto.NewWriter(pw)
		err := chunkHandler.Handle(ctx, payload, out)
		if err != nil {
			log.Error().Err(err).Msg("Chunk handler failed before a terminal message")
		}
		pw.CloseWithError(err)
	}()
	return pr, nil
}
