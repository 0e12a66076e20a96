package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	lambdasvc "github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/fpang/lambda-renderfarm/internal/events"
	"github.com/fpang/lambda-renderfarm/internal/invoker"
	"github.com/fpang/lambda-renderfarm/internal/lambdaboot"
	"github.com/fpang/lambda-renderfarm/internal/logging"
	"github.com/fpang/lambda-renderfarm/internal/metrics"
	"github.com/fpang/lambda-renderfarm/internal/orchestrator"
	"github.com/fpang/lambda-renderfarm/internal/progress"
	"github.com/fpang/lambda-renderfarm/internal/registry"
	"github.com/fpang/lambda-renderfarm/internal/renderjob"
	"github.com/fpang/lambda-renderfarm/internal/s3util"
	"github.com/fpang/lambda-renderfarm/internal/streamer"
	"github.com/fpang/lambda-renderfarm/internal/webhook"
)

// s3RequestParker uploads chunk requests that exceed the inline payload limit.
type s3RequestParker struct {
	client *s3.Client
	bucket string
}

func (p *s3RequestParker) Park(ctx context.Context, renderID string, chunkIndex int, body []byte) (renderjob.ObjectRef, error) {
	return s3util.UploadCompressedRequest(ctx, p.client, p.bucket, renderID, chunkIndex, body)
}

// Render command flags.
var (
	compositionFlag string
	codecFlag       string
	fpsFlag         float64
	framesFlag      int
	chunkFramesFlag int
	retriesFlag     int
	concurrencyFlag int
	outDirFlag      string
	functionFlag    string
	webhookURLFlag  string
)

var renderCmd = &cobra.Command{
	Use:   "render",
	Short: "Render a composition across chunk workers",
	Run:   runRender,
}

func init() {
	renderCmd.Flags().StringVarP(&compositionFlag, "composition", "c", "", "Composition ID to render (required)")
	renderCmd.Flags().StringVar(&codecFlag, "codec", "h264", "Output codec (h264, vp9, mp3, aac, wav)")
	renderCmd.Flags().Float64Var(&fpsFlag, "fps", 30, "Frames per second")
	renderCmd.Flags().IntVar(&framesFlag, "frames", 0, "Total frames to render (required)")
	renderCmd.Flags().IntVar(&chunkFramesFlag, "chunk-frames", 100, "Frames per chunk")
	renderCmd.Flags().IntVar(&retriesFlag, "retries", renderjob.DefaultChunkRetries, "Application-level retries per chunk")
	renderCmd.Flags().IntVar(&concurrencyFlag, "concurrency", 10, "Maximum chunks in flight")
	renderCmd.Flags().StringVarP(&outDirFlag, "out", "o", "./chunks", "Directory for received chunk media")
	renderCmd.Flags().StringVar(&functionFlag, "function", "", "Worker function name (default: resolved from SSM)")
	renderCmd.Flags().StringVar(&webhookURLFlag, "webhook-url", "", "URL to POST the signed render summary to")
}

func runRender(cmd *cobra.Command, args []string) {
	logging.Init()
	ctx := context.Background()

	if compositionFlag == "" {
		log.Fatal().Msg("--composition is required")
	}
	if framesFlag <= 0 {
		log.Fatal().Msg("--frames must be positive")
	}

	cfg := lambdaboot.InitAWS(ctx)

	functionName := functionFlag
	if functionName == "" {
		var err error
		functionName, err = lambdaboot.ResolveWorkerFunction(ctx, ssm.NewFromConfig(cfg))
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to resolve worker function name")
		}
	}

	job := renderjob.Job{
		RenderID:    renderjob.NewRenderID(),
		Composition: compositionFlag,
		Codec:       codecFlag,
		FPS:         fpsFlag,
		TotalFrames: framesFlag,
	}
	specs, err := renderjob.PlanChunks(job, chunkFramesFlag, retriesFlag)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to plan chunks")
	}

	if err := os.MkdirAll(outDirFlag, 0755); err != nil {
		log.Fatal().Err(err).Str("dir", outDirFlag).Msg("Failed to create output directory")
	}

	reg := lambdaboot.InitRegistry(cfg, "RENDER_TABLE_NAME")
	var emitter *events.Emitter
	if bus := os.Getenv("RENDER_EVENT_BUS"); bus != "" {
		emitter = events.NewEmitter(eventbridge.NewFromConfig(cfg), bus)
	}
	artifactStore := lambdaboot.InitArtifactStore(cfg, "CHUNK_ARTIFACT_BUCKET")

	log.Info().
		Str("renderId", job.RenderID).
		Str("composition", job.Composition).
		Str("function", functionName).
		Int("totalFrames", job.TotalFrames).
		Int("chunks", len(specs)).
		Int("concurrency", concurrencyFlag).
		Msg("Render planned")

	if reg != nil {
		if err := reg.PutRenderMeta(ctx, &registry.RenderMeta{
			RenderID:    job.RenderID,
			Composition: job.Composition,
			Codec:       job.Codec,
			TotalFrames: job.TotalFrames,
			ChunkCount:  len(specs),
			Status:      registry.StatusRunning,
		}); err != nil {
			log.Warn().Err(err).Msg("Failed to write render meta")
		}
	}
	emitter.EmitBestEffort(ctx, events.DetailRenderStarted, events.RenderStarted{
		RenderID:    job.RenderID,
		Composition: job.Composition,
		TotalFrames: job.TotalFrames,
		ChunkCount:  len(specs),
	})

	var streamRetries int
	var streamRetryMu sync.Mutex
	inv := invoker.New(invoker.NewSDKTransport(lambdasvc.NewFromConfig(cfg)), functionName, cfg.Region)
	stream := streamer.New(inv, streamer.WithRetryObserver(func() {
		streamRetryMu.Lock()
		streamRetries++
		streamRetryMu.Unlock()
	}))

	tracker := progress.NewTracker()
	var fetcher orchestrator.ArtifactFetcher
	if artifactStore != nil {
		fetcher = artifactStore
	}
	version := logging.EnvOrDefault("WORKER_VERSION", commitHash)
	orch := orchestrator.New(stream, tracker, outDirFlag, version, fetcher)
	if artifactStore != nil {
		orch.ParkRequestsWith(&s3RequestParker{
			client: s3.NewFromConfig(cfg),
			bucket: artifactStore.Bucket(),
		})
	}
	orch.OnRetry(func(spec renderjob.ChunkSpec, errorKind string) {
		emitter.EmitBestEffort(ctx, events.DetailChunkRetried, events.ChunkRetried{
			RenderID:   job.RenderID,
			ChunkIndex: spec.Index,
			Attempt:    spec.Attempt,
			ErrorKind:  errorKind,
		})
	})

	renderStart := time.Now()
	files, renderErr := fanOutChunks(ctx, orch, reg, tracker, job, specs)
	duration := time.Since(renderStart)

	snap := tracker.Snapshot()
	printSummary(job, snap, files, duration, renderErr)
	metrics.RenderFinished(job.RenderID, snap.ChunksCompleted, snap.FramesRendered,
		streamRetries, len(snap.Retries), duration, renderErr == nil)

	finishRender(ctx, reg, emitter, job, snap, files, duration, renderErr)

	if renderErr != nil {
		os.Exit(1)
	}
}

// fanOutChunks runs one goroutine per chunk, bounded by the concurrency
// semaphore. The first terminal failure cancels the remaining chunks; partial
// progress already aggregated is preserved for reporting.
func fanOutChunks(ctx context.Context, orch *orchestrator.Orchestrator, reg *registry.Store, tracker *progress.Tracker, job renderjob.Job, specs []renderjob.ChunkSpec) ([]string, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sem := make(chan struct{}, concurrencyFlag)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var files []string
	var firstErr error

	for _, spec := range specs {
		wg.Add(1)
		go func(spec renderjob.ChunkSpec) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			if ctx.Err() != nil {
				return
			}

			chunkStart := time.Now()
			paths, err := orch.RenderChunk(ctx, spec)
			if err != nil {
				kind := errorKind(err)
				metrics.ChunkFailed(job.RenderID, spec.Index, kind)
				recordAttempt(ctx, reg, tracker, job.RenderID, spec.Index, kind, err, chunkStart)
				mu.Lock()
				if firstErr == nil {
					firstErr = err
					cancel()
				}
				mu.Unlock()
				return
			}

			snap := tracker.Snapshot()
			chunk := snap.Chunks[spec.Index]
			metrics.ChunkRendered(job.RenderID, spec.Index, chunk.Rendered, chunk.Encoded,
				fileBytes(paths), time.Since(chunkStart))
			if reg != nil {
				if err := reg.PutChunkAttempt(ctx, &registry.ChunkAttempt{
					RenderID:   job.RenderID,
					ChunkIndex: spec.Index,
					Attempt:    spec.Attempt,
					Outcome:    "completed",
					Rendered:   chunk.Rendered,
					Encoded:    chunk.Encoded,
					DurationMs: time.Since(chunkStart).Milliseconds(),
				}); err != nil {
					log.Warn().Err(err).Int("chunk", spec.Index).Msg("Failed to record chunk attempt")
				}
			}

			mu.Lock()
			files = append(files, paths...)
			mu.Unlock()
		}(spec)
	}
	wg.Wait()
	return files, firstErr
}

// recordAttempt writes the terminal failure record for a chunk.
func recordAttempt(ctx context.Context, reg *registry.Store, tracker *progress.Tracker, renderID string, chunkIndex int, kind string, err error, start time.Time) {
	if reg == nil {
		return
	}
	snap := tracker.Snapshot()
	chunk := snap.Chunks[chunkIndex]
	attempt := 1
	var fatal *orchestrator.FatalRenderError
	if errors.As(err, &fatal) {
		attempt = fatal.Info.Attempt
	}
	if perr := reg.PutChunkAttempt(ctx, &registry.ChunkAttempt{
		RenderID:   renderID,
		ChunkIndex: chunkIndex,
		Attempt:    attempt,
		Outcome:    "failed",
		Rendered:   chunk.Rendered,
		Encoded:    chunk.Encoded,
		DurationMs: time.Since(start).Milliseconds(),
		ErrorKind:  kind,
		ErrorMsg:   err.Error(),
	}); perr != nil {
		log.Warn().Err(perr).Int("chunk", chunkIndex).Msg("Failed to record chunk attempt")
	}
}

// errorKind names the failure class for metrics and registry records.
func errorKind(err error) string {
	var fatal *orchestrator.FatalRenderError
	if errors.As(err, &fatal) {
		return fatal.Info.Kind
	}
	var remote *streamer.RemoteExecutionError
	if errors.As(err, &remote) {
		return "remote-execution"
	}
	return "network"
}

func fileBytes(paths []string) int64 {
	var total int64
	for _, p := range paths {
		if info, err := os.Stat(p); err == nil {
			total += info.Size()
		}
	}
	return total
}

// finishRender writes the final registry record, emits the lifecycle event,
// and delivers the webhook.
func finishRender(ctx context.Context, reg *registry.Store, emitter *events.Emitter, job renderjob.Job, snap progress.Snapshot, files []string, duration time.Duration, renderErr error) {
	status := registry.StatusCompleted
	errMsg := ""
	if renderErr != nil {
		status = registry.StatusFailed
		errMsg = renderErr.Error()
	}

	if reg != nil {
		if err := reg.PutRenderMeta(ctx, &registry.RenderMeta{
			RenderID:    job.RenderID,
			Composition: job.Composition,
			Codec:       job.Codec,
			TotalFrames: job.TotalFrames,
			ChunkCount:  len(snap.Chunks),
			Status:      status,
			StartedAt:   time.Now().Add(-duration).Unix(),
			CompletedAt: time.Now().Unix(),
			Error:       errMsg,
		}); err != nil {
			log.Warn().Err(err).Msg("Failed to write final render meta")
		}
	}

	if renderErr == nil {
		emitter.EmitBestEffort(ctx, events.DetailRenderCompleted, events.RenderCompleted{
			RenderID:       job.RenderID,
			ChunksRendered: snap.ChunksCompleted,
			FramesRendered: snap.FramesRendered,
			DurationMs:     duration.Milliseconds(),
		})
	} else {
		failed := events.RenderFailed{RenderID: job.RenderID, ErrorKind: errorKind(renderErr), Error: renderErr.Error()}
		var fatal *orchestrator.FatalRenderError
		if errors.As(renderErr, &fatal) {
			failed.ChunkIndex = fatal.Info.ChunkIndex
		}
		emitter.EmitBestEffort(ctx, events.DetailRenderFailed, failed)
	}

	if webhookURLFlag != "" {
		secret := os.Getenv("RENDER_WEBHOOK_SECRET")
		if secret == "" {
			log.Warn().Msg("RENDER_WEBHOOK_SECRET not set, webhook skipped")
			return
		}
		sender := webhook.NewSender(webhookURLFlag, secret)
		if err := sender.Send(ctx, &webhook.Summary{
			RenderID:        job.RenderID,
			Status:          status,
			ChunksCompleted: snap.ChunksCompleted,
			ChunkCount:      len(snap.Chunks),
			FramesRendered:  snap.FramesRendered,
			Retries:         len(snap.Retries),
			DurationMs:      duration.Milliseconds(),
			Error:           errMsg,
			OutputFiles:     files,
		}); err != nil {
			log.Warn().Err(err).Msg("Webhook delivery failed")
		}
	}
}

// printSummary renders the human-readable end-of-run table.
func printSummary(job renderjob.Job, snap progress.Snapshot, files []string, duration time.Duration, renderErr error) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "render\t%s\n", job.RenderID)
	fmt.Fprintf(w, "composition\t%s (%s, %d frames)\n", job.Composition, job.Codec, job.TotalFrames)
	fmt.Fprintf(w, "chunks completed\t%d/%d\n", snap.ChunksCompleted, len(snap.Chunks))
	fmt.Fprintf(w, "frames rendered\t%d\n", snap.FramesRendered)
	fmt.Fprintf(w, "frames encoded\t%d\n", snap.FramesEncoded)
	fmt.Fprintf(w, "retries\t%d\n", len(snap.Retries))
	fmt.Fprintf(w, "errors logged\t%d\n", len(snap.Errors))
	fmt.Fprintf(w, "files written\t%d\n", len(files))
	fmt.Fprintf(w, "duration\t%s\n", duration.Round(time.Millisecond))
	if renderErr != nil {
		fmt.Fprintf(w, "result\tFAILED: %v\n", renderErr)
	} else {
		fmt.Fprintf(w, "result\tOK\n")
	}
	w.Flush()
}
