package renderer

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fpang/lambda-renderfarm/internal/renderjob"
)

// slowestFrameCount is how many frame timings are reported per chunk.
const slowestFrameCount = 5

// CommandEngine drives an external renderer binary. The chunk spec is written
// to the binary's stdin as JSON; progress lines of the form
//
//	progress rendered=<n> encoded=<m> stage=<s>
//	frame <n> <millis>ms
//
// are parsed from its stdout. Artifacts are collected from the scratch
// directory after a clean exit: chunk.<codec> for video and chunk.audio.<ext>
// for a separate audio track, if the composition produces one.
type CommandEngine struct {
	binary string
}

// NewCommandEngine locates the renderer binary on PATH.
func NewCommandEngine(binary string) (*CommandEngine, error) {
	path, err := exec.LookPath(binary)
	if err != nil {
		return nil, fmt.Errorf("renderer binary %q not found in PATH: %w", binary, err)
	}
	log.Debug().Str("path", path).Msg("Renderer binary found")
	return &CommandEngine{binary: path}, nil
}

// Render runs the renderer for one chunk.
func (e *CommandEngine) Render(ctx context.Context, spec renderjob.ChunkSpec, scratchDir string, onProgress ProgressFunc) (*Result, error) {
	specJSON, err := json.Marshal(spec)
	if err != nil {
		return nil, fmt.Errorf("marshal chunk spec: %w", err)
	}

	cmd := exec.CommandContext(ctx, e.binary, "--scratch", scratchDir)
	cmd.Stdin = strings.NewReader(string(specJSON))
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	cmd.Stderr = os.Stderr

	renderStart := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start renderer: %w", err)
	}

	timings := e.scanProgress(stdout, onProgress)

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, classifyExit(err)
	}

	log.Debug().
		Int("chunk", spec.Index).
		Int("frames", spec.FrameCount()).
		Dur("duration", time.Since(renderStart)).
		Msg("Renderer exited cleanly")

	result := &Result{SlowestFrames: slowest(timings)}
	videoPath := filepath.Join(scratchDir, "chunk."+spec.Codec)
	if _, err := os.Stat(videoPath); err != nil {
		return nil, fmt.Errorf("renderer produced no artifact at %s: %w", videoPath, err)
	}
	result.VideoPath = videoPath

	matches, _ := filepath.Glob(filepath.Join(scratchDir, "chunk.audio.*"))
	if len(matches) > 0 {
		result.AudioPath = matches[0]
	}
	return result, nil
}

// scanProgress reads renderer stdout until EOF, forwarding progress callbacks
// and collecting per-frame timings.
func (e *CommandEngine) scanProgress(r io.Reader, onProgress ProgressFunc) []FrameTiming {
	var timings []FrameTiming
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "progress "):
			rendered, encoded, stage, ok := parseProgressLine(line)
			if !ok {
				log.Debug().Str("line", line).Msg("Unparseable progress line from renderer")
				continue
			}
			if onProgress != nil {
				onProgress(rendered, encoded, stage)
			}
		case strings.HasPrefix(line, "frame "):
			if t, ok := parseFrameLine(line); ok {
				timings = append(timings, t)
			}
		}
	}
	return timings
}

// parseProgressLine parses "progress rendered=N encoded=M stage=S".
func parseProgressLine(line string) (rendered, encoded int, stage string, ok bool) {
	for _, field := range strings.Fields(line)[1:] {
		key, value, found := strings.Cut(field, "=")
		if !found {
			return 0, 0, "", false
		}
		switch key {
		case "rendered":
			n, err := strconv.Atoi(value)
			if err != nil {
				return 0, 0, "", false
			}
			rendered = n
		case "encoded":
			n, err := strconv.Atoi(value)
			if err != nil {
				return 0, 0, "", false
			}
			encoded = n
		case "stage":
			stage = value
		}
	}
	return rendered, encoded, stage, true
}

// parseFrameLine parses "frame <n> <millis>ms".
func parseFrameLine(line string) (FrameTiming, bool) {
	fields := strings.Fields(line)
	if len(fields) != 3 {
		return FrameTiming{}, false
	}
	frame, err := strconv.Atoi(fields[1])
	if err != nil {
		return FrameTiming{}, false
	}
	millis, err := strconv.Atoi(strings.TrimSuffix(fields[2], "ms"))
	if err != nil {
		return FrameTiming{}, false
	}
	return FrameTiming{Frame: frame, Duration: time.Duration(millis) * time.Millisecond}, true
}

// slowest returns the top timings by duration.
func slowest(timings []FrameTiming) []FrameTiming {
	sort.Slice(timings, func(i, j int) bool {
		return timings[i].Duration > timings[j].Duration
	})
	if len(timings) > slowestFrameCount {
		timings = timings[:slowestFrameCount]
	}
	return timings
}

// classifyExit maps renderer exit failures onto the known-flaky sentinels.
func classifyExit(err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "signal: segmentation fault"),
		strings.Contains(msg, "signal: abort"),
		strings.Contains(msg, "signal: killed"):
		return fmt.Errorf("%w: %v", ErrCrashed, err)
	case strings.Contains(msg, "cannot allocate memory"),
		strings.Contains(msg, "no space left on device"):
		return fmt.Errorf("%w: %v", ErrResourceExhausted, err)
	default:
		return fmt.Errorf("renderer failed: %w", err)
	}
}
