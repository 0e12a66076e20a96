// Package webhook delivers the final render summary to a configured URL as an
// HMAC-SHA256-signed POST. Receivers validate the X-Render-Signature header
// with VerifySignature before trusting the payload.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// SignatureHeader carries the payload signature: "sha256=<hex HMAC-SHA256>".
const SignatureHeader = "X-Render-Signature"

// sendTimeout bounds one delivery attempt.
const sendTimeout = 10 * time.Second

// Summary is the payload delivered on render completion or failure.
type Summary struct {
	RenderID        string   `json:"renderId"`
	Status          string   `json:"status"` // "completed" or "failed"
	ChunksCompleted int      `json:"chunksCompleted"`
	ChunkCount      int      `json:"chunkCount"`
	FramesRendered  int      `json:"framesRendered"`
	Retries         int      `json:"retries"`
	DurationMs      int64    `json:"durationMs"`
	Error           string   `json:"error,omitempty"`
	OutputFiles     []string `json:"outputFiles,omitempty"`
}

// Sender posts signed summaries to one URL.
type Sender struct {
	url    string
	secret string
	client *http.Client
}

// NewSender creates a Sender. secret is the shared HMAC key agreed with the
// receiver.
func NewSender(url, secret string) *Sender {
	return &Sender{
		url:    url,
		secret: secret,
		client: &http.Client{Timeout: sendTimeout},
	}
}

// Send delivers one summary. A non-2xx response is an error; callers treat
// delivery as best-effort.
func (s *Sender) Send(ctx context.Context, summary *Summary) error {
	body, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, Sign(s.secret, body))

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("POST %s: %w", s.url, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	log.Info().
		Str("renderId", summary.RenderID).
		Str("status", summary.Status).
		Int("statusCode", resp.StatusCode).
		Msg("Render summary delivered to webhook")
	return nil
}

// Sign returns the signature header value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature validates a received header value against the body using
// constant-time comparison.
func VerifySignature(secret string, body []byte, header string) bool {
	const prefix = "sha256="
	if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
		return false
	}
	received, err := hex.DecodeString(header[len(prefix):])
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(received, mac.Sum(nil))
}
