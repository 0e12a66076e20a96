package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

const testSecret = "shared-hmac-secret"

func TestSend_SignedDelivery(t *testing.T) {
	var gotBody []byte
	var gotSignature string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotSignature = r.Header.Get(SignatureHeader)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	s := NewSender(server.URL, testSecret)
	err := s.Send(context.Background(), &Summary{
		RenderID:        "render-abc",
		Status:          "completed",
		ChunksCompleted: 3,
		ChunkCount:      3,
		FramesRendered:  300,
		DurationMs:      4200,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !VerifySignature(testSecret, gotBody, gotSignature) {
		t.Error("delivered signature does not verify against the body")
	}

	var summary Summary
	if err := json.Unmarshal(gotBody, &summary); err != nil {
		t.Fatalf("body not valid JSON: %v", err)
	}
	if summary.RenderID != "render-abc" || summary.FramesRendered != 300 {
		t.Errorf("summary lost in transit: %+v", summary)
	}
}

func TestSend_Non2xxIsError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	s := NewSender(server.URL, testSecret)
	if err := s.Send(context.Background(), &Summary{RenderID: "r"}); err == nil {
		t.Fatal("expected an error for a 502 response")
	}
}

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"renderId":"r"}`)
	sig := Sign(testSecret, body)

	if !VerifySignature(testSecret, body, sig) {
		t.Error("valid signature rejected")
	}
	if VerifySignature("wrong-secret", body, sig) {
		t.Error("signature verified with the wrong secret")
	}
	if VerifySignature(testSecret, []byte(`{"renderId":"tampered"}`), sig) {
		t.Error("signature verified against a tampered body")
	}
	if VerifySignature(testSecret, body, "sha256=zz") {
		t.Error("malformed hex accepted")
	}
	if VerifySignature(testSecret, body, "md5=abcd") {
		t.Error("wrong scheme accepted")
	}
	if VerifySignature(testSecret, body, "") {
		t.Error("empty header accepted")
	}
}
