package metrics

import (
	"bytes"
	"encoding/json"
	"os"
	"testing"
)

// captureStdout runs fn and returns what it wrote to stdout.
func captureStdout(t *testing.T, fn func()) string {
	t.Helper()
	old := os.Stdout
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	os.Stdout = w

	fn()

	w.Close()
	os.Stdout = old
	var buf bytes.Buffer
	buf.ReadFrom(r)
	return buf.String()
}

func TestRecorder_FlushOutput(t *testing.T) {
	functionName = "" // Clear for test isolation

	output := captureStdout(t, func() {
		New().
			Dimension("Operation", "chunk-render").
			Metric("ChunkDurationMs", 1234.5, UnitMilliseconds).
			Count("ChunkSuccess").
			Property("renderId", "render-abc").
			Flush()
	})

	var doc map[string]interface{}
	if err := json.Unmarshal([]byte(output), &doc); err != nil {
		t.Fatalf("failed to parse EMF output as JSON: %v\nOutput: %s", err, output)
	}

	awsDir, ok := doc["_aws"].(map[string]interface{})
	if !ok {
		t.Fatal("missing _aws directive in EMF output")
	}
	if _, ok := awsDir["Timestamp"]; !ok {
		t.Error("missing Timestamp in _aws directive")
	}

	cwArr, ok := awsDir["CloudWatchMetrics"].([]interface{})
	if !ok || len(cwArr) == 0 {
		t.Fatal("CloudWatchMetrics should be a non-empty array")
	}
	cw := cwArr[0].(map[string]interface{})
	if cw["Namespace"] != Namespace {
		t.Errorf("expected namespace %s, got %v", Namespace, cw["Namespace"])
	}

	if doc["Operation"] != "chunk-render" {
		t.Errorf("expected Operation=chunk-render, got %v", doc["Operation"])
	}
	if doc["ChunkDurationMs"] != 1234.5 {
		t.Errorf("expected ChunkDurationMs=1234.5, got %v", doc["ChunkDurationMs"])
	}
	if doc["ChunkSuccess"] != float64(1) {
		t.Errorf("expected ChunkSuccess=1, got %v", doc["ChunkSuccess"])
	}
	if doc["renderId"] != "render-abc" {
		t.Errorf("expected renderId=render-abc, got %v", doc["renderId"])
	}
}

func TestRecorder_FlushEmpty(t *testing.T) {
	output := captureStdout(t, func() {
		New().Flush() // No metrics, should produce no output
	})
	if output != "" {
		t.Errorf("expected no output for empty recorder, got: %s", output)
	}
}

func TestRecorder_FunctionNameDimension(t *testing.T) {
	initOnce.Do(func() {}) // Consume the once so the assignment below sticks
	functionName = "chunk-worker"
	r := New()
	if r.dimensions["FunctionName"] != "chunk-worker" {
		t.Errorf("expected FunctionName dimension, got %v", r.dimensions)
	}
	functionName = ""
}

func TestRecorder_Count(t *testing.T) {
	functionName = ""
	rec := New()
	rec.Count("Errors")

	if v, ok := rec.values["Errors"]; !ok || v != float64(1) {
		t.Errorf("expected Errors=1, got %v", v)
	}
	if m, ok := rec.metrics["Errors"]; !ok || m.Unit != UnitCount {
		t.Errorf("expected unit Count, got %v", m.Unit)
	}
}

func TestRecorder_Chaining(t *testing.T) {
	functionName = ""
	rec := New().
		Dimension("Op", "test").
		Metric("Duration", 100, UnitMilliseconds).
		Count("Calls").
		Property("id", "xyz")

	if rec.dimensions["Op"] != "test" {
		t.Error("chaining Dimension failed")
	}
	if rec.values["Duration"] != float64(100) {
		t.Error("chaining Metric failed")
	}
	if rec.values["Calls"] != float64(1) {
		t.Error("chaining Count failed")
	}
	if rec.properties["id"] != "xyz" {
		t.Error("chaining Property failed")
	}
}
