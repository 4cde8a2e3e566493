package queue

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestLocalQueue(t *testing.T) (*LocalQueue, string) {
	t.Helper()
	dir := t.TempDir()
	q, err := NewLocal(dir, 2*time.Second, 30*time.Second)
	if err != nil {
		t.Fatalf("NewLocal() error = %v", err)
	}
	t.Cleanup(func() { q.Close() })
	return q, dir
}

func writeRequest(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, RequestFileName)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLocalReceiveExistingFile(t *testing.T) {
	q, dir := newTestLocalQueue(t)
	writeRequest(t, dir, `{"id":"r1","session_id":"s1"}`)

	msgs, err := q.Receive(context.Background(), 4)
	if err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("Receive() returned %d messages, want 1", len(msgs))
	}
	if string(msgs[0].Body) != `{"id":"r1","session_id":"s1"}` {
		t.Errorf("Body = %s", msgs[0].Body)
	}
}

func TestLocalReceiveTimesOutEmpty(t *testing.T) {
	dir := t.TempDir()
	q, err := NewLocal(dir, 100*time.Millisecond, 30*time.Second)
	if err != nil {
		t.Fatalf("NewLocal() error = %v", err)
	}
	defer q.Close()

	start := time.Now()
	msgs, err := q.Receive(context.Background(), 1)
	if err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("Receive() = %d messages, want 0", len(msgs))
	}
	if time.Since(start) < 100*time.Millisecond {
		t.Error("Receive() returned before the long-poll window elapsed")
	}
}

func TestLocalReceiveWakesOnFileCreation(t *testing.T) {
	q, dir := newTestLocalQueue(t)

	go func() {
		time.Sleep(200 * time.Millisecond)
		writeRequest(t, dir, `{"id":"r2"}`)
	}()

	msgs, err := q.Receive(context.Background(), 1)
	if err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("Receive() returned %d messages, want 1", len(msgs))
	}
}

func TestLocalVisibilityHidesInFlightMessage(t *testing.T) {
	q, dir := newTestLocalQueue(t)
	writeRequest(t, dir, `{"id":"r3"}`)

	ctx := context.Background()
	msgs, err := q.Receive(ctx, 1)
	if err != nil || len(msgs) != 1 {
		t.Fatalf("first Receive() = (%v, %v)", msgs, err)
	}

	// File remains on disk but is invisible until deleted.
	if msg, ok, _ := q.tryTake(); ok {
		t.Errorf("tryTake() returned in-flight message %v", msg)
	}

	// Visibility zero hands it straight back.
	if err := q.ChangeVisibility(ctx, msgs[0], VisibilityImmediate); err != nil {
		t.Fatalf("ChangeVisibility() error = %v", err)
	}
	again, err := q.Receive(ctx, 1)
	if err != nil {
		t.Fatalf("Receive() after visibility reset error = %v", err)
	}
	if len(again) != 1 {
		t.Fatalf("Receive() after visibility reset = %d messages, want 1", len(again))
	}
}

func TestLocalDeleteConsumesFile(t *testing.T) {
	q, dir := newTestLocalQueue(t)
	path := writeRequest(t, dir, `{"id":"r4"}`)

	ctx := context.Background()
	msgs, err := q.Receive(ctx, 1)
	if err != nil || len(msgs) != 1 {
		t.Fatalf("Receive() = (%v, %v)", msgs, err)
	}
	if err := q.Delete(ctx, msgs[0]); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("request file still exists after Delete()")
	}

	// Deleting twice is safe.
	if err := q.Delete(ctx, msgs[0]); err != nil {
		t.Errorf("second Delete() error = %v", err)
	}
}

func TestLocalSendResponse(t *testing.T) {
	q, dir := newTestLocalQueue(t)

	if err := q.SendResponse(context.Background(), []byte(`{"status":"launched"}`)); err != nil {
		t.Fatalf("SendResponse() error = %v", err)
	}
	body, err := os.ReadFile(filepath.Join(dir, ResponseFileName))
	if err != nil {
		t.Fatalf("read response file: %v", err)
	}
	if string(body) != `{"status":"launched"}` {
		t.Errorf("response body = %s", body)
	}
}

func TestLocalClosedQueueRejectsOperations(t *testing.T) {
	q, _ := newTestLocalQueue(t)
	if err := q.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if _, _, err := q.tryTake(); err == nil {
		t.Error("tryTake() on closed queue should error")
	}
	if err := q.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}
