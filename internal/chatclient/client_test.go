package chatclient

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"runtime"
	"sync"
	"testing"
	"time"

	"chatstream/internal/models"
)

type deltaRecord struct {
	text  string
	done  bool
	model string
}

type recorder struct {
	mu      sync.Mutex
	records []deltaRecord
}

func (r *recorder) callback(text string, done bool, model string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, deltaRecord{text: text, done: done, model: model})
}

func (r *recorder) snapshot() []deltaRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]deltaRecord, len(r.records))
	copy(out, r.records)
	return out
}

func newStreamClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(srv.URL, "", srv.Client())
}

func userRequest(model string) ChatRequest {
	return ChatRequest{
		Messages: []models.Message{{Role: models.RoleUser, Content: "hi"}},
		Config:   models.ModelConfig{Model: model},
	}
}

func TestStreamAccumulatesAndCompletes(t *testing.T) {
	client := newStreamClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Routed-Model", "gpt-4o-routed")
		flusher := w.(http.Flusher)
		io.WriteString(w, "Hel")
		flusher.Flush()
		io.WriteString(w, "lo")
		flusher.Flush()
	})

	rec := &recorder{}
	if err := client.Stream(context.Background(), userRequest("gpt-4o"), rec.callback); err != nil {
		t.Fatalf("Stream failed: %v", err)
	}

	records := rec.snapshot()
	if len(records) == 0 {
		t.Fatal("no callbacks fired")
	}

	last := records[len(records)-1]
	if !last.done {
		t.Error("final callback must carry done=true")
	}
	if last.text != "Hello" {
		t.Errorf("final text = %q, want %q", last.text, "Hello")
	}
	if last.model != "gpt-4o-routed" {
		t.Errorf("resolved model = %q", last.model)
	}

	doneCount := 0
	prev := ""
	for _, r := range records {
		if r.done {
			doneCount++
		}
		if len(r.text) < len(prev) {
			t.Errorf("accumulated text shrank: %q after %q", r.text, prev)
		}
		prev = r.text
	}
	if doneCount != 1 {
		t.Errorf("done fired %d times, want exactly once", doneCount)
	}
}

func TestStreamStallTimeoutSynthesizesCompletion(t *testing.T) {
	release := make(chan struct{})
	client := newStreamClient(t, func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		io.WriteString(w, "partial")
		flusher.Flush()
		<-release // hang without closing
	})
	defer close(release)
	client.stallTimeout = 100 * time.Millisecond

	rec := &recorder{}
	start := time.Now()
	if err := client.Stream(context.Background(), userRequest("gpt-4o"), rec.callback); err != nil {
		t.Fatalf("Stream failed: %v", err)
	}
	elapsed := time.Since(start)

	if elapsed > 2*time.Second {
		t.Errorf("stall completion took %v", elapsed)
	}

	records := rec.snapshot()
	last := records[len(records)-1]
	if !last.done {
		t.Error("stall must synthesize done=true")
	}
	if last.text != "partial" {
		t.Errorf("final text = %q, want partial content", last.text)
	}
	doneCount := 0
	for _, r := range records {
		if r.done {
			doneCount++
		}
	}
	if doneCount != 1 {
		t.Errorf("done fired %d times, want exactly once", doneCount)
	}
}

func TestStreamStallReleasesReaderGoroutine(t *testing.T) {
	// The handler hangs until the client closes the connection, so the
	// only thing keeping goroutines alive afterwards would be a leaked
	// reader.
	client := newStreamClient(t, func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		io.WriteString(w, "partial")
		flusher.Flush()
		<-r.Context().Done()
	})
	client.stallTimeout = 50 * time.Millisecond

	before := runtime.NumGoroutine()
	for i := 0; i < 5; i++ {
		if err := client.Stream(context.Background(), userRequest("m"), func(string, bool, string) {}); err != nil {
			t.Fatalf("Stream %d failed: %v", i, err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && runtime.NumGoroutine() > before+2 {
		time.Sleep(10 * time.Millisecond)
	}
	if got := runtime.NumGoroutine(); got > before+2 {
		t.Errorf("goroutines grew from %d to %d after stalled streams returned", before, got)
	}
}

func TestStreamUnauthorized(t *testing.T) {
	client := newStreamClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	rec := &recorder{}
	err := client.Stream(context.Background(), userRequest("gpt-4o"), rec.callback)
	if !errors.Is(err, ErrUnauthorized) {
		t.Errorf("err = %v, want ErrUnauthorized", err)
	}
	if len(rec.snapshot()) != 0 {
		t.Error("no callbacks may fire on a 401 short-circuit")
	}
}

func TestStreamNonOKStatus(t *testing.T) {
	client := newStreamClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	rec := &recorder{}
	err := client.Stream(context.Background(), userRequest("gpt-4o"), rec.callback)
	if !errors.Is(err, ErrStream) {
		t.Errorf("err = %v, want ErrStream", err)
	}
	if len(rec.snapshot()) != 0 {
		t.Error("no callbacks may fire on a status short-circuit")
	}
}

func TestStreamCancellationStopsCallbacks(t *testing.T) {
	firstChunk := make(chan struct{})
	release := make(chan struct{})
	client := newStreamClient(t, func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		io.WriteString(w, "before-cancel")
		flusher.Flush()
		close(firstChunk)
		<-release
	})
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	rec := &recorder{}

	errCh := make(chan error, 1)
	go func() {
		errCh <- client.Stream(ctx, userRequest("gpt-4o"), rec.callback)
	}()

	<-firstChunk
	time.Sleep(50 * time.Millisecond) // let the first callback land
	cancel()

	err := <-errCh
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}

	count := len(rec.snapshot())
	time.Sleep(100 * time.Millisecond)
	after := rec.snapshot()
	if len(after) != count {
		t.Errorf("callbacks fired after cancellation: %d -> %d", count, len(after))
	}
	for _, r := range after {
		if r.done {
			t.Error("done callback fired despite cancellation")
		}
	}
}

func TestStreamEmptyMessagesRejectedLocally(t *testing.T) {
	called := false
	client := newStreamClient(t, func(w http.ResponseWriter, r *http.Request) {
		called = true
	})

	err := client.Stream(context.Background(), ChatRequest{Config: models.ModelConfig{Model: "m"}}, func(string, bool, string) {})
	if err == nil {
		t.Fatal("expected normalization error")
	}
	if called {
		t.Error("no network call may happen for an invalid request")
	}
}

func TestStreamSendsRotatedToken(t *testing.T) {
	var tokens []string
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		tokens = append(tokens, r.Header.Get("token"))
		mu.Unlock()
	}))
	defer srv.Close()

	client := New(srv.URL, "k1,k2", srv.Client())
	for i := 0; i < 3; i++ {
		_ = client.Stream(context.Background(), userRequest("m"), func(string, bool, string) {})
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"k1", "k2", "k1"}
	for i, tok := range tokens {
		if tok != want[i] {
			t.Errorf("request %d carried token %q, want %q", i, tok, want[i])
		}
	}
}
