package safego

import (
	"bytes"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
)

func waitOrFail(t *testing.T, wg *sync.WaitGroup) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("goroutine did not complete within timeout")
	}
}

func TestGo_RunsFunction(t *testing.T) {
	var wg sync.WaitGroup
	wg.Add(1)
	Go("runner", func() { wg.Done() })
	waitOrFail(t, &wg)
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestGo_RecoversPanic(t *testing.T) {
	out := &syncBuffer{}
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(out, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })

	var wg sync.WaitGroup
	wg.Add(1)
	Go("cleanup-loop", func() {
		defer wg.Done()
		panic("boom")
	})
	waitOrFail(t, &wg)

	// wg.Done runs before the deferred Recover logs; poll briefly.
	deadline := time.Now().Add(2 * time.Second)
	for !strings.Contains(out.String(), "goroutine=cleanup-loop") {
		if time.Now().After(deadline) {
			t.Fatalf("panic not logged with goroutine name; log: %q", out.String())
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !strings.Contains(out.String(), "panic=boom") {
		t.Errorf("panic value not logged: %q", out.String())
	}
}
