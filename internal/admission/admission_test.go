package admission

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
)

// mockCounterStore はテスト用のCounterStore。
type mockCounterStore struct {
	incrementFn func(ctx context.Context, key string, limit int, window time.Duration) (Result, error)
}

func (m *mockCounterStore) IncrementAndCheck(ctx context.Context, key string, limit int, window time.Duration) (Result, error) {
	return m.incrementFn(ctx, key, limit, window)
}

// mockRecorder はテスト用のRecorder。
type mockRecorder struct {
	mu       sync.Mutex
	results  []string
	failures []string
}

func (m *mockRecorder) RecordAdmission(result string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results = append(m.results, result)
}

func (m *mockRecorder) RecordCounterStoreFailure(policy string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = append(m.failures, policy)
}

func newTestController(store CounterStore, cfg Config, rec Recorder, buf *bytes.Buffer) *Controller {
	c := NewController(store, cfg, rec)
	if buf != nil {
		c.logger = slog.New(slog.NewJSONHandler(buf, nil))
	}
	return c
}

func TestController_Admit_UsesPrefixedKeyAndConfig(t *testing.T) {
	var gotKey string
	var gotLimit int
	var gotWindow time.Duration
	store := &mockCounterStore{
		incrementFn: func(_ context.Context, key string, limit int, window time.Duration) (Result, error) {
			gotKey, gotLimit, gotWindow = key, limit, window
			return Result{Allowed: true, Remaining: 4}, nil
		},
	}

	c := newTestController(store, DefaultConfig(), nil, nil)
	d := c.Admit(context.Background(), "acct-1")

	if !d.Allowed || d.Remaining != 4 {
		t.Errorf("Decision = %+v, want allowed with 4 remaining", d)
	}
	if gotKey != "admission:acct-1" {
		t.Errorf("key = %q, want %q", gotKey, "admission:acct-1")
	}
	if gotLimit != 5 || gotWindow != 60*time.Second {
		t.Errorf("limit/window = %d/%v, want 5/60s", gotLimit, gotWindow)
	}
}

func TestController_Admit_DeniedCarriesRetryAfter(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	store := &mockCounterStore{
		incrementFn: func(context.Context, string, int, time.Duration) (Result, error) {
			return Result{Allowed: false, ResetAt: now.Add(42 * time.Second)}, nil
		},
	}
	rec := &mockRecorder{}

	c := newTestController(store, DefaultConfig(), rec, &bytes.Buffer{})
	c.now = func() time.Time { return now }

	d := c.Admit(context.Background(), "acct-1")
	if d.Allowed {
		t.Fatal("expected denied decision")
	}
	if d.RetryAfter != 42*time.Second {
		t.Errorf("RetryAfter = %v, want 42s", d.RetryAfter)
	}
	if d.Degraded {
		t.Error("denial from a healthy store must not be degraded")
	}
	if len(rec.results) != 1 || rec.results[0] != "denied" {
		t.Errorf("recorded results = %v, want [denied]", rec.results)
	}
}

func TestController_Admit_DeniedRetryAfterIsAtLeastOneSecond(t *testing.T) {
	now := time.Now()
	store := &mockCounterStore{
		incrementFn: func(context.Context, string, int, time.Duration) (Result, error) {
			return Result{Allowed: false, ResetAt: now.Add(100 * time.Millisecond)}, nil
		},
	}
	c := newTestController(store, DefaultConfig(), nil, &bytes.Buffer{})
	c.now = func() time.Time { return now }

	if d := c.Admit(context.Background(), "k"); d.RetryAfter < time.Second {
		t.Errorf("RetryAfter = %v, want >= 1s", d.RetryAfter)
	}
}

func TestController_Admit_StoreFailure_FailOpen(t *testing.T) {
	store := &mockCounterStore{
		incrementFn: func(context.Context, string, int, time.Duration) (Result, error) {
			return Result{}, errors.New("dial tcp: connection refused")
		},
	}
	rec := &mockRecorder{}
	var buf bytes.Buffer

	c := newTestController(store, DefaultConfig(), rec, &buf)
	d := c.Admit(context.Background(), "acct-1")

	if !d.Allowed || !d.Degraded {
		t.Errorf("Decision = %+v, want allowed and degraded", d)
	}
	assertWarnWithPolicy(t, &buf, "fail-open")
	if len(rec.failures) != 1 || rec.failures[0] != "fail-open" {
		t.Errorf("failures = %v, want [fail-open]", rec.failures)
	}
}

func TestController_Admit_StoreFailure_FailClosed(t *testing.T) {
	store := &mockCounterStore{
		incrementFn: func(context.Context, string, int, time.Duration) (Result, error) {
			return Result{}, errors.New("i/o timeout")
		},
	}
	cfg := DefaultConfig()
	cfg.FailurePolicy = FailClosed
	var buf bytes.Buffer

	c := newTestController(store, cfg, nil, &buf)
	d := c.Admit(context.Background(), "acct-1")

	if d.Allowed || !d.Degraded {
		t.Errorf("Decision = %+v, want denied and degraded", d)
	}
	if d.RetryAfter <= 0 {
		t.Errorf("RetryAfter = %v, want positive", d.RetryAfter)
	}
	assertWarnWithPolicy(t, &buf, "fail-closed")
}

func assertWarnWithPolicy(t *testing.T, buf *bytes.Buffer, policy string) {
	t.Helper()
	line := strings.TrimSpace(buf.String())
	var entry map[string]interface{}
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("expected a JSON log line, got %q: %v", line, err)
	}
	if entry["level"] != "WARN" {
		t.Errorf("level = %v, want WARN", entry["level"])
	}
	if entry["policy"] != policy {
		t.Errorf("policy = %v, want %s", entry["policy"], policy)
	}
}

func TestParseFailurePolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    FailurePolicy
		wantErr bool
	}{
		{"", FailOpen, false},
		{"fail-open", FailOpen, false},
		{"FAIL-CLOSED", FailClosed, false},
		{"maybe", "", true},
	}
	for _, tt := range tests {
		got, err := ParseFailurePolicy(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseFailurePolicy(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseFailurePolicy(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

// 60秒に5回の制限で、ウィンドウ内の6回目が拒否されることを実ストアで検証する。
func TestController_WithMemoryStore_SixthRequestDenied(t *testing.T) {
	store := NewMemoryCounterStore(time.Minute)
	defer store.Stop()
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return clock }

	c := newTestController(store, DefaultConfig(), nil, &bytes.Buffer{})
	c.now = func() time.Time { return clock }

	for i := 0; i < 5; i++ {
		if d := c.Admit(context.Background(), "acct-1"); !d.Allowed {
			t.Fatalf("request %d denied, want allowed", i+1)
		}
		clock = clock.Add(time.Second)
	}

	d := c.Admit(context.Background(), "acct-1")
	if d.Allowed {
		t.Fatal("6th request within window was allowed")
	}
	// 最古の記録(0s)はウィンドウ開始から60秒で失効する。現在は5s。
	if d.RetryAfter != 55*time.Second {
		t.Errorf("RetryAfter = %v, want 55s", d.RetryAfter)
	}

	if d := c.Admit(context.Background(), "acct-2"); !d.Allowed {
		t.Error("other accounts must not share the window")
	}
}
