package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pengelbrecht/ticketflow/internal/pipeline"
	"github.com/pengelbrecht/ticketflow/internal/queue"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newLifecycle(t *testing.T) *pipeline.Lifecycle {
	t.Helper()
	root := t.TempDir()
	layout := pipeline.Layout{
		Intake:     filepath.Join(root, "todo"),
		InProgress: filepath.Join(root, "in-progress"),
		Review:     filepath.Join(root, "review"),
		Failed:     filepath.Join(root, "failed"),
		Completed:  filepath.Join(root, "completed"),
	}
	if err := layout.Ensure(); err != nil {
		t.Fatal(err)
	}
	return pipeline.NewLifecycle(layout, pipeline.Options{Logger: discardLogger()})
}

func writeTicket(t *testing.T, l *pipeline.Lifecycle, s pipeline.Stage, name string) {
	t.Helper()
	if err := os.WriteFile(l.Path(s, name), []byte("---\ntitle: x\n---\n"), 0o644); err != nil {
		t.Fatal(err)
	}
}

func mergedPayload(title string) []byte {
	return []byte(fmt.Sprintf(`{"action":"closed","number":1,"pull_request":{"title":%q,"merged":true}}`, title))
}

func post(t *testing.T, h http.Handler, event string, body []byte, sig string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, DefaultPath, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if event != "" {
		req.Header.Set(EventHeader, event)
	}
	if sig != "" {
		req.Header.Set(SignatureHeader, sig)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var got map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decoding response %q: %v", rec.Body.String(), err)
	}
	return got
}

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"action":"closed"}`)
	sig := ComputeSignature(body, "s3cret")

	tests := []struct {
		name   string
		body   []byte
		secret string
		sig    string
		want   bool
	}{
		{name: "match", body: body, secret: "s3cret", sig: sig, want: true},
		{name: "prefixed", body: body, secret: "s3cret", sig: "sha256=" + sig, want: true},
		{name: "body changed", body: []byte(`{"action":"opened"}`), secret: "s3cret", sig: sig},
		{name: "secret changed", body: body, secret: "other", sig: sig},
		{name: "not hex", body: body, secret: "s3cret", sig: "zz"},
		{name: "empty", body: body, secret: "s3cret", sig: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := VerifySignature(tt.body, tt.secret, tt.sig); got != tt.want {
				t.Errorf("VerifySignature() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestWebhook_MergedPullRequestCompletesTicket(t *testing.T) {
	l := newLifecycle(t)
	writeTicket(t, l, pipeline.Review, "task-7.md")
	h := New(Config{Secret: "s3cret", AutoComplete: true}, l, nil, discardLogger()).Handler()

	body := mergedPayload("[Task 7] Add login page")
	rec := post(t, h, "pull_request", body, ComputeSignature(body, "s3cret"))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	if got := decode(t, rec)["status"]; got != "ok" {
		t.Errorf("status field = %v", got)
	}
	if s, ok := l.Locate("task-7.md"); !ok || s != pipeline.Completed {
		t.Errorf("ticket stage = %v, want completed", s)
	}

	// A repeated delivery finds nothing in review and is still acknowledged.
	rec = post(t, h, "pull_request", body, ComputeSignature(body, "s3cret"))
	if rec.Code != http.StatusOK {
		t.Errorf("repeat status = %d", rec.Code)
	}
	if s, _ := l.Locate("task-7.md"); s != pipeline.Completed {
		t.Errorf("ticket stage after repeat = %v", s)
	}
}

func TestWebhook_ExactIDMatch(t *testing.T) {
	l := newLifecycle(t)
	writeTicket(t, l, pipeline.Review, "task-17.md")
	h := New(Config{AutoComplete: true}, l, nil, discardLogger()).Handler()

	post(t, h, "pull_request", mergedPayload("[Task 7] Something"), "")

	if s, _ := l.Locate("task-17.md"); s != pipeline.Review {
		t.Errorf("task-17.md stage = %v, want review", s)
	}
}

func TestWebhook_InvalidSignature(t *testing.T) {
	l := newLifecycle(t)
	writeTicket(t, l, pipeline.Review, "task-7.md")
	h := New(Config{Secret: "s3cret", AutoComplete: true}, l, nil, discardLogger()).Handler()

	body := mergedPayload("[Task 7] Add login page")
	rec := post(t, h, "pull_request", body, ComputeSignature(body, "wrong"))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if got := decode(t, rec)["error"]; got != "Invalid signature" {
		t.Errorf("error = %v", got)
	}
	if s, _ := l.Locate("task-7.md"); s != pipeline.Review {
		t.Errorf("ticket moved despite bad signature: %v", s)
	}
}

func TestWebhook_UnsignedRequestAccepted(t *testing.T) {
	l := newLifecycle(t)
	writeTicket(t, l, pipeline.Review, "task-7.md")
	h := New(Config{Secret: "s3cret", AutoComplete: true}, l, nil, discardLogger()).Handler()

	rec := post(t, h, "pull_request", mergedPayload("[Task 7] x"), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if s, _ := l.Locate("task-7.md"); s != pipeline.Completed {
		t.Errorf("ticket stage = %v, want completed", s)
	}
}

func TestWebhook_Ignored(t *testing.T) {
	tests := []struct {
		name         string
		event        string
		body         []byte
		autoComplete bool
	}{
		{name: "push event", event: "push", body: mergedPayload("[Task 7] x"), autoComplete: true},
		{name: "not merged", event: "pull_request", body: []byte(`{"action":"closed","pull_request":{"title":"[Task 7] x","merged":false}}`), autoComplete: true},
		{name: "opened", event: "pull_request", body: []byte(`{"action":"opened","pull_request":{"title":"[Task 7] x","merged":true}}`), autoComplete: true},
		{name: "no task in title", event: "pull_request", body: mergedPayload("Bump deps"), autoComplete: true},
		{name: "auto complete off", event: "pull_request", body: mergedPayload("[Task 7] x")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := newLifecycle(t)
			writeTicket(t, l, pipeline.Review, "task-7.md")
			h := New(Config{AutoComplete: tt.autoComplete}, l, nil, discardLogger()).Handler()

			rec := post(t, h, tt.event, tt.body, "")
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d", rec.Code)
			}
			if s, _ := l.Locate("task-7.md"); s != pipeline.Review {
				t.Errorf("ticket stage = %v, want review", s)
			}
		})
	}
}

func TestWebhook_BadJSON(t *testing.T) {
	h := New(Config{AutoComplete: true}, newLifecycle(t), nil, discardLogger()).Handler()
	rec := post(t, h, "pull_request", []byte("{not json"), "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

type stubCompleter struct {
	err error
}

func (s stubCompleter) Complete(id string) (string, bool, error) {
	return "task-" + id + ".md", false, s.err
}

func TestWebhook_CompleteErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "lost race", err: fmt.Errorf("moving: %w", pipeline.ErrNotInStage), want: http.StatusOK},
		{name: "io failure", err: errors.New("disk on fire"), want: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := New(Config{AutoComplete: true}, stubCompleter{err: tt.err}, nil, discardLogger()).Handler()
			rec := post(t, h, "pull_request", mergedPayload("[Task 7] x"), "")
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
			if tt.want == http.StatusInternalServerError {
				if got := decode(t, rec)["error"]; got != "Internal server error" {
					t.Errorf("error = %v", got)
				}
			}
		})
	}
}

type stubStats queue.Stats

func (s stubStats) Stats() queue.Stats { return queue.Stats(s) }

func TestHealth(t *testing.T) {
	stats := stubStats{Size: 3, Pending: 2, Processing: []string{"task-1.md", "task-2.md"}}
	h := New(Config{}, newLifecycle(t), stats, discardLogger()).Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var got struct {
		Status       string   `json:"status"`
		QueueSize    int      `json:"queueSize"`
		QueuePending int      `json:"queuePending"`
		Processing   []string `json:"processing"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.Status != "ok" || got.QueueSize != 3 || got.QueuePending != 2 || len(got.Processing) != 2 {
		t.Errorf("health = %+v", got)
	}
}

func TestHealth_NoStats(t *testing.T) {
	h := New(Config{}, newLifecycle(t), nil, discardLogger()).Handler()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	got := decode(t, rec)
	if processing, ok := got["processing"].([]any); !ok || len(processing) != 0 {
		t.Errorf("processing = %v, want empty list", got["processing"])
	}
}

func TestServer_ServeAndShutdown(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	s := New(Config{}, newLifecycle(t), nil, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve() did not return after cancel")
	}
}
