package tools

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/cloudwego/eino/components/tool"

	"gigcrew/internal/models"
)

func invoke(t *testing.T, ctx context.Context, r *Registry, name, args string) (string, error) {
	t.Helper()
	ts, err := r.Tools(name)
	if err != nil {
		t.Fatalf("resolve %s: %v", name, err)
	}
	inv, ok := ts[0].(tool.InvokableTool)
	if !ok {
		t.Fatalf("%s is not invokable", name)
	}
	return inv.InvokableRun(ctx, args)
}

func TestMockToolsReturnFixedStrings(t *testing.T) {
	r := NewRegistry(Options{})
	ctx := context.Background()

	cases := []struct {
		name, args, want string
	}{
		{"code_interpreter", `{"code_to_execute":"def verify(c): return 'FAILURE'"}`, "Execution Result: SUCCESS"},
		{"code_interpreter", `{}`, "Execution Result: SUCCESS"},
		{"file_reader", `{"file_path":"submitted_work.json"}`, `File Content: {"key": "value", "status": "submitted"}`},
		{"file_reader", `{"file_path":"/etc/passwd"}`, `File Content: {"key": "value", "status": "submitted"}`},
		{"website_scraper", `{"url":"https://github.com/example/repo"}`, ScraperMockResult},
		{"task_posting", `{"argument":"Summarize AI news"}`, "Task 'Summarize AI news' has been successfully posted."},
		{"task_execution", `{"argument":"Summarize AI news"}`, "Completed work for 'Summarize AI news': A detailed summary of recent AI advancements."},
		{"work_verification", `{"argument":"anything"}`, "Verification Status: Approved"},
		{"payment_processing", `{"argument":"Summarize AI news"}`, "Payment of $15 processed successfully for task 'Summarize AI news'."},
	}
	for _, tc := range cases {
		got, err := invoke(t, ctx, r, tc.name, tc.args)
		if err != nil {
			t.Fatalf("%s error: %v", tc.name, err)
		}
		if got != tc.want {
			t.Fatalf("%s = %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestToolActionsReachSink(t *testing.T) {
	r := NewRegistry(Options{})
	var (
		mu      sync.Mutex
		actions []Action
	)
	ctx := WithActionSink(context.Background(), func(a Action) {
		mu.Lock()
		actions = append(actions, a)
		mu.Unlock()
	})
	if _, err := invoke(t, ctx, r, "file_reader", `{"file_path":"submitted_work.json"}`); err != nil {
		t.Fatalf("file_reader: %v", err)
	}
	if _, err := invoke(t, ctx, r, "code_interpreter", `{"code_to_execute":"print(1)"}`); err != nil {
		t.Fatalf("code_interpreter: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(actions) != 2 {
		t.Fatalf("expected 2 actions, got %d", len(actions))
	}
	if actions[0].Tool != "file_reader" || actions[0].Input != "submitted_work.json" {
		t.Fatalf("unexpected first action %+v", actions[0])
	}
	if actions[1].Tool != "code_interpreter" || actions[1].Input != "print(1)" {
		t.Fatalf("unexpected second action %+v", actions[1])
	}
}

func TestLiveScraperExtractsMainText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(`<html><head><title>Gig Brief</title></head><body>
			<nav><li>skip me</li></nav>
			<main><h1>Translate en.json</h1><p>Spanish output required.</p><ul><li>Keep keys</li></ul></main>
			</body></html>`))
	}))
	defer srv.Close()

	r := NewRegistry(Options{ScraperMode: ScraperLive, HTTPClient: srv.Client()})
	got, err := invoke(t, context.Background(), r, "website_scraper", `{"url":"`+srv.URL+`"}`)
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}
	for _, want := range []string{"Scraped Content: ", "Gig Brief", "Translate en.json", "Spanish output required.", "Keep keys"} {
		if !strings.Contains(got, want) {
			t.Fatalf("scrape output missing %q: %q", want, got)
		}
	}
	if strings.Contains(got, "skip me") {
		t.Fatalf("scrape output should ignore content outside main: %q", got)
	}

	if _, err := invoke(t, context.Background(), r, "website_scraper", `{"url":"file:///etc/passwd"}`); err == nil {
		t.Fatalf("expected unsupported scheme error")
	}
}

func TestUploadReaderChunksAndRateLimits(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "journal.md")
	content := "• finish report\n○ team lunch\n— felt calm\n" + strings.Repeat("x", 1200)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write upload: %v", err)
	}
	r := NewRegistry(Options{})
	if !r.Has("upload_reader") {
		t.Fatalf("upload_reader should be registered")
	}
	ctx := WithUploads(context.Background(), []*models.Upload{{ID: 7, FileName: "journal.md", StoredPath: path}})
	ctx = WithRun(ctx, "run-1")

	got, err := invoke(t, ctx, r, "upload_reader", `{"file_id":7}`)
	if err != nil {
		t.Fatalf("read chunk 0: %v", err)
	}
	if !strings.HasPrefix(got, "File: journal.md\nChunk 1/2\n\n• finish report") {
		t.Fatalf("unexpected first chunk: %q", got[:60])
	}
	got, err = invoke(t, ctx, r, "upload_reader", `{"file_id":7,"chunk_index":9}`)
	if err != nil {
		t.Fatalf("read last chunk: %v", err)
	}
	if !strings.Contains(got, "Chunk 2/2") {
		t.Fatalf("out of range index should clamp to last chunk: %q", got[:40])
	}
	if _, err := invoke(t, ctx, r, "upload_reader", `{"file_id":8}`); err == nil {
		t.Fatalf("expected error for unknown file id")
	}
	if _, err := invoke(t, ctx, r, "upload_reader", `{"file_id":7}`); err != nil {
		t.Fatalf("third call should pass: %v", err)
	}
	if _, err := invoke(t, ctx, r, "upload_reader", `{"file_id":7}`); err == nil {
		t.Fatalf("fourth call within a minute should be rate limited")
	}
}

func TestRegistryUnknownTool(t *testing.T) {
	r := NewRegistry(Options{})
	if _, err := r.Tools("file_reader", "teleport"); err == nil {
		t.Fatalf("expected unknown tool error")
	}
	if r.Has("web_search") {
		t.Fatalf("web search should be off unless enabled")
	}
	names := r.Names()
	if len(names) == 0 || names[0] != "code_interpreter" {
		t.Fatalf("names should be sorted: %v", names)
	}
}

func TestChunkBounds(t *testing.T) {
	text := strings.Repeat("a", 600)
	if got := chunk("f", text, -1, 100); !strings.Contains(got, "Chunk 1/2") {
		t.Fatalf("chunk size below minimum should clamp to 500: %q", got[:30])
	}
	if got := chunk("f", text, 0, 9000); !strings.Contains(got, "Chunk 1/1") {
		t.Fatalf("chunk size above maximum should fall back to default: %q", got[:30])
	}
}
