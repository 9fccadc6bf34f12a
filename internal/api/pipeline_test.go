package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/tidwall/gjson"

	"github.com/semsql/semsql/internal/audit"
	"github.com/semsql/semsql/internal/keypool"
	"github.com/semsql/semsql/internal/llm"
	"github.com/semsql/semsql/internal/nl2sql"
)

// chatServer answers permission prompts with permission and generation prompts with generation.
// Requests made with a key listed in limited get a 429.
type chatServer struct {
	mu         sync.Mutex
	permission string
	generation string
	limited    map[string]bool
	keys       []string
	prompts    []string
}

func (s *chatServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	key := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	prompt := gjson.GetBytes(body, "messages.0.content").String()

	s.mu.Lock()
	s.keys = append(s.keys, key)
	limited := s.limited[key]
	if !limited {
		s.prompts = append(s.prompts, prompt)
	}
	s.mu.Unlock()

	if limited {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"Rate limit reached","type":"tokens"}}`))
		return
	}
	content := s.generation
	if strings.Contains(prompt, `"allowed"`) {
		content = s.permission
	}
	reply, _ := json.Marshal(map[string]any{
		"choices": []any{map[string]any{"message": map[string]any{"role": "assistant", "content": content}}},
	})
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(reply)
}

type immediateTimer struct {
	c chan time.Time
}

func (t *immediateTimer) Start(time.Duration) {
	t.c = make(chan time.Time, 1)
	t.c <- time.Time{}
}

func (t *immediateTimer) Stop() {}

func (t *immediateTimer) C() <-chan time.Time { return t.c }

type recordingWriter struct {
	mu      sync.Mutex
	records []audit.PermissionFailure
}

func (w *recordingWriter) WritePermissionFailure(_ context.Context, rec audit.PermissionFailure) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.records = append(w.records, rec)
	return nil
}

func newPipelineHandler(t *testing.T, srv *httptest.Server, writer audit.Writer, secrets ...string) (http.Handler, *keypool.Pool) {
	t.Helper()
	service, pool := newPipelineService(t, srv, writer, secrets...)
	return NewHandler(loadConfig(t, nil), Dependencies{Generator: service, Keys: pool}), pool
}

func newPipelineService(t *testing.T, srv *httptest.Server, writer audit.Writer, secrets ...string) (*nl2sql.Service, *keypool.Pool) {
	t.Helper()
	pool, err := keypool.New(secrets)
	if err != nil {
		t.Fatalf("keypool.New() error = %v", err)
	}
	client, err := llm.NewClient(llm.ClientConfig{BaseURL: srv.URL, Model: "test-model", Timeout: 5 * time.Second}, pool)
	if err != nil {
		t.Fatalf("llm.NewClient() error = %v", err)
	}
	executor, err := llm.NewExecutor(client, pool, llm.ExecutorOptions{
		MaxAttempts: 6,
		NewTimer:    func() backoff.Timer { return &immediateTimer{} },
	})
	if err != nil {
		t.Fatalf("llm.NewExecutor() error = %v", err)
	}
	service, err := nl2sql.NewService(nl2sql.ServiceConfig{Executor: executor, Audit: writer})
	if err != nil {
		t.Fatalf("nl2sql.NewService() error = %v", err)
	}
	return service, pool
}

const pipelineRequest = `{
	"query": "total payments per merchant",
	"executorRole": "finance",
	"semanticModel": {
		"tables": {"FACT_PAYMENT": {"columns": {"MERCHANT_ID": {"type": "bigint"}, "AMOUNT": {"type": "numeric"}}}},
		"access_control": {"FACT_PAYMENT": {"read": ["finance"]}}
	}
}`

func TestPipelineGeneratesSanitizedSQLAcrossRotatedKeys(t *testing.T) {
	chat := &chatServer{
		permission: `{"allowed": true, "explanation": "finance may read payments", "resolvedQuery": "sum of AMOUNT per MERCHANT_ID"}`,
		generation: "```json\n{\"sql\": \"SELECT fp%.MERCHANT_ID, SUM(fp%.AMOUNT)\nFROM \\\"FACT_PAYMENT\\\" fp%\nGROUP BY fp%.MERCHANT_ID\", \"explanation\": \"Sums payments.\"}\n```",
		limited:    map[string]bool{"key-a": true},
	}
	srv := httptest.NewServer(chat)
	defer srv.Close()
	writer := &recordingWriter{}
	h, pool := newPipelineHandler(t, srv, writer, "key-a", "key-b")

	rr := postGenerate(h, pipelineRequest, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rr.Code, rr.Body.String())
	}
	body := decodeBody(t, rr)
	want := "SELECT fp.MERCHANT_ID, SUM(fp.AMOUNT) FROM FACT_PAYMENT fp GROUP BY fp.MERCHANT_ID"
	if body["sql"] != want {
		t.Fatalf("sql = %q, want %q", body["sql"], want)
	}
	if body["status"] != "allowed" || body["resolvedQuery"] != "sum of AMOUNT per MERCHANT_ID" {
		t.Fatalf("body = %v", body)
	}

	if len(chat.prompts) != 2 {
		t.Fatalf("successful prompts = %d, want 2", len(chat.prompts))
	}
	if !strings.Contains(chat.prompts[1], `"sum of AMOUNT per MERCHANT_ID"`) {
		t.Fatal("generation prompt should carry the resolved query")
	}
	if chat.keys[0] != "key-a" {
		t.Fatalf("first key = %q", chat.keys[0])
	}
	for _, key := range chat.keys[1:] {
		if key != "key-b" {
			t.Fatalf("rate limited key reused: %v", chat.keys)
		}
	}
	if pool.IsEligible(0) {
		t.Fatal("key 0 should be cooling down")
	}
	if len(writer.records) != 0 {
		t.Fatalf("audit records = %d", len(writer.records))
	}
}

func TestPipelineDenialSkipsGenerationAndAudits(t *testing.T) {
	chat := &chatServer{
		permission: `Sure. {"allowed": false, "explanation": "role 'finance' cannot read FACT_PAYMENT.AMOUNT"}`,
		generation: `{"sql": "SELECT 1", "explanation": "should never be used"}`,
	}
	srv := httptest.NewServer(chat)
	defer srv.Close()
	writer := &recordingWriter{}
	h, _ := newPipelineHandler(t, srv, writer, "only")

	rr := postGenerate(h, pipelineRequest, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rr.Code, rr.Body.String())
	}
	body := decodeBody(t, rr)
	if body["status"] != "denied" || body["sql"] != "" {
		t.Fatalf("body = %v", body)
	}
	if len(chat.prompts) != 1 {
		t.Fatalf("model calls = %d, want 1", len(chat.prompts))
	}
	if len(writer.records) != 1 {
		t.Fatalf("audit records = %d, want 1", len(writer.records))
	}
	rec := writer.records[0]
	if rec.ExecutorRole != "finance" || rec.Query != "total payments per merchant" {
		t.Fatalf("record = %+v", rec)
	}
	if !gjson.GetBytes(rec.Model, "tables.FACT_PAYMENT").Exists() {
		t.Fatalf("record model = %s", rec.Model)
	}
}

func TestPipelineReportsExhaustedKeys(t *testing.T) {
	chat := &chatServer{limited: map[string]bool{"a": true, "b": true}}
	srv := httptest.NewServer(chat)
	defer srv.Close()
	h, pool := newPipelineHandler(t, srv, &recordingWriter{}, "a", "b")

	rr := postGenerate(h, pipelineRequest, "")
	if rr.Code != http.StatusBadGateway {
		t.Fatalf("status = %d body=%s", rr.Code, rr.Body.String())
	}
	body := decodeBody(t, rr)
	if body["error_code"] != "LLM_KEYS_EXHAUSTED" {
		t.Fatalf("error_code = %v", body["error_code"])
	}
	if len(chat.keys) != 2 {
		t.Fatalf("requests = %d, want one per key", len(chat.keys))
	}
	if status := pool.Status(); status.AvailableKeys != 0 || len(status.RateLimited) != 2 {
		t.Fatalf("pool status = %+v", status)
	}
}
