package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v5"

	"github.com/MistApproach/callm/internal/fixture"
	"github.com/MistApproach/callm/internal/toy"
	"github.com/MistApproach/callm/pkg/engine"
	"github.com/MistApproach/callm/pkg/loader"
	"github.com/MistApproach/callm/pkg/pipeline"
)

func newTestServer(t *testing.T, load bool) (*Server, http.Handler) {
	t.Helper()
	reg := engine.NewRegistry()
	reg.SetFallback(toy.Factory(1))
	path := fixture.WriteGGUF(t, t.TempDir(), "model.gguf", fixture.LlamaKV())

	p, err := pipeline.NewBuilder().
		WithLoader(loader.NewGGUF(path, loader.WithRegistry(reg))).
		WithTemperature(0).
		Autoload(load).
		Build(context.Background())
	if err != nil {
		t.Fatalf("build pipeline: %v", err)
	}
	s := New(p)
	return s, s.Handler()
}

func doJSON(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %s: %v", rec.Body.String(), err)
	}
	return out
}

func TestGenerate(t *testing.T) {
	t.Parallel()

	_, h := newTestServer(t, true)
	rec := doJSON(t, h, http.MethodPost, "/v1/generate", `{"prompt":"hello"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d body=%s", rec.Code, rec.Body.String())
	}
	resp := decode[GenerationResponse](t, rec)
	if resp.ID == "" || resp.ID != rec.Header().Get(headerRequestID) {
		t.Fatalf("id %q does not match request id header %q", resp.ID, rec.Header().Get(headerRequestID))
	}
	if resp.Object != "text_completion" || resp.Model != "llama" {
		t.Fatalf("object=%q model=%q", resp.Object, resp.Model)
	}
	if resp.StopReason != "eos" && resp.StopReason != "max_tokens" {
		t.Fatalf("unexpected stop reason %q", resp.StopReason)
	}
	if resp.Usage.PromptTokens != 5 || resp.Usage.CompletionTokens < 1 ||
		resp.Usage.TotalTokens != resp.Usage.PromptTokens+resp.Usage.CompletionTokens {
		t.Fatalf("unexpected usage %+v", resp.Usage)
	}

	// arg-max sampling repeats itself
	again := decode[GenerationResponse](t, doJSON(t, h, http.MethodPost, "/v1/generate", `{"prompt":"hello"}`))
	if again.Text != resp.Text {
		t.Fatalf("arg-max output changed between requests: %q vs %q", resp.Text, again.Text)
	}
}

func TestRequestIDPassthrough(t *testing.T) {
	t.Parallel()

	_, h := newTestServer(t, true)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(headerRequestID, "req-123")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if got := rec.Header().Get(headerRequestID); got != "req-123" {
		t.Fatalf("request id = %q", got)
	}
}

func TestChat(t *testing.T) {
	t.Parallel()

	_, h := newTestServer(t, true)
	body := `{"messages":[{"role":"system","content":"be brief"},{"role":"user","content":"hi"}]}`
	rec := doJSON(t, h, http.MethodPost, "/v1/chat", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d body=%s", rec.Code, rec.Body.String())
	}
	resp := decode[GenerationResponse](t, rec)
	if resp.Object != "chat_completion" {
		t.Fatalf("object = %q", resp.Object)
	}
	// rendered prompt carries the template's headers, so it is far longer
	// than the message text
	if resp.Usage.PromptTokens < 40 {
		t.Fatalf("prompt tokens = %d, template not applied?", resp.Usage.PromptTokens)
	}
}

func TestValidationErrors(t *testing.T) {
	t.Parallel()

	_, h := newTestServer(t, true)
	cases := []struct {
		name string
		path string
		body string
		want string
	}{
		{name: "invalid json", path: "/v1/generate", body: `{`, want: "invalid_request_error"},
		{name: "empty prompt", path: "/v1/generate", body: `{"prompt":""}`, want: "prompt is required"},
		{name: "no messages", path: "/v1/chat", body: `{"messages":[]}`, want: "must not be empty"},
		{name: "bad role", path: "/v1/chat", body: `[{"role":"robot","content":"x"}]`, want: "unknown message role robot"},
		{name: "missing role", path: "/v1/chat", body: `[{"content":"x"}]`, want: "has no role"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			rec := doJSON(t, h, http.MethodPost, tc.path, tc.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d body=%s", rec.Code, rec.Body.String())
			}
			if !strings.Contains(rec.Body.String(), tc.want) {
				t.Fatalf("body %s does not contain %q", rec.Body.String(), tc.want)
			}
		})
	}
}

func TestNotLoaded(t *testing.T) {
	t.Parallel()

	_, h := newTestServer(t, false)
	if rec := doJSON(t, h, http.MethodGet, "/healthz", ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("healthz: expected 503, got %d", rec.Code)
	}
	rec := doJSON(t, h, http.MethodPost, "/v1/generate", `{"prompt":"hi"}`)
	if rec.Code != http.StatusServiceUnavailable || !strings.Contains(rec.Body.String(), "model not loaded") {
		t.Fatalf("generate: got %d body=%s", rec.Code, rec.Body.String())
	}
}

func TestHealth(t *testing.T) {
	t.Parallel()

	_, h := newTestServer(t, true)
	rec := doJSON(t, h, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Fatalf("healthz: got %d body=%s", rec.Code, rec.Body.String())
	}
}

func TestModel(t *testing.T) {
	t.Parallel()

	_, h := newTestServer(t, true)
	rec := doJSON(t, h, http.MethodGet, "/v1/model", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d body=%s", rec.Code, rec.Body.String())
	}
	resp := decode[ModelResponse](t, rec)
	if resp.Format != "gguf" || resp.Architecture != "llama" || resp.VocabSize != fixture.Vocab {
		t.Fatalf("unexpected model %+v", resp)
	}
	if resp.EOS != fixture.EOS || !resp.ChatTemplate || !resp.Loaded {
		t.Fatalf("unexpected tokenizer info %+v", resp)
	}
	if resp.Sampling.Policy != "argmax" || resp.Sampling.TopK != nil {
		t.Fatalf("unexpected sampling %+v", resp.Sampling)
	}
}

func TestMetrics(t *testing.T) {
	t.Parallel()

	_, h := newTestServer(t, true)
	doJSON(t, h, http.MethodPost, "/v1/generate", `{"prompt":"hello"}`)
	doJSON(t, h, http.MethodGet, "/nope", "")

	rec := doJSON(t, h, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("/metrics status=%d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{
		`callm_http_requests_total{method="POST",path="/v1/generate",status="200"} 1`,
		`callm_http_requests_total{method="GET",path="unmatched",status="404"} 1`,
		`callm_generation_tokens_total{kind="prompt"} 5`,
		"callm_generation_duration_seconds_bucket",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics missing %q", want)
		}
	}
}
