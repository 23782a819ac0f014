package proxy

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/valyala/fasthttp"

	"github.com/coreason/egress-gateway/internal/accounting"
	"github.com/coreason/egress-gateway/internal/budget"
	"github.com/coreason/egress-gateway/internal/modelrouter"
	"github.com/coreason/egress-gateway/internal/secrets"
)

type handleResult struct {
	status int
	body   []byte
}

// doHandle drives p.Handle through a real fasthttp connection so the
// resulting *fasthttp.RequestCtx is fully initialized (notably its unexported
// server backref, which context.WithTimeout's cancellation propagation reads
// via RequestCtx.Done()). A bare &fasthttp.RequestCtx{} lacks that backref
// and panics as soon as any code under test uses it as a context.Context.
func doHandle(t *testing.T, p *Pipeline, method, path, auth, projectID string, body []byte) handleResult {
	t.Helper()

	clientConn, serverConn := net.Pipe()

	var req fasthttp.Request
	req.Header.SetMethod(method)
	req.SetRequestURI(path)
	req.Header.SetHost("localhost")
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	if projectID != "" {
		req.Header.Set(headerProjectID, projectID)
	}
	req.SetBody(body)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = fasthttp.ServeConn(serverConn, func(ctx *fasthttp.RequestCtx) {
			p.Handle(ctx)
		})
	}()

	bw := bufio.NewWriter(clientConn)
	if err := req.Write(bw); err != nil {
		t.Fatalf("write request: %v", err)
	}
	if err := bw.Flush(); err != nil {
		t.Fatalf("flush request: %v", err)
	}

	br := bufio.NewReader(clientConn)
	var resp fasthttp.Response
	if err := resp.Read(br); err != nil {
		t.Fatalf("read response: %v", err)
	}
	clientConn.Close()
	<-done

	return handleResult{status: resp.StatusCode(), body: append([]byte{}, resp.Body()...)}
}

type fakeSecretGetter struct {
	key string
	err error
}

func (f *fakeSecretGetter) Get(_ context.Context, _ string) (*secrets.Credential, error) {
	if f.err != nil {
		return nil, f.err
	}
	return secrets.NewCredential(f.key), nil
}

func newTestPipeline(t *testing.T, upstreamURL string, secretErr error) (*Pipeline, *redis.Client, *accounting.Manager) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	budgetMgr := budget.New(rdb, 0)
	accountingMgr := accounting.New(context.Background(), budgetMgr, nil)

	r := modelrouter.Default(
		modelrouter.Descriptor{ProviderID: "openai", SecretPath: "secret/infrastructure/openai", BaseURL: upstreamURL},
		modelrouter.Descriptor{ProviderID: "anthropic", SecretPath: "secret/infrastructure/anthropic", BaseURL: upstreamURL},
	)

	secretGetter := &fakeSecretGetter{key: "sk-test-key", err: secretErr}

	p := New(r, budgetMgr, secretGetter, accountingMgr, "gate_OK", nil)
	return p, rdb, accountingMgr
}

func TestHappyPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"chatcmpl-1","usage":{"total_tokens":12}}`))
	}))
	defer srv.Close()

	p, rdb, acct := newTestPipeline(t, srv.URL, nil)
	rdb.Set(context.Background(), "budget:proj_A:remaining", "1000", 0)

	res := doHandle(t, p, "POST", "/v1/chat/completions", "Bearer gate_OK", "proj_A",
		[]byte(`{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}],"stream":false}`))
	acct.Close()

	if res.status != fasthttp.StatusOK {
		t.Fatalf("status = %d, body = %s", res.status, res.body)
	}
	if string(res.body) != `{"id":"chatcmpl-1","usage":{"total_tokens":12}}` {
		t.Fatalf("body mismatch: %s", res.body)
	}

	remaining, _ := rdb.Get(context.Background(), "budget:proj_A:remaining").Result()
	usage, _ := rdb.Get(context.Background(), "usage:proj_A:total").Result()
	if remaining != "988" {
		t.Fatalf("remaining = %q, want 988", remaining)
	}
	if usage != "12" {
		t.Fatalf("usage = %q, want 12", usage)
	}
}

func TestAuthFailure(t *testing.T) {
	p, rdb, _ := newTestPipeline(t, "http://unused.invalid", nil)
	rdb.Set(context.Background(), "budget:proj_A:remaining", "1000", 0)

	res := doHandle(t, p, "POST", "/v1/chat/completions", "Bearer wrong", "proj_A",
		[]byte(`{"model":"gpt-4o","messages":[],"stream":false}`))

	if res.status != fasthttp.StatusUnauthorized {
		t.Fatalf("status = %d", res.status)
	}
	if string(res.body) != `{"detail":"Invalid Gateway Access Token"}` {
		t.Fatalf("body = %s", res.body)
	}
	// No budget read should have occurred: remaining key untouched.
	remaining, _ := rdb.Get(context.Background(), "budget:proj_A:remaining").Result()
	if remaining != "1000" {
		t.Fatalf("budget key was touched: %q", remaining)
	}
}

func TestBudgetFailure(t *testing.T) {
	p, rdb, _ := newTestPipeline(t, "http://unused.invalid", nil)
	rdb.Set(context.Background(), "budget:proj_B:remaining", "3", 0)

	// messages serialize to > 12 bytes so estimate exceeds remaining=3.
	body := []byte(`{"model":"gpt-4o","messages":[{"role":"user","content":"this is a longer message body for sizing"}],"stream":false}`)
	res := doHandle(t, p, "POST", "/v1/chat/completions", "Bearer gate_OK", "proj_B", body)

	if res.status != fasthttp.StatusPaymentRequired {
		t.Fatalf("status = %d, body = %s", res.status, res.body)
	}
	if string(res.body) != `{"detail":"Budget exceeded for Project ID proj_B"}` {
		t.Fatalf("body = %s", res.body)
	}
}

func TestUnknownModel(t *testing.T) {
	p, rdb, _ := newTestPipeline(t, "http://unused.invalid", nil)
	rdb.Set(context.Background(), "budget:proj_A:remaining", "1000", 0)

	res := doHandle(t, p, "POST", "/v1/chat/completions", "Bearer gate_OK", "proj_A",
		[]byte(`{"model":"foo-7","messages":[],"stream":false}`))

	if res.status != fasthttp.StatusBadRequest {
		t.Fatalf("status = %d", res.status)
	}
	if string(res.body) != `{"detail":"Unsupported model architecture"}` {
		t.Fatalf("body = %s", res.body)
	}
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"chatcmpl-2","usage":{"total_tokens":7}}`))
	}))
	defer srv.Close()

	p, rdb, acct := newTestPipeline(t, srv.URL, nil)
	rdb.Set(context.Background(), "budget:proj_A:remaining", "1000", 0)

	res := doHandle(t, p, "POST", "/v1/chat/completions", "Bearer gate_OK", "proj_A",
		[]byte(`{"model":"gpt-4o","messages":[],"stream":false}`))
	acct.Close()

	if res.status != fasthttp.StatusOK {
		t.Fatalf("status = %d, body = %s", res.status, res.body)
	}
	if calls != 3 {
		t.Fatalf("expected 3 upstream attempts, got %d", calls)
	}
	usage, _ := rdb.Get(context.Background(), "usage:proj_A:total").Result()
	if usage != "7" {
		t.Fatalf("usage = %q, want 7 (exactly one accounting record)", usage)
	}
}

func TestSecretsUnavailable(t *testing.T) {
	p, rdb, _ := newTestPipeline(t, "http://unused.invalid", context.DeadlineExceeded)
	rdb.Set(context.Background(), "budget:proj_A:remaining", "1000", 0)

	res := doHandle(t, p, "POST", "/v1/chat/completions", "Bearer gate_OK", "proj_A",
		[]byte(`{"model":"gpt-4o","messages":[],"stream":false}`))

	if res.status != fasthttp.StatusServiceUnavailable {
		t.Fatalf("status = %d, body = %s", res.status, res.body)
	}
	if string(res.body) != `{"detail":"Security subsystem unavailable"}` {
		t.Fatalf("body = %s", res.body)
	}
}

func TestStreamingHappyPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher, _ := w.(http.Flusher)
		w.Write([]byte("data: {\"choices\":[{\"delta\":{\"content\":\"hi\"}}]}\n\n"))
		flusher.Flush()
		w.Write([]byte("data: {\"choices\":[{\"delta\":{\"content\":\"!\"}}],\"usage\":{\"total_tokens\":20}}\n\n"))
		flusher.Flush()
		w.Write([]byte("data: [DONE]\n\n"))
		flusher.Flush()
	}))
	defer srv.Close()

	p, rdb, acct := newTestPipeline(t, srv.URL, nil)
	rdb.Set(context.Background(), "budget:proj_C:remaining", "1000", 0)

	res := doHandle(t, p, "POST", "/v1/chat/completions", "Bearer gate_OK", "proj_C",
		[]byte(`{"model":"gpt-4o","messages":[],"stream":true}`))
	acct.Close()

	if len(res.body) == 0 {
		t.Fatal("expected forwarded SSE bytes")
	}
	usage, _ := rdb.Get(context.Background(), "usage:proj_C:total").Result()
	if usage != "20" {
		t.Fatalf("usage = %q, want 20", usage)
	}
}

func TestRetryExhaustionSurfacesUpstreamError(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	p, rdb, acct := newTestPipeline(t, srv.URL, nil)
	rdb.Set(context.Background(), "budget:proj_A:remaining", "1000", 0)

	res := doHandle(t, p, "POST", "/v1/chat/completions", "Bearer gate_OK", "proj_A",
		[]byte(`{"model":"gpt-4o","messages":[],"stream":false}`))
	acct.Close()

	if res.status != fasthttp.StatusBadGateway {
		t.Fatalf("status = %d, body = %s", res.status, res.body)
	}
	if calls != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", calls)
	}
	if _, err := rdb.Get(context.Background(), "usage:proj_A:total").Result(); err == nil {
		t.Fatal("expected no accounting record after exhausted retries")
	}
}
