// Command mockupstream runs two lightweight HTTP servers that simulate the
// OpenAI and Anthropic chat completion APIs, each listening on its own port
// and both mounted at /chat/completions — the single endpoint UpstreamClient
// always calls regardless of provider. It exists for local and load testing
// without real provider credentials.
//
// Environment overrides:
//
//	PORT_OPENAI, PORT_ANTHROPIC       — listen ports (default 19001, 19002)
//	MOCK_LATENCY_MS                    — artificial latency per response (default 0)
//	MOCK_ERROR_RATE                    — fraction [0,1] of requests returning HTTP 500 (default 0)
//	MOCK_STREAM_WORDS                  — words emitted in a streaming response (default 10)
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"
)

type simConfig struct {
	latencyMS   int
	errorRate   float64
	streamWords int
}

func loadSimConfig() simConfig {
	c := simConfig{streamWords: 10}
	if v := os.Getenv("MOCK_LATENCY_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.latencyMS = n
		}
	}
	if v := os.Getenv("MOCK_ERROR_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 && f <= 1 {
			c.errorRate = f
		}
	}
	if v := os.Getenv("MOCK_STREAM_WORDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.streamWords = n
		}
	}
	return c
}

func portFromEnv(key string, defaultPort int) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return strconv.Itoa(defaultPort)
}

var fakeWords = []string{
	"The", "quick", "brown", "fox", "jumps", "over", "the", "lazy", "dog",
	"Hello", "world", "this", "is", "a", "mock", "response", "from", "the",
	"mock", "upstream", "simulating", "a", "real", "provider", "call",
}

func fakeSentence(n int) string {
	words := make([]string, n)
	for i := range words {
		words[i] = fakeWords[rand.IntN(len(fakeWords))]
	}
	return strings.Join(words, " ") + "."
}

func applyLatency(cfg simConfig) {
	if cfg.latencyMS > 0 {
		time.Sleep(time.Duration(cfg.latencyMS) * time.Millisecond)
	}
}

func shouldError(cfg simConfig) bool {
	return cfg.errorRate > 0 && rand.Float64() < cfg.errorRate
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// newOpenAIHandler simulates the OpenAI chat completions response shape:
// a single "usage.total_tokens" field, SSE chunks under "choices[].delta".
func newOpenAIHandler(cfg simConfig) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		applyLatency(cfg)
		if shouldError(cfg) {
			writeJSON(w, http.StatusInternalServerError, map[string]any{
				"error": map[string]string{"message": "mock internal error", "type": "server_error"},
			})
			return
		}

		var req struct {
			Model  string `json:"model"`
			Stream bool   `json:"stream"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{
				"error": map[string]string{"message": "invalid request body", "type": "invalid_request"},
			})
			return
		}
		model := req.Model
		if model == "" {
			model = "gpt-4o"
		}

		id := fmt.Sprintf("chatcmpl-mock%x", rand.Int64())
		content := fakeSentence(cfg.streamWords)
		inTokens, outTokens := 10, cfg.streamWords

		if req.Stream {
			serveOpenAIStream(w, id, model, content, inTokens+outTokens)
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"id":      id,
			"object":  "chat.completion",
			"created": time.Now().Unix(),
			"model":   model,
			"choices": []map[string]any{{
				"index":         0,
				"message":       map[string]string{"role": "assistant", "content": content},
				"finish_reason": "stop",
			}},
			"usage": map[string]int{
				"prompt_tokens":     inTokens,
				"completion_tokens": outTokens,
				"total_tokens":      inTokens + outTokens,
			},
		})
	})
	return mux
}

func serveOpenAIStream(w http.ResponseWriter, id, model, content string, totalTokens int) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	for _, word := range strings.Fields(content) {
		chunk := map[string]any{
			"id": id, "object": "chat.completion.chunk", "created": time.Now().Unix(), "model": model,
			"choices": []map[string]any{{"index": 0, "delta": map[string]string{"content": word + " "}, "finish_reason": nil}},
		}
		data, _ := json.Marshal(chunk)
		fmt.Fprintf(w, "data: %s\n\n", data)
		if flusher != nil {
			flusher.Flush()
		}
	}

	final := map[string]any{
		"id": id, "object": "chat.completion.chunk", "created": time.Now().Unix(), "model": model,
		"choices": []map[string]any{{"index": 0, "delta": map[string]string{}, "finish_reason": "stop"}},
		"usage":   map[string]int{"total_tokens": totalTokens},
	}
	data, _ := json.Marshal(final)
	fmt.Fprintf(w, "data: %s\n\n", data)
	fmt.Fprintf(w, "data: [DONE]\n\n")
	if flusher != nil {
		flusher.Flush()
	}
}

// newAnthropicHandler simulates the Anthropic messages response shape: usage
// split across input_tokens/output_tokens, delivered across message_start
// and message_delta SSE events rather than a single total.
func newAnthropicHandler(cfg simConfig) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		applyLatency(cfg)
		if shouldError(cfg) {
			writeJSON(w, http.StatusInternalServerError, map[string]any{
				"type": "error", "error": map[string]string{"type": "overloaded_error", "message": "mock internal error"},
			})
			return
		}

		var req struct {
			Model  string `json:"model"`
			Stream bool   `json:"stream"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{
				"type": "error", "error": map[string]string{"type": "invalid_request_error", "message": "invalid request body"},
			})
			return
		}
		model := req.Model
		if model == "" {
			model = "claude-3-5-sonnet-20241022"
		}

		id := fmt.Sprintf("msg_%x", rand.Int64())
		content := fakeSentence(cfg.streamWords)
		inTokens, outTokens := 15, cfg.streamWords

		if req.Stream {
			serveAnthropicStream(w, id, model, content, inTokens, outTokens)
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"id": id, "type": "message", "role": "assistant", "model": model,
			"stop_reason": "end_turn", "stop_sequence": nil,
			"content": []map[string]string{{"type": "text", "text": content}},
			"usage":   map[string]int{"input_tokens": inTokens, "output_tokens": outTokens},
		})
	})
	return mux
}

func serveAnthropicStream(w http.ResponseWriter, id, model, content string, inTokens, outTokens int) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	send := func(eventType string, data any) {
		b, _ := json.Marshal(data)
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", eventType, b)
		if flusher != nil {
			flusher.Flush()
		}
	}

	send("message_start", map[string]any{
		"type": "message_start",
		"message": map[string]any{
			"id": id, "type": "message", "role": "assistant", "model": model,
			"content": []any{}, "stop_reason": nil, "stop_sequence": nil,
			"usage": map[string]int{"input_tokens": inTokens, "output_tokens": 0},
		},
	})
	send("content_block_start", map[string]any{
		"type": "content_block_start", "index": 0,
		"content_block": map[string]string{"type": "text", "text": ""},
	})
	for _, word := range strings.Fields(content) {
		send("content_block_delta", map[string]any{
			"type": "content_block_delta", "index": 0,
			"delta": map[string]string{"type": "text_delta", "text": word + " "},
		})
	}
	send("content_block_stop", map[string]any{"type": "content_block_stop", "index": 0})
	send("message_delta", map[string]any{
		"type":  "message_delta",
		"delta": map[string]string{"stop_reason": "end_turn", "stop_sequence": ""},
		"usage": map[string]int{"output_tokens": outTokens},
	})
	send("message_stop", map[string]string{"type": "message_stop"})
}

func startServer(name, addr string, h http.Handler, log *slog.Logger) *http.Server {
	srv := &http.Server{Addr: addr, Handler: h, ReadTimeout: 30 * time.Second, WriteTimeout: 60 * time.Second}
	go func() {
		log.Info("mock upstream listening", slog.String("provider", name), slog.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("mock upstream server error", slog.String("provider", name), slog.String("error", err.Error()))
		}
	}()
	return srv
}

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	cfg := loadSimConfig()

	log.Info("starting mock upstreams",
		slog.Int("latency_ms", cfg.latencyMS),
		slog.Float64("error_rate", cfg.errorRate),
		slog.Int("stream_words", cfg.streamWords),
	)

	servers := []*http.Server{
		startServer("openai", ":"+portFromEnv("PORT_OPENAI", 19001), newOpenAIHandler(cfg), log),
		startServer("anthropic", ":"+portFromEnv("PORT_ANTHROPIC", 19002), newAnthropicHandler(cfg), log),
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down mock upstreams")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	for _, srv := range servers {
		wg.Add(1)
		go func(s *http.Server) {
			defer wg.Done()
			_ = s.Shutdown(ctx)
		}(srv)
	}
	wg.Wait()
	log.Info("mock upstreams stopped")
}
