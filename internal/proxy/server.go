package proxy

import (
	"log/slog"
	"time"

	"github.com/fasthttp/router"
	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/coreason/egress-gateway/pkg/apierr"
)

// Server wraps the Pipeline with the HTTP surface named in this gateway's
// external interface: one POST endpoint and a startup-completion health
// check.
type Server struct {
	pipeline *Pipeline
	log      *slog.Logger
	ready    bool
}

// NewServer builds a Server. ready should be flipped to true by the caller
// only once the KV store and secret store have both been reached at
// startup — /health reports it verbatim and performs no further probing.
func NewServer(p *Pipeline, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{pipeline: p, log: log}
}

// MarkReady flips the health flag. Called once by app bootstrap after the
// KV store and secret store have both been reached.
func (s *Server) MarkReady() { s.ready = true }

// buildHandler assembles the route table wrapped in the fixed middleware
// chain. Split out from Start so tests can drive the handler directly over
// an in-memory listener without binding a real port.
func (s *Server) buildHandler() fasthttp.RequestHandler {
	r := router.New()
	r.POST("/v1/chat/completions", s.pipeline.Handle)
	r.GET("/health", s.handleHealth)
	return applyMiddleware(r.Handler, recovery(s.log), requestID, timing)
}

// Start builds the route table and blocks serving HTTP on addr.
func (s *Server) Start(addr string) error {
	srv := &fasthttp.Server{
		Handler:      s.buildHandler(),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	return srv.ListenAndServe(addr)
}

func (s *Server) handleHealth(ctx *fasthttp.RequestCtx) {
	if !s.ready {
		ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
		ctx.SetContentType("application/json")
		ctx.SetBodyString(`{"status":"starting"}`)
		return
	}
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBodyString(`{"status":"ok"}`)
}

// ── Middleware, narrowed from the gateway's general-purpose middleware set
// to what an internal, non-browser-facing egress proxy needs. CORS and
// security response headers (CSP, HSTS, frame options) are dropped: there is
// no browser in this request path, only service-to-service calls, so those
// headers protect nothing here.

type middlewareFunc func(fasthttp.RequestHandler) fasthttp.RequestHandler

func applyMiddleware(h fasthttp.RequestHandler, mws ...middlewareFunc) fasthttp.RequestHandler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// recovery converts any panic in the handler chain into an opaque 500,
// preserving the gateway's availability per the generic-handler requirement.
func recovery(log *slog.Logger) middlewareFunc {
	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			defer func() {
				if r := recover(); r != nil {
					log.Error("panic recovered", slog.Any("panic", r))
					apierr.WriteOpaque(ctx)
				}
			}()
			next(ctx)
		}
	}
}

// requestID assigns a request-scoped identifier used only for the response
// header and server-side log correlation; it has no bearing on the caller's
// optional X-Coreason-Trace-ID.
func requestID(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		id := string(ctx.Request.Header.Peek("X-Request-ID"))
		if id == "" {
			id = uuid.NewString()
		}
		ctx.SetUserValue("request_id", id)
		ctx.Response.Header.Set("X-Request-ID", id)
		next(ctx)
	}
}

func timing(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		start := time.Now()
		next(ctx)
		ctx.Response.Header.Set("X-Response-Time", time.Since(start).String())
	}
}
