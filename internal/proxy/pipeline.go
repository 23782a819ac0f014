// Package proxy orchestrates a single request end-to-end: authenticate,
// admit, route, execute against the upstream provider, and schedule
// accounting — the Pipeline named throughout the rest of this module.
package proxy

import (
	"context"
	"crypto/subtle"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/coreason/egress-gateway/internal/accounting"
	"github.com/coreason/egress-gateway/internal/budget"
	"github.com/coreason/egress-gateway/internal/modelrouter"
	"github.com/coreason/egress-gateway/internal/retry"
	"github.com/coreason/egress-gateway/internal/secrets"
	"github.com/coreason/egress-gateway/internal/upstream"
	"github.com/coreason/egress-gateway/pkg/apierr"
)

const (
	headerProjectID = "X-Coreason-Project-ID"
	headerTraceID   = "X-Coreason-Trace-ID"
)

// SecretGetter is the subset of secrets.Provider the pipeline needs.
type SecretGetter interface {
	Get(ctx context.Context, path string) (*secrets.Credential, error)
}

// Pipeline holds every dependency needed to handle one request. All
// dependencies are injected explicitly — there is no ambient/global state —
// so the whole thing can be exercised in tests with fakes.
type Pipeline struct {
	router       *modelrouter.Router
	budgetMgr    *budget.Manager
	secretMgr    SecretGetter
	accountingMgr *accounting.Manager
	gatewayToken string
	log          *slog.Logger
}

// New builds a Pipeline from its fully-resolved dependencies.
func New(
	router *modelrouter.Router,
	budgetMgr *budget.Manager,
	secretMgr SecretGetter,
	accountingMgr *accounting.Manager,
	gatewayToken string,
	log *slog.Logger,
) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{
		router:        router,
		budgetMgr:     budgetMgr,
		secretMgr:     secretMgr,
		accountingMgr: accountingMgr,
		gatewayToken:  gatewayToken,
		log:           log,
	}
}

type inboundBody struct {
	Model    string          `json:"model"`
	Stream   bool            `json:"stream"`
	Messages json.RawMessage `json:"messages"`
}

// Handle is the pipeline's only public entry point. Its internal step order
// is fixed: Authenticate, extract project id, parse body, estimate, admit,
// route, fetch credential, execute, respond, discard credential. Earlier
// steps always short-circuit later ones.
func (p *Pipeline) Handle(ctx *fasthttp.RequestCtx) {
	reqLog := p.requestLogger(ctx)

	// 1. Authenticate.
	token := bearerToken(strings.TrimSpace(string(ctx.Request.Header.Peek("Authorization"))))
	if !p.authenticateToken(token) {
		apierr.Write(ctx, apierr.New(apierr.AuthInvalid, "Invalid Gateway Access Token"))
		return
	}
	reqLog = reqLog.With(slog.String("token_hash", tokenHash(token)))

	// 2. Extract project id.
	projectID := strings.TrimSpace(string(ctx.Request.Header.Peek(headerProjectID)))
	if projectID == "" {
		apierr.Write(ctx, apierr.New(apierr.ProjectMissing, "Missing project identifier"))
		return
	}

	// 3. Parse body.
	var body inboundBody
	rawBody := ctx.PostBody()
	if err := json.Unmarshal(rawBody, &body); err != nil {
		apierr.Write(ctx, apierr.New(apierr.SchemaInvalid, fmt.Sprintf("invalid request body: %s", err.Error())))
		return
	}
	if strings.TrimSpace(body.Model) == "" {
		apierr.Write(ctx, apierr.New(apierr.SchemaInvalid, "field 'model' is required"))
		return
	}

	// 4. Estimate.
	estimate := tokenEstimate(body.Messages)

	// 5. Admission.
	if !p.budgetMgr.Check(ctx, projectID, estimate) {
		apierr.Write(ctx, apierr.New(apierr.BudgetExceeded, fmt.Sprintf("Budget exceeded for Project ID %s", projectID)))
		return
	}

	// 6. Route.
	descriptor, ok := p.router.Resolve(body.Model)
	if !ok {
		apierr.Write(ctx, apierr.New(apierr.ModelUnknown, "Unsupported model architecture"))
		return
	}

	// 7. Fetch credential.
	cred, err := p.secretMgr.Get(ctx, descriptor.SecretPath)
	if err != nil {
		reqLog.Warn("secret fetch failed", slog.String("provider", descriptor.ProviderID), slog.String("error", err.Error()))
		apierr.Write(ctx, apierr.New(apierr.SecretsUnavailable, "Security subsystem unavailable"))
		return
	}
	// 10. Discard credential on every exit path.
	defer cred.Release()

	client := upstream.New(descriptor.BaseURL, cred.APIKey())

	// 8. Execute.
	if body.Stream {
		p.executeStreaming(ctx, reqLog, client, rawBody, projectID, estimate)
		return
	}
	p.executeBuffered(ctx, reqLog, client, rawBody, projectID, estimate)
}

func (p *Pipeline) authenticateToken(token string) bool {
	if token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(p.gatewayToken)) == 1
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, prefix))
}

// requestLogger derives a per-request logger carrying the trace id, when
// present and well-formed. The token-hash attribute is added separately in
// Handle once authentication succeeds.
func (p *Pipeline) requestLogger(ctx *fasthttp.RequestCtx) *slog.Logger {
	log := p.log
	traceID := strings.TrimSpace(string(ctx.Request.Header.Peek(headerTraceID)))
	if traceID != "" {
		if _, err := uuid.Parse(traceID); err == nil {
			log = log.With(slog.String("trace_id", traceID))
		} else {
			// A malformed trace id is logged and ignored — never a failure reason.
			log.Warn("ignoring malformed trace id", slog.String("trace_id", traceID))
		}
	}
	return log
}

// tokenEstimate implements ceil(bytes_of_json_serialized(messages) / 4),
// the deterministic, portable replacement for the original's
// len(str(messages))/4 heuristic.
func tokenEstimate(messages json.RawMessage) int64 {
	n := len(messages)
	if n == 0 {
		return 0
	}
	return int64(math.Ceil(float64(n) / 4.0))
}

// tokenHash returns a correlation-safe SHA-256 hex digest of a caller token.
// Never logged alongside the raw token.
func tokenHash(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// classify turns an attempt's outcome into a retry.Outcome tag, per the
// tagged-variant classifier design: ctx cancellation is always terminal, a
// *upstream.ProviderError's status decides retryability, anything else
// (dial failures, timeouts) is treated as a retryable connection error.
func classify(ctx context.Context, err error) retry.Outcome {
	if err == nil {
		return retry.Ok
	}
	if ctx.Err() != nil {
		return retry.TerminalCancelled
	}
	if pe, ok := err.(*upstream.ProviderError); ok {
		switch {
		case pe.StatusCode == fasthttp.StatusTooManyRequests:
			return retry.RetryRateLimit
		case pe.StatusCode >= 500:
			return retry.RetryInternal
		case pe.StatusCode >= 400:
			return retry.TerminalClient
		default:
			return retry.TerminalServer
		}
	}
	return retry.RetryConnection
}

// errorKind maps a terminal retry.Outcome to the taxonomy entry surfaced to
// the caller.
func errorKind(outcome retry.Outcome) apierr.Kind {
	switch outcome {
	case retry.RetryRateLimit:
		return apierr.UpstreamRateLimit
	case retry.RetryConnection:
		return apierr.UpstreamUnavailable
	default:
		return apierr.UpstreamError
	}
}
