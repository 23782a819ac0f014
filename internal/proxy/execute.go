package proxy

import (
	"bufio"
	"context"
	"io"
	"log/slog"

	"github.com/valyala/fasthttp"

	"github.com/coreason/egress-gateway/internal/retry"
	"github.com/coreason/egress-gateway/internal/upstream"
	"github.com/coreason/egress-gateway/pkg/apierr"
)

type bufferedResult struct {
	body []byte
}

// executeBuffered runs the non-streaming upstream call under RetryController
// and, on success, writes the upstream bytes back verbatim before scheduling
// accounting with the actual usage observed (falling back to the pre-request
// estimate when the upstream omitted it).
func (p *Pipeline) executeBuffered(
	ctx *fasthttp.RequestCtx,
	log *slog.Logger,
	client *upstream.Client,
	rawBody []byte,
	projectID string,
	estimate int64,
) {
	result, err := retry.Do(ctx, func(actx context.Context, _ int) (bufferedResult, retry.Outcome, error) {
		resp, serr := client.Send(actx, rawBody, false)
		if serr != nil {
			return bufferedResult{}, classify(actx, serr), serr
		}
		defer resp.Body.Close()
		b, rerr := io.ReadAll(resp.Body)
		if rerr != nil {
			return bufferedResult{}, retry.RetryConnection, rerr
		}
		return bufferedResult{body: b}, retry.Ok, nil
	})

	if err != nil {
		p.failUpstream(ctx, log, err, projectID)
		return
	}

	tokens, found := upstream.ExtractUsage(result.body)
	if !found {
		tokens = estimate
	}

	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(result.body)

	p.accountingMgr.Schedule(projectID, tokens)
}

// executeStreaming runs the upstream call, retrying only while no byte has
// yet been forwarded (the OPENING state). Once the first chunk reaches the
// caller, a mid-stream failure is surfaced as-is and never retried — this is
// the BROKEN state, distinct from the FAILED state's retry-then-surface path.
func (p *Pipeline) executeStreaming(
	ctx *fasthttp.RequestCtx,
	log *slog.Logger,
	client *upstream.Client,
	rawBody []byte,
	projectID string,
	estimate int64,
) {
	resp, err := retry.Do(ctx, func(actx context.Context, _ int) (*streamOpen, retry.Outcome, error) {
		r, serr := client.Send(actx, rawBody, true)
		if serr != nil {
			return nil, classify(actx, serr), serr
		}
		return &streamOpen{body: r.Body}, retry.Ok, nil
	})
	if err != nil {
		p.failUpstream(ctx, log, err, projectID)
		return
	}

	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.SetStatusCode(fasthttp.StatusOK)

	upstreamBody := resp.body
	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		// The writer runs after Handle has returned, so the upstream body is
		// closed here rather than by the enclosing function.
		defer upstreamBody.Close()
		result, ferr := upstream.Forward(upstreamBody, func(line []byte) error {
			if _, werr := w.Write(line); werr != nil {
				return werr
			}
			return w.Flush()
		})

		tokens := estimate
		if result.UsageObserved {
			tokens = result.ObservedTokens
		}
		if ferr != nil {
			log.Warn("stream forwarding ended with error",
				slog.String("project_id", projectID),
				slog.Bool("broken", result.Broken),
				slog.String("error", ferr.Error()),
			)
		}
		// Accounting schedules on every stream close — normal or error — per
		// the COMPLETE and BROKEN states; only FAILED (handled above, before
		// any byte was forwarded) produces no accounting.
		p.accountingMgr.Schedule(projectID, tokens)
	})
}

type streamOpen struct {
	body io.ReadCloser
}

// failUpstream maps a terminal retry outcome to the taxonomy and writes the
// error response, unless the caller's context was cancelled — in that case
// there is no one left to write to, and per design no accounting is issued
// since no usage is known.
func (p *Pipeline) failUpstream(ctx *fasthttp.RequestCtx, log *slog.Logger, err error, projectID string) {
	outcome := classify(ctx, err)
	if outcome == retry.TerminalCancelled {
		log.Info("request cancelled by caller before upstream completed", slog.String("project_id", projectID))
		return
	}
	log.Warn("upstream call failed",
		slog.String("project_id", projectID),
		slog.String("error", err.Error()),
	)
	apierr.Write(ctx, apierr.New(errorKind(outcome), errorDetail(outcome, err)))
}

func errorDetail(outcome retry.Outcome, err error) string {
	switch outcome {
	case retry.RetryRateLimit:
		return "Upstream provider rate limit exceeded"
	case retry.RetryConnection:
		return "Upstream provider unreachable"
	default:
		return "Upstream provider error: " + err.Error()
	}
}
