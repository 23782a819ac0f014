package upstream

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"
)

// ForwardResult reports what a forwarded stream observed.
type ForwardResult struct {
	// ObservedTokens is the last usage.total_tokens value seen in any event
	// (OpenAI shape), or the sum of the split input/output token values seen
	// (Anthropic shape), or 0 if none was observed.
	ObservedTokens int64
	// UsageObserved reports whether any event carried a usable usage value.
	UsageObserved bool
	// Broken is true when the upstream stream ended with an error after at
	// least one byte had already been forwarded to the caller — per the
	// state machine this is terminal and is never retried.
	Broken bool
}

// Forward relays an upstream server-sent-event byte stream to write verbatim,
// line by line, until the stream closes or the "[DONE]" terminal marker is
// seen. It parses each "data: " payload only to look for a usage object; it
// never rewrites or reorders bytes. write is called once per raw line,
// including blank separator lines, exactly as read from the upstream.
//
// Providers differ on where usage appears (OpenAI: final chunk's top-level
// usage; Anthropic: split across message_start.message.usage.input_tokens
// and message_delta.usage.output_tokens). peekUsage accepts either shape and
// is invoked on every "data: " line so whichever provider's event carries
// usage is picked up: an OpenAI total replaces the running value, while
// Anthropic's split values are added together.
func Forward(upstream io.Reader, write func(line []byte) error) (ForwardResult, error) {
	var result ForwardResult
	var forwardedAny bool

	scanner := bufio.NewScanner(upstream)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		lineCopy := append([]byte(nil), line...)
		lineCopy = append(lineCopy, '\n')

		if err := write(lineCopy); err != nil {
			result.Broken = forwardedAny
			return result, err
		}
		forwardedAny = true

		text := string(line)
		if !strings.HasPrefix(text, "data: ") {
			continue
		}
		data := strings.TrimPrefix(text, "data: ")
		if data == "[DONE]" {
			return result, nil
		}
		if tokens, anthropicUsage, ok := peekUsage(data); ok {
			result.ObservedTokens = combineUsage(result, tokens, anthropicUsage)
			result.UsageObserved = true
		}
	}

	if err := scanner.Err(); err != nil {
		result.Broken = forwardedAny
		return result, err
	}
	return result, nil
}

type anthropicUsageShape struct {
	Message struct {
		Usage struct {
			InputTokens int64 `json:"input_tokens"`
		} `json:"usage"`
	} `json:"message"`
	Usage struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage"`
}

// peekUsage inspects one SSE data payload for either OpenAI's top-level
// usage.total_tokens shape or Anthropic's split input/output token shape. It
// returns a total when derivable, never mutating the payload.
func peekUsage(data string) (total int64, isAnthropicShape bool, ok bool) {
	if tokens, found := ExtractUsage([]byte(data)); found {
		return tokens, false, true
	}

	var a anthropicUsageShape
	if err := json.Unmarshal([]byte(data), &a); err != nil {
		return 0, false, false
	}
	if a.Message.Usage.InputTokens > 0 {
		return a.Message.Usage.InputTokens, true, true
	}
	if a.Usage.OutputTokens > 0 {
		return a.Usage.OutputTokens, true, true
	}
	return 0, false, false
}

// combineUsage folds a newly observed value into the running total. For
// Anthropic's split shape, input and output tokens arrive in separate
// events, so values accumulate; for OpenAI's single total, the latest value
// simply replaces the running total.
func combineUsage(prev ForwardResult, tokens int64, isSplitShape bool) int64 {
	if !isSplitShape {
		return tokens
	}
	return prev.ObservedTokens + tokens
}
