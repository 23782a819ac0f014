package upstream

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestForwardOpenAIStreamVerbatimAndUsage(t *testing.T) {
	upstream := strings.NewReader(
		"data: {\"choices\":[{\"delta\":{\"content\":\"hi\"}}]}\n\n" +
			"data: {\"choices\":[{\"delta\":{\"content\":\"!\"}}],\"usage\":{\"total_tokens\":20}}\n\n" +
			"data: [DONE]\n\n",
	)

	var out bytes.Buffer
	result, err := Forward(upstream, func(line []byte) error {
		_, werr := out.Write(line)
		return werr
	})
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	if !result.UsageObserved || result.ObservedTokens != 20 {
		t.Fatalf("usage observed=%v tokens=%d", result.UsageObserved, result.ObservedTokens)
	}
	if !strings.Contains(out.String(), "[DONE]") {
		t.Fatal("expected terminal marker to be forwarded verbatim")
	}
}

func TestForwardAnthropicSplitUsage(t *testing.T) {
	upstream := strings.NewReader(
		"event: message_start\n" +
			"data: {\"type\":\"message_start\",\"message\":{\"usage\":{\"input_tokens\":15}}}\n\n" +
			"event: content_block_delta\n" +
			"data: {\"type\":\"content_block_delta\",\"delta\":{\"text\":\"hi\"}}\n\n" +
			"event: message_delta\n" +
			"data: {\"type\":\"message_delta\",\"usage\":{\"output_tokens\":5}}\n\n" +
			"event: message_stop\n" +
			"data: {\"type\":\"message_stop\"}\n\n" +
			"data: [DONE]\n\n",
	)

	var out bytes.Buffer
	result, err := Forward(upstream, func(line []byte) error {
		_, werr := out.Write(line)
		return werr
	})
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	if !result.UsageObserved || result.ObservedTokens != 20 {
		t.Fatalf("expected accumulated 15+5=20 tokens, got observed=%v tokens=%d", result.UsageObserved, result.ObservedTokens)
	}
}

func TestForwardNoUsageFallsBackToCallerEstimate(t *testing.T) {
	upstream := strings.NewReader(
		"data: {\"choices\":[{\"delta\":{\"content\":\"hi\"}}]}\n\n" +
			"data: [DONE]\n\n",
	)
	result, err := Forward(upstream, func(line []byte) error { return nil })
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	if result.UsageObserved {
		t.Fatal("expected no usage to be observed")
	}
}

func TestForwardBrokenMidStreamMarksBroken(t *testing.T) {
	upstream := strings.NewReader("data: {\"choices\":[{\"delta\":{\"content\":\"hi\"}}]}\n\n")
	calls := 0
	result, err := Forward(upstream, func(line []byte) error {
		calls++
		if calls == 2 {
			return errors.New("connection reset")
		}
		return nil
	})
	if err == nil {
		t.Fatal("expected write error to propagate")
	}
	if !result.Broken {
		t.Fatal("a write failing after the first line was forwarded should mark the stream Broken")
	}
}

func TestForwardFailsBeforeFirstByte(t *testing.T) {
	upstream := strings.NewReader("data: {\"choices\":[{\"delta\":{\"content\":\"hi\"}}]}\n\n")
	result, err := Forward(upstream, func(line []byte) error {
		return errors.New("write failed")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if result.Broken {
		t.Fatal("first write failing means nothing was forwarded yet; Broken should be false")
	}
}
