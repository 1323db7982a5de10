package ctxengine

import (
	"strings"
	"testing"
)

func TestEstimate_Empty(t *testing.T) {
	e := NewTokenEstimator(0.15)
	if got := e.Estimate("", "claude-sonnet"); got != 0 {
		t.Fatalf("empty text should estimate to 0, got %d", got)
	}
}

func TestEstimate_HeuristicWithMargin(t *testing.T) {
	// 380 chars at 3.8 chars/token = 100 raw tokens.
	text := strings.Repeat("x", 380)

	noMargin := NewTokenEstimator(0)
	if got := noMargin.Estimate(text, "claude-sonnet"); got != 100 {
		t.Fatalf("expected 100 tokens without margin, got %d", got)
	}

	withMargin := NewTokenEstimator(0.15)
	if got := withMargin.Estimate(text, "claude-sonnet"); got != 115 {
		t.Fatalf("expected 115 tokens with 15%% margin, got %d", got)
	}
}

func TestEstimate_NegativeMarginClamps(t *testing.T) {
	e := NewTokenEstimator(-1)
	text := strings.Repeat("x", 380)
	if got := e.Estimate(text, "claude-sonnet"); got != 100 {
		t.Fatalf("negative margin should clamp to 0, got %d tokens", got)
	}
}

func TestEstimate_Monotone(t *testing.T) {
	e := NewTokenEstimator(0.15)
	prev := 0
	for n := 10; n <= 1000; n += 90 {
		got := e.Estimate(strings.Repeat("word ", n), "custom-model")
		if got < prev {
			t.Fatalf("estimate decreased for longer text: %d after %d", got, prev)
		}
		prev = got
	}
}

func TestContextWindow(t *testing.T) {
	e := NewTokenEstimator(0.15)
	if got := e.ContextWindow("claude-sonnet-4"); got != 200000 {
		t.Errorf("claude window = %d, want 200000", got)
	}
	if got := e.ContextWindow("totally-unknown"); got != 128000 {
		t.Errorf("unknown model window = %d, want default 128000", got)
	}
}

func TestTruncate(t *testing.T) {
	e := NewTokenEstimator(0.15)
	text := strings.Repeat("the quick brown fox ", 100)

	short := e.Truncate("tiny", "claude-sonnet", 100)
	if short != "tiny" {
		t.Fatalf("text under the cap should be unchanged, got %q", short)
	}

	for _, maxTokens := range []int{10, 50, 200} {
		got := e.Truncate(text, "claude-sonnet", maxTokens)
		if len(got) >= len(text) {
			t.Fatalf("maxTokens=%d: expected truncation", maxTokens)
		}
		if est := e.Estimate(got, "claude-sonnet"); est > maxTokens {
			t.Fatalf("maxTokens=%d: truncated estimate %d still over cap", maxTokens, est)
		}
	}

	if got := e.Truncate(text, "claude-sonnet", 0); got != "" {
		t.Fatalf("zero budget should truncate to empty, got %q", got)
	}
}

func TestTruncate_RuneSafe(t *testing.T) {
	e := NewTokenEstimator(0.15)
	text := strings.Repeat("héllo wörld ", 200)
	got := e.Truncate(text, "claude-sonnet", 20)
	for _, r := range got {
		if r == '�' {
			t.Fatal("truncation split a multi-byte rune")
		}
	}
}

func TestProfileFor_PrefixMatch(t *testing.T) {
	if p := profileFor("claude-opus-whatever"); p.charsPerToken != 3.8 {
		t.Errorf("claude prefix should match, got %v", p)
	}
	if p := profileFor("GPT-4o-mini"); p.contextWindow != 128000 {
		t.Errorf("model match should be case-insensitive, got %v", p)
	}
	if p := profileFor(""); p != defaultProfile {
		t.Errorf("empty model should get the default profile, got %v", p)
	}
}
