package ctxengine

import (
	"crypto/sha1"
	"encoding/hex"
	"math"
	"strings"
	"sync"
	"unicode/utf8"

	lru "github.com/hashicorp/golang-lru/v2"
	tiktoken "github.com/pkoukk/tiktoken-go"

	"github.com/ctxforge/ctxforge/pkg/logger"
)

// modelProfile approximates tokenization for one model family.
type modelProfile struct {
	charsPerToken float64
	contextWindow int
}

// Longest matching prefix wins. The default profile covers unknown models.
var modelProfiles = map[string]modelProfile{
	"claude":        {charsPerToken: 3.8, contextWindow: 200000},
	"gpt-4o":        {charsPerToken: 4.0, contextWindow: 128000},
	"gpt-4":         {charsPerToken: 4.0, contextWindow: 128000},
	"gpt-3.5-turbo": {charsPerToken: 4.0, contextWindow: 16384},
	"gemini":        {charsPerToken: 4.0, contextWindow: 1000000},
	"llama":         {charsPerToken: 3.5, contextWindow: 128000},
}

var defaultProfile = modelProfile{charsPerToken: 4.0, contextWindow: 128000}

func profileFor(modelID string) modelProfile {
	id := strings.ToLower(strings.TrimSpace(modelID))
	best := ""
	for prefix := range modelProfiles {
		if strings.HasPrefix(id, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	if best == "" {
		return defaultProfile
	}
	return modelProfiles[best]
}

// TokenEstimator is the model-aware token counter. It prefers an exact
// tiktoken encoding when one is available for the model and falls back to a
// characters-per-token approximation. Results are inflated by the safety
// margin and memoized in a small LRU.
type TokenEstimator struct {
	margin float64

	mu        sync.Mutex
	encodings map[string]*tiktoken.Tiktoken
	cache     *lru.Cache[string, int]
}

// NewTokenEstimator creates an estimator with the given safety margin
// (0.15 means estimates are inflated by 15%).
func NewTokenEstimator(safetyMargin float64) *TokenEstimator {
	if safetyMargin < 0 {
		safetyMargin = 0
	}
	cache, _ := lru.New[string, int](4096)
	return &TokenEstimator{
		margin:    safetyMargin,
		encodings: make(map[string]*tiktoken.Tiktoken),
		cache:     cache,
	}
}

// Estimate returns the approximate token count of text for modelID,
// safety margin included. Empty text estimates to zero.
func (e *TokenEstimator) Estimate(text, modelID string) int {
	if text == "" {
		return 0
	}
	key := cacheKey(text, modelID)
	if n, ok := e.cache.Get(key); ok {
		return n
	}

	raw := 0
	if enc := e.encodingFor(modelID); enc != nil {
		raw = len(enc.Encode(text, nil, nil))
	} else {
		p := profileFor(modelID)
		raw = int(math.Ceil(float64(len(text)) / p.charsPerToken))
	}

	n := int(math.Ceil(float64(raw) * (1 + e.margin)))
	e.cache.Add(key, n)
	return n
}

// ContextWindow returns the model's context window in tokens.
func (e *TokenEstimator) ContextWindow(modelID string) int {
	return profileFor(modelID).contextWindow
}

// Truncate trims text so its estimate fits maxTokens, cutting on a rough
// character boundary derived from the model profile.
func (e *TokenEstimator) Truncate(text, modelID string, maxTokens int) string {
	if maxTokens <= 0 {
		return ""
	}
	if e.Estimate(text, modelID) <= maxTokens {
		return text
	}
	p := profileFor(modelID)
	// Undo the safety margin for a first cut, then walk back until the
	// estimate actually fits; rounding can overshoot by a token or two.
	maxChars := int(float64(maxTokens) * p.charsPerToken / (1 + e.margin))
	if maxChars >= len(text) {
		maxChars = len(text) - 1
	}
	step := int(p.charsPerToken) + 1
	for maxChars > 0 {
		cut := maxChars
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		if e.Estimate(text[:cut], modelID) <= maxTokens {
			return text[:cut]
		}
		maxChars -= step
	}
	return ""
}

func (e *TokenEstimator) encodingFor(modelID string) *tiktoken.Tiktoken {
	e.mu.Lock()
	defer e.mu.Unlock()
	if enc, ok := e.encodings[modelID]; ok {
		return enc
	}
	enc, err := tiktoken.EncodingForModel(modelID)
	if err != nil {
		logger.DebugC("estimator", "no exact encoding for model, using heuristic")
		e.encodings[modelID] = nil
		return nil
	}
	e.encodings[modelID] = enc
	return enc
}

func cacheKey(text, modelID string) string {
	h := sha1.Sum([]byte(text))
	return modelID + "|" + hex.EncodeToString(h[:])
}
