package ctxengine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ctxforge/ctxforge/pkg/config"
	"github.com/ctxforge/ctxforge/pkg/logger"
)

// PatternState is the lifecycle position of a learned pattern.
type PatternState string

const (
	PatternActive    PatternState = "ACTIVE"
	PatternConfirmed PatternState = "CONFIRMED"
	PatternDemoted   PatternState = "DEMOTED"
	PatternExpired   PatternState = "EXPIRED"
)

// PatternEngine captures fail-then-succeed outcomes as reusable solutions
// and matches future errors against them. Failures and successes arrive as
// separate events correlated by task-attempt id, which keeps this engine
// decoupled from the workflow state machine.
type PatternEngine struct {
	store    Store
	redactor Redactor
	opts     config.PatternOptions

	mu      sync.Mutex
	pending map[string]FailureEvent
}

func NewPatternEngine(store Store, redactor Redactor, opts config.PatternOptions) *PatternEngine {
	return &PatternEngine{
		store:    store,
		redactor: redactor,
		opts:     opts,
		pending:  make(map[string]FailureEvent),
	}
}

var (
	hexRe    = regexp.MustCompile(`0x[0-9a-fA-F]+|[0-9a-fA-F]{8,}`)
	digitsRe = regexp.MustCompile(`\d+`)
	pathRe   = regexp.MustCompile(`(?:[A-Za-z]:)?(?:[\\/][\w.\-]+){2,}`)
	spaceRe  = regexp.MustCompile(`\s+`)
	lineRe   = regexp.MustCompile(`:\d+(?::\d+)?$`)
)

const maxStackFrames = 5

// pendingFailureTTL bounds how long an unmatched failure half is held for
// correlation before the sweep evicts it.
const pendingFailureTTL = 24 * time.Hour

// NormalizeSignature canonicalizes a signature so equivalent failures hash
// identically: addresses, digit runs, and paths are masked, hints are
// sorted, and the stack shape keeps only the top frames' function names.
func NormalizeSignature(sig ErrorSignature) ErrorSignature {
	out := ErrorSignature{
		Category: strings.ToLower(strings.TrimSpace(sig.Category)),
	}

	msg := strings.ToLower(strings.TrimSpace(sig.Message))
	msg = pathRe.ReplaceAllString(msg, "PATH")
	msg = hexRe.ReplaceAllString(msg, "HEX")
	msg = digitsRe.ReplaceAllString(msg, "N")
	out.Message = spaceRe.ReplaceAllString(msg, " ")

	hints := make([]string, 0, len(sig.ContextHints))
	seen := map[string]struct{}{}
	for _, h := range sig.ContextHints {
		h = strings.ToLower(strings.TrimSpace(h))
		if h == "" {
			continue
		}
		if _, ok := seen[h]; ok {
			continue
		}
		seen[h] = struct{}{}
		hints = append(hints, h)
	}
	sort.Strings(hints)
	out.ContextHints = hints

	frames := sig.StackShape
	if len(frames) > maxStackFrames {
		frames = frames[:maxStackFrames]
	}
	shape := make([]string, 0, len(frames))
	for _, f := range frames {
		f = strings.TrimSpace(f)
		if i := strings.IndexByte(f, '('); i > 0 {
			f = f[:i]
		}
		f = lineRe.ReplaceAllString(f, "")
		if f != "" {
			shape = append(shape, f)
		}
	}
	out.StackShape = shape
	return out
}

// SignatureHash derives the deterministic pattern key from a signature.
// Callers need not pre-normalize; the hash always covers the normal form.
func SignatureHash(sig ErrorSignature) string {
	n := NormalizeSignature(sig)
	var b strings.Builder
	b.WriteString(n.Category)
	b.WriteByte('\n')
	b.WriteString(n.Message)
	b.WriteByte('\n')
	b.WriteString(strings.Join(n.ContextHints, ","))
	b.WriteByte('\n')
	b.WriteString(strings.Join(n.StackShape, ">"))
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// RecordFailure registers the failure half of an attempt. Only the most
// recent failure per attempt is kept; a later success within the same
// attempt turns the pair into a pattern.
func (e *PatternEngine) RecordFailure(ev FailureEvent) {
	if ev.AttemptID == "" {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	e.mu.Lock()
	e.pending[ev.AttemptID] = ev
	e.mu.Unlock()
}

// RecordSuccess completes a fail-then-succeed pair. Both free-text halves
// of the capture, the solution and the signature's message and hints, pass
// through redaction unconditionally before persistence; if a redaction
// pass panics the write is dropped rather than stored raw. A success with
// no matching failure is a plain success and records nothing.
func (e *PatternEngine) RecordSuccess(ctx context.Context, ev SuccessEvent) (ErrorPattern, bool, error) {
	e.mu.Lock()
	failure, ok := e.pending[ev.AttemptID]
	if ok {
		delete(e.pending, ev.AttemptID)
	}
	e.mu.Unlock()
	if !ok {
		return ErrorPattern{}, false, nil
	}
	if ev.Project != "" && ev.Project != failure.Project {
		logger.WarnCF("patterns", "Outcome events disagree on project, dropping capture", map[string]interface{}{
			"attempt_id":      ev.AttemptID,
			"failure_project": failure.Project,
			"success_project": ev.Project,
		})
		return ErrorPattern{}, false, nil
	}

	solution, redacted := e.redactSafely(ev.Solution)
	if !redacted {
		logger.ErrorCF("patterns", "Redaction failed, dropping solution write", map[string]interface{}{
			"attempt_id": ev.AttemptID,
		})
		return ErrorPattern{}, false, nil
	}

	sig, redacted := e.redactSignature(NormalizeSignature(failure.Signature))
	if !redacted {
		logger.ErrorCF("patterns", "Redaction failed, dropping signature write", map[string]interface{}{
			"attempt_id": ev.AttemptID,
		})
		return ErrorPattern{}, false, nil
	}
	pat := ErrorPattern{
		Hash:       SignatureHash(failure.Signature),
		Project:    failure.Project,
		Signature:  sig,
		Solution:   solution,
		Confidence: e.opts.InitialConfidence,
		Language:   failure.Language,
		LastSeenAt: ev.At,
		TTLDays:    e.opts.TTLDays,
	}
	stored, err := e.store.UpsertPattern(ctx, pat)
	if err != nil {
		return ErrorPattern{}, false, fmt.Errorf("record success: %w", err)
	}
	return stored, true, nil
}

func (e *PatternEngine) redactSafely(text string) (out string, ok bool) {
	defer func() {
		if recover() != nil {
			out, ok = "", false
		}
	}()
	return e.redactor.Redact(text), true
}

// redactSignature scrubs the free-text parts of a normalized signature.
// The hash is always derived from the pre-redaction form, so match keys
// are unaffected.
func (e *PatternEngine) redactSignature(sig ErrorSignature) (ErrorSignature, bool) {
	msg, ok := e.redactSafely(sig.Message)
	if !ok {
		return ErrorSignature{}, false
	}
	sig.Message = msg
	for i, hint := range sig.ContextHints {
		hint, ok = e.redactSafely(hint)
		if !ok {
			return ErrorSignature{}, false
		}
		sig.ContextHints[i] = hint
	}
	return sig, true
}

// Match looks up a pattern for the signature by exact hash. A hint is
// returned only when confidence clears the injection threshold; patterns
// below the observation floor are never injected regardless of threshold.
func (e *PatternEngine) Match(ctx context.Context, project string, sig ErrorSignature) (PatternHint, bool) {
	hash := SignatureHash(sig)
	pat, err := e.store.GetPattern(ctx, project, hash)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			logger.WarnCF("patterns", "Pattern lookup failed", map[string]interface{}{"error": err.Error()})
		}
		return PatternHint{}, false
	}
	if pat.Confidence < e.opts.ObservationFloor {
		return PatternHint{}, false
	}
	if pat.Confidence < e.opts.InjectionThreshold {
		return PatternHint{}, false
	}
	return PatternHint{
		Hash:        pat.Hash,
		Solution:    pat.Solution,
		Confidence:  pat.Confidence,
		Occurrences: pat.Occurrences,
	}, true
}

// Confirm rewards a pattern whose solution worked on reuse.
func (e *PatternEngine) Confirm(ctx context.Context, project, hash string) error {
	return e.adjustConfidence(ctx, project, hash, e.opts.ConfirmDelta)
}

// ReportFalseLead penalizes a pattern whose solution misled the caller.
func (e *PatternEngine) ReportFalseLead(ctx context.Context, project, hash string) error {
	return e.adjustConfidence(ctx, project, hash, -e.opts.FalseLeadDelta)
}

func (e *PatternEngine) adjustConfidence(ctx context.Context, project, hash string, delta float64) error {
	pat, err := e.store.GetPattern(ctx, project, hash)
	if err != nil {
		return fmt.Errorf("adjust confidence: %w", err)
	}
	next := clampConfidence(pat.Confidence + delta)
	if err := e.store.SetPatternConfidence(ctx, project, hash, next, time.Now()); err != nil {
		return fmt.Errorf("adjust confidence: %w", err)
	}
	return nil
}

// Sweep deletes every pattern whose last_seen + ttl has elapsed and evicts
// pending failures that never saw a success.
func (e *PatternEngine) Sweep(ctx context.Context) (int, error) {
	e.evictStalePending(time.Now())
	removed, err := e.store.SweepExpiredPatterns(ctx, time.Now())
	if err != nil {
		return 0, fmt.Errorf("pattern sweep: %w", err)
	}
	if removed > 0 {
		logger.InfoCF("patterns", "Swept expired patterns", map[string]interface{}{"removed": removed})
	}
	return removed, nil
}

// evictStalePending drops failure halves older than the pending TTL. A
// success arriving after eviction is treated like a plain success.
func (e *PatternEngine) evictStalePending(now time.Time) {
	cutoff := now.Add(-pendingFailureTTL)
	e.mu.Lock()
	for id, ev := range e.pending {
		if ev.At.Before(cutoff) {
			delete(e.pending, id)
		}
	}
	e.mu.Unlock()
}

// StateOf derives the lifecycle state of a pattern at time now.
func (e *PatternEngine) StateOf(pat ErrorPattern, now time.Time) PatternState {
	if pat.LastSeenAt.AddDate(0, 0, pat.TTLDays).Before(now) {
		return PatternExpired
	}
	switch {
	case pat.Confidence >= e.opts.InjectionThreshold:
		return PatternConfirmed
	case pat.Confidence < e.opts.ObservationFloor:
		return PatternDemoted
	default:
		return PatternActive
	}
}

// clampConfidence keeps confidence inside [0.1, 1.0].
func clampConfidence(v float64) float64 {
	if v < 0.1 {
		return 0.1
	}
	if v > 1.0 {
		return 1.0
	}
	return v
}
