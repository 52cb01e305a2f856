// Package policy implements the Policy Engine component: a layered
// rate limiter enforced by counting the Event Journal (never an
// in-memory token bucket, so limits survive restarts and stay exact),
// plus redacted post-invocation audit logging.
package policy

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/agentrail/walletcore/internal/config"
	"github.com/agentrail/walletcore/internal/coreerr"
	"github.com/agentrail/walletcore/internal/journal"
)

// RedactedKeys are the request/response field names that MUST be
// replaced by journal.RedactionMarker before a digest is journaled.
var RedactedKeys = map[string]bool{
	"private_key":           true,
	"privkey":               true,
	"hex_key":               true,
	"mnemonic":              true,
	"passphrase":            true,
	"confirmation_code":     true,
	"plaintext_export_code": true,
}

// journalStore is the slice of Event Journal behavior the Policy
// Engine depends on.
type journalStore interface {
	CountWindow(toolName, agentID string, windowStart, now time.Time) (int64, error)
	Record(occurredAt time.Time, toolName, agentID string, status journal.Status, requestDigest, responseDigest, errorKind string) error
}

// Engine is the Policy Engine component.
type Engine struct {
	journal journalStore
	rules   []config.RateLimitRule
	logger  *slog.Logger
}

// NewEngine constructs a Policy Engine over the given rate-limit rule
// set, most-specific-wins as described in resolveRule.
func NewEngine(store journalStore, rules []config.RateLimitRule) *Engine {
	return &Engine{
		journal: store,
		rules:   rules,
		logger:  slog.Default().With("component", "policy_engine"),
	}
}

// resolveRule picks the most specific matching rule for (tool, agentID):
// a per-agent-and-tool rule wins over a per-tool rule, which wins over
// the default (tool == "", agent_id == "") rule. Returns false if no
// rule applies at all, meaning the tool is unrestricted.
func (e *Engine) resolveRule(tool, agentID string) (config.RateLimitRule, bool) {
	var byToolAndAgent, byTool, byDefault *config.RateLimitRule
	for i := range e.rules {
		r := &e.rules[i]
		switch {
		case r.Tool == tool && r.AgentID == agentID && agentID != "":
			byToolAndAgent = r
		case r.Tool == tool && r.AgentID == "":
			byTool = r
		case r.Tool == "" && r.AgentID == "":
			byDefault = r
		}
	}
	switch {
	case byToolAndAgent != nil:
		return *byToolAndAgent, true
	case byTool != nil:
		return *byTool, true
	case byDefault != nil:
		return *byDefault, true
	default:
		return config.RateLimitRule{}, false
	}
}

// Enforce counts journaled events for (tool, agent_id) in the rule's
// trailing window and denies with rate_limited if the count has
// already reached the limit. Call before any work for the invocation
// runs.
func (e *Engine) Enforce(tool, agentID string, now time.Time) error {
	rule, ok := e.resolveRule(tool, agentID)
	if !ok {
		return nil
	}
	windowStart := now.Add(-time.Duration(rule.WindowSeconds) * time.Second)
	count, err := e.journal.CountWindow(tool, agentID, windowStart, now)
	if err != nil {
		return fmt.Errorf("policy: rate limit count failed: %w", err)
	}
	if count >= int64(rule.MaxCalls) {
		return coreerr.New(coreerr.RateLimited, tool)
	}
	return nil
}

// Audit writes a post-invocation event record. request and response
// are redacted and JSON-encoded into digests. outcomeErr is the error
// (if any) returned by the guarded call; its coreerr.Kind (if any)
// becomes the event's error_kind. Journaling failures are logged at
// error level and never surfaced to the caller; the guarded
// operation's own result stands regardless of audit success.
func (e *Engine) Audit(tool, agentID string, now time.Time, request, response map[string]any, outcomeErr error) {
	status := journal.StatusOK
	var errorKind string
	if outcomeErr != nil {
		if kind, ok := coreerr.KindOf(outcomeErr); ok {
			if kind == coreerr.RateLimited {
				status = journal.StatusDenied
			} else {
				status = journal.StatusError
			}
			errorKind = string(kind)
		} else {
			status = journal.StatusError
			errorKind = "internal"
		}
	}

	reqDigest := digest(request)
	respDigest := digest(response)

	if err := e.journal.Record(now, tool, agentID, status, reqDigest, respDigest, errorKind); err != nil {
		e.logger.Error("journal_write_failed", "tool", tool, "agent_id", agentID, "error", err)
	}
}

// Redact returns a copy of m with every key in RedactedKeys replaced
// by the constant redaction marker.
func Redact(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if RedactedKeys[k] {
			out[k] = journal.RedactionMarker
		} else {
			out[k] = v
		}
	}
	return out
}

func digest(m map[string]any) string {
	redacted := Redact(m)
	b, err := json.Marshal(redacted)
	if err != nil {
		return "{}"
	}
	return string(b)
}
