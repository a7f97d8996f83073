// Package policy decides what to do when a session hits a rate limit or
// crosses a usage threshold: nothing, suggest a better profile to the UI,
// or switch automatically.
package policy

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/onllm-dev/switchboard/internal/profile"
	"github.com/onllm-dev/switchboard/internal/score"
)

// Action is the outcome of a policy evaluation.
type Action int

const (
	// ActionNone means nothing needs to happen.
	ActionNone Action = iota
	// ActionSuggest surfaces an alternative to the UI without acting.
	ActionSuggest
	// ActionAutoSwitch instructs the supervisor to swap profiles in place.
	ActionAutoSwitch
)

func (a Action) String() string {
	switch a {
	case ActionSuggest:
		return "suggest"
	case ActionAutoSwitch:
		return "auto_switch"
	default:
		return "none"
	}
}

// Decision carries the chosen action, the recommended alternative (may be
// nil when every other profile is degraded) and a human-readable reason.
type Decision struct {
	Action      Action
	Alternative *profile.Profile
	Reason      string
}

// Engine evaluates triggers against the profile pool. It remembers the
// last rate-limit notice reported per session so terminal redraws that
// repaint the same notice don't fire the policy again.
type Engine struct {
	store  *profile.Store
	scorer *score.Scorer
	logger *slog.Logger

	mu           sync.Mutex
	lastReported map[string]string // session id -> last resetTimeRaw
}

func NewEngine(store *profile.Store, scorer *score.Scorer, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:        store,
		scorer:       scorer,
		logger:       logger,
		lastReported: make(map[string]string),
	}
}

// EvaluateRateLimit handles a rate-limit notice observed in a session's
// output. Duplicate notices (same raw reset text as the last one reported
// for that session) decide ActionNone.
func (e *Engine) EvaluateRateLimit(sessionID, currentProfileID, resetRaw string, now time.Time) Decision {
	e.mu.Lock()
	if e.lastReported[sessionID] == resetRaw {
		e.mu.Unlock()
		return Decision{Action: ActionNone, Reason: "duplicate rate-limit notice"}
	}
	e.lastReported[sessionID] = resetRaw
	e.mu.Unlock()

	settings := e.store.Settings()
	best := e.scorer.PickBest(e.store.List(), currentProfileID, settings, now)

	if best != nil && settings.SwitchOnRateLimit {
		e.logger.Info("Rate limit hit, switching automatically",
			"session", sessionID, "from", currentProfileID, "to", best.ID)
		return Decision{
			Action:      ActionAutoSwitch,
			Alternative: best,
			Reason:      fmt.Sprintf("rate limited until %s", resetRaw),
		}
	}

	e.logger.Info("Rate limit hit, suggesting alternative",
		"session", sessionID, "alternative", best != nil)
	return Decision{
		Action:      ActionSuggest,
		Alternative: best,
		Reason:      fmt.Sprintf("rate limited until %s", resetRaw),
	}
}

// EvaluateUsage handles a refreshed usage snapshot for the given profile.
// It only ever suggests; proactive switches are left to the collaborator.
func (e *Engine) EvaluateUsage(currentProfileID string, now time.Time) Decision {
	settings := e.store.Settings()
	if !settings.Enabled {
		return Decision{Action: ActionNone}
	}

	current, ok := e.store.Get(currentProfileID)
	if !ok {
		return Decision{Action: ActionNone}
	}

	var reason string
	switch {
	case settings.WeeklyThreshold > 0 && current.Usage.WeeklyPercent >= settings.WeeklyThreshold:
		reason = fmt.Sprintf("weekly usage %.0f%% reached threshold %.0f%%",
			current.Usage.WeeklyPercent, settings.WeeklyThreshold)
	case settings.SessionThreshold > 0 && current.Usage.SessionPercent >= settings.SessionThreshold:
		reason = fmt.Sprintf("session usage %.0f%% reached threshold %.0f%%",
			current.Usage.SessionPercent, settings.SessionThreshold)
	default:
		return Decision{Action: ActionNone}
	}

	best := e.scorer.PickBest(e.store.List(), currentProfileID, settings, now)
	if best == nil {
		return Decision{Action: ActionNone, Reason: reason}
	}

	e.logger.Info("Usage threshold crossed, suggesting switch",
		"profile", currentProfileID, "to", best.ID, "reason", reason)
	return Decision{Action: ActionSuggest, Alternative: best, Reason: reason}
}

// ClearSession forgets the de-dup memory for a session. Called after a
// profile swap (fresh quota) and on session destruction.
func (e *Engine) ClearSession(sessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.lastReported, sessionID)
}
