// Package reduce implements the pure, total fold from a prior SessionState
// and an incoming unified.Message to the next SessionState.
//
// Reduce must never mutate its input and must be deterministic: replaying a
// recorded message stream against the same starting state always
// reconstructs identical state. The package has a zero-dependency policy by
// construction — a pure fold has nothing for a third-party library to do.
package reduce

import (
	"time"

	"github.com/ashureev/sessionbridge/internal/session"
	"github.com/ashureev/sessionbridge/internal/unified"
)

// Reduce folds msg into state, returning a new State. state is never
// mutated.
func Reduce(state session.State, msg unified.Message) session.State {
	next := state.Clone()

	switch msg.Type {
	case unified.TypeSessionInit:
		applySessionInit(&next, msg)
	case unified.TypeSessionUpdate:
		applySessionUpdate(&next, msg)
	case unified.TypeResult:
		applyResult(&next, msg)
	case unified.TypeStatusChange:
		applyStatusChange(&next, msg)
	default:
		// All other message types leave SessionState unchanged.
	}

	return next
}

func applySessionInit(state *session.State, msg unified.Message) {
	if v := msg.Metadata.String("session_id"); v != "" {
		state.BackendSessionID = v
	}
	if v := msg.Metadata.String("model"); v != "" {
		state.Model = v
	}
	if v := msg.Metadata.String("cwd"); v != "" {
		state.Cwd = v
	}
	if v, ok := msg.Metadata["permission_mode"].(string); ok && v != "" {
		state.PermissionMode = session.PermissionMode(v)
	}
	if g, ok := msg.Metadata["git"].(map[string]any); ok {
		state.Git = &session.GitInfo{
			Branch:   stringField(g, "branch"),
			Worktree: stringField(g, "worktree"),
			Commit:   stringField(g, "commit"),
		}
	}
	if roster, ok := msg.Metadata["team_roster"].([]string); ok {
		state.TeamRoster = roster
	}
	state.Status = session.StatusIdle
}

// applySessionUpdate merges a partial state delta. Keys absent from
// Metadata keep their prior value; team roster presence-vs-absence is
// meaningful — an absent key keeps the prior roster.
func applySessionUpdate(state *session.State, msg unified.Message) {
	if v := msg.Metadata.String("model"); v != "" {
		state.Model = v
	}
	if v := msg.Metadata.String("cwd"); v != "" {
		state.Cwd = v
	}
	if v, ok := msg.Metadata["permission_mode"].(string); ok && v != "" {
		state.PermissionMode = session.PermissionMode(v)
	}
	if roster, ok := msg.Metadata["team_roster"].([]string); ok {
		state.TeamRoster = roster
	}
}

func applyStatusChange(state *session.State, msg unified.Message) {
	status := msg.Metadata.String("status")
	state.IsCompacting = status == "compacting"
	switch status {
	case "running":
		state.Status = session.StatusRunning
	case "compacting":
		state.Status = session.StatusCompacting
	case "idle":
		state.Status = session.StatusIdle
	}
}

// applyResult updates cost/turn/line counters and, when modelUsage entries
// are present, recomputes ContextUsedPercent: sum entries that share a
// contextWindow, and when windows differ across entries prefer the most
// recently active model's entry.
func applyResult(state *session.State, msg unified.Message) {
	if cost, ok := msg.Metadata.Float("total_cost_usd"); ok {
		state.TotalCostUSD = cost
	}
	if turns, ok := msg.Metadata.Float("num_turns"); ok {
		state.NumTurns = int(turns)
	}
	if added, ok := msg.Metadata.Float("lines_added"); ok {
		state.TotalLinesAdded += int64(added)
	}
	if removed, ok := msg.Metadata.Float("lines_removed"); ok {
		state.TotalLinesRemoved += int64(removed)
	}

	entries, ok := msg.Metadata["model_usage"].([]session.ModelUsageEntry)
	if !ok || len(entries) == 0 {
		return
	}
	state.ContextUsedPercent = contextUsedPercent(entries)
}

func contextUsedPercent(entries []session.ModelUsageEntry) float64 {
	// Group by context window, summing usage within each group.
	type agg struct {
		used         int64
		window       int64
		lastActive   time.Time
	}
	groups := make(map[int64]*agg)
	var mostRecent *agg

	for _, e := range entries {
		g, exists := groups[e.ContextWindow]
		if !exists {
			g = &agg{window: e.ContextWindow}
			groups[e.ContextWindow] = g
		}
		g.used += e.InputTokens + e.OutputTokens + e.CacheTokens
		if e.LastActiveAt.After(g.lastActive) {
			g.lastActive = e.LastActiveAt
		}
		if mostRecent == nil || g.lastActive.After(mostRecent.lastActive) {
			mostRecent = g
		}
	}

	if mostRecent == nil || mostRecent.window <= 0 {
		return 0
	}

	pct := float64(mostRecent.used) / float64(mostRecent.window) * 100
	return clamp(pct, 0, 100)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func stringField(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}
