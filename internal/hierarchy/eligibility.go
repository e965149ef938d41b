package hierarchy

import (
	"fmt"
	"strings"

	"github.com/flumauricio/goliasbot-sub000/internal/storage"
)

// Metrics is the snapshot of a user's tracked counters used for one evaluation.
type Metrics struct {
	Messages     int64
	VoiceSeconds int64
	Reactions    int64
	DaysInServer int
	DaysInRole   int
	HeldRoleIDs  []string
}

type RequirementCheck struct {
	Name     string
	Current  int64
	Required int64
	Met      bool
}

type Eligibility struct {
	Eligible    bool
	MetCount    int
	Threshold   int
	Defined     int
	Unreachable bool
	Checks      []RequirementCheck
}

// Evaluate computes eligibility for one rank. Only requirements the config
// defines (value > 0, or a non-empty prerequisite set) are checked; the user
// passes when at least the configured minimum of those checks are met.
// Checks are emitted in a fixed order so breakdowns render deterministically.
func Evaluate(cfg storage.RankConfig, m Metrics) Eligibility {
	var checks []RequirementCheck

	if cfg.ReqMessages > 0 {
		checks = append(checks, check("messages", m.Messages, cfg.ReqMessages))
	}
	if cfg.ReqCallTimeSeconds > 0 {
		checks = append(checks, check("voice_seconds", m.VoiceSeconds, cfg.ReqCallTimeSeconds))
	}
	if cfg.ReqReactions > 0 {
		checks = append(checks, check("reactions", m.Reactions, cfg.ReqReactions))
	}
	if cfg.ReqMinDaysInServer > 0 {
		checks = append(checks, check("days_in_server", int64(m.DaysInServer), int64(cfg.ReqMinDaysInServer)))
	}
	if cfg.ReqMinDaysInRole > 0 {
		checks = append(checks, check("days_in_role", int64(m.DaysInRole), int64(cfg.ReqMinDaysInRole)))
	}
	if len(cfg.ReqOtherRoleIDs) > 0 {
		held := make(map[string]bool, len(m.HeldRoleIDs))
		for _, roleID := range m.HeldRoleIDs {
			held[roleID] = true
		}
		have := int64(0)
		for _, required := range cfg.ReqOtherRoleIDs {
			if held[required] {
				have++
			}
		}
		required := int64(len(cfg.ReqOtherRoleIDs))
		checks = append(checks, RequirementCheck{
			Name:     "prerequisite_roles",
			Current:  have,
			Required: required,
			Met:      have == required,
		})
	}

	result := Eligibility{Defined: len(checks), Checks: checks}
	for _, c := range checks {
		if c.Met {
			result.MetCount++
		}
	}

	result.Threshold = cfg.ReqMinAny
	if result.Threshold <= 0 {
		result.Threshold = result.Defined
	}
	if result.Threshold > result.Defined {
		// Permanently unsatisfiable configuration; surfaced by the engine.
		result.Unreachable = true
		result.Eligible = false
		return result
	}
	if result.Defined == 0 {
		result.Eligible = cfg.ReqMinAny <= 0
		return result
	}
	result.Eligible = result.MetCount >= result.Threshold
	return result
}

func check(name string, current, required int64) RequirementCheck {
	return RequirementCheck{Name: name, Current: current, Required: required, Met: current >= required}
}

// Breakdown renders the per-requirement verdicts for audit logs and
// approval prompts.
func (e Eligibility) Breakdown() string {
	if e.Unreachable {
		return fmt.Sprintf("unreachable: requires %d of %d defined requirements", e.Threshold, e.Defined)
	}
	if e.Defined == 0 {
		if e.Eligible {
			return "no requirements defined"
		}
		return fmt.Sprintf("no requirements defined but %d required", e.Threshold)
	}

	lines := make([]string, 0, len(e.Checks)+1)
	for _, c := range e.Checks {
		mark := "missing"
		if c.Met {
			mark = "ok"
		}
		lines = append(lines, fmt.Sprintf("%s: %d/%d %s", c.Name, c.Current, c.Required, mark))
	}
	lines = append(lines, fmt.Sprintf("met %d of %d (need %d)", e.MetCount, e.Defined, e.Threshold))
	return strings.Join(lines, "\n")
}
