package filter

import (
	"fmt"
	"log/slog"
	"sort"

	"climcp/internal/host"
	"climcp/internal/pattern"
)

// Reason tags why a command was excluded from protocol exposure.
type Reason string

const (
	ReasonHidden          Reason = "hidden"
	ReasonDisabled        Reason = "disabled"
	ReasonOrigin          Reason = "non-eligible-origin"
	ReasonSelf            Reason = "self-referential"
	ReasonTopicMismatch   Reason = "topic-mismatch"
	ReasonPatternMismatch Reason = "pattern-mismatch"
	ReasonOverLimit       Reason = "over-limit"
)

// Exclusion records one dropped command with the stage that dropped it.
type Exclusion struct {
	Command host.Command
	Reason  Reason
}

// Result is the terminal partition of a filter run. Every input command
// lands in exactly one of the two sets.
type Result struct {
	Filtered []host.Command
	Excluded []Exclusion
}

// Run applies the filtering pipeline to the full command set: eligibility,
// topic include/exclude, command-pattern include/exclude, then tool-limit
// enforcement. Stages are irrevocable; each elimination is tagged with its
// reason. Under the strict strategy an over-limit set fails the whole run.
func Run(commands []host.Command, cfg Config, logger *slog.Logger) (Result, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var res Result
	survivors := make([]host.Command, 0, len(commands))

	for _, cmd := range commands {
		if reason, excluded := ineligible(cmd, cfg); excluded {
			res.Excluded = append(res.Excluded, Exclusion{Command: cmd, Reason: reason})
			continue
		}
		survivors = append(survivors, cmd)
	}

	survivors = res.keep(survivors, ReasonTopicMismatch, func(cmd host.Command) bool {
		if len(cfg.Topics.Include) == 0 || isWildcardOnly(cfg.Topics.Include) {
			return true
		}
		return pattern.MatchesTopic(cmd.ID, cfg.Topics.Include)
	})

	survivors = res.keep(survivors, ReasonTopicMismatch, func(cmd host.Command) bool {
		return !pattern.MatchesTopic(cmd.ID, cfg.Topics.Exclude)
	})

	survivors = res.keep(survivors, ReasonPatternMismatch, func(cmd host.Command) bool {
		if len(cfg.Commands.Include) == 0 {
			return true
		}
		return pattern.MatchesAny(cmd.ID, cfg.Commands.Include)
	})

	survivors = res.keep(survivors, ReasonPatternMismatch, func(cmd host.Command) bool {
		return !pattern.MatchesAny(cmd.ID, cfg.Commands.Exclude)
	})

	kept, err := enforceLimit(survivors, cfg)
	if err != nil {
		return Result{}, err
	}
	dropped := len(survivors) - len(kept)
	if dropped > 0 {
		keptSet := make(map[string]struct{}, len(kept))
		for _, cmd := range kept {
			keptSet[cmd.ID] = struct{}{}
		}
		for _, cmd := range survivors {
			if _, ok := keptSet[cmd.ID]; !ok {
				res.Excluded = append(res.Excluded, Exclusion{Command: cmd, Reason: ReasonOverLimit})
			}
		}
	}
	res.Filtered = kept

	if cfg.ToolLimits.WarnThreshold > 0 && len(res.Filtered) > cfg.ToolLimits.WarnThreshold {
		logger.Warn("tool count approaching limit",
			slog.Int("tools", len(res.Filtered)),
			slog.Int("warnThreshold", cfg.ToolLimits.WarnThreshold),
			slog.Int("maxTools", cfg.ToolLimits.MaxTools))
	}

	logger.Info("command filtering complete",
		slog.Int("total", len(commands)),
		slog.Int("filtered", len(res.Filtered)),
		slog.Int("excluded", len(res.Excluded)),
		slog.String("strategy", string(cfg.ToolLimits.Strategy)))

	return res, nil
}

func ineligible(cmd host.Command, cfg Config) (Reason, bool) {
	switch {
	case cmd.Hidden:
		return ReasonHidden, true
	case cmd.DisableMCP:
		return ReasonDisabled, true
	case cmd.Origin == host.OriginJIT:
		return ReasonOrigin, true
	case cmd.ID == cfg.SelfID || cmd.Topic() == cfg.SelfID:
		return ReasonSelf, true
	}
	return "", false
}

// isWildcardOnly reports whether the include list is the single "*" entry,
// which matches everything and so disables the stage.
func isWildcardOnly(list []string) bool {
	return len(list) == 1 && list[0] == pattern.Wildcard
}

func (r *Result) keep(cmds []host.Command, reason Reason, pred func(host.Command) bool) []host.Command {
	kept := cmds[:0]
	for _, cmd := range cmds {
		if pred(cmd) {
			kept = append(kept, cmd)
			continue
		}
		r.Excluded = append(r.Excluded, Exclusion{Command: cmd, Reason: reason})
	}
	return kept
}

func enforceLimit(survivors []host.Command, cfg Config) ([]host.Command, error) {
	limit := cfg.ToolLimits.MaxTools
	if len(survivors) <= limit {
		return survivors, nil
	}

	switch cfg.ToolLimits.Strategy {
	case StrategyStrict:
		return nil, fmt.Errorf("%d commands exceed the tool limit of %d under the strict strategy", len(survivors), limit)
	case StrategyFirst:
		return survivors[:limit], nil
	case StrategyBalanced:
		return balance(survivors, limit), nil
	case StrategyPrioritize:
		fallthrough
	default:
		return prioritize(survivors, cfg.Commands.Priority, limit), nil
	}
}

// prioritize keeps up to limit priority-pattern matches first and fills the
// remaining budget from the others in original order. With no priority
// patterns configured it degenerates to the first strategy.
func prioritize(survivors []host.Command, priority []string, limit int) []host.Command {
	if len(priority) == 0 {
		return survivors[:limit]
	}

	var preferred, others []host.Command
	for _, cmd := range survivors {
		if pattern.MatchesAny(cmd.ID, priority) {
			preferred = append(preferred, cmd)
			continue
		}
		others = append(others, cmd)
	}

	if len(preferred) > limit {
		preferred = preferred[:limit]
	}
	budget := limit - len(preferred)
	if budget > len(others) {
		budget = len(others)
	}
	return append(preferred, others[:budget]...)
}

// balance distributes the budget across topics: floor(limit/topics) each,
// with the remainder going to the lexicographically first topics so the
// distribution is deterministic. In-topic order is preserved and the overall
// output keeps the original command order.
func balance(survivors []host.Command, limit int) []host.Command {
	if limit <= 0 {
		return nil
	}

	topics := make([]string, 0)
	seen := make(map[string]struct{})
	for _, cmd := range survivors {
		topic := cmd.Topic()
		if _, ok := seen[topic]; !ok {
			seen[topic] = struct{}{}
			topics = append(topics, topic)
		}
	}
	sort.Strings(topics)

	perTopic := limit / len(topics)
	remainder := limit % len(topics)

	quota := make(map[string]int, len(topics))
	for i, topic := range topics {
		quota[topic] = perTopic
		if i < remainder {
			quota[topic]++
		}
	}

	kept := make([]host.Command, 0, limit)
	used := make(map[string]int, len(topics))
	for _, cmd := range survivors {
		topic := cmd.Topic()
		if used[topic] < quota[topic] {
			used[topic]++
			kept = append(kept, cmd)
		}
	}
	return kept
}

// Summary aggregates exclusion counts by reason for diagnostics.
func (r Result) Summary() map[Reason]int {
	counts := make(map[Reason]int)
	for _, ex := range r.Excluded {
		counts[ex.Reason]++
	}
	return counts
}
