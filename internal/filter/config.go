// Package filter partitions the host command registry into the protocol-
// exposed set and the excluded remainder, applying topic and pattern rules
// and a tool-count-bounding strategy.
package filter

import (
	"fmt"
	"time"
)

// Strategy selects how the filter bounds the surviving command count.
type Strategy string

const (
	// StrategyFirst keeps the first maxTools commands in original order.
	StrategyFirst Strategy = "first"
	// StrategyPrioritize fills the budget from priority-pattern matches
	// first, then from the rest in order.
	StrategyPrioritize Strategy = "prioritize"
	// StrategyBalanced distributes the budget evenly across topics.
	StrategyBalanced Strategy = "balanced"
	// StrategyStrict fails the whole filter run when the limit is exceeded.
	StrategyStrict Strategy = "strict"
)

// Built-in defaults, overridable by config file, profile, and flags, in
// ascending precedence.
const (
	DefaultMaxTools = 128
	DefaultSelfID   = "mcp"
	// DefaultWarnRatio sets the warn threshold at 80% of maxTools when no
	// explicit threshold is configured.
	DefaultWarnRatio = 0.8
)

// CommandRules holds per-command-id pattern rules.
type CommandRules struct {
	Include  []string `mapstructure:"include" yaml:"include"`
	Exclude  []string `mapstructure:"exclude" yaml:"exclude"`
	Priority []string `mapstructure:"priority" yaml:"priority"`
}

// TopicRules holds per-topic inclusion rules.
type TopicRules struct {
	Include []string `mapstructure:"include" yaml:"include"`
	Exclude []string `mapstructure:"exclude" yaml:"exclude"`
}

// ToolLimits bounds the exposed tool catalog.
type ToolLimits struct {
	MaxTools int      `mapstructure:"maxTools" yaml:"maxTools"`
	Strategy Strategy `mapstructure:"strategy" yaml:"strategy"`
	// WarnThreshold triggers a non-fatal advisory when the surviving count
	// exceeds it. Zero derives the threshold from DefaultWarnRatio.
	WarnThreshold int `mapstructure:"warnThreshold" yaml:"warnThreshold"`
	// CallTimeout bounds a single tool invocation. Zero leaves invocations
	// unbounded.
	CallTimeout time.Duration `mapstructure:"callTimeout" yaml:"callTimeout"`
}

// Config is the effective filter configuration for one run.
type Config struct {
	Commands   CommandRules          `mapstructure:"commands" yaml:"commands"`
	Topics     TopicRules            `mapstructure:"topics" yaml:"topics"`
	ToolLimits ToolLimits            `mapstructure:"toolLimits" yaml:"toolLimits"`
	Profiles   map[string]*Overrides `mapstructure:"profiles" yaml:"profiles"`
	// DefaultProfile names the profile applied when none is selected
	// explicitly.
	DefaultProfile string `mapstructure:"defaultProfile" yaml:"defaultProfile"`
	// SelfID is the command id of the protocol server itself, always
	// excluded to avoid self-referential exposure.
	SelfID string `mapstructure:"selfId" yaml:"selfId"`
}

// Overrides is a partial configuration layered over a base Config. Nil
// pointer fields and nil slices are "unset" and inherit the base value.
// Profiles and command-line flags both use this shape.
type Overrides struct {
	MaxTools         *int           `mapstructure:"maxTools" yaml:"maxTools"`
	Strategy         *Strategy      `mapstructure:"strategy" yaml:"strategy"`
	WarnThreshold    *int           `mapstructure:"warnThreshold" yaml:"warnThreshold"`
	CallTimeout      *time.Duration `mapstructure:"callTimeout" yaml:"callTimeout"`
	TopicsInclude    []string       `mapstructure:"topicsInclude" yaml:"topicsInclude"`
	TopicsExclude    []string       `mapstructure:"topicsExclude" yaml:"topicsExclude"`
	CommandsInclude  []string       `mapstructure:"commandsInclude" yaml:"commandsInclude"`
	CommandsExclude  []string       `mapstructure:"commandsExclude" yaml:"commandsExclude"`
	CommandsPriority []string       `mapstructure:"commandsPriority" yaml:"commandsPriority"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		ToolLimits: ToolLimits{
			MaxTools: DefaultMaxTools,
			Strategy: StrategyPrioritize,
		},
		SelfID: DefaultSelfID,
	}
}

// Effective derives the single effective configuration for a run by merging
// base ⊕ selected profile ⊕ explicit overrides, later layers winning. An
// empty profile name selects base.DefaultProfile; an unknown profile name is
// a configuration error.
func Effective(base Config, profile string, flags *Overrides) (Config, error) {
	cfg := base

	if profile == "" {
		profile = base.DefaultProfile
	}
	if profile != "" {
		p, ok := base.Profiles[profile]
		if !ok {
			return Config{}, fmt.Errorf("unknown profile %q", profile)
		}
		cfg.apply(p)
	}

	cfg.apply(flags)

	if cfg.ToolLimits.MaxTools < 0 {
		cfg.ToolLimits.MaxTools = 0
	}
	if cfg.ToolLimits.Strategy == "" {
		cfg.ToolLimits.Strategy = StrategyPrioritize
	}
	if cfg.ToolLimits.WarnThreshold == 0 {
		cfg.ToolLimits.WarnThreshold = int(float64(cfg.ToolLimits.MaxTools) * DefaultWarnRatio)
	}
	if cfg.SelfID == "" {
		cfg.SelfID = DefaultSelfID
	}

	return cfg, nil
}

func (c *Config) apply(o *Overrides) {
	if o == nil {
		return
	}
	if o.MaxTools != nil {
		c.ToolLimits.MaxTools = *o.MaxTools
	}
	if o.Strategy != nil {
		c.ToolLimits.Strategy = *o.Strategy
	}
	if o.WarnThreshold != nil {
		c.ToolLimits.WarnThreshold = *o.WarnThreshold
	}
	if o.CallTimeout != nil {
		c.ToolLimits.CallTimeout = *o.CallTimeout
	}
	if o.TopicsInclude != nil {
		c.Topics.Include = o.TopicsInclude
	}
	if o.TopicsExclude != nil {
		c.Topics.Exclude = o.TopicsExclude
	}
	if o.CommandsInclude != nil {
		c.Commands.Include = o.CommandsInclude
	}
	if o.CommandsExclude != nil {
		c.Commands.Exclude = o.CommandsExclude
	}
	if o.CommandsPriority != nil {
		c.Commands.Priority = o.CommandsPriority
	}
}
