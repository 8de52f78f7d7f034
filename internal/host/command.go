// Package host defines the slice of the host CLI framework the adapter
// needs: immutable command descriptors, an opaque execution entry point, and
// optional capability interfaces through which commands contribute
// resources, prompts, and roots.
package host

import (
	"context"
	"io"
	"strings"

	"climcp/internal/protocol"
)

// TopicSeparator splits a command ID into topic segments, e.g. "auth:login".
const TopicSeparator = ":"

// Origin identifies how a command's plugin was loaded into the host CLI.
type Origin string

const (
	// OriginCore marks commands shipped with the CLI itself.
	OriginCore Origin = "core"
	// OriginUser marks commands from user-installed plugins.
	OriginUser Origin = "user"
	// OriginLinked marks commands from locally linked plugins.
	OriginLinked Origin = "link"
	// OriginJIT marks commands from just-in-time-loaded plugins. These are
	// not eligible for protocol exposure.
	OriginJIT Origin = "jit"
)

// FlagType is the closed set of flag value kinds the adapter understands.
type FlagType string

const (
	FlagBoolean FlagType = "boolean"
	FlagString  FlagType = "string"
	FlagOption  FlagType = "option"
)

// Arg describes one positional argument of a command, in declaration order.
type Arg struct {
	Name        string
	Description string
	Required    bool
	// Options restricts the argument to an enumerated value set when non-empty.
	Options []string
}

// Flag describes one named flag of a command.
type Flag struct {
	Name        string
	Description string
	// Char is the single-character alias, empty when the flag has none.
	Char     string
	Type     FlagType
	Required bool
	// Options restricts the flag to an enumerated value set when non-empty.
	Options []string
}

// Command is a read-only descriptor of one host CLI command. The registry is
// populated once at startup and is immutable for the life of the process.
type Command struct {
	// ID is the globally unique, topic-segmented command identifier.
	ID          string
	Summary     string
	Description string
	Hidden      bool
	// DisableMCP excludes the command from protocol exposure regardless of
	// filter configuration.
	DisableMCP  bool
	Origin      Origin
	Args        []Arg
	Flags       []Flag
	Annotations *protocol.ToolAnnotations

	// Runner executes the command's business logic. The adapter treats it as
	// an opaque side-effecting call producing captured textual output.
	Runner Runner

	// Static contributions declared directly on the descriptor.
	Resources []Resource
	Prompts   []Prompt
	Roots     []Root
}

// Topic returns the first topic segment of the command ID, or the whole ID
// for topicless commands.
func (c Command) Topic() string {
	topic, _, _ := strings.Cut(c.ID, TopicSeparator)
	return topic
}

// Runner executes a command with an already validated argument vector.
// Output is written to the injected sinks rather than the process streams so
// concurrent invocations cannot interfere with each other.
type Runner interface {
	Run(ctx context.Context, argv []string, out, errOut io.Writer) error
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, argv []string, out, errOut io.Writer) error

func (f RunnerFunc) Run(ctx context.Context, argv []string, out, errOut io.Writer) error {
	return f(ctx, argv, out, errOut)
}
