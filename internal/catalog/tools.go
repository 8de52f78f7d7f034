// Package catalog materializes the protocol-facing view of the filtered
// command set: a tool per command plus the resources, prompts, and roots the
// commands contribute statically or through provider interfaces. Catalogs are
// built once at startup, owned by the server, and read-only afterwards.
package catalog

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"climcp/internal/argschema"
	"climcp/internal/host"
	"climcp/internal/protocol"
)

// toolEntry binds one exposed tool to its originating command and its
// compiled input schema. The schema is resolved once here, never per call.
type toolEntry struct {
	tool     protocol.Tool
	command  host.Command
	compiled *argschema.Compiled
}

// Tools is the tool catalog: an ordered list for tools/list plus a
// sanitized-name index for tools/call dispatch.
type Tools struct {
	entries []toolEntry
	byName  map[string]*toolEntry

	callTimeout time.Duration
	logger      *slog.Logger
	observe     func(outcome string)
}

// Call outcomes reported to the observer.
const (
	OutcomeOK       = "ok"
	OutcomeError    = "error"
	OutcomeNotFound = "not_found"
	OutcomeInvalid  = "invalid"
)

// Observe registers a callback invoked after every Call with its outcome.
// Used to feed telemetry counters without coupling the catalog to them.
func (t *Tools) Observe(fn func(outcome string)) {
	t.observe = fn
}

func (t *Tools) report(outcome string) {
	if t.observe != nil {
		t.observe(outcome)
	}
}

// NewTools builds the tool catalog from the filtered command set, preserving
// filter order. A command whose schema fails to compile is logged and
// skipped; one bad descriptor must not take the whole catalog down.
func NewTools(commands []host.Command, callTimeout time.Duration, logger *slog.Logger) *Tools {
	t := &Tools{
		entries:     make([]toolEntry, 0, len(commands)),
		byName:      make(map[string]*toolEntry, len(commands)),
		callTimeout: callTimeout,
		logger:      logger,
	}

	for _, cmd := range commands {
		compiled, err := argschema.Compile(cmd)
		if err != nil {
			logger.Error("skipping command with uncompilable schema",
				slog.String("command", cmd.ID),
				slog.String("err", err.Error()))
			continue
		}

		name := SanitizeName(cmd.ID)
		if _, dup := t.byName[name]; dup {
			logger.Warn("skipping command with duplicate tool name",
				slog.String("command", cmd.ID),
				slog.String("tool", name))
			continue
		}

		t.entries = append(t.entries, toolEntry{
			tool: protocol.Tool{
				Name:        name,
				Description: describe(cmd),
				InputSchema: compiled.JSON,
				Annotations: cmd.Annotations,
			},
			command:  cmd,
			compiled: compiled,
		})
		t.byName[name] = &t.entries[len(t.entries)-1]
	}

	return t
}

// SanitizeName maps a command id to a protocol-safe tool name: alphanumerics,
// the topic separator, '-', and '_' pass through, everything else becomes '_'.
func SanitizeName(id string) string {
	var b strings.Builder
	b.Grow(len(id))
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ':' || r == '-' || r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// describe picks the tool description: summary, else the first line of the
// long description, else the command id.
func describe(cmd host.Command) string {
	if cmd.Summary != "" {
		return cmd.Summary
	}
	if cmd.Description != "" {
		line, _, _ := strings.Cut(cmd.Description, "\n")
		return line
	}
	return cmd.ID
}

// List returns the tool entries in catalog order.
func (t *Tools) List() []protocol.Tool {
	tools := make([]protocol.Tool, 0, len(t.entries))
	for _, e := range t.entries {
		tools = append(tools, e.tool)
	}
	return tools
}

// Len reports the number of exposed tools.
func (t *Tools) Len() int {
	return len(t.entries)
}

// Call resolves the named tool, validates the arguments against its compiled
// schema, builds the argument vector, and runs the command with captured
// output sinks. Lookup and validation failures are returned as protocol
// errors; execution failures never escape as errors and come back as an
// error-flagged result carrying the message plus any partial output.
func (t *Tools) Call(ctx context.Context, params protocol.CallToolParams) (protocol.CallToolResult, error) {
	entry, ok := t.byName[params.Name]
	if !ok {
		t.report(OutcomeNotFound)
		return protocol.CallToolResult{}, protocol.Error{
			Code:    protocol.CodeToolNotFound,
			Message: fmt.Sprintf("tool not found: %s", params.Name),
		}
	}

	if err := entry.compiled.Validate(params.Arguments); err != nil {
		t.report(OutcomeInvalid)
		return protocol.CallToolResult{}, protocol.Error{
			Code:    protocol.CodeInvalidParams,
			Message: fmt.Sprintf("invalid arguments for %s: %s", params.Name, err.Error()),
		}
	}

	argv, err := argschema.BuildArgv(entry.command, params.Arguments)
	if err != nil {
		t.report(OutcomeInvalid)
		return protocol.CallToolResult{}, protocol.Error{
			Code:    protocol.CodeInvalidParams,
			Message: err.Error(),
		}
	}

	if t.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.callTimeout)
		defer cancel()
	}

	var out, errOut bytes.Buffer
	runErr := t.run(ctx, entry.command, argv, &out, &errOut)
	if runErr != nil {
		t.logger.Error("tool execution failed",
			slog.String("tool", params.Name),
			slog.String("err", runErr.Error()))
		t.report(OutcomeError)
		return protocol.CallToolResult{
			Content: []protocol.Content{
				protocol.TextContent(failureText(runErr, out.String(), errOut.String())),
			},
			IsError: true,
		}, nil
	}

	t.report(OutcomeOK)
	return protocol.CallToolResult{
		Content: []protocol.Content{protocol.TextContent(out.String())},
	}, nil
}

// run executes the command runner, converting panics into errors so a
// misbehaving command cannot take down the request loop.
func (t *Tools) run(ctx context.Context, cmd host.Command, argv []string, out, errOut *bytes.Buffer) (err error) {
	if cmd.Runner == nil {
		return fmt.Errorf("command %s has no runner", cmd.ID)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("command %s panicked: %v", cmd.ID, r)
		}
	}()
	return cmd.Runner.Run(ctx, argv, out, errOut)
}

func failureText(err error, out, errOut string) string {
	var b strings.Builder
	b.WriteString(err.Error())
	if errOut != "" {
		b.WriteString("\n")
		b.WriteString(errOut)
	}
	if out != "" {
		b.WriteString("\n")
		b.WriteString(out)
	}
	return b.String()
}
