package catalog

import (
	"context"
	"fmt"
	"strings"

	"climcp/internal/protocol"
)

// List returns the prompts in catalog order.
func (p *Prompts) List() []protocol.Prompt {
	out := make([]protocol.Prompt, 0, len(p.entries))
	for _, e := range p.entries {
		args := make([]protocol.PromptArgument, 0, len(e.prompt.Arguments))
		for _, a := range e.prompt.Arguments {
			args = append(args, protocol.PromptArgument{
				Name:        a.Name,
				Description: a.Description,
				Required:    a.Required,
			})
		}
		out = append(out, protocol.Prompt{
			Name:        e.prompt.Name,
			Description: e.prompt.Description,
			Arguments:   args,
		})
	}
	return out
}

// Get resolves the named prompt and produces its messages. Required arguments
// are validated before the handler runs; a prompt without a handler gets a
// message synthesized from its description and arguments.
func (p *Prompts) Get(ctx context.Context, params protocol.GetPromptParams) (protocol.GetPromptResult, error) {
	entry, ok := p.byName[params.Name]
	if !ok {
		return protocol.GetPromptResult{}, protocol.Error{
			Code:    protocol.CodePromptNotFound,
			Message: fmt.Sprintf("prompt not found: %s", params.Name),
		}
	}

	for _, arg := range entry.prompt.Arguments {
		if !arg.Required {
			continue
		}
		if _, ok := params.Arguments[arg.Name]; !ok {
			return protocol.GetPromptResult{}, protocol.Error{
				Code:    protocol.CodeInvalidParams,
				Message: fmt.Sprintf("missing required argument %q for prompt %s", arg.Name, params.Name),
			}
		}
	}

	text, err := p.render(ctx, entry, params.Arguments)
	if err != nil {
		return protocol.GetPromptResult{}, protocol.Error{
			Code:    protocol.CodeInternalError,
			Message: fmt.Sprintf("failed to render prompt %s: %s", params.Name, err.Error()),
		}
	}

	return protocol.GetPromptResult{
		Description: entry.prompt.Description,
		Messages: []protocol.PromptMessage{
			{Role: "user", Content: protocol.TextContent(text)},
		},
	}, nil
}

func (p *Prompts) render(ctx context.Context, entry *promptEntry, args map[string]string) (string, error) {
	if entry.prompt.Handler != nil {
		return entry.prompt.Handler(ctx, args)
	}

	var b strings.Builder
	if entry.prompt.Description != "" {
		b.WriteString(entry.prompt.Description)
	} else {
		b.WriteString(entry.prompt.Name)
	}
	for _, arg := range entry.prompt.Arguments {
		if value, ok := args[arg.Name]; ok {
			fmt.Fprintf(&b, "\n%s: %s", arg.Name, value)
		}
	}
	return b.String(), nil
}
