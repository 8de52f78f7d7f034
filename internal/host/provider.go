package host

import "context"

// Resource is a readable content unit a command contributes to the catalog.
// Exactly one of Content or Handler should be set: Content for static text,
// Handler for content produced on demand. When neither is set the catalog
// serves a generated placeholder.
type Resource struct {
	URI         string
	Name        string
	Description string
	MIMEType    string
	Size        int64
	Content     string
	Handler     func(ctx context.Context) (string, error)
}

// PromptArgument describes one argument accepted by a contributed prompt.
type PromptArgument struct {
	Name        string
	Description string
	Required    bool
}

// Prompt is a message-generation unit a command contributes to the catalog.
// Handler produces the prompt text from validated arguments; when nil the
// catalog synthesizes a message from the description and arguments.
type Prompt struct {
	Name        string
	Description string
	Arguments   []PromptArgument
	Handler     func(ctx context.Context, args map[string]string) (string, error)
}

// Root is a declared filesystem/workspace context entry.
type Root struct {
	URI         string
	Name        string
	Description string
}

// ResourceProvider is implemented by runners that contribute resources
// dynamically. The catalog collector checks for it by interface satisfaction
// at startup; provider failures are logged and contribute nothing.
type ResourceProvider interface {
	MCPResources(ctx context.Context) ([]Resource, error)
}

// PromptProvider is implemented by runners that contribute prompts dynamically.
type PromptProvider interface {
	MCPPrompts(ctx context.Context) ([]Prompt, error)
}

// RootProvider is implemented by runners that contribute roots dynamically.
type RootProvider interface {
	MCPRoots(ctx context.Context) ([]Root, error)
}
