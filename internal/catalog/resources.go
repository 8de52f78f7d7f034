package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"climcp/internal/host"
	"climcp/internal/protocol"
	"climcp/internal/uritemplate"
)

// resourceEntry tags a collected resource with its originating command id.
// The association is for dispatch and diagnostics only; the entry outlives
// any view of the command.
type resourceEntry struct {
	resource host.Resource
	command  string
}

type templateEntry struct {
	resource host.Resource
	command  string
}

type rootEntry struct {
	root    host.Root
	command string
}

// Resources is the resource catalog: concrete resources indexed by URI,
// parameterized templates, and declared roots. Populated once by Collect.
type Resources struct {
	entries   []resourceEntry
	byURI     map[string]*resourceEntry
	templates []templateEntry
	roots     []rootEntry

	logger *slog.Logger
}

// Prompts is the prompt catalog, indexed by prompt name.
type Prompts struct {
	entries []promptEntry
	byName  map[string]*promptEntry

	logger *slog.Logger
}

type promptEntry struct {
	prompt  host.Prompt
	command string
}

// Collect gathers resources, prompts, and roots from every filtered command,
// one collector goroutine per command. Static declarations on the descriptor
// and dynamic provider contributions are merged; a failing provider is logged
// and contributes nothing, without affecting any other command. Results are
// sorted afterwards so the catalogs are deterministic regardless of
// goroutine scheduling.
func Collect(ctx context.Context, commands []host.Command, logger *slog.Logger) (*Resources, *Prompts) {
	type contribution struct {
		command   string
		resources []host.Resource
		prompts   []host.Prompt
		roots     []host.Root
	}

	contributions := make([]contribution, len(commands))

	var wg sync.WaitGroup
	for i, cmd := range commands {
		wg.Add(1)
		go func(i int, cmd host.Command) {
			defer wg.Done()

			c := contribution{
				command:   cmd.ID,
				resources: cmd.Resources,
				prompts:   cmd.Prompts,
				roots:     cmd.Roots,
			}

			if provider, ok := cmd.Runner.(host.ResourceProvider); ok {
				rs, err := provider.MCPResources(ctx)
				if err != nil {
					logger.Error("resource provider failed",
						slog.String("command", cmd.ID),
						slog.String("err", err.Error()))
				} else {
					c.resources = append(c.resources, rs...)
				}
			}
			if provider, ok := cmd.Runner.(host.PromptProvider); ok {
				ps, err := provider.MCPPrompts(ctx)
				if err != nil {
					logger.Error("prompt provider failed",
						slog.String("command", cmd.ID),
						slog.String("err", err.Error()))
				} else {
					c.prompts = append(c.prompts, ps...)
				}
			}
			if provider, ok := cmd.Runner.(host.RootProvider); ok {
				roots, err := provider.MCPRoots(ctx)
				if err != nil {
					logger.Error("root provider failed",
						slog.String("command", cmd.ID),
						slog.String("err", err.Error()))
				} else {
					c.roots = append(c.roots, roots...)
				}
			}

			contributions[i] = c
		}(i, cmd)
	}
	wg.Wait()

	res := &Resources{byURI: make(map[string]*resourceEntry), logger: logger}
	prompts := &Prompts{byName: make(map[string]*promptEntry), logger: logger}

	for _, c := range contributions {
		for _, r := range c.resources {
			// A parameterized URI is a template, not a concrete resource.
			if strings.Contains(r.URI, "{") {
				res.templates = append(res.templates, templateEntry{resource: r, command: c.command})
				continue
			}
			res.entries = append(res.entries, resourceEntry{resource: r, command: c.command})
		}
		for _, p := range c.prompts {
			prompts.entries = append(prompts.entries, promptEntry{prompt: p, command: c.command})
		}
		for _, root := range c.roots {
			res.roots = append(res.roots, rootEntry{root: root, command: c.command})
		}
	}

	sort.SliceStable(res.entries, func(i, j int) bool {
		return res.entries[i].resource.URI < res.entries[j].resource.URI
	})
	sort.SliceStable(res.templates, func(i, j int) bool {
		return res.templates[i].resource.URI < res.templates[j].resource.URI
	})
	sort.SliceStable(res.roots, func(i, j int) bool {
		return res.roots[i].root.URI < res.roots[j].root.URI
	})
	sort.SliceStable(prompts.entries, func(i, j int) bool {
		return prompts.entries[i].prompt.Name < prompts.entries[j].prompt.Name
	})

	for i := range res.entries {
		entry := &res.entries[i]
		if prev, dup := res.byURI[entry.resource.URI]; dup {
			logger.Warn("duplicate resource uri, keeping first",
				slog.String("uri", entry.resource.URI),
				slog.String("kept", prev.command),
				slog.String("dropped", entry.command))
			continue
		}
		res.byURI[entry.resource.URI] = entry
	}
	for i := range prompts.entries {
		entry := &prompts.entries[i]
		if prev, dup := prompts.byName[entry.prompt.Name]; dup {
			logger.Warn("duplicate prompt name, keeping first",
				slog.String("prompt", entry.prompt.Name),
				slog.String("kept", prev.command),
				slog.String("dropped", entry.command))
			continue
		}
		prompts.byName[entry.prompt.Name] = entry
	}

	return res, prompts
}

// List returns the concrete resources in catalog order.
func (r *Resources) List() []protocol.Resource {
	out := make([]protocol.Resource, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, protocol.Resource{
			URI:         e.resource.URI,
			Name:        e.resource.Name,
			Description: e.resource.Description,
			MIMEType:    e.resource.MIMEType,
			Size:        e.resource.Size,
		})
	}
	return out
}

// Templates returns the parameterized resource templates in catalog order.
func (r *Resources) Templates() []protocol.ResourceTemplate {
	out := make([]protocol.ResourceTemplate, 0, len(r.templates))
	for _, e := range r.templates {
		out = append(out, protocol.ResourceTemplate{
			URITemplate: e.resource.URI,
			Name:        e.resource.Name,
			Description: e.resource.Description,
			MIMEType:    e.resource.MIMEType,
		})
	}
	return out
}

// Roots returns the declared roots in catalog order.
func (r *Resources) Roots() []protocol.Root {
	out := make([]protocol.Root, 0, len(r.roots))
	for _, e := range r.roots {
		out = append(out, protocol.Root{
			URI:         e.root.URI,
			Name:        e.root.Name,
			Description: e.root.Description,
		})
	}
	return out
}

// Read resolves a URI in fixed order: exact catalog match, then root match,
// then template match. A template hit synthesizes content describing the
// match and reports synthesized=true so the caller can emit an update
// notification. No match at all yields a ResourceNotFound protocol error.
func (r *Resources) Read(ctx context.Context, uri string) (protocol.ReadResourceResult, bool, error) {
	if entry, ok := r.byURI[uri]; ok {
		contents, err := r.contents(ctx, entry)
		if err != nil {
			return protocol.ReadResourceResult{}, false, err
		}
		return protocol.ReadResourceResult{Contents: []protocol.ResourceContents{contents}}, false, nil
	}

	for _, e := range r.roots {
		if e.root.URI != uri {
			continue
		}
		text := e.root.Description
		if text == "" {
			text = fmt.Sprintf("Root %s contributed by %s", e.root.URI, e.command)
		}
		return protocol.ReadResourceResult{
			Contents: []protocol.ResourceContents{{
				URI:      uri,
				MIMEType: "text/plain",
				Text:     text,
			}},
		}, false, nil
	}

	for _, e := range r.templates {
		params, ok := uritemplate.Match(uri, e.resource.URI)
		if !ok {
			continue
		}
		return protocol.ReadResourceResult{
			Contents: []protocol.ResourceContents{{
				URI:      uri,
				MIMEType: "text/plain",
				Text:     templateText(e, params),
			}},
		}, true, nil
	}

	return protocol.ReadResourceResult{}, false, protocol.Error{
		Code:    protocol.CodeResourceNotFound,
		Message: fmt.Sprintf("resource not found: %s", uri),
	}
}

// Subscribable reports whether the URI resolves to anything the catalog can
// later report updates for.
func (r *Resources) Subscribable(uri string) bool {
	if _, ok := r.byURI[uri]; ok {
		return true
	}
	for _, e := range r.templates {
		if _, ok := uritemplate.Match(uri, e.resource.URI); ok {
			return true
		}
	}
	return false
}

func (r *Resources) contents(ctx context.Context, entry *resourceEntry) (protocol.ResourceContents, error) {
	mime := entry.resource.MIMEType
	if mime == "" {
		mime = "text/plain"
	}

	switch {
	case entry.resource.Handler != nil:
		text, err := entry.resource.Handler(ctx)
		if err != nil {
			return protocol.ResourceContents{}, protocol.Error{
				Code:    protocol.CodeInternalError,
				Message: fmt.Sprintf("failed to read resource %s: %s", entry.resource.URI, err.Error()),
			}
		}
		return protocol.ResourceContents{URI: entry.resource.URI, MIMEType: mime, Text: text}, nil
	case entry.resource.Content != "":
		return protocol.ResourceContents{URI: entry.resource.URI, MIMEType: mime, Text: entry.resource.Content}, nil
	default:
		placeholder := fmt.Sprintf("Resource %s contributed by %s", entry.resource.URI, entry.command)
		return protocol.ResourceContents{URI: entry.resource.URI, MIMEType: mime, Text: placeholder}, nil
	}
}

func templateText(e templateEntry, params map[string]string) string {
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	fmt.Fprintf(&b, "Matched template %s contributed by %s", e.resource.URI, e.command)
	for _, name := range names {
		fmt.Fprintf(&b, "\n%s: %s", name, params[name])
	}
	return b.String()
}
