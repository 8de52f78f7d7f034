// Package demo provides a self-contained host command registry for running
// the adapter without a real CLI framework behind it. It exercises every
// descriptor feature: positional args, flag kinds, enumerated values, hidden
// and opted-out commands, annotations, and all three contribution channels.
package demo

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"climcp/internal/host"
	"climcp/internal/protocol"
)

func boolPtr(b bool) *bool { return &b }

// Commands returns the demo registry.
func Commands() []host.Command {
	return []host.Command{
		{
			ID:      "auth:login",
			Summary: "Log in to the platform",
			Origin:  host.OriginCore,
			Flags: []host.Flag{
				{Name: "browser", Description: "browser to open the login page with", Type: host.FlagString},
				{Name: "interactive", Char: "i", Description: "prompt for credentials on the terminal", Type: host.FlagBoolean},
			},
			Annotations: &protocol.ToolAnnotations{
				Title:         "Platform login",
				OpenWorldHint: boolPtr(true),
			},
			Runner: host.RunnerFunc(func(_ context.Context, argv []string, out, _ io.Writer) error {
				fmt.Fprintf(out, "logged in (%s)\n", strings.Join(argv, " "))
				return nil
			}),
			Resources: []host.Resource{
				{
					URI:         "demo://auth/session",
					Name:        "session",
					Description: "Current session summary",
					MIMEType:    "text/plain",
					Content:     "user: demo\nexpires: never\n",
				},
			},
		},
		{
			ID:      "auth:logout",
			Summary: "Log out of the platform",
			Origin:  host.OriginCore,
			Annotations: &protocol.ToolAnnotations{
				IdempotentHint: boolPtr(true),
			},
			Runner: host.RunnerFunc(func(_ context.Context, _ []string, out, _ io.Writer) error {
				fmt.Fprintln(out, "logged out")
				return nil
			}),
		},
		{
			ID:      "auth:token",
			Summary: "Print the raw auth token",
			Hidden:  true,
			Origin:  host.OriginCore,
			Runner:  printRunner("<redacted>"),
		},
		{
			ID:      "apps:list",
			Summary: "List applications",
			Origin:  host.OriginCore,
			Flags: []host.Flag{
				{Name: "json", Description: "emit machine-readable output", Type: host.FlagBoolean},
				{Name: "space", Description: "filter by space", Type: host.FlagString},
			},
			Annotations: &protocol.ToolAnnotations{
				ReadOnlyHint: boolPtr(true),
			},
			Runner: &appsRunner{apps: map[string]string{
				"demo-web":    "web application",
				"demo-worker": "background worker",
			}},
		},
		{
			ID:      "apps:info",
			Summary: "Show details for one application",
			Origin:  host.OriginCore,
			Args: []host.Arg{
				{Name: "app", Description: "application name", Required: true},
			},
			Annotations: &protocol.ToolAnnotations{
				ReadOnlyHint: boolPtr(true),
			},
			// Plain runner: the apps provider contributions come from
			// apps:list; a second provider would duplicate them.
			Runner: host.RunnerFunc(func(_ context.Context, argv []string, out, errOut io.Writer) error {
				apps := map[string]string{
					"demo-web":    "web application",
					"demo-worker": "background worker",
				}
				desc, ok := apps[argv[0]]
				if !ok {
					fmt.Fprintf(errOut, "no such app: %s\n", argv[0])
					return fmt.Errorf("app %q not found", argv[0])
				}
				fmt.Fprintf(out, "%s: %s\n", argv[0], desc)
				return nil
			}),
		},
		{
			ID:      "apps:create",
			Summary: "Create an application",
			Origin:  host.OriginCore,
			Args: []host.Arg{
				{Name: "name", Description: "application name", Required: true},
			},
			Flags: []host.Flag{
				{
					Name:        "region",
					Description: "deployment region",
					Type:        host.FlagOption,
					Options:     []string{"us", "eu", "ap"},
				},
				{Name: "team", Char: "t", Description: "owning team", Type: host.FlagString},
			},
			Runner: host.RunnerFunc(func(_ context.Context, argv []string, out, _ io.Writer) error {
				fmt.Fprintf(out, "created %s\n", strings.Join(argv, " "))
				return nil
			}),
		},
		{
			ID:      "apps:destroy",
			Summary: "Permanently delete an application",
			Origin:  host.OriginCore,
			Args: []host.Arg{
				{Name: "app", Description: "application name", Required: true},
			},
			Flags: []host.Flag{
				{Name: "confirm", Description: "confirmation app name", Type: host.FlagString, Required: true},
			},
			Annotations: &protocol.ToolAnnotations{
				DestructiveHint: boolPtr(true),
			},
			Runner: host.RunnerFunc(func(_ context.Context, argv []string, _, errOut io.Writer) error {
				fmt.Fprintln(errOut, "refusing to destroy in demo mode")
				return fmt.Errorf("destroy disabled: %s", strings.Join(argv, " "))
			}),
		},
		{
			ID:      "config:get",
			Summary: "Print a config var",
			Origin:  host.OriginUser,
			Args: []host.Arg{
				{Name: "key", Description: "variable name", Required: true},
			},
			Annotations: &protocol.ToolAnnotations{
				ReadOnlyHint: boolPtr(true),
			},
			Runner: printRunner("DATABASE_URL=postgres://localhost/demo"),
		},
		{
			ID:      "config:set",
			Summary: "Set a config var",
			Origin:  host.OriginUser,
			Args: []host.Arg{
				{Name: "pair", Description: "KEY=value pair", Required: true},
			},
			Runner: printRunner("set"),
		},
		{
			ID:          "docs",
			Summary:     "Open documentation",
			Description: "Opens the platform documentation in a browser.\nFalls back to printing the URL.",
			Origin:      host.OriginCore,
			Runner:      &docsRunner{},
		},
		{
			ID:         "mcp",
			Summary:    "Run the protocol adapter itself",
			Origin:     host.OriginCore,
			DisableMCP: true,
			Runner:     printRunner("already running"),
		},
		{
			ID:      "lab:experimental",
			Summary: "Experimental just-in-time plugin command",
			Origin:  host.OriginJIT,
			Runner:  printRunner("experimental"),
		},
	}
}

func printRunner(line string) host.Runner {
	return host.RunnerFunc(func(_ context.Context, _ []string, out, _ io.Writer) error {
		fmt.Fprintln(out, line)
		return nil
	})
}

// appsRunner backs the apps topic and contributes dynamic resources, a
// template, and a root.
type appsRunner struct {
	apps map[string]string
}

func (r *appsRunner) Run(_ context.Context, argv []string, out, errOut io.Writer) error {
	if len(argv) > 0 {
		desc, ok := r.apps[argv[0]]
		if !ok {
			fmt.Fprintf(errOut, "no such app: %s\n", argv[0])
			return fmt.Errorf("app %q not found", argv[0])
		}
		fmt.Fprintf(out, "%s: %s\n", argv[0], desc)
		return nil
	}

	names := make([]string, 0, len(r.apps))
	for name := range r.apps {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintln(out, name)
	}
	return nil
}

func (r *appsRunner) MCPResources(_ context.Context) ([]host.Resource, error) {
	return []host.Resource{
		{
			URI:         "demo://apps",
			Name:        "apps",
			Description: "All applications, one per line",
			MIMEType:    "text/plain",
			Handler: func(context.Context) (string, error) {
				names := make([]string, 0, len(r.apps))
				for name := range r.apps {
					names = append(names, name)
				}
				sort.Strings(names)
				return strings.Join(names, "\n") + "\n", nil
			},
		},
		{
			URI:         "demo://apps/{name}",
			Name:        "app",
			Description: "Details for a single application",
			MIMEType:    "text/plain",
		},
	}, nil
}

func (r *appsRunner) MCPRoots(_ context.Context) ([]host.Root, error) {
	return []host.Root{
		{URI: "file:///srv/apps", Name: "apps", Description: "Application checkouts"},
	}, nil
}

// docsRunner contributes prompts alongside a static documentation resource.
type docsRunner struct{}

func (docsRunner) Run(_ context.Context, _ []string, out, _ io.Writer) error {
	fmt.Fprintln(out, "https://docs.example.com")
	return nil
}

func (docsRunner) MCPResources(_ context.Context) ([]host.Resource, error) {
	return []host.Resource{
		{
			URI:         "demo://docs/readme",
			Name:        "readme",
			Description: "Getting-started guide",
			MIMEType:    "text/markdown",
			Content:     "# Demo platform\n\nStart with `auth:login`, then `apps:create`.\n",
		},
	}, nil
}

func (docsRunner) MCPPrompts(_ context.Context) ([]host.Prompt, error) {
	return []host.Prompt{
		{
			Name:        "troubleshoot",
			Description: "Walk through diagnosing a failing application",
			Arguments: []host.PromptArgument{
				{Name: "app", Description: "application name", Required: true},
				{Name: "since", Description: "time window to inspect"},
			},
			Handler: func(_ context.Context, args map[string]string) (string, error) {
				var b strings.Builder
				fmt.Fprintf(&b, "Diagnose why %s is failing.", args["app"])
				if since := args["since"]; since != "" {
					fmt.Fprintf(&b, " Focus on events since %s.", since)
				}
				b.WriteString(" Check releases, config vars, and recent logs in that order.")
				return b.String(), nil
			},
		},
		{
			Name:        "summarize-apps",
			Description: "Summarize the state of all applications",
		},
	}, nil
}
