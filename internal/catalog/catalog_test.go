package catalog_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"climcp/internal/catalog"
	"climcp/internal/host"
	"climcp/internal/protocol"
)

func quiet() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func echoRunner() host.Runner {
	return host.RunnerFunc(func(_ context.Context, argv []string, out, _ io.Writer) error {
		fmt.Fprintf(out, "ran with %v", argv)
		return nil
	})
}

func TestSanitizeName(t *testing.T) {
	assert.Equal(t, "auth:login", catalog.SanitizeName("auth:login"))
	assert.Equal(t, "apps_deploy-v2", catalog.SanitizeName("apps.deploy-v2"))
	assert.Equal(t, "a_b_c", catalog.SanitizeName("a b/c"))
}

func TestNewToolsDescriptions(t *testing.T) {
	tools := catalog.NewTools([]host.Command{
		{ID: "a:one", Summary: "summary wins", Description: "long\ntext", Runner: echoRunner()},
		{ID: "a:two", Description: "first line\nsecond line", Runner: echoRunner()},
		{ID: "a:three", Runner: echoRunner()},
	}, 0, quiet())

	list := tools.List()
	require.Len(t, list, 3)
	assert.Equal(t, "summary wins", list[0].Description)
	assert.Equal(t, "first line", list[1].Description)
	assert.Equal(t, "a:three", list[2].Description)
}

func TestNewToolsCopiesAnnotations(t *testing.T) {
	readOnly := true
	tools := catalog.NewTools([]host.Command{{
		ID:          "status",
		Runner:      echoRunner(),
		Annotations: &protocol.ToolAnnotations{Title: "Status", ReadOnlyHint: &readOnly},
	}}, 0, quiet())

	list := tools.List()
	require.Len(t, list, 1)
	require.NotNil(t, list[0].Annotations)
	assert.Equal(t, "Status", list[0].Annotations.Title)
}

func TestCallUnknownTool(t *testing.T) {
	tools := catalog.NewTools(nil, 0, quiet())

	_, err := tools.Call(context.Background(), protocol.CallToolParams{Name: "nope"})

	var rpcErr protocol.Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, protocol.CodeToolNotFound, rpcErr.Code)
}

func TestCallInvalidArguments(t *testing.T) {
	tools := catalog.NewTools([]host.Command{{
		ID:     "apps:deploy",
		Args:   []host.Arg{{Name: "app", Required: true}},
		Runner: echoRunner(),
	}}, 0, quiet())

	_, err := tools.Call(context.Background(), protocol.CallToolParams{Name: "apps:deploy"})

	var rpcErr protocol.Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, protocol.CodeInvalidParams, rpcErr.Code)
}

func TestCallCapturesOutput(t *testing.T) {
	tools := catalog.NewTools([]host.Command{{
		ID:     "apps:deploy",
		Args:   []host.Arg{{Name: "app", Required: true}},
		Runner: echoRunner(),
	}}, 0, quiet())

	result, err := tools.Call(context.Background(), protocol.CallToolParams{
		Name:      "apps:deploy",
		Arguments: map[string]any{"app": "web"},
	})
	require.NoError(t, err)

	require.Len(t, result.Content, 1)
	assert.False(t, result.IsError)
	assert.Equal(t, "ran with [web]", result.Content[0].Text)
}

// Execution failures come back as error-flagged results carrying the message
// and any output produced before the failure, never as protocol errors.
func TestCallExecutionFailure(t *testing.T) {
	tools := catalog.NewTools([]host.Command{{
		ID: "apps:destroy",
		Runner: host.RunnerFunc(func(_ context.Context, _ []string, out, errOut io.Writer) error {
			fmt.Fprint(out, "partial output")
			fmt.Fprint(errOut, "disk on fire")
			return errors.New("boom")
		}),
	}}, 0, quiet())

	result, err := tools.Call(context.Background(), protocol.CallToolParams{Name: "apps:destroy"})
	require.NoError(t, err)

	assert.True(t, result.IsError)
	require.Len(t, result.Content, 1)
	assert.Contains(t, result.Content[0].Text, "boom")
	assert.Contains(t, result.Content[0].Text, "disk on fire")
	assert.Contains(t, result.Content[0].Text, "partial output")
}

func TestCallRecoversPanic(t *testing.T) {
	tools := catalog.NewTools([]host.Command{{
		ID: "bad",
		Runner: host.RunnerFunc(func(_ context.Context, _ []string, _, _ io.Writer) error {
			panic("unexpected")
		}),
	}}, 0, quiet())

	result, err := tools.Call(context.Background(), protocol.CallToolParams{Name: "bad"})
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, result.Content[0].Text, "panicked")
}

func TestCallTimeout(t *testing.T) {
	tools := catalog.NewTools([]host.Command{{
		ID: "slow",
		Runner: host.RunnerFunc(func(ctx context.Context, _ []string, _, _ io.Writer) error {
			<-ctx.Done()
			return ctx.Err()
		}),
	}}, 10*time.Millisecond, quiet())

	result, err := tools.Call(context.Background(), protocol.CallToolParams{Name: "slow"})
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

type providerRunner struct {
	resources []host.Resource
	prompts   []host.Prompt
	roots     []host.Root
	err       error
}

func (p providerRunner) Run(_ context.Context, _ []string, _, _ io.Writer) error { return nil }

func (p providerRunner) MCPResources(context.Context) ([]host.Resource, error) {
	return p.resources, p.err
}

func (p providerRunner) MCPPrompts(context.Context) ([]host.Prompt, error) {
	return p.prompts, p.err
}

func (p providerRunner) MCPRoots(context.Context) ([]host.Root, error) {
	return p.roots, p.err
}

func TestCollectMergesStaticAndProvided(t *testing.T) {
	commands := []host.Command{
		{
			ID:        "docs:serve",
			Resources: []host.Resource{{URI: "docs://readme", Name: "readme", Content: "hello"}},
			Prompts:   []host.Prompt{{Name: "summarize", Description: "Summarize a doc"}},
			Roots:     []host.Root{{URI: "file:///workspace", Name: "workspace"}},
			Runner: providerRunner{
				resources: []host.Resource{
					{URI: "docs://changelog", Name: "changelog", Content: "v1"},
					{URI: "items://{id}", Name: "item"},
				},
			},
		},
		{
			ID:     "broken:provider",
			Runner: providerRunner{err: errors.New("provider exploded")},
		},
	}

	resources, prompts := catalog.Collect(context.Background(), commands, quiet())

	// The failing provider contributes nothing but never blocks collection.
	list := resources.List()
	require.Len(t, list, 2)
	assert.Equal(t, "docs://changelog", list[0].URI)
	assert.Equal(t, "docs://readme", list[1].URI)

	templates := resources.Templates()
	require.Len(t, templates, 1)
	assert.Equal(t, "items://{id}", templates[0].URITemplate)

	roots := resources.Roots()
	require.Len(t, roots, 1)
	assert.Equal(t, "file:///workspace", roots[0].URI)

	require.Len(t, prompts.List(), 1)
}

func TestReadResolutionOrder(t *testing.T) {
	commands := []host.Command{{
		ID: "docs:serve",
		Resources: []host.Resource{
			{URI: "docs://readme", Content: "static content"},
			{URI: "docs://dynamic", MIMEType: "application/json", Handler: func(context.Context) (string, error) {
				return `{"ok":true}`, nil
			}},
			{URI: "docs://empty"},
			{URI: "items://{id}", Name: "item"},
		},
		Roots:  []host.Root{{URI: "file:///workspace", Description: "the workspace"}},
		Runner: echoRunner(),
	}}

	resources, _ := catalog.Collect(context.Background(), commands, quiet())
	ctx := context.Background()

	result, synthesized, err := resources.Read(ctx, "docs://readme")
	require.NoError(t, err)
	assert.False(t, synthesized)
	assert.Equal(t, "static content", result.Contents[0].Text)
	assert.Equal(t, "text/plain", result.Contents[0].MIMEType)

	result, _, err = resources.Read(ctx, "docs://dynamic")
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, result.Contents[0].Text)
	assert.Equal(t, "application/json", result.Contents[0].MIMEType)

	result, _, err = resources.Read(ctx, "docs://empty")
	require.NoError(t, err)
	assert.Contains(t, result.Contents[0].Text, "docs://empty")

	result, _, err = resources.Read(ctx, "file:///workspace")
	require.NoError(t, err)
	assert.Equal(t, "the workspace", result.Contents[0].Text)

	result, synthesized, err = resources.Read(ctx, "items://42")
	require.NoError(t, err)
	assert.True(t, synthesized)
	assert.Contains(t, result.Contents[0].Text, "id: 42")

	_, _, err = resources.Read(ctx, "nope://missing")
	var rpcErr protocol.Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, protocol.CodeResourceNotFound, rpcErr.Code)
}

func TestReadHandlerFailure(t *testing.T) {
	commands := []host.Command{{
		ID: "docs:serve",
		Resources: []host.Resource{{URI: "docs://flaky", Handler: func(context.Context) (string, error) {
			return "", errors.New("backend down")
		}}},
		Runner: echoRunner(),
	}}

	resources, _ := catalog.Collect(context.Background(), commands, quiet())

	_, _, err := resources.Read(context.Background(), "docs://flaky")
	var rpcErr protocol.Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, protocol.CodeInternalError, rpcErr.Code)
}

func TestSubscribable(t *testing.T) {
	commands := []host.Command{{
		ID: "docs:serve",
		Resources: []host.Resource{
			{URI: "docs://readme", Content: "x"},
			{URI: "items://{id}"},
		},
		Runner: echoRunner(),
	}}

	resources, _ := catalog.Collect(context.Background(), commands, quiet())

	assert.True(t, resources.Subscribable("docs://readme"))
	assert.True(t, resources.Subscribable("items://42"))
	assert.False(t, resources.Subscribable("nope://x"))
}

func TestPromptsGet(t *testing.T) {
	commands := []host.Command{{
		ID: "docs:serve",
		Prompts: []host.Prompt{
			{
				Name:        "review",
				Description: "Review a change",
				Arguments:   []host.PromptArgument{{Name: "ref", Required: true}},
				Handler: func(_ context.Context, args map[string]string) (string, error) {
					return "review " + args["ref"], nil
				},
			},
			{
				Name:        "plain",
				Description: "A handlerless prompt",
				Arguments:   []host.PromptArgument{{Name: "hint"}},
			},
		},
		Runner: echoRunner(),
	}}

	_, prompts := catalog.Collect(context.Background(), commands, quiet())
	ctx := context.Background()

	result, err := prompts.Get(ctx, protocol.GetPromptParams{
		Name:      "review",
		Arguments: map[string]string{"ref": "main"},
	})
	require.NoError(t, err)
	require.Len(t, result.Messages, 1)
	assert.Equal(t, "user", result.Messages[0].Role)
	assert.Equal(t, "review main", result.Messages[0].Content.Text)

	_, err = prompts.Get(ctx, protocol.GetPromptParams{Name: "review"})
	var rpcErr protocol.Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, protocol.CodeInvalidParams, rpcErr.Code)

	result, err = prompts.Get(ctx, protocol.GetPromptParams{
		Name:      "plain",
		Arguments: map[string]string{"hint": "short"},
	})
	require.NoError(t, err)
	assert.Contains(t, result.Messages[0].Content.Text, "A handlerless prompt")
	assert.Contains(t, result.Messages[0].Content.Text, "hint: short")

	_, err = prompts.Get(ctx, protocol.GetPromptParams{Name: "missing"})
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, protocol.CodePromptNotFound, rpcErr.Code)
}
