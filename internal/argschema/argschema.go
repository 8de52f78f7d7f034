// Package argschema translates command descriptors into validation schemas
// and validated inputs back into argument vectors the host CLI accepts.
package argschema

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/google/jsonschema-go/jsonschema"

	"climcp/internal/host"
)

// Kind is the closed set of schema entry types.
type Kind string

const (
	KindBoolean Kind = "boolean"
	KindString  Kind = "string"
	KindEnum    Kind = "enum"
)

// TypeSpec describes the expected type of a single tool input entry.
// Optional plays the role of an OptionalOf wrapper: entries not marked
// optional appear in the schema's required list.
type TypeSpec struct {
	Kind        Kind
	Options     []string
	Optional    bool
	Description string
}

// Build constructs the input schema for a command: one entry per flag
// (boolean, enumerated, or string) and one per positional argument
// (enumerated or string), each optional unless the descriptor requires it.
func Build(cmd host.Command) map[string]TypeSpec {
	schema := make(map[string]TypeSpec, len(cmd.Flags)+len(cmd.Args))

	for _, flag := range cmd.Flags {
		spec := TypeSpec{Kind: KindString, Optional: !flag.Required, Description: flag.Description}
		switch {
		case flag.Type == host.FlagBoolean:
			spec.Kind = KindBoolean
		case len(flag.Options) > 0:
			spec.Kind = KindEnum
			spec.Options = flag.Options
		}
		schema[flag.Name] = spec
	}

	for _, arg := range cmd.Args {
		spec := TypeSpec{Kind: KindString, Optional: !arg.Required, Description: arg.Description}
		if len(arg.Options) > 0 {
			spec.Kind = KindEnum
			spec.Options = arg.Options
		}
		schema[arg.Name] = spec
	}

	return schema
}

// Compiled pairs the wire representation of a command's input schema with a
// resolved validator. It is built once per command at catalog construction.
type Compiled struct {
	// JSON is the object-typed JSON Schema sent to clients in tools/list.
	JSON json.RawMessage

	resolved *jsonschema.Resolved
}

// Compile materializes the command's input schema as a JSON Schema object
// and resolves it for validation.
func Compile(cmd host.Command) (*Compiled, error) {
	specs := Build(cmd)

	names := make([]string, 0, len(specs))
	for name := range specs {
		names = append(names, name)
	}
	sort.Strings(names)

	properties := make(map[string]*jsonschema.Schema, len(specs))
	var required []string
	for _, name := range names {
		spec := specs[name]
		prop := &jsonschema.Schema{Description: spec.Description}
		switch spec.Kind {
		case KindBoolean:
			prop.Type = "boolean"
		case KindEnum:
			prop.Type = "string"
			prop.Enum = make([]any, 0, len(spec.Options))
			for _, opt := range spec.Options {
				prop.Enum = append(prop.Enum, opt)
			}
		default:
			prop.Type = "string"
		}
		properties[name] = prop
		if !spec.Optional {
			required = append(required, name)
		}
	}

	schema := &jsonschema.Schema{
		Type:       "object",
		Properties: properties,
		Required:   required,
	}

	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal input schema for %q: %w", cmd.ID, err)
	}

	resolved, err := schema.Resolve(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve input schema for %q: %w", cmd.ID, err)
	}

	return &Compiled{JSON: raw, resolved: resolved}, nil
}

// Validate checks the tool call arguments against the compiled schema.
// Values are never coerced; any mismatch is returned as an error.
func (c *Compiled) Validate(args map[string]any) error {
	if args == nil {
		args = map[string]any{}
	}
	return c.resolved.Validate(args)
}

// BuildArgv converts validated input into the token sequence the command's
// own argument parser accepts: positional arguments in declaration order as
// bare tokens, then flags as "-c"/"--name" followed by the value, boolean
// flags as a lone token emitted only when true.
func BuildArgv(cmd host.Command, input map[string]any) ([]string, error) {
	var argv []string

	for _, arg := range cmd.Args {
		value, ok := input[arg.Name]
		if !ok {
			if arg.Required {
				return nil, fmt.Errorf("missing required argument %q", arg.Name)
			}
			continue
		}
		argv = append(argv, stringify(value))
	}

	for _, flag := range cmd.Flags {
		value, ok := input[flag.Name]
		if !ok {
			if flag.Required {
				return nil, fmt.Errorf("missing required flag %q", flag.Name)
			}
			continue
		}

		token := "--" + flag.Name
		if flag.Char != "" {
			token = "-" + flag.Char
		}

		if flag.Type == host.FlagBoolean {
			truthy, ok := value.(bool)
			if !ok {
				return nil, fmt.Errorf("flag %q expects a boolean, got %T", flag.Name, value)
			}
			if truthy {
				argv = append(argv, token)
			}
			continue
		}

		argv = append(argv, token, stringify(value))
	}

	return argv, nil
}

func stringify(value any) string {
	if s, ok := value.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", value)
}
