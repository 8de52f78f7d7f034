// Package uritemplate implements bidirectional matching between resource
// URIs and "{param}" templates. Matching is segment-wise on "/"; a parameter
// in the final template position greedily consumes the remaining URI
// segments, which lets templates like "files://{path}" address nested paths.
package uritemplate

import (
	"net/url"
	"strings"
)

// Match resolves uri against template and returns the extracted parameter
// values, percent-decoded. It returns ok=false when the URI does not fit the
// template.
func Match(uri, template string) (map[string]string, bool) {
	uriSegs := strings.Split(uri, "/")
	tplSegs := strings.Split(template, "/")

	params := make(map[string]string)

	for i, tpl := range tplSegs {
		name, isParam := paramName(tpl)

		last := i == len(tplSegs)-1
		if last && isParam {
			// The final parameter greedily consumes every remaining segment.
			if i >= len(uriSegs) {
				return nil, false
			}
			rest := make([]string, 0, len(uriSegs)-i)
			for _, seg := range uriSegs[i:] {
				rest = append(rest, decodeSegment(seg))
			}
			params[name] = strings.Join(rest, "/")
			return params, true
		}

		if i >= len(uriSegs) {
			return nil, false
		}
		if isParam {
			params[name] = decodeSegment(uriSegs[i])
			continue
		}
		if tpl != uriSegs[i] {
			return nil, false
		}
	}

	// Every template segment consumed; leftover URI segments mean no match.
	if len(uriSegs) != len(tplSegs) {
		return nil, false
	}
	return params, true
}

// Resolve substitutes params into template, percent-encoding each value.
// Parameters missing from params leave their placeholder untouched so
// partially resolved templates stay inspectable.
func Resolve(template string, params map[string]string) string {
	resolved := template
	for name, value := range params {
		resolved = strings.ReplaceAll(resolved, "{"+name+"}", url.PathEscape(value))
	}
	return resolved
}

// Names returns the parameter names of template in order of appearance.
func Names(template string) []string {
	var names []string
	for _, seg := range strings.Split(template, "/") {
		if name, ok := paramName(seg); ok {
			names = append(names, name)
		}
	}
	return names
}

func paramName(segment string) (string, bool) {
	if len(segment) > 2 && strings.HasPrefix(segment, "{") && strings.HasSuffix(segment, "}") {
		return segment[1 : len(segment)-1], true
	}
	return "", false
}

func decodeSegment(segment string) string {
	decoded, err := url.PathUnescape(segment)
	if err != nil {
		return segment
	}
	return decoded
}
