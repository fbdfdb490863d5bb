// Package transform is the closed library of named, pure value converters
// used by transformation field mappings. A mapping names either a single
// function or an ordered chain; chains short-circuit to nil as soon as a
// step yields nil, and nil is how a mapped field gets omitted.
package transform

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// ErrUnknown is returned when a mapping names a transformation that does not
// exist. The mapping engine surfaces this as a configuration error.
var ErrUnknown = errors.New("unknown transformation")

// Func is a pure converter. Args come from the mapping definition with any
// $context references already expanded by the caller.
type Func func(value any, args map[string]any) (any, error)

// Step is one element of a transformation chain as stored on a field
// mapping: {"name": "truncate", "args": {"length": 128}}.
type Step struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

var registry = map[string]Func{
	"identity":        fnIdentity,
	"uppercase":       fnUppercase,
	"lowercase":       fnLowercase,
	"trim":            fnTrim,
	"toString":        fnToString,
	"toNumber":        fnToNumber,
	"toBool":          fnToBool,
	"formatDate":      fnFormatDate,
	"formatDateShort": fnFormatDateShort,
	"emailToUsername": fnEmailToUsername,
	"replace":         fnReplace,
	"concat":          fnConcat,
	"split":           fnSplit,
	"truncate":        fnTruncate,
	"htmlToText":      fnHTMLToText,
	"textToHtml":      fnTextToHTML,
	"markdownToText":  fnMarkdownToText,
	"extractPathHead": fnExtractPathHead,
	"replacePathHead": fnReplacePathHead,
	"priorityMap":     fnPriorityMap,
}

// Known reports whether name is a registered transformation. Mapping
// validation uses this to flag unknown names without executing anything.
func Known(name string) bool {
	_, ok := registry[name]
	return ok
}

// Names returns all registered transformation names, sorted.
func Names() []string {
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Run executes a single named transformation.
func Run(name string, value any, args map[string]any) (any, error) {
	fn, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("transformation %q: %w", name, ErrUnknown)
	}
	return fn(value, args)
}

// Apply executes a chain in order. A nil input or a nil intermediate result
// short-circuits the chain to nil.
func Apply(value any, steps []Step) (any, error) {
	v := value
	for _, step := range steps {
		if v == nil {
			return nil, nil
		}
		out, err := Run(step.Name, v, step.Args)
		if err != nil {
			return nil, err
		}
		v = out
	}
	return v, nil
}

// ParseSpec decodes a stored transformation payload, which is either a
// single step object or an array of steps.
func ParseSpec(raw []byte) ([]Step, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, nil
	}
	if raw[0] == '[' {
		var steps []Step
		if err := json.Unmarshal(raw, &steps); err != nil {
			return nil, fmt.Errorf("parse transformation chain: %w", err)
		}
		return steps, nil
	}
	var step Step
	if err := json.Unmarshal(raw, &step); err != nil {
		return nil, fmt.Errorf("parse transformation: %w", err)
	}
	return []Step{step}, nil
}
