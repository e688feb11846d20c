package expr

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/flexinfer/blueprint-engine/pkg/types"
)

var placeholderRe = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

// Resolver looks up a template reference such as "input.user",
// "classify.output.label" or a bare field name like "result".
type Resolver interface {
	Resolve(ref string) (any, bool)
}

// Refs returns the distinct references in s in order of first appearance.
func Refs(s string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, m := range placeholderRe.FindAllStringSubmatch(s, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			out = append(out, m[1])
		}
	}
	return out
}

// SplitRef splits a reference into its head segment and the remaining path.
func SplitRef(ref string) (head, rest string) {
	head, rest, _ = strings.Cut(ref, ".")
	return head, rest
}

// Render substitutes every resolvable placeholder with its string form.
// Unresolved placeholders are left in place.
func Render(s string, r Resolver) string {
	return placeholderRe.ReplaceAllStringFunc(s, func(m string) string {
		ref := placeholderRe.FindStringSubmatch(m)[1]
		v, ok := r.Resolve(ref)
		if !ok {
			return m
		}
		return Stringify(v)
	})
}

// Value resolves a binding template. A template that is exactly one
// placeholder yields the typed value; anything else renders to a string.
func Value(tmpl string, r Resolver) (any, error) {
	trimmed := strings.TrimSpace(tmpl)
	if loc := placeholderRe.FindStringSubmatchIndex(trimmed); loc != nil && loc[0] == 0 && loc[1] == len(trimmed) {
		ref := trimmed[loc[2]:loc[3]]
		v, ok := r.Resolve(ref)
		if !ok {
			return nil, fmt.Errorf("unresolved reference %q", ref)
		}
		return v, nil
	}
	for _, ref := range Refs(tmpl) {
		if _, ok := r.Resolve(ref); !ok {
			return nil, fmt.Errorf("unresolved reference %q", ref)
		}
	}
	return Render(tmpl, r), nil
}

// Stringify renders v for inclusion in a prompt or rendered expression.
func Stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(raw)
}

// Lookup reads path from v using gjson syntax. An empty path returns v.
func Lookup(v any, path string) (any, bool) {
	if path == "" {
		return v, v != nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, false
	}
	res := gjson.GetBytes(raw, path)
	if !res.Exists() {
		return nil, false
	}
	return res.Value(), true
}

// Bind applies template bindings to a copy of params. Binding keys are sjson
// paths ("user.name", "tags.-1").
func Bind(params map[string]any, bindings map[string]string, r Resolver) (map[string]any, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}
	if params == nil {
		raw = []byte("{}")
	}

	paths := make([]string, 0, len(bindings))
	for p := range bindings {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, p := range paths {
		v, err := Value(bindings[p], r)
		if err != nil {
			return nil, fmt.Errorf("binding %s: %w", p, err)
		}
		raw, err = sjson.SetBytes(raw, p, v)
		if err != nil {
			return nil, fmt.Errorf("binding %s: %w", p, err)
		}
	}

	out := make(map[string]any)
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("unmarshal params: %w", err)
	}
	return out, nil
}

// ContextResolver resolves references against an execution record context.
// Order lists node ids searched for bare names, nearest ancestor first. Tools
// lists the tool ancestors in the same order; a bare "output" reference
// resolves to the first of them that has produced output.
type ContextResolver struct {
	Context map[string]any
	Order   []string
	Tools   []string
}

func (c ContextResolver) Resolve(ref string) (any, bool) {
	head, rest := SplitRef(ref)
	if head == types.InputKey {
		return Lookup(c.Context[types.InputKey], rest)
	}
	if out, ok := c.Context[types.OutputKey(head)]; ok {
		if rest == "output" {
			rest = ""
		} else if strings.HasPrefix(rest, "output.") {
			rest = strings.TrimPrefix(rest, "output.")
		}
		return Lookup(out, rest)
	}
	for _, id := range c.Order {
		out, ok := c.Context[types.OutputKey(id)]
		if !ok {
			continue
		}
		if v, ok := Lookup(out, ref); ok {
			return v, true
		}
	}
	if head == types.ToolOutputRef {
		for _, id := range c.Tools {
			if out, ok := c.Context[types.OutputKey(id)]; ok {
				return Lookup(out, rest)
			}
		}
	}
	return Lookup(c.Context[types.InputKey], ref)
}

// Condition rewrites {{ref}} placeholders in expression to bound identifiers
// and evaluates it as a boolean.
func (e *Evaluator) Condition(expression string, r Resolver) (*types.Evaluation, error) {
	ev := &types.Evaluation{Expression: expression, Rendered: Render(expression, r)}

	env := make(map[string]any)
	idents := make(map[string]string)
	rewritten := placeholderRe.ReplaceAllStringFunc(expression, func(m string) string {
		ref := placeholderRe.FindStringSubmatch(m)[1]
		id, ok := idents[ref]
		if !ok {
			id = "ref" + strconv.Itoa(len(idents))
			idents[ref] = id
			v, _ := r.Resolve(ref)
			env[id] = v
		}
		return id
	})

	result, err := e.EvaluateBool(rewritten, env)
	if err != nil {
		ev.Error = err.Error()
		return ev, err
	}
	ev.Result = result
	return ev, nil
}

// Rewrite returns expression with placeholders replaced by identifiers, for
// compile-time checks.
func Rewrite(expression string) string {
	idents := make(map[string]string)
	return placeholderRe.ReplaceAllStringFunc(expression, func(m string) string {
		ref := placeholderRe.FindStringSubmatch(m)[1]
		id, ok := idents[ref]
		if !ok {
			id = "ref" + strconv.Itoa(len(idents))
			idents[ref] = id
		}
		return id
	})
}
