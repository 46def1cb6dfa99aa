// Package cmdline round-trips a user command line into a canonical template
// plus a configuration mapping. The mapping feeds identity hashing; the
// template formats branched commands with overridden values.
package cmdline

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ErrPositionalBranch reports an attempt to introduce positional arguments
// when reparsing an already parsed command line.
var ErrPositionalBranch = errors.New("cannot branch using positional arguments")

// Parser accumulates the template across parses. The first parse learns the
// command shape; subsequent parses (used when branching) may only change
// option values.
type Parser struct {
	template []string
	// keys are the keys of the last parse, in parse order.
	keys []string
	// known accumulates every key the template has learned; an override
	// parse resets config and keys but never known.
	known     map[string]bool
	config    map[string]any
	preparsed bool
}

// New returns an empty Parser.
func New() *Parser {
	return &Parser{known: map[string]bool{}, config: map[string]any{}}
}

// Template returns the canonical template tokens.
func (p *Parser) Template() []string {
	return append([]string(nil), p.template...)
}

// Configuration returns the parsed mapping in key order.
func (p *Parser) Configuration() map[string]any {
	out := make(map[string]any, len(p.config))
	for k, v := range p.config {
		out[k] = v
	}
	return out
}

// Keys returns the configuration keys in parse order.
func (p *Parser) Keys() []string {
	return append([]string(nil), p.keys...)
}

// Parse splits commandline into the configuration mapping and extends the
// template. Arguments containing "=" are split; "-"-prefixed tokens open an
// option; values accumulate under the open option; anything before the first
// option is positional and keyed "_pos_<n>". An option with no value becomes
// the boolean true; an option with exactly one value is unwrapped from its
// list.
func (p *Parser) Parse(commandline []string) (map[string]any, error) {
	if len(commandline) == 0 {
		return map[string]any{}, nil
	}

	var args []string
	for _, arg := range commandline {
		if strings.Contains(arg, "=") {
			args = append(args, strings.Split(arg, "=")...)
		} else {
			args = append(args, arg)
		}
	}

	positional := 0
	current := ""
	p.config = map[string]any{}
	p.keys = nil
	for _, arg := range args {
		switch {
		case strings.HasPrefix(arg, "-"):
			current = strings.TrimLeft(arg, "-")
			p.setKey(current, []string{})
			if !p.hasToken(arg) {
				p.template = append(p.template, arg)
			}
		case current != "":
			values := p.config[current].([]string)
			pos := len(values)
			item := "{" + current + "}"
			prev := fmt.Sprintf("{%s[%d]}", current, pos-1)
			token := fmt.Sprintf("{%s[%d]}", current, pos)
			switch {
			case pos == 0 && p.hasToken(item):
				p.replaceToken(item, token)
			case pos > 0 && p.hasToken(prev):
				p.insertAfter(prev, token)
			default:
				p.template = append(p.template, token)
			}
			p.config[current] = append(values, arg)
		case p.preparsed:
			return nil, ErrPositionalBranch
		default:
			key := fmt.Sprintf("_pos_%d", positional)
			positional++
			p.setKey(key, arg)
			p.template = append(p.template, "{"+key+"}")
		}
	}

	for _, key := range p.keys {
		values, ok := p.config[key].([]string)
		if !ok {
			continue
		}
		switch len(values) {
		case 0:
			p.config[key] = true
		case 1:
			p.config[key] = values[0]
			p.replaceToken("{"+key+"[0]}", "{"+key+"}")
		default:
			p.config[key] = toAnySlice(values)
		}
	}

	p.preparsed = true
	return p.Configuration(), nil
}

// Format renders configuration through the template back into an argv.
// Overridden keys absent from the template are appended as "--key value"
// pairs in sorted key order; positional keys cannot be introduced this way.
func (p *Parser) Format(configuration map[string]any) ([]string, error) {
	var out []string
	for _, token := range p.template {
		if !strings.HasPrefix(token, "{") {
			out = append(out, token)
			continue
		}
		key, index := parseToken(token)
		value, ok := configuration[key]
		if !ok {
			return nil, fmt.Errorf("configuration is missing key %q", key)
		}
		if index >= 0 {
			list, ok := value.([]any)
			if !ok || index >= len(list) {
				return nil, fmt.Errorf("configuration key %q has no element %d", key, index)
			}
			value = list[index]
		}
		if b, ok := value.(bool); ok && b {
			// Flag promoted to a value-less boolean; the option token
			// preceding this placeholder already carries it.
			continue
		}
		out = append(out, formatValue(value))
	}

	var extra []string
	for key := range configuration {
		if p.hasKey(key) {
			continue
		}
		if strings.HasPrefix(key, "_pos_") {
			return nil, ErrPositionalBranch
		}
		extra = append(extra, key)
	}
	sort.Strings(extra)
	for _, key := range extra {
		out = append(out, "--"+key)
		switch v := configuration[key].(type) {
		case bool:
			if !v {
				out = out[:len(out)-1]
			}
		case []any:
			for _, item := range v {
				out = append(out, formatValue(item))
			}
		default:
			out = append(out, formatValue(v))
		}
	}
	return out, nil
}

func parseToken(token string) (string, int) {
	inner := strings.TrimSuffix(strings.TrimPrefix(token, "{"), "}")
	open := strings.IndexByte(inner, '[')
	if open < 0 {
		return inner, -1
	}
	index, err := strconv.Atoi(strings.TrimSuffix(inner[open+1:], "]"))
	if err != nil {
		return inner, -1
	}
	return inner[:open], index
}

func formatValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'g', -1, 64)
	default:
		return fmt.Sprintf("%v", t)
	}
}

func (p *Parser) setKey(key string, value any) {
	if _, ok := p.config[key]; !ok {
		p.keys = append(p.keys, key)
	}
	p.known[key] = true
	p.config[key] = value
}

// hasKey reports whether the template knows key, across all parses.
func (p *Parser) hasKey(key string) bool {
	return p.known[key]
}

func (p *Parser) hasToken(token string) bool {
	for _, t := range p.template {
		if t == token {
			return true
		}
	}
	return false
}

func (p *Parser) replaceToken(old, new string) {
	for i, t := range p.template {
		if t == old {
			p.template[i] = new
			return
		}
	}
}

func (p *Parser) insertAfter(after, token string) {
	for i, t := range p.template {
		if t == after {
			p.template = append(p.template[:i+1], append([]string{token}, p.template[i+1:]...)...)
			return
		}
	}
	p.template = append(p.template, token)
}

func toAnySlice(in []string) []any {
	out := make([]any, len(in))
	for i, v := range in {
		out[i] = v
	}
	return out
}
