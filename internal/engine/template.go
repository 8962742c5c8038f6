package engine

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

var placeholderRe = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.]+)\s*\}\}`)

// Processor resolves {{name}} placeholders in template text from a mapping,
// the runtime context and the function registry. Resolution failures never
// fail a request: the placeholder is left in place and the failure is logged.
type Processor struct {
	registry *Registry
	log      zerolog.Logger
}

// NewProcessor returns a processor backed by the given registry.
func NewProcessor(registry *Registry, log zerolog.Logger) *Processor {
	return &Processor{
		registry: registry,
		log:      log.With().Str("component", "template").Logger(),
	}
}

// Process resolves placeholders in content and title.
func (p *Processor) Process(content, title string, mapping map[string]interface{}, ctx map[string]interface{}) (string, string) {
	return p.expand(content, mapping, ctx), p.expand(title, mapping, ctx)
}

func (p *Processor) expand(text string, mapping map[string]interface{}, ctx map[string]interface{}) string {
	if text == "" || !strings.Contains(text, "{{") {
		return text
	}
	return placeholderRe.ReplaceAllStringFunc(text, func(match string) string {
		name := placeholderRe.FindStringSubmatch(match)[1]
		val, ok := p.resolve(name, mapping, ctx)
		if !ok {
			return match
		}
		return formatValue(val)
	})
}

// resolve applies the resolution priority: mapping entry, direct context key,
// underscore-to-dot path fallback, then the date/timestamp built-ins.
func (p *Processor) resolve(name string, mapping map[string]interface{}, ctx map[string]interface{}) (val interface{}, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Warn().Str("placeholder", name).Interface("panic", r).Msg("placeholder resolution panicked")
			val, ok = nil, false
		}
	}()

	if mapping != nil {
		if entry, present := mapping[name]; present {
			resolved, err := p.resolveMapping(entry, ctx)
			if err != nil {
				p.log.Warn().Str("placeholder", name).Err(err).Msg("mapping resolution failed")
				return nil, false
			}
			return resolved, true
		}
	}

	if v, present := ctx[name]; present {
		return v, true
	}

	if v, found := Lookup(ctx, strings.ReplaceAll(name, "_", ".")); found {
		return v, true
	}

	switch name {
	case "current_date":
		return time.Now().UTC().Format("02/01/2006"), true
	case "current_timestamp":
		return time.Now().UTC().Format(time.RFC3339), true
	}
	return nil, false
}

// resolveMapping evaluates one mapping entry. A plain value is a literal; a
// tagged object selects static, context, function, expression or filter
// resolution.
func (p *Processor) resolveMapping(entry interface{}, ctx map[string]interface{}) (interface{}, error) {
	tagged, ok := entry.(map[string]interface{})
	if !ok {
		return entry, nil
	}
	rawKind, hasType := tagged["type"]
	if !hasType {
		// untagged objects are literals
		return tagged, nil
	}
	kind, _ := rawKind.(string)
	switch kind {
	case "static":
		return tagged["value"], nil
	case "context":
		path, _ := tagged["path"].(string)
		val, _ := Lookup(ctx, path)
		return val, nil
	case "function":
		name, _ := tagged["function"].(string)
		rawArgs, _ := tagged["args"].([]interface{})
		args := make([]interface{}, len(rawArgs))
		for i, arg := range rawArgs {
			args[i] = resolveArg(arg, ctx)
		}
		return p.registry.Call(name, ctx, args)
	case "expression":
		name, _ := tagged["expression"].(string)
		return p.registry.Call(name, ctx, nil)
	case "filter":
		return p.resolveFilter(tagged, ctx)
	default:
		return nil, fmt.Errorf("unknown mapping type %q", kind)
	}
}

// resolveFilter scans a source list, keeps items matching the condition and
// extracts a field from the first match.
func (p *Processor) resolveFilter(tagged map[string]interface{}, ctx map[string]interface{}) (interface{}, error) {
	sourcePath, _ := tagged["source"].(string)
	raw, _ := Lookup(ctx, sourcePath)
	list, ok := raw.([]interface{})
	if !ok {
		return nil, fmt.Errorf("filter source %q is not a list", sourcePath)
	}
	cond, _ := tagged["condition"].(map[string]interface{})
	extract, _ := tagged["extract"].(string)

	for _, elem := range list {
		item, ok := elem.(map[string]interface{})
		if !ok {
			continue
		}
		if matchesFilter(item, cond) {
			if extract == "" {
				return item, nil
			}
			val, _ := Lookup(item, extract)
			return val, nil
		}
	}
	return nil, fmt.Errorf("filter on %q matched nothing", sourcePath)
}

// matchesFilter checks every field matcher: {in: [...]}, {eq: v} or direct
// equality.
func matchesFilter(item, cond map[string]interface{}) bool {
	for field, matcher := range cond {
		actual, _ := Lookup(item, field)
		switch m := matcher.(type) {
		case map[string]interface{}:
			if wanted, ok := m["in"].([]interface{}); ok {
				if !contains(actual, wanted) {
					return false
				}
				continue
			}
			if wanted, ok := m["eq"]; ok {
				if !looseEqual(actual, wanted) {
					return false
				}
				continue
			}
			return false
		default:
			if !looseEqual(actual, matcher) {
				return false
			}
		}
	}
	return true
}

// resolveArg resolves a single function argument: "$path" strings are looked
// up in the context, everything else passes through literally.
func resolveArg(arg interface{}, ctx map[string]interface{}) interface{} {
	if s, ok := arg.(string); ok && strings.HasPrefix(s, "$") {
		val, _ := Lookup(ctx, strings.TrimPrefix(s, "$"))
		return val
	}
	return arg
}

// formatValue renders a resolved value for interpolation into template text.
func formatValue(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}
