package engine

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Func is a host-supplied function callable from call_function actions and
// template mappings. Functions receive the live context and positional args.
type Func func(ctx map[string]interface{}, args []interface{}) (interface{}, error)

// Registry is the in-process name -> function table shared by the action
// dispatcher and the template processor. Registration happens at startup;
// lookups are concurrent.
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]Func
}

// NewRegistry returns a registry pre-loaded with the built-in functions.
func NewRegistry() *Registry {
	r := &Registry{funcs: map[string]Func{}}
	r.Register("format_date", fnFormatDate)
	r.Register("current_timestamp", fnCurrentTimestamp)
	r.Register("current_date", fnCurrentDate)
	r.Register("array_first", fnArrayFirst)
	r.Register("array_length", fnArrayLength)
	r.Register("join", fnJoin)
	r.Register("cart_item_lines", fnCartItemLines)
	return r
}

// Register adds or replaces a function.
func (r *Registry) Register(name string, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.funcs[name] = fn
}

// Call invokes a registered function by name.
func (r *Registry) Call(name string, ctx map[string]interface{}, args []interface{}) (interface{}, error) {
	r.mu.RLock()
	fn, ok := r.funcs[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("function %q not registered", name)
	}
	return fn(ctx, args)
}

// strftime tokens rules are authored with, mapped to Go reference layouts.
var strftimeTokens = strings.NewReplacer(
	"%Y", "2006",
	"%y", "06",
	"%m", "01",
	"%d", "02",
	"%H", "15",
	"%M", "04",
	"%S", "05",
	"%B", "January",
	"%b", "Jan",
)

// fnFormatDate reformats a date string. Accepts ISO dates and RFC3339
// timestamps; the optional second arg is a strftime pattern (default
// %d/%m/%Y).
func fnFormatDate(_ map[string]interface{}, args []interface{}) (interface{}, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("format_date: date argument required")
	}
	raw, ok := args[0].(string)
	if !ok {
		return nil, fmt.Errorf("format_date: date must be a string")
	}
	pattern := "%d/%m/%Y"
	if len(args) > 1 {
		if p, ok := args[1].(string); ok && p != "" {
			pattern = p
		}
	}
	var parsed time.Time
	var err error
	for _, layout := range []string{time.RFC3339, "2006-01-02", "2006-01-02 15:04:05"} {
		parsed, err = time.Parse(layout, raw)
		if err == nil {
			break
		}
	}
	if err != nil {
		return nil, fmt.Errorf("format_date: unparseable date %q", raw)
	}
	return parsed.Format(strftimeTokens.Replace(pattern)), nil
}

func fnCurrentTimestamp(_ map[string]interface{}, _ []interface{}) (interface{}, error) {
	return time.Now().UTC().Format(time.RFC3339), nil
}

func fnCurrentDate(_ map[string]interface{}, _ []interface{}) (interface{}, error) {
	return time.Now().UTC().Format("02/01/2006"), nil
}

func fnArrayFirst(_ map[string]interface{}, args []interface{}) (interface{}, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("array_first: list argument required")
	}
	list, ok := args[0].([]interface{})
	if !ok || len(list) == 0 {
		return nil, nil
	}
	return list[0], nil
}

func fnArrayLength(_ map[string]interface{}, args []interface{}) (interface{}, error) {
	if len(args) == 0 {
		return 0, nil
	}
	if list, ok := args[0].([]interface{}); ok {
		return len(list), nil
	}
	return 0, nil
}

func fnJoin(_ map[string]interface{}, args []interface{}) (interface{}, error) {
	if len(args) == 0 {
		return "", nil
	}
	sep := ", "
	if len(args) > 1 {
		if s, ok := args[1].(string); ok {
			sep = s
		}
	}
	list, ok := args[0].([]interface{})
	if !ok {
		return "", nil
	}
	parts := make([]string, 0, len(list))
	for _, elem := range list {
		parts = append(parts, formatValue(elem))
	}
	return strings.Join(parts, sep), nil
}

// fnCartItemLines walks cart.items and produces one formatted line per item,
// used by expired-deadline and order-summary messages.
func fnCartItemLines(ctx map[string]interface{}, _ []interface{}) (interface{}, error) {
	raw, _ := Lookup(ctx, "cart.items")
	items, ok := raw.([]interface{})
	if !ok || len(items) == 0 {
		return "", nil
	}
	lines := make([]string, 0, len(items))
	for _, elem := range items {
		item, ok := elem.(map[string]interface{})
		if !ok {
			continue
		}
		name := formatValue(item["name"])
		if name == "" {
			name = formatValue(item["product_code"])
		}
		line := "- " + name
		if session, ok := item["session"].(string); ok && session != "" {
			line += " (" + session + ")"
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n"), nil
}
