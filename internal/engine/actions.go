package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/acumenpress/commerce/internal/models"
)

// TemplateSource resolves templateId references in actions.
type TemplateSource interface {
	TemplateByID(ctx context.Context, id int64) (models.MessageTemplate, error)
}

// Dispatcher executes a rule's action list in order. A failing action never
// aborts the rule: each result records success or failure individually.
// Mutations to the runtime context are visible to subsequent actions and to
// subsequent rules in the same invocation.
type Dispatcher struct {
	templates TemplateSource
	processor *Processor
	registry  *Registry
	log       zerolog.Logger
}

// NewDispatcher wires a dispatcher.
func NewDispatcher(templates TemplateSource, processor *Processor, registry *Registry, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		templates: templates,
		processor: processor,
		registry:  registry,
		log:       log.With().Str("component", "dispatcher").Logger(),
	}
}

// Dispatch runs every action of a matched rule, collecting emitted messages,
// prompts and updates into the result bundle.
func (d *Dispatcher) Dispatch(ctx context.Context, rule *models.Rule, runtime map[string]interface{}, bundle *models.EvalResult) []models.ActionResult {
	results := make([]models.ActionResult, 0, len(rule.Actions))
	for _, action := range rule.Actions {
		var res models.ActionResult
		switch action.Type {
		case models.ActionDisplayMessage:
			res = d.displayMessage(ctx, rule, action, runtime, bundle)
		case models.ActionUserAcknowledge:
			res = d.userAcknowledge(ctx, rule, action, runtime, bundle)
		case models.ActionUserPreference:
			res = d.userPreference(ctx, rule, action, runtime, bundle)
		case models.ActionUpdate:
			res = d.update(action, runtime, bundle)
		case models.ActionCallFunction:
			res = d.callFunction(action, runtime, bundle)
		default:
			res = failure(action.Type, fmt.Errorf("unknown action type %q", action.Type))
		}
		results = append(results, res)
	}
	return results
}

func failure(actionType string, err error) models.ActionResult {
	return models.ActionResult{
		"type":    actionType,
		"success": false,
		"error":   err.Error(),
	}
}

// renderTemplate loads a template and resolves its placeholders against the
// runtime context. The returned content is the structured JSON payload when
// the template carries one, the processed plain content otherwise.
func (d *Dispatcher) renderTemplate(ctx context.Context, id int64, runtime map[string]interface{}) (models.MessageTemplate, interface{}, string, error) {
	tmpl, err := d.templates.TemplateByID(ctx, id)
	if err != nil {
		return models.MessageTemplate{}, nil, "", fmt.Errorf("template %d: %w", id, err)
	}
	mapping := mappingFromVariables(tmpl.Variables)

	if len(tmpl.JSONContent) > 0 {
		var payload interface{}
		if err := json.Unmarshal(tmpl.JSONContent, &payload); err != nil {
			return tmpl, nil, "", fmt.Errorf("template %d: invalid json_content: %w", id, err)
		}
		payload = d.expandJSON(payload, mapping, runtime)
		_, title := d.processor.Process("", tmpl.Title, mapping, runtime)
		return tmpl, payload, title, nil
	}

	content, title := d.processor.Process(tmpl.Content, tmpl.Title, mapping, runtime)
	return tmpl, content, title, nil
}

// expandJSON walks a decoded JSON payload and resolves placeholders in every
// string leaf.
func (d *Dispatcher) expandJSON(node interface{}, mapping map[string]interface{}, runtime map[string]interface{}) interface{} {
	switch t := node.(type) {
	case string:
		return d.processor.expand(t, mapping, runtime)
	case []interface{}:
		for i, elem := range t {
			t[i] = d.expandJSON(elem, mapping, runtime)
		}
		return t
	case map[string]interface{}:
		for k, v := range t {
			t[k] = d.expandJSON(v, mapping, runtime)
		}
		return t
	default:
		return node
	}
}

func mappingFromVariables(variables []map[string]interface{}) map[string]interface{} {
	if len(variables) == 0 {
		return nil
	}
	mapping := make(map[string]interface{}, len(variables))
	for _, v := range variables {
		name, _ := v["name"].(string)
		if name == "" {
			continue
		}
		mapping[name] = v
	}
	return mapping
}

func (d *Dispatcher) displayMessage(ctx context.Context, rule *models.Rule, action models.Action, runtime map[string]interface{}, bundle *models.EvalResult) models.ActionResult {
	tmpl, content, title, err := d.renderTemplate(ctx, action.TemplateID, runtime)
	if err != nil {
		return failure(action.Type, err)
	}
	messageType := action.MessageType
	if messageType == "" {
		messageType = tmpl.MessageType
	}
	bundle.Messages = append(bundle.Messages, models.Message{
		Type:        "display",
		Title:       title,
		Content:     content,
		MessageType: messageType,
		TemplateID:  tmpl.ID,
		DisplayType: action.DisplayType,
		Dismissible: tmpl.Dismissible,
		RuleCode:    rule.RuleCode,
	})
	return models.ActionResult{
		"type":        action.Type,
		"success":     true,
		"template_id": tmpl.ID,
	}
}

// ackSatisfied reports whether context.acknowledgments carries a confirming
// entry for the key. The entry may be a bare bool or a map with an
// "acknowledged" flag.
func ackSatisfied(runtime map[string]interface{}, key string) bool {
	entry, ok := Lookup(runtime, "acknowledgments."+key)
	if !ok {
		return false
	}
	switch t := entry.(type) {
	case bool:
		return t
	case map[string]interface{}:
		return truthy(t["acknowledged"])
	}
	return truthy(entry)
}

func (d *Dispatcher) userAcknowledge(ctx context.Context, rule *models.Rule, action models.Action, runtime map[string]interface{}, bundle *models.EvalResult) models.ActionResult {
	if ackSatisfied(runtime, action.AckKey) {
		bundle.SatisfiedAcknowledgments = append(bundle.SatisfiedAcknowledgments, action.AckKey)
		return models.ActionResult{
			"type":      action.Type,
			"success":   true,
			"ackKey":    action.AckKey,
			"satisfied": true,
		}
	}

	tmpl, content, title, err := d.renderTemplate(ctx, action.TemplateID, runtime)
	if err != nil {
		return failure(action.Type, err)
	}

	if action.Required {
		bundle.Blocked = true
		bundle.RequiredAcknowledgments = append(bundle.RequiredAcknowledgments, models.RequiredAcknowledgment{
			AckKey:       action.AckKey,
			TemplateName: tmpl.Name,
			RuleCode:     rule.RuleCode,
			Required:     true,
		})
		bundle.Messages = append(bundle.Messages, models.Message{
			Type:        "acknowledge",
			Title:       title,
			Content:     content,
			MessageType: tmpl.MessageType,
			TemplateID:  tmpl.ID,
			DisplayType: action.DisplayType,
			Dismissible: tmpl.Dismissible,
			AckKey:      action.AckKey,
			Required:    true,
			RuleCode:    rule.RuleCode,
		})
		return models.ActionResult{
			"type":     action.Type,
			"success":  true,
			"ackKey":   action.AckKey,
			"required": true,
			"blocked":  true,
		}
	}

	// optional and unresolved: offer it as a non-blocking prompt
	bundle.PreferencePrompts = append(bundle.PreferencePrompts, models.PreferencePrompt{
		PreferenceKey: action.AckKey,
		Title:         title,
		Content:       content,
		InputType:     "checkbox",
		Blocking:      false,
		Required:      false,
		TemplateID:    tmpl.ID,
		RuleCode:      rule.RuleCode,
	})
	return models.ActionResult{
		"type":     action.Type,
		"success":  true,
		"ackKey":   action.AckKey,
		"required": false,
	}
}

func (d *Dispatcher) userPreference(ctx context.Context, rule *models.Rule, action models.Action, runtime map[string]interface{}, bundle *models.EvalResult) models.ActionResult {
	prompt := models.PreferencePrompt{
		PreferenceKey: action.PreferenceKey,
		InputType:     action.InputType,
		Options:       action.Options,
		Default:       action.Default,
		Placeholder:   action.Placeholder,
		DisplayMode:   action.DisplayType,
		Blocking:      action.Blocking,
		Required:      action.Required,
		RuleCode:      rule.RuleCode,
	}
	if action.TemplateID != 0 {
		tmpl, content, title, err := d.renderTemplate(ctx, action.TemplateID, runtime)
		if err != nil {
			return failure(action.Type, err)
		}
		prompt.Title = title
		prompt.Content = content
		prompt.TemplateID = tmpl.ID
	}
	bundle.PreferencePrompts = append(bundle.PreferencePrompts, prompt)
	return models.ActionResult{
		"type":          action.Type,
		"success":       true,
		"preferenceKey": action.PreferenceKey,
	}
}

func (d *Dispatcher) update(action models.Action, runtime map[string]interface{}, bundle *models.EvalResult) models.ActionResult {
	if action.Target == "" {
		return failure(action.Type, fmt.Errorf("update: target required"))
	}

	switch action.Operation {
	case "add_fee", "remove_fee":
		if action.Target != "cart.fees" {
			return failure(action.Type, fmt.Errorf("update: %s requires target cart.fees", action.Operation))
		}
		fees, err := applyFee(runtime, action.Operation, action.Value)
		if err != nil {
			return failure(action.Type, err)
		}
		bundle.ContextUpdates["cart.fees"] = fees
		bundle.Updates["cart_fees"] = fees
		return models.ActionResult{
			"type":      action.Type,
			"success":   true,
			"target":    action.Target,
			"operation": action.Operation,
			"new_value": fees,
		}

	case "set":
		Set(runtime, action.Target, action.Value)
		bundle.ContextUpdates[action.Target] = action.Value
		if action.Target == "cart.fees" || strings.HasPrefix(action.Target, "cart.fees.") {
			if fees, ok := Lookup(runtime, "cart.fees"); ok {
				bundle.Updates["cart_fees"] = fees
			}
		}
		return models.ActionResult{
			"type":      action.Type,
			"success":   true,
			"target":    action.Target,
			"operation": "set",
			"new_value": action.Value,
		}

	case "increment":
		delta, ok := toNumber(action.Value)
		if !ok {
			return failure(action.Type, fmt.Errorf("update: increment value %v is not numeric", action.Value))
		}
		updated := Increment(runtime, action.Target, delta)
		bundle.ContextUpdates[action.Target] = updated
		return models.ActionResult{
			"type":      action.Type,
			"success":   true,
			"target":    action.Target,
			"operation": "increment",
			"new_value": updated,
		}

	default:
		return failure(action.Type, fmt.Errorf("update: unknown operation %q", action.Operation))
	}
}

// applyFee adds or removes a fee on cart.fees. Adding a fee whose fee_type is
// already present replaces its amount and metadata, so the action is
// idempotent. The returned list is always freshly allocated: earlier action
// results and audit records hold slice headers over the previous list, which
// must stay intact.
func applyFee(runtime map[string]interface{}, operation string, value interface{}) ([]interface{}, error) {
	var existing []interface{}
	if cur, ok := Lookup(runtime, "cart.fees"); ok {
		if list, ok := cur.([]interface{}); ok {
			existing = list
		}
	}

	fees := make([]interface{}, 0, len(existing)+1)

	switch operation {
	case "add_fee":
		fee, ok := value.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("add_fee: value must be an object")
		}
		feeType, _ := fee["fee_type"].(string)
		if feeType == "" {
			return nil, fmt.Errorf("add_fee: fee_type required")
		}
		replaced := false
		for _, entry := range existing {
			if m, ok := entry.(map[string]interface{}); ok && m["fee_type"] == feeType {
				fees = append(fees, fee)
				replaced = true
				continue
			}
			fees = append(fees, entry)
		}
		if !replaced {
			fees = append(fees, fee)
		}

	case "remove_fee":
		feeType, _ := value.(string)
		if feeType == "" {
			if m, ok := value.(map[string]interface{}); ok {
				feeType, _ = m["fee_type"].(string)
			}
		}
		if feeType == "" {
			return nil, fmt.Errorf("remove_fee: fee_type required")
		}
		for _, entry := range existing {
			if m, ok := entry.(map[string]interface{}); ok && m["fee_type"] == feeType {
				continue
			}
			fees = append(fees, entry)
		}
	}

	Set(runtime, "cart.fees", fees)
	return fees, nil
}

func (d *Dispatcher) callFunction(action models.Action, runtime map[string]interface{}, bundle *models.EvalResult) models.ActionResult {
	if action.Function == "" {
		return failure(action.Type, fmt.Errorf("call_function: function required"))
	}
	args := make([]interface{}, len(action.Args))
	for i, arg := range action.Args {
		if ref, ok := arg.(map[string]interface{}); ok {
			if path, ok := ref["var"].(string); ok {
				args[i], _ = Lookup(runtime, path)
				continue
			}
		}
		args[i] = arg
	}

	result, err := d.registry.Call(action.Function, runtime, args)
	if err != nil {
		return failure(action.Type, err)
	}
	if action.StoreResultIn != "" {
		Set(runtime, action.StoreResultIn, result)
		bundle.ContextUpdates[action.StoreResultIn] = result
	}
	return models.ActionResult{
		"type":     action.Type,
		"success":  true,
		"function": action.Function,
		"result":   result,
	}
}
