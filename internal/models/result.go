package models

// Message is one display or acknowledgment prompt emitted during an
// invocation. Content is either a rendered string or the structured payload of
// a JSON template.
type Message struct {
	Type        string      `json:"type"`
	Title       string      `json:"title,omitempty"`
	Content     interface{} `json:"content"`
	MessageType string      `json:"message_type,omitempty"`
	TemplateID  int64       `json:"template_id,omitempty"`
	DisplayType string      `json:"display_type,omitempty"`
	Dismissible bool        `json:"dismissible,omitempty"`
	AckKey      string      `json:"ackKey,omitempty"`
	Required    bool        `json:"required,omitempty"`
	RuleCode    string      `json:"ruleCode,omitempty"`
}

// PreferencePrompt asks the caller to collect a user preference. The answer is
// persisted by the checkout collaborator, not by the engine.
type PreferencePrompt struct {
	PreferenceKey string        `json:"preferenceKey"`
	Title         string        `json:"title,omitempty"`
	Content       interface{}   `json:"content,omitempty"`
	InputType     string        `json:"inputType,omitempty"`
	Options       []interface{} `json:"options,omitempty"`
	Default       interface{}   `json:"default,omitempty"`
	Placeholder   string        `json:"placeholder,omitempty"`
	DisplayMode   string        `json:"displayMode,omitempty"`
	Blocking      bool          `json:"blocking"`
	Required      bool          `json:"required"`
	TemplateID    int64         `json:"template_id,omitempty"`
	RuleCode      string        `json:"ruleCode,omitempty"`
}

// RequiredAcknowledgment names a confirmation the user must supply before the
// invocation's entry point can proceed.
type RequiredAcknowledgment struct {
	AckKey       string `json:"ackKey"`
	TemplateName string `json:"templateName,omitempty"`
	RuleCode     string `json:"ruleCode"`
	Required     bool   `json:"required"`
}

// ActionResult is the uniform per-action outcome: {type, success, ...payload}.
type ActionResult map[string]interface{}

// ExecutedRule summarises one matched rule in the result bundle.
type ExecutedRule struct {
	RuleCode string         `json:"rule_code"`
	Name     string         `json:"name,omitempty"`
	Priority int            `json:"priority"`
	Actions  []ActionResult `json:"actions"`
}

// SchemaIssue is one failing JSON path with a human message.
type SchemaIssue struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// SchemaValidationError reports that a rule's context failed schema validation
// and was skipped.
type SchemaValidationError struct {
	RuleCode   string        `json:"rule_code"`
	SchemaCode string        `json:"schema_code"`
	Issues     []SchemaIssue `json:"issues"`
}

// EvalResult is the bundle a single entry-point invocation returns.
type EvalResult struct {
	Success                  bool                     `json:"success"`
	Blocked                  bool                     `json:"blocked"`
	Proceed                  bool                     `json:"proceed"`
	Error                    string                   `json:"error,omitempty"`
	Messages                 []Message                `json:"messages"`
	RulesEvaluated           int                      `json:"rules_evaluated"`
	RulesExecuted            []ExecutedRule           `json:"rules_executed"`
	PreferencePrompts        []PreferencePrompt       `json:"preference_prompts"`
	RequiredAcknowledgments  []RequiredAcknowledgment `json:"required_acknowledgments"`
	SatisfiedAcknowledgments []string                 `json:"satisfied_acknowledgments"`
	ContextUpdates           map[string]interface{}   `json:"context_updates"`
	Updates                  map[string]interface{}   `json:"updates"`
	ExecutionTimeMS          float64                  `json:"execution_time_ms"`
	EntryPoint               EntryPoint               `json:"entry_point"`
	SchemaValidationErrors   []SchemaValidationError  `json:"schema_validation_errors,omitempty"`
	Context                  map[string]interface{}   `json:"context,omitempty"`
}

// NewEvalResult returns a bundle with every collection initialised so callers
// never see null where the contract promises a list or map.
func NewEvalResult(ep EntryPoint) *EvalResult {
	return &EvalResult{
		Success:                  true,
		Proceed:                  true,
		Messages:                 []Message{},
		RulesExecuted:            []ExecutedRule{},
		PreferencePrompts:        []PreferencePrompt{},
		RequiredAcknowledgments:  []RequiredAcknowledgment{},
		SatisfiedAcknowledgments: []string{},
		ContextUpdates:           map[string]interface{}{},
		Updates:                  map[string]interface{}{},
		EntryPoint:               ep,
	}
}
