package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EntryPoint names a hook in the storefront where the rules engine runs.
// The set is closed: adding one is a code change, not a data change.
type EntryPoint string

const (
	EntryHomePageMount    EntryPoint = "home_page_mount"
	EntryProductListMount EntryPoint = "product_list_mount"
	EntryProductView      EntryPoint = "product_view"
	EntryAddToCart        EntryPoint = "add_to_cart"
	EntryCartCalculateVAT EntryPoint = "cart_calculate_vat"
	EntryCheckoutStart    EntryPoint = "checkout_start"
	EntryCheckoutTerms    EntryPoint = "checkout_terms"
	EntryCheckoutPayment  EntryPoint = "checkout_payment"
	EntryOrderComplete    EntryPoint = "order_complete"
	EntryUserRegistration EntryPoint = "user_registration"
)

// EntryPoints lists every known entry point in declaration order.
var EntryPoints = []EntryPoint{
	EntryHomePageMount,
	EntryProductListMount,
	EntryProductView,
	EntryAddToCart,
	EntryCartCalculateVAT,
	EntryCheckoutStart,
	EntryCheckoutTerms,
	EntryCheckoutPayment,
	EntryOrderComplete,
	EntryUserRegistration,
}

// Valid reports whether ep is one of the enumerated entry points.
func (ep EntryPoint) Valid() bool {
	for _, known := range EntryPoints {
		if ep == known {
			return true
		}
	}
	return false
}

// Action kinds the dispatcher honours. The decoder also accepts the deprecated
// aliases show_message, require_acknowledgment and custom_function and rewrites
// them to the canonical names on ingest.
const (
	ActionDisplayMessage  = "display_message"
	ActionUserAcknowledge = "user_acknowledge"
	ActionUserPreference  = "user_preference"
	ActionUpdate          = "update"
	ActionCallFunction    = "call_function"
)

var actionAliases = map[string]string{
	"show_message":           ActionDisplayMessage,
	"require_acknowledgment": ActionUserAcknowledge,
	"custom_function":        ActionCallFunction,
}

// Action is a tagged record; which fields are meaningful depends on Type.
type Action struct {
	Type string `json:"type"`

	// display_message / user_acknowledge / user_preference
	TemplateID  int64  `json:"templateId,omitempty"`
	MessageType string `json:"messageType,omitempty"`
	DisplayType string `json:"display_type,omitempty"`

	// user_acknowledge
	AckKey   string `json:"ackKey,omitempty"`
	Required bool   `json:"required,omitempty"`

	// user_preference
	PreferenceKey string        `json:"preferenceKey,omitempty"`
	InputType     string        `json:"inputType,omitempty"`
	Options       []interface{} `json:"options,omitempty"`
	Default       interface{}   `json:"default,omitempty"`
	Placeholder   string        `json:"placeholder,omitempty"`
	Blocking      bool          `json:"blocking,omitempty"`

	// update
	Target    string      `json:"target,omitempty"`
	Operation string      `json:"operation,omitempty"`
	Value     interface{} `json:"value,omitempty"`

	// call_function
	Function      string        `json:"function,omitempty"`
	Args          []interface{} `json:"args,omitempty"`
	StoreResultIn string        `json:"store_result_in,omitempty"`
}

// UnmarshalJSON decodes an action and normalizes deprecated type aliases.
func (a *Action) UnmarshalJSON(data []byte) error {
	type plain Action
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	if canonical, ok := actionAliases[p.Type]; ok {
		p.Type = canonical
	}
	*a = Action(p)
	return nil
}

// Rule is an authored policy: a condition over the runtime context plus an
// ordered action list, bound to one entry point.
type Rule struct {
	RuleCode       string                 `json:"rule_code"`
	Name           string                 `json:"name"`
	Description    string                 `json:"description,omitempty"`
	EntryPoint     EntryPoint             `json:"entry_point"`
	Priority       int                    `json:"priority"`
	Active         bool                   `json:"active"`
	Version        int                    `json:"version,omitempty"`
	StopProcessing bool                   `json:"stop_processing"`
	SchemaCode     string                 `json:"schema_code,omitempty"`
	Condition      map[string]interface{} `json:"condition"`
	Actions        []Action               `json:"actions"`
	ActiveFrom     *time.Time             `json:"active_from,omitempty"`
	ActiveUntil    *time.Time             `json:"active_until,omitempty"`
	CreatedAt      time.Time              `json:"created_at,omitempty"`
	UpdatedAt      time.Time              `json:"updated_at,omitempty"`
}

// Validate checks the structural invariants a rule must satisfy before it is
// stored or evaluated.
func (r *Rule) Validate() error {
	if r.RuleCode == "" {
		return fmt.Errorf("rule_code required")
	}
	if !r.EntryPoint.Valid() {
		return fmt.Errorf("unknown entry point %q", r.EntryPoint)
	}
	if r.Condition == nil {
		return fmt.Errorf("condition must be a JSON object")
	}
	if r.Actions == nil {
		return fmt.Errorf("actions must be a list")
	}
	for i, act := range r.Actions {
		if act.Type == "" {
			return fmt.Errorf("action %d missing type", i)
		}
	}
	return nil
}

// ActiveAt reports whether the rule is active and inside its time window.
func (r *Rule) ActiveAt(now time.Time) bool {
	if !r.Active {
		return false
	}
	if r.ActiveFrom != nil && now.Before(*r.ActiveFrom) {
		return false
	}
	if r.ActiveUntil != nil && now.After(*r.ActiveUntil) {
		return false
	}
	return true
}

// ContextSchema is a versioned JSON-Schema document rules may reference via
// schema_code to demand well-formed contexts.
type ContextSchema struct {
	SchemaCode string          `json:"schema_code"`
	Version    int             `json:"version"`
	Schema     json.RawMessage `json:"schema"`
	CreatedAt  time.Time       `json:"created_at,omitempty"`
}

// Message template content formats.
const (
	FormatHTML     = "html"
	FormatMarkdown = "markdown"
	FormatJSON     = "json"
)

// MessageTemplate is the stored body of a display_message or acknowledgment
// prompt. The JSON form carries a structured payload the frontend renders with
// its own components.
type MessageTemplate struct {
	ID            int64           `json:"id"`
	Name          string          `json:"name"`
	Title         string          `json:"title"`
	ContentFormat string          `json:"content_format"`
	Content       string          `json:"content"`
	JSONContent   json.RawMessage `json:"json_content,omitempty"`
	MessageType   string          `json:"message_type"`
	// Variables are mapping entries for the template processor; each element
	// carries a name plus a literal or tagged resolution rule.
	Variables     []map[string]interface{} `json:"variables,omitempty"`
	Dismissible   bool                     `json:"dismissible"`
	CreatedAt     time.Time                `json:"created_at,omitempty"`
	UpdatedAt     time.Time                `json:"updated_at,omitempty"`
}

// Execution outcomes recorded in the audit log.
const (
	OutcomeSuccess = "success"
	OutcomeBlocked = "blocked"
	OutcomeError   = "error"
)

// ExecutionRecord is one append-only audit row. SeqNo is assigned by the store
// and is a total order for post-hoc analysis.
type ExecutionRecord struct {
	SeqNo           int64           `json:"execution_seq_no"`
	ID              uuid.UUID       `json:"id"`
	RuleCode        string          `json:"rule_code"`
	EntryPoint      EntryPoint      `json:"entry_point"`
	ContextSnapshot json.RawMessage `json:"context_snapshot,omitempty"`
	ConditionResult bool            `json:"condition_result"`
	ActionsResult   json.RawMessage `json:"actions_result,omitempty"`
	Outcome         string          `json:"outcome"`
	ExecutionTimeMS float64         `json:"execution_time_ms"`
	ErrorMessage    string          `json:"error_message,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// Acknowledgment types.
const (
	AckRequired   = "required"
	AckOptional   = "optional"
	AckPreference = "preference"
)

// Acknowledgment records that a user has agreed to (or opted into) a specific
// rule's prompt. Unique on (user_id, rule_code, template_name).
type Acknowledgment struct {
	ID                 uuid.UUID       `json:"id"`
	UserID             string          `json:"user_id"`
	RuleCode           string          `json:"rule_code"`
	TemplateName       string          `json:"template_name,omitempty"`
	AcknowledgmentType string          `json:"acknowledgment_type"`
	IsSelected         bool            `json:"is_selected"`
	AcknowledgedAt     time.Time       `json:"acknowledged_at"`
	IP                 string          `json:"ip,omitempty"`
	UserAgent          string          `json:"user_agent,omitempty"`
	SessionData        json.RawMessage `json:"session_data,omitempty"`
}
