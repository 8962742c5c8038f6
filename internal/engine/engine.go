package engine

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/acumenpress/commerce/internal/models"
)

// RuleSource loads the active rules for an entry point, already filtered and
// sorted by (priority, created_at).
type RuleSource interface {
	Load(ctx context.Context, ep models.EntryPoint) ([]models.Rule, error)
}

// Validator checks a runtime context against a stored JSON-Schema. An empty
// schemaCode always passes.
type Validator interface {
	Validate(ctx context.Context, runtime map[string]interface{}, schemaCode string) ([]models.SchemaIssue, error)
}

// Recorder accepts audit records. Implementations are best-effort: a failed
// write is logged and never fails the invocation.
type Recorder interface {
	Record(rec *models.ExecutionRecord)
}

// Engine ties repository, validator, evaluator, dispatcher and audit together
// and implements chaining, blocking, context mutation and result assembly.
// One Engine serves many concurrent invocations; an invocation holds no
// shared lock.
type Engine struct {
	rules          RuleSource
	validator      Validator
	evaluator      *Evaluator
	dispatcher     *Dispatcher
	audit          Recorder
	metrics        *Metrics
	defaultCountry string
	log            zerolog.Logger
}

// Config carries the engine's construction parameters.
type Config struct {
	Rules          RuleSource
	Validator      Validator
	Dispatcher     *Dispatcher
	Audit          Recorder
	Metrics        *Metrics
	DefaultCountry string
	Log            zerolog.Logger
}

// New constructs an engine.
func New(cfg Config) *Engine {
	if cfg.DefaultCountry == "" {
		cfg.DefaultCountry = "GB"
	}
	return &Engine{
		rules:          cfg.Rules,
		validator:      cfg.Validator,
		evaluator:      NewEvaluator(cfg.Log),
		dispatcher:     cfg.Dispatcher,
		audit:          cfg.Audit,
		metrics:        cfg.Metrics,
		defaultCountry: cfg.DefaultCountry,
		log:            cfg.Log.With().Str("component", "engine").Logger(),
	}
}

// Execute runs every active rule bound to the entry point against the runtime
// context and returns the result bundle.
func (e *Engine) Execute(ctx context.Context, ep models.EntryPoint, runtime map[string]interface{}) *models.EvalResult {
	started := time.Now()
	bundle := models.NewEvalResult(ep)
	if runtime == nil {
		runtime = map[string]interface{}{}
	}
	e.checkContextShape(ep, runtime)
	e.applyDefaults(runtime)

	rules, err := e.rules.Load(ctx, ep)
	if err != nil {
		e.log.Error().Str("entry_point", string(ep)).Err(err).Msg("rule load failed")
		return e.fatal(bundle, started, err)
	}
	if len(rules) == 0 {
		return e.finish(bundle, runtime, started)
	}

	for i := range rules {
		rule := &rules[i]

		if err := ctx.Err(); err != nil {
			return e.fatal(bundle, started, err)
		}

		if rule.SchemaCode != "" {
			issues, err := e.validator.Validate(ctx, runtime, rule.SchemaCode)
			if err != nil {
				issues = []models.SchemaIssue{{Path: "$", Message: err.Error()}}
			}
			if len(issues) > 0 {
				bundle.SchemaValidationErrors = append(bundle.SchemaValidationErrors, models.SchemaValidationError{
					RuleCode:   rule.RuleCode,
					SchemaCode: rule.SchemaCode,
					Issues:     issues,
				})
				continue
			}
		}

		snapshot := snapshotContext(runtime)
		ruleStarted := time.Now()
		matched := e.evaluator.Evaluate(rule.Condition, runtime)
		bundle.RulesEvaluated++

		if !matched {
			e.record(rule, ep, snapshot, false, nil, models.OutcomeSuccess, time.Since(ruleStarted), "")
			if rule.StopProcessing {
				break
			}
			continue
		}

		acksBefore := len(bundle.RequiredAcknowledgments)
		actionResults := e.dispatcher.Dispatch(ctx, rule, runtime, bundle)
		outcome, errMsg := summarizeOutcome(actionResults, len(bundle.RequiredAcknowledgments) > acksBefore)
		e.record(rule, ep, snapshot, true, actionResults, outcome, time.Since(ruleStarted), errMsg)

		bundle.RulesExecuted = append(bundle.RulesExecuted, models.ExecutedRule{
			RuleCode: rule.RuleCode,
			Name:     rule.Name,
			Priority: rule.Priority,
			Actions:  actionResults,
		})
		if e.metrics != nil {
			e.metrics.RuleMatches.WithLabelValues(rule.RuleCode).Inc()
		}

		if rule.StopProcessing {
			break
		}
	}

	if len(bundle.SchemaValidationErrors) > 0 {
		// contexts must be well-formed or the whole invocation is refused
		bundle.Success = false
		bundle.Blocked = true
		bundle.Messages = []models.Message{}
		bundle.PreferencePrompts = []models.PreferencePrompt{}
		bundle.RequiredAcknowledgments = []models.RequiredAcknowledgment{}
		bundle.SatisfiedAcknowledgments = []string{}
		bundle.ContextUpdates = map[string]interface{}{}
		bundle.Updates = map[string]interface{}{}
	}

	return e.finish(bundle, runtime, started)
}

// checkContextShape logs anomalies in the supplied context without failing.
func (e *Engine) checkContextShape(ep models.EntryPoint, runtime map[string]interface{}) {
	for _, key := range []string{"user", "cart", "product", "acknowledgments", "request"} {
		if v, ok := runtime[key]; ok && v != nil {
			if _, isMap := v.(map[string]interface{}); !isMap {
				e.log.Warn().
					Str("entry_point", string(ep)).
					Str("key", key).
					Msg("context key has unexpected type")
			}
		}
	}
}

// applyDefaults fills context fields the rules expect but callers may omit.
func (e *Engine) applyDefaults(runtime map[string]interface{}) {
	user, ok := runtime["user"].(map[string]interface{})
	if !ok {
		return
	}
	if country, _ := user["country"].(string); country == "" {
		user["country"] = e.defaultCountry
	}
}

// fatal abandons the invocation: no partial messages or updates are surfaced,
// only what the audit log already received.
func (e *Engine) fatal(bundle *models.EvalResult, started time.Time, err error) *models.EvalResult {
	bundle.Success = false
	bundle.Proceed = false
	bundle.Error = err.Error()
	bundle.Messages = []models.Message{}
	bundle.PreferencePrompts = []models.PreferencePrompt{}
	bundle.RequiredAcknowledgments = []models.RequiredAcknowledgment{}
	bundle.SatisfiedAcknowledgments = []string{}
	bundle.RulesExecuted = []models.ExecutedRule{}
	bundle.ContextUpdates = map[string]interface{}{}
	bundle.Updates = map[string]interface{}{}
	bundle.ExecutionTimeMS = float64(time.Since(started).Microseconds()) / 1000
	if e.metrics != nil {
		e.metrics.Invocations.WithLabelValues(string(bundle.EntryPoint), "error").Inc()
	}
	return bundle
}

func (e *Engine) finish(bundle *models.EvalResult, runtime map[string]interface{}, started time.Time) *models.EvalResult {
	bundle.Proceed = !bundle.Blocked
	bundle.Context = runtime
	bundle.ExecutionTimeMS = float64(time.Since(started).Microseconds()) / 1000
	if e.metrics != nil {
		outcome := "success"
		if !bundle.Success {
			outcome = "error"
		} else if bundle.Blocked {
			outcome = "blocked"
		}
		e.metrics.Invocations.WithLabelValues(string(bundle.EntryPoint), outcome).Inc()
		if bundle.Blocked {
			e.metrics.Blocked.WithLabelValues(string(bundle.EntryPoint)).Inc()
		}
		e.metrics.Duration.WithLabelValues(string(bundle.EntryPoint)).Observe(time.Since(started).Seconds())
	}
	return bundle
}

// record writes one audit entry through the best-effort recorder.
func (e *Engine) record(rule *models.Rule, ep models.EntryPoint, snapshot json.RawMessage, matched bool, actionResults []models.ActionResult, outcome string, elapsed time.Duration, errMsg string) {
	if e.audit == nil {
		return
	}
	var actions json.RawMessage
	if len(actionResults) > 0 {
		if b, err := json.Marshal(actionResults); err == nil {
			actions = b
		}
	}
	e.audit.Record(&models.ExecutionRecord{
		RuleCode:        rule.RuleCode,
		EntryPoint:      ep,
		ContextSnapshot: snapshot,
		ConditionResult: matched,
		ActionsResult:   actions,
		Outcome:         outcome,
		ExecutionTimeMS: float64(elapsed.Microseconds()) / 1000,
		ErrorMessage:    errMsg,
		CreatedAt:       time.Now().UTC(),
	})
}

func snapshotContext(runtime map[string]interface{}) json.RawMessage {
	b, err := json.Marshal(runtime)
	if err != nil {
		return nil
	}
	return b
}

// summarizeOutcome derives the audit outcome for one executed rule.
func summarizeOutcome(results []models.ActionResult, contributedBlock bool) (string, string) {
	var errs []string
	for _, res := range results {
		if ok, _ := res["success"].(bool); !ok {
			if msg, _ := res["error"].(string); msg != "" {
				errs = append(errs, msg)
			}
		}
	}
	switch {
	case contributedBlock:
		return models.OutcomeBlocked, strings.Join(errs, "; ")
	case len(errs) > 0:
		return models.OutcomeError, strings.Join(errs, "; ")
	default:
		return models.OutcomeSuccess, ""
	}
}
