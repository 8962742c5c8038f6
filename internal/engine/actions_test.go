package engine_test

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acumenpress/commerce/internal/engine"
	"github.com/acumenpress/commerce/internal/models"
	"github.com/acumenpress/commerce/internal/store"
)

func newDispatcher(t *testing.T, templates ...*models.MessageTemplate) (*engine.Dispatcher, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	for _, tmpl := range templates {
		require.NoError(t, st.CreateTemplate(context.Background(), tmpl))
	}
	registry := engine.NewRegistry()
	processor := engine.NewProcessor(registry, zerolog.Nop())
	return engine.NewDispatcher(st, processor, registry, zerolog.Nop()), st
}

func TestDispatchDisplayMessage(t *testing.T) {
	d, _ := newDispatcher(t, &models.MessageTemplate{
		Name:          "exam-deadline",
		Title:         "Deadline {{exam_date}}",
		ContentFormat: models.FormatMarkdown,
		Content:       "Book before {{exam_date}}.",
		MessageType:   "warning",
		Dismissible:   true,
	})

	rule := &models.Rule{
		RuleCode: "exam-deadline-notice",
		Actions: []models.Action{
			{Type: models.ActionDisplayMessage, TemplateID: 1},
		},
	}
	runtime := map[string]interface{}{"exam_date": "30 April"}
	bundle := models.NewEvalResult(models.EntryProductView)

	results := d.Dispatch(context.Background(), rule, runtime, bundle)
	require.Len(t, results, 1)
	assert.Equal(t, true, results[0]["success"])

	require.Len(t, bundle.Messages, 1)
	msg := bundle.Messages[0]
	assert.Equal(t, "display", msg.Type)
	assert.Equal(t, "Deadline 30 April", msg.Title)
	assert.Equal(t, "Book before 30 April.", msg.Content)
	assert.Equal(t, "warning", msg.MessageType)
	assert.Equal(t, "exam-deadline-notice", msg.RuleCode)
}

func TestDispatchDisplayMessageMissingTemplate(t *testing.T) {
	d, _ := newDispatcher(t)

	rule := &models.Rule{
		RuleCode: "broken",
		Actions:  []models.Action{{Type: models.ActionDisplayMessage, TemplateID: 99}},
	}
	bundle := models.NewEvalResult(models.EntryProductView)

	results := d.Dispatch(context.Background(), rule, map[string]interface{}{}, bundle)
	require.Len(t, results, 1)
	assert.Equal(t, false, results[0]["success"])
	assert.Empty(t, bundle.Messages)
}

func TestDispatchUserAcknowledgeBlocksUntilSatisfied(t *testing.T) {
	d, _ := newDispatcher(t, &models.MessageTemplate{
		Name:    "terms-2026",
		Title:   "Terms and Conditions",
		Content: "Please accept the exam terms.",
	})

	rule := &models.Rule{
		RuleCode: "exam-terms",
		Actions: []models.Action{
			{Type: models.ActionUserAcknowledge, TemplateID: 1, AckKey: "exam_terms", Required: true},
		},
	}

	// unsatisfied: the invocation blocks
	bundle := models.NewEvalResult(models.EntryCheckoutTerms)
	d.Dispatch(context.Background(), rule, map[string]interface{}{}, bundle)
	assert.True(t, bundle.Blocked)
	require.Len(t, bundle.RequiredAcknowledgments, 1)
	assert.Equal(t, "exam_terms", bundle.RequiredAcknowledgments[0].AckKey)
	assert.Equal(t, "terms-2026", bundle.RequiredAcknowledgments[0].TemplateName)
	require.Len(t, bundle.Messages, 1)
	assert.Equal(t, "acknowledge", bundle.Messages[0].Type)

	// satisfied via context.acknowledgments: no block
	bundle = models.NewEvalResult(models.EntryCheckoutTerms)
	runtime := map[string]interface{}{
		"acknowledgments": map[string]interface{}{"exam_terms": true},
	}
	d.Dispatch(context.Background(), rule, runtime, bundle)
	assert.False(t, bundle.Blocked)
	assert.Empty(t, bundle.RequiredAcknowledgments)
	assert.Equal(t, []string{"exam_terms"}, bundle.SatisfiedAcknowledgments)

	// map-shaped acknowledgment entries work too
	bundle = models.NewEvalResult(models.EntryCheckoutTerms)
	runtime = map[string]interface{}{
		"acknowledgments": map[string]interface{}{
			"exam_terms": map[string]interface{}{"acknowledged": true},
		},
	}
	d.Dispatch(context.Background(), rule, runtime, bundle)
	assert.False(t, bundle.Blocked)
}

func TestDispatchOptionalAcknowledgeDoesNotBlock(t *testing.T) {
	d, _ := newDispatcher(t, &models.MessageTemplate{
		Name:    "newsletter",
		Title:   "Study tips",
		Content: "Want revision reminders?",
	})

	rule := &models.Rule{
		RuleCode: "newsletter-optin",
		Actions: []models.Action{
			{Type: models.ActionUserAcknowledge, TemplateID: 1, AckKey: "newsletter", Required: false},
		},
	}
	bundle := models.NewEvalResult(models.EntryUserRegistration)
	d.Dispatch(context.Background(), rule, map[string]interface{}{}, bundle)

	assert.False(t, bundle.Blocked)
	assert.Empty(t, bundle.RequiredAcknowledgments)
	require.Len(t, bundle.PreferencePrompts, 1)
	assert.Equal(t, "newsletter", bundle.PreferencePrompts[0].PreferenceKey)
	assert.Equal(t, "checkbox", bundle.PreferencePrompts[0].InputType)
}

func TestDispatchUserPreference(t *testing.T) {
	d, _ := newDispatcher(t)

	rule := &models.Rule{
		RuleCode: "delivery-format",
		Actions: []models.Action{
			{
				Type:          models.ActionUserPreference,
				PreferenceKey: "material_format",
				InputType:     "select",
				Options:       []interface{}{"print", "digital", "both"},
				Default:       "digital",
			},
		},
	}
	bundle := models.NewEvalResult(models.EntryAddToCart)
	results := d.Dispatch(context.Background(), rule, map[string]interface{}{}, bundle)

	require.Len(t, results, 1)
	assert.Equal(t, true, results[0]["success"])
	require.Len(t, bundle.PreferencePrompts, 1)
	prompt := bundle.PreferencePrompts[0]
	assert.Equal(t, "material_format", prompt.PreferenceKey)
	assert.Equal(t, "select", prompt.InputType)
	assert.Equal(t, "digital", prompt.Default)
	assert.False(t, prompt.Blocking)
}

func TestDispatchAddFeeIsIdempotent(t *testing.T) {
	d, _ := newDispatcher(t)

	fee := map[string]interface{}{"fee_type": "booking", "amount": 45.0, "label": "Exam booking fee"}
	rule := &models.Rule{
		RuleCode: "booking-fee",
		Actions: []models.Action{
			{Type: models.ActionUpdate, Target: "cart.fees", Operation: "add_fee", Value: fee},
		},
	}
	runtime := map[string]interface{}{"cart": map[string]interface{}{}}

	bundle := models.NewEvalResult(models.EntryCartCalculateVAT)
	d.Dispatch(context.Background(), rule, runtime, bundle)
	d.Dispatch(context.Background(), rule, runtime, models.NewEvalResult(models.EntryCartCalculateVAT))

	fees, ok := engine.Lookup(runtime, "cart.fees")
	require.True(t, ok)
	require.Len(t, fees.([]interface{}), 1)
	assert.Equal(t, fees, bundle.ContextUpdates["cart.fees"])
	assert.Equal(t, fees, bundle.Updates["cart_fees"])
}

func TestDispatchRemoveFee(t *testing.T) {
	d, _ := newDispatcher(t)

	runtime := map[string]interface{}{
		"cart": map[string]interface{}{
			"fees": []interface{}{
				map[string]interface{}{"fee_type": "booking", "amount": 45.0},
				map[string]interface{}{"fee_type": "postage", "amount": 5.5},
			},
		},
	}
	rule := &models.Rule{
		RuleCode: "waive-booking-fee",
		Actions: []models.Action{
			{Type: models.ActionUpdate, Target: "cart.fees", Operation: "remove_fee", Value: "booking"},
		},
	}
	bundle := models.NewEvalResult(models.EntryCartCalculateVAT)
	d.Dispatch(context.Background(), rule, runtime, bundle)

	fees, _ := engine.Lookup(runtime, "cart.fees")
	require.Len(t, fees.([]interface{}), 1)
	assert.Equal(t, "postage", fees.([]interface{})[0].(map[string]interface{})["fee_type"])

	// removing a fee that is not present is a no-op
	d.Dispatch(context.Background(), rule, runtime, models.NewEvalResult(models.EntryCartCalculateVAT))
	fees, _ = engine.Lookup(runtime, "cart.fees")
	require.Len(t, fees.([]interface{}), 1)
}

func TestDispatchRemoveFeePreservesEarlierActionResults(t *testing.T) {
	d, _ := newDispatcher(t)

	booking := map[string]interface{}{"fee_type": "booking", "amount": 45.0}
	postage := map[string]interface{}{"fee_type": "postage", "amount": 5.5}
	rule := &models.Rule{
		RuleCode: "fee-shuffle",
		Actions: []models.Action{
			{Type: models.ActionUpdate, Target: "cart.fees", Operation: "add_fee", Value: booking},
			{Type: models.ActionUpdate, Target: "cart.fees", Operation: "add_fee", Value: postage},
			{Type: models.ActionUpdate, Target: "cart.fees", Operation: "remove_fee", Value: "booking"},
		},
	}
	runtime := map[string]interface{}{"cart": map[string]interface{}{}}
	bundle := models.NewEvalResult(models.EntryCartCalculateVAT)
	results := d.Dispatch(context.Background(), rule, runtime, bundle)
	require.Len(t, results, 3)

	// each result holds the fee list as it stood after its own action
	assert.Equal(t, []interface{}{booking}, results[0]["new_value"])
	assert.Equal(t, []interface{}{booking, postage}, results[1]["new_value"])
	assert.Equal(t, []interface{}{postage}, results[2]["new_value"])

	fees, _ := engine.Lookup(runtime, "cart.fees")
	assert.Equal(t, []interface{}{postage}, fees)
	assert.Equal(t, []interface{}{postage}, bundle.Updates["cart_fees"])
}

func TestDispatchAddFeeReplacePreservesEarlierActionResults(t *testing.T) {
	d, _ := newDispatcher(t)

	initial := map[string]interface{}{"fee_type": "booking", "amount": 45.0}
	revised := map[string]interface{}{"fee_type": "booking", "amount": 30.0}
	rule := &models.Rule{
		RuleCode: "fee-revision",
		Actions: []models.Action{
			{Type: models.ActionUpdate, Target: "cart.fees", Operation: "add_fee", Value: initial},
			{Type: models.ActionUpdate, Target: "cart.fees", Operation: "add_fee", Value: revised},
		},
	}
	runtime := map[string]interface{}{"cart": map[string]interface{}{}}
	results := d.Dispatch(context.Background(), rule, runtime, models.NewEvalResult(models.EntryCartCalculateVAT))
	require.Len(t, results, 2)

	assert.Equal(t, []interface{}{initial}, results[0]["new_value"])
	assert.Equal(t, []interface{}{revised}, results[1]["new_value"])
}

func TestDispatchSetOnNearbyTargetDoesNotReportFees(t *testing.T) {
	d, _ := newDispatcher(t)

	rule := &models.Rule{
		RuleCode: "totals",
		Actions: []models.Action{
			{Type: models.ActionUpdate, Target: "cart.fees_total", Operation: "set", Value: 50.5},
		},
	}
	runtime := map[string]interface{}{"cart": map[string]interface{}{}}
	bundle := models.NewEvalResult(models.EntryCartCalculateVAT)
	d.Dispatch(context.Background(), rule, runtime, bundle)

	assert.Equal(t, 50.5, bundle.ContextUpdates["cart.fees_total"])
	_, reported := bundle.Updates["cart_fees"]
	assert.False(t, reported)
}

func TestDispatchFeeOperationsRequireCartFees(t *testing.T) {
	d, _ := newDispatcher(t)

	rule := &models.Rule{
		RuleCode: "bad-target",
		Actions: []models.Action{
			{Type: models.ActionUpdate, Target: "cart.total", Operation: "add_fee", Value: map[string]interface{}{"fee_type": "x"}},
		},
	}
	bundle := models.NewEvalResult(models.EntryCartCalculateVAT)
	results := d.Dispatch(context.Background(), rule, map[string]interface{}{}, bundle)

	require.Len(t, results, 1)
	assert.Equal(t, false, results[0]["success"])
}

func TestDispatchSetAndIncrement(t *testing.T) {
	d, _ := newDispatcher(t)

	rule := &models.Rule{
		RuleCode: "vat-adjust",
		Actions: []models.Action{
			{Type: models.ActionUpdate, Target: "cart.vat_rate", Operation: "set", Value: 0.0},
			{Type: models.ActionUpdate, Target: "cart.discount_count", Operation: "increment", Value: 1.0},
		},
	}
	runtime := map[string]interface{}{"cart": map[string]interface{}{"vat_rate": 0.2}}
	bundle := models.NewEvalResult(models.EntryCartCalculateVAT)
	d.Dispatch(context.Background(), rule, runtime, bundle)

	rate, _ := engine.Lookup(runtime, "cart.vat_rate")
	assert.Equal(t, 0.0, rate)
	count, _ := engine.Lookup(runtime, "cart.discount_count")
	assert.Equal(t, 1.0, count)
	assert.Equal(t, 0.0, bundle.ContextUpdates["cart.vat_rate"])
	assert.Equal(t, 1.0, bundle.ContextUpdates["cart.discount_count"])
}

func TestDispatchCallFunction(t *testing.T) {
	d, _ := newDispatcher(t)

	rule := &models.Rule{
		RuleCode: "derive-exam-date",
		Actions: []models.Action{
			{
				Type:          models.ActionCallFunction,
				Function:      "format_date",
				Args:          []interface{}{map[string]interface{}{"var": "exam.date"}, "%d/%m/%Y"},
				StoreResultIn: "exam.display_date",
			},
		},
	}
	runtime := map[string]interface{}{
		"exam": map[string]interface{}{"date": "2026-04-15"},
	}
	bundle := models.NewEvalResult(models.EntryProductView)
	results := d.Dispatch(context.Background(), rule, runtime, bundle)

	require.Len(t, results, 1)
	assert.Equal(t, true, results[0]["success"])
	assert.Equal(t, "15/04/2026", results[0]["result"])

	stored, _ := engine.Lookup(runtime, "exam.display_date")
	assert.Equal(t, "15/04/2026", stored)
	assert.Equal(t, "15/04/2026", bundle.ContextUpdates["exam.display_date"])
}

func TestDispatchUnknownFunctionFails(t *testing.T) {
	d, _ := newDispatcher(t)

	rule := &models.Rule{
		RuleCode: "bad-fn",
		Actions:  []models.Action{{Type: models.ActionCallFunction, Function: "does_not_exist"}},
	}
	results := d.Dispatch(context.Background(), rule, map[string]interface{}{}, models.NewEvalResult(models.EntryProductView))
	require.Len(t, results, 1)
	assert.Equal(t, false, results[0]["success"])
}
