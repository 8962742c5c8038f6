package engine_test

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"github.com/acumenpress/commerce/internal/engine"
)

func newProcessor() *engine.Processor {
	return engine.NewProcessor(engine.NewRegistry(), zerolog.Nop())
}

func TestProcessDirectContextKeys(t *testing.T) {
	p := newProcessor()
	ctx := map[string]interface{}{
		"first_name": "Ada",
		"user":       map[string]interface{}{"email": "ada@example.com"},
	}

	content, title := p.Process(
		"Hello {{first_name}}, we will write to {{user_email}}.",
		"Welcome {{first_name}}",
		nil, ctx,
	)
	assert.Equal(t, "Hello Ada, we will write to ada@example.com.", content)
	assert.Equal(t, "Welcome Ada", title)
}

func TestProcessMappingTakesPriority(t *testing.T) {
	p := newProcessor()
	ctx := map[string]interface{}{"deadline": "from-context"}
	mapping := map[string]interface{}{
		"deadline": map[string]interface{}{"type": "static", "value": "30 April 2026"},
	}

	content, _ := p.Process("Deadline: {{deadline}}", "", mapping, ctx)
	assert.Equal(t, "Deadline: 30 April 2026", content)
}

func TestProcessMappingKinds(t *testing.T) {
	p := newProcessor()
	ctx := map[string]interface{}{
		"exam": map[string]interface{}{"date": "2026-04-15"},
		"cart": map[string]interface{}{
			"fees": []interface{}{
				map[string]interface{}{"fee_type": "booking", "amount": 45.0},
				map[string]interface{}{"fee_type": "postage", "amount": 5.5},
			},
		},
	}
	mapping := map[string]interface{}{
		"exam_date": map[string]interface{}{"type": "context", "path": "exam.date"},
		"pretty_date": map[string]interface{}{
			"type":     "function",
			"function": "format_date",
			"args":     []interface{}{"$exam.date", "%d/%m/%Y"},
		},
		"booking_fee": map[string]interface{}{
			"type":      "filter",
			"source":    "cart.fees",
			"condition": map[string]interface{}{"fee_type": "booking"},
			"extract":   "amount",
		},
		"literal": "plain value",
	}

	content, _ := p.Process(
		"{{exam_date}} | {{pretty_date}} | fee {{booking_fee}} | {{literal}}",
		"", mapping, ctx,
	)
	assert.Equal(t, "2026-04-15 | 15/04/2026 | fee 45 | plain value", content)
}

func TestProcessUnresolvedPlaceholderStays(t *testing.T) {
	p := newProcessor()

	content, _ := p.Process("Hello {{nobody}}", "", nil, map[string]interface{}{})
	assert.Equal(t, "Hello {{nobody}}", content)

	// a failing mapping leaves the placeholder in place too
	mapping := map[string]interface{}{
		"fee": map[string]interface{}{
			"type":      "filter",
			"source":    "cart.fees",
			"condition": map[string]interface{}{"fee_type": "booking"},
		},
	}
	content, _ = p.Process("fee: {{fee}}", "", mapping, map[string]interface{}{})
	assert.Equal(t, "fee: {{fee}}", content)
}

func TestProcessValueFormatting(t *testing.T) {
	p := newProcessor()
	ctx := map[string]interface{}{
		"total":  149.5,
		"count":  3.0,
		"member": true,
	}

	content, _ := p.Process("{{total}} {{count}} {{member}}", "", nil, ctx)
	assert.Equal(t, "149.5 3 true", content)
}
