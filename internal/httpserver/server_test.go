package httpserver_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acumenpress/commerce/internal/engine"
	"github.com/acumenpress/commerce/internal/httpserver"
	"github.com/acumenpress/commerce/internal/models"
	"github.com/acumenpress/commerce/internal/rules"
	"github.com/acumenpress/commerce/internal/schema"
	"github.com/acumenpress/commerce/internal/store"
)

func newTestServer(t *testing.T) (*httptest.Server, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	log := zerolog.Nop()

	repo := rules.NewRepository(st, time.Minute, nil, log)
	validator := schema.NewCachedValidator(st, log)
	registry := engine.NewRegistry()
	processor := engine.NewProcessor(registry, log)
	dispatcher := engine.NewDispatcher(st, processor, registry, log)
	eng := engine.New(engine.Config{
		Rules:      repo,
		Validator:  validator,
		Dispatcher: dispatcher,
		Log:        log,
	})

	srv := httpserver.New(eng, st, repo, validator, prometheus.NewRegistry(), "", log)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts, st
}

func doJSON(t *testing.T, method, url string, body interface{}) (*http.Response, map[string]interface{}) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp, decoded
}

func TestExecuteRequiresEntryPoint(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/rules/execute", map[string]interface{}{
		"context": map[string]interface{}{},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["error"], "entry_point")

	resp, body = doJSON(t, http.MethodPost, ts.URL+"/rules/execute", map[string]interface{}{
		"entry_point": "made_up_hook",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["error"], "made_up_hook")
}

func TestRuleLifecycle(t *testing.T) {
	ts, _ := newTestServer(t)

	rule := map[string]interface{}{
		"rule_code":   "exam-booking-fee",
		"name":        "Exam booking fee",
		"entry_point": "cart_calculate_vat",
		"priority":    10,
		"active":      true,
		"condition":   map[string]interface{}{"always": true},
		"actions": []interface{}{
			map[string]interface{}{
				"type":      "update",
				"target":    "cart.fees",
				"operation": "add_fee",
				"value":     map[string]interface{}{"fee_type": "exam_booking", "amount": 45.0},
			},
		},
	}

	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/rules", rule)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/rules", rule)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Contains(t, body["error"], "exam-booking-fee")

	resp, body = doJSON(t, http.MethodGet, ts.URL+"/rules/exam-booking-fee", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Exam booking fee", body["name"])

	rule["name"] = "Exam booking fee (2026)"
	resp, body = doJSON(t, http.MethodPut, ts.URL+"/rules/exam-booking-fee", rule)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Exam booking fee (2026)", body["name"])

	resp, body = doJSON(t, http.MethodGet, ts.URL+"/rules/entrypoint/cart_calculate_vat", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["rules"], 1)

	resp, _ = doJSON(t, http.MethodDelete, ts.URL+"/rules/exam-booking-fee", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// soft delete: the rule is still fetchable, just inactive
	resp, body = doJSON(t, http.MethodGet, ts.URL+"/rules/exam-booking-fee", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["active"])

	resp, _ = doJSON(t, http.MethodDelete, ts.URL+"/rules/never-existed", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestExecuteRunsSeededRule(t *testing.T) {
	ts, _ := newTestServer(t)

	rule := map[string]interface{}{
		"rule_code":   "exam-booking-fee",
		"name":        "Exam booking fee",
		"entry_point": "cart_calculate_vat",
		"priority":    10,
		"active":      true,
		"condition":   map[string]interface{}{"always": true},
		"actions": []interface{}{
			map[string]interface{}{
				"type":      "update",
				"target":    "cart.fees",
				"operation": "add_fee",
				"value":     map[string]interface{}{"fee_type": "exam_booking", "amount": 45.0},
			},
		},
	}
	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/rules", rule)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/rules/execute", map[string]interface{}{
		"entry_point": "cart_calculate_vat",
		"context":     map[string]interface{}{"cart": map[string]interface{}{}},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, true, body["proceed"])
	assert.Equal(t, float64(1), body["rules_evaluated"])

	updates := body["updates"].(map[string]interface{})
	fees := updates["cart_fees"].([]interface{})
	require.Len(t, fees, 1)
}

func TestExecuteSchemaFailureReturnsRefusal(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, _ := doJSON(t, http.MethodPut, ts.URL+"/schemas/checkout_context", map[string]interface{}{
		"schema": map[string]interface{}{
			"type":     "object",
			"required": []interface{}{"cart"},
		},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	rule := map[string]interface{}{
		"rule_code":   "needs-schema",
		"name":        "Needs schema",
		"entry_point": "checkout_start",
		"priority":    10,
		"active":      true,
		"schema_code": "checkout_context",
		"condition":   map[string]interface{}{"always": true},
		"actions":     []interface{}{},
	}
	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/rules", rule)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	// malformed context: HTTP 200, engine-level refusal
	resp, body := doJSON(t, http.MethodPost, ts.URL+"/rules/execute", map[string]interface{}{
		"entry_point": "checkout_start",
		"context":     map[string]interface{}{},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, true, body["blocked"])
	assert.Equal(t, false, body["proceed"])
	assert.NotEmpty(t, body["schema_validation_errors"])
}

func TestAcknowledgeAndList(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/rules/acknowledge", map[string]interface{}{
		"user_id":       "user-1",
		"rule_code":     "exam-terms",
		"template_name": "exam-terms-2026",
		"is_selected":   true,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "required", body["acknowledgment_type"])
	assert.NotEmpty(t, body["acknowledgment_id"])
	assert.Equal(t, true, body["is_selected"])

	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/rules/acknowledge", map[string]interface{}{
		"rule_code": "exam-terms",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = doJSON(t, http.MethodGet, ts.URL+"/rules/acknowledgments?user_id=user-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["acknowledgments"], 1)
}

func TestPreferencePersistence(t *testing.T) {
	ts, st := newTestServer(t)

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/rules/preferences", map[string]interface{}{
		"user_id":   "user-1",
		"rule_code": "delivery-format",
		"preferences": map[string]interface{}{
			"material_format": "digital",
			"marketing_optin": false,
		},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, float64(2), body["preferences_saved"])

	acks, err := st.ListAcknowledgments(context.Background(), "user-1")
	require.NoError(t, err)
	require.Len(t, acks, 2)

	byKey := map[string]models.Acknowledgment{}
	for _, ack := range acks {
		assert.Equal(t, models.AckPreference, ack.AcknowledgmentType)
		byKey[ack.TemplateName] = ack
	}

	var session map[string]interface{}
	require.NoError(t, json.Unmarshal(byKey["material_format"].SessionData, &session))
	assert.Equal(t, "digital", session["value"])
	assert.True(t, byKey["material_format"].IsSelected)
	assert.False(t, byKey["marketing_optin"].IsSelected)

	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/rules/preferences", map[string]interface{}{
		"user_id": "user-1",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestTemplateEndpoints(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/templates", map[string]interface{}{
		"name":           "exam-terms-2026",
		"title":          "Exam Terms",
		"content_format": "markdown",
		"content":        "Please accept the terms.",
		"message_type":   "warning",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id := int64(body["id"].(float64))

	resp, body = doJSON(t, http.MethodGet, fmt.Sprintf("%s/templates/%d", ts.URL, id), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Exam Terms", body["title"])

	resp, _ = doJSON(t, http.MethodGet, ts.URL+"/templates/999", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealthAndReady(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, body := doJSON(t, http.MethodGet, ts.URL+"/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])

	resp, body = doJSON(t, http.MethodGet, ts.URL+"/ready", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ready", body["status"])
}

func TestDeprecatedActionAliasIsNormalized(t *testing.T) {
	ts, st := newTestServer(t)

	rule := map[string]interface{}{
		"rule_code":   "legacy-alias",
		"name":        "Legacy alias",
		"entry_point": "product_view",
		"priority":    10,
		"active":      true,
		"condition":   map[string]interface{}{"always": false},
		"actions": []interface{}{
			map[string]interface{}{"type": "show_message", "templateId": 1},
		},
	}
	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/rules", rule)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	stored, err := st.GetRule(context.Background(), "legacy-alias")
	require.NoError(t, err)
	require.Len(t, stored.Actions, 1)
	assert.Equal(t, models.ActionDisplayMessage, stored.Actions[0].Type)
}
