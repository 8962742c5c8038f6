package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/acumenpress/commerce/internal/models"
)

// MemoryStore provides an in-memory implementation useful for tests and
// local runs without Postgres.
type MemoryStore struct {
	mu         sync.RWMutex
	rules      map[string]models.Rule
	schemas    map[string]models.ContextSchema
	templates  map[int64]models.MessageTemplate
	acks       map[string]models.Acknowledgment
	executions []models.ExecutionRecord
	nextTmplID int64
	nextSeqNo  int64
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rules:     map[string]models.Rule{},
		schemas:   map[string]models.ContextSchema{},
		templates: map[int64]models.MessageTemplate{},
		acks:      map[string]models.Acknowledgment{},
	}
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

// --- Rules ---

func (m *MemoryStore) CreateRule(ctx context.Context, rule *models.Rule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.rules[rule.RuleCode]; exists {
		return fmt.Errorf("rule %q: %w", rule.RuleCode, ErrDuplicate)
	}
	now := time.Now().UTC()
	rule.CreatedAt = now
	rule.UpdatedAt = now
	m.rules[rule.RuleCode] = *rule
	return nil
}

func (m *MemoryStore) UpdateRule(ctx context.Context, rule *models.Rule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, exists := m.rules[rule.RuleCode]
	if !exists {
		return ErrNotFound
	}
	rule.CreatedAt = existing.CreatedAt
	rule.Version = existing.Version + 1
	rule.UpdatedAt = time.Now().UTC()
	m.rules[rule.RuleCode] = *rule
	return nil
}

func (m *MemoryStore) DeleteRule(ctx context.Context, ruleCode string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rule, exists := m.rules[ruleCode]
	if !exists {
		return ErrNotFound
	}
	rule.Active = false
	rule.UpdatedAt = time.Now().UTC()
	m.rules[ruleCode] = rule
	return nil
}

func (m *MemoryStore) GetRule(ctx context.Context, ruleCode string) (models.Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rule, exists := m.rules[ruleCode]
	if !exists {
		return models.Rule{}, ErrNotFound
	}
	return rule, nil
}

func (m *MemoryStore) ActiveRules(ctx context.Context, ep models.EntryPoint, now time.Time) ([]models.Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var rules []models.Rule
	for _, rule := range m.rules {
		if rule.EntryPoint == ep && rule.ActiveAt(now) {
			rules = append(rules, rule)
		}
	}
	sortRules(rules)
	return rules, nil
}

func (m *MemoryStore) ListRules(ctx context.Context, ep models.EntryPoint) ([]models.Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var rules []models.Rule
	for _, rule := range m.rules {
		if rule.EntryPoint == ep {
			rules = append(rules, rule)
		}
	}
	sortRules(rules)
	return rules, nil
}

func sortRules(rules []models.Rule) {
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority < rules[j].Priority
		}
		return rules[i].CreatedAt.Before(rules[j].CreatedAt)
	})
}

// --- Context schemas ---

func (m *MemoryStore) UpsertSchema(ctx context.Context, schema *models.ContextSchema) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, exists := m.schemas[schema.SchemaCode]; exists {
		schema.Version = existing.Version + 1
		schema.CreatedAt = existing.CreatedAt
	} else {
		schema.CreatedAt = time.Now().UTC()
	}
	schema.Schema = append(json.RawMessage(nil), schema.Schema...)
	m.schemas[schema.SchemaCode] = *schema
	return nil
}

func (m *MemoryStore) SchemaByCode(ctx context.Context, code string) (models.ContextSchema, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	schema, exists := m.schemas[code]
	if !exists {
		return models.ContextSchema{}, ErrNotFound
	}
	return schema, nil
}

// --- Message templates ---

func (m *MemoryStore) CreateTemplate(ctx context.Context, tmpl *models.MessageTemplate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.templates {
		if existing.Name == tmpl.Name {
			return fmt.Errorf("template %q: %w", tmpl.Name, ErrDuplicate)
		}
	}
	m.nextTmplID++
	tmpl.ID = m.nextTmplID
	now := time.Now().UTC()
	tmpl.CreatedAt = now
	tmpl.UpdatedAt = now
	m.templates[tmpl.ID] = *tmpl
	return nil
}

func (m *MemoryStore) UpdateTemplate(ctx context.Context, tmpl *models.MessageTemplate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, exists := m.templates[tmpl.ID]
	if !exists {
		return ErrNotFound
	}
	tmpl.CreatedAt = existing.CreatedAt
	tmpl.UpdatedAt = time.Now().UTC()
	m.templates[tmpl.ID] = *tmpl
	return nil
}

func (m *MemoryStore) TemplateByID(ctx context.Context, id int64) (models.MessageTemplate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tmpl, exists := m.templates[id]
	if !exists {
		return models.MessageTemplate{}, ErrNotFound
	}
	return tmpl, nil
}

// --- Acknowledgments ---

func ackKey(userID, ruleCode, templateName string) string {
	return userID + "\x00" + ruleCode + "\x00" + templateName
}

func (m *MemoryStore) UpsertAcknowledgment(ctx context.Context, ack *models.Acknowledgment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := ackKey(ack.UserID, ack.RuleCode, ack.TemplateName)
	if existing, exists := m.acks[key]; exists {
		ack.ID = existing.ID
	} else if ack.ID == uuid.Nil {
		ack.ID = uuid.New()
	}
	if ack.AcknowledgedAt.IsZero() {
		ack.AcknowledgedAt = time.Now().UTC()
	}
	m.acks[key] = *ack
	return nil
}

func (m *MemoryStore) ListAcknowledgments(ctx context.Context, userID string) ([]models.Acknowledgment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var acks []models.Acknowledgment
	for _, ack := range m.acks {
		if ack.UserID == userID {
			acks = append(acks, ack)
		}
	}
	sort.Slice(acks, func(i, j int) bool {
		return acks[i].AcknowledgedAt.After(acks[j].AcknowledgedAt)
	})
	return acks, nil
}

// --- Execution audit log ---

func (m *MemoryStore) AppendExecution(ctx context.Context, rec *models.ExecutionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	m.nextSeqNo++
	rec.SeqNo = m.nextSeqNo
	m.executions = append(m.executions, *rec)
	return nil
}

func (m *MemoryStore) ListExecutions(ctx context.Context, ep models.EntryPoint, limit int) ([]models.ExecutionRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var records []models.ExecutionRecord
	for i := len(m.executions) - 1; i >= 0 && len(records) < limit; i-- {
		rec := m.executions[i]
		if ep != "" && rec.EntryPoint != ep {
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

func (m *MemoryStore) ExecutionsBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.ExecutionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var records []models.ExecutionRecord
	for _, rec := range m.executions {
		if rec.CreatedAt.Before(cutoff) {
			records = append(records, rec)
			if limit > 0 && len(records) >= limit {
				break
			}
		}
	}
	return records, nil
}

func (m *MemoryStore) DeleteExecutionsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.executions[:0]
	var removed int64
	for _, rec := range m.executions {
		if rec.CreatedAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, rec)
	}
	m.executions = kept
	return removed, nil
}
