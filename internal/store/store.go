// Package store persists rules, context schemas, message templates,
// acknowledgments and the execution audit log. PGStore is the production
// implementation; MemoryStore backs tests and local runs.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/acumenpress/commerce/internal/models"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when a unique constraint would be violated.
	ErrDuplicate = errors.New("already exists")
)

// Store is the persistence contract the service depends on.
type Store interface {
	// Rules. Deleting is a soft delete (active=false); every mutation is
	// expected to be followed by a repository cache invalidation.
	CreateRule(ctx context.Context, rule *models.Rule) error
	UpdateRule(ctx context.Context, rule *models.Rule) error
	DeleteRule(ctx context.Context, ruleCode string) error
	GetRule(ctx context.Context, ruleCode string) (models.Rule, error)
	// ActiveRules returns the rules bound to an entry point that are active
	// and inside their time window at "now", sorted by (priority, created_at).
	ActiveRules(ctx context.Context, ep models.EntryPoint, now time.Time) ([]models.Rule, error)
	ListRules(ctx context.Context, ep models.EntryPoint) ([]models.Rule, error)

	// Context schemas.
	UpsertSchema(ctx context.Context, schema *models.ContextSchema) error
	SchemaByCode(ctx context.Context, code string) (models.ContextSchema, error)

	// Message templates.
	CreateTemplate(ctx context.Context, tmpl *models.MessageTemplate) error
	UpdateTemplate(ctx context.Context, tmpl *models.MessageTemplate) error
	TemplateByID(ctx context.Context, id int64) (models.MessageTemplate, error)

	// Acknowledgments. Upsert keyed on (user_id, rule_code, template_name).
	UpsertAcknowledgment(ctx context.Context, ack *models.Acknowledgment) error
	ListAcknowledgments(ctx context.Context, userID string) ([]models.Acknowledgment, error)

	// Execution audit log (append-only).
	AppendExecution(ctx context.Context, rec *models.ExecutionRecord) error
	ListExecutions(ctx context.Context, ep models.EntryPoint, limit int) ([]models.ExecutionRecord, error)
	ExecutionsBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.ExecutionRecord, error)
	DeleteExecutionsBefore(ctx context.Context, cutoff time.Time) (int64, error)

	Ping(ctx context.Context) error
}
