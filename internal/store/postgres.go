package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/acumenpress/commerce/internal/models"
)

// PGStore persists engine data into Postgres.
type PGStore struct {
	db *sql.DB
}

// NewPGStore constructs a Postgres-backed store.
func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

// Ping verifies connectivity to Postgres.
func (p *PGStore) Ping(ctx context.Context) error {
	if err := p.db.PingContext(ctx); err != nil {
		return fmt.Errorf("db ping: %w", err)
	}
	return nil
}

func marshalJSON(v interface{}) ([]byte, error) {
	if v == nil {
		return []byte("null"), nil
	}
	return json.Marshal(v)
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// --- Rules ---

const ruleColumns = `rule_code, name, description, entry_point, priority, active, version,
	stop_processing, schema_code, condition, actions, active_from, active_until, created_at, updated_at`

func (p *PGStore) CreateRule(ctx context.Context, rule *models.Rule) error {
	condition, err := marshalJSON(rule.Condition)
	if err != nil {
		return fmt.Errorf("marshal condition: %w", err)
	}
	actions, err := marshalJSON(rule.Actions)
	if err != nil {
		return fmt.Errorf("marshal actions: %w", err)
	}
	query := `
		INSERT INTO rules (` + ruleColumns + `)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,NOW(),NOW())
		RETURNING created_at, updated_at
	`
	err = p.db.QueryRowContext(ctx, query,
		rule.RuleCode, rule.Name, rule.Description, rule.EntryPoint, rule.Priority,
		rule.Active, rule.Version, rule.StopProcessing, rule.SchemaCode,
		condition, actions, nullTime(rule.ActiveFrom), nullTime(rule.ActiveUntil),
	).Scan(&rule.CreatedAt, &rule.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return fmt.Errorf("rule %q: %w", rule.RuleCode, ErrDuplicate)
		}
		return fmt.Errorf("insert rule: %w", err)
	}
	return nil
}

func (p *PGStore) UpdateRule(ctx context.Context, rule *models.Rule) error {
	condition, err := marshalJSON(rule.Condition)
	if err != nil {
		return fmt.Errorf("marshal condition: %w", err)
	}
	actions, err := marshalJSON(rule.Actions)
	if err != nil {
		return fmt.Errorf("marshal actions: %w", err)
	}
	query := `
		UPDATE rules
		SET name=$2, description=$3, entry_point=$4, priority=$5, active=$6,
		    version=version+1, stop_processing=$7, schema_code=$8,
		    condition=$9, actions=$10, active_from=$11, active_until=$12, updated_at=NOW()
		WHERE rule_code=$1
		RETURNING version, created_at, updated_at
	`
	err = p.db.QueryRowContext(ctx, query,
		rule.RuleCode, rule.Name, rule.Description, rule.EntryPoint, rule.Priority,
		rule.Active, rule.StopProcessing, rule.SchemaCode,
		condition, actions, nullTime(rule.ActiveFrom), nullTime(rule.ActiveUntil),
	).Scan(&rule.Version, &rule.CreatedAt, &rule.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("update rule: %w", err)
	}
	return nil
}

// DeleteRule deactivates the rule rather than removing the row.
func (p *PGStore) DeleteRule(ctx context.Context, ruleCode string) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE rules SET active=false, updated_at=NOW() WHERE rule_code=$1`, ruleCode)
	if err != nil {
		return fmt.Errorf("delete rule: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PGStore) GetRule(ctx context.Context, ruleCode string) (models.Rule, error) {
	query := `SELECT ` + ruleColumns + ` FROM rules WHERE rule_code=$1`
	rule, err := scanRule(p.db.QueryRowContext(ctx, query, ruleCode))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Rule{}, ErrNotFound
		}
		return models.Rule{}, fmt.Errorf("get rule: %w", err)
	}
	return rule, nil
}

func (p *PGStore) ActiveRules(ctx context.Context, ep models.EntryPoint, now time.Time) ([]models.Rule, error) {
	query := `
		SELECT ` + ruleColumns + `
		FROM rules
		WHERE entry_point=$1
		  AND active
		  AND (active_from IS NULL OR active_from <= $2)
		  AND (active_until IS NULL OR active_until >= $2)
		ORDER BY priority ASC, created_at ASC
	`
	return p.queryRules(ctx, query, ep, now)
}

func (p *PGStore) ListRules(ctx context.Context, ep models.EntryPoint) ([]models.Rule, error) {
	query := `SELECT ` + ruleColumns + ` FROM rules WHERE entry_point=$1 ORDER BY priority ASC, created_at ASC`
	return p.queryRules(ctx, query, ep)
}

func (p *PGStore) queryRules(ctx context.Context, query string, args ...interface{}) ([]models.Rule, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query rules: %w", err)
	}
	defer rows.Close()

	var rules []models.Rule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRule(row rowScanner) (models.Rule, error) {
	var (
		rule        models.Rule
		description sql.NullString
		schemaCode  sql.NullString
		condition   []byte
		actions     []byte
		activeFrom  sql.NullTime
		activeUntil sql.NullTime
	)
	err := row.Scan(
		&rule.RuleCode, &rule.Name, &description, &rule.EntryPoint, &rule.Priority,
		&rule.Active, &rule.Version, &rule.StopProcessing, &schemaCode,
		&condition, &actions, &activeFrom, &activeUntil, &rule.CreatedAt, &rule.UpdatedAt,
	)
	if err != nil {
		return models.Rule{}, err
	}
	rule.Description = description.String
	rule.SchemaCode = schemaCode.String
	if len(condition) > 0 {
		if err := json.Unmarshal(condition, &rule.Condition); err != nil {
			return models.Rule{}, fmt.Errorf("unmarshal condition: %w", err)
		}
	}
	if len(actions) > 0 {
		if err := json.Unmarshal(actions, &rule.Actions); err != nil {
			return models.Rule{}, fmt.Errorf("unmarshal actions: %w", err)
		}
	}
	if activeFrom.Valid {
		t := activeFrom.Time
		rule.ActiveFrom = &t
	}
	if activeUntil.Valid {
		t := activeUntil.Time
		rule.ActiveUntil = &t
	}
	return rule, nil
}

// --- Context schemas ---

func (p *PGStore) UpsertSchema(ctx context.Context, schema *models.ContextSchema) error {
	query := `
		INSERT INTO context_schemas (schema_code, version, schema, created_at)
		VALUES ($1,$2,$3,NOW())
		ON CONFLICT (schema_code)
		DO UPDATE SET version = context_schemas.version + 1, schema = EXCLUDED.schema
		RETURNING version, created_at
	`
	if err := p.db.QueryRowContext(ctx, query, schema.SchemaCode, schema.Version, []byte(schema.Schema)).
		Scan(&schema.Version, &schema.CreatedAt); err != nil {
		return fmt.Errorf("upsert schema: %w", err)
	}
	return nil
}

func (p *PGStore) SchemaByCode(ctx context.Context, code string) (models.ContextSchema, error) {
	query := `SELECT schema_code, version, schema, created_at FROM context_schemas WHERE schema_code=$1`
	var (
		schema models.ContextSchema
		doc    []byte
	)
	err := p.db.QueryRowContext(ctx, query, code).
		Scan(&schema.SchemaCode, &schema.Version, &doc, &schema.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.ContextSchema{}, ErrNotFound
		}
		return models.ContextSchema{}, fmt.Errorf("get schema: %w", err)
	}
	schema.Schema = append(json.RawMessage(nil), doc...)
	return schema, nil
}

// --- Message templates ---

func (p *PGStore) CreateTemplate(ctx context.Context, tmpl *models.MessageTemplate) error {
	variables, err := marshalJSON(tmpl.Variables)
	if err != nil {
		return fmt.Errorf("marshal variables: %w", err)
	}
	query := `
		INSERT INTO message_templates
		  (name, title, content_format, content, json_content, message_type, variables, dismissible, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,NOW(),NOW())
		RETURNING id, created_at, updated_at
	`
	err = p.db.QueryRowContext(ctx, query,
		tmpl.Name, tmpl.Title, tmpl.ContentFormat, tmpl.Content,
		nullJSON(tmpl.JSONContent), tmpl.MessageType, variables, tmpl.Dismissible,
	).Scan(&tmpl.ID, &tmpl.CreatedAt, &tmpl.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return fmt.Errorf("template %q: %w", tmpl.Name, ErrDuplicate)
		}
		return fmt.Errorf("insert template: %w", err)
	}
	return nil
}

func (p *PGStore) UpdateTemplate(ctx context.Context, tmpl *models.MessageTemplate) error {
	variables, err := marshalJSON(tmpl.Variables)
	if err != nil {
		return fmt.Errorf("marshal variables: %w", err)
	}
	query := `
		UPDATE message_templates
		SET name=$2, title=$3, content_format=$4, content=$5, json_content=$6,
		    message_type=$7, variables=$8, dismissible=$9, updated_at=NOW()
		WHERE id=$1
		RETURNING updated_at
	`
	err = p.db.QueryRowContext(ctx, query,
		tmpl.ID, tmpl.Name, tmpl.Title, tmpl.ContentFormat, tmpl.Content,
		nullJSON(tmpl.JSONContent), tmpl.MessageType, variables, tmpl.Dismissible,
	).Scan(&tmpl.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("update template: %w", err)
	}
	return nil
}

func (p *PGStore) TemplateByID(ctx context.Context, id int64) (models.MessageTemplate, error) {
	query := `
		SELECT id, name, title, content_format, content, json_content, message_type, variables, dismissible, created_at, updated_at
		FROM message_templates
		WHERE id=$1
	`
	var (
		tmpl        models.MessageTemplate
		jsonContent []byte
		variables   []byte
	)
	err := p.db.QueryRowContext(ctx, query, id).Scan(
		&tmpl.ID, &tmpl.Name, &tmpl.Title, &tmpl.ContentFormat, &tmpl.Content,
		&jsonContent, &tmpl.MessageType, &variables, &tmpl.Dismissible,
		&tmpl.CreatedAt, &tmpl.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.MessageTemplate{}, ErrNotFound
		}
		return models.MessageTemplate{}, fmt.Errorf("get template: %w", err)
	}
	if len(jsonContent) > 0 && string(jsonContent) != "null" {
		tmpl.JSONContent = append(json.RawMessage(nil), jsonContent...)
	}
	if len(variables) > 0 && string(variables) != "null" {
		if err := json.Unmarshal(variables, &tmpl.Variables); err != nil {
			return models.MessageTemplate{}, fmt.Errorf("unmarshal variables: %w", err)
		}
	}
	return tmpl, nil
}

func nullJSON(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

// --- Acknowledgments ---

func (p *PGStore) UpsertAcknowledgment(ctx context.Context, ack *models.Acknowledgment) error {
	if ack.ID == uuid.Nil {
		ack.ID = uuid.New()
	}
	if ack.AcknowledgedAt.IsZero() {
		ack.AcknowledgedAt = time.Now().UTC()
	}
	query := `
		INSERT INTO acknowledgments
		  (id, user_id, rule_code, template_name, acknowledgment_type, is_selected, acknowledged_at, ip, user_agent, session_data)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (user_id, rule_code, template_name)
		DO UPDATE SET acknowledgment_type = EXCLUDED.acknowledgment_type,
			is_selected = EXCLUDED.is_selected,
			acknowledged_at = EXCLUDED.acknowledged_at,
			ip = EXCLUDED.ip,
			user_agent = EXCLUDED.user_agent,
			session_data = EXCLUDED.session_data
		RETURNING id
	`
	err := p.db.QueryRowContext(ctx, query,
		ack.ID, ack.UserID, ack.RuleCode, ack.TemplateName, ack.AcknowledgmentType,
		ack.IsSelected, ack.AcknowledgedAt, ack.IP, ack.UserAgent, nullJSON(ack.SessionData),
	).Scan(&ack.ID)
	if err != nil {
		return fmt.Errorf("upsert acknowledgment: %w", err)
	}
	return nil
}

func (p *PGStore) ListAcknowledgments(ctx context.Context, userID string) ([]models.Acknowledgment, error) {
	query := `
		SELECT id, user_id, rule_code, template_name, acknowledgment_type, is_selected, acknowledged_at, ip, user_agent, session_data
		FROM acknowledgments
		WHERE user_id=$1
		ORDER BY acknowledged_at DESC
	`
	rows, err := p.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("query acknowledgments: %w", err)
	}
	defer rows.Close()

	var acks []models.Acknowledgment
	for rows.Next() {
		var (
			ack         models.Acknowledgment
			sessionData []byte
		)
		if err := rows.Scan(
			&ack.ID, &ack.UserID, &ack.RuleCode, &ack.TemplateName, &ack.AcknowledgmentType,
			&ack.IsSelected, &ack.AcknowledgedAt, &ack.IP, &ack.UserAgent, &sessionData,
		); err != nil {
			return nil, fmt.Errorf("scan acknowledgment: %w", err)
		}
		if len(sessionData) > 0 && string(sessionData) != "null" {
			ack.SessionData = append(json.RawMessage(nil), sessionData...)
		}
		acks = append(acks, ack)
	}
	return acks, rows.Err()
}

// --- Execution audit log ---

func (p *PGStore) AppendExecution(ctx context.Context, rec *models.ExecutionRecord) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	query := `
		INSERT INTO rule_executions
		  (id, rule_code, entry_point, context_snapshot, condition_result, actions_result, outcome, execution_time_ms, error_message, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		RETURNING execution_seq_no
	`
	err := p.db.QueryRowContext(ctx, query,
		rec.ID, rec.RuleCode, rec.EntryPoint, nullJSON(rec.ContextSnapshot),
		rec.ConditionResult, nullJSON(rec.ActionsResult), rec.Outcome,
		rec.ExecutionTimeMS, rec.ErrorMessage, rec.CreatedAt,
	).Scan(&rec.SeqNo)
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

const executionColumns = `execution_seq_no, id, rule_code, entry_point, context_snapshot,
	condition_result, actions_result, outcome, execution_time_ms, error_message, created_at`

func (p *PGStore) ListExecutions(ctx context.Context, ep models.EntryPoint, limit int) ([]models.ExecutionRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT ` + executionColumns + `
		FROM rule_executions
		WHERE ($1 = '' OR entry_point = $1)
		ORDER BY execution_seq_no DESC
		LIMIT $2
	`
	return p.queryExecutions(ctx, query, string(ep), limit)
}

func (p *PGStore) ExecutionsBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.ExecutionRecord, error) {
	query := `
		SELECT ` + executionColumns + `
		FROM rule_executions
		WHERE created_at < $1
		ORDER BY execution_seq_no ASC
		LIMIT $2
	`
	return p.queryExecutions(ctx, query, cutoff, limit)
}

func (p *PGStore) DeleteExecutionsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM rule_executions WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete executions: %w", err)
	}
	affected, _ := res.RowsAffected()
	return affected, nil
}

func (p *PGStore) queryExecutions(ctx context.Context, query string, args ...interface{}) ([]models.ExecutionRecord, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query executions: %w", err)
	}
	defer rows.Close()

	var records []models.ExecutionRecord
	for rows.Next() {
		var (
			rec      models.ExecutionRecord
			snapshot []byte
			actions  []byte
			errMsg   sql.NullString
		)
		if err := rows.Scan(
			&rec.SeqNo, &rec.ID, &rec.RuleCode, &rec.EntryPoint, &snapshot,
			&rec.ConditionResult, &actions, &rec.Outcome, &rec.ExecutionTimeMS,
			&errMsg, &rec.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		if len(snapshot) > 0 && string(snapshot) != "null" {
			rec.ContextSnapshot = append(json.RawMessage(nil), snapshot...)
		}
		if len(actions) > 0 && string(actions) != "null" {
			rec.ActionsResult = append(json.RawMessage(nil), actions...)
		}
		rec.ErrorMessage = errMsg.String
		records = append(records, rec)
	}
	return records, rows.Err()
}
