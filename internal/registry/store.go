package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNotFound is returned by Get/Update/Delete when the template_id has no row.
var ErrNotFound = errors.New("registry: template not found")

// ErrAlreadyExists is returned by Put when the id is already taken.
var ErrAlreadyExists = errors.New("registry: template id already exists")

// Store is the SQLite-backed persistence layer for templates.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Put inserts a new template. Returns ErrAlreadyExists if the id is taken.
func (s *Store) Put(ctx context.Context, t *Template) error {
	category, err := json.Marshal(orEmpty(t.Category))
	if err != nil {
		return fmt.Errorf("marshal category: %w", err)
	}
	triggers, err := json.Marshal(orEmpty(t.Triggers))
	if err != nil {
		return fmt.Errorf("marshal triggers: %w", err)
	}
	caps, err := json.Marshal(orEmpty(t.RequiredCapabilities))
	if err != nil {
		return fmt.Errorf("marshal required_capabilities: %w", err)
	}
	schema := t.ParameterSchema
	if len(schema) == 0 {
		schema = []byte("{}")
	}

	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	if t.Version == 0 {
		t.Version = 1
	}
	t.ContentHash = contentHash(t.ExecutionScript)

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO templates (
			template_id, name, description, category, version, parameter_schema,
			execution_script, enabled, testing, script_validated, triggers,
			estimated_duration_ms, estimated_steps, required_capabilities, priority,
			last_repaired_at, repair_attempts, last_modified_by, content_hash,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		t.ID, t.Name, t.Description, string(category), t.Version, string(schema),
		t.ExecutionScript, t.Enabled, t.Testing, t.ScriptValidated, string(triggers),
		t.EstimatedDurationMS, t.EstimatedSteps, string(caps), t.Priority,
		nullTime(t.LastRepairedAt), t.RepairAttempts, t.LastModifiedBy, t.ContentHash,
		t.CreatedAt.Format(time.RFC3339), t.UpdatedAt.Format(time.RFC3339),
	)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	return err
}

// Get retrieves a template by id.
func (s *Store) Get(ctx context.Context, id string) (*Template, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT template_id, name, description, category, version, parameter_schema,
			execution_script, enabled, testing, script_validated, triggers,
			estimated_duration_ms, estimated_steps, required_capabilities, priority,
			last_repaired_at, repair_attempts, last_modified_by, content_hash,
			created_at, updated_at
		FROM templates WHERE template_id = ?
	`, id)

	t, err := scanTemplate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

// GetByName returns the first template with an exact (case-sensitive) name match.
func (s *Store) GetByName(ctx context.Context, name string) (*Template, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT template_id, name, description, category, version, parameter_schema,
			execution_script, enabled, testing, script_validated, triggers,
			estimated_duration_ms, estimated_steps, required_capabilities, priority,
			last_repaired_at, repair_attempts, last_modified_by, content_hash,
			created_at, updated_at
		FROM templates WHERE name = ? LIMIT 1
	`, name)

	t, err := scanTemplate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

// Update applies a partial patch to an existing template, bumping
// updated_at, and version only when execution_script changes. Returns
// ErrNotFound if the id doesn't exist.
func (s *Store) Update(ctx context.Context, id string, patch Patch) (*Template, error) {
	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if patch.Name != nil {
		current.Name = *patch.Name
	}
	if patch.Description != nil {
		current.Description = *patch.Description
	}
	if patch.Category != nil {
		current.Category = patch.Category
	}
	if patch.ParameterSchema != nil {
		current.ParameterSchema = patch.ParameterSchema
	}
	scriptChanged := patch.ExecutionScript != nil && *patch.ExecutionScript != current.ExecutionScript
	if patch.ExecutionScript != nil {
		current.ExecutionScript = *patch.ExecutionScript
	}
	if patch.Enabled != nil {
		current.Enabled = *patch.Enabled
	}
	if patch.Testing != nil {
		current.Testing = *patch.Testing
	}
	if patch.ScriptValidated != nil {
		current.ScriptValidated = *patch.ScriptValidated
	}
	if patch.Triggers != nil {
		current.Triggers = patch.Triggers
	}
	if patch.RequiredCapabilities != nil {
		current.RequiredCapabilities = patch.RequiredCapabilities
	}
	if patch.Priority != nil {
		current.Priority = *patch.Priority
	}
	if scriptChanged {
		current.Version++
		current.ContentHash = contentHash(current.ExecutionScript)
	}
	current.UpdatedAt = time.Now().UTC()

	category, _ := json.Marshal(orEmpty(current.Category))
	triggers, _ := json.Marshal(orEmpty(current.Triggers))
	caps, _ := json.Marshal(orEmpty(current.RequiredCapabilities))
	schema := current.ParameterSchema
	if len(schema) == 0 {
		schema = []byte("{}")
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE templates SET
			name = ?, description = ?, category = ?, version = ?, parameter_schema = ?,
			execution_script = ?, enabled = ?, testing = ?, script_validated = ?, triggers = ?,
			required_capabilities = ?, priority = ?, content_hash = ?, updated_at = ?
		WHERE template_id = ?
	`,
		current.Name, current.Description, string(category), current.Version, string(schema),
		current.ExecutionScript, current.Enabled, current.Testing, current.ScriptValidated, string(triggers),
		string(caps), current.Priority, current.ContentHash, current.UpdatedAt.Format(time.RFC3339),
		id,
	)
	return current, err
}

// MarkRepaired bumps version, repair_attempts, and last_repaired_at after
// the repair loop replaces execution_script.
func (s *Store) MarkRepaired(ctx context.Context, id, newScript string) (*Template, error) {
	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	current.ExecutionScript = newScript
	current.Version++
	current.ContentHash = contentHash(newScript)
	current.RepairAttempts++
	current.LastRepairedAt = &now
	current.UpdatedAt = now

	_, err = s.db.ExecContext(ctx, `
		UPDATE templates SET execution_script = ?, version = ?, content_hash = ?, repair_attempts = ?,
			last_repaired_at = ?, updated_at = ?
		WHERE template_id = ?
	`, current.ExecutionScript, current.Version, current.ContentHash, current.RepairAttempts,
		current.LastRepairedAt.Format(time.RFC3339), current.UpdatedAt.Format(time.RFC3339), id)
	return current, err
}

// Delete hard-deletes a template.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM templates WHERE template_id = ?`, id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetEnabled flips the enabled flag.
func (s *Store) SetEnabled(ctx context.Context, id string, enabled bool) error {
	return s.setFlag(ctx, id, "enabled", enabled)
}

// SetTesting flips the testing flag.
func (s *Store) SetTesting(ctx context.Context, id string, testing bool) error {
	return s.setFlag(ctx, id, "testing", testing)
}

func (s *Store) setFlag(ctx context.Context, id, column string, value bool) error {
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE templates SET %s = ?, updated_at = ? WHERE template_id = ?`, column),
		value, time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListAll returns every template, optionally filtered to enabled-only.
func (s *Store) ListAll(ctx context.Context, enabledOnly bool) ([]*Template, error) {
	query := `
		SELECT template_id, name, description, category, version, parameter_schema,
			execution_script, enabled, testing, script_validated, triggers,
			estimated_duration_ms, estimated_steps, required_capabilities, priority,
			last_repaired_at, repair_attempts, last_modified_by, content_hash,
			created_at, updated_at
		FROM templates`
	if enabledOnly {
		query += ` WHERE enabled = 1`
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Template
	for rows.Next() {
		t, err := scanTemplateRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTemplate(row rowScanner) (*Template, error) {
	return scanInto(row)
}

func scanTemplateRows(rows *sql.Rows) (*Template, error) {
	return scanInto(rows)
}

func scanInto(row rowScanner) (*Template, error) {
	var t Template
	var categoryJSON, schemaJSON, triggersJSON, capsJSON string
	var lastRepairedAt sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(
		&t.ID, &t.Name, &t.Description, &categoryJSON, &t.Version, &schemaJSON,
		&t.ExecutionScript, &t.Enabled, &t.Testing, &t.ScriptValidated, &triggersJSON,
		&t.EstimatedDurationMS, &t.EstimatedSteps, &capsJSON, &t.Priority,
		&lastRepairedAt, &t.RepairAttempts, &t.LastModifiedBy, &t.ContentHash,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	json.Unmarshal([]byte(categoryJSON), &t.Category)
	json.Unmarshal([]byte(triggersJSON), &t.Triggers)
	json.Unmarshal([]byte(capsJSON), &t.RequiredCapabilities)
	t.ParameterSchema = []byte(schemaJSON)

	if lastRepairedAt.Valid && lastRepairedAt.String != "" {
		if ts, err := time.Parse(time.RFC3339, lastRepairedAt.String); err == nil {
			t.LastRepairedAt = &ts
		}
	}
	t.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	t.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)

	return &t, nil
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(time.RFC3339)
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "constraint failed: UNIQUE")
}
