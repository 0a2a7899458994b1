package reasoningmemory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var ErrNotFound = errors.New("reasoningmemory: not found")

// Store is the SQLite-backed persistence layer for reasoning memories.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Insert validates and writes m, then evicts the oldest memory for
// m.TemplateID if the per-template quota (100) is now exceeded.
func (s *Store) Insert(ctx context.Context, m *Memory) error {
	if err := Validate(m); err != nil {
		return err
	}

	now := time.Now().UTC()
	m.CreatedAt = now
	m.UpdatedAt = now

	flagsJSON, err := json.Marshal(m.UserIntentFlags)
	if err != nil {
		return fmt.Errorf("marshal user_intent_flags: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO reasoning_memories (
			memory_id, title, description, content, category, source,
			template_id, task_id, times_retrieved, times_used_in_success,
			times_used_in_failure, success_rate, user_intent_request,
			user_intent_flags, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		m.ID, m.Title, m.Description, m.Content, string(m.Category), string(m.Source),
		nullString(m.TemplateID), nullString(m.TaskID), m.TimesRetrieved, m.TimesUsedInSuccess,
		m.TimesUsedInFailure, m.SuccessRate, nullString(m.UserIntentRequest),
		string(flagsJSON), m.CreatedAt.Format(time.RFC3339), m.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return err
	}

	if m.TemplateID != "" {
		return s.enforceQuota(ctx, m.TemplateID)
	}
	return nil
}

// enforceQuota deletes the oldest rows for templateID beyond the cap.
func (s *Store) enforceQuota(ctx context.Context, templateID string) error {
	var count int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM reasoning_memories WHERE template_id = ?`, templateID,
	).Scan(&count); err != nil {
		return err
	}
	if count <= perTemplateQuota {
		return nil
	}

	excess := count - perTemplateQuota
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM reasoning_memories WHERE memory_id IN (
			SELECT memory_id FROM reasoning_memories
			WHERE template_id = ?
			ORDER BY created_at ASC
			LIMIT ?
		)
	`, templateID, excess)
	return err
}

func (s *Store) Get(ctx context.Context, id string) (*Memory, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` WHERE memory_id = ?`, id)
	m, err := scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return m, err
}

func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM reasoning_memories WHERE memory_id = ?`, id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListByIDs fetches memories by id, preserving no particular order.
func (s *Store) ListByIDs(ctx context.Context, ids []string) ([]*Memory, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := make([]byte, 0, len(ids)*2)
	args := make([]any, len(ids))
	for i, id := range ids {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx, selectColumns+fmt.Sprintf(` WHERE memory_id IN (%s)`, string(placeholders)), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Memory
	for rows.Next() {
		m, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// IncrementRetrieved bumps times_retrieved for every id in ids.
func (s *Store) IncrementRetrieved(ctx context.Context, ids []string) error {
	for _, id := range ids {
		if _, err := s.db.ExecContext(ctx,
			`UPDATE reasoning_memories SET times_retrieved = times_retrieved + 1, updated_at = ? WHERE memory_id = ?`,
			time.Now().UTC().Format(time.RFC3339), id); err != nil {
			return err
		}
	}
	return nil
}

// RecordOutcome increments the success or failure attribution counter for id
// and recomputes success_rate.
func (s *Store) RecordOutcome(ctx context.Context, id string, success bool) error {
	column := "times_used_in_failure"
	if success {
		column = "times_used_in_success"
	}

	_, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE reasoning_memories SET %s = %s + 1 WHERE memory_id = ?`, column, column), id)
	if err != nil {
		return err
	}

	var successN, failureN int
	if err := s.db.QueryRowContext(ctx,
		`SELECT times_used_in_success, times_used_in_failure FROM reasoning_memories WHERE memory_id = ?`, id,
	).Scan(&successN, &failureN); err != nil {
		return err
	}

	rate := 0.0
	if total := successN + failureN; total > 0 {
		rate = float64(successN) / float64(total)
	}

	_, err = s.db.ExecContext(ctx,
		`UPDATE reasoning_memories SET success_rate = ?, updated_at = ? WHERE memory_id = ?`,
		rate, time.Now().UTC().Format(time.RFC3339), id)
	return err
}

func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{BySource: map[Source]int{}, ByCategory: map[Category]int{}}

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM reasoning_memories`).Scan(&stats.Total); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT source, COUNT(*) FROM reasoning_memories GROUP BY source`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var src string
		var n int
		if err := rows.Scan(&src, &n); err == nil {
			stats.BySource[Source(src)] = n
		}
	}
	rows.Close()

	rows, err = s.db.QueryContext(ctx, `SELECT category, COUNT(*) FROM reasoning_memories GROUP BY category`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var cat string
		var n int
		if err := rows.Scan(&cat, &n); err == nil {
			stats.ByCategory[Category(cat)] = n
		}
	}
	rows.Close()

	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(AVG(success_rate), 0) FROM reasoning_memories`).Scan(&stats.AvgSuccessRate); err != nil {
		return nil, err
	}

	topRows, err := s.db.QueryContext(ctx, selectColumns+` ORDER BY success_rate DESC, times_used_in_success DESC LIMIT 5`)
	if err != nil {
		return nil, err
	}
	defer topRows.Close()
	for topRows.Next() {
		m, err := scan(topRows)
		if err == nil {
			stats.TopPerformers = append(stats.TopPerformers, m)
		}
	}

	return stats, nil
}

const selectColumns = `
	SELECT memory_id, title, description, content, category, source,
		template_id, task_id, times_retrieved, times_used_in_success,
		times_used_in_failure, success_rate, user_intent_request,
		user_intent_flags, created_at, updated_at
	FROM reasoning_memories`

type rowScanner interface {
	Scan(dest ...any) error
}

func scan(row rowScanner) (*Memory, error) {
	var m Memory
	var category, source string
	var templateID, taskID, userIntentRequest sql.NullString
	var flagsJSON sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(
		&m.ID, &m.Title, &m.Description, &m.Content, &category, &source,
		&templateID, &taskID, &m.TimesRetrieved, &m.TimesUsedInSuccess,
		&m.TimesUsedInFailure, &m.SuccessRate, &userIntentRequest,
		&flagsJSON, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	m.Category = Category(category)
	m.Source = Source(source)
	m.TemplateID = templateID.String
	m.TaskID = taskID.String
	m.UserIntentRequest = userIntentRequest.String
	m.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	m.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)

	if flagsJSON.Valid && flagsJSON.String != "" && flagsJSON.String != "null" {
		var flags IntentFlags
		if err := json.Unmarshal([]byte(flagsJSON.String), &flags); err == nil {
			m.UserIntentFlags = &flags
		}
	}

	return &m, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
