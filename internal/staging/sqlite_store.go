package staging

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"
)

// Fixed width so that lexical order matches time order in SQL comparisons.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

const submissionColumns = `id, reference_id, submitter_email, submitter_name, related_record_id, related_object_type,
	status, retry_count, sync_attempts, last_error, task_count, created_at, last_attempt_at, last_synced_at,
	escalated_at, production_plan_id, production_contact_id`

type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	store, err := NewSQLiteStore(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// NewSQLiteStore wraps db and applies pending migrations. The pool is pinned
// to one connection so transactions serialize.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if db == nil {
		return nil, errors.New("staging: nil db")
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if err := MigrateUp(db); err != nil {
		return nil, err
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) StageSubmission(ctx context.Context, sub Submission, tasks []Task, entry LogEntry) error {
	if err := validateStage(sub, tasks); err != nil {
		return err
	}
	sub.TaskCount = len(tasks)
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO submissions (`+submissionColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, submissionArgs(sub)...)
		if err != nil {
			if isUniqueViolation(err) {
				return ErrDuplicateReference
			}
			return err
		}
		for _, task := range tasks {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO submission_tasks (submission_id, sequence, name, description, due_date_offset_days,
					priority, category, required, reminder_lead_days, assignee_email)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				task.SubmissionID, task.Sequence, task.Name, task.Description, task.DueDateOffsetDays,
				string(task.Priority), task.Category, boolInt(task.Required), task.ReminderLeadDays, task.AssigneeEmail,
			)
			if err != nil {
				return err
			}
		}
		if entry.Event == "" {
			return nil
		}
		entry.SubmissionID = sub.ID
		entry.ReferenceID = sub.ReferenceID
		return insertLog(ctx, tx, entry)
	})
}

func (s *SQLiteStore) ReserveRateSlot(ctx context.Context, identity string, bucket time.Time, limit int) (int, error) {
	identity = NormalizeIdentity(identity)
	if identity == "" {
		return 0, ErrInvalidInput
	}
	bucketKey := mustTime(RateBucket(bucket))
	var count int
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		cutoff := mustTime(RateBucket(s.now()).Add(-rateBucketRetention))
		if _, err := tx.ExecContext(ctx, `DELETE FROM rate_counters WHERE bucket < ?`, cutoff); err != nil {
			return err
		}
		err := tx.QueryRowContext(ctx, `SELECT count FROM rate_counters WHERE identity = ? AND bucket = ?`, identity, bucketKey).Scan(&count)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		if limit > 0 && count >= limit {
			return ErrRateLimited
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO rate_counters (identity, bucket, count) VALUES (?, ?, 1)
			ON CONFLICT (identity, bucket) DO UPDATE SET count = count + 1`, identity, bucketKey)
		if err != nil {
			return err
		}
		count++
		return nil
	})
	return count, err
}

func (s *SQLiteStore) ReleaseRateSlot(ctx context.Context, identity string, bucket time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE rate_counters SET count = count - 1
		WHERE identity = ? AND bucket = ? AND count > 0`, NormalizeIdentity(identity), mustTime(RateBucket(bucket)))
	return err
}

func (s *SQLiteStore) GetSubmission(ctx context.Context, id string) (Submission, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+submissionColumns+` FROM submissions WHERE id = ?`, id)
	return scanSubmissionRow(row)
}

func (s *SQLiteStore) GetSubmissionByReference(ctx context.Context, referenceID string) (Submission, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+submissionColumns+` FROM submissions WHERE reference_id = ?`, strings.TrimSpace(referenceID))
	return scanSubmissionRow(row)
}

func (s *SQLiteStore) ListTasks(ctx context.Context, submissionID string) ([]Task, error) {
	if _, err := s.GetSubmission(ctx, submissionID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT submission_id, sequence, name, description, due_date_offset_days, priority, category,
			required, reminder_lead_days, assignee_email
		FROM submission_tasks WHERE submission_id = ? ORDER BY sequence ASC`, submissionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Task, 0)
	for rows.Next() {
		var task Task
		var priority string
		var required int
		if err := rows.Scan(&task.SubmissionID, &task.Sequence, &task.Name, &task.Description, &task.DueDateOffsetDays,
			&priority, &task.Category, &required, &task.ReminderLeadDays, &task.AssigneeEmail); err != nil {
			return nil, err
		}
		task.Priority = Priority(priority)
		task.Required = required != 0
		out = append(out, task)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpdateSubmission(ctx context.Context, id string, expect []Status, mutate Mutator) (Submission, error) {
	var next Submission
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT `+submissionColumns+` FROM submissions WHERE id = ?`, id)
		current, err := scanSubmissionRow(row)
		if err != nil {
			return err
		}
		next, err = applyMutation(current, expect, mutate)
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE submissions
			SET submitter_email = ?, submitter_name = ?, related_record_id = ?, related_object_type = ?,
				status = ?, retry_count = ?, sync_attempts = ?, last_error = ?, task_count = ?,
				last_attempt_at = ?, last_synced_at = ?, escalated_at = ?, production_plan_id = ?, production_contact_id = ?
			WHERE id = ? AND status = ?`,
			next.SubmitterEmail, next.SubmitterName, next.RelatedRecordID, next.RelatedObjectType,
			string(next.Status), next.RetryCount, next.SyncAttempts, next.LastError, next.TaskCount,
			nullTime(next.LastAttemptAt), nullTime(next.LastSyncedAt), nullTime(next.EscalatedAt),
			next.ProductionPlanID, next.ProductionContactID,
			id, string(current.Status),
		)
		if err != nil {
			return err
		}
		return checkRowsAffected(res)
	})
	if err != nil {
		return Submission{}, err
	}
	return next, nil
}

func (s *SQLiteStore) AppendLog(ctx context.Context, entry LogEntry) error {
	if entry.Event == "" {
		return ErrInvalidInput
	}
	return insertLog(ctx, s.db, entry)
}

func (s *SQLiteStore) ListLogs(ctx context.Context, submissionID string) ([]LogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, submission_id, reference_id, event, detail, created_at
		FROM processing_logs WHERE submission_id = ? ORDER BY created_at ASC, rowid ASC`, submissionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]LogEntry, 0)
	for rows.Next() {
		var entry LogEntry
		var event, created string
		if err := rows.Scan(&entry.ID, &entry.SubmissionID, &entry.ReferenceID, &event, &entry.Detail, &created); err != nil {
			return nil, err
		}
		entry.Event = LogEvent(event)
		if entry.CreatedAt, err = parseRequiredTime(created); err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ListSubmissions(ctx context.Context, filter SubmissionFilter) ([]Submission, error) {
	query := `SELECT ` + submissionColumns + ` FROM submissions`
	clauses := make([]string, 0, 6)
	args := make([]any, 0, 8)
	if len(filter.Statuses) > 0 {
		marks := make([]string, 0, len(filter.Statuses))
		for _, status := range filter.Statuses {
			marks = append(marks, "?")
			args = append(args, string(status))
		}
		clauses = append(clauses, "status IN ("+strings.Join(marks, ", ")+")")
	}
	if !filter.CreatedFrom.IsZero() {
		clauses = append(clauses, "created_at >= ?")
		args = append(args, mustTime(filter.CreatedFrom))
	}
	if !filter.CreatedTo.IsZero() {
		clauses = append(clauses, "created_at < ?")
		args = append(args, mustTime(filter.CreatedTo))
	}
	if filter.RetryCountBelow > 0 {
		clauses = append(clauses, "retry_count < ?")
		args = append(args, filter.RetryCountBelow)
	}
	if filter.RetryCountAtLeast > 0 {
		clauses = append(clauses, "retry_count >= ?")
		args = append(args, filter.RetryCountAtLeast)
	}
	if filter.NotEscalated {
		clauses = append(clauses, "escalated_at IS NULL")
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	switch filter.Order {
	case OrderLastAttemptAsc:
		query += ` ORDER BY COALESCE(last_attempt_at, created_at) ASC, created_at ASC, id ASC`
	default:
		query += ` ORDER BY created_at DESC, id DESC`
	}
	if filter.Limit <= 0 && filter.Offset > 0 {
		query += ` LIMIT -1`
	}
	query += applyPagination(&args, filter.Limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Submission, 0)
	for rows.Next() {
		sub, scanErr := scanSubmission(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertLog(ctx context.Context, db execer, entry LogEntry) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO processing_logs (id, submission_id, reference_id, event, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.SubmissionID, entry.ReferenceID, string(entry.Event), entry.Detail, mustTime(entry.CreatedAt),
	)
	return err
}

func submissionArgs(sub Submission) []any {
	return []any{
		sub.ID, sub.ReferenceID, sub.SubmitterEmail, sub.SubmitterName, sub.RelatedRecordID, sub.RelatedObjectType,
		string(sub.Status), sub.RetryCount, sub.SyncAttempts, sub.LastError, sub.TaskCount, mustTime(sub.CreatedAt),
		nullTime(sub.LastAttemptAt), nullTime(sub.LastSyncedAt), nullTime(sub.EscalatedAt),
		sub.ProductionPlanID, sub.ProductionContactID,
	}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSubmissionRow(row scanner) (Submission, error) {
	sub, err := scanSubmission(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Submission{}, ErrNotFound
	}
	return sub, err
}

func scanSubmission(s scanner) (Submission, error) {
	var out Submission
	var status, created string
	var lastAttempt, lastSynced, escalated sql.NullString
	if err := s.Scan(&out.ID, &out.ReferenceID, &out.SubmitterEmail, &out.SubmitterName, &out.RelatedRecordID,
		&out.RelatedObjectType, &status, &out.RetryCount, &out.SyncAttempts, &out.LastError, &out.TaskCount,
		&created, &lastAttempt, &lastSynced, &escalated, &out.ProductionPlanID, &out.ProductionContactID); err != nil {
		return Submission{}, err
	}
	out.Status = Status(status)
	var err error
	if out.CreatedAt, err = parseRequiredTime(created); err != nil {
		return Submission{}, err
	}
	if out.LastAttemptAt, err = parseNullableTime(lastAttempt); err != nil {
		return Submission{}, err
	}
	if out.LastSyncedAt, err = parseNullableTime(lastSynced); err != nil {
		return Submission{}, err
	}
	if out.EscalatedAt, err = parseNullableTime(escalated); err != nil {
		return Submission{}, err
	}
	return out, nil
}

func nullTime(v *time.Time) any {
	if v == nil {
		return nil
	}
	return v.UTC().Format(sqliteTimeLayout)
}

func mustTime(v time.Time) string {
	return v.UTC().Format(sqliteTimeLayout)
}

func parseNullableTime(v sql.NullString) (*time.Time, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	tm, err := time.Parse(sqliteTimeLayout, v.String)
	if err != nil {
		return nil, err
	}
	return &tm, nil
}

func parseRequiredTime(v string) (time.Time, error) {
	return time.Parse(sqliteTimeLayout, v)
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func applyPagination(args *[]any, limit, offset int) string {
	sql := ""
	if limit > 0 {
		sql += " LIMIT ?"
		*args = append(*args, limit)
	}
	if offset > 0 {
		sql += " OFFSET ?"
		*args = append(*args, offset)
	}
	return sql
}

func checkRowsAffected(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrInvalidTransition
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique || sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
