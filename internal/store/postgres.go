package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver
	"go.uber.org/zap"
)

// PostgresConfig contains the attempt/log database configuration.
type PostgresConfig struct {
	Host            string
	Port            int
	Database        string
	Username        string
	Password        string
	SSLMode         string
	MaxConnections  int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// PostgresStore implements ExamStore and EventLog on PostgreSQL.
type PostgresStore struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewPostgresStore connects, configures the pool, and bootstraps the schema.
func NewPostgresStore(cfg PostgresConfig) (*PostgresStore, error) {
	if cfg.Port == 0 {
		cfg.Port = 5432
	}
	if cfg.SSLMode == "" {
		cfg.SSLMode = "require"
	}
	if cfg.MaxConnections == 0 {
		cfg.MaxConnections = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.Username, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &PostgresStore{
		db:     db,
		logger: zap.L().Named("postgres-store"),
	}
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE EXTENSION IF NOT EXISTS "uuid-ossp";

	CREATE TABLE IF NOT EXISTS exams (
		id UUID PRIMARY KEY DEFAULT uuid_generate_v4(),
		title VARCHAR(500) NOT NULL,
		duration_minutes INTEGER NOT NULL DEFAULT 60,
		questions JSONB DEFAULT '[]',
		is_active BOOLEAN DEFAULT TRUE,
		created_at TIMESTAMPTZ DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS exam_attempts (
		id UUID PRIMARY KEY DEFAULT uuid_generate_v4(),
		exam_id UUID NOT NULL,
		student_id VARCHAR(255) NOT NULL,
		answers JSONB DEFAULT '{}',
		score FLOAT,
		recording_url TEXT,
		started_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		submitted_at TIMESTAMPTZ,
		completed_at TIMESTAMPTZ,
		updated_at TIMESTAMPTZ DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS idx_attempts_exam_student
		ON exam_attempts(exam_id, student_id, started_at DESC);

	CREATE TABLE IF NOT EXISTS session_logs (
		id BIGSERIAL PRIMARY KEY,
		exam_attempt_id VARCHAR(255) NOT NULL,
		student_id VARCHAR(255) NOT NULL,
		event_type VARCHAR(50) NOT NULL,
		details TEXT DEFAULT '',
		created_at TIMESTAMPTZ DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS idx_session_logs_student
		ON session_logs(student_id, created_at DESC);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// GetExam fetches one exam by id.
func (s *PostgresStore) GetExam(ctx context.Context, id string) (*Exam, error) {
	var exam Exam
	err := s.db.GetContext(ctx, &exam,
		`SELECT id, title, duration_minutes, questions, is_active FROM exams WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("exam not found: %s", id)
		}
		return nil, fmt.Errorf("failed to get exam: %w", err)
	}
	return &exam, nil
}

// GetLatestAttempt finds the most recent attempt for (examID, studentID).
// Returns nil with no error when the student has no attempt row yet.
func (s *PostgresStore) GetLatestAttempt(ctx context.Context, examID, studentID string) (*Attempt, error) {
	var a Attempt
	err := s.db.GetContext(ctx, &a, `
		SELECT id, exam_id, student_id, answers, score, recording_url,
		       started_at, submitted_at, completed_at, updated_at
		FROM exam_attempts
		WHERE exam_id = $1 AND student_id = $2
		ORDER BY started_at DESC
		LIMIT 1`, examID, studentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get latest attempt: %w", err)
	}
	return &a, nil
}

var validFieldName = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// UpdateAttempt applies fields to one attempt row and returns the number of
// rows matched.
func (s *PostgresStore) UpdateAttempt(ctx context.Context, id string, fields map[string]any) (int64, error) {
	if len(fields) == 0 {
		return 0, nil
	}

	setClauses := make([]string, 0, len(fields))
	args := make([]any, 0, len(fields)+1)
	argIdx := 1
	for field, value := range fields {
		if !validFieldName.MatchString(field) {
			return 0, fmt.Errorf("invalid field name: %s", field)
		}
		setClauses = append(setClauses, fmt.Sprintf("%s = $%d", field, argIdx))
		args = append(args, value)
		argIdx++
	}
	args = append(args, id)

	query := fmt.Sprintf(
		"UPDATE exam_attempts SET %s, updated_at = NOW() WHERE id = $%d",
		strings.Join(setClauses, ", "), argIdx,
	)
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to update attempt: %w", err)
	}
	return result.RowsAffected()
}

// InsertAttempt inserts a new attempt row and returns it with its generated id.
func (s *PostgresStore) InsertAttempt(ctx context.Context, a *Attempt) (*Attempt, error) {
	startedAt := a.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now()
	}
	row := *a
	row.StartedAt = startedAt
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO exam_attempts (exam_id, student_id, answers, score, recording_url,
		                           started_at, submitted_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, updated_at`,
		a.ExamID, a.StudentID, a.Answers, a.Score, a.RecordingURL,
		startedAt, a.SubmittedAt, a.CompletedAt,
	).Scan(&row.ID, &row.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert attempt: %w", err)
	}
	s.logger.Info("attempt inserted",
		zap.String("exam_id", a.ExamID),
		zap.String("student_id", a.StudentID))
	return &row, nil
}

// Insert appends one anti-cheat event.
func (s *PostgresStore) Insert(ctx context.Context, e LogEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_logs (exam_attempt_id, student_id, event_type, details)
		VALUES ($1, $2, $3, $4)`,
		e.ExamAttemptID, e.StudentID, e.EventType, e.Details)
	if err != nil {
		return fmt.Errorf("failed to insert session log: %w", err)
	}
	return nil
}

// ListByStudent returns the newest events first.
func (s *PostgresStore) ListByStudent(ctx context.Context, studentID string, limit int) ([]LogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	var entries []LogEntry
	err := s.db.SelectContext(ctx, &entries, `
		SELECT id, exam_attempt_id, student_id, event_type, details, created_at
		FROM session_logs
		WHERE student_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, studentID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list session logs: %w", err)
	}
	return entries, nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
