package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/dunamismax/florique/internal/domain"
	"github.com/lib/pq"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS users (
	user_id TEXT PRIMARY KEY,
	credit INTEGER NOT NULL DEFAULT 0 CHECK (credit >= 0),
	created_date TIMESTAMPTZ,
	device_type TEXT,
	ip_address TEXT,
	location TEXT
);

CREATE TABLE IF NOT EXISTS jobs (
	job_id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	status TEXT NOT NULL,
	progress INTEGER NOT NULL DEFAULT 0 CHECK (progress BETWEEN 0 AND 100),
	original_image TEXT,
	enhanced_image TEXT,
	background_style TEXT NOT NULL,
	device_token TEXT,
	created_at TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ,
	error_message TEXT
);

CREATE TABLE IF NOT EXISTS backgrounds (
	background TEXT PRIMARY KEY
);

CREATE TABLE IF NOT EXISTS feedback (
	feedback_id BIGSERIAL PRIMARY KEY,
	user_id TEXT NOT NULL,
	email TEXT NOT NULL,
	feedback_text TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS configurations (
	config_key TEXT PRIMARY KEY,
	config_value TEXT,
	is_encrypted BOOLEAN NOT NULL DEFAULT FALSE
);
`

const uniqueViolation = "23505"

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open postgres connection")
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "ping postgres")
	}

	store := NewPostgresStoreFromDB(db)
	if err := store.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

// NewPostgresStoreFromDB wraps an already opened handle; the caller owns
// schema management.
func NewPostgresStoreFromDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return errors.Wrap(err, "ensure schema")
	}
	return nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) CreateJob(ctx context.Context, job domain.Job) error {
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO jobs (job_id, user_id, status, progress, original_image, background_style, device_token, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		job.ID,
		job.Owner,
		string(job.Status),
		job.Progress,
		job.InputPayload,
		job.StyleParameter,
		nullString(job.NotificationTarget),
		job.CreatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return errors.Wrapf(ErrJobExists, "insert job %s", job.ID)
		}
		return errors.Wrap(err, "insert job")
	}
	return nil
}

func (s *PostgresStore) UpdateProgress(ctx context.Context, jobID string, progress int) error {
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE jobs SET progress = GREATEST(progress, $2) WHERE job_id = $1 AND status = 'processing'`,
		jobID,
		progress,
	)
	if err != nil {
		return errors.Wrap(err, "update job progress")
	}
	return s.requireProcessingRow(ctx, res, jobID)
}

func (s *PostgresStore) CompleteJob(ctx context.Context, jobID, outputPayload string) error {
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE jobs SET status = 'completed', progress = 100, enhanced_image = $2, completed_at = $3 WHERE job_id = $1 AND status = 'processing'`,
		jobID,
		outputPayload,
		time.Now().UTC(),
	)
	if err != nil {
		return errors.Wrap(err, "complete job")
	}
	return s.requireProcessingRow(ctx, res, jobID)
}

func (s *PostgresStore) FailJob(ctx context.Context, jobID, errorDetail string) error {
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE jobs SET status = 'failed', error_message = $2, completed_at = $3 WHERE job_id = $1 AND status = 'processing'`,
		jobID,
		errorDetail,
		time.Now().UTC(),
	)
	if err != nil {
		return errors.Wrap(err, "fail job")
	}
	return s.requireProcessingRow(ctx, res, jobID)
}

// requireProcessingRow tells a missing job apart from a job that already left
// the processing state when a guarded update touched no row.
func (s *PostgresStore) requireProcessingRow(ctx context.Context, res sql.Result, jobID string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "read affected rows")
	}
	if affected > 0 {
		return nil
	}

	_, ok, err := s.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if !ok {
		return errors.Wrapf(ErrJobNotFound, "job %s", jobID)
	}
	return errors.Wrapf(ErrJobTerminal, "job %s", jobID)
}

func (s *PostgresStore) GetJob(ctx context.Context, jobID string) (domain.Job, bool, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT job_id, user_id, status, progress, original_image, enhanced_image, background_style, device_token, created_at, completed_at, error_message
		 FROM jobs
		 WHERE job_id = $1`,
		jobID,
	)

	var (
		job         domain.Job
		status      string
		input       sql.NullString
		output      sql.NullString
		deviceToken sql.NullString
		completedAt sql.NullTime
		errMsg      sql.NullString
	)
	if err := row.Scan(
		&job.ID,
		&job.Owner,
		&status,
		&job.Progress,
		&input,
		&output,
		&job.StyleParameter,
		&deviceToken,
		&job.CreatedAt,
		&completedAt,
		&errMsg,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Job{}, false, nil
		}
		return domain.Job{}, false, errors.Wrap(err, "query job")
	}

	job.Status = domain.JobStatus(status)
	job.InputPayload = input.String
	job.OutputPayload = output.String
	job.NotificationTarget = deviceToken.String
	job.ErrorDetail = errMsg.String
	if completedAt.Valid {
		t := completedAt.Time.UTC()
		job.CompletedAt = &t
	}
	return job, true, nil
}

func (s *PostgresStore) TryDebitCredit(ctx context.Context, owner string, amount int) (bool, error) {
	if amount <= 0 {
		return false, ErrInvalidDebit
	}

	res, err := s.db.ExecContext(
		ctx,
		`UPDATE users SET credit = credit - $2 WHERE user_id = $1 AND credit >= $2`,
		owner,
		amount,
	)
	if err != nil {
		return false, errors.Wrap(err, "debit credit")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "read affected rows")
	}
	return affected == 1, nil
}

func (s *PostgresStore) AddCredits(ctx context.Context, owner string, amount int) (bool, error) {
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE users SET credit = credit + $2 WHERE user_id = $1 AND credit + $2 >= 0`,
		owner,
		amount,
	)
	if err != nil {
		return false, errors.Wrap(err, "update credits")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "read affected rows")
	}
	return affected == 1, nil
}

func (s *PostgresStore) GetCredits(ctx context.Context, owner string) (int, bool, error) {
	var credit int
	err := s.db.QueryRowContext(ctx, `SELECT credit FROM users WHERE user_id = $1`, owner).Scan(&credit)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errors.Wrap(err, "query credits")
	}
	return credit, true, nil
}

func (s *PostgresStore) RegisterUser(ctx context.Context, user domain.User) error {
	createdAt := time.Now().UTC()
	if user.CreatedAt != nil {
		createdAt = *user.CreatedAt
	}

	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO users (user_id, created_date, device_type, ip_address, location)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (user_id) DO UPDATE SET
			created_date = COALESCE(users.created_date, EXCLUDED.created_date),
			device_type = COALESCE(users.device_type, EXCLUDED.device_type),
			ip_address = COALESCE(users.ip_address, EXCLUDED.ip_address),
			location = COALESCE(users.location, EXCLUDED.location)`,
		user.UserID,
		createdAt,
		nullString(user.DeviceType),
		nullString(user.IPAddress),
		nullString(user.Location),
	)
	if err != nil {
		return errors.Wrap(err, "register user")
	}
	return nil
}

func (s *PostgresStore) GetUser(ctx context.Context, userID string) (domain.User, bool, error) {
	var (
		user       domain.User
		created    sql.NullTime
		deviceType sql.NullString
		ipAddress  sql.NullString
		location   sql.NullString
	)
	err := s.db.QueryRowContext(
		ctx,
		`SELECT user_id, credit, created_date, device_type, ip_address, location FROM users WHERE user_id = $1`,
		userID,
	).Scan(&user.UserID, &user.Credit, &created, &deviceType, &ipAddress, &location)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.User{}, false, nil
	}
	if err != nil {
		return domain.User{}, false, errors.Wrap(err, "query user")
	}

	if created.Valid {
		t := created.Time.UTC()
		user.CreatedAt = &t
	}
	user.DeviceType = deviceType.String
	user.IPAddress = ipAddress.String
	user.Location = location.String
	return user, true, nil
}

func (s *PostgresStore) ListBackgrounds(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT background FROM backgrounds ORDER BY background`)
	if err != nil {
		return nil, errors.Wrap(err, "query backgrounds")
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var bg string
		if err := rows.Scan(&bg); err != nil {
			return nil, errors.Wrap(err, "scan background")
		}
		out = append(out, bg)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate backgrounds")
	}
	return out, nil
}

func (s *PostgresStore) SubmitFeedback(ctx context.Context, feedback domain.Feedback) error {
	createdAt := feedback.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO feedback (user_id, email, feedback_text, created_at) VALUES ($1, $2, $3, $4)`,
		feedback.UserID,
		feedback.Email,
		feedback.Text,
		createdAt,
	)
	if err != nil {
		return errors.Wrap(err, "insert feedback")
	}
	return nil
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}
