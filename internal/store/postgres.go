package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/scout-interest/scout/internal/db"
	"github.com/scout-interest/scout/internal/model"
)

// PostgresStore implements Store on a pgx pool.
type PostgresStore struct {
	pool db.Pool
}

// NewPostgres connects to Postgres.
func NewPostgres(ctx context.Context, connString string, poolCfg db.PoolConfig) (*PostgresStore, error) {
	pool, err := db.Connect(ctx, connString, poolCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: connect")
	}
	return &PostgresStore{pool: pool}, nil
}

// NewPostgresFromPool wraps an existing pool.
func NewPostgresFromPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS projects (
	id                     TEXT PRIMARY KEY,
	name                   TEXT NOT NULL,
	status                 TEXT NOT NULL DEFAULT 'pending_targeting',
	status_detail          TEXT NOT NULL DEFAULT '',
	total_postal_codes     INTEGER NOT NULL DEFAULT 0,
	processed_postal_codes INTEGER NOT NULL DEFAULT 0,
	error_postal_codes     INTEGER NOT NULL DEFAULT 0,
	targeting_spec         JSONB,
	current_run_id         TEXT NOT NULL DEFAULT '',
	created_at             TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at             TIMESTAMPTZ NOT NULL DEFAULT now(),
	CHECK (processed_postal_codes <= total_postal_codes)
);

CREATE TABLE IF NOT EXISTS postal_code_results (
	project_id                          TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
	postal_code                         TEXT NOT NULL,
	position                            INTEGER NOT NULL DEFAULT 0,
	country_code                        TEXT NOT NULL DEFAULT 'US',
	zip_geo_data                        JSONB,
	postal_code_only_estimate           JSONB,
	postal_code_with_targeting_estimate JSONB,
	success                             BOOLEAN NOT NULL DEFAULT false,
	error_message                       TEXT,
	run_id                              TEXT NOT NULL DEFAULT '',
	processed_at                        TIMESTAMPTZ,
	created_at                          TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at                          TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (project_id, postal_code)
);

CREATE INDEX IF NOT EXISTS idx_projects_status ON projects(status);
CREATE INDEX IF NOT EXISTS idx_results_project_run ON postal_code_results(project_id, run_id);
`

const projectColumns = `id, name, status, status_detail, total_postal_codes, processed_postal_codes, error_postal_codes, targeting_spec, current_run_id, created_at, updated_at`

const resultColumns = `project_id, postal_code, country_code, zip_geo_data, postal_code_only_estimate, postal_code_with_targeting_estimate, success, error_message, run_id, processed_at`

const pgProgressQuery = `SELECT COUNT(*),
	COUNT(*) FILTER (WHERE run_id = $2 AND processed_at IS NOT NULL),
	COUNT(*) FILTER (WHERE run_id = $2 AND processed_at IS NOT NULL AND NOT success)
	FROM postal_code_results WHERE project_id = $1`

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) CreateProject(ctx context.Context, in NewProject) (*model.Project, error) {
	codes := dedupe(in.PostalCodes)
	if len(codes) == 0 {
		return nil, eris.New("postgres: create project: no postal codes")
	}
	country := in.CountryCode
	if country == "" {
		country = model.DefaultCountryCode
	}

	p := &model.Project{
		ID:               uuid.New().String(),
		Name:             in.Name,
		Status:           model.ProjectStatusPendingTargeting,
		TotalPostalCodes: len(codes),
		CreatedAt:        now(),
	}
	p.UpdatedAt = p.CreatedAt

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: begin create project")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	_, err = tx.Exec(ctx,
		`INSERT INTO projects (id, name, status, total_postal_codes, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		p.ID, p.Name, string(p.Status), p.TotalPostalCodes, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert project")
	}

	rows := make([][]any, len(codes))
	for i, code := range codes {
		rows[i] = []any{p.ID, code, i, country}
	}
	_, err = db.BulkUpsertTx(ctx, tx, db.UpsertConfig{
		Table:        "postal_code_results",
		Columns:      []string{"project_id", "postal_code", "position", "country_code"},
		ConflictKeys: []string{"project_id", "postal_code"},
		UpdateCols:   []string{},
	}, rows)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert placeholder results")
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "postgres: commit create project")
	}
	return p, nil
}

func (s *PostgresStore) GetProject(ctx context.Context, id string) (*model.Project, error) {
	p, err := scanProject(s.pool.QueryRow(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE id = $1`, id))
	if err != nil {
		return nil, wrapNotFound(err, "postgres: get project", id)
	}
	return p, nil
}

func (s *PostgresStore) ListProjects(ctx context.Context, filter ProjectFilter) ([]model.Project, error) {
	query := `SELECT ` + projectColumns + ` FROM projects WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list projects")
	}
	defer rows.Close()

	var projects []model.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan project")
		}
		projects = append(projects, *p)
	}
	return projects, eris.Wrap(rows.Err(), "postgres: list projects iterate")
}

func (s *PostgresStore) DeleteProject(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM projects WHERE id = $1 AND status <> $2`,
		id, string(model.ProjectStatusProcessing),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: delete project %s", id)
	}
	if tag.RowsAffected() == 0 {
		return s.explainMiss(ctx, id, nil)
	}
	return nil
}

func (s *PostgresStore) UpdateTargeting(ctx context.Context, id string, spec *model.TargetingSpec) (*model.Project, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	specJSON, err := jsonOrNil(spec)
	if err != nil {
		return nil, err
	}

	p, err := scanProject(s.pool.QueryRow(ctx,
		`UPDATE projects SET targeting_spec = $2, status = $3, status_detail = '', updated_at = $4
		 WHERE id = $1 AND status <> $5
		 RETURNING `+projectColumns,
		id, specJSON, string(model.ProjectStatusPending), now(), string(model.ProjectStatusProcessing),
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, s.explainMiss(ctx, id, nil)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: update targeting %s", id)
	}
	return p, nil
}

func (s *PostgresStore) BeginRun(ctx context.Context, projectID, runID string) (*model.Project, error) {
	p, err := scanProject(s.pool.QueryRow(ctx,
		`UPDATE projects SET status = $3, status_detail = '', current_run_id = $2,
		 processed_postal_codes = 0, error_postal_codes = 0,
		 total_postal_codes = (SELECT COUNT(*) FROM postal_code_results WHERE project_id = $1),
		 updated_at = $4
		 WHERE id = $1 AND status <> $3 AND targeting_spec IS NOT NULL
		 RETURNING `+projectColumns,
		projectID, runID, string(model.ProjectStatusProcessing), now(),
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, s.explainMiss(ctx, projectID, ErrNoTargeting)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: begin run %s", projectID)
	}
	return p, nil
}

func (s *PostgresStore) SaveResult(ctx context.Context, r *model.PostalCodeResult) (*model.Project, error) {
	enc, err := encodeResult(r)
	if err != nil {
		return nil, err
	}
	processedAt := now()
	if r.ProcessedAt != nil {
		processedAt = r.ProcessedAt.UTC()
	}
	var errMsg *string
	if r.ErrorMessage != "" {
		errMsg = &r.ErrorMessage
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: begin save result")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	status, currentRun, err := lockProject(ctx, tx, r.ProjectID)
	if err != nil {
		return nil, err
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO postal_code_results (`+resultColumns+`, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10, $10)
		 ON CONFLICT (project_id, postal_code) DO UPDATE SET
			country_code = EXCLUDED.country_code,
			zip_geo_data = EXCLUDED.zip_geo_data,
			postal_code_only_estimate = EXCLUDED.postal_code_only_estimate,
			postal_code_with_targeting_estimate = EXCLUDED.postal_code_with_targeting_estimate,
			success = EXCLUDED.success,
			error_message = EXCLUDED.error_message,
			run_id = EXCLUDED.run_id,
			processed_at = EXCLUDED.processed_at,
			updated_at = EXCLUDED.updated_at`,
		r.ProjectID, r.PostalCode, r.CountryCode, enc.geo, enc.geoOnly, enc.targeted,
		r.Success, errMsg, r.RunID, processedAt,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: upsert result %s/%s", r.ProjectID, r.PostalCode)
	}

	prog, err := pgProgress(ctx, tx, r.ProjectID, currentRun)
	if err != nil {
		return nil, err
	}
	next := status
	if r.RunID == currentRun {
		next = nextStatus(status, prog)
	}

	p, err := pgWriteProgress(ctx, tx, r.ProjectID, prog, next, nil)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "postgres: commit save result")
	}
	return p, nil
}

func (s *PostgresStore) FinishRun(ctx context.Context, projectID, runID, detail string) (*model.Project, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: begin finish run")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	status, currentRun, err := lockProject(ctx, tx, projectID)
	if err != nil {
		return nil, err
	}
	if status != model.ProjectStatusProcessing || currentRun != runID {
		if err := tx.Commit(ctx); err != nil {
			return nil, eris.Wrap(err, "postgres: commit finish run")
		}
		return s.GetProject(ctx, projectID)
	}

	prog, err := pgProgress(ctx, tx, projectID, runID)
	if err != nil {
		return nil, err
	}
	final, finalDetail := finalStatus(prog, detail)
	p, err := pgWriteProgress(ctx, tx, projectID, prog, final, &finalDetail)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "postgres: commit finish run")
	}
	return p, nil
}

func (s *PostgresStore) ListResults(ctx context.Context, projectID string) ([]model.PostalCodeResult, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+resultColumns+` FROM postal_code_results WHERE project_id = $1 ORDER BY position, postal_code`,
		projectID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list results %s", projectID)
	}
	defer rows.Close()

	var results []model.PostalCodeResult
	for rows.Next() {
		var r model.PostalCodeResult
		var j resultJSON
		var errMsg *string
		if err := rows.Scan(&r.ProjectID, &r.PostalCode, &r.CountryCode, &j.geo, &j.geoOnly, &j.targeted,
			&r.Success, &errMsg, &r.RunID, &r.ProcessedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan result")
		}
		if errMsg != nil {
			r.ErrorMessage = *errMsg
		}
		if err := decodeResult(&r, j); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, eris.Wrap(rows.Err(), "postgres: list results iterate")
}

func (s *PostgresStore) ListPostalCodes(ctx context.Context, projectID string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT postal_code FROM postal_code_results WHERE project_id = $1 ORDER BY position, postal_code`,
		projectID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list postal codes %s", projectID)
	}
	defer rows.Close()

	var codes []string
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return nil, eris.Wrap(err, "postgres: scan postal code")
		}
		codes = append(codes, code)
	}
	return codes, eris.Wrap(rows.Err(), "postgres: list postal codes iterate")
}

// explainMiss turns a conditional write that matched no row into
// ErrNotFound, ErrProjectBusy, or fallback.
func (s *PostgresStore) explainMiss(ctx context.Context, id string, fallback error) error {
	p, err := s.GetProject(ctx, id)
	if err != nil {
		return err
	}
	if p.Status == model.ProjectStatusProcessing {
		return eris.Wrapf(ErrProjectBusy, "project %s", id)
	}
	if fallback != nil {
		return eris.Wrapf(fallback, "project %s", id)
	}
	return eris.Errorf("postgres: project %s unchanged", id)
}

func lockProject(ctx context.Context, tx pgx.Tx, id string) (model.ProjectStatus, string, error) {
	var status, runID string
	err := tx.QueryRow(ctx,
		`SELECT status, current_run_id FROM projects WHERE id = $1 FOR UPDATE`, id,
	).Scan(&status, &runID)
	if err != nil {
		return "", "", wrapNotFound(err, "postgres: lock project", id)
	}
	return model.ProjectStatus(status), runID, nil
}

func pgProgress(ctx context.Context, tx pgx.Tx, projectID, runID string) (progress, error) {
	var p progress
	err := tx.QueryRow(ctx, pgProgressQuery, projectID, runID).Scan(&p.Total, &p.Processed, &p.Errors)
	if err != nil {
		return p, eris.Wrapf(err, "postgres: count results %s", projectID)
	}
	return p, nil
}

func pgWriteProgress(ctx context.Context, tx pgx.Tx, id string, p progress, status model.ProjectStatus, detail *string) (*model.Project, error) {
	query := `UPDATE projects SET total_postal_codes = $2, processed_postal_codes = $3,
		error_postal_codes = $4, status = $5, updated_at = $6`
	args := []any{id, p.Total, p.Processed, p.Errors, string(status), now()}
	if detail != nil {
		query += `, status_detail = $7`
		args = append(args, *detail)
	}
	query += ` WHERE id = $1 RETURNING ` + projectColumns

	proj, err := scanProject(tx.QueryRow(ctx, query, args...))
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: update progress %s", id)
	}
	return proj, nil
}

func scanProject(row pgx.Row) (*model.Project, error) {
	var p model.Project
	var status string
	var specJSON []byte
	err := row.Scan(&p.ID, &p.Name, &status, &p.StatusDetail, &p.TotalPostalCodes,
		&p.ProcessedPostalCodes, &p.ErrorPostalCodes, &specJSON, &p.CurrentRunID,
		&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.Status = model.ProjectStatus(status)
	if p.TargetingSpec, err = decodeJSON[model.TargetingSpec](specJSON); err != nil {
		return nil, err
	}
	return &p, nil
}

func wrapNotFound(err error, msg, id string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return eris.Wrapf(ErrNotFound, "%s %s", msg, id)
	}
	return eris.Wrapf(err, "%s %s", msg, id)
}
