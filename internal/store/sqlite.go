package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/scout-interest/scout/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// One connection serializes writers, which makes every transaction
	// below atomic with respect to the others.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS projects (
	id                     TEXT PRIMARY KEY,
	name                   TEXT NOT NULL,
	status                 TEXT NOT NULL DEFAULT 'pending_targeting',
	status_detail          TEXT NOT NULL DEFAULT '',
	total_postal_codes     INTEGER NOT NULL DEFAULT 0,
	processed_postal_codes INTEGER NOT NULL DEFAULT 0,
	error_postal_codes     INTEGER NOT NULL DEFAULT 0,
	targeting_spec         TEXT,
	current_run_id         TEXT NOT NULL DEFAULT '',
	created_at             DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at             DATETIME NOT NULL DEFAULT (datetime('now')),
	CHECK (processed_postal_codes <= total_postal_codes)
);

CREATE TABLE IF NOT EXISTS postal_code_results (
	project_id                          TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
	postal_code                         TEXT NOT NULL,
	position                            INTEGER NOT NULL DEFAULT 0,
	country_code                        TEXT NOT NULL DEFAULT 'US',
	zip_geo_data                        TEXT,
	postal_code_only_estimate           TEXT,
	postal_code_with_targeting_estimate TEXT,
	success                             INTEGER NOT NULL DEFAULT 0,
	error_message                       TEXT,
	run_id                              TEXT NOT NULL DEFAULT '',
	processed_at                        DATETIME,
	created_at                          DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at                          DATETIME NOT NULL DEFAULT (datetime('now')),
	PRIMARY KEY (project_id, postal_code)
);

CREATE INDEX IF NOT EXISTS idx_projects_status ON projects(status);
CREATE INDEX IF NOT EXISTS idx_results_project_run ON postal_code_results(project_id, run_id);
`

const sqliteProgressQuery = `SELECT COUNT(*),
	COALESCE(SUM(CASE WHEN run_id = ? AND processed_at IS NOT NULL THEN 1 ELSE 0 END), 0),
	COALESCE(SUM(CASE WHEN run_id = ? AND processed_at IS NOT NULL AND success = 0 THEN 1 ELSE 0 END), 0)
	FROM postal_code_results WHERE project_id = ?`

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateProject(ctx context.Context, in NewProject) (*model.Project, error) {
	codes := dedupe(in.PostalCodes)
	if len(codes) == 0 {
		return nil, eris.New("sqlite: create project: no postal codes")
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

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin create project")
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx,
		`INSERT INTO projects (id, name, status, total_postal_codes, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, string(p.Status), p.TotalPostalCodes, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert project")
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO postal_code_results (project_id, postal_code, position, country_code, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?) ON CONFLICT (project_id, postal_code) DO NOTHING`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: prepare placeholder insert")
	}
	defer stmt.Close()
	for i, code := range codes {
		if _, err := stmt.ExecContext(ctx, p.ID, code, i, country, p.CreatedAt, p.CreatedAt); err != nil {
			return nil, eris.Wrapf(err, "sqlite: insert placeholder %s", code)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: commit create project")
	}
	return p, nil
}

func (s *SQLiteStore) GetProject(ctx context.Context, id string) (*model.Project, error) {
	return getSQLiteProject(ctx, s.db, id)
}

func (s *SQLiteStore) ListProjects(ctx context.Context, filter ProjectFilter) ([]model.Project, error) {
	query := `SELECT ` + projectColumns + ` FROM projects WHERE 1=1`
	args := []any{}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ? OFFSET ?`
	args = append(args, limit, max(filter.Offset, 0))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list projects")
	}
	defer rows.Close()

	var projects []model.Project
	for rows.Next() {
		p, err := scanSQLiteProject(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan project")
		}
		projects = append(projects, *p)
	}
	return projects, eris.Wrap(rows.Err(), "sqlite: list projects iterate")
}

func (s *SQLiteStore) DeleteProject(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM projects WHERE id = ? AND status <> ?`,
		id, string(model.ProjectStatusProcessing),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: delete project %s", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.explainMiss(ctx, id, nil)
	}
	return nil
}

func (s *SQLiteStore) UpdateTargeting(ctx context.Context, id string, spec *model.TargetingSpec) (*model.Project, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	specJSON, err := jsonOrNil(spec)
	if err != nil {
		return nil, err
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE projects SET targeting_spec = ?, status = ?, status_detail = '', updated_at = ?
		 WHERE id = ? AND status <> ?`,
		string(specJSON), string(model.ProjectStatusPending), now(), id, string(model.ProjectStatusProcessing),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: update targeting %s", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, s.explainMiss(ctx, id, nil)
	}
	return s.GetProject(ctx, id)
}

func (s *SQLiteStore) BeginRun(ctx context.Context, projectID, runID string) (*model.Project, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE projects SET status = ?, status_detail = '', current_run_id = ?,
		 processed_postal_codes = 0, error_postal_codes = 0,
		 total_postal_codes = (SELECT COUNT(*) FROM postal_code_results WHERE project_id = ?),
		 updated_at = ?
		 WHERE id = ? AND status <> ? AND targeting_spec IS NOT NULL`,
		string(model.ProjectStatusProcessing), runID, projectID, now(), projectID, string(model.ProjectStatusProcessing),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: begin run %s", projectID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, s.explainMiss(ctx, projectID, ErrNoTargeting)
	}
	return s.GetProject(ctx, projectID)
}

func (s *SQLiteStore) SaveResult(ctx context.Context, r *model.PostalCodeResult) (*model.Project, error) {
	enc, err := encodeResult(r)
	if err != nil {
		return nil, err
	}
	processedAt := now()
	if r.ProcessedAt != nil {
		processedAt = r.ProcessedAt.UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin save result")
	}
	defer tx.Rollback() //nolint:errcheck

	status, currentRun, err := sqliteRunState(ctx, tx, r.ProjectID)
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO postal_code_results (`+resultColumns+`, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (project_id, postal_code) DO UPDATE SET
			country_code = excluded.country_code,
			zip_geo_data = excluded.zip_geo_data,
			postal_code_only_estimate = excluded.postal_code_only_estimate,
			postal_code_with_targeting_estimate = excluded.postal_code_with_targeting_estimate,
			success = excluded.success,
			error_message = excluded.error_message,
			run_id = excluded.run_id,
			processed_at = excluded.processed_at,
			updated_at = excluded.updated_at`,
		r.ProjectID, r.PostalCode, r.CountryCode, nullText(enc.geo), nullText(enc.geoOnly), nullText(enc.targeted),
		r.Success, nullString(r.ErrorMessage), r.RunID, processedAt, processedAt, processedAt,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: upsert result %s/%s", r.ProjectID, r.PostalCode)
	}

	prog, err := sqliteProgress(ctx, tx, r.ProjectID, currentRun)
	if err != nil {
		return nil, err
	}
	next := status
	if r.RunID == currentRun {
		next = nextStatus(status, prog)
	}
	if err := sqliteWriteProgress(ctx, tx, r.ProjectID, prog, next, nil); err != nil {
		return nil, err
	}

	p, err := getSQLiteProject(ctx, tx, r.ProjectID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: commit save result")
	}
	return p, nil
}

func (s *SQLiteStore) FinishRun(ctx context.Context, projectID, runID, detail string) (*model.Project, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin finish run")
	}
	defer tx.Rollback() //nolint:errcheck

	status, currentRun, err := sqliteRunState(ctx, tx, projectID)
	if err != nil {
		return nil, err
	}
	if status == model.ProjectStatusProcessing && currentRun == runID {
		prog, err := sqliteProgress(ctx, tx, projectID, runID)
		if err != nil {
			return nil, err
		}
		final, finalDetail := finalStatus(prog, detail)
		if err := sqliteWriteProgress(ctx, tx, projectID, prog, final, &finalDetail); err != nil {
			return nil, err
		}
	}

	p, err := getSQLiteProject(ctx, tx, projectID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: commit finish run")
	}
	return p, nil
}

func (s *SQLiteStore) ListResults(ctx context.Context, projectID string) ([]model.PostalCodeResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+resultColumns+` FROM postal_code_results WHERE project_id = ? ORDER BY position, postal_code`,
		projectID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list results %s", projectID)
	}
	defer rows.Close()

	var results []model.PostalCodeResult
	for rows.Next() {
		var r model.PostalCodeResult
		var geo, geoOnly, targeted, errMsg sql.NullString
		var processedAt sql.NullTime
		if err := rows.Scan(&r.ProjectID, &r.PostalCode, &r.CountryCode, &geo, &geoOnly, &targeted,
			&r.Success, &errMsg, &r.RunID, &processedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan result")
		}
		r.ErrorMessage = errMsg.String
		if processedAt.Valid {
			t := processedAt.Time
			r.ProcessedAt = &t
		}
		j := resultJSON{geo: []byte(geo.String), geoOnly: []byte(geoOnly.String), targeted: []byte(targeted.String)}
		if err := decodeResult(&r, j); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, eris.Wrap(rows.Err(), "sqlite: list results iterate")
}

func (s *SQLiteStore) ListPostalCodes(ctx context.Context, projectID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT postal_code FROM postal_code_results WHERE project_id = ? ORDER BY position, postal_code`,
		projectID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list postal codes %s", projectID)
	}
	defer rows.Close()

	var codes []string
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan postal code")
		}
		codes = append(codes, code)
	}
	return codes, eris.Wrap(rows.Err(), "sqlite: list postal codes iterate")
}

func (s *SQLiteStore) explainMiss(ctx context.Context, id string, fallback error) error {
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
	return eris.Errorf("sqlite: project %s unchanged", id)
}

// helpers

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scannable interface {
	Scan(dest ...any) error
}

func getSQLiteProject(ctx context.Context, q querier, id string) (*model.Project, error) {
	p, err := scanSQLiteProject(q.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: get project %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get project %s", id)
	}
	return p, nil
}

func sqliteRunState(ctx context.Context, tx *sql.Tx, id string) (model.ProjectStatus, string, error) {
	var status, runID string
	err := tx.QueryRowContext(ctx, `SELECT status, current_run_id FROM projects WHERE id = ?`, id).Scan(&status, &runID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", eris.Wrapf(ErrNotFound, "sqlite: project %s", id)
	}
	if err != nil {
		return "", "", eris.Wrapf(err, "sqlite: read project %s", id)
	}
	return model.ProjectStatus(status), runID, nil
}

func sqliteProgress(ctx context.Context, tx *sql.Tx, projectID, runID string) (progress, error) {
	var p progress
	err := tx.QueryRowContext(ctx, sqliteProgressQuery, runID, runID, projectID).Scan(&p.Total, &p.Processed, &p.Errors)
	if err != nil {
		return p, eris.Wrapf(err, "sqlite: count results %s", projectID)
	}
	return p, nil
}

func sqliteWriteProgress(ctx context.Context, tx *sql.Tx, id string, p progress, status model.ProjectStatus, detail *string) error {
	query := `UPDATE projects SET total_postal_codes = ?, processed_postal_codes = ?,
		error_postal_codes = ?, status = ?, updated_at = ?`
	args := []any{p.Total, p.Processed, p.Errors, string(status), now()}
	if detail != nil {
		query += `, status_detail = ?`
		args = append(args, *detail)
	}
	query += ` WHERE id = ?`
	args = append(args, id)

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return eris.Wrapf(err, "sqlite: update progress %s", id)
	}
	return nil
}

func scanSQLiteProject(row scannable) (*model.Project, error) {
	var p model.Project
	var status string
	var spec sql.NullString
	var created, updated time.Time
	err := row.Scan(&p.ID, &p.Name, &status, &p.StatusDetail, &p.TotalPostalCodes,
		&p.ProcessedPostalCodes, &p.ErrorPostalCodes, &spec, &p.CurrentRunID, &created, &updated)
	if err != nil {
		return nil, err
	}
	p.Status = model.ProjectStatus(status)
	p.CreatedAt, p.UpdatedAt = created, updated
	if p.TargetingSpec, err = decodeJSON[model.TargetingSpec]([]byte(spec.String)); err != nil {
		return nil, err
	}
	return &p, nil
}

func nullText(b []byte) any {
	if b == nil {
		return nil
	}
	return string(b)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
