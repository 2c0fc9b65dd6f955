package db

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// UpsertConfig describes a keyed bulk write.
type UpsertConfig struct {
	Table        string
	Columns      []string
	ConflictKeys []string
	// UpdateCols are overwritten on conflict. Nil means every non-key
	// column; an empty slice keeps existing rows untouched.
	UpdateCols []string
}

// BulkUpsertTx stages rows in a temp table with COPY and merges them into
// cfg.Table with INSERT ... ON CONFLICT, all inside tx. The temp table is
// dropped on commit.
func BulkUpsertTx(ctx context.Context, tx pgx.Tx, cfg UpsertConfig, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if len(cfg.Columns) == 0 || len(cfg.ConflictKeys) == 0 {
		return 0, eris.Errorf("db: upsert %s: columns and conflict keys are required", cfg.Table)
	}

	staging := "_tmp_upsert_" + strings.ReplaceAll(cfg.Table, ".", "_")
	create := "CREATE TEMP TABLE " + ident(staging) + " (LIKE " + ident(cfg.Table) + " INCLUDING DEFAULTS) ON COMMIT DROP"
	if _, err := tx.Exec(ctx, create); err != nil {
		return 0, eris.Wrapf(err, "db: upsert %s: create staging table", cfg.Table)
	}
	if _, err := CopyFrom(ctx, tx, staging, cfg.Columns, rows); err != nil {
		return 0, eris.Wrapf(err, "db: upsert %s: fill staging table", cfg.Table)
	}
	tag, err := tx.Exec(ctx, mergeSQL(cfg, staging))
	if err != nil {
		return 0, eris.Wrapf(err, "db: upsert %s: merge", cfg.Table)
	}
	return tag.RowsAffected(), nil
}

func mergeSQL(cfg UpsertConfig, staging string) string {
	update := cfg.UpdateCols
	if update == nil {
		keys := make(map[string]struct{}, len(cfg.ConflictKeys))
		for _, k := range cfg.ConflictKeys {
			keys[k] = struct{}{}
		}
		for _, c := range cfg.Columns {
			if _, ok := keys[c]; !ok {
				update = append(update, c)
			}
		}
	}

	cols := identList(cfg.Columns)
	var b strings.Builder
	b.WriteString("INSERT INTO " + ident(cfg.Table) + " (" + cols + ") SELECT " + cols + " FROM " + ident(staging))
	b.WriteString(" ON CONFLICT (" + identList(cfg.ConflictKeys) + ") ")
	if len(update) == 0 {
		b.WriteString("DO NOTHING")
		return b.String()
	}
	b.WriteString("DO UPDATE SET ")
	for i, c := range update {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(ident(c) + " = EXCLUDED." + ident(c))
	}
	return b.String()
}

// ident quotes a possibly schema-qualified name.
func ident(name string) string {
	return pgx.Identifier(strings.SplitN(name, ".", 2)).Sanitize()
}

func identList(names []string) string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = ident(n)
	}
	return strings.Join(out, ", ")
}
