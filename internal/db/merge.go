package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// MergeSpec describes a keyed merge of staged rows into a table.
type MergeSpec struct {
	Table   string
	Columns []string
	Key     []string // unique constraint the rows merge on
}

// values returns the non-key columns, which are the ones a merge may overwrite.
func (s MergeSpec) values() []string {
	key := make(map[string]bool, len(s.Key))
	for _, k := range s.Key {
		key[k] = true
	}
	var out []string
	for _, c := range s.Columns {
		if !key[c] {
			out = append(out, c)
		}
	}
	return out
}

// Merge stages rows with COPY and folds them into ms.Table in one
// transaction. Rows whose value columns already match the stored row are left
// untouched, so re-loading an unchanged reference set writes nothing. It
// returns the number of rows inserted or changed.
func Merge(ctx context.Context, pool Pool, ms MergeSpec, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if len(ms.Columns) == 0 || len(ms.Key) == 0 {
		return 0, eris.Errorf("db: merge %s: columns and key are required", ms.Table)
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "db: merge: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	stage := pgx.Identifier{"_stage_" + strings.ReplaceAll(ms.Table, ".", "_")}
	if _, err := tx.Exec(ctx, fmt.Sprintf(
		"CREATE TEMP TABLE %s (LIKE %s INCLUDING DEFAULTS) ON COMMIT DROP",
		stage.Sanitize(), identifier(ms.Table).Sanitize(),
	)); err != nil {
		return 0, eris.Wrapf(err, "db: merge: stage %s", ms.Table)
	}
	if _, err := tx.CopyFrom(ctx, stage, ms.Columns, pgx.CopyFromRows(rows)); err != nil {
		return 0, eris.Wrapf(err, "db: merge: copy %s", ms.Table)
	}

	tag, err := tx.Exec(ctx, mergeSQL(ms, stage))
	if err != nil {
		return 0, eris.Wrapf(err, "db: merge %s", ms.Table)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrap(err, "db: merge: commit")
	}
	return tag.RowsAffected(), nil
}

func mergeSQL(ms MergeSpec, stage pgx.Identifier) string {
	target := identifier(ms.Table).Sanitize()
	cols := columnList("", ms.Columns)
	vals := ms.values()

	if len(vals) == 0 {
		return fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s ON CONFLICT (%s) DO NOTHING",
			target, cols, cols, stage.Sanitize(), columnList("", ms.Key))
	}

	set := make([]string, len(vals))
	for i, c := range vals {
		q := pgx.Identifier{c}.Sanitize()
		set[i] = q + " = EXCLUDED." + q
	}
	return fmt.Sprintf(
		"INSERT INTO %s AS t (%s) SELECT %s FROM %s ON CONFLICT (%s) DO UPDATE SET %s WHERE (%s) IS DISTINCT FROM (%s)",
		target, cols, cols, stage.Sanitize(), columnList("", ms.Key),
		strings.Join(set, ", "),
		columnList("t.", vals), columnList("EXCLUDED.", vals),
	)
}

// columnList quotes each column and joins them, prefixing every entry.
func columnList(prefix string, cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = prefix + pgx.Identifier{c}.Sanitize()
	}
	return strings.Join(quoted, ", ")
}
