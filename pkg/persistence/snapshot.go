package persistence

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Snapshot copies the four tables' current contents into a timestamped
// SQL file under snapshotDir, the Postgres-native stand-in for the
// single-file-store "copy the store file atomically" snapshot operation.
// Each table is dumped as a sequence of plain INSERT statements inside a
// single transaction so the snapshot reflects one consistent point in time.
func (s *Store) Snapshot(ctx context.Context, snapshotDir string, now time.Time) (string, error) {
	if err := os.MkdirAll(snapshotDir, 0o755); err != nil {
		return "", fmt.Errorf("create snapshot dir: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true, Isolation: sql.LevelRepeatableRead})
	if err != nil {
		return "", fmt.Errorf("begin snapshot transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var buf bytes.Buffer
	for _, table := range []string{"conversations", "messages", "workflow_steps", "files"} {
		if err := dumpTable(ctx, tx, table, &buf); err != nil {
			return "", fmt.Errorf("dump %s: %w", table, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit snapshot transaction: %w", err)
	}

	name := fmt.Sprintf("chat_backup_%s.sql", now.UTC().Format("20060102T150405Z"))
	path := filepath.Join(snapshotDir, name)
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return "", fmt.Errorf("write snapshot file: %w", err)
	}
	return path, nil
}

// dumpTable writes one INSERT statement per row of table to out, using
// database/sql's generic []any scan-by-column-count support so it needs
// no per-table struct.
func dumpTable(ctx context.Context, tx *sql.Tx, table string, out *bytes.Buffer) error {
	rows, err := tx.QueryContext(ctx, fmt.Sprintf("SELECT * FROM %s", table))
	if err != nil {
		return err
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "-- table: %s\n", table)
	for rows.Next() {
		values := make([]any, len(columns))
		scanTargets := make([]any, len(columns))
		for i := range values {
			scanTargets[i] = &values[i]
		}
		if err := rows.Scan(scanTargets...); err != nil {
			return err
		}

		literals := make([]string, len(values))
		for i, v := range values {
			literals[i] = sqlLiteral(v)
		}
		fmt.Fprintf(out, "INSERT INTO %s (%s) VALUES (%s);\n",
			table, strings.Join(columns, ", "), strings.Join(literals, ", "))
	}
	return rows.Err()
}

func sqlLiteral(v any) string {
	if v == nil {
		return "NULL"
	}
	switch val := v.(type) {
	case []byte:
		return "'" + strings.ReplaceAll(string(val), "'", "''") + "'"
	case string:
		return "'" + strings.ReplaceAll(val, "'", "''") + "'"
	case time.Time:
		return "'" + val.UTC().Format(time.RFC3339Nano) + "'"
	default:
		return fmt.Sprintf("'%v'", val)
	}
}
