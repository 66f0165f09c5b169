// Package operations holds the static Operation Registry: a process-wide,
// read-only catalog mapping operation-ids to handlers, argument schemas,
// and the input/output kinds the executor uses to decide whether a step
// reads/writes a file path or an in-memory table.
package operations

// DataFrame is the minimal in-memory tabular representation operation
// handlers exchange. Concrete operations are opaque contracts (column
// extraction, SQL/JSON generation, normalization, search, binding,
// mapping) invoked by the Workflow Executor — this type exists only to
// give those contracts a concrete in-process shape.
type DataFrame struct {
	Columns []string
	Rows    []map[string]string
}

// Select returns a new DataFrame containing only the named columns, in
// the order given. Unknown column names are silently dropped.
func (df *DataFrame) Select(columns []string) *DataFrame {
	known := make(map[string]bool, len(df.Columns))
	for _, c := range df.Columns {
		known[c] = true
	}

	var kept []string
	for _, c := range columns {
		if known[c] {
			kept = append(kept, c)
		}
	}

	rows := make([]map[string]string, 0, len(df.Rows))
	for _, row := range df.Rows {
		newRow := make(map[string]string, len(kept))
		for _, c := range kept {
			newRow[c] = row[c]
		}
		rows = append(rows, newRow)
	}

	return &DataFrame{Columns: kept, Rows: rows}
}

// Dedup removes rows that are exact duplicates of an earlier row,
// preserving first occurrence order.
func (df *DataFrame) Dedup() *DataFrame {
	seen := make(map[string]bool, len(df.Rows))
	rows := make([]map[string]string, 0, len(df.Rows))
	for _, row := range df.Rows {
		key := rowKey(df.Columns, row)
		if seen[key] {
			continue
		}
		seen[key] = true
		rows = append(rows, row)
	}
	return &DataFrame{Columns: df.Columns, Rows: rows}
}

func rowKey(columns []string, row map[string]string) string {
	key := ""
	for _, c := range columns {
		key += c + "=" + row[c] + "\x1f"
	}
	return key
}
