package operations

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// builtinEntries returns the fixed, closed-world operation catalog. Every
// intent kind the classifier can produce maps to exactly one of these.
//
// Concrete tabular transformations are contract-only per the conversation
// orchestrator's scope: these implementations use CSV as the on-disk table
// format so the registry has something real to invoke end-to-end, not a
// production-grade spreadsheet engine.
func builtinEntries() []Entry {
	return []Entry{
		{
			OperationID: "excel/extract-columns-to-file",
			Handler:     extractColumns,
			InputKind:   KindFile,
			OutputKind:  KindFile,
			ArgSchema:   []string{"columns", "remove_duplicates"},
		},
		{
			OperationID: "format/convert",
			Handler:     convertFormat,
			InputKind:   KindFile,
			OutputKind:  KindFile,
			ArgSchema:   []string{"target_format"},
		},
		{
			OperationID: "normalization/apply",
			Handler:     normalizeData,
			InputKind:   KindFile,
			OutputKind:  KindFile,
			ArgSchema:   []string{"case"},
		},
		{
			OperationID: "search/filter",
			Handler:     searchFilter,
			InputKind:   KindFile,
			OutputKind:  KindFile,
			ArgSchema:   []string{"column", "contains"},
		},
		{
			OperationID: "data/bind",
			Handler:     bindData,
			InputKind:   KindFile,
			OutputKind:  KindFile,
			ArgSchema:   []string{"key_column"},
		},
		{
			OperationID: "columns/map",
			Handler:     mapColumns,
			InputKind:   KindFile,
			OutputKind:  KindFile,
			ArgSchema:   []string{"rename"},
		},
		{
			OperationID: "sql/generate-to-text",
			Handler:     generateSQL,
			InputKind:   KindFile,
			OutputKind:  KindFile,
			ArgSchema:   []string{"table_name"},
		},
		{
			OperationID: "json/generate",
			Handler:     generateJSON,
			InputKind:   KindFile,
			OutputKind:  KindFile,
			ArgSchema:   []string{},
		},
	}
}

func readCSV(path string) (*DataFrame, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("read input: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse csv: %w", err)
	}
	if len(records) == 0 {
		return &DataFrame{}, nil
	}

	header := records[0]
	rows := make([]map[string]string, 0, len(records)-1)
	for _, rec := range records[1:] {
		row := make(map[string]string, len(header))
		for i, col := range header {
			if i < len(rec) {
				row[col] = rec[i]
			}
		}
		rows = append(rows, row)
	}
	return &DataFrame{Columns: header, Rows: rows}, nil
}

func writeCSV(df *DataFrame, outputPath string) error {
	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	f, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("create output: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()

	if err := w.Write(df.Columns); err != nil {
		return err
	}
	for _, row := range df.Rows {
		rec := make([]string, len(df.Columns))
		for i, c := range df.Columns {
			rec[i] = row[c]
		}
		if err := w.Write(rec); err != nil {
			return err
		}
	}
	return w.Error()
}

func outputPath(inputPath, suffix string) string {
	ext := filepath.Ext(inputPath)
	base := strings.TrimSuffix(filepath.Base(inputPath), ext)
	return filepath.Join(filepath.Dir(inputPath), base+suffix)
}

func stringSliceArg(args map[string]any, key string) ([]string, error) {
	raw, ok := args[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMissingArgument, key)
	}
	switch v := raw.(type) {
	case []string:
		return v, nil
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			out = append(out, fmt.Sprintf("%v", item))
		}
		return out, nil
	default:
		return nil, fmt.Errorf("argument %q must be a list of strings", key)
	}
}

func stringArg(args map[string]any, key string) (string, error) {
	raw, ok := args[key]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrMissingArgument, key)
	}
	s, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("argument %q must be a string", key)
	}
	return s, nil
}

func boolArg(args map[string]any, key string, fallback bool) bool {
	raw, ok := args[key]
	if !ok {
		return fallback
	}
	b, ok := raw.(bool)
	if !ok {
		return fallback
	}
	return b
}

func extractColumns(inputPath string, args map[string]any, progress ProgressFunc) (string, error) {
	columns, err := stringSliceArg(args, "columns")
	if err != nil {
		return "", err
	}
	progress(10, "reading input")

	df, err := readCSV(inputPath)
	if err != nil {
		return "", err
	}

	progress(50, "selecting columns")
	result := df.Select(columns)
	if boolArg(args, "remove_duplicates", false) {
		result = result.Dedup()
	}

	out := outputPath(inputPath, "_extracted.csv")
	progress(80, "writing output")
	if err := writeCSV(result, out); err != nil {
		return "", err
	}
	progress(100, "done")
	return out, nil
}

func convertFormat(inputPath string, args map[string]any, progress ProgressFunc) (string, error) {
	target, err := stringArg(args, "target_format")
	if err != nil {
		return "", err
	}
	progress(20, "reading input")
	df, err := readCSV(inputPath)
	if err != nil {
		return "", err
	}

	progress(70, "converting to "+target)
	var out string
	switch strings.ToLower(target) {
	case "json":
		out = outputPath(inputPath, "_converted.json")
		if err := writeJSONRows(df, out); err != nil {
			return "", err
		}
	default:
		out = outputPath(inputPath, "_converted.csv")
		if err := writeCSV(df, out); err != nil {
			return "", err
		}
	}
	progress(100, "done")
	return out, nil
}

func normalizeData(inputPath string, args map[string]any, progress ProgressFunc) (string, error) {
	caseMode, _ := stringArg(args, "case")
	if caseMode == "" {
		caseMode = "lower"
	}
	progress(20, "reading input")
	df, err := readCSV(inputPath)
	if err != nil {
		return "", err
	}

	progress(60, "normalizing")
	for _, row := range df.Rows {
		for col, val := range row {
			if caseMode == "upper" {
				row[col] = strings.ToUpper(val)
			} else {
				row[col] = strings.ToLower(val)
			}
		}
	}

	out := outputPath(inputPath, "_normalized.csv")
	progress(90, "writing output")
	if err := writeCSV(df, out); err != nil {
		return "", err
	}
	progress(100, "done")
	return out, nil
}

func searchFilter(inputPath string, args map[string]any, progress ProgressFunc) (string, error) {
	column, err := stringArg(args, "column")
	if err != nil {
		return "", err
	}
	contains, err := stringArg(args, "contains")
	if err != nil {
		return "", err
	}

	progress(20, "reading input")
	df, err := readCSV(inputPath)
	if err != nil {
		return "", err
	}

	progress(60, "filtering")
	var rows []map[string]string
	for _, row := range df.Rows {
		if strings.Contains(row[column], contains) {
			rows = append(rows, row)
		}
	}
	result := &DataFrame{Columns: df.Columns, Rows: rows}

	out := outputPath(inputPath, "_filtered.csv")
	progress(90, "writing output")
	if err := writeCSV(result, out); err != nil {
		return "", err
	}
	progress(100, "done")
	return out, nil
}

func bindData(inputPath string, args map[string]any, progress ProgressFunc) (string, error) {
	// Binding against a second source table is a contract extension point;
	// with a single input artifact available, bind degrades to a pass-through
	// keyed by the requested column, confirming the key exists.
	keyColumn, err := stringArg(args, "key_column")
	if err != nil {
		return "", err
	}

	progress(20, "reading input")
	df, err := readCSV(inputPath)
	if err != nil {
		return "", err
	}

	found := false
	for _, c := range df.Columns {
		if c == keyColumn {
			found = true
			break
		}
	}
	if !found {
		return "", fmt.Errorf("key column %q not present in input", keyColumn)
	}

	out := outputPath(inputPath, "_bound.csv")
	progress(80, "writing output")
	if err := writeCSV(df, out); err != nil {
		return "", err
	}
	progress(100, "done")
	return out, nil
}

func mapColumns(inputPath string, args map[string]any, progress ProgressFunc) (string, error) {
	raw, ok := args["rename"]
	if !ok {
		return "", fmt.Errorf("%w: rename", ErrMissingArgument)
	}
	renameRaw, ok := raw.(map[string]any)
	if !ok {
		return "", fmt.Errorf("argument %q must be a map of old-name to new-name", "rename")
	}
	rename := make(map[string]string, len(renameRaw))
	for k, v := range renameRaw {
		rename[k] = fmt.Sprintf("%v", v)
	}

	progress(20, "reading input")
	df, err := readCSV(inputPath)
	if err != nil {
		return "", err
	}

	progress(60, "renaming columns")
	newColumns := make([]string, len(df.Columns))
	for i, c := range df.Columns {
		if newName, ok := rename[c]; ok {
			newColumns[i] = newName
		} else {
			newColumns[i] = c
		}
	}
	newRows := make([]map[string]string, len(df.Rows))
	for i, row := range df.Rows {
		newRow := make(map[string]string, len(newColumns))
		for j, c := range df.Columns {
			newRow[newColumns[j]] = row[c]
		}
		newRows[i] = newRow
	}
	result := &DataFrame{Columns: newColumns, Rows: newRows}

	out := outputPath(inputPath, "_mapped.csv")
	progress(90, "writing output")
	if err := writeCSV(result, out); err != nil {
		return "", err
	}
	progress(100, "done")
	return out, nil
}

func generateSQL(inputPath string, args map[string]any, progress ProgressFunc) (string, error) {
	tableName, err := stringArg(args, "table_name")
	if err != nil {
		return "", err
	}

	progress(20, "reading input")
	df, err := readCSV(inputPath)
	if err != nil {
		return "", err
	}

	progress(60, "generating statements")
	var sb strings.Builder
	for _, row := range df.Rows {
		cols := strings.Join(df.Columns, ", ")
		vals := make([]string, len(df.Columns))
		for i, c := range df.Columns {
			vals[i] = "'" + strings.ReplaceAll(row[c], "'", "''") + "'"
		}
		fmt.Fprintf(&sb, "INSERT INTO %s (%s) VALUES (%s);\n", tableName, cols, strings.Join(vals, ", "))
	}

	out := outputPath(inputPath, "_insert.sql")
	progress(90, "writing output")
	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(out, []byte(sb.String()), 0o644); err != nil {
		return "", err
	}
	progress(100, "done")
	return out, nil
}

func generateJSON(inputPath string, _ map[string]any, progress ProgressFunc) (string, error) {
	progress(20, "reading input")
	df, err := readCSV(inputPath)
	if err != nil {
		return "", err
	}

	out := outputPath(inputPath, ".json")
	progress(80, "writing output")
	if err := writeJSONRows(df, out); err != nil {
		return "", err
	}
	progress(100, "done")
	return out, nil
}

func writeJSONRows(df *DataFrame, outputPath string) error {
	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(df.Rows, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(outputPath, data, 0o644)
}
