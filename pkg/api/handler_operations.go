package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"
)

// operationIntentKind maps each registered operation id to the intent kind
// that proposes it, grounding the catalog response in the same closed
// vocabulary pkg/intent classifies chat text into.
var operationIntentKind = map[string]string{
	"excel/extract-columns-to-file": "extract_columns",
	"format/convert":                "convert_format",
	"normalization/apply":           "normalize_data",
	"search/filter":                 "search_filter",
	"data/bind":                     "bind_data",
	"columns/map":                   "map_columns",
	"sql/generate-to-text":          "generate_sql",
	"json/generate":                 "generate_json",
}

// operationSummary is one entry in the GET /operations catalog response.
type operationSummary struct {
	OperationID string   `json:"operation_id"`
	IntentKind  string   `json:"intent_kind"`
	InputKind   string   `json:"input_kind"`
	OutputKind  string   `json:"output_kind"`
	ArgSchema   []string `json:"arg_schema"`
}

// operationsHandler handles GET /api/v1/operations, the registry catalog.
func (s *Server) operationsHandler(c *echo.Context) error {
	entries := s.registry.All()
	out := make([]operationSummary, 0, len(entries))
	for _, e := range entries {
		out = append(out, operationSummary{
			OperationID: e.OperationID,
			IntentKind:  operationIntentKind[e.OperationID],
			InputKind:   string(e.InputKind),
			OutputKind:  string(e.OutputKind),
			ArgSchema:   e.ArgSchema,
		})
	}
	return c.JSON(http.StatusOK, newEnvelope(http.StatusOK, out, ""))
}

// backupResponse is the body of POST /sqlite/backup.
type backupResponse struct {
	SnapshotFile string `json:"snapshot_file"`
}

// backupHandler handles POST /api/v1/sqlite/backup, snapshotting the
// persistence layer's tables to a timestamped SQL file.
func (s *Server) backupHandler(c *echo.Context) error {
	path, err := s.repo.Snapshot(c.Request().Context(), s.snapshotDir)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, newEnvelope(http.StatusOK, backupResponse{SnapshotFile: path}, "snapshot written"))
}
