// Package intent classifies free-form chat text into one of a fixed set
// of intent kinds via deterministic keyword/regex scoring, then expands
// the recognized kind into a proposed workflow via a per-intent template.
// There is no learning or personalization: same input, same rule table,
// same output.
package intent

import (
	"path/filepath"
	"regexp"
	"strings"

	"github.com/frameflow/frameflow/pkg/models"
)

// Kind is one of the fixed, closed set of recognizable intents.
type Kind string

// Intent kinds.
const (
	KindExtractColumns Kind = "extract_columns"
	KindConvertFormat  Kind = "convert_format"
	KindNormalizeData  Kind = "normalize_data"
	KindGenerateSQL    Kind = "generate_sql"
	KindGenerateJSON   Kind = "generate_json"
	KindSearchFilter   Kind = "search_filter"
	KindBindData       Kind = "bind_data"
	KindMapColumns     Kind = "map_columns"
	KindUnknown        Kind = "unknown"
)

// IsValid reports whether k is a member of the closed intent-kind set.
func (k Kind) IsValid() bool {
	switch k {
	case KindExtractColumns, KindConvertFormat, KindNormalizeData, KindGenerateSQL,
		KindGenerateJSON, KindSearchFilter, KindBindData, KindMapColumns, KindUnknown:
		return true
	default:
		return false
	}
}

// scoreThreshold is the minimum normalized score an intent-kind must clear
// to be selected; below it the classifier returns KindUnknown.
const scoreThreshold = 0.3

// rule scores and extracts parameters for one intent kind.
type rule struct {
	kind     Kind
	keywords []string
	paramRe  *regexp.Regexp // optional named-group extraction, e.g. (?P<columns>...)
	template func(params map[string]string) []models.ProposedStep
}

var columnsRe = regexp.MustCompile(`(?i)columns?:?\s*([\w, ]+)`)
var formatRe = regexp.MustCompile(`(?i)(?:to|as|into)\s+(csv|json|xlsx|txt)\b`)
var caseRe = regexp.MustCompile(`(?i)\b(upper|lower|title)\s*case\b`)
var filterRe = regexp.MustCompile(`(?i)where\s+(\w+)\s+contains\s+([\w.\-@]+)`)
var keyColumnRe = regexp.MustCompile(`(?i)(?:on|by|key)\s+column:?\s*(\w+)`)
var tableNameRe = regexp.MustCompile(`(?i)table:?\s+(\w+)`)
var renameRe = regexp.MustCompile(`(?i)rename\s+(?:column\s+)?(\w+)\s+to\s+(\w+)`)

var rules = []rule{
	{
		kind:     KindExtractColumns,
		keywords: []string{"extract", "column", "select columns", "pull columns"},
		template: func(params map[string]string) []models.ProposedStep {
			cols := splitList(params["columns"])
			return []models.ProposedStep{{
				Operation: "excel/extract-columns-to-file",
				Arguments: map[string]any{"columns": cols, "remove_duplicates": false},
			}}
		},
	},
	{
		kind:     KindConvertFormat,
		keywords: []string{"convert", "export", "save as", "transform to"},
		template: func(params map[string]string) []models.ProposedStep {
			target := params["target_format"]
			if target == "" {
				target = "json"
			}
			return []models.ProposedStep{{
				Operation: "format/convert",
				Arguments: map[string]any{"target_format": target},
			}}
		},
	},
	{
		kind:     KindNormalizeData,
		keywords: []string{"normalize", "standardize", "clean up", "uppercase", "lowercase"},
		template: func(params map[string]string) []models.ProposedStep {
			c := params["case"]
			if c == "" {
				c = "lower"
			}
			return []models.ProposedStep{{
				Operation: "normalization/apply",
				Arguments: map[string]any{"case": strings.ToLower(c)},
			}}
		},
	},
	{
		kind:     KindGenerateSQL,
		keywords: []string{"generate sql", "sql insert", "sql statements", "to sql"},
		template: func(params map[string]string) []models.ProposedStep {
			table := params["table_name"]
			if table == "" {
				table = "data"
			}
			return []models.ProposedStep{{
				Operation: "sql/generate-to-text",
				Arguments: map[string]any{"table_name": table},
			}}
		},
	},
	{
		kind:     KindGenerateJSON,
		keywords: []string{"generate json", "to json", "as json", "json output"},
		template: func(params map[string]string) []models.ProposedStep {
			return []models.ProposedStep{{
				Operation: "json/generate",
				Arguments: map[string]any{},
			}}
		},
	},
	{
		kind:     KindSearchFilter,
		keywords: []string{"filter", "search", "where", "find rows"},
		template: func(params map[string]string) []models.ProposedStep {
			return []models.ProposedStep{{
				Operation: "search/filter",
				Arguments: map[string]any{"column": params["filter_column"], "contains": params["filter_value"]},
			}}
		},
	},
	{
		kind:     KindBindData,
		keywords: []string{"bind", "join", "merge", "combine"},
		template: func(params map[string]string) []models.ProposedStep {
			key := params["key_column"]
			if key == "" {
				key = "id"
			}
			return []models.ProposedStep{{
				Operation: "data/bind",
				Arguments: map[string]any{"key_column": key},
			}}
		},
	},
	{
		kind:     KindMapColumns,
		keywords: []string{"map column", "rename column", "relabel"},
		template: func(params map[string]string) []models.ProposedStep {
			return []models.ProposedStep{{
				Operation: "columns/map",
				Arguments: map[string]any{"rename": renameArgs(params)},
			}}
		},
	},
}

// Result is the classifier's output for one piece of input text.
type Result struct {
	Kind         Kind
	Confidence   float64
	Params       map[string]string
	Steps        []models.ProposedStep
	RequiresFile bool
}

// Classifier scores input text against the fixed rule table.
type Classifier struct{}

// New builds a Classifier. There is no configuration: the rule table is
// fixed and compiled once at package init.
func New() *Classifier {
	return &Classifier{}
}

// Classify scores text against every rule and returns the proposal for the
// highest-scoring intent-kind clearing scoreThreshold, or KindUnknown
// otherwise. hasUploadedFile controls whether the resulting proposal is
// marked RequiresFile: the proposal is still computed even without a file
// so the caller can show the user what would run once they upload one.
func (c *Classifier) Classify(text string, hasUploadedFile bool) Result {
	lower := strings.ToLower(text)

	var best rule
	bestScore, bestSpan := 0.0, 0
	for _, r := range rules {
		score := scoreRule(lower, r)
		// Equal scores go to the rule whose matched keywords are longer (the
		// more specific phrase); a remaining tie keeps the earlier rule.
		span := 0
		for _, kw := range r.keywords {
			if strings.Contains(lower, kw) {
				span += len(kw)
			}
		}
		if score > bestScore || (score > 0 && score == bestScore && span > bestSpan) {
			bestScore = score
			bestSpan = span
			best = r
		}
	}

	if bestScore < scoreThreshold {
		return Result{Kind: KindUnknown, Confidence: bestScore, RequiresFile: !hasUploadedFile}
	}

	params := extractParams(text)
	return Result{
		Kind:         best.kind,
		Confidence:   bestScore,
		Params:       params,
		Steps:        best.template(params),
		RequiresFile: !hasUploadedFile,
	}
}

// SuggestForFile proposes a default workflow from a filename alone, used
// when an upload arrives with no recognizable instruction attached:
// tabular files get a conversion-to-JSON proposal, JSON gets the reverse.
func (c *Classifier) SuggestForFile(filename string) Result {
	var target string
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".csv", ".tsv", ".xls", ".xlsx":
		target = "json"
	case ".json":
		target = "csv"
	default:
		return Result{Kind: KindUnknown}
	}
	return Result{
		Kind:       KindConvertFormat,
		Confidence: 1,
		Params:     map[string]string{"target_format": target},
		Steps: []models.ProposedStep{{
			Operation: "format/convert",
			Arguments: map[string]any{"target_format": target},
		}},
	}
}

// scoreRule returns 0 when none of a rule's keywords appear in text, else
// 0.6 for the first hit plus 0.2 for each further hit, capped at 1.0.
func scoreRule(lowerText string, r rule) float64 {
	if len(r.keywords) == 0 {
		return 0
	}
	hits := 0
	for _, kw := range r.keywords {
		if strings.Contains(lowerText, kw) {
			hits++
		}
	}
	if hits == 0 {
		return 0
	}
	// A single strong keyword hit is enough to clear the default threshold;
	// additional hits raise confidence toward 1.0.
	return min(1.0, 0.4+0.2*float64(hits-1)+0.2)
}

// extractParams runs every named-group regex against text and merges
// whatever groups matched into a flat map.
func extractParams(text string) map[string]string {
	params := make(map[string]string)

	if m := columnsRe.FindStringSubmatch(text); len(m) > 1 {
		params["columns"] = m[1]
	}
	if m := formatRe.FindStringSubmatch(text); len(m) > 1 {
		params["target_format"] = strings.ToLower(m[1])
	}
	if m := caseRe.FindStringSubmatch(text); len(m) > 1 {
		params["case"] = strings.ToLower(m[1])
	}
	if m := filterRe.FindStringSubmatch(text); len(m) > 2 {
		params["filter_column"] = m[1]
		params["filter_value"] = m[2]
	}
	if m := keyColumnRe.FindStringSubmatch(text); len(m) > 1 {
		params["key_column"] = m[1]
	}
	if m := tableNameRe.FindStringSubmatch(text); len(m) > 1 {
		params["table_name"] = m[1]
	}
	if m := renameRe.FindStringSubmatch(text); len(m) > 2 {
		params["rename_from"] = m[1]
		params["rename_to"] = m[2]
	}

	return params
}

// renameArgs shapes extracted rename_from/rename_to params into the
// old-name -> new-name map the columns/map operation consumes.
func renameArgs(params map[string]string) map[string]any {
	out := map[string]any{}
	if from, to := params["rename_from"], params["rename_to"]; from != "" && to != "" {
		out[from] = to
	}
	return out
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
