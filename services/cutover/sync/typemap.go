package sync

import (
	"strings"
)

// typeMapping declares how source column types translate to target types.
// Anything not listed falls back to text, which both stores can round-trip
// without value drift. Overrides from configuration take precedence.
var typeMapping = map[string]string{
	"INTEGER": "bigint",
	"INT":     "bigint",
	"BIGINT":  "bigint",
	"REAL":    "double precision",
	"FLOAT":   "double precision",
	"DOUBLE":  "double precision",
	"BLOB":    "bytea",
	"TEXT":    "text",
	"VARCHAR": "text",
	"CHAR":    "text",
	"CLOB":    "text",
}

// TargetType resolves a declared source column type to the target column
// type. The declared type is normalized by upper-casing and stripping any
// length suffix, so VARCHAR(80) resolves like VARCHAR.
func TargetType(sourceType string, overrides map[string]string) string {
	normalized := strings.ToUpper(strings.TrimSpace(sourceType))
	if i := strings.Index(normalized, "("); i >= 0 {
		normalized = strings.TrimSpace(normalized[:i])
	}
	if overrides != nil {
		if t, ok := overrides[normalized]; ok {
			return t
		}
	}
	if t, ok := typeMapping[normalized]; ok {
		return t
	}
	return "text"
}
