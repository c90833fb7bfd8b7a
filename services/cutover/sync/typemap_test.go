package sync

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTargetType(t *testing.T) {
	cases := []struct {
		source string
		want   string
	}{
		{"INTEGER", "bigint"},
		{"integer", "bigint"},
		{"INT", "bigint"},
		{"REAL", "double precision"},
		{"TEXT", "text"},
		{"VARCHAR(80)", "text"},
		{"BLOB", "bytea"},
		{"DATETIME", "text"},
		{"BOOLEAN", "text"},
		{"", "text"},
		{"something custom", "text"},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, TargetType(tc.source, nil), "source type %q", tc.source)
	}
}

func TestTargetTypeOverrides(t *testing.T) {
	overrides := map[string]string{
		"DATETIME": "timestamptz",
		"INTEGER":  "integer",
	}
	require.Equal(t, "timestamptz", TargetType("datetime", overrides))
	require.Equal(t, "timestamptz", TargetType("DATETIME", overrides))
	require.Equal(t, "integer", TargetType("INTEGER", overrides))
	require.Equal(t, "text", TargetType("CLOB(10)", overrides))
}
