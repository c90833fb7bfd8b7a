package routing

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultDirective(t *testing.T) {
	d := DefaultDirective()
	require.Equal(t, WriteTargetSource, d.WriteTarget)
	require.Equal(t, 0, d.ReadSplitPercentage)
	require.False(t, d.CutoverInProgress)
}

func TestDirectiveWireFormat(t *testing.T) {
	out, err := json.Marshal(Directive{
		WriteTarget:         WriteTargetBoth,
		ReadSplitPercentage: 50,
		CutoverInProgress:   true,
	})
	require.NoError(t, err)
	require.JSONEq(t, `{"write_target":"both","read_split_percentage":50,"cutover_in_progress":true}`, string(out))

	var d Directive
	require.NoError(t, json.Unmarshal(out, &d))
	require.Equal(t, WriteTargetBoth, d.WriteTarget)
	require.Equal(t, 50, d.ReadSplitPercentage)
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	s := NewMemoryStore()

	d, err := s.Get(context.Background())
	require.NoError(t, err)
	require.Equal(t, DefaultDirective(), d)

	d.WriteTarget = WriteTargetTarget
	d.ReadSplitPercentage = 100
	require.NoError(t, s.Publish(context.Background(), d))

	got, err := s.Get(context.Background())
	require.NoError(t, err)
	require.Equal(t, d, got)
}
