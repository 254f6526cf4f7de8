package core_test

import (
	"testing"

	"github.com/Cypherspark/signalerr/internal/core"
	"github.com/stretchr/testify/require"
)

func TestCanTransition_Graph(t *testing.T) {
	cases := []struct {
		from, to core.Status
		ok       bool
	}{
		{core.StatusPending, core.StatusApproved, true},
		{core.StatusPending, core.StatusDeclined, true},
		{core.StatusPending, core.StatusFailed, true},
		{core.StatusApproved, core.StatusDownloading, true},
		{core.StatusApproved, core.StatusCompleted, true},
		{core.StatusDownloading, core.StatusCompleted, true},
		{core.StatusApproved, core.StatusPending, false},
		{core.StatusDownloading, core.StatusApproved, false},
		{core.StatusCompleted, core.StatusDownloading, false},
		{core.StatusDeclined, core.StatusApproved, false},
		{core.StatusFailed, core.StatusPending, false},
		{core.StatusApproved, core.StatusApproved, false},
	}
	for _, c := range cases {
		require.Equal(t, c.ok, core.CanTransition(c.from, c.to), "%s -> %s", c.from, c.to)
	}
}

func TestTerminalStatesHaveNoOutgoingEdges(t *testing.T) {
	for _, from := range core.AllStatuses {
		if !from.Terminal() {
			continue
		}
		for _, to := range core.AllStatuses {
			require.False(t, core.CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestMapExternal(t *testing.T) {
	require.Equal(t, core.StatusPending, core.MapExternal(core.ExternalPending))
	require.Equal(t, core.StatusApproved, core.MapExternal(core.ExternalApproved))
	require.Equal(t, core.StatusDeclined, core.MapExternal(core.ExternalDeclined))
	require.Equal(t, core.StatusDownloading, core.MapExternal(core.ExternalProcessing))
	require.Equal(t, core.StatusCompleted, core.MapExternal(core.ExternalAvailable))
	require.Equal(t, core.StatusPending, core.MapExternal(core.ExternalStatus(42)))
	require.Equal(t, "Unknown (42)", core.ExternalStatus(42).String())
}

func TestRequestLabel(t *testing.T) {
	y := 1999
	require.Equal(t, "The Matrix (1999)", core.Request{Title: "The Matrix", Year: &y}.Label())
	require.Equal(t, "Dune", core.Request{Title: "Dune"}.Label())
}
