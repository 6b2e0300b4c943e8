package repository

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	usagewindowdomain "github.com/usagegate/usagegate/internal/usagewindow/domain"
)

func TestFormatMemberRoundTripsCost(t *testing.T) {
	recordedAt := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	entry := usagewindowdomain.CachedEntry{
		Cost:          0.125,
		SourceEventID: "evt-42",
		RecordedAt:    recordedAt,
	}

	cost, err := parseMemberCost(formatMember(entry))
	require.NoError(t, err)
	require.Equal(t, 0.125, cost)
}

func TestFormatMemberUniquePerTimestamp(t *testing.T) {
	base := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	first := formatMember(usagewindowdomain.CachedEntry{Cost: 0.10, RecordedAt: base})
	second := formatMember(usagewindowdomain.CachedEntry{Cost: 0.10, RecordedAt: base.Add(time.Microsecond)})
	require.NotEqual(t, first, second)
}

func TestParseMemberCostRejectsGarbage(t *testing.T) {
	_, err := parseMemberCost("no-separator")
	require.Error(t, err)

	_, err = parseMemberCost(":missing-cost")
	require.Error(t, err)
}

func TestWindowKeyScheme(t *testing.T) {
	require.Equal(t, "usage_window:user-1:5h", windowKey(" user-1 ", usagewindowdomain.WindowShort))
}

func TestScoreBoundsMatchCutoffSemantics(t *testing.T) {
	cutoff := time.Date(2026, 3, 14, 4, 30, 0, 0, time.UTC)
	require.NotEqual(t, inclusiveScore(cutoff), exclusiveScore(cutoff))
	require.Equal(t, byte('('), exclusiveScore(cutoff)[0])
}
