package strategy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perp-breakout/pkg/types"
)

func TestHistoryMatchWithinTolerance(t *testing.T) {
	t.Parallel()

	h := NewBreakoutHistory()
	now := int64(1_700_000_000_000)
	h.Record("SOL-PERP", BreakoutRecord{TsMs: now - 3600_000, LevelPrice: 50.5, Side: types.SideLong})

	rec, ok := h.Match("SOL-PERP", 50.52, types.SideLong, 0.005, now)
	require.True(t, ok)
	assert.InDelta(t, 50.5, rec.LevelPrice, 1e-9)

	// Wrong side never matches.
	_, ok = h.Match("SOL-PERP", 50.52, types.SideShort, 0.005, now)
	assert.False(t, ok)

	// Outside tolerance never matches.
	_, ok = h.Match("SOL-PERP", 51.5, types.SideLong, 0.005, now)
	assert.False(t, ok)

	// Unknown symbol never matches.
	_, ok = h.Match("DOGE-PERP", 50.5, types.SideLong, 0.005, now)
	assert.False(t, ok)
}

func TestHistoryMatchIgnoresStaleRecords(t *testing.T) {
	t.Parallel()

	h := NewBreakoutHistory()
	now := int64(1_700_000_000_000)

	// 25h old: retained (under the 7d TTL) but outside the 24h match window.
	h.Record("SOL-PERP", BreakoutRecord{TsMs: now - 25*3600_000, LevelPrice: 50.5, Side: types.SideLong})

	_, ok := h.Match("SOL-PERP", 50.5, types.SideLong, 0.005, now)
	assert.False(t, ok)
	assert.Len(t, h.Records("SOL-PERP", now), 1)
}

func TestHistoryEvictsExpired(t *testing.T) {
	t.Parallel()

	h := NewBreakoutHistory()
	now := int64(1_700_000_000_000)

	h.Record("SOL-PERP", BreakoutRecord{TsMs: now - 8*24*3600_000, LevelPrice: 49, Side: types.SideLong})
	h.Record("SOL-PERP", BreakoutRecord{TsMs: now, LevelPrice: 50.5, Side: types.SideLong})

	recs := h.Records("SOL-PERP", now)
	require.Len(t, recs, 1)
	assert.InDelta(t, 50.5, recs[0].LevelPrice, 1e-9)
}

func TestHistoryMostRecentWins(t *testing.T) {
	t.Parallel()

	h := NewBreakoutHistory()
	now := int64(1_700_000_000_000)
	h.Record("SOL-PERP", BreakoutRecord{TsMs: now - 7200_000, LevelPrice: 50.49, Side: types.SideLong})
	h.Record("SOL-PERP", BreakoutRecord{TsMs: now - 600_000, LevelPrice: 50.51, Side: types.SideLong})

	rec, ok := h.Match("SOL-PERP", 50.5, types.SideLong, 0.005, now)
	require.True(t, ok)
	assert.InDelta(t, 50.51, rec.LevelPrice, 1e-9)
}

func TestHistoryDrop(t *testing.T) {
	t.Parallel()

	h := NewBreakoutHistory()
	now := int64(1_700_000_000_000)
	h.Record("SOL-PERP", BreakoutRecord{TsMs: now, LevelPrice: 50.5, Side: types.SideLong})
	h.Drop("SOL-PERP")

	assert.Empty(t, h.Records("SOL-PERP", now))
}
