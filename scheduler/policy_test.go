package scheduler_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/BaSui01/chatflow/scheduler"
	"github.com/BaSui01/chatflow/types"
)

func agent(id string, pos int, weight float64) types.Participant {
	return types.Participant{
		ID:                   id,
		Name:                 id,
		Kind:                 types.KindAgent,
		Status:               types.ParticipantActive,
		Position:             pos,
		DefaultTalkativeness: weight,
	}
}

func ids(ps []types.Participant) []string {
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = p.ID
	}
	return out
}

func TestOrderCandidatesFiltersIneligible(t *testing.T) {
	t.Parallel()

	human := types.Participant{ID: "h", Kind: types.KindHuman, Status: types.ParticipantActive, Position: 0}
	muted := agent("m", 1, 0.5)
	muted.Status = types.ParticipantMuted
	removed := agent("r", 2, 0.5)
	removed.Status = types.ParticipantRemoved
	exhausted := agent("x", 3, 0.5)
	exhausted.AutoMode = types.AutoBounded
	exhausted.AutoStepsLeft = 0
	ok := agent("a", 4, 0.5)

	got := scheduler.OrderCandidates(types.OrderList,
		[]types.Participant{human, muted, removed, exhausted, ok},
		scheduler.HistoryView{LastSpeakerPos: -1})
	require.Equal(t, []string{"a"}, ids(got))
}

func TestOrderCandidatesManualNeverSelects(t *testing.T) {
	t.Parallel()

	got := scheduler.OrderCandidates(types.OrderManual,
		[]types.Participant{agent("a", 0, 0.5), agent("b", 1, 0.9)},
		scheduler.HistoryView{LastSpeakerPos: -1})
	assert.Empty(t, got)
}

func TestOrderListRotation(t *testing.T) {
	t.Parallel()

	ps := []types.Participant{agent("a", 0, 0), agent("b", 1, 0), agent("c", 2, 0)}

	cases := []struct {
		name    string
		lastPos int
		want    []string
	}{
		{"no precedent", -1, []string{"a", "b", "c"}},
		{"after first", 0, []string{"b", "c", "a"}},
		{"after middle", 1, []string{"c", "a", "b"}},
		{"after last wraps", 2, []string{"a", "b", "c"}},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := scheduler.OrderCandidates(types.OrderList, ps, scheduler.HistoryView{LastSpeakerPos: tc.lastPos})
			assert.Equal(t, tc.want, ids(got))
		})
	}
}

func TestOrderListSkipsIneligibleWithoutBreakingRotation(t *testing.T) {
	t.Parallel()

	a := agent("a", 0, 0)
	b := agent("b", 1, 0)
	b.Status = types.ParticipantMuted
	c := agent("c", 2, 0)

	got := scheduler.OrderCandidates(types.OrderList,
		[]types.Participant{a, b, c},
		scheduler.HistoryView{LastSpeakerPos: 0})
	assert.Equal(t, []string{"c", "a"}, ids(got))
}

func TestOrderNaturalWeightThenPosition(t *testing.T) {
	t.Parallel()

	quiet := agent("quiet", 0, 0.2)
	loud := agent("loud", 1, 0.9)
	tied := agent("tied", 2, 0.9)

	got := scheduler.OrderCandidates(types.OrderNatural,
		[]types.Participant{quiet, loud, tied},
		scheduler.HistoryView{})
	assert.Equal(t, []string{"loud", "tied", "quiet"}, ids(got))
}

func TestOrderNaturalHonorsTalkativenessOverride(t *testing.T) {
	t.Parallel()

	override := 0.95
	a := agent("a", 0, 0.1)
	a.Talkativeness = &override
	b := agent("b", 1, 0.5)

	got := scheduler.OrderCandidates(types.OrderNatural,
		[]types.Participant{a, b},
		scheduler.HistoryView{})
	assert.Equal(t, []string{"a", "b"}, ids(got))
}

func TestOrderPooledExcludesEpochSpeakers(t *testing.T) {
	t.Parallel()

	ps := []types.Participant{agent("a", 0, 0), agent("b", 1, 0), agent("c", 2, 0)}
	hist := scheduler.HistoryView{
		SpokenThisEpoch: map[string]bool{"b": true},
		EpochSeed:       scheduler.EpochSeed("msg-1"),
	}

	got := scheduler.OrderCandidates(types.OrderPooled, ps, hist)
	require.Len(t, got, 2)
	assert.NotContains(t, ids(got), "b")
}

func TestOrderPooledDeterministicPerSeed(t *testing.T) {
	t.Parallel()

	ps := []types.Participant{
		agent("a", 0, 0), agent("b", 1, 0), agent("c", 2, 0),
		agent("d", 3, 0), agent("e", 4, 0),
	}
	hist := scheduler.HistoryView{
		SpokenThisEpoch: map[string]bool{},
		EpochSeed:       scheduler.EpochSeed("anchor"),
	}

	first := ids(scheduler.OrderCandidates(types.OrderPooled, ps, hist))
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, ids(scheduler.OrderCandidates(types.OrderPooled, ps, hist)))
	}
}

func TestOrderPooledEmptyWhenAllSpoke(t *testing.T) {
	t.Parallel()

	ps := []types.Participant{agent("a", 0, 0), agent("b", 1, 0)}
	hist := scheduler.HistoryView{
		SpokenThisEpoch: map[string]bool{"a": true, "b": true},
		EpochSeed:       1,
	}
	assert.Empty(t, scheduler.OrderCandidates(types.OrderPooled, ps, hist))
}

func TestEpochSeedDeterministic(t *testing.T) {
	t.Parallel()

	assert.Equal(t, scheduler.EpochSeed("m1"), scheduler.EpochSeed("m1"))
	assert.NotEqual(t, scheduler.EpochSeed("m1"), scheduler.EpochSeed("m2"))
}

func TestOrderListIsRotationProperty(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 8).Draw(t, "n")
		ps := make([]types.Participant, n)
		for i := range ps {
			ps[i] = agent(string(rune('a'+i)), i, 0)
		}
		lastPos := rapid.IntRange(-1, n).Draw(t, "lastPos")

		got := scheduler.OrderCandidates(types.OrderList, ps, scheduler.HistoryView{LastSpeakerPos: lastPos})
		require.Len(t, got, n)

		// Every candidate appears exactly once.
		seen := map[string]bool{}
		for _, p := range got {
			require.False(t, seen[p.ID])
			seen[p.ID] = true
		}

		// Positions increase strictly, wrapping at most once.
		wraps := 0
		for i := 1; i < n; i++ {
			if got[i].Position < got[i-1].Position {
				wraps++
			}
		}
		require.LessOrEqual(t, wraps, 1)

		// The head is the first position strictly beyond the precedent.
		for _, p := range ps {
			if p.Position > lastPos {
				require.Equal(t, p.Position, got[0].Position)
				break
			}
		}
	})
}

func TestOrderPooledPermutationProperty(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 8).Draw(t, "n")
		ps := make([]types.Participant, n)
		spoken := map[string]bool{}
		expect := map[string]bool{}
		for i := range ps {
			id := string(rune('a' + i))
			ps[i] = agent(id, i, 0)
			if rapid.Bool().Draw(t, "spoken-"+id) {
				spoken[id] = true
			} else {
				expect[id] = true
			}
		}
		seed := rapid.Int64().Draw(t, "seed")
		hist := scheduler.HistoryView{SpokenThisEpoch: spoken, EpochSeed: seed}

		got := scheduler.OrderCandidates(types.OrderPooled, ps, hist)
		require.Len(t, got, len(expect))
		for _, p := range got {
			require.True(t, expect[p.ID])
			delete(expect, p.ID)
		}

		// Same seed, same order.
		again := scheduler.OrderCandidates(types.OrderPooled, ps, hist)
		require.Equal(t, ids(got), ids(again))
	})
}
