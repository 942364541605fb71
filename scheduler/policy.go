// Package scheduler coordinates who speaks next in a conversation and
// manages the lifecycle of each AI-generation attempt: selection
// policies, queue preview, the run planner and executor, the timeout
// reaper, quota bookkeeping and orphan reconciliation.
package scheduler

import (
	"hash/fnv"
	"math/rand"
	"sort"

	"github.com/BaSui01/chatflow/types"
)

// HistoryView carries the recent-history facts the selection policies
// need. The caller computes it from stored state so the policies stay
// pure: no side effects, safe to call repeatedly for preview.
type HistoryView struct {
	// LastSpeakerPos is the ordering position of the previous eligible
	// speaker: round-local while a round runs, otherwise the position
	// of the last message's author. -1 when there is no precedent.
	LastSpeakerPos int

	// SpokenThisEpoch holds the participant ids that have spoken since
	// the last human message. Consumed by the pooled policy.
	SpokenThisEpoch map[string]bool

	// EpochSeed anchors the pooled shuffle. It derives from the human
	// message that opened the epoch, so repeated previews inside one
	// epoch return the same order while each new epoch reshuffles.
	EpochSeed int64
}

// EpochSeed derives a shuffle seed from the epoch-opening message id.
func EpochSeed(messageID string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(messageID))
	return int64(h.Sum64())
}

// OrderCandidates applies the conversation's selection policy to the
// participant set and returns the ordered candidate list. Ineligible
// participants (humans, muted, removed, quota-exhausted) never appear.
func OrderCandidates(policy types.ReplyOrder, participants []types.Participant, hist HistoryView) []types.Participant {
	eligible := make([]types.Participant, 0, len(participants))
	for _, p := range participants {
		if p.Eligible() {
			eligible = append(eligible, p)
		}
	}
	if len(eligible) == 0 {
		return nil
	}

	switch policy {
	case types.OrderManual:
		// Advancement requires an explicit action naming the speaker.
		return nil
	case types.OrderList:
		return orderList(eligible, hist.LastSpeakerPos)
	case types.OrderNatural:
		return orderNatural(eligible)
	case types.OrderPooled:
		return orderPooled(eligible, hist)
	default:
		return nil
	}
}

// orderList rotates strictly after the previous speaker's position,
// wrapping to the first candidate. Ineligible participants were already
// dropped, which skips them without breaking rotation order.
func orderList(eligible []types.Participant, lastPos int) []types.Participant {
	sort.Slice(eligible, func(i, j int) bool { return eligible[i].Position < eligible[j].Position })

	pivot := len(eligible)
	for i, p := range eligible {
		if p.Position > lastPos {
			pivot = i
			break
		}
	}
	out := make([]types.Participant, 0, len(eligible))
	out = append(out, eligible[pivot:]...)
	out = append(out, eligible[:pivot]...)
	return out
}

// orderNatural sorts by descending talkativeness weight, ties broken by
// ascending position.
func orderNatural(eligible []types.Participant) []types.Participant {
	out := append([]types.Participant(nil), eligible...)
	sort.Slice(out, func(i, j int) bool {
		wi, wj := out[i].Weight(), out[j].Weight()
		if wi != wj {
			return wi > wj
		}
		return out[i].Position < out[j].Position
	})
	return out
}

// orderPooled returns a uniformly shuffled list of candidates that have
// not spoken in the current epoch. Once everyone has spoken the pool is
// empty; the next human message opens a fresh epoch with a fresh seed.
func orderPooled(eligible []types.Participant, hist HistoryView) []types.Participant {
	pool := make([]types.Participant, 0, len(eligible))
	for _, p := range eligible {
		if !hist.SpokenThisEpoch[p.ID] {
			pool = append(pool, p)
		}
	}
	if len(pool) == 0 {
		return nil
	}
	// Deterministic per epoch: the seed comes from the epoch anchor, so
	// preview purity holds without hidden state.
	sort.Slice(pool, func(i, j int) bool { return pool[i].Position < pool[j].Position })
	rng := rand.New(rand.NewSource(hist.EpochSeed))
	rng.Shuffle(len(pool), func(i, j int) { pool[i], pool[j] = pool[j], pool[i] })
	return pool
}
