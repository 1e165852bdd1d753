// Package reconcile brings the local channel and program records in line
// with a server snapshot. The diff functions are pure; Engine reads the
// store, diffs, and writes the result in bounded batches.
package reconcile

import (
	"sort"

	"github.com/alexjbarnes/htsp-sync/internal/models"
	"github.com/alexjbarnes/htsp-sync/internal/store"
)

// ChannelPlan is the outcome of a channel diff.
type ChannelPlan struct {
	Ops []store.Operation

	// Duplicates lists remote channel ids that appeared more than once.
	// Only the first occurrence was used.
	Duplicates []int64
}

// DiffChannels returns the operations that make local match remote,
// keyed on ChannelID. Remote order does not matter. A remote channel
// already stored is updated in place, and only if its content changed,
// so diffing the same snapshot twice yields nothing the second time.
// Every local row whose key is absent upstream is deleted, as is every
// extra local row sharing a key with another.
func DiffChannels(local, remote []models.Channel) ChannelPlan {
	byKey := make(map[int64]models.Channel, len(local))

	var (
		plan    ChannelPlan
		deletes []int64
	)

	for _, ch := range local {
		if kept, ok := byKey[ch.ChannelID]; ok {
			// Keep the oldest row; the other is a leftover duplicate.
			if ch.RowID < kept.RowID {
				byKey[ch.ChannelID] = ch
				ch = kept
			}

			deletes = append(deletes, ch.RowID)

			continue
		}

		byKey[ch.ChannelID] = ch
	}

	seen := make(map[int64]bool, len(remote))

	for _, r := range remote {
		if seen[r.ChannelID] {
			plan.Duplicates = append(plan.Duplicates, r.ChannelID)
			continue
		}

		seen[r.ChannelID] = true

		l, ok := byKey[r.ChannelID]
		if !ok {
			plan.Ops = append(plan.Ops, store.InsertChannel(r))
			continue
		}

		delete(byKey, r.ChannelID)

		if !l.SameContent(r) {
			plan.Ops = append(plan.Ops, store.UpdateChannel(l.RowID, r))
		}
	}

	for _, l := range byKey {
		deletes = append(deletes, l.RowID)
	}

	sort.Slice(deletes, func(i, j int) bool { return deletes[i] < deletes[j] })

	for _, id := range deletes {
		plan.Ops = append(plan.Ops, store.DeleteChannel(id))
	}

	return plan
}

// DiffPrograms merges two lists sorted by start time with one cursor on
// each. Equal programs are skipped. A local program with the remote's
// event id is updated in place. Anything else inserts the remote program
// and leaves the local cursor where it is, so that local program is
// compared with the next remote one.
//
// The walk ends with the remote list. Local programs the cursor never
// reached are left in the store.
func DiffPrograms(local, remote []models.Program) []store.Operation {
	var ops []store.Operation

	i := 0

	for _, r := range remote {
		if i < len(local) {
			l := local[i]

			if l.SameContent(r) {
				i++
				continue
			}

			if l.EventID == r.EventID {
				ops = append(ops, store.UpdateProgram(l.RowID, r))
				i++

				continue
			}
		}

		ops = append(ops, store.InsertProgram(r))
	}

	return ops
}
