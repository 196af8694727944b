// Package resolve decides which side wins when a pulled remote state
// meets a locally mutated item. Resolution is a pure function over the
// two timestamped values; it performs no I/O and holds no state, so it
// can be exhaustively unit-tested without any store.
package resolve

import (
	"time"

	"github.com/rsstools/feedsyncd/internal/feed"
)

// Outcome names which side's flags survive resolution.
type Outcome int

const (
	// RemoteWins means the remote value is applied and last_sync_update
	// is set to the remote timestamp.
	RemoteWins Outcome = iota

	// LocalWins means the local value is preserved and the differing
	// actions are (re-)enqueued to correct upstream, guaranteeing
	// eventual convergence even if a previous push attempt was lost.
	LocalWins
)

// Local is the item state relevant to resolution.
type Local struct {
	IsRead          bool
	IsStarred       bool
	LastLocalUpdate *time.Time
}

// Remote is the incoming upstream state with its own timestamp.
type Remote struct {
	IsRead    bool
	IsStarred bool
	Timestamp time.Time
}

// Decision is the result of resolving one item.
type Decision struct {
	Outcome Outcome

	// IsRead and IsStarred are the winning flags.
	IsRead    bool
	IsStarred bool

	// Reenqueue lists the actions to push when local wins, one per flag
	// that differs from the remote value. Empty when remote wins or the
	// two sides already agree.
	Reenqueue []feed.Action

	// EnqueueAt is the action timestamp to use for re-enqueued pushes
	// (the local update time, so coalescing stays consistent).
	EnqueueAt time.Time
}

// Resolve compares local and remote state and picks the winner.
//
// The remote value wins iff the item has never diverged locally
// (LastLocalUpdate nil) or the local update is older than the remote
// timestamp. Ties favor local state: in a single-user system the local
// copy is the more recently observed intent.
func Resolve(local Local, remote Remote) Decision {
	if local.LastLocalUpdate == nil || local.LastLocalUpdate.Before(remote.Timestamp) {
		return Decision{
			Outcome:   RemoteWins,
			IsRead:    remote.IsRead,
			IsStarred: remote.IsStarred,
		}
	}

	d := Decision{
		Outcome:   LocalWins,
		IsRead:    local.IsRead,
		IsStarred: local.IsStarred,
		EnqueueAt: *local.LastLocalUpdate,
	}

	if local.IsRead != remote.IsRead {
		d.Reenqueue = append(d.Reenqueue, feed.ReadAction(local.IsRead))
	}
	if local.IsStarred != remote.IsStarred {
		d.Reenqueue = append(d.Reenqueue, feed.StarAction(local.IsStarred))
	}

	return d
}
