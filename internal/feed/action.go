package feed

import (
	"fmt"
	"time"
)

// Action is a user state change to be pushed upstream.
type Action string

const (
	ActionRead   Action = "read"
	ActionUnread Action = "unread"
	ActionStar   Action = "star"
	ActionUnstar Action = "unstar"
)

// Category groups actions that toggle the same item flag. Coalescing in
// the change queue keeps only the newest action per (item, category);
// categories are independent of each other.
type Category string

const (
	CategoryRead Category = "read"
	CategoryStar Category = "star"
)

// Validate checks that the action is one of the known values.
func (a Action) Validate() error {
	switch a {
	case ActionRead, ActionUnread, ActionStar, ActionUnstar:
		return nil
	}
	return fmt.Errorf("unknown action %q", string(a))
}

// Category returns the flag category the action belongs to.
func (a Action) Category() Category {
	switch a {
	case ActionRead, ActionUnread:
		return CategoryRead
	default:
		return CategoryStar
	}
}

// Apply mutates the item flags according to the action.
func (a Action) Apply(item *Item) {
	switch a {
	case ActionRead:
		item.IsRead = true
	case ActionUnread:
		item.IsRead = false
	case ActionStar:
		item.IsStarred = true
	case ActionUnstar:
		item.IsStarred = false
	}
}

// ReadAction returns the action that produces the given read flag.
func ReadAction(isRead bool) Action {
	if isRead {
		return ActionRead
	}
	return ActionUnread
}

// StarAction returns the action that produces the given starred flag.
func StarAction(isStarred bool) Action {
	if isStarred {
		return ActionStar
	}
	return ActionUnstar
}

// ChangeEntry is a pending local mutation awaiting push upstream.
//
// Entries are created synchronously when a user toggles state, removed on
// confirmed upstream acknowledgment, and retried with exponential backoff
// on failure. Entries exceeding the retry ceiling move to the dead-letter
// set instead of being retried forever.
type ChangeEntry struct {
	// ID is the queue-local identifier (UUID).
	ID string `json:"id"`

	ItemUpstreamID string `json:"item_upstream_id"`
	Action         Action `json:"action"`

	// ActionTimestamp is when the user performed the action. Drain order
	// and coalescing are both driven by this, not by insertion order.
	ActionTimestamp time.Time `json:"action_timestamp"`

	Attempts      int        `json:"attempts"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`

	// NextAttemptAt is the computed next-eligible-retry time. Drain skips
	// entries whose NextAttemptAt is still in the future.
	NextAttemptAt time.Time `json:"next_attempt_at"`

	// InFlight marks the entry as claimed by an active drain so a
	// concurrent drain cannot double-send it.
	InFlight bool `json:"in_flight"`

	CreatedAt time.Time `json:"created_at"`
}

// Validate checks that the ChangeEntry has valid field values.
func (e *ChangeEntry) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("id is required")
	}
	if e.ItemUpstreamID == "" {
		return fmt.Errorf("item_upstream_id is required")
	}
	if err := e.Action.Validate(); err != nil {
		return err
	}
	if e.ActionTimestamp.IsZero() {
		return fmt.Errorf("action_timestamp is required")
	}
	return nil
}

// DeadLetter is a change entry that exceeded its retry ceiling and was
// set aside for manual handling.
type DeadLetter struct {
	ID              string    `json:"id"`
	ItemUpstreamID  string    `json:"item_upstream_id"`
	Action          Action    `json:"action"`
	ActionTimestamp time.Time `json:"action_timestamp"`
	Attempts        int       `json:"attempts"`
	LastError       string    `json:"last_error,omitempty"`
	MovedAt         time.Time `json:"moved_at"`
}
