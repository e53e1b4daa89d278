package bus

import "time"

// Event kinds. Subscribers filter by prefix ("store.", "live.", "history.").
const (
	KindStoreChanged = "store.changed"
	KindLiveState    = "live.state_changed"
	KindLiveTyping   = "live.typing"
	KindLiveError    = "live.error"
	KindHistoryError = "history.error"
)

// Event is a state change fanned out to watchers.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
