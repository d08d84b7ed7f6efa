package signaling

import "fmt"

// SignalingError reports a signaling event that could not be honoured.
type SignalingError struct {
	Room   string
	Event  string
	Reason string
}

func (e *SignalingError) Error() string {
	if e.Room == "" {
		return fmt.Sprintf("%s: %s", e.Event, e.Reason)
	}
	return fmt.Sprintf("%s in room %q: %s", e.Event, e.Room, e.Reason)
}
