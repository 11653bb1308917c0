package runner

import "time"

// State is where a room's runner is in its session cycle.
type State int

const (
	StateIdle State = iota
	StateLiveDetected
	StateRecording
	StateProcessing
	StateSplitting
	StateUploading
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateLiveDetected:
		return "LIVE_DETECTED"
	case StateRecording:
		return "RECORDING"
	case StateProcessing:
		return "PROCESSING"
	case StateSplitting:
		return "SPLITTING"
	case StateUploading:
		return "UPLOADING"
	case StateError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// MarshalText renders the state name in JSON.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Status is a snapshot of one runner.
type Status struct {
	RoomID    string    `json:"room_id"`
	Live      bool      `json:"live"`
	State     State     `json:"state"`
	Since     time.Time `json:"since"`
	Session   string    `json:"session,omitempty"`
	LastError string    `json:"last_error,omitempty"`
}
