package types

import "time"

// Status is the session state reported by the session client.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusWaiting      Status = "waiting"
	StatusReady        Status = "ready"
)

// Label returns the human-readable badge text for the status.
func (s Status) Label() string {
	switch s {
	case StatusConnecting:
		return "Connecting..."
	case StatusWaiting:
		return "Waiting..."
	case StatusReady:
		return "Connected"
	default:
		return "Disconnected"
	}
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusDisconnected, StatusConnecting, StatusWaiting, StatusReady:
		return true
	}
	return false
}

// Mode selects which video track is displayed.
type Mode int

const (
	ModeOriginal Mode = iota
	ModeTransformed
)

func (m Mode) String() string {
	if m == ModeTransformed {
		return "transformed"
	}
	return "original"
}

// Track identifiers of the two display surfaces.
const (
	TrackWebcam    = "webcam"
	TrackMainVideo = "main_video"
)

// Remote command names.
const (
	CommandSetReferenceImage = "set_reference_image"
	CommandReset             = "reset"
)

// Preset is a bundled reference image offered to the user.
type Preset struct {
	Path  string `json:"path" mapstructure:"path" validate:"required"`
	Label string `json:"label" mapstructure:"label"`
}

// EncodedStill is a fixed-size encoded reference image. Values are never
// mutated; a new capture produces a new EncodedStill.
type EncodedStill struct {
	DataURI    string    `json:"data_uri"`
	Width      int       `json:"width"`
	Height     int       `json:"height"`
	Source     string    `json:"source"`
	CapturedAt time.Time `json:"captured_at"`
}

// Stats is a snapshot of the session transport statistics. Nil fields
// were not reported.
type Stats struct {
	RTT                      *float64 `json:"rtt,omitempty"`
	FramesPerSecond          *float64 `json:"framesPerSecond,omitempty"`
	CandidateType            string   `json:"candidateType,omitempty"`
	PacketLossRatio          *float64 `json:"packetLossRatio,omitempty"`
	Jitter                   *float64 `json:"jitter,omitempty"`
	AvailableOutgoingBitrate *float64 `json:"availableOutgoingBitrate,omitempty"`
}
