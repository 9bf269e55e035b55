package status

import (
	"time"

	"github.com/class-swap/backend/internal/swap"
	"github.com/class-swap/backend/internal/watch"
)

type MessageType string

const (
	MsgSnapshot MessageType = "snapshot"
	MsgAlert    MessageType = "alert"
)

type Message struct {
	Type    MessageType `json:"type"`
	Payload any         `json:"payload"`
}

// Snapshot describes the run as a whole. Exactly one of Watch and Swap is
// set once the engine has started.
type Snapshot struct {
	RunID     string        `json:"run_id"`
	Mode      string        `json:"mode"`
	Term      string        `json:"term"`
	TermCode  string        `json:"term_code,omitempty"`
	StartedAt time.Time     `json:"started_at"`
	Watch     *watch.Status `json:"watch,omitempty"`
	Swap      *swap.Status  `json:"swap,omitempty"`
}

type AlertPayload struct {
	At   time.Time `json:"at"`
	Text string    `json:"text"`
}
