package swap

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// FrameKind is the combined engine.io/socket.io packet type of a frame.
type FrameKind int

const (
	FrameOpen FrameKind = iota
	FrameClose
	FramePing
	FramePong
	FrameNoop
	FrameConnect
	FrameDisconnect
	FrameEvent
	FrameAck
	FrameError
)

var frameKindNames = [...]string{"open", "close", "ping", "pong", "noop", "connect", "disconnect", "event", "ack", "error"}

func (k FrameKind) String() string {
	if int(k) < len(frameKindNames) {
		return frameKindNames[k]
	}
	return "FrameKind(" + strconv.Itoa(int(k)) + ")"
}

// engine.io v3 packet types.
const (
	eioOpen    = '0'
	eioClose   = '1'
	eioPing    = '2'
	eioPong    = '3'
	eioMessage = '4'
	eioUpgrade = '5'
	eioNoop    = '6'
)

// socket.io packet types, carried inside an engine.io message.
const (
	sioConnect    = '0'
	sioDisconnect = '1'
	sioEvent      = '2'
	sioAck        = '3'
	sioError      = '4'
)

// Frame is one decoded socket message.
type Frame struct {
	Kind FrameKind
	// AckID is -1 when the frame carries none.
	AckID int
	// Event is the event name of a FrameEvent.
	Event string
	// Payload is the JSON body: the argument array for events and acks,
	// the handshake object for FrameOpen, the error data for FrameError.
	Payload json.RawMessage
}

// Carries reports whether the frame can hold a reply to a request.
func (f Frame) Carries() bool {
	return f.Kind == FrameEvent || f.Kind == FrameAck || f.Kind == FrameError
}

var errEmptyFrame = errors.New("swap: empty frame")

// EncodeEvent builds 42<ackID>["event",payload].
func EncodeEvent(ackID int, event string, payload any) ([]byte, error) {
	body, err := json.Marshal([]any{event, payload})
	if err != nil {
		return nil, fmt.Errorf("swap: encoding %s: %w", event, err)
	}
	var buf bytes.Buffer
	buf.WriteByte(eioMessage)
	buf.WriteByte(sioEvent)
	if ackID >= 0 {
		buf.WriteString(strconv.Itoa(ackID))
	}
	buf.Write(body)
	return buf.Bytes(), nil
}

// DecodeFrame parses a single text frame.
func DecodeFrame(data []byte) (Frame, error) {
	if len(data) == 0 {
		return Frame{}, errEmptyFrame
	}
	f := Frame{AckID: -1}
	switch data[0] {
	case eioOpen:
		f.Kind = FrameOpen
		f.Payload = json.RawMessage(data[1:])
	case eioClose:
		f.Kind = FrameClose
	case eioPing:
		f.Kind = FramePing
	case eioPong:
		f.Kind = FramePong
	case eioUpgrade, eioNoop:
		f.Kind = FrameNoop
	case eioMessage:
		return decodePacket(data[1:])
	default:
		return Frame{}, fmt.Errorf("swap: unknown engine.io packet type %q", data[0])
	}
	return f, nil
}

func decodePacket(p []byte) (Frame, error) {
	if len(p) == 0 {
		return Frame{}, errEmptyFrame
	}
	f := Frame{AckID: -1}
	switch p[0] {
	case sioConnect:
		f.Kind = FrameConnect
	case sioDisconnect:
		f.Kind = FrameDisconnect
	case sioEvent:
		f.Kind = FrameEvent
	case sioAck:
		f.Kind = FrameAck
	case sioError:
		f.Kind = FrameError
	default:
		return Frame{}, fmt.Errorf("swap: unsupported socket.io packet type %q", p[0])
	}
	rest := p[1:]

	// Optional namespace: "/chat,".
	if len(rest) > 0 && rest[0] == '/' {
		if i := bytes.IndexByte(rest, ','); i >= 0 {
			rest = rest[i+1:]
		} else {
			rest = nil
		}
	}

	i := 0
	for i < len(rest) && rest[i] >= '0' && rest[i] <= '9' {
		i++
	}
	if i > 0 {
		id, err := strconv.Atoi(string(rest[:i]))
		if err != nil {
			return Frame{}, fmt.Errorf("swap: bad ack id: %w", err)
		}
		f.AckID = id
		rest = rest[i:]
	}
	f.Payload = json.RawMessage(rest)

	if f.Kind == FrameEvent {
		var args []json.RawMessage
		if err := json.Unmarshal(rest, &args); err != nil || len(args) == 0 {
			return Frame{}, fmt.Errorf("swap: event frame without argument array: %s", rest)
		}
		if err := json.Unmarshal(args[0], &f.Event); err != nil {
			return Frame{}, fmt.Errorf("swap: event name: %w", err)
		}
	}
	return f, nil
}

// handshake is the body of the engine.io open packet.
type handshake struct {
	SID          string `json:"sid"`
	PingInterval int    `json:"pingInterval"`
	PingTimeout  int    `json:"pingTimeout"`
}
