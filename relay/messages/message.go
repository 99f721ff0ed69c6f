package messages

import (
	"fmt"
	"strings"
)

const (
	// ServerSender is the sender name of every notice synthesized by the relay server
	ServerSender = "Servidor"

	leaveNoticeSuffix = " left the meeting"
)

// Type is the kind of Message
type Type uint8

const (
	TypeUnknown Type = iota
	TypeJoin
	TypeLeave
	TypeChat
	TypeInfo
	TypeVideo
	TypeAudio
	TypeCameraOff
	TypePing
	TypePong
)

var typeNames = map[Type]string{
	TypeJoin:      "JOIN",
	TypeLeave:     "LEAVE",
	TypeChat:      "CHAT",
	TypeInfo:      "INFO",
	TypeVideo:     "VIDEO",
	TypeAudio:     "AUDIO",
	TypeCameraOff: "CAM_OFF",
	TypePing:      "PING",
	TypePong:      "PONG",
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return "UNKNOWN"
}

// Valid reports whether t is one of the known message kinds
func (t Type) Valid() bool {
	_, ok := typeNames[t]
	return ok
}

// ParseType returns the Type named by s, e.g. "CAM_OFF"
func ParseType(s string) (Type, error) {
	for t, name := range typeNames {
		if strings.EqualFold(name, s) {
			return t, nil
		}
	}
	return TypeUnknown, fmt.Errorf("unknown message type %q", s)
}

// PayloadKind tells which variant of the payload union is populated
type PayloadKind uint8

const (
	PayloadText PayloadKind = iota + 1
	PayloadBinary
)

func (k PayloadKind) String() string {
	switch k {
	case PayloadText:
		return "text"
	case PayloadBinary:
		return "binary"
	default:
		return "unknown"
	}
}

// Message is the unit exchanged between peers and the relay. A Message is immutable once constructed and carries no
// identity beyond its content.
type Message struct {
	typ    Type
	sender string
	kind   PayloadKind
	text   string
	data   []byte
}

// NewText creates a message with a text payload
func NewText(t Type, sender, text string) Message {
	return Message{
		typ:    t,
		sender: sender,
		kind:   PayloadText,
		text:   text,
	}
}

// NewBinary creates a message with a binary payload. The payload is copied.
func NewBinary(t Type, sender string, data []byte) Message {
	buf := make([]byte, len(data))
	copy(buf, data)
	return Message{
		typ:    t,
		sender: sender,
		kind:   PayloadBinary,
		data:   buf,
	}
}

func NewJoin(username string) Message {
	return NewText(TypeJoin, username, username+" joined")
}

func NewLeave(username string) Message {
	return NewText(TypeLeave, username, username+leaveNoticeSuffix)
}

// NewServerLeave is the notice the relay broadcasts when the session of username is torn down
func NewServerLeave(username string) Message {
	return NewText(TypeLeave, ServerSender, username+leaveNoticeSuffix)
}

// NewRoomFull is the notice sent to a connection rejected because the room is at capacity
func NewRoomFull(capacity int) Message {
	return NewText(TypeInfo, ServerSender, fmt.Sprintf("room is full (maximum %d users)", capacity))
}

func NewChat(sender, text string) Message {
	return NewText(TypeChat, sender, text)
}

func NewInfo(sender, text string) Message {
	return NewText(TypeInfo, sender, text)
}

func NewVideo(sender string, frame []byte) Message {
	return NewBinary(TypeVideo, sender, frame)
}

func NewAudio(sender string, chunk []byte) Message {
	return NewBinary(TypeAudio, sender, chunk)
}

func NewCameraOff(sender string) Message {
	return NewText(TypeCameraOff, sender, "")
}

func NewPing(sender string) Message {
	return NewText(TypePing, sender, "")
}

func NewPong(sender string) Message {
	return NewText(TypePong, sender, "")
}

func (m Message) Type() Type {
	return m.typ
}

func (m Message) Sender() string {
	return m.sender
}

func (m Message) Payload() PayloadKind {
	return m.kind
}

// Text returns the text payload, empty for binary messages
func (m Message) Text() string {
	return m.text
}

// Data returns the binary payload, nil for text messages. The returned slice is shared and must not be modified.
func (m Message) Data() []byte {
	return m.data
}

// DepartedPeer returns the name of the peer a LEAVE message is about. Peer-originated LEAVE messages name their
// sender, server notices name the user in the text.
func (m Message) DepartedPeer() string {
	if m.typ != TypeLeave {
		return ""
	}
	if m.sender != ServerSender {
		return m.sender
	}
	return strings.TrimSuffix(m.text, leaveNoticeSuffix)
}

func (m Message) String() string {
	if m.kind == PayloadBinary {
		return fmt.Sprintf("%s from %q (%d bytes)", m.typ, m.sender, len(m.data))
	}
	return fmt.Sprintf("%s from %q: %q", m.typ, m.sender, m.text)
}
