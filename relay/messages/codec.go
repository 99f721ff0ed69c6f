package messages

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

const (
	CurrentProtocolVersion = 1

	// MaxFrameSize limits the body of a single frame. A JPEG video frame fits comfortably.
	MaxFrameSize = 8 << 20

	sizeOfLengthHeader = 4
	maxRetainedBuffer  = 64 << 10
)

var (
	ErrFrameTooLarge      = errors.New("frame too large")
	ErrInvalidMessage     = errors.New("invalid message")
	ErrUnsupportedVersion = errors.New("unsupported version")
	ErrPartialFrame       = errors.New("partial frame written")
)

// frame is the msgpack representation of a Message
type frame struct {
	Version uint8       `msgpack:"v"`
	Type    Type        `msgpack:"t"`
	Sender  string      `msgpack:"s"`
	Kind    PayloadKind `msgpack:"k"`
	Text    string      `msgpack:"x,omitempty"`
	Data    []byte      `msgpack:"d,omitempty"`
}

// Marshal encodes a Message into a frame body, without the length header
func Marshal(m Message) ([]byte, error) {
	if !m.typ.Valid() {
		return nil, fmt.Errorf("%w: type %d", ErrInvalidMessage, m.typ)
	}
	f := frame{
		Version: CurrentProtocolVersion,
		Type:    m.typ,
		Sender:  m.sender,
		Kind:    m.kind,
		Text:    m.text,
		Data:    m.data,
	}
	return msgpack.Marshal(&f)
}

// Unmarshal decodes a frame body produced by Marshal
func Unmarshal(body []byte) (Message, error) {
	var f frame
	if err := msgpack.Unmarshal(body, &f); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	if f.Version != CurrentProtocolVersion {
		return Message{}, fmt.Errorf("%d: %w", f.Version, ErrUnsupportedVersion)
	}

	if !f.Type.Valid() {
		return Message{}, fmt.Errorf("%w: type %d", ErrInvalidMessage, f.Type)
	}

	switch f.Kind {
	case PayloadText:
		if len(f.Data) != 0 {
			return Message{}, fmt.Errorf("%w: text message with binary payload", ErrInvalidMessage)
		}
		return NewText(f.Type, f.Sender, f.Text), nil
	case PayloadBinary:
		if f.Text != "" {
			return Message{}, fmt.Errorf("%w: binary message with text payload", ErrInvalidMessage)
		}
		if f.Data == nil {
			f.Data = []byte{}
		}
		// the decoder allocated f.Data for us, no need for NewBinary's copy
		return Message{typ: f.Type, sender: f.Sender, kind: PayloadBinary, data: f.Data}, nil
	default:
		return Message{}, fmt.Errorf("%w: payload kind %d", ErrInvalidMessage, f.Kind)
	}
}

// Writer writes length-prefixed frames. It is not safe for concurrent use.
//
// Every frame goes out in a single Write of the underlying writer. A failed write that sent nothing leaves the stream
// intact and the Writer usable; one that sent part of the frame returns ErrPartialFrame and the stream must be
// abandoned.
type Writer struct {
	w   io.Writer
	buf []byte
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WriteMessage writes one frame to the underlying writer
func (w *Writer) WriteMessage(m Message) error {
	body, err := Marshal(m)
	if err != nil {
		return err
	}

	if len(body) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(body))
	}

	w.buf = binary.BigEndian.AppendUint32(w.buf[:0], uint32(len(body)))
	w.buf = append(w.buf, body...)
	defer w.shrink()

	n, err := w.w.Write(w.buf)
	if err != nil {
		if n > 0 {
			return fmt.Errorf("%w: %d of %d bytes: %w", ErrPartialFrame, n, len(w.buf), err)
		}
		return err
	}
	return nil
}

// shrink drops the buffer kept after a media frame
func (w *Writer) shrink() {
	if cap(w.buf) > maxRetainedBuffer {
		w.buf = nil
	}
}

// Reader reads length-prefixed frames. It is not safe for concurrent use.
type Reader struct {
	r      *bufio.Reader
	header [sizeOfLengthHeader]byte
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r)}
}

// ReadMessage blocks until one frame is decoded. It returns io.EOF if the stream ends on a frame boundary.
func (r *Reader) ReadMessage() (Message, error) {
	if _, err := io.ReadFull(r.r, r.header[:]); err != nil {
		return Message{}, err
	}

	size := binary.BigEndian.Uint32(r.header[:])
	if size > MaxFrameSize {
		return Message{}, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(r.r, body); err != nil {
		if errors.Is(err, io.EOF) {
			return Message{}, io.ErrUnexpectedEOF
		}
		return Message{}, err
	}

	return Unmarshal(body)
}
