package client

import (
	"fmt"

	"github.com/meetrelay/meetrelay/relay/messages"
)

// Dispatcher receives the inbound traffic of a Manager. Inbound messages are delivered from the receive goroutine of
// the current connection, one at a time; connection status lines come from the goroutine that changed the state.
// Implementations that drive a UI must hand the values over to their own thread. They must not block for long and
// must not call Manager.Disconnect.
type Dispatcher interface {
	// OnDisplayLine delivers a human readable line: chat text, join and leave notices, server notices and connection
	// status
	OnDisplayLine(line string)
	OnPeerJoined(name string)
	OnPeerLeft(name string)
	OnVideoFrame(sender string, frame []byte)
	OnAudioChunk(sender string, chunk []byte)
	OnCameraOff(sender string)
}

// DispatchFuncs implements Dispatcher with optional funcs. Nil fields ignore the event.
type DispatchFuncs struct {
	DisplayLine func(line string)
	PeerJoined  func(name string)
	PeerLeft    func(name string)
	VideoFrame  func(sender string, frame []byte)
	AudioChunk  func(sender string, chunk []byte)
	CameraOff   func(sender string)
}

func (f DispatchFuncs) OnDisplayLine(line string) {
	if f.DisplayLine != nil {
		f.DisplayLine(line)
	}
}

func (f DispatchFuncs) OnPeerJoined(name string) {
	if f.PeerJoined != nil {
		f.PeerJoined(name)
	}
}

func (f DispatchFuncs) OnPeerLeft(name string) {
	if f.PeerLeft != nil {
		f.PeerLeft(name)
	}
}

func (f DispatchFuncs) OnVideoFrame(sender string, frame []byte) {
	if f.VideoFrame != nil {
		f.VideoFrame(sender, frame)
	}
}

func (f DispatchFuncs) OnAudioChunk(sender string, chunk []byte) {
	if f.AudioChunk != nil {
		f.AudioChunk(sender, chunk)
	}
}

func (f DispatchFuncs) OnCameraOff(sender string) {
	if f.CameraOff != nil {
		f.CameraOff(sender)
	}
}

// dispatch hands one displayable or media message to d. localUser filters the echo of our own JOIN and media.
func dispatch(d Dispatcher, localUser string, msg messages.Message) {
	switch msg.Type() {
	case messages.TypeChat:
		d.OnDisplayLine(fmt.Sprintf("%s: %s", msg.Sender(), msg.Text()))
	case messages.TypeJoin:
		d.OnDisplayLine(fmt.Sprintf("%s joined", msg.Sender()))
		if msg.Sender() != localUser {
			d.OnPeerJoined(msg.Sender())
		}
	case messages.TypeLeave:
		departed := msg.DepartedPeer()
		line := msg.Text()
		if line == "" {
			line = fmt.Sprintf("%s left", departed)
		}
		d.OnDisplayLine(line)
		if departed != "" {
			d.OnPeerLeft(departed)
		}
	case messages.TypeInfo:
		d.OnDisplayLine(msg.Text())
	case messages.TypeVideo:
		if msg.Sender() != localUser {
			d.OnVideoFrame(msg.Sender(), msg.Data())
		}
	case messages.TypeAudio:
		if msg.Sender() != localUser {
			d.OnAudioChunk(msg.Sender(), msg.Data())
		}
	case messages.TypeCameraOff:
		d.OnCameraOff(msg.Sender())
	}
}
