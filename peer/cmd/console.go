package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/meetrelay/meetrelay/relay/client"
	"github.com/meetrelay/meetrelay/relay/messages"
)

const (
	commandQuit      = "/quit"
	commandCameraOff = "/cam-off"
)

// meeting is the part of client.Manager the console drives
type meeting interface {
	Send(msg messages.Message) error
	Disconnect() error
}

// console prints what the room says. It has no camera or speaker, media is only logged.
type console struct {
	mu  sync.Mutex
	out io.Writer
}

func newConsole(out io.Writer) *console {
	return &console{out: out}
}

func (c *console) Println(line string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, _ = fmt.Fprintln(c.out, line)
}

func (c *console) OnDisplayLine(line string) {
	c.Println(line)
}

func (c *console) OnPeerJoined(name string) {
	log.Debugf("peer %s appeared", name)
}

func (c *console) OnPeerLeft(name string) {
	log.Debugf("peer %s departed", name)
}

func (c *console) OnVideoFrame(sender string, frame []byte) {
	log.Tracef("video frame from %s: %d bytes", sender, len(frame))
}

func (c *console) OnAudioChunk(sender string, chunk []byte) {
	log.Tracef("audio chunk from %s: %d bytes", sender, len(chunk))
}

func (c *console) OnCameraOff(sender string) {
	c.Println(fmt.Sprintf("%s turned the camera off", sender))
}

// runConsole sends every typed line until /quit, the end of the input or ctx is done
func runConsole(ctx context.Context, m meeting, username string, in io.Reader, out *console) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			log.Errorf("failed to read input: %s", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if !handleLine(m, username, strings.TrimSpace(line), out) {
				return
			}
		}
	}
}

// handleLine returns false when the user left the room
func handleLine(m meeting, username, line string, out *console) bool {
	var msg messages.Message
	switch line {
	case "":
		return true
	case commandQuit:
		if err := m.Send(messages.NewLeave(username)); err != nil && !errors.Is(err, client.ErrNotConnected) {
			log.Warnf("failed to say goodbye: %s", err)
		}
		if err := m.Disconnect(); err != nil {
			log.Errorf("failed to disconnect: %s", err)
		}
		return false
	case commandCameraOff:
		msg = messages.NewCameraOff(username)
	default:
		msg = messages.NewChat(username, line)
	}

	if err := m.Send(msg); err != nil {
		if errors.Is(err, client.ErrNotConnected) {
			out.Println("not connected, message dropped")
			return true
		}
		log.Warnf("failed to send %s: %s", msg.Type(), err)
	}
	return true
}
