package server

import (
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/meetrelay/meetrelay/relay/messages"
)

// Session represents one admitted peer connection
type Session struct {
	log  *log.Entry
	id   string
	conn *messages.Conn

	writeTimeout time.Duration
	// writeMu serializes writes from the broadcast fan-out and direct replies
	writeMu sync.Mutex

	username   string
	usernameMu sync.RWMutex

	closeOnce sync.Once
	closeErr  error
}

// NewSession sets up the codec over conn. The read loop is started by the Relay once the session is admitted.
func NewSession(conn net.Conn, writeTimeout time.Duration) *Session {
	id := uuid.NewString()
	return &Session{
		log: log.WithFields(log.Fields{
			"session_id": id,
			"remote":     conn.RemoteAddr().String(),
		}),
		id:           id,
		conn:         messages.NewConn(conn),
		writeTimeout: writeTimeout,
	}
}

func (s *Session) ID() string {
	return s.id
}

// Send writes msg to the peer. It is safe for concurrent use.
func (s *Session) Send(msg messages.Message) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessageTimeout(msg, s.writeTimeout)
}

// SetUsername records the username announced by the peer's JOIN. Only the first call has an effect; it reports
// whether the name was recorded.
func (s *Session) SetUsername(name string) bool {
	s.usernameMu.Lock()
	defer s.usernameMu.Unlock()
	if s.username != "" || name == "" {
		return false
	}
	s.username = name
	s.log = s.log.WithField("username", name)
	return true
}

// Username returns the recorded username, if the peer has joined
func (s *Session) Username() (string, bool) {
	s.usernameMu.RLock()
	defer s.usernameMu.RUnlock()
	return s.username, s.username != ""
}

// Close closes the transport. A blocked read returns with an error. It is safe to call more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}

func (s *Session) readMessage() (messages.Message, error) {
	return s.conn.ReadMessage()
}

func (s *Session) logger() *log.Entry {
	s.usernameMu.RLock()
	defer s.usernameMu.RUnlock()
	return s.log
}

func (s *Session) String() string {
	return s.id
}
