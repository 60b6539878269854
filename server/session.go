package server

import (
	"net"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

const outboundQueueSize = 256

// Session is the live binding between an authenticated username and its
// connection. Outbound lines go through a buffered queue drained by a single
// writer goroutine, so a stalled recipient never blocks the sender's worker.
type Session struct {
	Username string

	conn         net.Conn
	out          chan string
	done         chan struct{}
	closeOnce    sync.Once
	writeTimeout time.Duration
	log          *zap.Logger
}

func newSession(username string, conn net.Conn, writeTimeout time.Duration, log *zap.Logger) *Session {
	return &Session{
		Username:     username,
		conn:         conn,
		out:          make(chan string, outboundQueueSize),
		done:         make(chan struct{}),
		writeTimeout: writeTimeout,
		log:          log,
	}
}

// start launches the writer pump. Called once, after the session has won its
// place in the registry.
func (s *Session) start() {
	go s.writePump()
}

// Send queues one line for delivery. It never blocks: when the queue is full
// the line is dropped and logged, trading delivery for liveness.
func (s *Session) Send(line string) {
	select {
	case s.out <- line:
	case <-s.done:
	default:
		s.log.Warn("outbound queue full, dropping line",
			zap.String("user", s.Username))
	}
}

func (s *Session) writePump() {
	for {
		select {
		case line := <-s.out:
			s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			if _, err := s.conn.Write([]byte(line + "\n")); err != nil {
				s.log.Debug("write failed",
					zap.String("user", s.Username), zap.Error(err))
				s.Close()
				return
			}
		case <-s.done:
			return
		}
	}
}

// Close shuts the writer down and closes the socket. Safe to call repeatedly.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}

// SessionRegistry holds the authoritative username -> session map.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]*Session)}
}

// Register claims the username for the session. It fails when the name is
// already online, leaving the existing session untouched. The returned
// snapshot contains every online username including the new one.
func (r *SessionRegistry) Register(s *Session) (online []string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, taken := r.sessions[s.Username]; taken {
		return nil, false
	}
	r.sessions[s.Username] = s

	online = make([]string, 0, len(r.sessions))
	for name := range r.sessions {
		online = append(online, name)
	}
	sort.Strings(online)
	return online, true
}

// Unregister removes the session for username, but only if it is the same
// session: a rejected duplicate login must not displace the original.
func (r *SessionRegistry) Unregister(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.sessions[s.Username]
	if !ok || current != s {
		return false
	}
	delete(r.sessions, s.Username)
	return true
}

func (r *SessionRegistry) Get(username string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[username]
	return s, ok
}

func (r *SessionRegistry) All() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	all := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	return all
}

func (r *SessionRegistry) Usernames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.sessions))
	for name := range r.sessions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *SessionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
