package server

import (
	"bufio"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"chatrelay/protocol"
	"chatrelay/store"

	"go.uber.org/zap"
)

type Config struct {
	Port         int
	UploadPort   int
	DownloadPort int

	UploadDir    string
	BadWordsPath string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	HistoryLimit    int
	FilesLimit      int
	ModerationAudit bool
}

// Server owns the chat listener, the registries and the file transfer relay.
type Server struct {
	config     *Config
	store      store.Store
	log        *zap.Logger
	sessions   *SessionRegistry
	groups     *GroupRegistry
	calls      *CallCoordinator
	dispatcher *Dispatcher
	relay      *FileRelay

	listener net.Listener
	closed   atomic.Bool
}

func New(st store.Store, config *Config, log *zap.Logger) *Server {
	if config.HistoryLimit == 0 {
		config.HistoryLimit = 50
	}
	if config.FilesLimit == 0 {
		config.FilesLimit = 20
	}

	sessions := NewSessionRegistry()
	groups := NewGroupRegistry()
	calls := NewCallCoordinator()

	dispatcher := &Dispatcher{
		sessions:        sessions,
		groups:          groups,
		calls:           calls,
		store:           st,
		filter:          NewFilter(config.BadWordsPath, log),
		log:             log,
		historyLimit:    config.HistoryLimit,
		filesLimit:      config.FilesLimit,
		moderationAudit: config.ModerationAudit,
	}

	return &Server{
		config:     config,
		store:      st,
		log:        log,
		sessions:   sessions,
		groups:     groups,
		calls:      calls,
		dispatcher: dispatcher,
		relay:      NewFileRelay(st, config.UploadDir, log),
	}
}

// Start loads persisted groups, starts the file relay listeners and then
// accepts chat connections until Stop is called.
func (s *Server) Start() error {
	if err := s.store.EnsureSystemUser(); err != nil {
		s.log.Warn("failed to ensure system user", zap.Error(err))
	}

	groups, err := s.store.LoadAllGroups()
	if err != nil {
		return err
	}
	s.groups.Load(groups)
	s.log.Info("groups loaded", zap.Int("count", len(groups)))

	if err := s.relay.Start(s.config.UploadPort, s.config.DownloadPort); err != nil {
		return err
	}

	listener, err := net.Listen("tcp", ":"+strconv.Itoa(s.config.Port))
	if err != nil {
		return err
	}
	s.listener = listener

	s.log.Info("chat server started", zap.Int("port", s.config.Port))

	for {
		conn, err := listener.Accept()
		if err != nil {
			if s.closed.Load() {
				return nil
			}
			s.log.Error("error accepting connection", zap.Error(err))
			continue
		}

		go s.HandleConnection(conn)
	}
}

// Stop is the administrative shutdown: it closes the listeners and every
// connected session. No single connection failure ever reaches this path.
func (s *Server) Stop() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	if s.listener != nil {
		s.listener.Close()
	}
	s.relay.Close()
	for _, sess := range s.sessions.All() {
		sess.Close()
	}
	s.log.Info("server stopped")
}

// Stats returns a one-line summary for the control socket.
func (s *Server) Stats() string {
	users := s.sessions.Usernames()
	return "connections=" + strconv.Itoa(len(users)) + ",users=" + strings.Join(users, ";")
}

// HandleConnection runs the full lifecycle of one client socket: the
// authentication handshake, the command loop and the cleanup path. Exported
// for tests, which drive it over net.Pipe.
func (s *Server) HandleConnection(conn net.Conn) {
	defer conn.Close()

	remoteAddr := conn.RemoteAddr().String()
	s.log.Debug("client connected", zap.String("addr", remoteAddr))

	reader := bufio.NewReader(conn)

	session := s.authenticate(conn, reader, remoteAddr)
	if session == nil {
		return
	}
	conn.SetReadDeadline(time.Time{})

	var cleanupOnce sync.Once
	cleanup := func() {
		cleanupOnce.Do(func() { s.disconnect(session) })
	}
	defer cleanup()

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if err != io.EOF && !strings.Contains(err.Error(), "use of closed") {
				s.log.Debug("read error", zap.String("user", session.Username), zap.Error(err))
			}
			return
		}

		cmd, err := protocol.Parse(line)
		if err != nil {
			// Кривые команды просто выбрасываем, соединение живет дальше
			s.log.Debug("dropping malformed line",
				zap.String("user", session.Username), zap.Error(err))
			continue
		}

		s.dispatcher.Dispatch(session.Username, cmd)
	}
}

// authenticate loops until the client logs in or the connection dies. The
// read timeout applies only to this handshake; an unauthenticated socket may
// not sit idle forever. Returns nil when the connection is done.
func (s *Server) authenticate(conn net.Conn, reader *bufio.Reader, remoteAddr string) *Session {
	for {
		if s.config.ReadTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
		}
		line, err := reader.ReadString('\n')
		if err != nil {
			return nil
		}

		cmd, err := protocol.Parse(line)
		if err != nil {
			s.replyRaw(conn, protocol.Join("ERROR", "Please log in first"))
			continue
		}

		switch c := cmd.(type) {
		case protocol.Login:
			if session := s.handleLogin(conn, c, remoteAddr); session != nil {
				return session
			}
		case protocol.Register:
			s.handleRegister(conn, c)
		case protocol.ResetPassword:
			s.handleResetPassword(conn, c)
		default:
			s.replyRaw(conn, protocol.Join("ERROR", "Please log in first"))
		}
	}
}

func (s *Server) handleLogin(conn net.Conn, c protocol.Login, remoteAddr string) *Session {
	// Быстрый отказ без похода в базу, если имя уже занято
	if _, online := s.sessions.Get(c.Username); online {
		s.replyRaw(conn, protocol.Join("LOGIN_FAIL", "Account is already logged in elsewhere"))
		return nil
	}

	valid, err := s.store.VerifyUser(c.Username, c.Password)
	if err != nil {
		s.log.Error("login verification failed", zap.String("user", c.Username), zap.Error(err))
		s.replyRaw(conn, protocol.Join("LOGIN_FAIL", "Internal error"))
		return nil
	}
	if !valid {
		s.replyRaw(conn, protocol.Join("LOGIN_FAIL", "Wrong username or password"))
		return nil
	}

	session := newSession(c.Username, conn, s.config.WriteTimeout, s.log)
	online, ok := s.sessions.Register(session)
	if !ok {
		// Проиграли гонку второму логину с тем же именем
		s.replyRaw(conn, protocol.Join("LOGIN_FAIL", "Account is already logged in elsewhere"))
		return nil
	}
	session.start()

	session.Send(protocol.Join("LOGIN_SUCCESS", c.Username))
	if err := s.store.SetOnline(c.Username, true); err != nil {
		s.log.Warn("failed to mark user online", zap.String("user", c.Username), zap.Error(err))
	}

	// Новому клиенту — список онлайна и его группы, остальным — уведомление
	session.Send(protocol.Join("USER_LIST", strings.Join(online, ",")))
	s.dispatcher.sendGroupList(c.Username)
	joinedLine := protocol.Join("USER_JOINED", c.Username)
	for _, other := range s.sessions.All() {
		if other != session {
			other.Send(joinedLine)
		}
	}
	s.dispatcher.SystemBroadcast(c.Username + " joined the server!")

	s.log.Info("client registered", zap.String("user", c.Username), zap.String("addr", remoteAddr))
	return session
}

func (s *Server) handleRegister(conn net.Conn, c protocol.Register) {
	if len(c.Username) < 3 || len(c.Password) < 4 {
		s.replyRaw(conn, protocol.Join("REGISTER_FAIL", "Username or password too short"))
		return
	}

	exists, err := s.store.UserExists(c.Username)
	if err != nil {
		s.log.Error("registration check failed", zap.String("user", c.Username), zap.Error(err))
		s.replyRaw(conn, protocol.Join("REGISTER_FAIL", "Internal error"))
		return
	}
	if exists {
		s.replyRaw(conn, protocol.Join("REGISTER_FAIL", "Username already taken"))
		return
	}

	if err := s.store.CreateUser(c.Username, c.Password); err != nil {
		s.log.Error("registration failed", zap.String("user", c.Username), zap.Error(err))
		s.replyRaw(conn, protocol.Join("REGISTER_FAIL", "Internal error"))
		return
	}

	s.replyRaw(conn, protocol.Join("REGISTER_SUCCESS", "Registration complete, please log in"))
	s.log.Info("user registered", zap.String("user", c.Username))
}

func (s *Server) handleResetPassword(conn net.Conn, c protocol.ResetPassword) {
	err := s.store.ResetPassword(c.Username, c.NewPassword)
	if err == store.ErrNoRows {
		s.replyRaw(conn, protocol.Join("RESET_FAIL", "Account does not exist"))
		return
	}
	if err != nil {
		s.log.Error("password reset failed", zap.String("user", c.Username), zap.Error(err))
		s.replyRaw(conn, protocol.Join("RESET_FAIL", "Internal error"))
		return
	}

	s.replyRaw(conn, protocol.Join("RESET_SUCCESS", "Password has been changed"))
	s.log.Info("password reset", zap.String("user", c.Username))
}

// disconnect runs the cleanup path exactly once per session: force-end the
// active call, drop the session, drop live group memberships and tell
// everyone else.
func (s *Server) disconnect(session *Session) {
	username := session.Username

	if callID, ok := s.calls.ActiveCall(username); ok {
		s.log.Info("user disconnected mid-call, force-ending",
			zap.String("user", username), zap.Int64("call", callID))
		s.dispatcher.EndCall(callID)
	}

	if !s.sessions.Unregister(session) {
		return
	}
	session.Close()

	s.groups.RemoveUserFromAll(username)

	leftLine := protocol.Join("USER_LEFT", username)
	for _, other := range s.sessions.All() {
		other.Send(leftLine)
	}
	s.dispatcher.SystemBroadcast(username + " left the server.")

	if err := s.store.SetOnline(username, false); err != nil {
		s.log.Warn("failed to mark user offline", zap.String("user", username), zap.Error(err))
	}

	s.log.Info("client unregistered", zap.String("user", username))
}

// replyRaw writes one line directly to a not-yet-authenticated connection.
func (s *Server) replyRaw(conn net.Conn, line string) {
	conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	if _, err := conn.Write([]byte(line + "\n")); err != nil {
		s.log.Debug("error writing to connection", zap.Error(err))
	}
}
