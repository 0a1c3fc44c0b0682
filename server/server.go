// Package server runs the TCP endpoint: one goroutine per live
// connection, a handshake that binds the connection to a user in the
// presence registry, and packet dispatch to the relay, social and assist
// coordinators.
package server

import (
	"bufio"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"convo/apperr"
	"convo/assist"
	"convo/auth"
	"convo/presence"
	"convo/protocol"
	"convo/relay"
	"convo/social"
)

type Config struct {
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type Server struct {
	config   *Config
	auth     *auth.Service
	presence *presence.Registry
	relay    *relay.Relay
	social   *social.Coordinator
	assist   *assist.Coordinator
	aiUser   string
	log      *zap.Logger
}

// session is the per-connection state: empty username until the
// handshake succeeds.
type session struct {
	username string
	conn     net.Conn
}

func New(config *Config, authSvc *auth.Service, registry *presence.Registry,
	messageRelay *relay.Relay, coordinator *social.Coordinator,
	composer *assist.Coordinator, aiUser string, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		config:   config,
		auth:     authSvc,
		presence: registry,
		relay:    messageRelay,
		social:   coordinator,
		assist:   composer,
		aiUser:   aiUser,
		log:      log,
	}
}

func (s *Server) Start() error {
	listener, err := net.Listen("tcp", ":"+strconv.Itoa(s.config.Port))
	if err != nil {
		return err
	}
	defer listener.Close()

	s.log.Info("server started", zap.Int("port", s.config.Port))

	for {
		conn, err := listener.Accept()
		if err != nil {
			s.log.Warn("accept failed", zap.Error(err))
			continue
		}
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()

	remoteAddr := conn.RemoteAddr().String()
	s.log.Debug("client connected", zap.String("addr", remoteAddr))

	sess := &session{conn: conn}
	reader := bufio.NewReader(conn)

	for {
		// An idle or half-open connection (including a handshake that
		// never arrives) is dropped on the read deadline; clients keep
		// the line warm with ping.
		conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
		line, err := reader.ReadString('\n')
		if err != nil {
			if err != io.EOF {
				if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
					s.log.Debug("connection idle timeout", zap.String("addr", remoteAddr))
				} else if !strings.Contains(err.Error(), "use of closed network connection") {
					s.log.Warn("read failed", zap.String("addr", remoteAddr), zap.Error(err))
				}
			}
			break
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		pkt, err := protocol.Parse(line + "\n")
		if err != nil {
			s.sendFail(conn, "", apperr.InvalidArg("invalid packet format"))
			continue
		}

		if done := s.handlePacket(sess, pkt, conn); done {
			break
		}
	}

	if sess.username != "" {
		s.presence.Unregister(sess.username, conn)
		s.log.Info("client disconnected", zap.String("user", sess.username),
			zap.String("addr", remoteAddr))
	} else {
		s.log.Debug("client disconnected", zap.String("addr", remoteAddr))
	}
}

// handlePacket dispatches one packet; a true return ends the connection.
func (s *Server) handlePacket(sess *session, pkt *protocol.Packet, conn net.Conn) bool {
	switch pkt.Type {
	case "ping":
		s.sendPacket(conn, "pong")
	case "hello":
		s.handleHello(sess, pkt, conn)
	case "msg":
		s.handleMessage(sess, pkt, conn)
	case "freq":
		s.handleFriendRequest(sess, pkt, conn)
	case "facc":
		s.handleAccept(sess, pkt, conn)
	case "prev":
		s.handlePreview(sess, pkt, conn)
	case "hist":
		s.handleHistory(sess, pkt, conn)
	case "pend":
		s.handlePending(sess, conn)
	case "bye":
		s.handleBye(sess, conn)
		return true
	default:
		s.sendFail(conn, "", apperr.InvalidArg("unknown packet type"))
	}
	return false
}

func (s *Server) sendPacket(conn net.Conn, pktType string, fields ...string) {
	line := protocol.Format(pktType, fields...)
	conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	if _, err := conn.Write([]byte(line)); err != nil {
		s.log.Warn("write failed", zap.Error(err))
	}
}

// sendRaw writes a reply whose payload is already encoded, for list
// replies where separators must stay unescaped.
func (s *Server) sendRaw(conn net.Conn, pktType, raw string) {
	line := protocol.FormatRaw(pktType, raw)
	conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	if _, err := conn.Write([]byte(line)); err != nil {
		s.log.Warn("write failed", zap.Error(err))
	}
}

func (s *Server) sendOK(conn net.Conn, operation string, fields ...string) {
	s.sendPacket(conn, "ok", append([]string{operation}, fields...)...)
}

// sendFail reports a named failure: fail|operation|CODE|message.
func (s *Server) sendFail(conn net.Conn, operation string, err error) {
	code := string(apperr.CodeOf(err))
	msg := apperr.MessageOf(err)
	if operation != "" {
		s.sendPacket(conn, "fail", operation, code, msg)
	} else {
		s.sendPacket(conn, "fail", code, msg)
	}
}

// Shutdown notifies every live client and closes their connections.
func (s *Server) Shutdown(reason string, completionTime time.Time) {
	var details string
	if !completionTime.IsZero() {
		details = completionTime.UTC().Format(time.RFC3339)
	}

	for username, conn := range s.presence.Snapshot() {
		if details != "" {
			s.sendPacket(conn, "bye", reason, details)
		} else if reason != "" {
			s.sendPacket(conn, "bye", reason)
		} else {
			s.sendPacket(conn, "bye")
		}
		conn.Close()
		s.presence.Unregister(username, conn)
	}
}

// Stats returns a one-line summary for the control socket.
func (s *Server) Stats() string {
	snapshot := s.presence.Snapshot()
	users := make([]string, 0, len(snapshot))
	for username := range snapshot {
		users = append(users, username)
	}
	return "connections=" + strconv.Itoa(len(snapshot)) + ",users=" + strings.Join(users, ";")
}
