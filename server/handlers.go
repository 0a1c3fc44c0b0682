package server

import (
	"context"
	"net"
	"strings"
	"time"

	"go.uber.org/zap"

	"convo/apperr"
	"convo/protocol"
)

func (s *Server) handleHello(sess *session, pkt *protocol.Packet, conn net.Conn) {
	token := pkt.Content
	if token == "" {
		token = pkt.Dest
	}
	if token == "" {
		s.sendFail(conn, "hello", apperr.Unauthenticated("token required"))
		return
	}

	if sess.username != "" {
		s.sendOK(conn, "hello")
		return
	}

	username, err := s.auth.VerifyToken(token)
	if err != nil {
		s.sendFail(conn, "hello", err)
		return
	}

	sess.username = username
	// Last writer wins: a previous connection for this user is closed by
	// the registry.
	s.presence.Register(username, conn)
	s.sendOK(conn, "hello", username)
	s.log.Info("client authenticated", zap.String("user", username))
}

func (s *Server) handleMessage(sess *session, pkt *protocol.Packet, conn net.Conn) {
	if sess.username == "" {
		s.sendFail(conn, "msg", apperr.Unauthenticated("not authenticated"))
		return
	}

	receiver := pkt.Dest
	text := pkt.Content
	if receiver == "" {
		s.sendFail(conn, "msg", apperr.InvalidArg("recipient required"))
		return
	}

	if _, err := s.relay.Send(sess.username, receiver, text); err != nil {
		s.sendFail(conn, "msg", err)
		return
	}
	s.sendOK(conn, "msg")

	// Chatting with the AI identity: ask the provider for a reply. The
	// reply comes back as a push from the relay once it is persisted; the
	// user's own message above is already durable either way.
	if receiver == s.aiUser {
		user := sess.username
		go func() {
			if _, err := s.assist.DirectReply(context.Background(), user, text); err != nil {
				s.sendFail(conn, "ai", err)
			}
		}()
	}
}

func (s *Server) handleFriendRequest(sess *session, pkt *protocol.Packet, conn net.Conn) {
	if sess.username == "" {
		s.sendFail(conn, "freq", apperr.Unauthenticated("not authenticated"))
		return
	}

	receiver := pkt.Dest
	if receiver == "" {
		receiver = pkt.Content
	}
	if receiver == "" {
		s.sendFail(conn, "freq", apperr.InvalidArg("receiver required"))
		return
	}

	req, err := s.social.SendRequest(sess.username, receiver)
	if err != nil {
		s.sendFail(conn, "freq", err)
		return
	}
	s.sendOK(conn, "freq", req.ID)

	// Badge update for a live receiver.
	if peerConn, ok := s.presence.Lookup(receiver); ok {
		s.sendPacket(peerConn, "freq", req.Sender, req.ID)
	}
}

func (s *Server) handleAccept(sess *session, pkt *protocol.Packet, conn net.Conn) {
	if sess.username == "" {
		s.sendFail(conn, "facc", apperr.Unauthenticated("not authenticated"))
		return
	}

	requestID := pkt.Dest
	if requestID == "" {
		requestID = pkt.Content
	}
	if requestID == "" {
		s.sendFail(conn, "facc", apperr.InvalidArg("request id required"))
		return
	}

	req, err := s.social.Accept(sess.username, requestID)
	if err != nil {
		s.sendFail(conn, "facc", err)
		return
	}
	s.sendOK(conn, "facc")

	// Tell the original sender their request was accepted.
	if peerConn, ok := s.presence.Lookup(req.Sender); ok {
		s.sendPacket(peerConn, "facc", req.Receiver, req.ID)
	}
}

func (s *Server) handlePreview(sess *session, pkt *protocol.Packet, conn net.Conn) {
	if sess.username == "" {
		s.sendFail(conn, "prev", apperr.Unauthenticated("not authenticated"))
		return
	}

	draft := pkt.Content
	if draft == "" {
		s.sendFail(conn, "prev", apperr.InvalidArg("draft required"))
		return
	}

	suggestion, err := s.assist.Preview(context.Background(), sess.username, draft)
	if err != nil {
		s.sendFail(conn, "prev", err)
		return
	}
	s.sendPacket(conn, "prev", suggestion)
}

func (s *Server) handleHistory(sess *session, pkt *protocol.Packet, conn net.Conn) {
	if sess.username == "" {
		s.sendFail(conn, "hist", apperr.Unauthenticated("not authenticated"))
		return
	}

	peer := pkt.Dest
	if peer == "" {
		peer = pkt.Content
	}
	if peer == "" {
		s.sendFail(conn, "hist", apperr.InvalidArg("peer required"))
		return
	}

	msgs, err := s.relay.History(sess.username, peer, 0, 0)
	if err != nil {
		s.sendFail(conn, "hist", err)
		return
	}

	items := make([]string, 0, len(msgs))
	for _, msg := range msgs {
		// msg|sender|text|timestamp, pipes inside the item unescaped
		item := "msg|" + protocol.Escape(msg.Sender) + "|" + protocol.Escape(msg.Text) +
			"|" + msg.Timestamp.Format(time.RFC3339)
		items = append(items, item)
	}
	s.sendRaw(conn, "hist", protocol.Escape(peer)+"|"+strings.Join(items, ","))
}

func (s *Server) handlePending(sess *session, conn net.Conn) {
	if sess.username == "" {
		s.sendFail(conn, "pend", apperr.Unauthenticated("not authenticated"))
		return
	}

	reqs, err := s.social.ListPending(sess.username)
	if err != nil {
		s.sendFail(conn, "pend", err)
		return
	}

	items := make([]string, 0, len(reqs))
	for _, req := range reqs {
		item := protocol.Escape(req.ID) + "|" + protocol.Escape(req.Sender) +
			"|" + req.CreatedAt.Format(time.RFC3339)
		items = append(items, item)
	}
	s.sendRaw(conn, "pend", strings.Join(items, ","))
}

func (s *Server) handleBye(sess *session, conn net.Conn) {
	s.sendPacket(conn, "bye")
	if sess.username != "" {
		s.presence.Unregister(sess.username, conn)
		s.log.Info("client signed off", zap.String("user", sess.username))
	}
}
