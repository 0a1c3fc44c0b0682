// Package relay routes messages between users: friendship gate, durable
// persistence, then a bounded best-effort push to the receiver's live
// connection. Persistence always precedes delivery, so a failed push only
// downgrades to a delivery miss observable through history.
package relay

import (
	"net"
	"time"

	"go.uber.org/zap"

	"convo/apperr"
	"convo/db"
	"convo/models"
	"convo/presence"
	"convo/protocol"
	"convo/social"
)

type Relay struct {
	db           *db.DB
	presence     *presence.Registry
	social       *social.Coordinator
	aiUser       string
	writeTimeout time.Duration
	log          *zap.Logger
}

func New(database *db.DB, registry *presence.Registry, coordinator *social.Coordinator,
	aiUser string, writeTimeout time.Duration, log *zap.Logger) *Relay {
	if log == nil {
		log = zap.NewNop()
	}
	return &Relay{
		db:           database,
		presence:     registry,
		social:       coordinator,
		aiUser:       aiUser,
		writeTimeout: writeTimeout,
		log:          log,
	}
}

// Send persists a message and attempts live delivery. The friendship gate
// applies unless either side is the AI identity, which is always
// reachable. Message content passes through opaquely.
func (r *Relay) Send(sender, receiver, text string) (*models.Message, error) {
	if text == "" {
		return nil, apperr.InvalidArg("message text is required")
	}

	exists, err := r.db.UserExists(receiver)
	if err != nil {
		return nil, apperr.StorageUnavailable("could not look up recipient", err)
	}
	if !exists {
		return nil, apperr.NotFound("recipient not found")
	}

	if sender != r.aiUser && receiver != r.aiUser {
		friends, err := r.social.IsFriend(sender, receiver)
		if err != nil {
			return nil, err
		}
		if !friends {
			return nil, apperr.Forbidden("users are not friends")
		}
	}

	msg, err := r.db.SaveMessage(sender, receiver, text, time.Now().UTC())
	if err != nil {
		r.log.Error("persist message", zap.String("sender", sender),
			zap.String("receiver", receiver), zap.Error(err))
		return nil, apperr.StorageUnavailable("could not persist message", err)
	}

	// Live delivery is best effort. A miss or a slow connection is not an
	// error; the receiver catches up from history.
	if conn, ok := r.presence.Lookup(receiver); ok {
		r.deliver(conn, msg)
	}
	return msg, nil
}

func (r *Relay) deliver(conn net.Conn, msg *models.Message) {
	line := protocol.Format("msg", msg.Sender, msg.Text, msg.Timestamp.Format(time.RFC3339))
	conn.SetWriteDeadline(time.Now().Add(r.writeTimeout))
	if _, err := conn.Write([]byte(line)); err != nil {
		r.log.Warn("live delivery failed",
			zap.String("receiver", msg.Recipient), zap.Error(err))
	}
}

// History returns the conversation between two users ascending by
// timestamp, insertion order breaking ties.
func (r *Relay) History(a, b string, offset, limit int) ([]models.Message, error) {
	if limit <= 0 {
		limit = 1000
	}
	msgs, err := r.db.GetMessages(a, b, offset, limit)
	if err != nil {
		return nil, apperr.StorageUnavailable("could not load history", err)
	}
	return msgs, nil
}
