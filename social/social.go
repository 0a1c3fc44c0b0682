// Package social enforces the friend-request state machine that gates who
// may message whom. Each unordered user pair owns a single request slot;
// the store's unique index makes claiming it atomic, so two racing
// requests in either direction yield exactly one pending record.
package social

import (
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"convo/apperr"
	"convo/db"
	"convo/models"
)

type Coordinator struct {
	db  *db.DB
	log *zap.Logger
}

func NewCoordinator(database *db.DB, log *zap.Logger) *Coordinator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Coordinator{db: database, log: log}
}

// SendRequest creates a pending request from sender to receiver. When the
// pair slot is already occupied in either direction, pending or accepted,
// the call fails with Conflict: mutual simultaneous requests resolve to
// first writer wins.
func (c *Coordinator) SendRequest(sender, receiver string) (*models.FriendRequest, error) {
	if sender == receiver {
		return nil, apperr.InvalidArg("cannot send a friend request to yourself")
	}

	exists, err := c.db.UserExists(receiver)
	if err != nil {
		return nil, apperr.StorageUnavailable("could not look up user", err)
	}
	if !exists {
		return nil, apperr.NotFound("no such user")
	}

	req := &models.FriendRequest{
		ID:        uuid.NewString(),
		Sender:    sender,
		Receiver:  receiver,
		State:     models.RequestPending,
		CreatedAt: time.Now().UTC(),
	}

	err = c.db.CreateFriendRequest(req)
	if err == db.ErrDuplicatePair {
		return nil, apperr.Conflict("a request between these users already exists")
	}
	if err != nil {
		c.log.Error("create friend request", zap.String("sender", sender),
			zap.String("receiver", receiver), zap.Error(err))
		return nil, apperr.StorageUnavailable("could not store request", err)
	}
	return req, nil
}

// Accept performs the pending -> accepted transition. Only the receiver
// of the original request may accept it.
func (c *Coordinator) Accept(username, requestID string) (*models.FriendRequest, error) {
	req, err := c.db.GetFriendRequest(requestID)
	if err == db.ErrNoRows {
		return nil, apperr.NotFound("no such friend request")
	}
	if err != nil {
		return nil, apperr.StorageUnavailable("could not load request", err)
	}

	if req.Receiver != username {
		return nil, apperr.Forbidden("only the receiver may accept a request")
	}
	if req.State != models.RequestPending {
		return nil, apperr.Conflict("request is already resolved")
	}

	err = c.db.AcceptFriendRequest(requestID)
	if err == db.ErrNoRows {
		// Lost the race against a concurrent accept.
		return nil, apperr.Conflict("request is already resolved")
	}
	if err != nil {
		c.log.Error("accept friend request", zap.String("request", requestID), zap.Error(err))
		return nil, apperr.StorageUnavailable("could not update request", err)
	}

	req.State = models.RequestAccepted
	return req, nil
}

// ListPending returns the incoming pending requests for a user, oldest
// first, for badge counts and the request inbox.
func (c *Coordinator) ListPending(username string) ([]models.FriendRequest, error) {
	reqs, err := c.db.PendingRequestsFor(username)
	if err != nil {
		return nil, apperr.StorageUnavailable("could not load pending requests", err)
	}
	return reqs, nil
}

// IsFriend reports whether an accepted request exists between the two
// users, direction irrelevant.
func (c *Coordinator) IsFriend(a, b string) (bool, error) {
	ok, err := c.db.AreFriends(a, b)
	if err != nil {
		return false, apperr.StorageUnavailable("could not check friendship", err)
	}
	return ok, nil
}

// Friends lists the usernames the given user is friends with.
func (c *Coordinator) Friends(username string) ([]string, error) {
	friends, err := c.db.FriendsOf(username)
	if err != nil {
		return nil, apperr.StorageUnavailable("could not load friends", err)
	}
	return friends, nil
}

// Candidates lists registered users the given user could still send a
// request to: everyone except themselves and existing friends.
func (c *Coordinator) Candidates(username string) ([]models.User, error) {
	users, err := c.db.ListUsers()
	if err != nil {
		return nil, apperr.StorageUnavailable("could not list users", err)
	}
	friends, err := c.db.FriendsOf(username)
	if err != nil {
		return nil, apperr.StorageUnavailable("could not load friends", err)
	}

	friendSet := make(map[string]bool, len(friends))
	for _, f := range friends {
		friendSet[f] = true
	}

	var out []models.User
	for _, u := range users {
		if u.Username == username || friendSet[u.Username] {
			continue
		}
		out = append(out, u)
	}
	return out, nil
}
