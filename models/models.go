package models

import "time"

type User struct {
	ID        int64
	Username  string
	Password  string // bcrypt hash
	CreatedAt time.Time
}

// Message is immutable once persisted. ID is the insertion sequence
// assigned by the store and breaks timestamp ties in history ordering.
type Message struct {
	ID        int64
	Sender    string
	Recipient string
	Text      string
	Timestamp time.Time
}

type RequestState string

const (
	RequestPending  RequestState = "pending"
	RequestAccepted RequestState = "accepted"
)

// FriendRequest occupies the single slot for its unordered user pair.
// The only transition is pending -> accepted, performed by the receiver.
type FriendRequest struct {
	ID        string
	Sender    string
	Receiver  string
	State     RequestState
	CreatedAt time.Time
}

// Friends reports whether the request makes the two users friends.
func (r *FriendRequest) Friends() bool {
	return r.State == RequestAccepted
}
