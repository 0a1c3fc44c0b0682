// Package db is the durable store: user accounts, the append-only message
// log and the friend-request slots of the social graph. One sqlite file,
// handwritten SQL.
package db

import (
	"database/sql"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"golang.org/x/crypto/bcrypt"

	"convo/models"
)

var (
	ErrNoRows = errors.New("no rows found")

	// ErrDuplicatePair means the unordered user pair already holds a
	// friend request (pending or accepted).
	ErrDuplicatePair = errors.New("pair slot occupied")

	ErrExists = errors.New("already exists")
)

type DB struct {
	conn *sql.DB
}

func New(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_foreign_keys=1&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}

	db := &DB{conn: conn}
	if err := db.init(); err != nil {
		conn.Close()
		return nil, err
	}
	return db, nil
}

func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) init() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			username TEXT UNIQUE NOT NULL,
			password TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			sender TEXT NOT NULL,
			recipient TEXT NOT NULL,
			text TEXT NOT NULL,
			timestamp TEXT NOT NULL
		)`,
		// A single slot per unordered pair: pair_lo/pair_hi are the two
		// usernames in lexicographic order, so concurrent requests in
		// either direction collide on the same unique index.
		`CREATE TABLE IF NOT EXISTS friend_requests (
			id TEXT PRIMARY KEY,
			pair_lo TEXT NOT NULL,
			pair_hi TEXT NOT NULL,
			sender TEXT NOT NULL,
			receiver TEXT NOT NULL,
			state TEXT NOT NULL,
			created_at TEXT NOT NULL,
			UNIQUE(pair_lo, pair_hi)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_pair ON messages(sender, recipient, timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_requests_receiver ON friend_requests(receiver, state)`,
	}

	for _, query := range queries {
		if _, err := db.conn.Exec(query); err != nil {
			return errors.Wrap(err, "db.init")
		}
	}
	return nil
}

func pairKey(a, b string) (lo, hi string) {
	if a < b {
		return a, b
	}
	return b, a
}

// User methods

func (db *DB) CreateUser(username, password string) error {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return errors.Wrap(err, "db.CreateUser.hash")
	}

	now := time.Now().UTC().Format(time.RFC3339)
	_, err = db.conn.Exec(
		"INSERT INTO users (username, password, created_at) VALUES (?, ?, ?)",
		username, string(hashed), now,
	)
	if isConstraintErr(err) {
		return ErrExists
	}
	return errors.Wrap(err, "db.CreateUser.insert")
}

func (db *DB) AuthenticateUser(username, password string) (bool, error) {
	var hashed string
	err := db.conn.QueryRow("SELECT password FROM users WHERE username = ?", username).Scan(&hashed)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "db.AuthenticateUser")
	}

	return bcrypt.CompareHashAndPassword([]byte(hashed), []byte(password)) == nil, nil
}

func (db *DB) UserExists(username string) (bool, error) {
	var count int
	err := db.conn.QueryRow("SELECT COUNT(*) FROM users WHERE username = ?", username).Scan(&count)
	if err != nil {
		return false, errors.Wrap(err, "db.UserExists")
	}
	return count > 0, nil
}

func (db *DB) ListUsers() ([]models.User, error) {
	rows, err := db.conn.Query("SELECT id, username, created_at FROM users ORDER BY username")
	if err != nil {
		return nil, errors.Wrap(err, "db.ListUsers")
	}
	defer rows.Close()

	var users []models.User
	for rows.Next() {
		var u models.User
		var created string
		if err := rows.Scan(&u.ID, &u.Username, &created); err != nil {
			return nil, errors.Wrap(err, "db.ListUsers.scan")
		}
		u.CreatedAt, _ = time.Parse(time.RFC3339, created)
		users = append(users, u)
	}
	return users, rows.Err()
}

// Message methods

// SaveMessage appends to the message log and returns the stored record,
// including the insertion sequence used to break timestamp ties.
func (db *DB) SaveMessage(sender, recipient, text string, timestamp time.Time) (*models.Message, error) {
	res, err := db.conn.Exec(
		"INSERT INTO messages (sender, recipient, text, timestamp) VALUES (?, ?, ?, ?)",
		sender, recipient, text, timestamp.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return nil, errors.Wrap(err, "db.SaveMessage")
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, errors.Wrap(err, "db.SaveMessage.id")
	}

	return &models.Message{
		ID:        id,
		Sender:    sender,
		Recipient: recipient,
		Text:      text,
		Timestamp: timestamp.UTC().Truncate(time.Second),
	}, nil
}

// GetMessages returns the conversation between two users ascending by
// timestamp, insertion order breaking ties.
func (db *DB) GetMessages(a, b string, offset, limit int) ([]models.Message, error) {
	query := `
		SELECT id, sender, recipient, text, timestamp
		FROM messages
		WHERE (sender = ? AND recipient = ?) OR (sender = ? AND recipient = ?)
		ORDER BY timestamp ASC, id ASC
		LIMIT ? OFFSET ?
	`

	rows, err := db.conn.Query(query, a, b, b, a, limit, offset)
	if err != nil {
		return nil, errors.Wrap(err, "db.GetMessages")
	}
	defer rows.Close()

	var msgs []models.Message
	for rows.Next() {
		var m models.Message
		var ts string
		if err := rows.Scan(&m.ID, &m.Sender, &m.Recipient, &m.Text, &ts); err != nil {
			return nil, errors.Wrap(err, "db.GetMessages.scan")
		}
		m.Timestamp, err = time.Parse(time.RFC3339, ts)
		if err != nil {
			return nil, errors.Wrap(err, "db.GetMessages.timestamp")
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// Friend request methods

// CreateFriendRequest claims the pair slot. ErrDuplicatePair when a
// request between the two users already exists in either direction.
func (db *DB) CreateFriendRequest(req *models.FriendRequest) error {
	lo, hi := pairKey(req.Sender, req.Receiver)
	_, err := db.conn.Exec(
		`INSERT INTO friend_requests (id, pair_lo, pair_hi, sender, receiver, state, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		req.ID, lo, hi, req.Sender, req.Receiver, string(req.State),
		req.CreatedAt.UTC().Format(time.RFC3339),
	)
	if isConstraintErr(err) {
		return ErrDuplicatePair
	}
	return errors.Wrap(err, "db.CreateFriendRequest")
}

func (db *DB) GetFriendRequest(id string) (*models.FriendRequest, error) {
	var req models.FriendRequest
	var state, created string
	err := db.conn.QueryRow(
		"SELECT id, sender, receiver, state, created_at FROM friend_requests WHERE id = ?",
		id,
	).Scan(&req.ID, &req.Sender, &req.Receiver, &state, &created)
	if err == sql.ErrNoRows {
		return nil, ErrNoRows
	}
	if err != nil {
		return nil, errors.Wrap(err, "db.GetFriendRequest")
	}

	req.State = models.RequestState(state)
	req.CreatedAt, _ = time.Parse(time.RFC3339, created)
	return &req, nil
}

// AcceptFriendRequest performs the pending -> accepted transition. The
// state check is part of the statement so two racing accepts resolve to
// exactly one winner; the loser sees ErrNoRows.
func (db *DB) AcceptFriendRequest(id string) error {
	res, err := db.conn.Exec(
		"UPDATE friend_requests SET state = ? WHERE id = ? AND state = ?",
		string(models.RequestAccepted), id, string(models.RequestPending),
	)
	if err != nil {
		return errors.Wrap(err, "db.AcceptFriendRequest")
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "db.AcceptFriendRequest.affected")
	}
	if affected == 0 {
		return ErrNoRows
	}
	return nil
}

func (db *DB) PendingRequestsFor(receiver string) ([]models.FriendRequest, error) {
	rows, err := db.conn.Query(
		`SELECT id, sender, receiver, state, created_at FROM friend_requests
		 WHERE receiver = ? AND state = ? ORDER BY created_at ASC`,
		receiver, string(models.RequestPending),
	)
	if err != nil {
		return nil, errors.Wrap(err, "db.PendingRequestsFor")
	}
	defer rows.Close()

	var reqs []models.FriendRequest
	for rows.Next() {
		var req models.FriendRequest
		var state, created string
		if err := rows.Scan(&req.ID, &req.Sender, &req.Receiver, &state, &created); err != nil {
			return nil, errors.Wrap(err, "db.PendingRequestsFor.scan")
		}
		req.State = models.RequestState(state)
		req.CreatedAt, _ = time.Parse(time.RFC3339, created)
		reqs = append(reqs, req)
	}
	return reqs, rows.Err()
}

func (db *DB) AreFriends(a, b string) (bool, error) {
	lo, hi := pairKey(a, b)
	var count int
	err := db.conn.QueryRow(
		"SELECT COUNT(*) FROM friend_requests WHERE pair_lo = ? AND pair_hi = ? AND state = ?",
		lo, hi, string(models.RequestAccepted),
	).Scan(&count)
	if err != nil {
		return false, errors.Wrap(err, "db.AreFriends")
	}
	return count > 0, nil
}

// FriendsOf lists usernames on the other side of accepted requests.
func (db *DB) FriendsOf(username string) ([]string, error) {
	rows, err := db.conn.Query(
		`SELECT sender, receiver FROM friend_requests
		 WHERE state = ? AND (sender = ? OR receiver = ?)`,
		string(models.RequestAccepted), username, username,
	)
	if err != nil {
		return nil, errors.Wrap(err, "db.FriendsOf")
	}
	defer rows.Close()

	var friends []string
	for rows.Next() {
		var sender, receiver string
		if err := rows.Scan(&sender, &receiver); err != nil {
			return nil, errors.Wrap(err, "db.FriendsOf.scan")
		}
		if sender == username {
			friends = append(friends, receiver)
		} else {
			friends = append(friends, sender)
		}
	}
	return friends, rows.Err()
}

func isConstraintErr(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint
	}
	return false
}
