package social

import (
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"convo/apperr"
	"convo/db"
	"convo/models"
)

func setupCoordinator(t *testing.T, users ...string) *Coordinator {
	t.Helper()

	tmpfile, err := os.CreateTemp("", "convo-social-*.db")
	require.NoError(t, err)
	tmpfile.Close()
	os.Remove(tmpfile.Name())

	database, err := db.New(tmpfile.Name())
	require.NoError(t, err)
	t.Cleanup(func() {
		database.Close()
		os.Remove(tmpfile.Name())
	})

	for _, u := range users {
		require.NoError(t, database.CreateUser(u, "pw"))
	}
	return NewCoordinator(database, nil)
}

func TestSendRequestDuplicate(t *testing.T) {
	c := setupCoordinator(t, "alice", "bob")

	req, err := c.SendRequest("alice", "bob")
	require.NoError(t, err)
	assert.Equal(t, models.RequestPending, req.State)

	_, err = c.SendRequest("alice", "bob")
	assert.Equal(t, apperr.CodeConflict, apperr.CodeOf(err))

	// Mirror direction hits the same pair slot: first writer wins.
	_, err = c.SendRequest("bob", "alice")
	assert.Equal(t, apperr.CodeConflict, apperr.CodeOf(err))

	pending, err := c.ListPending("bob")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "alice", pending[0].Sender)
}

func TestSendRequestToSelf(t *testing.T) {
	c := setupCoordinator(t, "alice")

	_, err := c.SendRequest("alice", "alice")
	assert.Equal(t, apperr.CodeInvalidArgument, apperr.CodeOf(err))
}

func TestSendRequestUnknownReceiver(t *testing.T) {
	c := setupCoordinator(t, "alice")

	_, err := c.SendRequest("alice", "ghost")
	assert.Equal(t, apperr.CodeNotFound, apperr.CodeOf(err))
}

func TestAcceptOnlyByReceiver(t *testing.T) {
	c := setupCoordinator(t, "alice", "bob")

	req, err := c.SendRequest("alice", "bob")
	require.NoError(t, err)

	// The sender cannot accept their own request.
	_, err = c.Accept("alice", req.ID)
	assert.Equal(t, apperr.CodeForbidden, apperr.CodeOf(err))

	accepted, err := c.Accept("bob", req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RequestAccepted, accepted.State)
}

func TestAcceptUnknownRequest(t *testing.T) {
	c := setupCoordinator(t, "alice")

	_, err := c.Accept("alice", "no-such-id")
	assert.Equal(t, apperr.CodeNotFound, apperr.CodeOf(err))
}

func TestAcceptedPairIsFriendsBothWays(t *testing.T) {
	c := setupCoordinator(t, "alice", "bob")

	req, err := c.SendRequest("alice", "bob")
	require.NoError(t, err)
	_, err = c.Accept("bob", req.ID)
	require.NoError(t, err)

	ok, err := c.IsFriend("alice", "bob")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = c.IsFriend("bob", "alice")
	require.NoError(t, err)
	assert.True(t, ok)

	// Resolved slot blocks further requests in either direction.
	_, err = c.SendRequest("alice", "bob")
	assert.Equal(t, apperr.CodeConflict, apperr.CodeOf(err))
	_, err = c.SendRequest("bob", "alice")
	assert.Equal(t, apperr.CodeConflict, apperr.CodeOf(err))

	// Accepting twice reports the request as resolved.
	_, err = c.Accept("bob", req.ID)
	assert.Equal(t, apperr.CodeConflict, apperr.CodeOf(err))
}

func TestConcurrentSendRequestSingleWinner(t *testing.T) {
	c := setupCoordinator(t, "alice", "bob")

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sender, receiver := "alice", "bob"
			if i%2 == 1 {
				sender, receiver = "bob", "alice"
			}
			_, errs[i] = c.SendRequest(sender, receiver)
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else {
			assert.Equal(t, apperr.CodeConflict, apperr.CodeOf(err))
		}
	}
	assert.Equal(t, 1, succeeded)
}

func TestCandidatesExcludeSelfAndFriends(t *testing.T) {
	c := setupCoordinator(t, "alice", "bob", "carol", "ai")

	req, err := c.SendRequest("alice", "bob")
	require.NoError(t, err)
	_, err = c.Accept("bob", req.ID)
	require.NoError(t, err)

	candidates, err := c.Candidates("alice")
	require.NoError(t, err)

	var names []string
	for _, u := range candidates {
		names = append(names, u.Username)
	}
	assert.ElementsMatch(t, []string{"carol", "ai"}, names)
}

func TestFriendsList(t *testing.T) {
	c := setupCoordinator(t, "alice", "bob", "carol")

	ab, err := c.SendRequest("alice", "bob")
	require.NoError(t, err)
	_, err = c.Accept("bob", ab.ID)
	require.NoError(t, err)

	ca, err := c.SendRequest("carol", "alice")
	require.NoError(t, err)
	_, err = c.Accept("alice", ca.ID)
	require.NoError(t, err)

	friends, err := c.Friends("alice")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"bob", "carol"}, friends)
}
