// Package api exposes the request/response side of the system over HTTP:
// account registration and login, the candidate and friend listings, the
// friend-request inbox, history and the AI compose endpoints.
package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"convo/apperr"
	"convo/assist"
	"convo/auth"
	"convo/models"
	"convo/relay"
	"convo/social"
)

type Handler struct {
	Auth   *auth.Service
	Social *social.Coordinator
	Relay  *relay.Relay
	Assist *assist.Coordinator
	AIUser string
	Log    *zap.Logger
}

func NewRouter(h *Handler) *gin.Engine {
	if h.Log == nil {
		h.Log = zap.NewNop()
	}

	r := gin.New()
	r.Use(gin.Recovery())

	api := r.Group("/api")
	{
		api.POST("/auth/register", h.Register)
		api.POST("/auth/login", h.Login)

		authed := api.Group("", h.requireAuth)
		{
			authed.GET("/auth/users", h.Candidates)
			authed.GET("/auth/my-friends", h.Friends)
			authed.POST("/friends/send", h.SendFriendRequest)
			authed.GET("/friends/requests", h.PendingRequests)
			authed.PUT("/friends/accept", h.AcceptFriendRequest)
			authed.POST("/chat/send", h.SendMessage)
			authed.GET("/chat/:peer", h.History)
			authed.POST("/ai/chat", h.AIChat)
		}
	}
	return r
}

const userKey = "user"

func (h *Handler) requireAuth(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		h.abort(c, apperr.Unauthenticated("bearer token required"))
		return
	}
	token := strings.TrimPrefix(header, "Bearer ")

	username, err := h.Auth.VerifyToken(token)
	if err != nil {
		h.abort(c, err)
		return
	}
	c.Set(userKey, username)
	c.Next()
}

func (h *Handler) user(c *gin.Context) string {
	return c.GetString(userKey)
}

// abort maps the error taxonomy onto HTTP statuses and stops the chain.
func (h *Handler) abort(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch apperr.CodeOf(err) {
	case apperr.CodeInvalidArgument:
		status = http.StatusBadRequest
	case apperr.CodeUnauthenticated:
		status = http.StatusUnauthorized
	case apperr.CodeForbidden:
		status = http.StatusForbidden
	case apperr.CodeNotFound:
		status = http.StatusNotFound
	case apperr.CodeConflict:
		status = http.StatusConflict
	case apperr.CodeProviderUnavailable:
		status = http.StatusBadGateway
	case apperr.CodeStorageUnavailable:
		status = http.StatusServiceUnavailable
	}

	if status == http.StatusInternalServerError {
		h.Log.Error("internal error", zap.Error(err))
	}
	c.AbortWithStatusJSON(status, gin.H{
		"code":    apperr.CodeOf(err),
		"message": apperr.MessageOf(err),
	})
}

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (h *Handler) Register(c *gin.Context) {
	var body credentials
	if err := c.ShouldBindJSON(&body); err != nil {
		h.abort(c, apperr.InvalidArg("invalid request body"))
		return
	}

	if err := h.Auth.Register(body.Username, body.Password); err != nil {
		h.abort(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"username": body.Username})
}

func (h *Handler) Login(c *gin.Context) {
	var body credentials
	if err := c.ShouldBindJSON(&body); err != nil {
		h.abort(c, apperr.InvalidArg("invalid request body"))
		return
	}

	token, err := h.Auth.Login(body.Username, body.Password)
	if err != nil {
		h.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token, "username": body.Username})
}

type userView struct {
	Username string `json:"username"`
}

func (h *Handler) Candidates(c *gin.Context) {
	users, err := h.Social.Candidates(h.user(c))
	if err != nil {
		h.abort(c, err)
		return
	}

	out := make([]userView, 0, len(users))
	for _, u := range users {
		out = append(out, userView{Username: u.Username})
	}
	c.JSON(http.StatusOK, out)
}

func (h *Handler) Friends(c *gin.Context) {
	friends, err := h.Social.Friends(h.user(c))
	if err != nil {
		h.abort(c, err)
		return
	}

	out := make([]userView, 0, len(friends))
	for _, f := range friends {
		out = append(out, userView{Username: f})
	}
	c.JSON(http.StatusOK, out)
}

type friendRequestView struct {
	ID        string `json:"id"`
	Sender    string `json:"sender"`
	CreatedAt string `json:"createdAt"`
}

func (h *Handler) SendFriendRequest(c *gin.Context) {
	var body struct {
		ReceiverID string `json:"receiverId"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		h.abort(c, apperr.InvalidArg("invalid request body"))
		return
	}

	req, err := h.Social.SendRequest(h.user(c), body.ReceiverID)
	if err != nil {
		h.abort(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"id":      req.ID,
		"message": "friend request sent",
	})
}

func (h *Handler) PendingRequests(c *gin.Context) {
	reqs, err := h.Social.ListPending(h.user(c))
	if err != nil {
		h.abort(c, err)
		return
	}

	out := make([]friendRequestView, 0, len(reqs))
	for _, req := range reqs {
		out = append(out, friendRequestView{
			ID:        req.ID,
			Sender:    req.Sender,
			CreatedAt: req.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"),
		})
	}
	c.JSON(http.StatusOK, out)
}

func (h *Handler) AcceptFriendRequest(c *gin.Context) {
	var body struct {
		RequestID string `json:"requestId"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		h.abort(c, apperr.InvalidArg("invalid request body"))
		return
	}

	if _, err := h.Social.Accept(h.user(c), body.RequestID); err != nil {
		h.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "friend request accepted"})
}

type messageView struct {
	ID        int64  `json:"id"`
	Sender    string `json:"sender"`
	Receiver  string `json:"receiver"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
}

func messageToView(m *models.Message) messageView {
	return messageView{
		ID:        m.ID,
		Sender:    m.Sender,
		Receiver:  m.Recipient,
		Content:   m.Text,
		Timestamp: m.Timestamp.UTC().Format("2006-01-02T15:04:05Z"),
	}
}

func (h *Handler) SendMessage(c *gin.Context) {
	var body struct {
		ReceiverID string `json:"receiverId"`
		Content    string `json:"content"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		h.abort(c, apperr.InvalidArg("invalid request body"))
		return
	}

	msg, err := h.Relay.Send(h.user(c), body.ReceiverID, body.Content)
	if err != nil {
		h.abort(c, err)
		return
	}
	c.JSON(http.StatusCreated, messageToView(msg))
}

func (h *Handler) History(c *gin.Context) {
	msgs, err := h.Relay.History(h.user(c), c.Param("peer"), 0, 0)
	if err != nil {
		h.abort(c, err)
		return
	}

	out := make([]messageView, 0, len(msgs))
	for i := range msgs {
		out = append(out, messageToView(&msgs[i]))
	}
	c.JSON(http.StatusOK, out)
}

// AIChat serves both compose modes: preview returns a suggestion without
// creating a message, direct mode persists the AI identity's reply.
func (h *Handler) AIChat(c *gin.Context) {
	var body struct {
		Message string `json:"message"`
		Direct  bool   `json:"direct"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.Message == "" {
		h.abort(c, apperr.InvalidArg("message is required"))
		return
	}

	if body.Direct {
		// Persist the user's side first, then the provider's answer.
		if _, err := h.Relay.Send(h.user(c), h.AIUser, body.Message); err != nil {
			h.abort(c, err)
			return
		}
		msg, err := h.Assist.DirectReply(c.Request.Context(), h.user(c), body.Message)
		if err != nil {
			h.abort(c, err)
			return
		}
		c.JSON(http.StatusCreated, messageToView(msg))
		return
	}

	suggestion, err := h.Assist.Preview(c.Request.Context(), h.user(c), body.Message)
	if err != nil {
		h.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reply": suggestion})
}
