// Package auth handles account registration, credential checks and the
// session tokens presented during the connection handshake.
package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"convo/apperr"
	"convo/db"
)

type Claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

type Service struct {
	db     *db.DB
	secret []byte
	ttl    time.Duration
	log    *zap.Logger
}

func NewService(database *db.DB, secret string, ttl time.Duration, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{db: database, secret: []byte(secret), ttl: ttl, log: log}
}

func (s *Service) Register(username, password string) error {
	if username == "" || password == "" {
		return apperr.InvalidArg("username and password are required")
	}

	err := s.db.CreateUser(username, password)
	if err == db.ErrExists {
		return apperr.Conflict("username is already taken")
	}
	if err != nil {
		s.log.Error("create user", zap.String("username", username), zap.Error(err))
		return apperr.StorageUnavailable("could not create user", err)
	}
	return nil
}

// Login verifies credentials and issues a signed session token.
func (s *Service) Login(username, password string) (string, error) {
	ok, err := s.db.AuthenticateUser(username, password)
	if err != nil {
		s.log.Error("authenticate user", zap.String("username", username), zap.Error(err))
		return "", apperr.StorageUnavailable("could not verify credentials", err)
	}
	if !ok {
		return "", apperr.Unauthenticated("invalid credentials")
	}

	now := time.Now()
	claims := Claims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", apperr.Internal("could not sign token")
	}
	return token, nil
}

// VerifyToken validates a session token and returns the user it names.
func (s *Service) VerifyToken(token string) (string, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, apperr.Unauthenticated("unexpected signing method")
		}
		return s.secret, nil
	})
	if err != nil || !parsed.Valid || claims.Username == "" {
		return "", apperr.Unauthenticated("invalid or expired token")
	}
	return claims.Username, nil
}
