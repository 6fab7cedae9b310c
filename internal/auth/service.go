package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"

	"github.com/ledgerkeep/ledgerkeep/internal/shared"
)

const sessionKeyPrefix = "session:"

// DefaultActor names the single operator in audit records.
const DefaultActor = "operator"

// Service wraps authentication business rules.
type Service struct {
	redis          *redis.Client
	passphraseHash string
	ttl            time.Duration
}

// NewService constructs a new Service. passphraseHash is a bcrypt hash of
// the operator passphrase.
func NewService(redisClient *redis.Client, passphraseHash string, ttl time.Duration) *Service {
	return &Service{redis: redisClient, passphraseHash: passphraseHash, ttl: ttl}
}

// Login validates the passphrase and issues a bearer token.
func (s *Service) Login(ctx context.Context, passphrase string) (Session, error) {
	if err := bcrypt.CompareHashAndPassword([]byte(s.passphraseHash), []byte(passphrase)); err != nil {
		return Session{}, shared.ErrInvalidCredentials
	}
	token, err := newToken()
	if err != nil {
		return Session{}, err
	}
	sess := Session{Token: token, Actor: DefaultActor, ExpiresAt: time.Now().Add(s.ttl)}
	if err := s.redis.Set(ctx, sessionKeyPrefix+token, sess.Actor, s.ttl).Err(); err != nil {
		return Session{}, err
	}
	return sess, nil
}

// Validate resolves a bearer token to its actor.
func (s *Service) Validate(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", ErrSessionNotFound
	}
	actor, err := s.redis.Get(ctx, sessionKeyPrefix+token).Result()
	if err == redis.Nil {
		return "", ErrSessionNotFound
	}
	if err != nil {
		return "", err
	}
	return actor, nil
}

// Logout revokes a bearer token.
func (s *Service) Logout(ctx context.Context, token string) error {
	return s.redis.Del(ctx, sessionKeyPrefix+token).Err()
}

func newToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
