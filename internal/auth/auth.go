// Package auth issues and verifies agent session tokens.
//
// Authentication model:
// - Agents log in with username and password and receive a signed JWT
// - Every protected request carries the token as a Bearer credential
// - The agent id and level used for authorization come only from a verified
//   token, re-checked against the stored agent
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/mbd888/agentpay/internal/agents"
	"github.com/mbd888/agentpay/internal/apperr"
	"github.com/mbd888/agentpay/internal/logging"
	"github.com/mbd888/agentpay/internal/metrics"
	"github.com/mbd888/agentpay/internal/traces"
)

// Errors
var (
	ErrInvalidCredentials = fmt.Errorf("%w: invalid username or password", apperr.ErrUnauthorized)
	ErrInvalidToken       = fmt.Errorf("%w: invalid or expired token", apperr.ErrUnauthorized)
	ErrWeakSecret         = errors.New("auth: signing secret must be at least 32 bytes")
)

// MinSecretLength is the shortest accepted HMAC signing secret.
const MinSecretLength = 32

// DefaultIssuer is the iss claim of tokens issued by this service.
const DefaultIssuer = "agentpay"

// Claims identify an authenticated agent.
type Claims struct {
	AgentID  string       `json:"agentId"`
	Username string       `json:"username"`
	Level    agents.Level `json:"level"`
	jwt.RegisteredClaims
}

// Service signs and verifies tokens and checks passwords.
type Service struct {
	store  agents.Store
	hasher agents.PasswordHasher
	secret []byte
	ttl    time.Duration
	issuer string
	now    func() time.Time
}

// NewService creates an auth service. The secret signs HS256 tokens that
// expire after ttl.
func NewService(store agents.Store, hasher agents.PasswordHasher, secret string, ttl time.Duration) (*Service, error) {
	if len(secret) < MinSecretLength {
		return nil, ErrWeakSecret
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Service{
		store:  store,
		hasher: hasher,
		secret: []byte(secret),
		ttl:    ttl,
		issuer: DefaultIssuer,
		now:    time.Now,
	}, nil
}

// IssueToken signs claims, filling in the registered fields.
func (s *Service) IssueToken(claims Claims) (string, time.Time, error) {
	now := s.now()
	expires := now.Add(s.ttl)
	claims.RegisteredClaims = jwt.RegisteredClaims{
		Issuer:    s.issuer,
		Subject:   claims.AgentID,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expires),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return token, expires, nil
}

// VerifyToken parses and validates a token. Only HS256 is accepted.
func (s *Service) VerifyToken(token string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if claims.AgentID == "" || claims.Subject != claims.AgentID {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Authenticate verifies token and loads the agent it names. Agents that were
// deleted or disabled after the token was issued are rejected.
func (s *Service) Authenticate(ctx context.Context, token string) (*agents.Agent, error) {
	claims, err := s.VerifyToken(token)
	if err != nil {
		return nil, err
	}
	a, err := s.store.Get(ctx, claims.AgentID)
	if errors.Is(err, agents.ErrAgentNotFound) {
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, err
	}
	if !a.IsActive() {
		return nil, fmt.Errorf("%w: account disabled", apperr.ErrUnauthorized)
	}
	return a, nil
}

// LoginResult is a successful login.
type LoginResult struct {
	Token     string        `json:"token"`
	ExpiresAt time.Time     `json:"expiresAt"`
	Agent     *agents.Agent `json:"-"`
}

// Login checks a username and password. Unknown users, wrong passwords and
// disabled agents all yield ErrInvalidCredentials.
func (s *Service) Login(ctx context.Context, username, password string) (*LoginResult, error) {
	ctx, span := traces.StartSpan(ctx, "auth.Login")
	defer span.End()

	a, err := s.store.GetByUsername(ctx, username)
	if err != nil && !errors.Is(err, agents.ErrAgentNotFound) {
		return nil, err
	}
	if a == nil || !a.IsActive() || s.hasher.Compare(a.PasswordHash, password) != nil {
		metrics.LoginsTotal.WithLabelValues("rejected").Inc()
		logging.L(ctx).Info("login rejected", "username", username)
		return nil, ErrInvalidCredentials
	}

	token, expires, err := s.IssueToken(Claims{AgentID: a.ID, Username: a.Username, Level: a.Level})
	if err != nil {
		return nil, err
	}
	metrics.LoginsTotal.WithLabelValues("success").Inc()
	logging.L(ctx).Info("login", "agent_id", a.ID, "level", int(a.Level))
	return &LoginResult{Token: token, ExpiresAt: expires, Agent: a}, nil
}

// BcryptHasher hashes passwords with bcrypt.
type BcryptHasher struct {
	Cost int
}

// Hash returns the bcrypt hash of password.
func (h BcryptHasher) Hash(password string) (string, error) {
	cost := h.Cost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	b, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Compare returns nil when password matches hash.
func (h BcryptHasher) Compare(hash, password string) error {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
}

var _ agents.PasswordHasher = BcryptHasher{}
