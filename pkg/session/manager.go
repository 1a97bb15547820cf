package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/dmitrymomot/gradekit/pkg/logger"
)

const (
	kindAccess  = "access"
	kindRefresh = "refresh"
)

// Claims are the JWT claims of both token kinds.
type Claims struct {
	Email     string `json:"email"`
	SessionID string `json:"sid"`
	Kind      string `json:"kind"`
	jwt.RegisteredClaims
}

// Pair is an access token with its refresh token.
type Pair struct {
	Access           string    `json:"access_token"`
	Refresh          string    `json:"refresh_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

// Identity is the authenticated caller.
type Identity struct {
	Email     string
	SessionID string
	ExpiresAt time.Time
	// Degraded means the access token had expired and could not be
	// refreshed because the registry was unreachable. Middleware rejects
	// degraded identities unless AllowDegraded is set.
	Degraded bool
}

// Result of Authenticate. Pair is set when the tokens were rotated.
type Result struct {
	Identity Identity
	Pair     *Pair
}

// Option configures a Manager.
type Option func(*Manager)

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// Manager issues, parses and refreshes session tokens.
type Manager struct {
	cfg      Config
	key      []byte
	registry Registry
	now      func() time.Time
	logger   *slog.Logger
}

// NewManager creates a Manager. Panics if registry is nil.
func NewManager(cfg Config, registry Registry, opts ...Option) (*Manager, error) {
	if cfg.Secret == "" {
		return nil, ErrMissingSecret
	}
	if registry == nil {
		panic("session: registry cannot be nil")
	}
	def := DefaultConfig()
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = def.AccessTTL
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = def.RefreshTTL
	}
	if cfg.RefreshHeader == "" {
		cfg.RefreshHeader = def.RefreshHeader
	}
	if cfg.DegradedGrace <= 0 {
		cfg.DegradedGrace = def.DegradedGrace
	}
	m := &Manager{
		cfg:      cfg,
		key:      []byte(cfg.Secret),
		registry: registry,
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With(logger.Component("session"))
	return m, nil
}

// Issue starts a new session for email.
func (m *Manager) Issue(ctx context.Context, email string) (*Pair, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return nil, ErrInvalidToken
	}
	rec := Record{ID: uuid.NewString(), Email: email, CreatedAt: m.now().UTC()}
	if err := m.registry.Save(ctx, rec, m.cfg.RefreshTTL); err != nil {
		return nil, err
	}
	return m.sign(rec.ID, email)
}

// Revoke ends a session. Its refresh token stops working immediately;
// issued access tokens live until they expire.
func (m *Manager) Revoke(ctx context.Context, sessionID string) error {
	return m.registry.Revoke(ctx, sessionID)
}

func (m *Manager) sign(sessionID, email string) (*Pair, error) {
	now := m.now()
	p := &Pair{
		AccessExpiresAt:  now.Add(m.cfg.AccessTTL),
		RefreshExpiresAt: now.Add(m.cfg.RefreshTTL),
	}
	var err error
	if p.Access, err = m.token(sessionID, email, kindAccess, now, p.AccessExpiresAt); err != nil {
		return nil, err
	}
	if p.Refresh, err = m.token(sessionID, email, kindRefresh, now, p.RefreshExpiresAt); err != nil {
		return nil, err
	}
	return p, nil
}

func (m *Manager) token(sessionID, email, kind string, now, exp time.Time) (string, error) {
	claims := Claims{
		Email:     email,
		SessionID: sessionID,
		Kind:      kind,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    m.cfg.Issuer,
			Subject:   email,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.key)
}

func (m *Manager) keyFunc(*jwt.Token) (any, error) {
	return m.key, nil
}

func (m *Manager) parserOptions(extra ...jwt.ParserOption) []jwt.ParserOption {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(m.now),
		jwt.WithExpirationRequired(),
	}
	if m.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.cfg.Issuer))
	}
	return append(opts, extra...)
}

// parse validates a token of the given kind. An authentic token past its
// expiry yields ErrTokenExpired; every other failure is ErrInvalidToken.
func (m *Manager) parse(token, kind string) (*Claims, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, m.keyFunc, m.parserOptions()...)
	switch {
	case err == nil:
	case errors.Is(err, jwt.ErrTokenExpired) && !errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return nil, errors.Join(ErrTokenExpired, err)
	default:
		return nil, errors.Join(ErrInvalidToken, err)
	}
	if claims.Kind != kind || claims.SessionID == "" || claims.Email == "" {
		return nil, ErrInvalidToken
	}
	return &claims, nil
}

// parseExpired verifies the signature of an expired access token without
// validating its time claims.
func (m *Manager) parseExpired(token string) (*Claims, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, m.keyFunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithoutClaimsValidation())
	if err != nil || claims.Kind != kindAccess {
		return nil, errors.Join(ErrInvalidToken, err)
	}
	return &claims, nil
}

// ParseAccess validates an access token.
func (m *Manager) ParseAccess(token string) (*Claims, error) {
	return m.parse(token, kindAccess)
}

// Refresh exchanges a refresh token for a new pair while its session is
// still registered.
func (m *Manager) Refresh(ctx context.Context, refreshToken string) (*Pair, error) {
	claims, err := m.parse(refreshToken, kindRefresh)
	if err != nil {
		return nil, err
	}
	rec, err := m.registry.Lookup(ctx, claims.SessionID)
	if err != nil {
		return nil, err
	}
	if rec.Email != claims.Email {
		return nil, ErrSessionRevoked
	}
	if err := m.registry.Save(ctx, *rec, m.cfg.RefreshTTL); err != nil {
		return nil, err
	}
	return m.sign(rec.ID, rec.Email)
}

// Authenticate resolves the caller from an access token and an optional
// refresh token.
func (m *Manager) Authenticate(ctx context.Context, access, refresh string) (*Result, error) {
	if access == "" {
		return nil, ErrTokenMissing
	}
	claims, err := m.ParseAccess(access)
	if err == nil {
		return &Result{Identity: identity(claims, false)}, nil
	}
	if !errors.Is(err, ErrTokenExpired) {
		return nil, err
	}

	expired, perr := m.parseExpired(access)
	if perr != nil {
		return nil, perr
	}
	if refresh == "" {
		return nil, err
	}

	pair, rerr := m.Refresh(ctx, refresh)
	switch {
	case rerr == nil:
	case errors.Is(rerr, ErrRegistryUnavailable):
		if expired.ExpiresAt == nil || m.now().Sub(expired.ExpiresAt.Time) > m.cfg.DegradedGrace {
			return nil, rerr
		}
		m.logger.WarnContext(ctx, "session registry unavailable, using expired identity",
			logger.Account(expired.Email), logger.Error(rerr))
		return &Result{Identity: identity(expired, true)}, nil
	default:
		return nil, rerr
	}

	fresh, err := m.ParseAccess(pair.Access)
	if err != nil {
		return nil, err
	}
	if fresh.Email != expired.Email {
		return nil, ErrSessionRevoked
	}
	return &Result{Identity: identity(fresh, false), Pair: pair}, nil
}

func identity(c *Claims, degraded bool) Identity {
	id := Identity{Email: c.Email, SessionID: c.SessionID, Degraded: degraded}
	if c.ExpiresAt != nil {
		id.ExpiresAt = c.ExpiresAt.Time
	}
	return id
}
