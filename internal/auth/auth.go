// Package auth guards the admin API. Users are configured with bcrypt
// password hashes; a successful basic-auth login yields a signed JWT that
// later requests present as a bearer token.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

const DefaultTokenTTL = 24 * time.Hour

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrNoSecret           = errors.New("auth enabled without jwt_secret")
)

// User is a configured admin API account.
type User struct {
	Username     string `mapstructure:"username"`
	PasswordHash string `mapstructure:"password_hash"`
}

// Config is the [server.auth] table.
type Config struct {
	Enabled   bool          `mapstructure:"enabled"`
	JWTSecret string        `mapstructure:"jwt_secret"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
	Users     []User        `mapstructure:"users"`
}

// Token is handed out by Login.
type Token struct {
	Type      string    `json:"type"`
	Value     string    `json:"value"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Result describes an authenticated caller.
type Result struct {
	Username string
	Method   string
}

type claims struct {
	jwt.RegisteredClaims
}

// Service authenticates requests against the configured users.
type Service struct {
	users  map[string]string
	secret []byte
	ttl    time.Duration
}

// New builds a Service; a disabled config yields nil.
func New(c Config) (*Service, error) {
	if !c.Enabled {
		return nil, nil
	}
	if c.JWTSecret == "" {
		return nil, ErrNoSecret
	}
	s := &Service{
		users:  make(map[string]string, len(c.Users)),
		secret: []byte(c.JWTSecret),
		ttl:    c.TokenTTL,
	}
	if s.ttl <= 0 {
		s.ttl = DefaultTokenTTL
	}
	for _, u := range c.Users {
		if u.Username == "" || u.PasswordHash == "" {
			return nil, fmt.Errorf("auth user %q: username and password_hash are required", u.Username)
		}
		if _, err := bcrypt.Cost([]byte(u.PasswordHash)); err != nil {
			return nil, fmt.Errorf("auth user %q: %w", u.Username, err)
		}
		s.users[u.Username] = u.PasswordHash
	}
	return s, nil
}

// HashPassword returns the bcrypt hash to put into password_hash.
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", errors.New("empty password")
	}
	b, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Login checks username and password and issues a token.
func (s *Service) Login(username, password string) (Token, error) {
	if err := s.checkPassword(username, password); err != nil {
		return Token{}, err
	}
	return s.issue(username, time.Now())
}

func (s *Service) checkPassword(username, password string) error {
	hash, ok := s.users[username]
	if !ok || password == "" {
		return ErrInvalidCredentials
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		return ErrInvalidCredentials
	}
	return nil
}

func (s *Service) issue(username string, now time.Time) (Token, error) {
	exp := now.Add(s.ttl)
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{jwt.RegisteredClaims{
		Subject:   username,
		Issuer:    "nploy",
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	}})
	v, err := tok.SignedString(s.secret)
	if err != nil {
		return Token{}, fmt.Errorf("sign token: %w", err)
	}
	return Token{Type: "Bearer", Value: v, ExpiresAt: exp}, nil
}

// Verify validates a bearer token.
func (s *Service) Verify(token string) (Result, error) {
	var c claims
	_, err := jwt.ParseWithClaims(token, &c, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithIssuer("nploy"), jwt.WithExpirationRequired())
	if err != nil {
		return Result{}, ErrInvalidCredentials
	}
	if _, ok := s.users[c.Subject]; !ok {
		return Result{}, ErrInvalidCredentials
	}
	return Result{Username: c.Subject, Method: "jwt"}, nil
}

// Authenticate accepts a bearer token or basic credentials.
func (s *Service) Authenticate(r *http.Request) (Result, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, rest, _ := strings.Cut(h, " ")
		if strings.EqualFold(scheme, "bearer") {
			return s.Verify(strings.TrimSpace(rest))
		}
	}
	if u, p, ok := r.BasicAuth(); ok {
		if err := s.checkPassword(u, p); err != nil {
			return Result{}, err
		}
		return Result{Username: u, Method: "basic"}, nil
	}
	return Result{}, ErrInvalidCredentials
}
