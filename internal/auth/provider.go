package auth

import (
	"sync"

	"github.com/golang-jwt/jwt/v5"
)

// Profile is what the client knows about the signed-in user before any room exists.
type Profile struct {
	UserID   string
	Username string
}

// Provider answers who the local user is. A false ok means signed out, and
// every mutating session operation fails before touching the network.
type Provider interface {
	CurrentUserID() (userID string, ok bool)
	Profile() Profile
	Token() string
}

// TokenProvider derives the user from a relay-issued JWT. The client cannot
// verify the signature; the relay does that on every request.
type TokenProvider struct {
	mu      sync.RWMutex
	token   string
	profile Profile
}

// NewTokenProvider reads sub and name out of token without verifying it.
func NewTokenProvider(token string) *TokenProvider {
	p := &TokenProvider{}
	p.SignIn(token)
	return p
}

// SignIn replaces the current token.
func (p *TokenProvider) SignIn(token string) {
	prof := Profile{}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err == nil {
		prof.UserID, _ = claims["sub"].(string)
		prof.Username, _ = claims["name"].(string)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if prof.UserID == "" {
		p.token, p.profile = "", Profile{}
		return
	}
	p.token, p.profile = token, prof
}

// SignOut forgets the token.
func (p *TokenProvider) SignOut() {
	p.mu.Lock()
	p.token, p.profile = "", Profile{}
	p.mu.Unlock()
}

func (p *TokenProvider) CurrentUserID() (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.profile.UserID, p.profile.UserID != ""
}

func (p *TokenProvider) Profile() Profile {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.profile
}

func (p *TokenProvider) Token() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.token
}
