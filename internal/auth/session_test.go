package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateAndAuthenticateJWT(t *testing.T) {
	require.NoError(t, Init(time.Hour))

	token, err := CreateJWT("user-1", "alice")
	require.NoError(t, err)

	sub, err := AuthenticateJWT(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", sub)

	_, err = AuthenticateJWT(token + "x")
	assert.Error(t, err)
}

func TestTokenFromOtherKeyRejected(t *testing.T) {
	require.NoError(t, Init(0))
	token, err := CreateJWT("user-1", "")
	require.NoError(t, err)

	require.NoError(t, Init(0)) // rotate keys
	_, err = AuthenticateJWT(token)
	assert.Error(t, err)
}

func TestTokenProvider(t *testing.T) {
	require.NoError(t, Init(0))
	token, err := CreateJWT("user-2", "bob")
	require.NoError(t, err)

	p := NewTokenProvider(token)
	id, ok := p.CurrentUserID()
	assert.True(t, ok)
	assert.Equal(t, "user-2", id)
	assert.Equal(t, Profile{UserID: "user-2", Username: "bob"}, p.Profile())
	assert.Equal(t, token, p.Token())

	p.SignOut()
	_, ok = p.CurrentUserID()
	assert.False(t, ok)
	assert.Empty(t, p.Token())

	p.SignIn("not-a-jwt")
	_, ok = p.CurrentUserID()
	assert.False(t, ok)
}

func TestIdentifyReturnsName(t *testing.T) {
	require.NoError(t, Init(0))
	token, err := CreateJWT("user-3", "carol")
	require.NoError(t, err)

	id, name, err := Identify(token)
	require.NoError(t, err)
	assert.Equal(t, "user-3", id)
	assert.Equal(t, "carol", name)
}
