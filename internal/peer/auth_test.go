package peer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenAuth_RoundTrip(t *testing.T) {
	auth := NewTokenAuth("test-secret", time.Hour)

	token, err := auth.IssueToken("node-a")
	require.NoError(t, err)

	nodeID, err := auth.Verify(token)

	require.NoError(t, err)
	assert.Equal(t, "node-a", nodeID)
}

func TestTokenAuth_WrongSecret(t *testing.T) {
	token, err := NewTokenAuth("secret-a", time.Hour).IssueToken("node-a")
	require.NoError(t, err)

	_, err = NewTokenAuth("secret-b", time.Hour).Verify(token)

	assert.Error(t, err)
}

func TestTokenAuth_ExpiredToken(t *testing.T) {
	auth := NewTokenAuth("test-secret", -time.Minute)

	token, err := auth.IssueToken("node-a")
	require.NoError(t, err)

	_, err = auth.Verify(token)

	assert.Error(t, err)
}

func TestTokenAuth_Garbage(t *testing.T) {
	_, err := NewTokenAuth("test-secret", time.Hour).Verify("not.a.jwt")

	assert.Error(t, err)
}
