package gocapnweb

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResumeTokenEncodeDecodeRoundTrip(t *testing.T) {
	original := &ResumeToken{SessionID: "abc-123", IssuedAt: time.Now().UTC().Truncate(time.Millisecond)}
	encoded, err := original.Encode()
	require.NoError(t, err)

	decoded, err := DecodeResumeToken(encoded)
	require.NoError(t, err)
	assert.Equal(t, original.SessionID, decoded.SessionID)
	assert.True(t, original.IssuedAt.Equal(decoded.IssuedAt))
}

func TestDecodeResumeTokenRejectsGarbage(t *testing.T) {
	_, err := DecodeResumeToken("not-a-valid-token!!")
	rerr, ok := err.(*RpcError)
	require.True(t, ok)
	assert.Equal(t, ErrorCodeBadRequest, rerr.Code)
}

func TestResumeTokenManagerIssueAndResolve(t *testing.T) {
	manager := NewResumeTokenManager(0)
	session := NewSession(newTestTarget(), SessionOptions{})
	token := manager.Issue(session)

	resolved, err := manager.Resolve(token)
	require.NoError(t, err)
	assert.Same(t, session, resolved)
}

func TestResumeTokenManagerForget(t *testing.T) {
	manager := NewResumeTokenManager(0)
	session := NewSession(newTestTarget(), SessionOptions{})
	token := manager.Issue(session)
	manager.Forget(token.SessionID)

	_, err := manager.Resolve(token)
	rerr, ok := err.(*RpcError)
	require.True(t, ok)
	assert.Equal(t, ErrorCodeNotFound, rerr.Code)
}

func TestResumeTokenManagerExpiry(t *testing.T) {
	manager := NewResumeTokenManager(time.Millisecond)
	session := NewSession(newTestTarget(), SessionOptions{})
	token := manager.Issue(session)
	token.IssuedAt = time.Now().Add(-time.Hour)

	_, err := manager.Resolve(token)
	rerr, ok := err.(*RpcError)
	require.True(t, ok)
	assert.Equal(t, ErrorCodeCanceled, rerr.Code)
}
