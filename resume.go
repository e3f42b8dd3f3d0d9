package gocapnweb

import (
	"encoding/base64"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
)

// ResumeToken is an opaque blob a client can present to reattach to a
// previous session's live state. Reattachment only works within the
// process that issued the token — there is no cross-process session
// store, matching spec's non-goal for distributed resume.
type ResumeToken struct {
	SessionID string
	IssuedAt  time.Time
}

type resumeTokenPayload struct {
	SessionID string    `cbor:"session_id"`
	IssuedAt  time.Time `cbor:"issued_at"`
}

// Encode serializes the token as CBOR, base64url-encoded so it is safe to
// hand to a client as an opaque string.
func (t *ResumeToken) Encode() (string, error) {
	data, err := cbor.Marshal(resumeTokenPayload{SessionID: t.SessionID, IssuedAt: t.IssuedAt})
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

// DecodeResumeToken parses a token previously produced by Encode. Clients
// must treat the string as opaque; any structure here is an implementation
// detail.
func DecodeResumeToken(encoded string) (*ResumeToken, error) {
	data, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, ErrBadRequest("malformed resume token")
	}
	var payload resumeTokenPayload
	if err := cbor.Unmarshal(data, &payload); err != nil {
		return nil, ErrBadRequest("malformed resume token")
	}
	return &ResumeToken{SessionID: payload.SessionID, IssuedAt: payload.IssuedAt}, nil
}

// ResumeTokenManager tracks live sessions by id so a resume token can be
// exchanged back for the Session that issued it, within this process only.
type ResumeTokenManager struct {
	mu       sync.Mutex
	sessions map[string]*Session
	ttl      time.Duration
}

// NewResumeTokenManager creates a manager that rejects tokens older than
// ttl. ttl of zero means tokens never expire on their own; a session stays
// resolvable until Forget drops it.
func NewResumeTokenManager(ttl time.Duration) *ResumeTokenManager {
	return &ResumeTokenManager{sessions: make(map[string]*Session), ttl: ttl}
}

// Issue mints a fresh token for session, tracked under a random uuid.
func (m *ResumeTokenManager) Issue(session *Session) *ResumeToken {
	id := uuid.NewString()
	m.mu.Lock()
	m.sessions[id] = session
	m.mu.Unlock()
	return &ResumeToken{SessionID: id, IssuedAt: time.Now()}
}

// Resolve exchanges token back for its session, or an error if it has
// expired or is no longer tracked (Forget dropped it).
func (m *ResumeTokenManager) Resolve(token *ResumeToken) (*Session, error) {
	if m.ttl > 0 && time.Since(token.IssuedAt) > m.ttl {
		return nil, ErrCanceled("resume token expired")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[token.SessionID]
	if !ok {
		return nil, ErrNotFound("no such resumable session")
	}
	return session, nil
}

// Forget drops a session from the manager, e.g. once its connection closes
// for good.
func (m *ResumeTokenManager) Forget(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
}
