package auth

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// memPersister captures persisted snapshots without touching disk.
type memPersister struct {
	approved map[string]string
	pending  []string
	saves    int
}

func (m *memPersister) SaveApproved(a map[string]string) error {
	m.approved = a
	m.saves++
	return nil
}

func (m *memPersister) SavePending(p []string) error {
	m.pending = p
	return nil
}

func (m *memPersister) Load() (map[string]string, []string, error) {
	return m.approved, m.pending, nil
}

func (m *memPersister) Close() error { return nil }

func TestRequestApproveFlow(t *testing.T) {
	s := New(nil, zerolog.Nop())

	res := s.RequestToken("caller-1")
	require.True(t, res.Pending)
	require.Empty(t, res.Token)

	// Re-requesting while pending stays pending, no duplicate entries.
	res = s.RequestToken("caller-1")
	require.True(t, res.Pending)
	require.Len(t, s.Pending(), 1)

	tok, ok := s.Approve("caller-1")
	require.True(t, ok)
	require.NotEmpty(t, tok)
	require.Empty(t, s.Pending())

	// The caller now gets its token back on request.
	res = s.RequestToken("caller-1")
	require.False(t, res.Pending)
	require.Equal(t, tok, res.Token)
}

func TestApproveUnknownCaller(t *testing.T) {
	s := New(nil, zerolog.Nop())
	_, ok := s.Approve("ghost")
	require.False(t, ok)
}

func TestApproveIsIdempotentForApproved(t *testing.T) {
	s := New(nil, zerolog.Nop())
	s.RequestToken("c")
	tok1, ok := s.Approve("c")
	require.True(t, ok)
	tok2, ok := s.Approve("c")
	require.True(t, ok)
	require.Equal(t, tok1, tok2)
}

func TestDenyRemovesPending(t *testing.T) {
	s := New(nil, zerolog.Nop())
	s.RequestToken("c")
	s.Deny("c")
	require.Empty(t, s.Pending())
	// Denied caller may request again.
	res := s.RequestToken("c")
	require.True(t, res.Pending)
}

func TestTokenCallerBijection(t *testing.T) {
	s := New(nil, zerolog.Nop())
	s.RequestToken("a")
	s.RequestToken("b")
	tokA, _ := s.Approve("a")
	tokB, _ := s.Approve("b")
	require.NotEqual(t, tokA, tokB)

	caller, ok := s.CallerOf(tokA)
	require.True(t, ok)
	require.Equal(t, "a", caller)
	tok, ok := s.TokenOf("a")
	require.True(t, ok)
	require.Equal(t, tokA, tok)
}

func TestValidateAndRevoke(t *testing.T) {
	s := New(nil, zerolog.Nop())
	s.RequestToken("c")
	tok, _ := s.Approve("c")
	require.True(t, s.Validate(tok))

	require.True(t, s.Revoke(tok))
	require.False(t, s.Validate(tok))
	_, ok := s.CallerOf(tok)
	require.False(t, ok)
	require.False(t, s.Revoke(tok))

	// The caller starts over from pending after revocation.
	res := s.RequestToken("c")
	require.True(t, res.Pending)
}

func TestWipe(t *testing.T) {
	s := New(nil, zerolog.Nop())
	s.RequestToken("a")
	tok, _ := s.Approve("a")
	s.RequestToken("b")
	s.Wipe()
	require.False(t, s.Validate(tok))
	require.Empty(t, s.Pending())
}

func TestPersistenceSeedsNewStore(t *testing.T) {
	p := &memPersister{}
	s1 := New(p, zerolog.Nop())
	s1.RequestToken("approved-caller")
	tok, _ := s1.Approve("approved-caller")
	s1.RequestToken("waiting-caller")

	s2 := New(p, zerolog.Nop())
	require.True(t, s2.Validate(tok))
	caller, ok := s2.CallerOf(tok)
	require.True(t, ok)
	require.Equal(t, "approved-caller", caller)
	require.Equal(t, []string{"waiting-caller"}, s2.Pending())
}
