package session

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vantagenotes/notesync/internal/core/protocol"
)

type stubPeer struct{ id string }

func (p *stubPeer) ID() string { return p.id }

func (p *stubPeer) Send(context.Context, protocol.ServerMessage) error { return nil }

func ids(peers []Peer) []string {
	out := make([]string, len(peers))
	for i, p := range peers {
		out[i] = p.ID()
	}
	return out
}

func TestRegistryJoinLeave(t *testing.T) {
	r := NewRegistry()
	p1, p2 := &stubPeer{"p1"}, &stubPeer{"p2"}

	assert.True(t, r.Join("a", p1))
	assert.False(t, r.Join("a", p1), "second join is a no-op")
	assert.True(t, r.Join("a", p2))
	assert.True(t, r.Join("b", p1))

	assert.Equal(t, 2, r.Count("a"))
	assert.Equal(t, []string{"p1", "p2"}, ids(r.Members("a")))
	assert.Equal(t, []string{"p2"}, ids(r.Others("a", "p1")))
	assert.Equal(t, []string{"a", "b"}, r.Documents())
	assert.Equal(t, 2, r.Peers())

	assert.True(t, r.Leave("a", "p2"))
	assert.False(t, r.Leave("a", "p2"))
	assert.False(t, r.Leave("zzz", "p1"))
	assert.Equal(t, 1, r.Peers())
	assert.False(t, r.IsMember("a", "p2"))
	assert.True(t, r.IsMember("a", "p1"))
}

func TestRegistryLeaveAll(t *testing.T) {
	r := NewRegistry()
	p1, p2 := &stubPeer{"p1"}, &stubPeer{"p2"}
	r.Join("b", p1)
	r.Join("a", p1)
	r.Join("a", p2)

	assert.Equal(t, []string{"a", "b"}, r.LeaveAll("p1"))
	assert.Nil(t, r.LeaveAll("p1"))
	assert.Equal(t, []string{"a"}, r.Documents())
	assert.Equal(t, []string{"p2"}, ids(r.Members("a")))
	assert.Empty(t, r.Members("b"))
	assert.Equal(t, 0, r.Count("b"))
}

func TestRegistryConcurrentAccess(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p := &stubPeer{fmt.Sprintf("p%02d", i)}
			r.Join("doc", p)
			_ = r.Members("doc")
			if i%2 == 0 {
				r.LeaveAll(p.ID())
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 16, r.Count("doc"))
}

func TestSession(t *testing.T) {
	s := New(&stubPeer{"p1"}, "anon")
	assert.Equal(t, "p1", s.ID())
	assert.Equal(t, "anon", s.UserID())

	s.SetUserID("")
	assert.Equal(t, "anon", s.UserID())
	s.SetUserID("alice")
	assert.Equal(t, "alice", s.UserID())

	require.True(t, s.Join("b"))
	require.True(t, s.Join("a"))
	assert.False(t, s.Join("a"))
	assert.Equal(t, []string{"a", "b"}, s.Docs())

	s.SetVersion("a", 3)
	v, ok := s.Version("a")
	assert.True(t, ok)
	assert.Equal(t, 3, v)

	assert.True(t, s.Leave("a"))
	assert.False(t, s.Leave("a"))
	_, ok = s.Version("a")
	assert.False(t, ok)
	assert.False(t, s.Joined("a"))
	assert.True(t, s.Joined("b"))
}
