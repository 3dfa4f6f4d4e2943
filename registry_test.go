package ircore

import (
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry(t *testing.T) {
	r := NewRegistry(2)
	a := newConnection(Identity{"irc.example.org", 6697, true}, Credentials{Nickname: "nick"}, time.Second)
	b := newConnection(Identity{"irc.example.org", 6667, false}, Credentials{Nickname: "nick"}, time.Second)
	c := newConnection(Identity{"irc.example.net", 6697, true}, Credentials{Nickname: "nick"}, time.Second)

	require.NoError(t, r.Register(a))
	require.NoError(t, r.Register(b), "identities differ by port and TLS")

	var existsErr *AlreadyExistsError
	dup := newConnection(a.id, Credentials{Nickname: "other"}, time.Second)
	require.ErrorAs(t, r.Register(dup), &existsErr)
	assert.Equal(t, a.id, existsErr.Identity)

	var capErr *CapacityError
	require.ErrorAs(t, r.Register(c), &capErr)
	assert.Equal(t, 2, capErr.Max)
	assert.Equal(t, 2, r.Len())

	conn, ok := r.Lookup(a.id)
	require.True(t, ok)
	assert.Same(t, a, conn, "a duplicate registration keeps the first connection")

	var ids []string
	r.ForEach(func(conn *Connection) {
		ids = append(ids, conn.Identity().String())
		r.Unregister(conn.id)
	})
	sort.Strings(ids)
	assert.Equal(t, []string{"irc.example.org:+6697", "irc.example.org:6667"}, ids)
	assert.Equal(t, 0, r.Len())

	r.Unregister(a.id)
	_, ok = r.Lookup(a.id)
	assert.False(t, ok)
	require.NoError(t, r.Register(c))
}

func TestRegistryUnlimited(t *testing.T) {
	r := NewRegistry(0)
	for port := 1; port <= 100; port++ {
		conn := newConnection(Identity{"irc.example.org", port, false}, Credentials{Nickname: "nick"}, time.Second)
		require.NoError(t, r.Register(conn))
	}
	assert.Equal(t, 100, r.Len())
}
