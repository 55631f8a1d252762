package gateway

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRoomJoinLeave(t *testing.T) {
	ri := NewRoomIndex()

	ri.Join("lobby", "conn-1")
	ri.Join("lobby", "conn-2")
	require.ElementsMatch(t, []string{"conn-1", "conn-2"}, ri.Members("lobby"))

	ri.Leave("lobby", "conn-1")
	require.Equal(t, []string{"conn-2"}, ri.Members("lobby"))

	// Last member leaving removes the room entirely.
	ri.Leave("lobby", "conn-2")
	require.Nil(t, ri.Members("lobby"))
}

func TestRoomLeaveUnknownIsNoop(t *testing.T) {
	ri := NewRoomIndex()
	ri.Leave("nowhere", "conn-1")

	ri.Join("lobby", "conn-1")
	ri.Leave("lobby", "conn-other")
	require.Equal(t, []string{"conn-1"}, ri.Members("lobby"))
}

func TestRoomRemoveConn(t *testing.T) {
	ri := NewRoomIndex()

	ri.Join("a", "conn-1")
	ri.Join("b", "conn-1")
	ri.Join("b", "conn-2")

	ri.RemoveConn("conn-1", []string{"a", "b"})

	require.Nil(t, ri.Members("a"))
	require.Equal(t, []string{"conn-2"}, ri.Members("b"))
}

func TestRoomMembershipMirror(t *testing.T) {
	// Conn.rooms and the reverse index stay consistent through the
	// join/leave helpers used by the frame handlers.
	c := newConn("conn-1", nil, "")
	ri := NewRoomIndex()

	c.joinRoom("a")
	ri.Join("a", c.ID())
	c.joinRoom("b")
	ri.Join("b", c.ID())
	require.ElementsMatch(t, []string{"a", "b"}, c.roomList())

	c.leaveRoom("a")
	ri.Leave("a", c.ID())
	require.Equal(t, []string{"b"}, c.roomList())

	ri.RemoveConn(c.ID(), c.roomList())
	require.Nil(t, ri.Members("b"))
}
