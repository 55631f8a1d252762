package gateway

import "sync"

// RoomIndex is the reverse index from room id to member connections.
// Pairs with Conn.rooms: the record knows its rooms, the index knows a
// room's members, so both join/leave and disconnect cleanup are O(rooms
// touched) instead of a full scan.
type RoomIndex struct {
	mu    sync.RWMutex
	rooms map[string]map[string]struct{}
}

func NewRoomIndex() *RoomIndex {
	return &RoomIndex{
		rooms: make(map[string]map[string]struct{}),
	}
}

// Join adds a connection to a room.
func (ri *RoomIndex) Join(room, connID string) {
	ri.mu.Lock()
	defer ri.mu.Unlock()

	set, exists := ri.rooms[room]
	if !exists {
		set = make(map[string]struct{}, 4)
		ri.rooms[room] = set
	}
	set[connID] = struct{}{}
}

// Leave removes a connection from a room; the room entry is deleted when
// it empties.
func (ri *RoomIndex) Leave(room, connID string) {
	ri.mu.Lock()
	defer ri.mu.Unlock()

	set, exists := ri.rooms[room]
	if !exists {
		return
	}
	delete(set, connID)
	if len(set) == 0 {
		delete(ri.rooms, room)
	}
}

// Members returns a copy of the member connection ids for a room.
func (ri *RoomIndex) Members(room string) []string {
	ri.mu.RLock()
	defer ri.mu.RUnlock()

	set := ri.rooms[room]
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// RemoveConn drops a connection from the listed rooms (its record's room
// set) on disconnect.
func (ri *RoomIndex) RemoveConn(connID string, rooms []string) {
	if len(rooms) == 0 {
		return
	}
	ri.mu.Lock()
	defer ri.mu.Unlock()

	for _, room := range rooms {
		set, exists := ri.rooms[room]
		if !exists {
			continue
		}
		delete(set, connID)
		if len(set) == 0 {
			delete(ri.rooms, room)
		}
	}
}
