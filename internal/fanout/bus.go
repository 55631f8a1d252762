// Package fanout bridges gateway instances over a shared pub/sub bus so a
// message addressed to a user connected elsewhere still reaches them.
package fanout

import "fmt"

// Handler consumes a raw message received on a subject.
type Handler func(data []byte)

// Bus is the cluster pub/sub boundary. Publish must never block the local
// delivery path; a publish failure is logged and counted, not propagated
// to the sender.
type Bus interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, handler Handler) error
	Connected() bool
	Close() error
}

// Subject builders. All cluster traffic lives under the "gateway." namespace.

// SubjectUser is the per-user topic for point-to-point routing.
func SubjectUser(userID string) string {
	return fmt.Sprintf("gateway.user.%s", userID)
}

// SubjectUserWildcard matches every per-user topic; each instance
// subscribes to it opportunistically and forwards to its own connections.
const SubjectUserWildcard = "gateway.user.>"

// SubjectRoom is the topic mirroring a room broadcast to all instances.
func SubjectRoom(roomID string) string {
	return fmt.Sprintf("gateway.room.%s", roomID)
}

// SubjectRoomWildcard matches every room topic.
const SubjectRoomWildcard = "gateway.room.>"

// SubjectPresence carries user online/offline transitions.
const SubjectPresence = "gateway.presence"

// SubjectAck forwards acknowledgments whose pending entry lives on a
// different instance than the one that received the ack frame.
const SubjectAck = "gateway.ack"
