package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/openchat/gateway/internal/monitoring"
)

// handlerFunc processes one inbound frame. Context is threaded
// explicitly through every call; handlers never rely on ambient state.
type handlerFunc func(ctx context.Context, c *Conn, data json.RawMessage)

// HandleFrame parses an inbound text frame and dispatches it. Every
// frame counts as liveness. Application messages (send, room ops) pass
// through the rate ceiling; protocol frames (register, heartbeat, ack)
// are exempt so a rate-limited client can still stay alive and resolve
// deliveries.
func (g *Gateway) HandleFrame(ctx context.Context, c *Conn, raw []byte) {
	c.Touch()
	monitoring.MessagesReceived.Inc()

	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		g.logger.Warn().
			Str("conn_id", c.ID()).
			Err(err).
			Msg("Client sent invalid JSON")
		c.trySend(errorFrameBytes(CodeBadRequest, "invalid JSON frame"))
		return
	}

	handler, known := g.handlers[frame.Type]
	if !known {
		// Unknown types are logged, not fatal; may be a newer client.
		g.logger.Warn().
			Str("conn_id", c.ID()).
			Str("frame_type", frame.Type).
			Msg("Client sent unknown frame type")
		return
	}

	if isApplicationFrame(frame.Type) && !g.AllowMessage(c.ID()) {
		g.logger.Warn().
			Str("conn_id", c.ID()).
			Str("frame_type", frame.Type).
			Msg("Client rate limited")
		c.trySend(errorFrameBytes(CodeRateLimited, "too many messages, please slow down"))
		return
	}

	handler(ctx, c, frame.Data)
}

func isApplicationFrame(frameType string) bool {
	switch frameType {
	case "send", "joinRoom", "leaveRoom":
		return true
	default:
		return false
	}
}

func (g *Gateway) handleRegister(ctx context.Context, c *Conn, data json.RawMessage) {
	var req registerRequest
	if err := json.Unmarshal(data, &req); err != nil || req.ID == "" {
		c.trySend(marshalFrame(frameRegisterResult, registerResult{
			Success: false,
			Error:   "missing id",
		}))
		return
	}

	_, err := g.OnRegister(ctx, c.ID(), req.ID, req.Metadata)
	if err != nil {
		g.logger.Info().
			Str("conn_id", c.ID()).
			Err(err).
			Msg("Registration failed")
		c.trySend(marshalFrame(frameRegisterResult, registerResult{
			Success: false,
			Error:   err.Error(),
		}))
		return
	}

	c.trySend(marshalFrame(frameRegisterResult, registerResult{
		Success:        true,
		ServerIdentity: g.identity,
	}))
}

func (g *Gateway) handleHeartbeat(_ context.Context, c *Conn, _ json.RawMessage) {
	if !c.Registered() {
		c.trySend(marshalFrame(frameHeartbeat, heartbeatResult{
			Success: false,
			Error:   "Not registered",
		}))
		return
	}
	c.trySend(marshalFrame(frameHeartbeat, heartbeatResult{
		Success:   true,
		Timestamp: nowMillis(),
	}))
}

func (g *Gateway) handleAck(_ context.Context, c *Conn, data json.RawMessage) {
	var req ackRequest
	if err := json.Unmarshal(data, &req); err != nil || req.MessageID == "" {
		return
	}
	// No required response; double-acks are harmless.
	g.Acknowledge(req.MessageID)
}

func (g *Gateway) handleSend(ctx context.Context, c *Conn, data json.RawMessage) {
	if !c.Registered() {
		c.trySend(errorFrameBytes(CodeNotRegistered, "register before sending"))
		return
	}

	var req sendRequest
	if err := json.Unmarshal(data, &req); err != nil {
		c.trySend(errorFrameBytes(CodeBadRequest, "invalid send request"))
		return
	}

	if req.Room != "" {
		messageID := g.BroadcastRoom(req.Room, c.UserID(), req.Type, req.Data)
		c.trySend(marshalFrame(frameSendResult, sendResult{
			Success:   true,
			MessageID: messageID,
		}))
		return
	}

	messageID, err := g.Send(ctx, req.To, c.UserID(), c.ID(), req.Type, req.Data,
		req.RequireAck, req.RequireOnline,
		req.MaxRetries, time.Duration(req.RetryMillis)*time.Millisecond)
	if err != nil {
		code := CodeBadRequest
		switch {
		case errors.Is(err, ErrRecipientOffline):
			code = CodeRecipientOffline
		case errors.Is(err, ErrBadRequest):
			code = CodeBadRequest
		default:
			code = CodeUnauthorized
		}
		c.trySend(marshalFrame(frameSendResult, sendResult{
			Success: false,
			Error:   code,
		}))
		return
	}

	c.trySend(marshalFrame(frameSendResult, sendResult{
		Success:   true,
		MessageID: messageID,
	}))
}

func (g *Gateway) handleJoinRoom(_ context.Context, c *Conn, data json.RawMessage) {
	if !c.Registered() {
		c.trySend(errorFrameBytes(CodeNotRegistered, "register before joining rooms"))
		return
	}

	var req roomRequest
	if err := json.Unmarshal(data, &req); err != nil || req.Room == "" {
		c.trySend(errorFrameBytes(CodeBadRequest, "invalid room request"))
		return
	}

	c.joinRoom(req.Room)
	g.rooms.Join(req.Room, c.ID())

	g.logger.Debug().
		Str("conn_id", c.ID()).
		Str("user_id", c.UserID()).
		Str("room", req.Room).
		Msg("Joined room")

	c.trySend(marshalFrame(frameRoomResult, map[string]any{
		"success": true,
		"room":    req.Room,
		"joined":  true,
	}))
}

func (g *Gateway) handleLeaveRoom(_ context.Context, c *Conn, data json.RawMessage) {
	if !c.Registered() {
		c.trySend(errorFrameBytes(CodeNotRegistered, "register before leaving rooms"))
		return
	}

	var req roomRequest
	if err := json.Unmarshal(data, &req); err != nil || req.Room == "" {
		c.trySend(errorFrameBytes(CodeBadRequest, "invalid room request"))
		return
	}

	c.leaveRoom(req.Room)
	g.rooms.Leave(req.Room, c.ID())

	c.trySend(marshalFrame(frameRoomResult, map[string]any{
		"success": true,
		"room":    req.Room,
		"joined":  false,
	}))
}
