package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openchat/gateway/internal/auth"
	"github.com/openchat/gateway/internal/fanout"
	"github.com/openchat/gateway/internal/limits"
	"github.com/openchat/gateway/internal/monitoring"
)

// Authorizer is the external business-rule boundary consulted before a
// point-to-point message is routed. The gateway does not own who may
// message whom.
type Authorizer interface {
	AuthorizeSend(ctx context.Context, fromUserID, toUserID string) error
}

// AllowAll authorizes every send. Default when no external check is
// wired.
type AllowAll struct{}

func (AllowAll) AuthorizeSend(context.Context, string, string) error { return nil }

// Options assembles a Gateway. Variants are composed from these injected
// collaborators, never subclassed.
type Options struct {
	Logger   zerolog.Logger
	Verifier auth.Verifier
	Bus      fanout.Bus
	Auth     Authorizer

	MaxConnections int

	AuthTimeout       time.Duration
	HeartbeatInterval time.Duration
	ConnectionTimeout time.Duration

	Acks AckTrackerConfig

	AdmissionCeiling int
	AdmissionTTL     time.Duration
	MessageRate      float64
	MessageBurst     int
}

// Gateway is the realtime connection core: it owns the connection
// registry, presence index, ack tracker, room index and rate guard, and
// bridges instances over the fanout bus.
type Gateway struct {
	identity string
	logger   zerolog.Logger
	opts     Options

	registry  *Registry
	presence  *PresenceIndex
	rooms     *RoomIndex
	acks      *AckTracker
	heartbeat *HeartbeatMonitor
	bus       fanout.Bus
	verifier  auth.Verifier
	auth      Authorizer

	admission *limits.AdmissionCounter
	msgRate   *limits.MessageRateLimiter

	handlers map[string]handlerFunc
}

// clusterEnvelope is the wire shape on the fanout bus. Origin lets an
// instance skip its own publications so local delivery is not doubled.
type clusterEnvelope struct {
	Origin string          `json:"origin"`
	UserID string          `json:"userId,omitempty"`
	RoomID string          `json:"roomId,omitempty"`
	Frame  json.RawMessage `json:"frame,omitempty"`
	AckID  string          `json:"ackId,omitempty"`
}

// presenceEvent is published on the presence subject on online/offline
// transitions.
type presenceEvent struct {
	Origin string `json:"origin"`
	UserID string `json:"userId"`
	Online bool   `json:"online"`
	At     int64  `json:"at"`
}

// New assembles a gateway from its collaborators. Zero-value options get
// the documented defaults; a nil Bus degrades to local-only delivery.
func New(opts Options) *Gateway {
	if opts.Verifier == nil {
		opts.Verifier = auth.Static{}
	}
	if opts.Bus == nil {
		opts.Bus = fanout.NewNoopBus()
	}
	if opts.Auth == nil {
		opts.Auth = AllowAll{}
	}
	if opts.AuthTimeout <= 0 {
		opts.AuthTimeout = 30 * time.Second
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 10 * time.Second
	}
	if opts.ConnectionTimeout <= opts.HeartbeatInterval {
		opts.ConnectionTimeout = 75 * time.Second
	}

	g := &Gateway{
		identity: NewServerIdentity(),
		logger:   opts.Logger.With().Str("component", "gateway").Logger(),
		opts:     opts,
		registry: NewRegistry(opts.MaxConnections),
		presence: NewPresenceIndex(),
		rooms:    NewRoomIndex(),
		bus:      opts.Bus,
		verifier: opts.Verifier,
		auth:     opts.Auth,
		admission: limits.NewAdmissionCounter(
			opts.AdmissionCeiling, opts.AdmissionTTL, opts.Logger),
		msgRate: limits.NewMessageRateLimiter(opts.MessageRate, opts.MessageBurst),
	}

	g.acks = NewAckTracker(opts.Acks, opts.Logger)
	g.acks.SetCallbacks(g.redeliver, g.notifyRetry, g.notifyFailure)

	g.heartbeat = NewHeartbeatMonitor(
		opts.HeartbeatInterval, opts.ConnectionTimeout,
		g.registry, g.Disconnect, opts.Logger)

	g.handlers = map[string]handlerFunc{
		"register":  g.handleRegister,
		"heartbeat": g.handleHeartbeat,
		"ack":       g.handleAck,
		"send":      g.handleSend,
		"joinRoom":  g.handleJoinRoom,
		"leaveRoom": g.handleLeaveRoom,
	}

	return g
}

// Identity returns this process instance's server identity.
func (g *Gateway) Identity() string { return g.identity }

// Registry exposes the connection registry (used by the heartbeat sweep
// and tests).
func (g *Gateway) Registry() *Registry { return g.registry }

// Presence exposes the local presence index.
func (g *Gateway) Presence() *PresenceIndex { return g.presence }

// Acks exposes the ack tracker.
func (g *Gateway) Acks() *AckTracker { return g.acks }

// Heartbeat exposes the heartbeat monitor.
func (g *Gateway) Heartbeat() *HeartbeatMonitor { return g.heartbeat }

// Start subscribes to cluster subjects and launches the periodic sweeps.
func (g *Gateway) Start() error {
	if err := g.bus.Subscribe(fanout.SubjectUserWildcard, g.onBusUserMessage); err != nil {
		return fmt.Errorf("subscribe user subjects: %w", err)
	}
	if err := g.bus.Subscribe(fanout.SubjectRoomWildcard, g.onBusRoomMessage); err != nil {
		return fmt.Errorf("subscribe room subjects: %w", err)
	}
	if err := g.bus.Subscribe(fanout.SubjectPresence, g.onBusPresence); err != nil {
		return fmt.Errorf("subscribe presence subject: %w", err)
	}
	if err := g.bus.Subscribe(fanout.SubjectAck, g.onBusAck); err != nil {
		return fmt.Errorf("subscribe ack subject: %w", err)
	}

	g.acks.Start()
	g.heartbeat.Start()

	g.logger.Info().
		Str("server_identity", g.identity).
		Bool("bus_connected", g.bus.Connected()).
		Msg("Gateway started")
	return nil
}

// Stop cancels all periodic timers, disconnects every connection and
// closes the bus. In-flight pending acknowledgments are abandoned.
func (g *Gateway) Stop() {
	g.heartbeat.Stop()
	g.acks.Stop()

	g.registry.ForEach(func(c *Conn) {
		g.Disconnect(c, DisconnectReasonShutdown)
	})

	g.admission.Stop()
	if err := g.bus.Close(); err != nil {
		g.logger.Warn().Err(err).Msg("Error closing fanout bus")
	}
	g.logger.Info().Msg("Gateway stopped")
}

// OnConnect admits a new transport connection. On rejection the
// transport is closed and no record is retained.
func (g *Gateway) OnConnect(netConn net.Conn, sourceIP string) (*Conn, error) {
	if !g.admission.Admit(sourceIP) {
		monitoring.ConnectionsRejected.WithLabelValues("admission").Inc()
		if netConn != nil {
			netConn.Close()
		}
		return nil, ErrAdmissionRejected
	}

	conn := newConn(uuid.NewString(), netConn, sourceIP)
	if err := g.registry.Add(conn); err != nil {
		g.admission.Release(sourceIP)
		monitoring.ConnectionsRejected.WithLabelValues("capacity").Inc()
		if netConn != nil {
			netConn.Close()
		}
		return nil, err
	}

	// The auth timer is owned by the connection and cancelled on
	// register or disconnect.
	conn.setAuthTimer(time.AfterFunc(g.opts.AuthTimeout, func() {
		g.authTimeout(conn)
	}))

	monitoring.ConnectionsTotal.Inc()
	monitoring.ConnectionsActive.Set(float64(g.registry.Size()))

	g.logger.Debug().
		Str("conn_id", conn.ID()).
		Str("ip", sourceIP).
		Msg("Connection admitted")
	return conn, nil
}

func (g *Gateway) authTimeout(c *Conn) {
	// Only connections still waiting for registration are reaped here.
	if c.State() != StateConnecting {
		return
	}
	g.logger.Info().
		Str("conn_id", c.ID()).
		Str("ip", c.RemoteIP()).
		Dur("auth_timeout", g.opts.AuthTimeout).
		Msg("No registration within auth window, disconnecting")
	g.Disconnect(c, DisconnectReasonAuthTimeout)
}

// OnRegister binds a verified user id to the connection. Valid only
// while the auth timeout has not fired and the connection exists.
func (g *Gateway) OnRegister(ctx context.Context, connID, credential string, metadata map[string]string) (*Conn, error) {
	conn, exists := g.registry.Get(connID)
	if !exists {
		return nil, ErrNotFound
	}

	if credential == "" {
		return nil, fmt.Errorf("%w: missing id", ErrRegistrationFailed)
	}

	identity, err := g.verifier.Verify(ctx, credential)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRegistrationFailed, err)
	}

	md := metadata
	if len(identity.Metadata) > 0 {
		if md == nil {
			md = make(map[string]string, len(identity.Metadata))
		}
		for k, v := range identity.Metadata {
			md[k] = v
		}
	}

	if !conn.register(identity.UserID, md) {
		// Lost the race against auth timeout or transport close.
		return nil, ErrNotFound
	}

	first := g.presence.Add(identity.UserID, conn.ID())
	monitoring.UsersOnline.Set(float64(g.presence.OnlineCount()))

	if first {
		g.publishPresence(identity.UserID, true)
	}

	g.logger.Info().
		Str("conn_id", conn.ID()).
		Str("user_id", identity.UserID).
		Str("server_identity", g.identity).
		Bool("first_connection", first).
		Msg("Connection registered")
	return conn, nil
}

// Touch records inbound activity on the connection.
func (g *Gateway) Touch(connID string) {
	if conn, ok := g.registry.Get(connID); ok {
		conn.Touch()
	}
}

// Disconnect tears a connection down. Idempotent: only the first caller
// performs cleanup. Cleans the registry, presence index, room index,
// admission counter, rate limiter state and the sender's pending acks,
// then closes the transport.
func (g *Gateway) Disconnect(c *Conn, reason string) {
	if !c.markDisconnected() {
		return
	}

	duration := time.Since(c.connectedAt)
	userID := c.UserID()

	g.registry.Remove(c.ID())
	g.rooms.RemoveConn(c.ID(), c.roomList())
	g.admission.Release(c.RemoteIP())
	g.msgRate.Remove(c.ID())

	// Sender disconnect cancels its in-flight acks; receiver disconnect
	// does not, those entries keep retrying against remaining
	// connections.
	g.acks.CancelSenderConn(c.ID())

	if userID != "" {
		last := g.presence.Remove(userID, c.ID())
		monitoring.UsersOnline.Set(float64(g.presence.OnlineCount()))
		if last {
			g.publishPresence(userID, false)
		}
	}

	c.close()

	monitoring.ConnectionsActive.Set(float64(g.registry.Size()))
	monitoring.DisconnectsTotal.WithLabelValues(reason).Inc()
	monitoring.ConnectionDuration.Observe(duration.Seconds())

	g.logger.Info().
		Str("conn_id", c.ID()).
		Str("user_id", userID).
		Str("reason", reason).
		Dur("connection_duration", duration).
		Msg("Connection closed")
}

// DisconnectByID looks the connection up first; no-op if already gone.
func (g *Gateway) DisconnectByID(connID, reason string) {
	if conn, ok := g.registry.Get(connID); ok {
		g.Disconnect(conn, reason)
	}
}

// Send routes a point-to-point message. If requireAck is set a pending
// entry is created and retried until acknowledged or the retry budget is
// spent. If requireOnline is set and the recipient has no local
// connections the send fails immediately with ErrRecipientOffline;
// otherwise the entry is still created so a reconnecting device receives
// a retried attempt.
func (g *Gateway) Send(ctx context.Context, toUserID, fromUserID, fromConnID, eventType string,
	payload json.RawMessage, requireAck, requireOnline bool,
	maxRetries int, retryInterval time.Duration) (string, error) {

	if toUserID == "" || eventType == "" {
		return "", fmt.Errorf("%w: missing recipient or type", ErrBadRequest)
	}

	if err := g.auth.AuthorizeSend(ctx, fromUserID, toUserID); err != nil {
		return "", err
	}

	if requireOnline && !g.presence.IsOnline(toUserID) {
		return "", ErrRecipientOffline
	}

	messageID := uuid.NewString()
	env := Envelope{
		MessageID:  messageID,
		Type:       eventType,
		Data:       payload,
		Timestamp:  nowMillis(),
		RequireAck: requireAck,
		From:       fromUserID,
	}
	frame := marshalFrame(frameMessage, env)

	g.deliverToUser(toUserID, frame)

	if requireAck {
		g.acks.Track(&Pending{
			MessageID:  messageID,
			FromUserID: fromUserID,
			FromConnID: fromConnID,
			ToUserID:   toUserID,
			Frame:      frame,
			MaxRetries: maxRetries,
			RetryBase:  retryInterval,
		})
	}

	return messageID, nil
}

// BroadcastRoom delivers an envelope to every local member of the room
// and mirrors it over the bus so other instances forward to theirs.
func (g *Gateway) BroadcastRoom(roomID, fromUserID, eventType string, payload json.RawMessage) string {
	messageID := uuid.NewString()
	env := Envelope{
		MessageID: messageID,
		Type:      eventType,
		Data:      payload,
		Timestamp: nowMillis(),
		From:      fromUserID,
		Room:      roomID,
	}
	frame := marshalFrame(frameMessage, env)

	g.deliverToRoom(roomID, frame)
	g.publishCluster(fanout.SubjectRoom(roomID), clusterEnvelope{
		Origin: g.identity,
		RoomID: roomID,
		Frame:  frame,
	})
	return messageID
}

// deliverToUser pushes a frame to all local connections of a user and
// mirrors it to the cluster for connections terminated elsewhere. Bus
// failures never block or fail the local path.
func (g *Gateway) deliverToUser(userID string, frame []byte) int {
	delivered := g.deliverLocal(userID, frame)
	g.publishCluster(fanout.SubjectUser(userID), clusterEnvelope{
		Origin: g.identity,
		UserID: userID,
		Frame:  frame,
	})
	return delivered
}

// deliverLocal pushes a frame to the user's local connections only.
func (g *Gateway) deliverLocal(userID string, frame []byte) int {
	delivered := 0
	for _, connID := range g.presence.ConnectionsFor(userID) {
		if g.pushToConn(connID, frame) {
			delivered++
		}
	}
	return delivered
}

func (g *Gateway) deliverToRoom(roomID string, frame []byte) int {
	delivered := 0
	for _, connID := range g.rooms.Members(roomID) {
		if g.pushToConn(connID, frame) {
			delivered++
		}
	}
	return delivered
}

// pushToConn queues a frame on one connection, handling slow-client
// escalation.
func (g *Gateway) pushToConn(connID string, frame []byte) bool {
	conn, ok := g.registry.Get(connID)
	if !ok {
		return false
	}
	if conn.trySend(frame) {
		monitoring.MessagesSent.Inc()
		return true
	}

	monitoring.MessagesDropped.Inc()
	if conn.slow() {
		g.logger.Warn().
			Str("conn_id", conn.ID()).
			Str("user_id", conn.UserID()).
			Msg("Client too slow, forcing disconnect")
		g.Disconnect(conn, DisconnectReasonSlowClient)
	}
	return false
}

func (g *Gateway) publishCluster(subject string, env clusterEnvelope) {
	data, err := json.Marshal(env)
	if err != nil {
		return
	}
	if err := g.bus.Publish(subject, data); err != nil {
		// Degraded to local-only delivery; logged, never raised.
		g.logger.Warn().Err(err).Str("subject", subject).Msg("Fanout publish failed")
	}
}

func (g *Gateway) publishPresence(userID string, online bool) {
	data, err := json.Marshal(presenceEvent{
		Origin: g.identity,
		UserID: userID,
		Online: online,
		At:     nowMillis(),
	})
	if err != nil {
		return
	}
	if err := g.bus.Publish(fanout.SubjectPresence, data); err != nil {
		g.logger.Warn().Err(err).Msg("Presence publish failed")
	}
}

// Bus handlers. Every instance subscribes to the user/room wildcards and
// forwards to its own local connections, skipping its own publications.

func (g *Gateway) onBusUserMessage(data []byte) {
	var env clusterEnvelope
	if err := json.Unmarshal(data, &env); err != nil || env.Origin == g.identity {
		return
	}
	if env.UserID == "" || len(env.Frame) == 0 {
		return
	}
	g.deliverLocal(env.UserID, env.Frame)
}

func (g *Gateway) onBusRoomMessage(data []byte) {
	var env clusterEnvelope
	if err := json.Unmarshal(data, &env); err != nil || env.Origin == g.identity {
		return
	}
	if env.RoomID == "" || len(env.Frame) == 0 {
		return
	}
	g.deliverToRoom(env.RoomID, env.Frame)
}

// onBusAck resolves a pending entry acknowledged through another
// instance (the recipient's ack lands wherever its connection
// terminates; only the origin instance holds the pending entry).
func (g *Gateway) onBusAck(data []byte) {
	var env clusterEnvelope
	if err := json.Unmarshal(data, &env); err != nil || env.Origin == g.identity {
		return
	}
	if env.AckID != "" {
		g.acks.Acknowledge(env.AckID)
	}
}

func (g *Gateway) onBusPresence(data []byte) {
	var ev presenceEvent
	if err := json.Unmarshal(data, &ev); err != nil || ev.Origin == g.identity {
		return
	}
	g.logger.Debug().
		Str("user_id", ev.UserID).
		Bool("online", ev.Online).
		Str("origin", ev.Origin).
		Msg("Peer presence change")
}

// Acknowledge resolves a pending message. Unknown ids are forwarded to
// the cluster in case another instance owns the entry.
func (g *Gateway) Acknowledge(messageID string) bool {
	if g.acks.Acknowledge(messageID) {
		return true
	}
	g.publishCluster(fanout.SubjectAck, clusterEnvelope{
		Origin: g.identity,
		AckID:  messageID,
	})
	return false
}

// AckTracker callbacks.

// redeliver re-sends the original frame to the recipient's current
// connections, local and remote.
func (g *Gateway) redeliver(p *Pending) {
	g.deliverToUser(p.ToUserID, p.Frame)
}

// notifyRetry tells the sender a re-delivery attempt happened.
func (g *Gateway) notifyRetry(p *Pending) {
	frame := marshalFrame(frameMessageRetry, retryNotice{
		MessageID: p.MessageID,
		Attempt:   p.RetryCount,
		Timestamp: nowMillis(),
	})
	g.deliverLocal(p.FromUserID, frame)
}

// notifyFailure is the terminal, one-shot escalation; it is never itself
// retried.
func (g *Gateway) notifyFailure(p *Pending) {
	frame := marshalFrame(frameMessageFailed, failureNotice{
		MessageID: p.MessageID,
		Error:     "delivery failed: retries exhausted",
		Timestamp: nowMillis(),
	})
	g.deliverLocal(p.FromUserID, frame)
}

// AllowMessage applies the per-connection message-rate ceiling.
func (g *Gateway) AllowMessage(connID string) bool {
	if g.msgRate.Allow(connID) {
		return true
	}
	monitoring.RateLimitedMessages.Inc()
	return false
}

// IsNotFound reports whether err is the connection-gone error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
