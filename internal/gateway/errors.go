package gateway

import "errors"

// Sentinel errors for gateway operations.
var (
	// ErrAdmissionRejected means the source IP is over its connection
	// ceiling; the transport is closed and no record is kept.
	ErrAdmissionRejected = errors.New("admission rejected")

	// ErrNotFound means the connection no longer exists (already timed
	// out or closed).
	ErrNotFound = errors.New("connection not found")

	// ErrRegistrationFailed means a register request was malformed or
	// its credential could not be verified. The connection stays open
	// so the client can retry before the auth timeout.
	ErrRegistrationFailed = errors.New("registration failed")

	// ErrNotRegistered means an operation requires a registered
	// connection.
	ErrNotRegistered = errors.New("not registered")

	// ErrRecipientOffline is returned by Send when requireOnline is set
	// and the recipient has no connections.
	ErrRecipientOffline = errors.New("recipient offline")

	// ErrRateLimited means the per-connection message ceiling was
	// exceeded; the message is rejected, the connection stays open.
	ErrRateLimited = errors.New("rate limited")

	// ErrServerFull means the process-wide connection capacity is
	// exhausted.
	ErrServerFull = errors.New("server at capacity")

	// ErrShuttingDown means the gateway is draining and refuses new
	// connections.
	ErrShuttingDown = errors.New("server shutting down")

	// ErrBadRequest means a client frame was structurally invalid.
	ErrBadRequest = errors.New("bad request")
)

// Error frame codes sent to clients.
const (
	CodeRateLimited        = "RATE_LIMIT_EXCEEDED"
	CodeNotRegistered      = "NOT_REGISTERED"
	CodeRegistrationFailed = "REGISTRATION_FAILED"
	CodeRecipientOffline   = "RECIPIENT_OFFLINE"
	CodeUnauthorized       = "UNAUTHORIZED"
	CodeBadRequest         = "BAD_REQUEST"
	CodeDeliveryFailed     = "DELIVERY_FAILED"
)

// Disconnect reasons, used for logging and metrics labels.
const (
	DisconnectReasonAuthTimeout      = "auth_timeout"
	DisconnectReasonHeartbeatTimeout = "heartbeat_timeout"
	DisconnectReasonReadError        = "read_error"
	DisconnectReasonWriteError       = "write_error"
	DisconnectReasonSlowClient       = "slow_client"
	DisconnectReasonShutdown         = "shutdown"
	DisconnectReasonClientClose      = "client_close"
)
