package fanout

// NoopBus is the single-instance fallback used when the cluster bus is
// unreachable at startup. Publishes vanish, subscriptions never fire; the
// gateway still delivers to its own local connections. This is a working
// mode, not an error state.
type NoopBus struct{}

func NewNoopBus() *NoopBus { return &NoopBus{} }

func (*NoopBus) Publish(string, []byte) error { return nil }

func (*NoopBus) Subscribe(string, Handler) error { return nil }

func (*NoopBus) Connected() bool { return false }

func (*NoopBus) Close() error { return nil }
