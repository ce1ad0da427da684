package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel/attribute"

	"github.com/glimte/mmate-orders/internal/reliability"
	"github.com/glimte/mmate-orders/observability/metrics"
)

// State of the connection manager
type State int

const (
	StateDisconnected State = iota
	StateConnected
	StateFaulted
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateFaulted:
		return "faulted"
	case StateClosed:
		return "closed"
	default:
		return "disconnected"
	}
}

// Session is one connection lifetime: the channel opened on it and an ID
// that changes on every reconnect.
type Session struct {
	ID      uint64
	Channel Channel
	// Conn is the session's connection; DeclareQueue uses it to open
	// side channels for shared-queue declarations.
	Conn Connection
}

// ConnectionStateListener receives connection state change notifications
type ConnectionStateListener interface {
	OnConnected()
	OnDisconnected(err error)
	OnReconnecting(attempt int)
}

// ConnectionManager owns the single broker connection and the long-lived
// channel shared by publishers, consumers and the RPC client.
type ConnectionManager struct {
	url       string
	dial      Dialer
	policy    reliability.RetryPolicy
	sleep     reliability.Sleeper
	logger    *slog.Logger
	recorder  metrics.Recorder
	reconnect bool

	mu      sync.RWMutex
	conn    Connection
	channel Channel
	session uint64
	state   State
	lastErr error

	// serialises establishment so concurrent callers share one retry loop
	connectMu sync.Mutex

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	stateListeners []ConnectionStateListener
	listenersMu    sync.RWMutex
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithDialer replaces the amqp091 dialer
func WithDialer(dial Dialer) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dial = dial
	}
}

// WithRetryPolicy sets the establishment retry policy
func WithRetryPolicy(policy reliability.RetryPolicy) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.policy = policy
	}
}

// WithSleeper replaces the wait between attempts
func WithSleeper(sleep reliability.Sleeper) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.sleep = sleep
	}
}

// WithRecorder sets the metrics sink
func WithRecorder(recorder metrics.Recorder) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.recorder = recorder
	}
}

// WithReconnect toggles background re-establishment after the broker drops
// the connection. Enabled by default.
func WithReconnect(enabled bool) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.reconnect = enabled
	}
}

// NewConnectionManager creates a new connection manager. No connection is
// made until EnsureConnected.
func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url:       url,
		dial:      DialAMQP(30*time.Second, "order-service"),
		policy:    reliability.BrokerBackoff(),
		logger:    slog.Default(),
		recorder:  metrics.Nop(),
		reconnect: true,
	}

	for _, opt := range options {
		opt(cm)
	}

	cm.ctx, cm.cancel = context.WithCancel(context.Background())
	return cm
}

// EnsureConnected establishes the connection and channel if no healthy pair
// exists. Failed attempts are retried per the retry policy; each one is
// counted and logged before the wait. Exhaustion leaves the manager faulted
// and returns a *ConnectionError.
func (cm *ConnectionManager) EnsureConnected(ctx context.Context) error {
	cm.connectMu.Lock()
	defer cm.connectMu.Unlock()

	switch cm.State() {
	case StateConnected:
		return nil
	case StateClosed:
		return ErrConnectionClosed
	}

	start := time.Now()
	attempts := 0

	opts := []reliability.RetryOption{
		reliability.WithOperation("connect"),
		reliability.WithOnRetry(func(attempt int, delay time.Duration, err error) {
			cm.recorder.Count(ctx, metrics.RabbitMQRetryTotal, attribute.String("op", "connect"))
			cm.logger.Warn("broker connection attempt failed",
				"attempt", attempt,
				"nextRetryIn", delay,
				"error", err)
			cm.notifyReconnecting(attempt)
		}),
	}
	if cm.sleep != nil {
		opts = append(opts, reliability.WithSleeper(cm.sleep))
	}

	err := reliability.Retry(ctx, cm.policy, func() error {
		attempts++
		err := cm.establish()
		if err != nil && !IsRetryable(err) {
			return reliability.RetryableError{Err: err, Retryable: false}
		}
		return err
	}, opts...)

	if err == nil {
		cm.logger.Info("connected to RabbitMQ",
			"url", SanitizeURL(cm.url),
			"attempts", attempts,
			"duration", time.Since(start))
		return nil
	}

	connErr := &ConnectionError{
		Op:        "connect",
		URL:       SanitizeURL(cm.url),
		Err:       err,
		Timestamp: time.Now(),
		Attempts:  attempts,
	}

	cm.mu.Lock()
	if cm.state != StateClosed {
		cm.state = StateFaulted
	}
	cm.lastErr = connErr
	cm.mu.Unlock()

	cm.recorder.Count(ctx, metrics.RabbitMQErrorTotal,
		attribute.String("op", "connect"),
		metrics.ErrorType(err))
	cm.logger.Error("failed to connect to RabbitMQ",
		"url", SanitizeURL(cm.url),
		"attempts", attempts,
		"duration", time.Since(start),
		"error", err,
		"fatal", true)
	cm.notifyDisconnected(connErr)

	return connErr
}

// establish makes one connection attempt
func (cm *ConnectionManager) establish() error {
	conn, err := cm.dial(cm.url)
	if err != nil {
		return err
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return &ChannelError{Op: "open", Err: err, Timestamp: time.Now()}
	}

	connClosed := conn.NotifyClose(make(chan *amqp.Error, 1))
	chanClosed := ch.NotifyClose(make(chan *amqp.Error, 1))

	cm.mu.Lock()
	if cm.state == StateClosed {
		cm.mu.Unlock()
		_ = ch.Close()
		_ = conn.Close()
		return ErrConnectionClosed
	}
	cm.conn = conn
	cm.channel = ch
	cm.session++
	id := cm.session
	cm.state = StateConnected
	cm.lastErr = nil
	cm.mu.Unlock()

	cm.notifyConnected()
	go cm.watch(id, connClosed, chanClosed)

	return nil
}

// watch waits for the broker to drop session id and reconnects
func (cm *ConnectionManager) watch(id uint64, connClosed, chanClosed <-chan *amqp.Error) {
	var (
		amqpErr *amqp.Error
		ok      bool
		source  string
	)
	select {
	case <-cm.ctx.Done():
		return
	case amqpErr, ok = <-connClosed:
		source = "connection"
	case amqpErr, ok = <-chanClosed:
		source = "channel"
	}

	var cause error = ErrConnectionClosed
	if ok && amqpErr != nil {
		cause = amqpErr
	}

	cm.mu.Lock()
	if cm.session != id || cm.state != StateConnected {
		cm.mu.Unlock()
		return
	}
	conn := cm.conn
	cm.conn = nil
	cm.channel = nil
	cm.state = StateFaulted
	cm.lastErr = cause
	cm.mu.Unlock()

	// a channel-level close leaves the connection up; drop it so the next
	// session starts clean
	if conn != nil && !conn.IsClosed() {
		_ = conn.Close()
	}

	cm.recorder.Count(cm.ctx, metrics.RabbitMQErrorTotal,
		attribute.String("op", "session"),
		metrics.ErrorType(cause))
	cm.logger.Error("broker session lost",
		"session", id,
		"source", source,
		"error", cause)
	cm.notifyDisconnected(cause)

	if !cm.reconnect {
		return
	}
	if err := cm.EnsureConnected(cm.ctx); err != nil {
		cm.logger.Error("giving up on broker reconnection", "error", err)
	}
}

// Session returns the current connection lifetime. It fails with a
// connectivity error when the manager is not connected.
func (cm *ConnectionManager) Session() (Session, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	switch cm.state {
	case StateConnected:
		if cm.channel == nil || cm.channel.IsClosed() {
			return Session{}, ErrChannelClosed
		}
		return Session{ID: cm.session, Channel: cm.channel, Conn: cm.conn}, nil
	case StateClosed:
		return Session{}, ErrConnectionClosed
	case StateFaulted:
		return Session{}, fmt.Errorf("%w: %w", ErrConnectionNotReady, cm.lastErr)
	default:
		return Session{}, ErrConnectionNotReady
	}
}

// State returns the manager state
func (cm *ConnectionManager) State() State {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.state
}

// LastError returns the error that faulted the manager, if any
func (cm *ConnectionManager) LastError() error {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.lastErr
}

// IsConnected returns the connection status
func (cm *ConnectionManager) IsConnected() bool {
	return cm.State() == StateConnected
}

// Close releases the channel and the connection. Only the first call does
// any work; later calls return nil.
func (cm *ConnectionManager) Close() error {
	var err error
	cm.closeOnce.Do(func() {
		cm.cancel()

		cm.mu.Lock()
		ch, conn := cm.channel, cm.conn
		cm.channel, cm.conn = nil, nil
		cm.state = StateClosed
		cm.mu.Unlock()

		var errs []error
		if ch != nil && !ch.IsClosed() {
			if cerr := ch.Close(); cerr != nil {
				errs = append(errs, &ChannelError{Op: "close", Err: cerr, Timestamp: time.Now()})
			}
		}
		if conn != nil && !conn.IsClosed() {
			if cerr := conn.Close(); cerr != nil {
				errs = append(errs, &ConnectionError{Op: "close", URL: SanitizeURL(cm.url), Err: cerr, Timestamp: time.Now()})
			}
		}
		err = errors.Join(errs...)

		cm.logger.Info("connection manager shut down", "error", err)
	})
	return err
}

// AddStateListener adds a connection state listener
func (cm *ConnectionManager) AddStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()
	cm.stateListeners = append(cm.stateListeners, listener)
}

// RemoveStateListener removes a connection state listener
func (cm *ConnectionManager) RemoveStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()

	for i, l := range cm.stateListeners {
		if l == listener {
			cm.stateListeners = append(cm.stateListeners[:i], cm.stateListeners[i+1:]...)
			break
		}
	}
}

func (cm *ConnectionManager) notifyConnected() {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnConnected()
	}
}

func (cm *ConnectionManager) notifyDisconnected(err error) {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnDisconnected(err)
	}
}

func (cm *ConnectionManager) notifyReconnecting(attempt int) {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnReconnecting(attempt)
	}
}
