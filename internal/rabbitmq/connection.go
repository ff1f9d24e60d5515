package rabbitmq

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// State is the lifecycle state of a ConnectionManager
type State int

const (
	StateInit State = iota
	StateConnected
	StateReconnecting
	StateClosed
	// StateFailed means reconnection gave up; only Connect leaves it
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// ConnectionStateListener receives connection state change notifications
type ConnectionStateListener interface {
	OnConnected()
	OnDisconnected(err error)
	OnReconnecting(attempt int)
}

// ConnectionManager owns the single broker connection of a process and
// transparently re-dials it after a transport loss.
type ConnectionManager struct {
	url            string
	name           string
	dial           Dialer
	conn           Connection
	state          State
	ready          chan struct{}
	failure        *failure
	mu             sync.RWMutex
	reconnectDelay time.Duration
	dialTimeout    time.Duration
	maxRetries     int
	logger         *slog.Logger
	done           chan struct{}
	stateListeners []ConnectionStateListener
	listenersMu    sync.RWMutex
}

// failure.done is closed once reconnection gives up; err is set before done is
// closed
type failure struct {
	done chan struct{}
	err  error
}

func newFailure() *failure {
	return &failure{done: make(chan struct{})}
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithReconnectDelay sets the base reconnection delay
func WithReconnectDelay(delay time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.reconnectDelay = delay
	}
}

// WithMaxRetries sets the maximum number of reconnection attempts.
// A negative value retries forever.
func WithMaxRetries(retries int) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.maxRetries = retries
	}
}

// WithDialTimeout bounds a single dial attempt
func WithDialTimeout(timeout time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dialTimeout = timeout
	}
}

// WithDialer replaces the amqp091 dialer
func WithDialer(dial Dialer) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dial = dial
	}
}

// WithConnectionName sets the connection_name client property shown in the
// broker management UI
func WithConnectionName(name string) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.name = name
	}
}

// NewConnectionManager creates a new connection manager
func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url:            url,
		dial:           DialAMQP,
		state:          StateInit,
		ready:          make(chan struct{}),
		failure:        newFailure(),
		reconnectDelay: 5 * time.Second,
		dialTimeout:    30 * time.Second,
		maxRetries:     -1, // infinite retries by default
		logger:         slog.Default(),
		done:           make(chan struct{}),
	}

	for _, opt := range options {
		opt(cm)
	}

	return cm
}

// Connect establishes the shared connection. Concurrent callers are
// serialized, so only the first one dials and the rest observe its
// connection. A failed dial is reported, not retried.
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	switch cm.state {
	case StateConnected, StateReconnecting:
		return nil
	case StateClosed:
		return ErrConnectionClosed
	}

	conn, err := cm.dialWithTimeout(ctx)
	if err != nil {
		cm.logger.Error("failed to connect to RabbitMQ",
			"url", SanitizeURL(cm.url),
			"error", err)
		return &ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(cm.url),
			Err:       err,
			Timestamp: time.Now(),
			Attempts:  1,
		}
	}

	notifyClose := cm.attachLocked(conn)

	cm.logger.Info("connected to RabbitMQ",
		"url", SanitizeURL(cm.url))

	cm.notifyConnected()

	go cm.handleReconnect(notifyClose)

	return nil
}

// dialWithTimeout dials in a goroutine so that ctx and the dial timeout can
// abandon a hanging handshake. A connection that completes after we gave up
// is closed instead of leaked.
func (cm *ConnectionManager) dialWithTimeout(ctx context.Context) (Connection, error) {
	connCtx, cancel := context.WithTimeout(ctx, cm.dialTimeout)
	defer cancel()

	type result struct {
		conn Connection
		err  error
	}
	resCh := make(chan result, 1)

	go func() {
		conn, err := cm.dial(cm.url, amqp.Config{
			Heartbeat:  10 * time.Second,
			Locale:     "en_US",
			Properties: amqp.Table{"connection_name": cm.name},
		})
		resCh <- result{conn: conn, err: err}
	}()

	select {
	case res := <-resCh:
		return res.conn, res.err
	case <-connCtx.Done():
		go func() {
			if res := <-resCh; res.conn != nil {
				res.conn.Close()
			}
		}()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ErrConnectionTimeout
	}
}

// attachLocked installs conn as the live connection. Caller holds cm.mu.
func (cm *ConnectionManager) attachLocked(conn Connection) chan *amqp.Error {
	cm.conn = conn
	cm.state = StateConnected
	notifyClose := conn.NotifyClose(make(chan *amqp.Error, 1))
	close(cm.ready)
	if cm.failure.err != nil {
		cm.failure = newFailure()
	}
	return notifyClose
}

// GetConnection returns the current connection
func (cm *ConnectionManager) GetConnection() (Connection, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	switch cm.state {
	case StateClosed:
		return nil, ErrConnectionClosed
	case StateFailed:
		return nil, cm.failure.err
	case StateConnected:
		if cm.conn != nil && !cm.conn.IsClosed() {
			return cm.conn, nil
		}
	}

	return nil, ErrConnectionNotReady
}

// OpenChannel opens a fresh channel on the current connection
func (cm *ConnectionManager) OpenChannel() (Channel, error) {
	conn, err := cm.GetConnection()
	if err != nil {
		return nil, &ChannelError{
			Op:        "open channel",
			Err:       err,
			Timestamp: time.Now(),
		}
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, &ChannelError{
			Op:        "open channel",
			Err:       err,
			Timestamp: time.Now(),
		}
	}
	return ch, nil
}

// WaitConnected blocks until the connection is live, the manager is closed,
// reconnection gives up, or ctx is done. After giving up it returns a
// *ConnectionError wrapping ErrMaxRetriesExceeded.
func (cm *ConnectionManager) WaitConnected(ctx context.Context) error {
	cm.mu.RLock()
	switch cm.state {
	case StateClosed:
		cm.mu.RUnlock()
		return ErrConnectionClosed
	case StateFailed:
		err := cm.failure.err
		cm.mu.RUnlock()
		return err
	}
	ready, failed := cm.ready, cm.failure
	cm.mu.RUnlock()

	select {
	case <-ready:
		return nil
	case <-failed.done:
		return failed.err
	case <-cm.done:
		return ErrConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsConnected returns the connection status
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.state == StateConnected
}

// State returns the lifecycle state
func (cm *ConnectionManager) State() State {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.state
}

// Close closes the connection. It is safe to call more than once and on a
// manager that never connected.
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.state == StateClosed {
		return nil
	}

	cm.state = StateClosed
	close(cm.done)

	if cm.conn != nil {
		conn := cm.conn
		cm.conn = nil
		if !conn.IsClosed() {
			if err := conn.Close(); err != nil {
				return err
			}
		}
		cm.logger.Info("closed RabbitMQ connection")
	}

	return nil
}

// handleReconnect monitors the connection and reconnects if necessary
func (cm *ConnectionManager) handleReconnect(notifyClose chan *amqp.Error) {
	for {
		select {
		case err, ok := <-notifyClose:
			if !ok || err == nil {
				// graceful close
				return
			}

			cm.logger.Error("connection closed", "error", err)

			cm.mu.Lock()
			if cm.state == StateClosed {
				cm.mu.Unlock()
				return
			}
			cm.state = StateReconnecting
			cm.conn = nil
			cm.ready = make(chan struct{})
			cm.mu.Unlock()

			cm.notifyDisconnected(err)

			next, ok := cm.reconnect()
			if !ok {
				return
			}
			notifyClose = next

		case <-cm.done:
			cm.logger.Debug("connection manager shutting down")
			return
		}
	}
}

// reconnect attempts to reconnect to RabbitMQ
func (cm *ConnectionManager) reconnect() (chan *amqp.Error, bool) {
	retries := 0
	startTime := time.Now()

	for {
		select {
		case <-cm.done:
			return nil, false
		default:
		}

		if cm.maxRetries >= 0 && retries >= cm.maxRetries {
			cm.logger.Error("max reconnection attempts reached",
				"attempts", retries,
				"duration", time.Since(startTime))

			connErr := &ConnectionError{
				Op:        "reconnect",
				URL:       SanitizeURL(cm.url),
				Err:       ErrMaxRetriesExceeded,
				Timestamp: time.Now(),
				Attempts:  retries,
			}

			// waiters are released with connErr; a later Connect dials afresh
			cm.mu.Lock()
			if cm.state == StateReconnecting {
				cm.state = StateFailed
				cm.failure.err = connErr
				close(cm.failure.done)
			}
			cm.mu.Unlock()

			cm.notifyDisconnected(connErr)
			return nil, false
		}

		cm.logger.Info("attempting to reconnect",
			"attempt", retries+1,
			"maxRetries", cm.maxRetries)

		cm.notifyReconnecting(retries + 1)

		if retries > 0 {
			select {
			case <-time.After(cm.calculateBackoff(retries - 1)):
			case <-cm.done:
				return nil, false
			}
		}

		conn, err := cm.dialWithTimeout(context.Background())
		if err != nil {
			cm.logger.Error("reconnection failed",
				"error", err,
				"attempt", retries+1)
			retries++
			continue
		}

		cm.mu.Lock()
		if cm.state == StateClosed {
			cm.mu.Unlock()
			conn.Close()
			return nil, false
		}
		notifyClose := cm.attachLocked(conn)
		cm.mu.Unlock()

		cm.logger.Info("successfully reconnected to RabbitMQ",
			"attempts", retries+1,
			"duration", time.Since(startTime))

		cm.notifyConnected()

		return notifyClose, true
	}
}

// AddStateListener adds a connection state listener
func (cm *ConnectionManager) AddStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()
	cm.stateListeners = append(cm.stateListeners, listener)
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

// calculateBackoff returns the delay before reconnect attempt n (0-based),
// doubling from reconnectDelay with ±12.5% jitter and a 5 minute cap.
func (cm *ConnectionManager) calculateBackoff(attempt int) time.Duration {
	base := cm.reconnectDelay
	if base <= 0 {
		base = 5 * time.Second
	}

	maxDelay := 5 * time.Minute

	if attempt > 16 {
		attempt = 16
	}
	delay := base * time.Duration(1<<uint(attempt))
	if delay > maxDelay {
		delay = maxDelay
	}

	jitter := time.Duration(float64(delay) * 0.25)
	if jitter > 0 {
		delay = delay - jitter/2 + time.Duration(rand.Int63n(int64(jitter)))
	}

	return delay
}
