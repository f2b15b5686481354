package rabbitmq

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/singleflight"
)

// ConnectionStateListener receives connection state change notifications
type ConnectionStateListener interface {
	OnConnected()
	OnDisconnected(err error)
	OnReconnecting(attempt int)
}

// ConnectionManager owns the single broker connection of a process.
// The connection is dialed lazily and concurrent callers share one dial.
type ConnectionManager struct {
	url               string
	dialer            Dialer
	amqpConfig        amqp.Config
	dialTimeout       time.Duration
	reconnectDelay    time.Duration
	maxReconnectDelay time.Duration
	maxRetries        int
	logger            *slog.Logger

	mu     sync.RWMutex
	conn   Connection
	closed bool
	done   chan struct{}
	dials  singleflight.Group

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

// WithReconnectDelay sets the initial reconnection delay
func WithReconnectDelay(delay time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.reconnectDelay = delay
	}
}

// WithMaxReconnectDelay caps the exponential reconnection delay
func WithMaxReconnectDelay(delay time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.maxReconnectDelay = delay
	}
}

// WithMaxRetries sets the maximum number of reconnection attempts. -1 retries
// forever and 0 disables reconnection.
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

// WithHeartbeat sets the AMQP heartbeat interval
func WithHeartbeat(interval time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.amqpConfig.Heartbeat = interval
	}
}

// WithConnectionName sets the client-provided connection name shown in the management UI
func WithConnectionName(name string) ConnectionOption {
	return func(cm *ConnectionManager) {
		if cm.amqpConfig.Properties == nil {
			cm.amqpConfig.Properties = amqp.NewConnectionProperties()
		}
		cm.amqpConfig.Properties.SetClientConnectionName(name)
	}
}

// WithDialer replaces the function used to open connections
func WithDialer(dialer Dialer) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dialer = dialer
	}
}

// NewConnectionManager creates a new connection manager. No connection is
// opened until Connect or OpenChannel is called.
func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url:    url,
		dialer: DialAMQP,
		amqpConfig: amqp.Config{
			Heartbeat: 10 * time.Second,
			Locale:    "en_US",
		},
		dialTimeout:       30 * time.Second,
		reconnectDelay:    time.Second,
		maxReconnectDelay: time.Minute,
		maxRetries:        -1,
		logger:            slog.Default(),
		done:              make(chan struct{}),
	}

	for _, opt := range options {
		opt(cm)
	}

	return cm
}

// Connect establishes the connection if it is not open yet. Concurrent calls
// wait for the same dial; only one connection attempt is ever in flight.
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	if cm.IsConnected() {
		return nil
	}

	result := cm.dials.DoChan("connect", cm.establish)

	select {
	case res := <-result:
		return res.Err
	case <-ctx.Done():
		return &ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(cm.url),
			Err:       ctx.Err(),
			Timestamp: time.Now(),
			Attempts:  1,
		}
	}
}

// OpenChannel connects if needed and opens a new channel
func (cm *ConnectionManager) OpenChannel(ctx context.Context) (Channel, error) {
	if err := cm.Connect(ctx); err != nil {
		return nil, err
	}

	conn, err := cm.GetConnection()
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, &ChannelError{
			Op:        "open",
			Err:       err,
			Timestamp: time.Now(),
		}
	}
	return ch, nil
}

// GetConnection returns the current connection
func (cm *ConnectionManager) GetConnection() (Connection, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if cm.conn == nil {
		return nil, ErrConnectionNotReady
	}

	if cm.conn.IsClosed() {
		return nil, ErrConnectionClosed
	}

	return cm.conn, nil
}

// IsConnected returns the connection status
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.conn != nil && !cm.conn.IsClosed()
}

// Close closes the connection and stops reconnecting
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	if cm.closed {
		cm.mu.Unlock()
		return nil
	}
	cm.closed = true
	close(cm.done)
	conn := cm.conn
	cm.conn = nil
	cm.mu.Unlock()

	cm.logger.Info("connection manager shutting down")

	if conn != nil && !conn.IsClosed() {
		return conn.Close()
	}
	return nil
}

// establish dials unless a usable connection already exists. It always runs
// inside the singleflight group.
func (cm *ConnectionManager) establish() (interface{}, error) {
	cm.mu.RLock()
	closed, current := cm.closed, cm.conn
	cm.mu.RUnlock()

	if closed {
		return nil, ErrManagerClosed
	}
	if current != nil && !current.IsClosed() {
		return current, nil
	}

	conn, err := cm.dial()
	if err != nil {
		return nil, &ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(cm.url),
			Err:       err,
			Timestamp: time.Now(),
			Attempts:  1,
		}
	}

	if err := cm.attach(conn); err != nil {
		return nil, err
	}
	return conn, nil
}

// dial runs the dialer with a timeout
func (cm *ConnectionManager) dial() (Connection, error) {
	type dialResult struct {
		conn Connection
		err  error
	}

	results := make(chan dialResult, 1)
	go func() {
		conn, err := cm.dialer(cm.url, cm.amqpConfig)
		results <- dialResult{conn: conn, err: err}
	}()

	// A dial that finishes after we gave up must not leak its connection
	abandon := func() {
		go func() {
			if r := <-results; r.conn != nil {
				_ = r.conn.Close()
			}
		}()
	}

	timer := time.NewTimer(cm.dialTimeout)
	defer timer.Stop()

	select {
	case r := <-results:
		return r.conn, r.err
	case <-timer.C:
		abandon()
		return nil, ErrConnectionTimeout
	case <-cm.done:
		abandon()
		return nil, ErrManagerClosed
	}
}

func (cm *ConnectionManager) attach(conn Connection) error {
	cm.mu.Lock()
	if cm.closed {
		cm.mu.Unlock()
		_ = conn.Close()
		return ErrManagerClosed
	}
	cm.conn = conn
	notify := conn.NotifyClose(make(chan *amqp.Error, 1))
	cm.mu.Unlock()

	cm.logger.Info("connected to RabbitMQ", "url", SanitizeURL(cm.url))
	cm.notifyConnected()

	go cm.watch(conn, notify)
	return nil
}

// watch waits for the connection to drop and starts reconnecting
func (cm *ConnectionManager) watch(conn Connection, notify chan *amqp.Error) {
	var amqpErr *amqp.Error
	select {
	case amqpErr = <-notify:
	case <-cm.done:
		return
	}

	cm.mu.Lock()
	if cm.conn == conn {
		cm.conn = nil
	}
	closed := cm.closed
	cm.mu.Unlock()

	if closed {
		return
	}

	var cause error = ErrConnectionClosed
	if amqpErr != nil {
		cause = amqpErr
	}

	cm.logger.Error("connection closed", "error", cause)
	cm.notifyDisconnected(cause)
	cm.reconnect()
}

// reconnect retries establish with exponential backoff until it succeeds,
// the retry budget is spent, or the manager is closed
func (cm *ConnectionManager) reconnect() {
	if cm.maxRetries == 0 {
		cm.logger.Warn("reconnection disabled, staying disconnected")
		cm.giveUp(0)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-cm.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = cm.reconnectDelay
	expo.MaxInterval = cm.maxReconnectDelay
	expo.MaxElapsedTime = 0
	expo.Reset()

	var policy backoff.BackOff = expo
	if cm.maxRetries > 0 {
		policy = backoff.WithMaxRetries(expo, uint64(cm.maxRetries-1))
	}

	startTime := time.Now()
	attempt := 0

	operation := func() error {
		attempt++
		cm.logger.Info("attempting to reconnect",
			"attempt", attempt,
			"maxRetries", cm.maxRetries)
		cm.notifyReconnecting(attempt)

		_, err, _ := cm.dials.Do("connect", cm.establish)
		if errors.Is(err, ErrManagerClosed) {
			return backoff.Permanent(err)
		}
		return err
	}

	onRetry := func(err error, next time.Duration) {
		cm.logger.Error("reconnection failed",
			"error", err,
			"attempt", attempt,
			"nextRetryIn", next)
	}

	err := backoff.RetryNotify(operation, backoff.WithContext(policy, ctx), onRetry)
	if err == nil {
		cm.logger.Info("successfully reconnected to RabbitMQ",
			"attempts", attempt,
			"duration", time.Since(startTime))
		return
	}

	if ctx.Err() != nil {
		return
	}

	cm.logger.Error("max reconnection attempts reached",
		"attempts", attempt,
		"duration", time.Since(startTime))
	cm.giveUp(attempt)
}

func (cm *ConnectionManager) giveUp(attempts int) {
	cm.notifyDisconnected(&ConnectionError{
		Op:        "reconnect",
		URL:       SanitizeURL(cm.url),
		Err:       ErrMaxRetriesExceeded,
		Timestamp: time.Now(),
		Attempts:  attempts,
	})
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

func (cm *ConnectionManager) listeners() []ConnectionStateListener {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()
	return append([]ConnectionStateListener(nil), cm.stateListeners...)
}

func (cm *ConnectionManager) notifyConnected() {
	for _, listener := range cm.listeners() {
		go listener.OnConnected()
	}
}

func (cm *ConnectionManager) notifyDisconnected(err error) {
	for _, listener := range cm.listeners() {
		go listener.OnDisconnected(err)
	}
}

func (cm *ConnectionManager) notifyReconnecting(attempt int) {
	for _, listener := range cm.listeners() {
		go listener.OnReconnecting(attempt)
	}
}
