package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/singleflight"
)

// ChannelRegistry maps a logical name to one open channel. Topology for a
// name is declared once, by whoever asks for it first.
type ChannelRegistry struct {
	connManager *ConnectionManager
	logger      *slog.Logger

	mu       sync.RWMutex
	channels map[string]*registeredChannel
	closed   bool
	creating singleflight.Group
}

type registeredChannel struct {
	ch       Channel
	exchange *ExchangeDeclaration
	created  time.Time
}

// RegistryOption configures the ChannelRegistry
type RegistryOption func(*ChannelRegistry)

// WithRegistryLogger sets the logger
func WithRegistryLogger(logger *slog.Logger) RegistryOption {
	return func(r *ChannelRegistry) {
		r.logger = logger
	}
}

// NewChannelRegistry creates an empty registry on top of a connection manager
func NewChannelRegistry(connManager *ConnectionManager, options ...RegistryOption) *ChannelRegistry {
	r := &ChannelRegistry{
		connManager: connManager,
		logger:      slog.Default(),
		channels:    make(map[string]*registeredChannel),
	}

	for _, opt := range options {
		opt(r)
	}

	return r
}

// Get returns the channel registered under name, creating it on first use.
//
// With an exchange, the exchange is declared and no queue is. Without one, a
// named non-durable queue called name is declared. Later calls return the
// cached channel and never re-declare, whatever exchange they pass.
func (r *ChannelRegistry) Get(ctx context.Context, name string, exchange *ExchangeDeclaration) (Channel, error) {
	if name == "" {
		return nil, &ChannelError{
			Op:        "get",
			Name:      name,
			Err:       fmt.Errorf("%w: channel name is required", ErrInvalidTopology),
			Timestamp: time.Now(),
		}
	}

	if rc, ok := r.lookup(name); ok {
		r.checkTopology(name, rc, exchange)
		return rc.ch, nil
	}

	// Detached so one caller giving up does not fail the others waiting on the same name
	createCtx := context.WithoutCancel(ctx)
	result := r.creating.DoChan(name, func() (interface{}, error) {
		return r.create(createCtx, name, exchange)
	})

	select {
	case res := <-result:
		if res.Err != nil {
			return nil, res.Err
		}
		rc := res.Val.(*registeredChannel)
		if res.Shared {
			r.checkTopology(name, rc, exchange)
		}
		return rc.ch, nil
	case <-ctx.Done():
		return nil, &ChannelError{
			Op:        "get",
			Name:      name,
			Err:       ctx.Err(),
			Timestamp: time.Now(),
		}
	}
}

// Open returns a fresh channel that is not cached. The caller closes it.
func (r *ChannelRegistry) Open(ctx context.Context) (Channel, error) {
	if r.isClosed() {
		return nil, ErrRegistryClosed
	}
	return r.connManager.OpenChannel(ctx)
}

// Names returns the registered channel names in sorted order
func (r *ChannelRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.channels))
	for name := range r.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Size returns the number of registered channels
func (r *ChannelRegistry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels)
}

// Close closes every registered channel. The registry cannot be used afterwards.
func (r *ChannelRegistry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	channels := r.channels
	r.channels = make(map[string]*registeredChannel)
	r.mu.Unlock()

	var firstErr error
	for name, rc := range channels {
		if rc.ch.IsClosed() {
			continue
		}
		if err := rc.ch.Close(); err != nil && firstErr == nil {
			firstErr = &ChannelError{Op: "close", Name: name, Err: err, Timestamp: time.Now()}
		}
	}
	return firstErr
}

func (r *ChannelRegistry) lookup(name string) (*registeredChannel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rc, ok := r.channels[name]
	if !ok || rc.ch.IsClosed() {
		return nil, false
	}
	return rc, true
}

func (r *ChannelRegistry) isClosed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.closed
}

func (r *ChannelRegistry) create(ctx context.Context, name string, exchange *ExchangeDeclaration) (*registeredChannel, error) {
	if r.isClosed() {
		return nil, ErrRegistryClosed
	}

	// Another flight may have finished between lookup and DoChan
	if rc, ok := r.lookup(name); ok {
		return rc, nil
	}

	ch, err := r.connManager.OpenChannel(ctx)
	if err != nil {
		return nil, &ChannelError{Op: "create", Name: name, Err: err, Timestamp: time.Now()}
	}

	if exchange != nil {
		err = DeclareExchange(ch, *exchange)
	} else {
		_, err = DeclareQueue(ch, WorkQueue(name))
	}
	if err != nil {
		_ = ch.Close()
		return nil, &ChannelError{Op: "declare", Name: name, Err: err, Timestamp: time.Now()}
	}

	rc := &registeredChannel{ch: ch, created: time.Now()}
	if exchange != nil {
		decl := *exchange
		rc.exchange = &decl
	}

	notify := ch.NotifyClose(make(chan *amqp.Error, 1))

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = ch.Close()
		return nil, ErrRegistryClosed
	}
	r.channels[name] = rc
	r.mu.Unlock()

	go r.evictOnClose(name, rc, notify)

	if rc.exchange != nil {
		r.logger.Debug("channel created", "name", name, "exchange", rc.exchange.Name, "exchangeType", rc.exchange.Type)
	} else {
		r.logger.Debug("channel created", "name", name, "queue", name)
	}

	return rc, nil
}

func (r *ChannelRegistry) evictOnClose(name string, rc *registeredChannel, notify chan *amqp.Error) {
	amqpErr := <-notify

	r.mu.Lock()
	if current, ok := r.channels[name]; ok && current == rc {
		delete(r.channels, name)
	}
	r.mu.Unlock()

	if amqpErr != nil {
		r.logger.Warn("channel closed by broker", "name", name, "error", amqpErr)
	} else {
		r.logger.Debug("channel closed", "name", name)
	}
}

// checkTopology reports, without changing anything, a request whose topology
// differs from the one the channel was created with
func (r *ChannelRegistry) checkTopology(name string, rc *registeredChannel, requested *ExchangeDeclaration) {
	same := (rc.exchange == nil) == (requested == nil)
	if same && requested != nil {
		same = rc.exchange.Name == requested.Name && rc.exchange.Type == requested.Type
	}
	if same {
		return
	}

	registered, asked := "queue "+name, "queue "+name
	if rc.exchange != nil {
		registered = "exchange " + rc.exchange.Name
	}
	if requested != nil {
		asked = "exchange " + requested.Name
	}
	r.logger.Warn("channel already registered with different topology, keeping the first",
		"name", name,
		"registered", registered,
		"requested", asked)
}
