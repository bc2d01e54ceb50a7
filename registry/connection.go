// Package registry owns the network session to the remote tool
// registry: connect and handshake, heartbeat, periodic catalog
// refresh, single-flight reconnection, and tool invocation with one
// transparent retry on a dead stream.
package registry

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/projectwise/catalog"
	"github.com/effective-security/projectwise/pkg/metricskey"
	"github.com/effective-security/xlog"
	"golang.org/x/sync/singleflight"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/projectwise", "registry")

// State is the connection lifecycle state, owned exclusively by
// Connection.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateDegraded
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDegraded:
		return "degraded"
	default:
		return "disconnected"
	}
}

// Config holds the connection tuning knobs.
type Config struct {
	// Name tags metrics and logs for this registry.
	Name string
	// HeartbeatInterval is the liveness ping period.
	HeartbeatInterval time.Duration
	// RefreshInterval is the catalog refresh period.
	RefreshInterval time.Duration
	// RefreshDebounce collapses bursts of catalog-changed
	// notifications into one refresh.
	RefreshDebounce time.Duration
	// CallTimeout bounds every remote call.
	CallTimeout time.Duration
	// HeartbeatTool is the no-argument liveness tool name.
	HeartbeatTool string
}

// Option configures a Connection.
type Option func(*Config)

func WithName(name string) Option {
	return func(c *Config) { c.Name = name }
}

func WithHeartbeatInterval(d time.Duration) Option {
	return func(c *Config) { c.HeartbeatInterval = d }
}

func WithRefreshInterval(d time.Duration) Option {
	return func(c *Config) { c.RefreshInterval = d }
}

func WithRefreshDebounce(d time.Duration) Option {
	return func(c *Config) { c.RefreshDebounce = d }
}

func WithCallTimeout(d time.Duration) Option {
	return func(c *Config) { c.CallTimeout = d }
}

// Connection manages one registry session and its background loops.
type Connection struct {
	cfg       Config
	transport Transport

	state    atomic.Int32
	snapshot atomic.Pointer[catalog.Snapshot]

	mu     sync.Mutex
	closed bool
	cancel context.CancelFunc
	wg     sync.WaitGroup

	refreshCh chan struct{}
	sf        singleflight.Group
}

// NewConnection creates a Connection over the given transport.
func NewConnection(transport Transport, opts ...Option) *Connection {
	cfg := Config{
		Name:              "registry",
		HeartbeatInterval: 120 * time.Second,
		RefreshInterval:   60 * time.Second,
		RefreshDebounce:   500 * time.Millisecond,
		CallTimeout:       30 * time.Second,
		HeartbeatTool:     "heartbeat",
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	c := &Connection{
		cfg:       cfg,
		transport: transport,
		refreshCh: make(chan struct{}, 1),
	}
	transport.OnToolsChanged(c.notifyToolsChanged)
	return c
}

// State returns the current connection state.
func (c *Connection) State() State {
	return State(c.state.Load())
}

func (c *Connection) setState(s State) {
	c.state.Store(int32(s))
}

// Snapshot returns the current catalog snapshot. Readers always see a
// complete snapshot; it is swapped wholesale on refresh.
func (c *Connection) Snapshot() *catalog.Snapshot {
	return c.snapshot.Load()
}

// Connect opens the transport, performs the handshake, loads the
// initial catalog, and starts the heartbeat and refresh loops. A
// failed handshake or initial load rolls the transport back and
// leaves the state Disconnected.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = false
	return c.connectLocked(ctx)
}

func (c *Connection) connectLocked(ctx context.Context) error {
	if c.State() == StateConnected {
		return nil
	}
	defer metricskey.PerfRegistryConnect.MeasureSince(time.Now(), c.cfg.Name)

	c.setState(StateConnecting)
	if err := c.transport.Start(ctx); err != nil {
		c.setState(StateDisconnected)
		return errors.WithMessage(err, "failed to connect to registry")
	}

	if err := c.refresh(ctx); err != nil {
		_ = c.transport.Close()
		c.setState(StateDisconnected)
		return errors.WithMessage(err, "initial catalog load failed")
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.wg.Add(2)
	go c.heartbeatLoop(loopCtx)
	go c.refreshLoop(loopCtx)

	c.setState(StateConnected)
	logger.ContextKV(ctx, xlog.INFO,
		"status", "connected",
		"registry", c.cfg.Name,
		"tools", c.Snapshot().Len(),
	)
	return nil
}

// Disconnect cancels the background loops, waits for them to exit,
// closes the transport, and clears the catalog. Idempotent. The
// connection stays closed to background reconnects until an explicit
// Connect.
func (c *Connection) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return c.teardown()
}

func (c *Connection) teardown() error {
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.wg.Wait()

	err := c.transport.Close()
	c.snapshot.Store(nil)
	c.setState(StateDisconnected)
	return err
}

// Invoke calls a registry tool. If the session is down it reconnects
// first. A dead stream mid-call is retried exactly once after a
// reconnect; protocol errors propagate without retry.
func (c *Connection) Invoke(ctx context.Context, name string, args map[string]any) (json.RawMessage, error) {
	if c.State() != StateConnected {
		if err := c.EnsureReconnected(ctx); err != nil {
			return nil, errors.Mark(err, ErrNotConnected)
		}
	}

	res, err := c.callTool(ctx, name, args)
	if err == nil || !IsStreamClosed(err) {
		return res, err
	}

	c.setState(StateDegraded)
	logger.ContextKV(ctx, xlog.WARNING,
		"reason", "stream_closed",
		"tool", name,
		"registry", c.cfg.Name,
	)
	if rerr := c.EnsureReconnected(ctx); rerr != nil {
		return nil, errors.Mark(rerr, ErrNotConnected)
	}
	return c.callTool(ctx, name, args)
}

func (c *Connection) callTool(ctx context.Context, name string, args map[string]any) (json.RawMessage, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()
	return c.transport.CallTool(callCtx, name, args)
}

// EnsureReconnected returns immediately when connected. Otherwise all
// concurrent callers share one reconnect attempt and its outcome. A
// connection torn down by an explicit Disconnect is never revived
// here; the attempt fails with ErrNotConnected instead.
func (c *Connection) EnsureReconnected(ctx context.Context) error {
	if c.State() == StateConnected {
		return nil
	}
	ch := c.sf.DoChan("reconnect", func() (any, error) {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.closed {
			return nil, errors.Mark(errors.New("connection is closed"), ErrNotConnected)
		}
		metricskey.StatsRegistryReconnects.IncrCounter(1, c.cfg.Name)
		if err := c.teardown(); err != nil {
			logger.KV(xlog.WARNING, "reason", "teardown", "err", err.Error())
		}
		return nil, c.connectLocked(context.Background())
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Connection) heartbeatLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if c.State() != StateConnected {
			continue
		}
		if _, err := c.callTool(ctx, c.cfg.HeartbeatTool, nil); err != nil {
			metricskey.StatsRegistryHeartbeatFailed.IncrCounter(1, c.cfg.Name)
			logger.KV(xlog.WARNING,
				"reason", "heartbeat_failed",
				"registry", c.cfg.Name,
				"err", err.Error(),
			)
			c.setState(StateDegraded)
			// reconnect outside this goroutine so teardown can join
			// the loop without deadlocking
			go func() {
				_ = c.EnsureReconnected(context.Background())
			}()
			return
		}
	}
}

func (c *Connection) refreshLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-c.refreshCh:
			c.debounce(ctx)
		}
		if c.State() != StateConnected {
			continue
		}
		if err := c.refresh(ctx); err != nil {
			logger.KV(xlog.WARNING,
				"reason", "refresh_failed",
				"registry", c.cfg.Name,
				"err", err.Error(),
			)
		}
	}
}

// debounce collapses notification bursts into a single refresh.
func (c *Connection) debounce(ctx context.Context) {
	timer := time.NewTimer(c.cfg.RefreshDebounce)
	defer timer.Stop()
	for {
		select {
		case <-c.refreshCh:
		case <-timer.C:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (c *Connection) notifyToolsChanged() {
	select {
	case c.refreshCh <- struct{}{}:
	default:
	}
}

// refresh fetches descriptors and swaps in a freshly built snapshot.
func (c *Connection) refresh(ctx context.Context) error {
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()

	descriptors, err := c.transport.ListTools(callCtx)
	if err != nil {
		return errors.WithMessage(err, "failed to list tools")
	}
	snap, err := catalog.Build(descriptors)
	if err != nil {
		return errors.WithMessage(err, "failed to build catalog")
	}
	c.snapshot.Store(snap)
	metricskey.StatsCatalogRefreshes.IncrCounter(1, c.cfg.Name)
	logger.ContextKV(ctx, xlog.DEBUG,
		"status", "catalog_refreshed",
		"registry", c.cfg.Name,
		"tools", snap.Len(),
	)
	return nil
}
