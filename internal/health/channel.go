// Package health keeps the realtime proctoring channel of an attempt open
// and tracks the health score and recent violations the backend pushes.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"

	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/metrics"
	"github.com/stemsi/exstem-proctor/internal/model"
	ws "github.com/stemsi/exstem-proctor/internal/websocket"
)

// State of the connection.
type State string

const (
	StateConnecting       State = "connecting"
	StateOpen             State = "open"
	StateReconnectPending State = "reconnect-pending"
	StateClosed           State = "closed"
)

// Defaults used when Options leave a field zero.
const (
	DefaultReconnectDelay = 5 * time.Second
	DefaultPingInterval   = 25 * time.Second
	DefaultWindow         = 5
)

// ErrClosed is returned by Start once the channel has been closed.
var ErrClosed = errors.New("health channel closed")

// Options configure a Channel.
type Options struct {
	URL              string
	Header           http.Header
	InitialHealth    int
	WarningThreshold int
	ReconnectDelay   time.Duration
	PingInterval     time.Duration
	Window           int
	Dialer           *websocket.Dialer
}

// Hooks are invoked from the channel goroutine, except OnZero which gets its
// own goroutine so it may Close the channel. Hooks must not block.
type Hooks struct {
	OnHealth    func(model.HealthStatus)
	OnWarning   func(model.HealthStatus)
	OnZero      func(model.HealthStatus)
	OnViolation func(model.Violation)
	OnState     func(State)
}

// Channel is the client side of /monitor/enhanced/ws/proctoring/{attempt}.
// It never touches answers.
type Channel struct {
	opts  Options
	hooks Hooks
	log   zerolog.Logger
	now   func() time.Time

	mu         sync.Mutex
	state      State
	health     model.HealthStatus
	recent     []model.Violation
	zeroFired  bool
	reconnects int
	started    bool
	cancel     context.CancelFunc
	done       chan struct{}
}

// New creates a channel in the connecting state; nothing is dialled until
// Start.
func New(opts Options, hooks Hooks, log zerolog.Logger) *Channel {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = DefaultPingInterval
	}
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	if opts.InitialHealth <= 0 {
		opts.InitialHealth = 100
	}
	if opts.Dialer == nil {
		opts.Dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		}
	}

	return &Channel{
		opts:  opts,
		hooks: hooks,
		log:   log.With().Str("component", config.TaskKey.Channel).Logger(),
		now:   time.Now,
		state: StateConnecting,
		health: model.HealthStatus{
			Current:    opts.InitialHealth,
			Max:        opts.InitialHealth,
			Percentage: 100,
			Status:     model.HealthGood,
		},
	}
}

// Start launches the connect/reconnect loop.
func (c *Channel) Start(parent context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return ErrClosed
	}
	if c.started {
		return nil
	}
	c.started = true

	ctx, cancel := context.WithCancel(parent)
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.run(ctx, c.done)
	return nil
}

func (c *Channel) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	backoff := retry.NewConstant(c.opts.ReconnectDelay)
	_ = retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := c.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.mu.Lock()
		c.reconnects++
		c.mu.Unlock()
		metrics.ChannelReconnectsTotal.Inc()
		c.setState(StateReconnectPending)
		c.log.Warn().Err(err).Dur("retry_in", c.opts.ReconnectDelay).Msg("Proctoring channel lost")
		return retry.RetryableError(err)
	})
	c.setState(StateClosed)
}

// session dials once and pumps messages until the connection fails or ctx
// is cancelled.
func (c *Channel) session(ctx context.Context) error {
	c.setState(StateConnecting)

	conn, resp, err := c.opts.Dialer.DialContext(ctx, c.opts.URL, c.opts.Header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial: %w (status %d)", err, resp.StatusCode)
		}
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	c.setState(StateOpen)
	c.log.Info().Msg("Proctoring channel open")

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.keepAlive(ctx, conn, stop)
	}()
	defer func() {
		close(stop)
		wg.Wait()
	}()

	for {
		data, err := ws.ReadMessage(conn, 2*c.opts.PingInterval)
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		c.handle(data)
	}
}

// keepAlive pings the backend and closes the connection on teardown, which
// unblocks the reader. It is the only writer on conn.
func (c *Channel) keepAlive(ctx context.Context, conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = ws.CloseGracefully(conn)
			return
		case <-stop:
			return
		case <-ticker.C:
			if err := ws.WriteTyped(conn, ws.PingMessage{Type: ws.MessagePing}); err != nil {
				c.log.Debug().Err(err).Msg("Ping failed")
				_ = conn.Close()
				return
			}
		}
	}
}

func (c *Channel) handle(data []byte) {
	var msg ws.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		c.log.Warn().Err(err).Msg("Malformed channel message")
		return
	}

	switch msg.Type {
	case ws.MessageHealthUpdate:
		h, err := decodeHealth(msg.Data)
		if err != nil {
			c.log.Warn().Err(err).Msg("Malformed health update")
			return
		}
		c.applyHealth(h)
	case ws.MessageViolationAlert:
		var v model.Violation
		if err := json.Unmarshal(msg.Data, &v); err != nil {
			c.log.Warn().Err(err).Msg("Malformed violation alert")
			return
		}
		c.applyViolation(v)
	case ws.MessageConnected, ws.MessagePong:
	default:
		c.log.Debug().Str("type", string(msg.Type)).Msg("Ignoring channel message")
	}
}

type wireHealth struct {
	Current         *int              `json:"current"`
	Max             *int              `json:"max"`
	Percentage      *float64          `json:"percentage"`
	Status          model.HealthState `json:"status"`
	ViolationsCount int               `json:"violations_count"`
}

// decodeHealth fills in the percentage and band when the backend omits them.
func decodeHealth(raw json.RawMessage) (model.HealthStatus, error) {
	var w wireHealth
	if err := json.Unmarshal(raw, &w); err != nil {
		return model.HealthStatus{}, err
	}
	h := model.HealthStatus{Status: w.Status, ViolationsCount: w.ViolationsCount}
	if w.Current != nil {
		h.Current = *w.Current
	}
	if w.Max != nil {
		h.Max = *w.Max
	}
	switch {
	case w.Percentage != nil:
		h.Percentage = *w.Percentage
	case w.Current != nil && h.Max > 0:
		h.Percentage = float64(h.Current) * 100 / float64(h.Max)
	default:
		return h, errors.New("health update without percentage")
	}
	if h.Status == "" {
		h.Status = model.BandFor(h.Percentage)
	}
	return h, nil
}

// applyHealth stores an update and fires the warning and zero hooks on the
// transitions that cross them.
func (c *Channel) applyHealth(h model.HealthStatus) {
	threshold := float64(c.opts.WarningThreshold)

	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	prev := c.health.Percentage
	c.health = h
	warn := prev > threshold && h.Percentage <= threshold && h.Percentage > 0
	zero := h.Percentage <= 0 && !c.zeroFired
	if zero {
		c.zeroFired = true
	}
	c.mu.Unlock()

	metrics.HealthPercentage.Set(h.Percentage)
	log := c.log.With().Float64("percentage", h.Percentage).Str("status", string(h.Status)).Logger()
	log.Debug().Msg("Health update")

	if c.hooks.OnHealth != nil {
		c.hooks.OnHealth(h)
	}
	if warn {
		log.Warn().Msg("Health below warning threshold")
		if c.hooks.OnWarning != nil {
			c.hooks.OnWarning(h)
		}
	}
	if zero {
		log.Warn().Msg("Health exhausted")
		if c.hooks.OnZero != nil {
			go c.hooks.OnZero(h)
		}
	}
}

func (c *Channel) applyViolation(v model.Violation) {
	if v.Type == "" {
		v.Type = "alert"
	}
	if v.Severity == "" {
		v.Severity = model.SeverityMedium
	}
	if v.Timestamp.IsZero() {
		v.Timestamp = c.now().UTC()
	}

	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.recent = append([]model.Violation{v}, c.recent...)
	if len(c.recent) > c.opts.Window {
		c.recent = c.recent[:c.opts.Window]
	}
	c.mu.Unlock()

	metrics.ViolationsTotal.WithLabelValues(v.Type, "channel").Inc()
	if c.hooks.OnViolation != nil {
		c.hooks.OnViolation(v)
	}
}

func (c *Channel) setState(s State) {
	c.mu.Lock()
	if c.state == s || (c.state == StateClosed && s != StateClosed) {
		c.mu.Unlock()
		return
	}
	c.state = s
	c.mu.Unlock()

	if c.hooks.OnState != nil {
		c.hooks.OnState(s)
	}
}

// Close stops the channel for good and waits for its goroutine to exit.
// Safe to call multiple times and before Start.
func (c *Channel) Close() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.started = true
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	c.setState(StateClosed)
}

// State returns the connection state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Health returns the latest health status.
func (c *Channel) Health() model.HealthStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.health
}

// Recent returns the recent violations, newest first.
func (c *Channel) Recent() []model.Violation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]model.Violation(nil), c.recent...)
}

// Reconnects returns how many times the connection was lost.
func (c *Channel) Reconnects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconnects
}
