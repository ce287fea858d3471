package pvscope

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// ChannelState is used to indicate the connection state of a Channel.
type ChannelState int

// Names for the possible values of ChannelState
const (
	Disconnected    ChannelState = iota // Channel is idle
	Connecting                          // Channel was started but has not seen a connection or data
	Connected                           // Channel is delivering data
	Disconnecting                       // Channel is in transition to Disconnected
	FailedToConnect                     // The transport rejected or lost the connection
)

func (s ChannelState) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Disconnecting:
		return "Disconnecting"
	case FailedToConnect:
		return "FailedToConnect"
	}
	return fmt.Sprintf("ChannelState(%d)", int(s))
}

// StrategyKind distinguishes the two ways of receiving data.
type StrategyKind int

// Names for the possible values of StrategyKind
const (
	MonitorStrategy StrategyKind = iota
	PollStrategy
)

// Strategy selects how a Channel acquires data: a persistent monitor, or polling at Rate Hz.
type Strategy struct {
	Kind StrategyKind
	Rate float64
}

// Monitor returns the monitor strategy.
func Monitor() Strategy {
	return Strategy{Kind: MonitorStrategy}
}

// Poll returns the poll strategy at rate Hz.
func Poll(rate float64) Strategy {
	return Strategy{Kind: PollStrategy, Rate: rate}
}

// DataCallback receives samples from a running Channel.
type DataCallback func(*Sample)

// StatusCallback is told about every state change of a Channel. err is non-nil for
// FailedToConnect.
type StatusCallback func(name string, state ChannelState, err error)

// Channel wraps one remote PV: its state machine, its acquisition strategy, and the
// callbacks that receive data and status.
type Channel struct {
	Name     string
	Protocol Protocol
	Fields   []string // requested top-level fields; nil means everything

	transport Transport

	state    ChannelState
	strategy Strategy
	dataCB   DataCallback
	statusCB StatusCallback
	active   bool // between Start and Stop, even while FailedToConnect
	cancel   context.CancelFunc
	sub      Subscription
	mu       sync.Mutex // guards everything above

	dispatchMu sync.Mutex // held while a data callback runs
	inFlight   atomic.Bool
	pollDone   sync.WaitGroup
}

// NewChannel creates a Disconnected channel that will use the given transport.
func NewChannel(name string, protocol Protocol, transport Transport) *Channel {
	return &Channel{Name: name, Protocol: protocol, transport: transport}
}

// SetStatusCallback sets the callback used before Start, e.g. for a connectivity Get.
func (c *Channel) SetStatusCallback(status StatusCallback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statusCB = status
}

// State returns the current state in a race-free fashion.
func (c *Channel) State() ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsRunning is true while Connecting or Connected.
func (c *Channel) IsRunning() bool {
	return isRunning(c.State())
}

func isRunning(s ChannelState) bool {
	return s == Connecting || s == Connected
}

// notify calls the status callback. Never call it with c.mu held.
func (c *Channel) notify(cb StatusCallback, state ChannelState, err error) {
	if err != nil {
		ProblemLogger.Printf("channel %s://%s is %v: %v", c.Protocol, c.Name, state, err)
	}
	if cb != nil {
		cb(c.Name, state, err)
	}
}

// transition moves to state "to" if allowed(current state, active) holds, then reports the
// change. The check and the change happen under one lock.
func (c *Channel) transition(to ChannelState, err error, allowed func(ChannelState, bool) bool) bool {
	c.mu.Lock()
	if c.state == to || !allowed(c.state, c.active) {
		c.mu.Unlock()
		return false
	}
	c.state = to
	cb := c.statusCB
	c.mu.Unlock()
	c.notify(cb, to, err)
	return true
}

func always(ChannelState, bool) bool { return true }

// Start begins acquisition with the given strategy. The channel goes to Connecting; a
// transport error puts it in FailedToConnect and is also returned.
func (c *Channel) Start(data DataCallback, status StatusCallback, strategy Strategy) error {
	if strategy.Kind == PollStrategy && strategy.Rate <= 0 {
		return fmt.Errorf("poll rate %v Hz is invalid, want > 0", strategy.Rate)
	}
	c.mu.Lock()
	if c.state != Disconnected && c.state != FailedToConnect {
		st := c.state
		c.mu.Unlock()
		return fmt.Errorf("cannot Start() channel %s that's %v", c.Name, st)
	}
	if c.active {
		c.mu.Unlock()
		c.Stop()
		c.mu.Lock()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.dataCB = data
	c.statusCB = status
	c.strategy = strategy
	c.cancel = cancel
	c.active = true
	c.state = Connecting
	c.mu.Unlock()
	c.notify(status, Connecting, nil)

	switch strategy.Kind {
	case MonitorStrategy:
		handler := MonitorHandler{OnData: c.deliver, OnConnection: c.connectionChanged}
		sub, err := c.transport.Monitor(c.Name, c.Fields, handler)
		if err != nil {
			err = fmt.Errorf("%w: monitor %s: %v", ErrConnectFailed, c.Name, err)
			c.transition(FailedToConnect, err, func(_ ChannelState, active bool) bool { return active })
			return err
		}
		c.mu.Lock()
		if !c.active {
			// Stop raced with Monitor; nobody else will close this subscription.
			c.mu.Unlock()
			closeSubscription(c.Name, sub)
			return nil
		}
		c.sub = sub
		c.mu.Unlock()

	case PollStrategy:
		period := time.Duration(float64(time.Second) / strategy.Rate)
		c.pollDone.Add(1)
		go c.pollLoop(ctx, period)
	}
	return nil
}

// pollLoop issues one asynchronous get per tick, skipping ticks while a get is in flight.
func (c *Channel) pollLoop(ctx context.Context, period time.Duration) {
	defer c.pollDone.Done()
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !c.inFlight.CompareAndSwap(false, true) {
				continue
			}
			c.pollDone.Add(1)
			go func() {
				defer c.pollDone.Done()
				defer c.inFlight.Store(false)
				sample, err := c.transport.Get(ctx, c.Name, c.Fields)
				if ctx.Err() != nil {
					return
				}
				if err != nil {
					c.fail(fmt.Errorf("%w: get %s: %v", ErrConnectFailed, c.Name, err))
					return
				}
				c.recoverFromFailure()
				c.deliver(sample)
			}()
		}
	}
}

// fail moves a running channel to FailedToConnect.
func (c *Channel) fail(err error) {
	c.transition(FailedToConnect, err, func(st ChannelState, active bool) bool {
		return active && isRunning(st)
	})
}

// recoverFromFailure puts a started channel back in Connected after the transport succeeds
// again following a failure.
func (c *Channel) recoverFromFailure() {
	c.transition(Connected, nil, func(st ChannelState, active bool) bool {
		return active && st == FailedToConnect
	})
}

// connectionChanged handles the transport's connection events for a monitor.
func (c *Channel) connectionChanged(up bool) {
	if up {
		c.transition(Connected, nil, func(st ChannelState, active bool) bool {
			return active && (st == Connecting || st == FailedToConnect)
		})
		return
	}
	c.fail(fmt.Errorf("%w: %s disconnected", ErrConnectFailed, c.Name))
}

// deliver is the data-callback wrapper: it drops late updates and flips Connecting to Connected
// on the first data.
func (c *Channel) deliver(sample *Sample) {
	if sample == nil {
		return
	}
	c.dispatchMu.Lock()
	defer c.dispatchMu.Unlock()

	c.mu.Lock()
	if !isRunning(c.state) {
		c.mu.Unlock()
		return
	}
	first := c.state == Connecting
	if first {
		c.state = Connected
	}
	cb, status := c.dataCB, c.statusCB
	c.mu.Unlock()

	if first {
		c.notify(status, Connected, nil)
	}
	if cb != nil {
		cb(sample)
	}
}

// Stop ends acquisition: Connected|Connecting → Disconnecting → Disconnected. No data callback
// runs after Stop returns. Stop is idempotent. A data callback must not call Stop on its own
// channel.
func (c *Channel) Stop() {
	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return
	}
	c.active = false
	wasRunning := isRunning(c.state)
	cancel, sub := c.cancel, c.sub
	c.cancel, c.sub = nil, nil
	if wasRunning {
		c.state = Disconnecting
	}
	cb := c.statusCB
	c.mu.Unlock()
	if wasRunning {
		c.notify(cb, Disconnecting, nil)
	}

	if cancel != nil {
		cancel()
	}
	if sub != nil {
		closeSubscription(c.Name, sub)
	}
	// Barrier: wait out any callback that began before the state change.
	c.dispatchMu.Lock()
	c.dispatchMu.Unlock()
	c.pollDone.Wait()

	c.transition(Disconnected, nil, always)
}

// Close stops the channel; it exists so a Channel can be released with defer.
func (c *Channel) Close() error {
	c.Stop()
	return nil
}

func closeSubscription(name string, sub Subscription) {
	if err := sub.Close(); err != nil {
		ProblemLogger.Printf("unsubscribe from %s failed (ignored): %v", name, err)
	}
}

// Get performs one synchronous read. Errors are returned and also reported as FailedToConnect.
func (c *Channel) Get(ctx context.Context) (*Sample, error) {
	sample, err := c.transport.Get(ctx, c.Name, c.Fields)
	if err != nil {
		err = fmt.Errorf("%w: get %s: %v", ErrConnectFailed, c.Name, err)
		c.mu.Lock()
		cb := c.statusCB
		c.state = FailedToConnect
		c.mu.Unlock()
		c.notify(cb, FailedToConnect, err)
		return nil, err
	}
	return sample, nil
}

// Introspect returns the structure descriptor of the PV.
func (c *Channel) Introspect(ctx context.Context) (Descriptor, error) {
	d, err := c.transport.Introspect(ctx, c.Name)
	if err != nil {
		return Descriptor{}, fmt.Errorf("%w: introspect %s: %v", ErrConnectFailed, c.Name, err)
	}
	return d, nil
}
