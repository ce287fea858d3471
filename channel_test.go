package pvscope

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTransport is a Transport whose monitor is driven by the test.
type fakeTransport struct {
	sample     *Sample
	getErr     error
	getDelay   time.Duration
	monitorErr error

	gets    int
	handler MonitorHandler
	subs    int
	closed  int
	fields  []string
	sync.Mutex
}

func (ft *fakeTransport) Get(ctx context.Context, name string, fields []string) (*Sample, error) {
	ft.Lock()
	ft.gets++
	ft.fields = fields
	delay, err, s := ft.getDelay, ft.getErr, ft.sample
	ft.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (ft *fakeTransport) Introspect(ctx context.Context, name string) (Descriptor, error) {
	ft.Lock()
	defer ft.Unlock()
	if ft.getErr != nil {
		return Descriptor{}, ft.getErr
	}
	return ft.sample.Value.Describe(name), nil
}

func (ft *fakeTransport) Monitor(name string, fields []string, handler MonitorHandler) (Subscription, error) {
	ft.Lock()
	defer ft.Unlock()
	if ft.monitorErr != nil {
		return nil, ft.monitorErr
	}
	ft.handler = handler
	ft.fields = fields
	ft.subs++
	return fakeSubscription{ft}, nil
}

func (ft *fakeTransport) send(s *Sample) {
	ft.Lock()
	h := ft.handler
	ft.Unlock()
	h.OnData(s)
}

func (ft *fakeTransport) connection(up bool) {
	ft.Lock()
	h := ft.handler
	ft.Unlock()
	h.OnConnection(up)
}

func (ft *fakeTransport) getCount() int {
	ft.Lock()
	defer ft.Unlock()
	return ft.gets
}

type fakeSubscription struct {
	ft *fakeTransport
}

func (fs fakeSubscription) Close() error {
	fs.ft.Lock()
	defer fs.ft.Unlock()
	fs.ft.closed++
	return nil
}

// recorder collects the callbacks of a Channel.
type recorder struct {
	samples []*Sample
	states  []ChannelState
	errs    []error
	sync.Mutex
}

func (r *recorder) data(s *Sample) {
	r.Lock()
	defer r.Unlock()
	r.samples = append(r.samples, s)
}

func (r *recorder) status(name string, state ChannelState, err error) {
	r.Lock()
	defer r.Unlock()
	r.states = append(r.states, state)
	r.errs = append(r.errs, err)
}

func (r *recorder) nsamples() int {
	r.Lock()
	defer r.Unlock()
	return len(r.samples)
}

func (r *recorder) stateList() []ChannelState {
	r.Lock()
	defer r.Unlock()
	return append([]ChannelState(nil), r.states...)
}

func TestChannelMonitorLifecycle(t *testing.T) {
	ft := &fakeTransport{}
	ch := NewChannel("TEST:PV", PvAccess, ft)
	var rec recorder
	require.NoError(t, ch.Start(rec.data, rec.status, Monitor()))
	assert.Equal(t, Connecting, ch.State())
	assert.True(t, ch.IsRunning())
	assert.Error(t, ch.Start(rec.data, rec.status, Monitor()), "a running channel cannot be started")

	ft.connection(true)
	assert.Equal(t, Connected, ch.State())
	s := NewSample(F("value", Scalar(1.0)))
	ft.send(s)
	ft.send(s)
	assert.Equal(t, 2, rec.nsamples())

	ch.Stop()
	assert.Equal(t, Disconnected, ch.State())
	assert.Equal(t, 1, ft.closed)
	ft.send(s)
	assert.Equal(t, 2, rec.nsamples(), "no data callback after Stop")
	ch.Stop()
	assert.Equal(t, 1, ft.closed, "Stop is idempotent")
	assert.Equal(t, []ChannelState{Connecting, Connected, Disconnecting, Disconnected}, rec.stateList())
}

func TestChannelStopWhileConnecting(t *testing.T) {
	var tests = []struct {
		name     string
		strategy Strategy
	}{
		{"monitor", Monitor()},
		{"poll", Poll(1)},
	}
	for _, test := range tests {
		ft := &fakeTransport{}
		ch := NewChannel("TEST:PV", PvAccess, ft)
		var rec recorder
		require.NoError(t, ch.Start(rec.data, rec.status, test.strategy))
		assert.Equal(t, Connecting, ch.State(), test.name)

		ch.Stop()
		assert.Equal(t, []ChannelState{Connecting, Disconnecting, Disconnected}, rec.stateList(), test.name)
		if test.strategy.Kind == MonitorStrategy {
			ft.send(NewSample(F("value", Scalar(1.0))))
		}
		assert.Equal(t, 0, rec.nsamples(), "%s: data after Stop is dropped", test.name)
		assert.Equal(t, Disconnected, ch.State(), test.name)
	}
}

func TestChannelFirstDataConnects(t *testing.T) {
	ft := &fakeTransport{}
	ch := NewChannel("TEST:PV", ChannelAccess, ft)
	ch.Fields = []string{"timeStamp", "value"}
	var rec recorder
	require.NoError(t, ch.Start(rec.data, rec.status, Monitor()))
	assert.Equal(t, []string{"timeStamp", "value"}, ft.fields)
	ft.send(NewSample(F("value", Scalar(int32(3)))))
	assert.Equal(t, Connected, ch.State())
	ft.send(nil)
	assert.Equal(t, 1, rec.nsamples())
	ch.Close()
}

func TestChannelConnectionEvents(t *testing.T) {
	ft := &fakeTransport{}
	ch := NewChannel("TEST:PV", PvAccess, ft)
	var rec recorder
	require.NoError(t, ch.Start(rec.data, rec.status, Monitor()))
	ft.connection(true)
	ft.connection(false)
	assert.Equal(t, FailedToConnect, ch.State())
	rec.Lock()
	lastErr := rec.errs[len(rec.errs)-1]
	rec.Unlock()
	assert.ErrorIs(t, lastErr, ErrConnectFailed)
	ft.connection(true)
	assert.Equal(t, Connected, ch.State())

	// A stopped channel may be started again.
	ch.Stop()
	require.NoError(t, ch.Start(rec.data, rec.status, Monitor()))
	assert.Equal(t, 2, ft.subs)
	ch.Stop()
}

func TestChannelMonitorFailure(t *testing.T) {
	ft := &fakeTransport{monitorErr: errors.New("no such PV")}
	ch := NewChannel("TEST:PV", PvAccess, ft)
	var rec recorder
	err := ch.Start(rec.data, rec.status, Monitor())
	assert.ErrorIs(t, err, ErrConnectFailed)
	assert.Equal(t, FailedToConnect, ch.State())

	// Starting again from FailedToConnect is allowed.
	ft.Lock()
	ft.monitorErr = nil
	ft.Unlock()
	assert.NoError(t, ch.Start(rec.data, rec.status, Monitor()))
	ch.Stop()
	assert.Equal(t, Disconnected, ch.State())
}

func TestChannelPollSkipsWhileInFlight(t *testing.T) {
	ft := &fakeTransport{sample: NewSample(F("value", Scalar(2.0))), getDelay: 50 * time.Millisecond}
	ch := NewChannel("TEST:PV", ChannelAccess, ft)
	var rec recorder
	require.NoError(t, ch.Start(rec.data, rec.status, Poll(200)))
	time.Sleep(300 * time.Millisecond)
	ch.Stop()

	gets := ft.getCount()
	// At 200 Hz there are 60 ticks, but each get takes 50 ms.
	assert.GreaterOrEqual(t, gets, 2)
	assert.LessOrEqual(t, gets, 7)
	n := rec.nsamples()
	assert.LessOrEqual(t, n, gets)
	assert.Equal(t, Disconnected, ch.State())

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, n, rec.nsamples(), "no data callback after Stop")
	assert.Equal(t, gets, ft.getCount(), "no get after Stop")
}

func TestChannelPollFailureAndRecovery(t *testing.T) {
	ft := &fakeTransport{sample: NewSample(F("value", Scalar(2.0))), getErr: errors.New("timeout")}
	ch := NewChannel("TEST:PV", ChannelAccess, ft)
	var rec recorder
	require.NoError(t, ch.Start(rec.data, rec.status, Poll(100)))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, FailedToConnect, ch.State())
	assert.Zero(t, rec.nsamples())

	ft.Lock()
	ft.getErr = nil
	ft.Unlock()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, Connected, ch.State())
	assert.NotZero(t, rec.nsamples())
	ch.Stop()
}

func TestChannelBadPollRate(t *testing.T) {
	ch := NewChannel("TEST:PV", ChannelAccess, &fakeTransport{})
	assert.Error(t, ch.Start(nil, nil, Poll(0)))
	assert.Equal(t, Disconnected, ch.State())
}

func TestChannelGet(t *testing.T) {
	ft := &fakeTransport{sample: NewSample(F("value", Scalar(7.0)))}
	ch := NewChannel("TEST:PV", PvAccess, ft)
	s, err := ch.Get(context.Background())
	require.NoError(t, err)
	v, _ := s.Field("value")
	x, _ := v.Float()
	assert.Equal(t, 7.0, x)

	var rec recorder
	ch.SetStatusCallback(rec.status)
	ft.getErr = errors.New("unreachable")
	_, err = ch.Get(context.Background())
	assert.ErrorIs(t, err, ErrConnectFailed)
	assert.Equal(t, FailedToConnect, ch.State())
	assert.Equal(t, []ChannelState{FailedToConnect}, rec.stateList())

	_, err = ch.Introspect(context.Background())
	assert.ErrorIs(t, err, ErrConnectFailed)
}
