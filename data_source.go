package pvscope

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/davecgh/go-spew/spew"
)

// DefaultCheckTimeout bounds the connectivity check of UpdateDevice and UpdateTrigger.
const DefaultCheckTimeout = 3 * time.Second

type channelKey struct {
	name     string
	protocol Protocol
}

// subjectRun remembers how the subject channel was last started, so UpdateDevice can restart
// a replacement channel the same way.
type subjectRun struct {
	data     DataCallback
	status   StatusCallback
	strategy Strategy
}

// DataSource is the registry of channels. It holds the subject PV (the scope or image data)
// and an optional trigger PV.
type DataSource struct {
	transports   map[Protocol]Transport
	channels     map[channelKey]*Channel
	subject      *Channel
	trigger      *Channel
	run          *subjectRun
	CheckTimeout time.Duration
	closed       bool
	sync.Mutex   // guards all of the above
}

// NewDataSource creates a DataSource that opens channels on the given transports.
func NewDataSource(transports map[Protocol]Transport) *DataSource {
	return &DataSource{
		transports:   transports,
		channels:     make(map[channelKey]*Channel),
		CheckTimeout: DefaultCheckTimeout,
	}
}

// CreateConnection returns the cached channel for (name, protocol), creating it if needed.
func (ds *DataSource) CreateConnection(name string, protocol Protocol) (*Channel, error) {
	ds.Lock()
	defer ds.Unlock()
	return ds.createConnection(name, protocol)
}

func (ds *DataSource) createConnection(name string, protocol Protocol) (*Channel, error) {
	key := channelKey{name, protocol}
	if ch, ok := ds.channels[key]; ok {
		return ch, nil
	}
	transport, ok := ds.transports[protocol]
	if !ok || transport == nil {
		return nil, fmt.Errorf("%w: no transport for protocol %v", ErrProtocolInvalid, protocol)
	}
	ch := NewChannel(name, protocol, transport)
	ds.channels[key] = ch
	return ch, nil
}

// Subject returns the current subject channel, or nil.
func (ds *DataSource) Subject() *Channel {
	ds.Lock()
	defer ds.Unlock()
	return ds.subject
}

// Trigger returns the current trigger channel, or nil.
func (ds *DataSource) Trigger() *Channel {
	ds.Lock()
	defer ds.Unlock()
	return ds.trigger
}

func (ds *DataSource) checkConnect(ch *Channel) (*Sample, error) {
	ctx, cancel := context.WithTimeout(context.Background(), ds.CheckTimeout)
	defer cancel()
	return ch.Get(ctx)
}

// StartDevice starts the subject channel and remembers the handlers for later restarts.
func (ds *DataSource) StartDevice(data DataCallback, status StatusCallback, strategy Strategy) error {
	ds.Lock()
	ds.run = &subjectRun{data: data, status: status, strategy: strategy}
	subject := ds.subject
	ds.Unlock()
	if subject == nil {
		return fmt.Errorf("no subject PV is set")
	}
	return subject.Start(data, status, strategy)
}

// StopDevice stops the subject channel, if any.
func (ds *DataSource) StopDevice() {
	if subject := ds.Subject(); subject != nil {
		subject.Stop()
	}
}

// UpdateDevice replaces the subject PV. The current subject is stopped; a non-empty name is
// resolved, checked with a blocking Get, and (if restart is set) started with the handlers of
// the last StartDevice call. An empty name just clears the subject.
func (ds *DataSource) UpdateDevice(name string, protocol Protocol, restart bool) error {
	ds.Lock()
	old, run := ds.subject, ds.run
	ds.subject = nil
	ds.Unlock()
	if old != nil {
		old.Stop()
	}
	if name == "" {
		return nil
	}

	ds.Lock()
	ch, err := ds.createConnection(name, protocol)
	ds.Unlock()
	if err != nil {
		return err
	}
	if run != nil {
		ch.SetStatusCallback(run.status)
	}
	if _, err := ds.checkConnect(ch); err != nil {
		return err
	}
	ds.Lock()
	ds.subject = ch
	ds.Unlock()
	UpdateLogger.Printf("subject PV is now %v://%s", protocol, name)

	if restart && run != nil {
		return ch.Start(run.data, run.status, run.strategy)
	}
	return nil
}

// UpdateTrigger replaces the trigger PV, checks it, and returns the names of the top-level
// fields of its structure so a time field can be chosen.
func (ds *DataSource) UpdateTrigger(name string, protocol Protocol) ([]string, error) {
	ds.Lock()
	old := ds.trigger
	ds.trigger = nil
	ds.Unlock()
	if old != nil {
		old.Stop()
	}
	if name == "" {
		return nil, nil
	}

	ds.Lock()
	ch, err := ds.createConnection(name, protocol)
	ds.Unlock()
	if err != nil {
		return nil, err
	}
	sample, err := ds.checkConnect(ch)
	if err != nil {
		return nil, err
	}
	ds.Lock()
	ds.trigger = ch
	ds.Unlock()

	fields := sample.Fields()
	names := make([]string, 0, len(fields))
	for _, f := range fields {
		names = append(names, f.Name)
	}
	UpdateLogger.Printf("trigger PV is now %v://%s with fields %v", protocol, name, names)
	return names, nil
}

// StartTrigger starts monitoring the trigger PV. Channel Access trigger PVs request the
// {timeStamp, value} field set explicitly; pvAccess trigger PVs get the full structure.
func (ds *DataSource) StartTrigger(data DataCallback, status StatusCallback) error {
	trig := ds.Trigger()
	if trig == nil {
		return fmt.Errorf("no trigger PV is set")
	}
	if trig.Protocol == ChannelAccess {
		trig.Fields = []string{"timeStamp", "value"}
	} else {
		trig.Fields = nil
	}
	return trig.Start(data, status, Monitor())
}

// StopTrigger stops the trigger channel, if any.
func (ds *DataSource) StopTrigger() {
	if trig := ds.Trigger(); trig != nil {
		trig.Stop()
	}
}

// GetFDR introspects the subject PV and returns the dotted names of its array (and
// sub-array) fields and of its scalar fields.
func (ds *DataSource) GetFDR() (arrays []string, scalars []string, err error) {
	subject := ds.Subject()
	if subject == nil {
		return nil, nil, fmt.Errorf("no subject PV is set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), ds.CheckTimeout)
	defer cancel()
	desc, err := subject.Introspect(ctx)
	if err != nil {
		return nil, nil, err
	}
	if Verbose {
		UpdateLogger.Printf("structure of %s:\n%s", subject.Name, spew.Sdump(desc))
	}
	arrays, scalars = desc.Split()
	return arrays, scalars, nil
}

// Close stops every channel. It is idempotent.
func (ds *DataSource) Close() {
	ds.Lock()
	if ds.closed {
		ds.Unlock()
		return
	}
	ds.closed = true
	chans := make([]*Channel, 0, len(ds.channels))
	for _, ch := range ds.channels {
		chans = append(chans, ch)
	}
	ds.subject, ds.trigger = nil, nil
	ds.Unlock()

	var wg sync.WaitGroup
	for _, ch := range chans {
		wg.Add(1)
		go func(ch *Channel) {
			defer wg.Done()
			ch.Stop()
		}(ch)
	}
	wg.Wait()
}
