package pvscope

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Errors reported by the engine. Wrapped with fmt.Errorf("...: %w", ...) where context helps.
var (
	ErrConnectFailed    = errors.New("connect failed")
	ErrProtocolInvalid  = errors.New("invalid protocol")
	ErrStructureInvalid = errors.New("invalid PV structure")
	ErrTriggerTimeField = errors.New("trigger time field not configured")
)

// Protocol selects the EPICS wire protocol of a channel. The zero value is PvAccess, the
// default for subject PVs.
type Protocol int

// Names for the possible values of Protocol
const (
	PvAccess      Protocol = iota // structured protocol
	ChannelAccess                 // legacy request/response protocol, single value field
)

func (p Protocol) String() string {
	switch p {
	case ChannelAccess:
		return "ca"
	case PvAccess:
		return "pva"
	}
	return fmt.Sprintf("Protocol(%d)", int(p))
}

// ParseProtocol accepts "ca" or "pva" in any case.
func ParseProtocol(s string) (Protocol, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "ca":
		return ChannelAccess, nil
	case "pva":
		return PvAccess, nil
	}
	return 0, fmt.Errorf("%w: %q, want ca or pva", ErrProtocolInvalid, s)
}

// ParsePVName splits "[<protocol>://]<name>". When no protocol is given, def is used.
func ParsePVName(s string, def Protocol) (string, Protocol, error) {
	s = strings.TrimSpace(s)
	if i := strings.Index(s, "://"); i >= 0 {
		p, err := ParseProtocol(s[:i])
		if err != nil {
			return "", 0, err
		}
		return s[i+3:], p, nil
	}
	return s, def, nil
}

// MonitorHandler receives the callbacks of a monitor subscription. OnConnection may be nil.
// The transport calls OnData in update order for one subscription.
type MonitorHandler struct {
	OnData       func(*Sample)
	OnConnection func(up bool)
}

// Subscription is a live monitor. Close cancels it.
type Subscription interface {
	Close() error
}

// Transport is the client side of one EPICS protocol. fields restricts the requested
// top-level fields; nil requests the full structure.
type Transport interface {
	Get(ctx context.Context, name string, fields []string) (*Sample, error)
	Introspect(ctx context.Context, name string) (Descriptor, error)
	Monitor(name string, fields []string, handler MonitorHandler) (Subscription, error)
}
