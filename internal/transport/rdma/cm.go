package rdma

import (
	"context"
	"fmt"
	"time"
)

// MaxPrivateDataLen is the largest handshake payload a connect or accept may carry.
const MaxPrivateDataLen = 56

// CMBackend defines the connection-manager operations.
type CMBackend interface {
	CreateEventChannel() (EventChannel, error)
	DestroyEventChannel(ch EventChannel) error

	CreateID(ch EventChannel) (CMID, error)
	DestroyID(id CMID) error

	// ResolveAddr binds id to a local device for dst. src may be empty.
	ResolveAddr(id CMID, src, dst string, timeout time.Duration) error
	ResolveRoute(id CMID, timeout time.Duration) error

	// Listen binds id to addr (host:port) and starts accepting connect requests.
	Listen(id CMID, addr string, backlog int) error
	Connect(id CMID, param *ConnParam) error
	Accept(id CMID, param *ConnParam) error
	Disconnect(id CMID) error

	// GetEvent blocks until the channel yields an event or ctx is done.
	GetEvent(ctx context.Context, ch EventChannel) (*CMEvent, error)
	AckEvent(ev *CMEvent) error

	// Verbs returns the device context the identifier is bound to after
	// address resolution or a connect request.
	Verbs(id CMID) (VerbsContext, error)
	LocalAddr(id CMID) (string, error)
	CreateQP(id CMID, pd VerbsPD, attr *VerbsQPInitAttr) (VerbsQP, error)
}

// Provider is a complete fabric: verbs plus connection manager.
type Provider interface {
	VerbsBackend
	CMBackend

	Name() string
	Close() error
}

// Handle types for connection-manager objects.
type EventChannel uintptr
type CMID uintptr

// CMEventType enumerates connection-manager events.
type CMEventType int

const (
	CMEventAddrResolved CMEventType = iota
	CMEventAddrError
	CMEventRouteResolved
	CMEventRouteError
	CMEventConnectRequest
	CMEventConnectResponse
	CMEventConnectError
	CMEventUnreachable
	CMEventRejected
	CMEventEstablished
	CMEventDisconnected
	CMEventDeviceRemoval
	CMEventTimewaitExit
)

var cmEventNames = [...]string{
	CMEventAddrResolved:    "ADDR_RESOLVED",
	CMEventAddrError:       "ADDR_ERROR",
	CMEventRouteResolved:   "ROUTE_RESOLVED",
	CMEventRouteError:      "ROUTE_ERROR",
	CMEventConnectRequest:  "CONNECT_REQUEST",
	CMEventConnectResponse: "CONNECT_RESPONSE",
	CMEventConnectError:    "CONNECT_ERROR",
	CMEventUnreachable:     "UNREACHABLE",
	CMEventRejected:        "REJECTED",
	CMEventEstablished:     "ESTABLISHED",
	CMEventDisconnected:    "DISCONNECTED",
	CMEventDeviceRemoval:   "DEVICE_REMOVAL",
	CMEventTimewaitExit:    "TIMEWAIT_EXIT",
}

func (t CMEventType) String() string {
	if t >= 0 && int(t) < len(cmEventNames) {
		return cmEventNames[t]
	}

	return fmt.Sprintf("CMEventType(%d)", int(t))
}

// ConnParam carries handshake parameters.
type ConnParam struct {
	PrivateData        []byte
	InitiatorDepth     uint8
	ResponderResources uint8
	RetryCount         uint8
	RNRRetryCount      uint8
}

// CMEvent is one connection-manager event. For CONNECT_REQUEST, ID is the new
// per-connection identifier and ListenID the listening one.
type CMEvent struct {
	Type     CMEventType
	Status   int
	ID       CMID
	ListenID CMID
	Param    ConnParam

	ch EventChannel
}

func validatePrivateData(param *ConnParam) error {
	if param != nil && len(param.PrivateData) > MaxPrivateDataLen {
		return fmt.Errorf("%w: %d > %d bytes", ErrPrivateDataLimit, len(param.PrivateData), MaxPrivateDataLen)
	}

	return nil
}
