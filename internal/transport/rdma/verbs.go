// Package rdma provides the verbs and connection-manager abstraction used by
// rdmaxfer, plus the connection state machine and resource handling built on
// top of it.
//
// The package defines two collaborator interfaces:
// - VerbsBackend: protection domains, completion queues, queue pairs, memory
//   registration, posting work requests and polling completions
// - CMBackend: event channels, connection identifiers, address and route
//   resolution, listen/connect/accept/disconnect and event delivery
//
// A Provider implements both. Two providers ship with the package, sharing
// one software verbs engine:
// - sim: in-process fabric for tests and loopback runs
// - quic: cross-process fabric carried over QUIC streams
package rdma

import (
	"errors"
	"fmt"
)

// Verbs errors.
var (
	ErrContextNotFound  = errors.New("device context not found")
	ErrPDNotFound       = errors.New("protection domain not found")
	ErrCQNotFound       = errors.New("completion queue not found")
	ErrQPNotFound       = errors.New("queue pair not found")
	ErrMRNotFound       = errors.New("memory region not found")
	ErrQPExists         = errors.New("queue pair already attached to identifier")
	ErrQPNotConnected   = errors.New("queue pair not connected")
	ErrSendQueueFull    = errors.New("send queue full")
	ErrRecvQueueFull    = errors.New("receive queue full")
	ErrInvalidSGE       = errors.New("invalid scatter/gather entry")
	ErrInvalidOpcode    = errors.New("unsupported work request opcode")
	ErrResourceBusy     = errors.New("resource still in use")
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrProviderClosed   = errors.New("provider closed")
	ErrPrivateDataLimit = errors.New("private data exceeds limit")
)

// VerbsBackend defines the verbs operations consumed by the connection and
// the bulk scheduler.
type VerbsBackend interface {
	// Protection Domain
	AllocPD(ctx VerbsContext) (VerbsPD, error)
	DeallocPD(pd VerbsPD) error

	// Completion Queue
	CreateCQ(ctx VerbsContext, cqe int) (VerbsCQ, error)
	DestroyCQ(cq VerbsCQ) error
	PollCQ(cq VerbsCQ, numEntries int) ([]VerbsWorkCompletion, error)

	// Queue Pair
	DestroyQP(qp VerbsQP) error
	QueryQP(qp VerbsQP) (*VerbsQPAttr, error)

	// Memory Registration
	RegMR(pd VerbsPD, buf []byte, access int) (VerbsMR, error)
	QueryMR(mr VerbsMR) (*VerbsMRInfo, error)
	DeregMR(mr VerbsMR) error

	// Work Requests
	PostSend(qp VerbsQP, wr *VerbsSendWR) error
	PostRecv(qp VerbsQP, wr *VerbsRecvWR) error
}

// Handle types for verbs objects.
type VerbsContext uintptr
type VerbsPD uintptr
type VerbsCQ uintptr
type VerbsQP uintptr
type VerbsMR uintptr

// QPType represents queue pair types.
type QPType int

const (
	QPTypeRC QPType = iota // Reliable Connection
	QPTypeUC               // Unreliable Connection
	QPTypeUD               // Unreliable Datagram
)

// QPState mirrors the verbs queue pair state machine.
type QPState int

const (
	QPStateReset QPState = iota
	QPStateInit
	QPStateRTR
	QPStateRTS
	QPStateError
)

func (s QPState) String() string {
	switch s {
	case QPStateReset:
		return "RESET"
	case QPStateInit:
		return "INIT"
	case QPStateRTR:
		return "RTR"
	case QPStateRTS:
		return "RTS"
	case QPStateError:
		return "ERR"
	default:
		return fmt.Sprintf("QPState(%d)", int(s))
	}
}

// Memory region access flags.
const (
	MRAccessLocalWrite  = 1 << 0
	MRAccessRemoteWrite = 1 << 1
	MRAccessRemoteRead  = 1 << 2
)

// Work request opcodes.
const (
	WROpRDMAWrite = iota
	WROpRDMARead
	WROpRDMAWriteImm // write that also consumes a receive at the responder
)

// Send flags.
const (
	SendFlagSignaled = 1 << 1
)

// Work completion status.
type WCStatus int

const (
	WCSuccess WCStatus = iota
	WCLocalLenErr
	WCLocalQPOpErr
	WCLocalProtErr
	WCWRFlushErr
	WCLocalAccessErr
	WCRemoteInvalidReqErr
	WCRemoteAccessErr
	WCRemoteOpErr
	WCRetryExcErr
	WCRNRRetryExcErr
	WCFatalErr
	WCGeneralErr
)

var wcStatusNames = map[WCStatus]string{
	WCSuccess:             "success",
	WCLocalLenErr:         "local length error",
	WCLocalQPOpErr:        "local QP operation error",
	WCLocalProtErr:        "local protection error",
	WCWRFlushErr:          "work request flushed",
	WCLocalAccessErr:      "local access error",
	WCRemoteInvalidReqErr: "remote invalid request",
	WCRemoteAccessErr:     "remote access error",
	WCRemoteOpErr:         "remote operation error",
	WCRetryExcErr:         "transport retry counter exceeded",
	WCRNRRetryExcErr:      "receiver not ready retry counter exceeded",
	WCFatalErr:            "fatal error",
	WCGeneralErr:          "general error",
}

func (s WCStatus) String() string {
	if name, ok := wcStatusNames[s]; ok {
		return name
	}

	return fmt.Sprintf("WCStatus(%d)", int(s))
}

// Work completion opcode.
type WCOpcode int

const (
	WCOpRDMAWrite WCOpcode = iota
	WCOpRDMARead
	WCOpRecv
	WCOpRecvRDMAWithImm
)

func (o WCOpcode) String() string {
	switch o {
	case WCOpRDMARead:
		return "rdma_read"
	case WCOpRecv:
		return "recv"
	case WCOpRecvRDMAWithImm:
		return "recv_rdma_with_imm"
	default:
		return "rdma_write"
	}
}

// isRecv reports whether the completion belongs to a receive work request.
func (o WCOpcode) isRecv() bool {
	return o == WCOpRecv || o == WCOpRecvRDMAWithImm
}

// Work completion flags.
const (
	WCFlagWithImm = 1 << 1
)

// VerbsWorkCompletion represents a work completion entry. ImmData is valid
// when Flags carries WCFlagWithImm.
type VerbsWorkCompletion struct {
	WRID    uint64
	Status  WCStatus
	Opcode  WCOpcode
	ByteLen uint32
	QPN     uint32
	Flags   int
	ImmData uint32
}

// HasImm reports whether the completion carries immediate data.
func (wc *VerbsWorkCompletion) HasImm() bool {
	return wc.Flags&WCFlagWithImm != 0
}

// VerbsQPAttr contains queue pair attributes.
type VerbsQPAttr struct {
	State   QPState
	QPN     uint32
	QPType  QPType
	Cap     VerbsQPCap
	Pending int // posted work requests not yet retired by a polled completion
}

// VerbsQPCap contains queue pair capabilities.
type VerbsQPCap struct {
	MaxSendWR  uint32
	MaxRecvWR  uint32
	MaxSendSge uint32
	MaxRecvSge uint32
}

// VerbsQPInitAttr is passed when creating a queue pair on a CM identifier.
type VerbsQPInitAttr struct {
	SendCQ VerbsCQ
	RecvCQ VerbsCQ
	QPType QPType
	Cap    VerbsQPCap
}

// VerbsMRInfo describes a registered memory region.
type VerbsMRInfo struct {
	Addr   uint64
	Length int
	Access int
	LKey   uint32
	RKey   uint32
}

// VerbsSendWR represents a send work request.
type VerbsSendWR struct {
	Next       *VerbsSendWR
	SGList     []VerbsSGE
	WRID       uint64
	Opcode     int
	SendFlags  int
	RemoteAddr uint64
	RKey       uint32
	ImmData    uint32 // sent with WROpRDMAWriteImm
}

// Signaled reports whether the request asks for a completion.
func (wr *VerbsSendWR) Signaled() bool {
	return wr.SendFlags&SendFlagSignaled != 0
}

// VerbsRecvWR represents a receive work request. A write with immediate
// data consumes one and completes it on the receive completion queue.
type VerbsRecvWR struct {
	Next   *VerbsRecvWR
	SGList []VerbsSGE
	WRID   uint64
}

// VerbsSGE represents a scatter/gather entry.
type VerbsSGE struct {
	Addr   uint64
	Length uint32
	LKey   uint32
}
