package rdma

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Frame layout on a connection stream: type u8 | length u32 | body.
type frameType uint8

const (
	frameREQ frameType = iota + 1
	frameREP
	frameRTU
	frameDREQ
	frameWrite
	frameRead
	frameAck
	frameReadResp
	frameWriteImm
)

const (
	frameHeaderLen = 5
	writeHeaderLen = 20 // wrid u64 | raddr u64 | rkey u32
	immHeaderLen   = 24 // write header | imm u32
	readReqLen     = 24 // wrid u64 | raddr u64 | rkey u32 | len u32
	ackLen         = 9  // wrid u64 | status u8

	// MaxMessageSize bounds the length of a single one-sided operation.
	MaxMessageSize = 256 << 20

	maxFrameLen = MaxMessageSize + immHeaderLen
)

var errProtocol = errors.New("connection protocol violation")

func writeFrame(w io.Writer, typ frameType, body []byte, extra ...[]byte) error {
	n := len(body)
	for _, e := range extra {
		n += len(e)
	}
	if n > maxFrameLen {
		return fmt.Errorf("%w: frame of %d bytes", errProtocol, n)
	}

	hdr := make([]byte, frameHeaderLen, frameHeaderLen+len(body))
	hdr[0] = byte(typ)
	binary.BigEndian.PutUint32(hdr[1:], uint32(n)) //nolint:gosec // G115: bounded by MaxMessageSize
	hdr = append(hdr, body...)

	if _, err := w.Write(hdr); err != nil {
		return err
	}

	for _, e := range extra {
		if len(e) == 0 {
			continue
		}
		if _, err := w.Write(e); err != nil {
			return err
		}
	}

	return nil
}

// readFrame reads one frame, reusing buf when it is large enough.
func readFrame(r io.Reader, buf []byte) (frameType, []byte, error) {
	var hdr [frameHeaderLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, err
	}

	n := binary.BigEndian.Uint32(hdr[1:])
	if n > maxFrameLen {
		return 0, nil, fmt.Errorf("%w: frame of %d bytes", errProtocol, n)
	}

	if uint32(cap(buf)) < n {
		buf = make([]byte, n)
	}
	buf = buf[:n]

	if _, err := io.ReadFull(r, buf); err != nil {
		return 0, nil, err
	}

	return frameType(hdr[0]), buf, nil
}

// REQ and REP body: initiator depth u8 | responder resources u8 | private data.
func encodeCMBody(param *ConnParam) []byte {
	b := make([]byte, 2, 2+len(param.PrivateData))
	b[0] = param.InitiatorDepth
	b[1] = param.ResponderResources

	return append(b, param.PrivateData...)
}

func decodeCMBody(b []byte) (ConnParam, error) {
	if len(b) < 2 {
		return ConnParam{}, fmt.Errorf("%w: handshake body of %d bytes", errProtocol, len(b))
	}
	if len(b)-2 > MaxPrivateDataLen {
		return ConnParam{}, fmt.Errorf("%w: %d bytes", ErrPrivateDataLimit, len(b)-2)
	}

	param := ConnParam{
		InitiatorDepth:     b[0],
		ResponderResources: b[1],
	}
	if len(b) > 2 {
		param.PrivateData = append([]byte(nil), b[2:]...)
	}

	return param, nil
}

// encodeWriteHeader returns the header of a WRITE or WRITE_IMM frame; the
// immediate is appended for WROpRDMAWriteImm.
func encodeWriteHeader(op linkOp) []byte {
	n := writeHeaderLen
	if op.opcode == WROpRDMAWriteImm {
		n = immHeaderLen
	}

	b := make([]byte, n)
	binary.BigEndian.PutUint64(b[0:8], op.wrid)
	binary.BigEndian.PutUint64(b[8:16], op.remoteAddr)
	binary.BigEndian.PutUint32(b[16:20], op.rkey)
	if n == immHeaderLen {
		binary.BigEndian.PutUint32(b[20:24], op.imm)
	}

	return b
}

func decodeWriteHeader(typ frameType, b []byte) (linkOp, []byte, error) {
	n := writeHeaderLen
	if typ == frameWriteImm {
		n = immHeaderLen
	}
	if len(b) < n {
		return linkOp{}, nil, fmt.Errorf("%w: write frame of %d bytes", errProtocol, len(b))
	}

	op := linkOp{
		opcode:     WROpRDMAWrite,
		wrid:       binary.BigEndian.Uint64(b[0:8]),
		remoteAddr: binary.BigEndian.Uint64(b[8:16]),
		rkey:       binary.BigEndian.Uint32(b[16:20]),
	}
	if typ == frameWriteImm {
		op.opcode = WROpRDMAWriteImm
		op.imm = binary.BigEndian.Uint32(b[20:24])
	}

	return op, b[n:], nil
}

func encodeReadRequest(op linkOp) []byte {
	b := make([]byte, readReqLen)
	binary.BigEndian.PutUint64(b[0:8], op.wrid)
	binary.BigEndian.PutUint64(b[8:16], op.remoteAddr)
	binary.BigEndian.PutUint32(b[16:20], op.rkey)
	binary.BigEndian.PutUint32(b[20:24], uint32(op.length)) //nolint:gosec // G115: bounded by MaxMessageSize

	return b
}

func decodeReadRequest(b []byte) (linkOp, error) {
	if len(b) != readReqLen {
		return linkOp{}, fmt.Errorf("%w: read frame of %d bytes", errProtocol, len(b))
	}

	op := linkOp{
		opcode:     WROpRDMARead,
		wrid:       binary.BigEndian.Uint64(b[0:8]),
		remoteAddr: binary.BigEndian.Uint64(b[8:16]),
		rkey:       binary.BigEndian.Uint32(b[16:20]),
		length:     int(binary.BigEndian.Uint32(b[20:24])),
	}
	if op.length > MaxMessageSize {
		return linkOp{}, fmt.Errorf("%w: read of %d bytes", errProtocol, op.length)
	}

	return op, nil
}

func encodeAck(wrid uint64, status WCStatus) []byte {
	b := make([]byte, ackLen)
	binary.BigEndian.PutUint64(b[0:8], wrid)
	b[8] = byte(status)

	return b
}

// decodeAck parses ACK and READ_RESP bodies; data is empty for ACK.
func decodeAck(b []byte) (uint64, WCStatus, []byte, error) {
	if len(b) < ackLen {
		return 0, 0, nil, fmt.Errorf("%w: ack frame of %d bytes", errProtocol, len(b))
	}

	return binary.BigEndian.Uint64(b[0:8]), WCStatus(b[8]), b[ackLen:], nil
}
