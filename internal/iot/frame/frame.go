// Package frame implements the command/response wire codec: a compact
// binary format and a JSON variant, per contract in SPEC_FULL.md §4.1 / §6.
package frame

import (
	"fmt"

	rerrors "github.com/alxayo/go-iotcc/internal/errors"
)

// Origin identifies which transport produced or will carry a frame. It is
// set by the transport layer and must never be mutated by senders or by the
// command processor.
type Origin uint8

const (
	OriginNone Origin = iota
	OriginA           // short-range GATT-style transport
	OriginB           // pub/sub broker transport
)

func (o Origin) String() string {
	switch o {
	case OriginA:
		return "A"
	case OriginB:
		return "B"
	default:
		return "none"
	}
}

const (
	// MinOpLen / MaxOpLen bound the opcode length in bytes (§3 CommandFrame).
	MinOpLen = 1
	MaxOpLen = 15
)

// CommandFrame is a decoded inbound command. Payload ownership transfers to
// whoever dequeues the frame (the command processor), which drops its
// reference after dispatch.
type CommandFrame struct {
	ID      uint16
	Op      string
	Origin  Origin
	Payload []byte
}

// ResponseFrame is a command result awaiting encoding and transmission.
// Payload is owned by the producer until the final response of a stream is
// consumed by the egress transport.
type ResponseFrame struct {
	ID      uint16
	Origin  Origin
	Status  int8
	Payload []byte
	IsFinal bool
}

// DecodeCommand parses a binary command frame: id(2,LE) | opLen(1) | op(opLen) | payload(rest).
func DecodeCommand(buf []byte) (*CommandFrame, error) {
	if len(buf) < 3 {
		return nil, rerrors.NewProtocolError("frame.decode", fmt.Errorf("short frame: len=%d", len(buf)))
	}
	id := uint16(buf[0]) | uint16(buf[1])<<8
	opLen := int(buf[2])
	if opLen < MinOpLen || opLen > MaxOpLen {
		return nil, rerrors.NewProtocolError("frame.decode", fmt.Errorf("bad opLen: %d", opLen))
	}
	if 3+opLen > len(buf) {
		return nil, rerrors.NewProtocolError("frame.decode", fmt.Errorf("short frame: opLen=%d len=%d", opLen, len(buf)))
	}
	op := string(buf[3 : 3+opLen])
	var payload []byte
	if rest := buf[3+opLen:]; len(rest) > 0 {
		payload = append([]byte(nil), rest...)
	}
	return &CommandFrame{ID: id, Op: op, Payload: payload}, nil
}

// EncodeResponse serializes a binary response frame: id(2,LE) | opLen(1) | "ok"|"err" | status(1) | payload.
// This format is deliberately not symmetric with the command format; parse it
// back with DecodeResponse. DecodeCommand does not detect response frames: it
// accepts one as a command whose op is "ok" or "err" and whose payload starts
// with the status byte.
func EncodeResponse(id uint16, status int8, payload []byte) []byte {
	opStr := "err"
	if status == 0 {
		opStr = "ok"
	}
	out := make([]byte, 0, 2+1+len(opStr)+1+len(payload))
	out = append(out, byte(id), byte(id>>8))
	out = append(out, byte(len(opStr)))
	out = append(out, opStr...)
	out = append(out, byte(status))
	out = append(out, payload...)
	return out
}

// DecodeResponse parses a binary response frame produced by EncodeResponse.
// It explicitly refuses input that looks like a command frame (opStr must be
// exactly "ok" or "err") so the two wire formats cannot be confused.
func DecodeResponse(buf []byte) (id uint16, status int8, payload []byte, err error) {
	if len(buf) < 3 {
		return 0, 0, nil, rerrors.NewProtocolError("frame.decodeResponse", fmt.Errorf("short frame: len=%d", len(buf)))
	}
	id = uint16(buf[0]) | uint16(buf[1])<<8
	opLen := int(buf[2])
	if 3+opLen+1 > len(buf) {
		return 0, 0, nil, rerrors.NewProtocolError("frame.decodeResponse", fmt.Errorf("short frame: opLen=%d len=%d", opLen, len(buf)))
	}
	opStr := string(buf[3 : 3+opLen])
	if opStr != "ok" && opStr != "err" {
		return 0, 0, nil, rerrors.NewProtocolError("frame.decodeResponse", fmt.Errorf("not a response frame: opStr=%q", opStr))
	}
	status = int8(buf[3+opLen])
	if rest := buf[3+opLen+1:]; len(rest) > 0 {
		payload = append([]byte(nil), rest...)
	}
	return id, status, payload, nil
}
