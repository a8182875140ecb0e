package protocol

import (
	"time"

	"github.com/danmuck/framewire/internal/protocol/frame"
	"github.com/danmuck/framewire/internal/protocol/schema"
	"github.com/danmuck/framewire/internal/protocol/tlv"
)

// PingFrame stamps a ping with the sender's clock.
func PingFrame(at time.Time) frame.Frame {
	return frame.Frame{
		Command: schema.CmdPing,
		Payload: tlv.EncodeFields([]tlv.Field{tlv.U64(schema.FieldTimestampNS, uint64(at.UnixNano()))}),
	}
}

// PongFrame answers ping with its payload unchanged.
func PongFrame(ping frame.Frame) frame.Frame {
	payload := make([]byte, len(ping.Payload))
	copy(payload, ping.Payload)
	return frame.Frame{Command: schema.CmdPong, Payload: payload}
}

// DecodeHeartbeat returns the timestamp carried by a ping or pong.
func DecodeHeartbeat(f frame.Frame) (time.Time, error) {
	cmd := schema.CmdPing
	if f.Command == schema.CmdPong {
		cmd = schema.CmdPong
	}
	fields, err := decodeStructured(f, cmd)
	if err != nil {
		return time.Time{}, err
	}
	ns, err := requiredU64(fields, schema.FieldTimestampNS)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(0, int64(ns)), nil
}

// CloseFrame asks the peer to end the session.
func CloseFrame() frame.Frame {
	return frame.Frame{Command: schema.CmdClose}
}

// DataFrame wraps an opaque payload.
func DataFrame(payload []byte) frame.Frame {
	return frame.Frame{Command: schema.CmdData, Payload: payload}
}
