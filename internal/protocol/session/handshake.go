package session

import (
	"errors"
	"fmt"

	"github.com/danmuck/framewire/internal/auth"
	"github.com/danmuck/framewire/internal/protocol"
	"github.com/danmuck/framewire/internal/protocol/schema"
	"github.com/danmuck/framewire/internal/protocol/stream"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var ErrHandshakeRejected = errors.New("session: handshake rejected")

// ClientHandshake sends hs and waits for the server acknowledgement. A CmdError
// reply is returned as ErrHandshakeRejected wrapping the peer Fault.
func ClientHandshake(st *stream.Stream, hs protocol.Handshake) (protocol.Handshake, error) {
	if hs.Version == 0 {
		hs.Version = schema.Version
	}
	if err := hs.Validate(); err != nil {
		return protocol.Handshake{}, err
	}
	if err := st.Send(hs.Frame()); err != nil {
		return protocol.Handshake{}, fmt.Errorf("session: send handshake: %w", err)
	}
	reply, err := st.Next()
	if err != nil {
		return protocol.Handshake{}, fmt.Errorf("session: read handshake ack: %w", err)
	}
	switch reply.Command {
	case schema.CmdHandshake:
		ack, err := protocol.DecodeHandshake(reply)
		if err != nil {
			return protocol.Handshake{}, err
		}
		if ack.ConnID == "" {
			return protocol.Handshake{}, fmt.Errorf("%w: ack missing conn id", protocol.ErrInvalidHandshake)
		}
		log.Debug().Str("conn_id", ack.ConnID).Str("domain", ack.Domain).Msg("session.ClientHandshake ack")
		return ack, nil
	case schema.CmdError:
		fault, err := protocol.DecodeFault(reply)
		if err != nil {
			return protocol.Handshake{}, err
		}
		return protocol.Handshake{}, fmt.Errorf("%w: %w", ErrHandshakeRejected, fault)
	default:
		return protocol.Handshake{}, fmt.Errorf(
			"%w: got %s during handshake",
			protocol.ErrUnexpectedCommand,
			schema.CommandName(reply.Command),
		)
	}
}

// ServerHandshake reads the opening handshake, checks its token and replies
// with an ack carrying a fresh connection id. Rejections are reported to the
// peer as a Fault before the error is returned.
func ServerHandshake(st *stream.Stream, validator auth.Validator) (protocol.Handshake, error) {
	if validator == nil {
		validator = auth.AllowAll{}
	}
	first, err := st.Next()
	if err != nil {
		return protocol.Handshake{}, fmt.Errorf("session: read handshake: %w", err)
	}
	if first.Command != schema.CmdHandshake {
		return protocol.Handshake{}, reject(st, fmt.Errorf(
			"%w: expected handshake, got %s",
			protocol.ErrInvalidHandshake,
			schema.CommandName(first.Command),
		))
	}
	hs, err := protocol.DecodeHandshake(first)
	if err != nil {
		return protocol.Handshake{}, reject(st, err)
	}
	if err := hs.Validate(); err != nil {
		return protocol.Handshake{}, reject(st, err)
	}
	if err := validator.Validate(hs.Token); err != nil {
		return protocol.Handshake{}, reject(st, fmt.Errorf("%w: %v", protocol.ErrUnauthorized, err))
	}

	hs.Token = ""
	hs.ConnID = uuid.NewString()
	if err := st.Send(hs.Frame()); err != nil {
		return protocol.Handshake{}, fmt.Errorf("session: send handshake ack: %w", err)
	}
	return hs, nil
}

func reject(st *stream.Stream, cause error) error {
	if err := st.Send(protocol.FaultFromError(cause).Frame()); err != nil {
		log.Warn().Err(err).Msg("session.reject send fault failed")
	}
	return cause
}
