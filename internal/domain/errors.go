package domain

import (
	"errors"
	"fmt"
)

var (
	ErrProtocolViolation  = errors.New("protocol violation")
	ErrCapabilityMismatch = errors.New("capability mismatch")
	ErrGatewayFailure     = errors.New("media engine failure")
	ErrUnknownPeer        = errors.New("unknown peer")
	ErrUnknownMeeting     = errors.New("unknown meeting")
	ErrEngineFatal        = errors.New("media engine died")
	ErrBadRequest         = errors.New("bad request")
)

var (
	ErrDuplicatePeer     = fmt.Errorf("%w: peer already joined", ErrProtocolViolation)
	ErrNotJoined         = fmt.Errorf("%w: join first", ErrProtocolViolation)
	ErrNoSendTransport   = fmt.Errorf("%w: no send transport", ErrProtocolViolation)
	ErrUnknownTransport  = fmt.Errorf("%w: unknown transport", ErrProtocolViolation)
	ErrUnknownProducer   = fmt.Errorf("%w: unknown producer", ErrProtocolViolation)
	ErrUnknownConsumer   = fmt.Errorf("%w: unknown consumer", ErrProtocolViolation)
	ErrTransportCreation = fmt.Errorf("%w: transport creation failed", ErrGatewayFailure)
	ErrCannotConsume     = fmt.Errorf("%w: cannot consume", ErrCapabilityMismatch)
)

// Code maps err to the short code sent to clients.
// More specific sentinels are checked before the kinds they wrap.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrDuplicatePeer):
		return "duplicate_peer"
	case errors.Is(err, ErrNoSendTransport):
		return "no_send_transport"
	case errors.Is(err, ErrTransportCreation):
		return "transport_creation_error"
	case errors.Is(err, ErrCannotConsume):
		return "cannot_consume"
	case errors.Is(err, ErrProtocolViolation):
		return "protocol_violation"
	case errors.Is(err, ErrCapabilityMismatch):
		return "capability_mismatch"
	case errors.Is(err, ErrEngineFatal):
		return "engine_fatal"
	case errors.Is(err, ErrGatewayFailure):
		return "gateway_failure"
	case errors.Is(err, ErrUnknownPeer):
		return "unknown_peer"
	case errors.Is(err, ErrUnknownMeeting):
		return "unknown_meeting"
	case errors.Is(err, ErrBadRequest):
		return "bad_request"
	default:
		return "internal"
	}
}
