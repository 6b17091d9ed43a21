package protocol

import "fmt"

// Kind classifies an ALUP error so callers can switch on failure class
// without string matching, generalizing the teacher's plain %w wrapping
// into something a Session can branch on.
type Kind uint8

const (
	// KindUnknown is the zero value; never returned, only used as a guard.
	KindUnknown Kind = iota
	KindLinkUnavailable
	KindLinkClosed
	KindHandshakeTimeout
	KindFramingError
	KindCRCMismatch
	KindProtocolError
	KindTimeout
	KindBufferFull
	KindCancelled
	KindInvalidArgument
)

func (k Kind) String() string {
	switch k {
	case KindLinkUnavailable:
		return "LINK_UNAVAILABLE"
	case KindLinkClosed:
		return "LINK_CLOSED"
	case KindHandshakeTimeout:
		return "HANDSHAKE_TIMEOUT"
	case KindFramingError:
		return "FRAMING_ERROR"
	case KindCRCMismatch:
		return "CRC_MISMATCH"
	case KindProtocolError:
		return "PROTOCOL_ERROR"
	case KindTimeout:
		return "TIMEOUT"
	case KindBufferFull:
		return "BUFFER_FULL"
	case KindCancelled:
		return "CANCELLED"
	case KindInvalidArgument:
		return "INVALID_ARGUMENT"
	default:
		return "UNKNOWN"
	}
}

// Error is the concrete error type returned across package boundaries.
// Sequence is 0 when the error isn't tied to a specific frame.
type Error struct {
	Kind     Kind
	Sequence uint32
	Msg      string
	Cause    error
}

func (e *Error) Error() string {
	if e.Sequence != 0 {
		if e.Cause != nil {
			return fmt.Sprintf("alup: %s (sequence=%d): %s: %v", e.Kind, e.Sequence, e.Msg, e.Cause)
		}
		return fmt.Sprintf("alup: %s (sequence=%d): %s", e.Kind, e.Sequence, e.Msg)
	}
	if e.Cause != nil {
		return fmt.Sprintf("alup: %s: %s: %v", e.Kind, e.Msg, e.Cause)
	}
	return fmt.Sprintf("alup: %s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is supports errors.Is(err, protocol.Sentinel(protocol.KindX)) style
// checks: any *Error with the same Kind matches — see Sentinel below for
// the matching half.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == other.Kind
}

// New builds an *Error with the given kind and message.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap builds an *Error wrapping cause with the given kind and message.
func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Cause: cause}
}

// WrapSequence is Wrap with a frame sequence attached, for errors raised
// while matching or completing an in-flight frame.
func WrapSequence(kind Kind, sequence uint32, msg string, cause error) *Error {
	return &Error{Kind: kind, Sequence: sequence, Msg: msg, Cause: cause}
}

// Sentinel returns a zero-value *Error of the given kind, suitable as the
// target of errors.Is(err, protocol.Sentinel(protocol.KindTimeout)).
func Sentinel(kind Kind) *Error {
	return &Error{Kind: kind}
}
