package errors

// Code roughly classifies an Error.
type Code string

const (
	// ErrBadConfig is used for invalid configuration that prevents startup.
	ErrBadConfig Code = "bad-config"
	// ErrCommunication is used for network-level problems like failed listens or
	// dropped connections.
	ErrCommunication Code = "communication"
	// ErrProtocolViolation is used for malformed data from a remote peer.
	ErrProtocolViolation Code = "protocol-violation"
	// ErrUSB is used for problems reported by the USB transport.
	ErrUSB Code = "usb"
	// ErrFatal is used for errors that require terminating the server.
	ErrFatal Code = "fatal"
	// ErrInternal is used for violated assumptions on our side.
	ErrInternal Code = "internal"
	// ErrUnexpected is used for errors without any details.
	ErrUnexpected Code = "unexpected"
)
