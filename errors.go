package nsq

import "fmt"

// ErrConfig is returned by NewConsumer/NewProducer/Config.Validate when
// the supplied configuration is invalid. It is the only error class
// that is fatal to construction rather than to a single connection
// (§7).
type ErrConfig struct {
	Reason string
}

func (e ErrConfig) Error() string {
	return fmt.Sprintf("configuration error: %s", e.Reason)
}

// ErrIdentify is returned when the IDENTIFY handshake (including any
// TLS/compression/AUTH upgrade it triggers) fails.
type ErrIdentify struct {
	Reason string
}

func (e ErrIdentify) Error() string {
	return fmt.Sprintf("failed to IDENTIFY - %s", e.Reason)
}

// ErrProtocol represents a malformed frame: bad size, unexpected frame
// type, truncated payload.
type ErrProtocol struct {
	Reason string
}

func (e ErrProtocol) Error() string {
	return fmt.Sprintf("protocol error - %s", e.Reason)
}

// ErrIntegrity represents a structurally valid frame whose contents
// violate an invariant the client depends on (e.g. a message ID of
// the wrong length).
type ErrIntegrity struct {
	Reason string
}

func (e ErrIntegrity) Error() string {
	return fmt.Sprintf("integrity error - %s", e.Reason)
}

// ErrNotConnected is returned by Producer operations performed before
// a connection has been (re-)established.
var ErrNotConnected = fmt.Errorf("not connected")

// ErrStopped is returned by operations performed against a Producer
// that has already been told to Stop.
var ErrStopped = fmt.Errorf("stopped")

// ErrClosing is returned when an operation is attempted against a Conn
// that has begun its close sequence.
var ErrClosing = fmt.Errorf("closing")

// ErrOverMaxRDYCount describes a RDY count higher than the
// broker-negotiated maximum for a connection. Conn.SetRDY does not
// return it: it clamps such a count to the maximum instead.
var ErrOverMaxRDYCount = fmt.Errorf("over max RDY count")

// ErrAlreadyConnected is returned by Consumer.ConnectToNSQD when the
// requested address is already part of the connection set.
var ErrAlreadyConnected = fmt.Errorf("already connected")
