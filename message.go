package nsq

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"io/ioutil"
	"sync/atomic"
	"time"
)

// MsgIDLength is the fixed number of bytes occupied by a Message's id.
const MsgIDLength = 16

// MessageID is the opaque, ASCII, fixed-length identifier nsqd assigns
// a message.
type MessageID [MsgIDLength]byte

// Message is the fundamental unit handed to a Handler. It carries a
// back-reference to the Conn it arrived on (not ownership of it, per
// spec.md §9's cyclic-reference note) so Finish/Requeue/Touch can route
// their wire commands without the caller threading a Conn through.
type Message struct {
	ID        MessageID
	Body      []byte
	Timestamp int64
	Attempts  uint16

	NSQDAddress string

	delegate messageDelegate

	autoResponseDisabled int32
	responded            int32
}

// messageDelegate is the (small, internal) capability a Message uses
// to route its terminal response back to the owning Conn. Conn
// implements it, so a delivered Message's delegate is its *Conn, seen
// only through these three methods.
type messageDelegate interface {
	OnFinish(*Message)
	OnRequeue(m *Message, delay time.Duration, backoff bool)
	OnTouch(*Message)
}

// NewMessage creates a Message with the current time as its Timestamp.
// Exposed chiefly for tests that need to synthesize a Message without
// a live Conn.
func NewMessage(id MessageID, body []byte) *Message {
	return &Message{
		ID:        id,
		Body:      body,
		Timestamp: time.Now().UnixNano(),
	}
}

// DisableAutoResponse disables the automatic response that would
// otherwise be sent when a synchronous Handler returns. This is the
// async mode described by spec.md §4.6: the handler must eventually
// call Finish, Requeue, or rely on the broker-side visibility timeout.
func (m *Message) DisableAutoResponse() {
	atomic.StoreInt32(&m.autoResponseDisabled, 1)
}

// IsAutoResponseDisabled reports whether DisableAutoResponse was called.
func (m *Message) IsAutoResponseDisabled() bool {
	return atomic.LoadInt32(&m.autoResponseDisabled) == 1
}

// HasResponded reports whether a terminal response has already been
// sent for this message.
func (m *Message) HasResponded() bool {
	return atomic.LoadInt32(&m.responded) == 1
}

// Finish sends FIN to the originating nsqd. Calling Finish a second
// time (or calling it after Requeue) is a handler bug; it is
// defensively ignored rather than producing a duplicate FIN on the
// wire (spec.md §3, §8 idempotence property).
func (m *Message) Finish() {
	if !atomic.CompareAndSwapInt32(&m.responded, 0, 1) {
		return
	}
	if m.delegate != nil {
		m.delegate.OnFinish(m)
	}
}

// Requeue sends REQ to the originating nsqd with the given delay,
// encoded in whole milliseconds (truncated toward zero). A delay
// shorter than one millisecond, such as the -1 the Consumer passes for
// a failed handler, is sent as 0: redeliver immediately. backoff marks this outcome as a failure for the purposes of the
// Consumer's backoff controller (spec.md §4.5); a handler that wants
// to requeue without tripping backoff (e.g. a deliberate "try again
// later" signal, not a processing failure) should pass backoff=false.
func (m *Message) Requeue(delay time.Duration, backoff bool) {
	if !atomic.CompareAndSwapInt32(&m.responded, 0, 1) {
		return
	}
	if m.delegate != nil {
		m.delegate.OnRequeue(m, delay, backoff)
	}
}

// Touch resets the broker-side visibility timeout for this message. It
// may be called any number of times before a terminal response.
func (m *Message) Touch() {
	if m.HasResponded() {
		return
	}
	if m.delegate != nil {
		m.delegate.OnTouch(m)
	}
}

// WriteTo serializes the message into w in the wire format documented
// by spec.md §4.1: 8-byte timestamp, 2-byte attempts, 16-byte id, body.
func (m *Message) WriteTo(w io.Writer) (int64, error) {
	var total int64

	err := binary.Write(w, binary.BigEndian, &m.Timestamp)
	if err != nil {
		return total, err
	}
	total += 8

	err = binary.Write(w, binary.BigEndian, &m.Attempts)
	if err != nil {
		return total, err
	}
	total += 2

	n, err := w.Write(m.ID[:])
	total += int64(n)
	if err != nil {
		return total, err
	}

	n, err = w.Write(m.Body)
	total += int64(n)
	return total, err
}

// DecodeMessage parses a message frame payload (as delivered by
// FrameTypeMessage) into a Message.
func DecodeMessage(raw []byte) (*Message, error) {
	var msg Message

	if len(raw) < 10+MsgIDLength {
		return nil, ErrIntegrity{Reason: fmt.Sprintf("message frame too short (%d bytes)", len(raw))}
	}

	buf := bytes.NewReader(raw)

	err := binary.Read(buf, binary.BigEndian, &msg.Timestamp)
	if err != nil {
		return nil, ErrProtocol{Reason: err.Error()}
	}

	err = binary.Read(buf, binary.BigEndian, &msg.Attempts)
	if err != nil {
		return nil, ErrProtocol{Reason: err.Error()}
	}

	_, err = io.ReadFull(buf, msg.ID[:])
	if err != nil {
		return nil, ErrProtocol{Reason: err.Error()}
	}

	msg.Body, err = ioutil.ReadAll(buf)
	if err != nil {
		return nil, ErrProtocol{Reason: err.Error()}
	}

	return &msg, nil
}
