package nsq

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"
)

// Command encodes a single line of the NSQ TCP protocol: a command
// name, zero or more space-separated parameters, and an optional
// length-prefixed body (spec.md §4.1/§6).
type Command struct {
	Name   []byte
	Params [][]byte
	Body   []byte
}

var (
	space   = []byte(" ")
	newline = []byte("\n")
)

// String renders the command line for logging, without the body.
func (c *Command) String() string {
	if len(c.Params) == 0 {
		return string(c.Name)
	}
	return fmt.Sprintf("%s %s", c.Name, bytes.Join(c.Params, space))
}

// WriteTo writes the wire form of the command to w: name, params
// joined by single spaces, a trailing newline, and — if Body is
// non-nil — a 4-byte big-endian length followed by the body itself.
// w should be buffered; WriteTo issues one Write call per field.
func (c *Command) WriteTo(w io.Writer) (int64, error) {
	var total int64

	n, err := w.Write(c.Name)
	total += int64(n)
	if err != nil {
		return total, err
	}

	for _, param := range c.Params {
		n, err = w.Write(space)
		total += int64(n)
		if err != nil {
			return total, err
		}
		n, err = w.Write(param)
		total += int64(n)
		if err != nil {
			return total, err
		}
	}

	n, err = w.Write(newline)
	total += int64(n)
	if err != nil {
		return total, err
	}

	if c.Body == nil {
		return total, nil
	}

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(c.Body)))
	n, err = w.Write(lenBuf[:])
	total += int64(n)
	if err != nil {
		return total, err
	}
	n, err = w.Write(c.Body)
	total += int64(n)
	return total, err
}

// Identify builds the IDENTIFY command. js is marshaled to JSON as the
// body, which keeps the negotiated option set free to grow without a
// wire format change (spec.md §6).
func Identify(js map[string]interface{}) (*Command, error) {
	body, err := json.Marshal(js)
	if err != nil {
		return nil, err
	}
	return &Command{Name: []byte("IDENTIFY"), Body: body}, nil
}

// Auth builds the AUTH command, sent after IDENTIFY when the broker's
// response set auth_required.
func Auth(secret string) (*Command, error) {
	return &Command{Name: []byte("AUTH"), Body: []byte(secret)}, nil
}

// Register builds the REGISTER command, announcing a topic (and
// optionally a channel) to the connected nsqd ahead of publishing.
func Register(topic, channel string) *Command {
	return &Command{Name: []byte("REGISTER"), Params: topicChannelParams(topic, channel)}
}

// UnRegister builds the UNREGISTER command, the inverse of Register.
func UnRegister(topic, channel string) *Command {
	return &Command{Name: []byte("UNREGISTER"), Params: topicChannelParams(topic, channel)}
}

func topicChannelParams(topic, channel string) [][]byte {
	params := [][]byte{[]byte(topic)}
	if channel != "" {
		params = append(params, []byte(channel))
	}
	return params
}

// Ping builds the PING command. Nothing in this repo issues it — NSQ's
// heartbeat/NOP pair supersedes it — kept for parity with tooling that
// still expects it on the wire.
func Ping() *Command {
	return &Command{Name: []byte("PING")}
}

// Publish builds the PUB command: one message to topic.
func Publish(topic string, body []byte) *Command {
	return &Command{Name: []byte("PUB"), Params: [][]byte{[]byte(topic)}, Body: body}
}

// DeferredPublish builds the DPUB command: a single message that
// nsqd queues at the channel level until delay has elapsed.
func DeferredPublish(topic string, delay time.Duration, body []byte) *Command {
	params := [][]byte{[]byte(topic), []byte(strconv.Itoa(int(delay / time.Millisecond)))}
	return &Command{Name: []byte("DPUB"), Params: params, Body: body}
}

// MultiPublish builds the MPUB command, batching several message
// bodies onto one topic in a single round trip: a 4-byte count
// followed by each body's own 4-byte length prefix and bytes.
func MultiPublish(topic string, bodies [][]byte) (*Command, error) {
	bodySize := 4
	for _, b := range bodies {
		bodySize += 4 + len(b)
	}
	buf := bytes.NewBuffer(make([]byte, 0, bodySize))

	if err := binary.Write(buf, binary.BigEndian, uint32(len(bodies))); err != nil {
		return nil, err
	}
	for _, b := range bodies {
		if err := binary.Write(buf, binary.BigEndian, int32(len(b))); err != nil {
			return nil, err
		}
		if _, err := buf.Write(b); err != nil {
			return nil, err
		}
	}

	return &Command{
		Name:   []byte("MPUB"),
		Params: [][]byte{[]byte(topic)},
		Body:   buf.Bytes(),
	}, nil
}

// Subscribe builds the SUB command, binding this connection to a
// topic/channel pair. nsqd will not deliver any message until a
// subsequent RDY raises the in-flight credit above zero.
func Subscribe(topic, channel string) *Command {
	return &Command{Name: []byte("SUB"), Params: [][]byte{[]byte(topic), []byte(channel)}}
}

// Ready builds the RDY command, the client's in-flight credit grant —
// the mechanism spec.md §4.4 calls the global RDY budget.
func Ready(count int) *Command {
	return &Command{Name: []byte("RDY"), Params: [][]byte{[]byte(strconv.Itoa(count))}}
}

// Finish builds the FIN command: message id has been processed
// successfully and should not be redelivered.
func Finish(id MessageID) *Command {
	return &Command{Name: []byte("FIN"), Params: [][]byte{id[:]}}
}

// Requeue builds the REQ command: message id should be redelivered
// after delay (0 means immediately).
func Requeue(id MessageID, delay time.Duration) *Command {
	params := [][]byte{id[:], []byte(strconv.Itoa(int(delay / time.Millisecond)))}
	return &Command{Name: []byte("REQ"), Params: params}
}

// Touch builds the TOUCH command, resetting message id's processing
// timeout without finishing or requeuing it.
func Touch(id MessageID) *Command {
	return &Command{Name: []byte("TOUCH"), Params: [][]byte{id[:]}}
}

// StartClose builds the CLS command: this client is beginning a
// graceful close and expects no further messages, only the chance to
// finish ones already in flight.
func StartClose() *Command {
	return &Command{Name: []byte("CLS")}
}

// Nop builds the NOP command, the no-op response to a heartbeat.
func Nop() *Command {
	return &Command{Name: []byte("NOP")}
}
