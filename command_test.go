package nsq

import (
	"bytes"
	"encoding/binary"
	"testing"
	"time"
)

func TestCommandWriteToEncodesSubscribeLine(t *testing.T) {
	cmd := Subscribe("topic", "channel")

	var buf bytes.Buffer
	n, err := cmd.WriteTo(&buf)
	if err != nil {
		t.Fatalf("WriteTo: %v", err)
	}
	if n != int64(buf.Len()) {
		t.Fatalf("WriteTo returned %d, buffer has %d bytes", n, buf.Len())
	}

	want := "SUB topic channel\n"
	if buf.String() != want {
		t.Fatalf("got %q, want %q", buf.String(), want)
	}
}

func TestPublishCommandIncludesBody(t *testing.T) {
	cmd := Publish("topic", []byte("hello"))

	var buf bytes.Buffer
	if _, err := cmd.WriteTo(&buf); err != nil {
		t.Fatalf("WriteTo: %v", err)
	}

	out := buf.Bytes()
	nl := bytes.IndexByte(out, '\n')
	if nl < 0 {
		t.Fatalf("no newline found in %q", out)
	}
	header := string(out[:nl])
	if header != "PUB topic" {
		t.Fatalf("header = %q, want %q", header, "PUB topic")
	}

	rest := out[nl+1:]
	if len(rest) != 4+len("hello") {
		t.Fatalf("body section length = %d, want %d", len(rest), 4+len("hello"))
	}
	if string(rest[4:]) != "hello" {
		t.Fatalf("body = %q, want %q", rest[4:], "hello")
	}
}

func TestRequeueEncodesDelayAsMilliseconds(t *testing.T) {
	var id MessageID
	copy(id[:], "0123456789abcdef")

	cmd := Requeue(id, 1500*time.Millisecond)
	var buf bytes.Buffer
	if _, err := cmd.WriteTo(&buf); err != nil {
		t.Fatalf("WriteTo: %v", err)
	}
	if !bytes.Contains(buf.Bytes(), []byte("1500")) {
		t.Fatalf("expected delay of 1500 ms in %q", buf.String())
	}
}

func TestMultiPublishFrameLayout(t *testing.T) {
	bodies := [][]byte{[]byte("a"), []byte("bb"), []byte("ccc")}
	cmd, err := MultiPublish("topic", bodies)
	if err != nil {
		t.Fatalf("MultiPublish: %v", err)
	}
	if string(cmd.Name) != "MPUB" {
		t.Fatalf("Name = %q, want MPUB", cmd.Name)
	}

	got := decodeMultiPublishBody(t, cmd.Body)
	if len(got) != len(bodies) {
		t.Fatalf("got %d bodies, want %d", len(got), len(bodies))
	}
	for i := range bodies {
		if !bytes.Equal(got[i], bodies[i]) {
			t.Fatalf("body %d = %q, want %q", i, got[i], bodies[i])
		}
	}
}

// decodeMultiPublishBody parses the wire layout MultiPublish produces
// (num-messages, then length-prefixed bodies) purely for test
// verification; there is no production-side decoder since nsqd is
// always the reader of this frame.
func decodeMultiPublishBody(t *testing.T, body []byte) [][]byte {
	t.Helper()
	if len(body) < 4 {
		t.Fatalf("body too short: %d bytes", len(body))
	}
	num := binary.BigEndian.Uint32(body)
	body = body[4:]

	out := make([][]byte, 0, num)
	for i := uint32(0); i < num; i++ {
		if len(body) < 4 {
			t.Fatalf("truncated length prefix for body %d", i)
		}
		size := binary.BigEndian.Uint32(body)
		body = body[4:]
		if uint32(len(body)) < size {
			t.Fatalf("truncated body %d", i)
		}
		out = append(out, body[:size])
		body = body[size:]
	}
	return out
}

func TestIdentifyMarshalsArbitraryJSON(t *testing.T) {
	cmd, err := Identify(map[string]interface{}{"client_id": "test"})
	if err != nil {
		t.Fatalf("Identify: %v", err)
	}
	if string(cmd.Name) != "IDENTIFY" {
		t.Fatalf("Name = %q, want IDENTIFY", cmd.Name)
	}
	if !bytes.Contains(cmd.Body, []byte(`"client_id":"test"`)) {
		t.Fatalf("body = %s, missing client_id", cmd.Body)
	}
}
