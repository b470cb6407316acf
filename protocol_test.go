package nsq

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func frameBytes(frameType int32, data []byte) []byte {
	var buf bytes.Buffer
	size := int32(4 + len(data))
	binary.Write(&buf, binary.BigEndian, size)
	binary.Write(&buf, binary.BigEndian, frameType)
	buf.Write(data)
	return buf.Bytes()
}

func TestReadUnpackedResponseRoundTrip(t *testing.T) {
	raw := frameBytes(FrameTypeMessage, []byte("payload"))
	frameType, data, err := ReadUnpackedResponse(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("ReadUnpackedResponse: %v", err)
	}
	if frameType != FrameTypeMessage {
		t.Fatalf("frameType = %d, want %d", frameType, FrameTypeMessage)
	}
	if string(data) != "payload" {
		t.Fatalf("data = %q, want %q", data, "payload")
	}
}

func TestUnpackResponseRejectsShortFrame(t *testing.T) {
	if _, _, err := UnpackResponse([]byte{0, 1}); err == nil {
		t.Fatal("expected error for frame shorter than 4 bytes")
	}
}

func TestReadResponseRejectsNonPositiveSize(t *testing.T) {
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, int32(0))
	if _, err := ReadResponse(&buf); err == nil {
		t.Fatal("expected error for a zero-size frame")
	}
}

func TestIsHeartbeatOnlyMatchesResponseFrame(t *testing.T) {
	if !isHeartbeat(FrameTypeResponse, []byte("_heartbeat_")) {
		t.Fatal("expected heartbeat match on response frame")
	}
	if isHeartbeat(FrameTypeMessage, []byte("_heartbeat_")) {
		t.Fatal("heartbeat payload on a message frame must not match")
	}
}

func TestIsFatalBrokerError(t *testing.T) {
	cases := []struct {
		data  string
		fatal bool
	}{
		{"E_BAD_TOPIC topic name is not valid", true},
		{"E_BAD_BODY body too big", true},
		{"E_AUTH_FAILED unable to authenticate", true},
		{"E_REQ_FAILED failed to requeue message", false},
		{"E_FIN_FAILED failed to finish message", false},
	}
	for _, c := range cases {
		if got := isFatalBrokerError([]byte(c.data)); got != c.fatal {
			t.Errorf("isFatalBrokerError(%q) = %v, want %v", c.data, got, c.fatal)
		}
	}
}
