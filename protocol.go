package nsq

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// MagicV1 is the initial identifier sent when connecting to nsqlookupd
// (no feature negotiation, legacy framing only).
var MagicV1 = []byte("  V1")

// MagicV2 is the initial identifier sent to nsqd, signalling that the
// client understands the framed response/error/message protocol and
// feature negotiation via IDENTIFY.
var MagicV2 = []byte("  V2")

// FrameType constants, as sent in the 4-byte frame type header.
const (
	FrameTypeResponse int32 = 0
	FrameTypeError    int32 = 1
	FrameTypeMessage  int32 = 2
)

var byteHeartbeat = []byte("_heartbeat_")
var byteOK = []byte("OK")
var byteCloseWait = []byte("CLOSE_WAIT")

// ReadResponse reads a single framed response from r in the form
//
//	[x][x][x][x][x][x][x][x]...
//	|  (int32) || (binary)
//	|  4-byte  || N-byte
//	------------------------...
//	    size       data
//
// where size is the number of bytes that follow (the frame type plus
// payload), and returns that combined frame type + payload slice
// unparsed (see UnpackResponse).
func ReadResponse(r io.Reader) ([]byte, error) {
	var msgSize int32

	err := binary.Read(r, binary.BigEndian, &msgSize)
	if err != nil {
		return nil, err
	}

	if msgSize <= 0 {
		return nil, fmt.Errorf("reading response size %d is not valid", msgSize)
	}

	buf := make([]byte, msgSize)
	_, err = io.ReadFull(r, buf)
	if err != nil {
		return nil, err
	}

	return buf, nil
}

// UnpackResponse splits a raw frame (as returned by ReadResponse) into
// its frame type and payload.
//
//	[x][x][x][x][x][x][x][x]...
//	|  (int32) || (binary)
//	|  4-byte  || N-byte
//	------------------------...
//	frame type     data
func UnpackResponse(response []byte) (int32, []byte, error) {
	if len(response) < 4 {
		return -1, nil, ErrProtocol{Reason: "response is not valid"}
	}
	return int32(binary.BigEndian.Uint32(response)), response[4:], nil
}

// ReadUnpackedResponse is a convenience wrapper combining ReadResponse
// and UnpackResponse.
func ReadUnpackedResponse(r io.Reader) (int32, []byte, error) {
	resp, err := ReadResponse(r)
	if err != nil {
		return -1, nil, err
	}
	return UnpackResponse(resp)
}

func isHeartbeat(frameType int32, data []byte) bool {
	return frameType == FrameTypeResponse && bytes.Equal(data, byteHeartbeat)
}

func isOK(frameType int32, data []byte) bool {
	return frameType == FrameTypeResponse && bytes.Equal(data, byteOK)
}

func isCloseWait(frameType int32, data []byte) bool {
	return frameType == FrameTypeResponse && bytes.Equal(data, byteCloseWait)
}

// fatalBrokerErrorPrefixes lists the error-frame prefixes (§7) whose
// receipt should close the connection rather than merely be logged.
var fatalBrokerErrorPrefixes = [][]byte{
	[]byte("E_BAD_TOPIC"),
	[]byte("E_BAD_CHANNEL"),
	[]byte("E_BAD_MESSAGE"),
	[]byte("E_BAD_BODY"),
	[]byte("E_INVALID"),
	[]byte("E_AUTH_FAILED"),
	[]byte("E_UNAUTHORIZED"),
}

func isFatalBrokerError(data []byte) bool {
	for _, prefix := range fatalBrokerErrorPrefixes {
		if bytes.HasPrefix(data, prefix) {
			return true
		}
	}
	return false
}
