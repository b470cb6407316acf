package nsq

import (
	"bytes"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

type fakeMessageDelegate struct {
	finished  []*Message
	requeued  []*Message
	delays    []time.Duration
	backoffs  []bool
	touched   []*Message
}

func (d *fakeMessageDelegate) OnFinish(m *Message) { d.finished = append(d.finished, m) }
func (d *fakeMessageDelegate) OnRequeue(m *Message, delay time.Duration, backoff bool) {
	d.requeued = append(d.requeued, m)
	d.delays = append(d.delays, delay)
	d.backoffs = append(d.backoffs, backoff)
}
func (d *fakeMessageDelegate) OnTouch(m *Message) { d.touched = append(d.touched, m) }

func TestMessageWriteToAndDecodeRoundTrip(t *testing.T) {
	var id MessageID
	copy(id[:], "0123456789abcdef")
	orig := &Message{ID: id, Body: []byte("hello world"), Timestamp: 1234567890, Attempts: 3}

	var buf bytes.Buffer
	if _, err := orig.WriteTo(&buf); err != nil {
		t.Fatalf("WriteTo: %v", err)
	}

	got, err := DecodeMessage(buf.Bytes())
	if err != nil {
		t.Fatalf("DecodeMessage: %v", err)
	}

	if diff := cmp.Diff(orig, got, cmpopts.IgnoreFields(Message{}, "delegate", "autoResponseDisabled", "responded")); diff != "" {
		t.Fatalf("round-trip mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeMessageRejectsShortFrame(t *testing.T) {
	if _, err := DecodeMessage([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected error for a too-short frame")
	}
}

func TestFinishIsIdempotent(t *testing.T) {
	d := &fakeMessageDelegate{}
	m := NewMessage(MessageID{}, nil)
	m.delegate = d

	m.Finish()
	m.Finish()
	m.Requeue(time.Second, true)

	if len(d.finished) != 1 {
		t.Fatalf("OnFinish called %d times, want 1", len(d.finished))
	}
	if len(d.requeued) != 0 {
		t.Fatalf("OnRequeue called %d times after Finish, want 0", len(d.requeued))
	}
	if !m.HasResponded() {
		t.Fatal("HasResponded() = false after Finish")
	}
}

func TestFinishAfterRequeueIsIgnored(t *testing.T) {
	d := &fakeMessageDelegate{}
	m := NewMessage(MessageID{}, nil)
	m.delegate = d

	m.Requeue(0, false)
	m.Finish()

	if len(d.requeued) != 1 {
		t.Fatalf("OnRequeue called %d times, want 1", len(d.requeued))
	}
	if len(d.finished) != 0 {
		t.Fatalf("OnFinish called %d times after Requeue, want 0", len(d.finished))
	}
}

func TestTouchAfterRespondedIsIgnored(t *testing.T) {
	d := &fakeMessageDelegate{}
	m := NewMessage(MessageID{}, nil)
	m.delegate = d

	m.Finish()
	m.Touch()

	if len(d.touched) != 0 {
		t.Fatalf("OnTouch called %d times after a terminal response, want 0", len(d.touched))
	}
}

func TestDisableAutoResponse(t *testing.T) {
	m := NewMessage(MessageID{}, nil)
	if m.IsAutoResponseDisabled() {
		t.Fatal("IsAutoResponseDisabled() = true before DisableAutoResponse")
	}
	m.DisableAutoResponse()
	if !m.IsAutoResponseDisabled() {
		t.Fatal("IsAutoResponseDisabled() = false after DisableAutoResponse")
	}
}
