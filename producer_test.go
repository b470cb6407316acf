package nsq

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestProducerPublishSuccess(t *testing.T) {
	fake := newFakeNSQD(t)
	defer fake.close()

	p, err := NewProducer(fake.addr(), testConfig())
	if err != nil {
		t.Fatalf("NewProducer: %v", err)
	}
	defer p.Stop()

	go func() {
		fake.handshakeLegacyOK(t)
		line, _ := fake.readCommand(t, true)
		if line != "PUB orders" {
			t.Errorf("command = %q, want %q", line, "PUB orders")
		}
		fake.writeFrame(t, FrameTypeResponse, byteOK)
	}()

	if err := p.Publish("orders", []byte("hello")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
}

func TestProducerPublishSurfacesBrokerError(t *testing.T) {
	fake := newFakeNSQD(t)
	defer fake.close()

	p, err := NewProducer(fake.addr(), testConfig())
	if err != nil {
		t.Fatalf("NewProducer: %v", err)
	}
	defer p.Stop()

	go func() {
		fake.handshakeLegacyOK(t)
		fake.readCommand(t, true)
		fake.writeFrame(t, FrameTypeError, []byte("E_INVALID bad topic"))
	}()

	err = p.Publish("orders", []byte("hello"))
	if err == nil {
		t.Fatal("expected an error from a broker error frame")
	}
}

func TestProducerTransactionsResolveInFIFOOrder(t *testing.T) {
	fake := newFakeNSQD(t)
	defer fake.close()

	p, err := NewProducer(fake.addr(), testConfig())
	if err != nil {
		t.Fatalf("NewProducer: %v", err)
	}
	defer p.Stop()

	serverReady := make(chan struct{})
	go func() {
		fake.handshakeLegacyOK(t)
		fake.readCommand(t, true)
		fake.readCommand(t, true)
		close(serverReady)
		fake.writeFrame(t, FrameTypeResponse, byteOK)
		fake.writeFrame(t, FrameTypeResponse, byteOK)
	}()

	done1 := make(chan *ProducerTransaction, 1)
	done2 := make(chan *ProducerTransaction, 1)

	// transactionChan is unbuffered, so each PublishAsync call only
	// returns once router() has accepted (and begun writing) that
	// transaction — two sequential calls from this goroutine are
	// therefore strictly ordered on the wire.
	if err := p.PublishAsync("orders", []byte("a"), done1, "first"); err != nil {
		t.Fatalf("PublishAsync: %v", err)
	}
	if err := p.PublishAsync("orders", []byte("b"), done2, "second"); err != nil {
		t.Fatalf("PublishAsync: %v", err)
	}
	<-serverReady

	t1 := <-done1
	t2 := <-done2

	if len(t1.Args) != 1 || t1.Args[0] != "first" {
		t.Fatalf("first transaction args = %v, want [first]", t1.Args)
	}
	if len(t2.Args) != 1 || t2.Args[0] != "second" {
		t.Fatalf("second transaction args = %v, want [second]", t2.Args)
	}
}

func TestProducerReconnectsAfterDisconnect(t *testing.T) {
	fake := newFakeNSQD(t)
	defer fake.close()

	p, err := NewProducer(fake.addr(), testConfig())
	if err != nil {
		t.Fatalf("NewProducer: %v", err)
	}
	defer p.Stop()

	firstRound := make(chan struct{})
	go func() {
		fake.handshakeLegacyOK(t)
		fake.readCommand(t, true)
		fake.writeFrame(t, FrameTypeResponse, byteOK)
		close(firstRound)
	}()

	if err := p.Publish("orders", []byte("one")); err != nil {
		t.Fatalf("first Publish: %v", err)
	}
	<-firstRound

	// Simulate nsqd vanishing out from under the connection.
	fake.conn.Close()

	waitFor(t, func() bool {
		return producerState(atomic.LoadInt32(&p.state)) == producerStateInit
	})

	go func() {
		fake.handshakeLegacyOK(t)
		fake.readCommand(t, true) // PUB
		fake.writeFrame(t, FrameTypeResponse, byteOK)
	}()

	if err := p.Publish("orders", []byte("two")); err != nil {
		t.Fatalf("second Publish after reconnect: %v", err)
	}
}

func TestProducerStopDrainsOutstandingTransactions(t *testing.T) {
	fake := newFakeNSQD(t)
	defer fake.close()

	p, err := NewProducer(fake.addr(), testConfig())
	if err != nil {
		t.Fatalf("NewProducer: %v", err)
	}

	go func() {
		fake.handshakeLegacyOK(t)
		fake.readCommand(t, true) // PUB, never answered
	}()

	done := make(chan *ProducerTransaction, 1)
	if err := p.PublishAsync("orders", []byte("stuck"), done); err != nil {
		t.Fatalf("PublishAsync: %v", err)
	}

	p.Stop()

	select {
	case txn := <-done:
		if txn.Error != ErrNotConnected {
			t.Fatalf("transaction error = %v, want ErrNotConnected", txn.Error)
		}
	case <-time.After(time.Second):
		t.Fatal("outstanding transaction was never drained by Stop")
	}
}
