package nsq

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// producerState tracks a Producer's lazy-connect lifecycle, mirroring
// the state/stopFlag pair of the vendored bitly/go-nsq Writer this file
// generalizes from.
type producerState int32

const (
	producerStateInit producerState = iota
	producerStateConnected
	producerStateDisconnected
)

// producerTransaction is returned (via doneChan) by the async publish
// methods, carrying the response or error of one outstanding command.
type producerTransaction struct {
	cmd      *Command
	doneChan chan *ProducerTransaction
	args     []interface{}
}

// ProducerTransaction reports the outcome of a Publish/MultiPublish
// issued through PublishAsync/MultiPublishAsync.
type ProducerTransaction struct {
	FrameType int32
	Data      []byte
	Error     error
	Args      []interface{}
}

func (t *producerTransaction) finish(frameType int32, data []byte, err error) {
	if t.doneChan == nil {
		return
	}
	t.doneChan <- &ProducerTransaction{
		FrameType: frameType,
		Data:      data,
		Error:     err,
		Args:      t.args,
	}
}

// Producer is the Writer of spec.md §4.7: a lazily-connecting,
// single-nsqd publisher that pipelines outstanding commands through a
// transaction queue so synchronous Publish calls and heartbeats share
// one Conn (generalized from the vendored bitly/go-nsq Writer's
// transactionChan/router pattern).
type Producer struct {
	addr string
	cfg  *Config
	lg   *logger

	mtx      sync.Mutex
	conn     *Conn
	connDown chan struct{} // closed when the current conn (if any) goes away

	state int32

	transactionChan chan *producerTransaction
	transactions    []*producerTransaction
	responseChan    chan []byte
	errorChan       chan []byte
	concurrentOps   int32

	stopFlag int32
	exitChan chan struct{}
	wg       sync.WaitGroup
}

// NewProducer returns a Producer targeting addr, matching the
// teacher's `nsq.NewProducer(addr, cfg)` constructor shape.
func NewProducer(addr string, cfg *Config) (*Producer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Producer{
		addr: addr,
		cfg:  cfg,
		lg:   newLogger(),

		transactionChan: make(chan *producerTransaction),
		responseChan:    make(chan []byte),
		errorChan:       make(chan []byte),
		exitChan:        make(chan struct{}),
	}, nil
}

// String implements fmt.Stringer.
func (p *Producer) String() string { return p.addr }

// SetLogger installs a custom Logger/LogLevel.
func (p *Producer) SetLogger(l Logger, lvl LogLevel) {
	p.lg.setLogger(l, lvl)
}

// Publish synchronously publishes body to topic, blocking until nsqd's
// response (or an error) is available.
func (p *Producer) Publish(topic string, body []byte) error {
	_, _, err := p.sendCommand(Publish(topic, body))
	return err
}

// MultiPublish synchronously publishes several message bodies as one
// MPUB command.
func (p *Producer) MultiPublish(topic string, bodies [][]byte) error {
	cmd, err := MultiPublish(topic, bodies)
	if err != nil {
		return err
	}
	_, _, err = p.sendCommand(cmd)
	return err
}

// DeferredPublish synchronously publishes body to topic to be
// delivered after delay.
func (p *Producer) DeferredPublish(topic string, delay time.Duration, body []byte) error {
	_, _, err := p.sendCommand(DeferredPublish(topic, delay, body))
	return err
}

// PublishAsync publishes body to topic without waiting for the
// response; doneChan (if non-nil) receives a ProducerTransaction once
// nsqd replies.
func (p *Producer) PublishAsync(topic string, body []byte, doneChan chan *ProducerTransaction, args ...interface{}) error {
	return p.sendCommandAsync(Publish(topic, body), doneChan, args)
}

// MultiPublishAsync is the async counterpart of MultiPublish.
func (p *Producer) MultiPublishAsync(topic string, bodies [][]byte, doneChan chan *ProducerTransaction, args ...interface{}) error {
	cmd, err := MultiPublish(topic, bodies)
	if err != nil {
		return err
	}
	return p.sendCommandAsync(cmd, doneChan, args)
}

func (p *Producer) sendCommand(cmd *Command) (int32, []byte, error) {
	doneChan := make(chan *ProducerTransaction)
	if err := p.sendCommandAsync(cmd, doneChan, nil); err != nil {
		close(doneChan)
		return -1, nil, err
	}
	t := <-doneChan
	return t.FrameType, t.Data, t.Error
}

func (p *Producer) sendCommandAsync(cmd *Command, doneChan chan *ProducerTransaction, args []interface{}) error {
	atomic.AddInt32(&p.concurrentOps, 1)
	defer atomic.AddInt32(&p.concurrentOps, -1)

	if atomic.LoadInt32(&p.state) != int32(producerStateConnected) {
		if err := p.connect(); err != nil {
			return err
		}
	}

	t := &producerTransaction{cmd: cmd, doneChan: doneChan, args: args}
	select {
	case p.transactionChan <- t:
	case <-p.exitChan:
		return ErrStopped
	}
	return nil
}

func (p *Producer) connect() error {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	if atomic.LoadInt32(&p.stopFlag) == 1 {
		return ErrStopped
	}
	if producerState(atomic.LoadInt32(&p.state)) == producerStateConnected {
		return nil
	}
	if !atomic.CompareAndSwapInt32(&p.state, int32(producerStateInit), int32(producerStateConnected)) {
		// a disconnect was observed but the router hasn't finished
		// resetting state back to Init yet; the caller should retry.
		return ErrNotConnected
	}

	conn := NewConn(p.addr, p.cfg, p)
	if _, err := conn.Connect(); err != nil {
		conn.Close()
		atomic.StoreInt32(&p.state, int32(producerStateInit))
		return err
	}

	p.conn = conn
	connDown := make(chan struct{})
	p.connDown = connDown

	p.wg.Add(1)
	go p.router(conn, connDown)
	return nil
}

// router is the analog of the vendored Writer's messageRouter: it owns
// the single goroutine that writes transactions to conn and matches
// incoming responses/errors back to the transaction that caused them,
// in FIFO order (nsqd replies to PUB/MPUB in request order, spec.md
// §4.7). Exactly one router runs per live conn; it exits (and resets
// the Producer back to producerStateInit so the next Publish
// reconnects) once that conn goes down, or permanently on Stop().
func (p *Producer) router(conn *Conn, connDown chan struct{}) {
	defer p.wg.Done()
	for {
		select {
		case t := <-p.transactionChan:
			p.transactions = append(p.transactions, t)
			if err := conn.WriteCommand(t.cmd); err != nil {
				p.lg.log(LogLevelError, "[%s] failed writing %s - %s", p, t.cmd.Name, err)
				p.closeConn(conn)
			}
		case data := <-p.responseChan:
			p.popTransaction(FrameTypeResponse, data, nil)
		case data := <-p.errorChan:
			p.popTransaction(FrameTypeError, data, fmt.Errorf("%s", data))
		case <-connDown:
			p.cleanupTransactions()
			if atomic.LoadInt32(&p.stopFlag) == 0 {
				atomic.StoreInt32(&p.state, int32(producerStateInit))
			}
			return
		case <-p.exitChan:
			conn.Close()
			p.cleanupTransactions()
			return
		}
	}
}

func (p *Producer) closeConn(conn *Conn) {
	if !atomic.CompareAndSwapInt32(&p.state, int32(producerStateConnected), int32(producerStateDisconnected)) {
		return
	}
	// closeConn also runs from OnClose, i.e. inside conn.Close's own
	// closeOnce.Do; a synchronous conn.Close here would re-enter that
	// sync.Once and deadlock.
	go conn.Close()
	p.mtx.Lock()
	if p.connDown != nil {
		close(p.connDown)
		p.connDown = nil
	}
	p.mtx.Unlock()
}

func (p *Producer) popTransaction(frameType int32, data []byte, err error) {
	if len(p.transactions) == 0 {
		return
	}
	t := p.transactions[0]
	p.transactions = p.transactions[1:]
	t.finish(frameType, data, err)
}

func (p *Producer) cleanupTransactions() {
	for _, t := range p.transactions {
		t.finish(-1, nil, ErrNotConnected)
	}
	p.transactions = nil
}

// Stop disconnects and permanently stops the Producer, draining any
// outstanding transactions with ErrNotConnected.
func (p *Producer) Stop() {
	if !atomic.CompareAndSwapInt32(&p.stopFlag, 0, 1) {
		return
	}
	p.mtx.Lock()
	close(p.exitChan)
	conn := p.conn
	p.mtx.Unlock()
	// conn.Close fires OnClose -> closeConn, which takes p.mtx, so the
	// lock must be released first.
	if conn != nil {
		conn.Close()
	}
	p.wg.Wait()
}

// --- connDelegate -----------------------------------------------------

func (p *Producer) OnIdentifyResponse(c *Conn, resp *IdentifyResponse) {}

func (p *Producer) OnAuthResponse(c *Conn, resp *AuthResponse) {}

func (p *Producer) OnReady(c *Conn) {}

func (p *Producer) OnMessage(c *Conn, msg *Message) {
	p.lg.log(LogLevelError, "[%s] BUG: Producer received a message frame", c.Address())
}

func (p *Producer) OnMessageFinished(c *Conn, msg *Message) {}

func (p *Producer) OnMessageRequeued(c *Conn, msg *Message, delay time.Duration, backoff bool) {}

func (p *Producer) OnHeartbeat(c *Conn) {}

// OnResponse/OnError hand the raw frame to router() over a channel
// rather than mutating p.transactions directly: they run on the Conn's
// readLoop goroutine, while only router() may touch p.transactions
// (mirrors the vendored bitly/go-nsq Writer's responseChan/errorChan
// split).
func (p *Producer) OnResponse(c *Conn, data []byte) {
	select {
	case p.responseChan <- data:
	case <-p.exitChan:
	}
}

func (p *Producer) OnError(c *Conn, data []byte) {
	select {
	case p.errorChan <- data:
	case <-p.exitChan:
	}
}

func (p *Producer) OnClose(c *Conn) {
	p.closeConn(c)
}

var _ connDelegate = (*Producer)(nil)
