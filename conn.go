package nsq

import (
	"bufio"
	"bytes"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/flate"
)

// connState tracks a Conn through the handshake described by spec.md
// §4.2: INIT -> CONNECTING -> NEGOTIATING -> SUBSCRIBED -> CLOSING ->
// CLOSED. A Conn used only for Publish (Producer) never leaves
// NEGOTIATING except to go straight to CLOSING/CLOSED.
type connState int32

const (
	connStateInit connState = iota
	connStateConnecting
	connStateNegotiating
	connStateSubscribed
	connStateClosing
	connStateClosed
)

// IdentifyResponse is the JSON body nsqd returns in response to
// IDENTIFY when feature_negotiation was requested (spec.md §4.2, §6).
type IdentifyResponse struct {
	MaxRdyCount         int64  `json:"max_rdy_count"`
	TLSv1               bool   `json:"tls_v1"`
	Deflate             bool   `json:"deflate"`
	DeflateLevel        int    `json:"deflate_level"`
	Snappy              bool   `json:"snappy"`
	AuthRequired        bool   `json:"auth_required"`
	HeartbeatInterval   int64  `json:"heartbeat_interval"`
	OutputBufferSize    int64  `json:"output_buffer_size"`
	OutputBufferTimeout int64  `json:"output_buffer_timeout"`
	SampleRate          int32  `json:"sample_rate"`
	MsgTimeout          int64  `json:"msg_timeout"`
	Version             string `json:"version"`
}

// AuthResponse is the JSON body nsqd returns in response to AUTH.
type AuthResponse struct {
	Identity        string `json:"identity"`
	IdentityURL     string `json:"identity_url"`
	PermissionCount int64  `json:"permission_count"`
}

// connDelegate receives the events a Conn emits, per spec.md §4.2:
// identify_response, auth_response, ready, message, heartbeat,
// response, error, close. A Conn never holds a reference back to the
// Consumer/Producer that owns it beyond this interface.
type connDelegate interface {
	OnIdentifyResponse(c *Conn, resp *IdentifyResponse)
	OnAuthResponse(c *Conn, resp *AuthResponse)
	OnReady(c *Conn)
	OnMessage(c *Conn, msg *Message)
	OnMessageFinished(c *Conn, msg *Message)
	OnMessageRequeued(c *Conn, msg *Message, delay time.Duration, backoff bool)
	OnHeartbeat(c *Conn)
	OnResponse(c *Conn, data []byte)
	OnError(c *Conn, data []byte)
	OnClose(c *Conn)
}

// flusher is satisfied by compressors that buffer writes internally
// and need an explicit flush per command (DEFLATE, Snappy).
type flusher interface {
	Flush() error
}

// Conn implements the NSQ wire protocol (spec.md §4.1) over a single
// TCP connection: handshake, IDENTIFY negotiation, heartbeats, stream
// transforms, and a FIFO outgoing command queue. It is the AsyncConn
// of spec.md §4.2.
//
// Conn owns exactly one goroutine reading frames (readLoop) and one
// goroutine draining the outgoing command queue (writeLoop); all state
// transitions and callback invocations happen on those two goroutines
// plus whichever goroutine calls WriteCommand/SetRDY (§5: per-connection
// ordering is guaranteed by the single writeLoop reader).
type Conn struct {
	// 64-bit atomics first for 32-bit alignment.
	messagesInFlight int64
	rdyCount         int64
	lastRdyCount     int64
	maxRdyCount      int64
	lastMsgTimestamp int64
	lastRdyTimestamp int64
	state            int32

	addr   string
	config *Config

	delegate connDelegate
	lg       *logger

	conn    net.Conn
	tlsConn *tls.Conn
	r       ioReaderDeadline
	w       ioWriterFlusher

	flateWriter flusher

	cmdChan   chan *Command
	exitChan  chan struct{}
	stopper   sync.Once
	closeOnce sync.Once
	wg        sync.WaitGroup

	writeBuf bytes.Buffer
	writeMtx sync.Mutex

	identifyResponse *IdentifyResponse
	authResponse     *AuthResponse

	// pendingSubscribe is set while Subscribe() is blocked waiting for
	// the broker's OK (or an error frame) in response to SUB. It is an
	// atomic.Value (holding chan error) since it is written from the
	// caller of Subscribe() and read from readLoop.
	pendingSubscribe atomic.Value
}

// ioReaderDeadline/ioWriterFlusher narrow net.Conn down to what the
// stream-transform stack (plain / TLS / deflate / snappy) needs to
// provide once layered.
type ioReaderDeadline interface {
	Read(p []byte) (int, error)
}
type ioWriterFlusher interface {
	Write(p []byte) (int, error)
}

// NewConn returns a Conn ready to Connect() to addr. delegate receives
// the connection's events; it is usually a *Consumer or *Producer.
func NewConn(addr string, config *Config, delegate connDelegate) *Conn {
	return &Conn{
		addr:   addr,
		config: config,

		delegate: delegate,
		lg:       newLogger(),

		maxRdyCount:      2500,
		lastMsgTimestamp: time.Now().UnixNano(),

		cmdChan:  make(chan *Command, 16),
		exitChan: make(chan struct{}),
	}
}

// Address returns the configured destination address.
func (c *Conn) Address() string { return c.addr }

// String implements fmt.Stringer.
func (c *Conn) String() string { return c.addr }

// State returns the Conn's current lifecycle state.
func (c *Conn) State() connState { return connState(atomic.LoadInt32(&c.state)) }

func (c *Conn) setState(s connState) { atomic.StoreInt32(&c.state, int32(s)) }

// IsStarved reports whether in-flight messages have eaten into the
// last advertised RDY count enough that the Consumer should not batch
// further work onto this connection (spec.md §4.4's starvation query,
// evaluated per connection; the Consumer-level IsStarved ORs this
// across every live connection).
func (c *Conn) IsStarved() bool {
	inFlight := atomic.LoadInt64(&c.messagesInFlight)
	lastRdy := atomic.LoadInt64(&c.lastRdyCount)
	if lastRdy <= 0 {
		return false
	}
	return float64(inFlight)/float64(lastRdy) >= 0.85
}

// RDY returns the current RDY count.
func (c *Conn) RDY() int64 { return atomic.LoadInt64(&c.rdyCount) }

// LastRDY returns the last RDY value actually sent on the wire.
func (c *Conn) LastRDY() int64 { return atomic.LoadInt64(&c.lastRdyCount) }

// MaxRDY returns the broker-negotiated ceiling for this connection.
func (c *Conn) MaxRDY() int64 { return atomic.LoadInt64(&c.maxRdyCount) }

// InFlight returns the number of messages delivered but not yet
// responded to on this connection.
func (c *Conn) InFlight() int64 { return atomic.LoadInt64(&c.messagesInFlight) }

// LastMessageTime returns the time the last message frame arrived.
func (c *Conn) LastMessageTime() time.Time {
	return time.Unix(0, atomic.LoadInt64(&c.lastMsgTimestamp))
}

// Stats returns a point-in-time snapshot, see debug.go.
func (c *Conn) Stats() ConnStats {
	return ConnStats{
		Addr:            c.addr,
		State:           c.State(),
		RdyCount:        c.RDY(),
		LastRdyCount:    c.LastRDY(),
		InFlightCount:   c.InFlight(),
		MaxRdyCount:     c.MaxRDY(),
		LastMessageTime: atomic.LoadInt64(&c.lastMsgTimestamp),
	}
}

// Connect dials addr, performs the magic-bytes + IDENTIFY handshake
// (including any TLS/compression/AUTH upgrade the broker negotiates),
// and starts the read/write loops. On success the Conn is in
// connStateNegotiating, ready for Subscribe (consumers) or immediate
// Publish (producers).
func (c *Conn) Connect() (*IdentifyResponse, error) {
	if !atomic.CompareAndSwapInt32(&c.state, int32(connStateInit), int32(connStateConnecting)) {
		return nil, fmt.Errorf("conn %s already connecting/connected", c.addr)
	}

	dialer := &net.Dialer{Timeout: c.config.DialTimeout}
	conn, err := dialer.Dial("tcp", c.addr)
	if err != nil {
		c.setState(connStateInit)
		return nil, err
	}
	c.conn = conn
	c.r = conn
	c.w = conn

	c.setState(connStateNegotiating)

	if _, err := c.writeDeadlined(MagicV2); err != nil {
		c.conn.Close()
		return nil, fmt.Errorf("failed to write magic - %s", err)
	}

	resp, err := c.identify()
	if err != nil {
		c.conn.Close()
		return nil, err
	}
	c.identifyResponse = resp
	if resp != nil {
		atomic.StoreInt64(&c.maxRdyCount, resp.MaxRdyCount)
		if resp.AuthRequired {
			if c.config.AuthSecret == "" {
				c.conn.Close()
				return nil, ErrIdentify{Reason: "auth required but no AuthSecret configured"}
			}
			authResp, err := c.auth(c.config.AuthSecret)
			if err != nil {
				c.conn.Close()
				return nil, err
			}
			c.authResponse = authResp
			if c.delegate != nil {
				c.delegate.OnAuthResponse(c, authResp)
			}
		}
		if c.delegate != nil {
			c.delegate.OnIdentifyResponse(c, resp)
		}
	}

	// now that the connection is fully bootstrapped, enable read
	// buffering; doing this earlier would risk buffering bytes
	// belonging to a stream transform upgrade that hasn't happened yet.
	c.r = bufio.NewReader(c.r)

	c.wg.Add(2)
	go c.readLoop()
	go c.writeLoop()

	return resp, nil
}

// Subscribe sends SUB for the given topic/channel and returns once the
// broker has acknowledged it with OK, or an error. On success the Conn
// transitions to connStateSubscribed and emits OnReady to its delegate.
func (c *Conn) Subscribe(topic, channel string) error {
	if !IsValidTopicName(topic) {
		return ErrConfig{Reason: fmt.Sprintf("invalid topic name %q", topic)}
	}
	if !IsValidChannelName(channel) {
		return ErrConfig{Reason: fmt.Sprintf("invalid channel name %q", channel)}
	}

	done := make(chan error, 1)
	c.pendingSubscribe.Store(done)
	if err := c.WriteCommand(Subscribe(topic, channel)); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-c.exitChan:
		return ErrClosing
	}
}

// takePendingSubscribe atomically retrieves and clears the channel
// Subscribe() is waiting on, if any.
func (c *Conn) takePendingSubscribe() chan error {
	v := c.pendingSubscribe.Load()
	ch, _ := v.(chan error)
	if ch == nil {
		return nil
	}
	c.pendingSubscribe.Store((chan error)(nil))
	return ch
}

// WriteCommand enqueues cmd for delivery by the Conn's writeLoop. Per
// spec.md §5, commands are sent strictly in enqueue order.
func (c *Conn) WriteCommand(cmd *Command) error {
	select {
	case c.cmdChan <- cmd:
		return nil
	case <-c.exitChan:
		return ErrClosing
	}
}

// SetRDY sends a RDY command for count, updating the bookkeeping the
// RDY controller and IsStarved rely on. It enforces invariant 2 of
// spec.md §3 (last_sent_rdy <= broker max_rdy_count).
func (c *Conn) SetRDY(count int64) error {
	if count < 0 {
		return fmt.Errorf("RDY count %d is invalid", count)
	}
	maxRdy := atomic.LoadInt64(&c.maxRdyCount)
	if maxRdy > 0 && count > maxRdy {
		count = maxRdy
	}
	if err := c.WriteCommand(Ready(int(count))); err != nil {
		return err
	}
	atomic.StoreInt64(&c.rdyCount, count)
	atomic.StoreInt64(&c.lastRdyCount, count)
	atomic.StoreInt64(&c.lastRdyTimestamp, time.Now().UnixNano())
	return nil
}

// Close tears the connection down immediately (no CLS, no drain) and
// fires the delegate's OnClose exactly once, however Close/Stop was
// reached (error in readLoop, explicit Close, or Stop). Stop is the
// counterpart used by Consumer.Stop().
func (c *Conn) Close() error {
	c.setState(connStateClosed)
	c.stopper.Do(func() {
		close(c.exitChan)
	})
	var err error
	if c.conn != nil {
		err = c.conn.Close()
	}
	c.closeOnce.Do(func() {
		if c.delegate != nil {
			c.delegate.OnClose(c)
		}
	})
	return err
}

// Stop begins a shutdown: it signals CLOSING so the Consumer stops
// assigning RDY, closes exitChan (stopping writeLoop/readLoop from
// accepting further work), and waits for readLoop and writeLoop to
// return before closing the socket and firing OnClose. readLoop returns
// only once its current read completes, at the latest when the read
// deadline passes. Stop sends no CLS and does not wait for in-flight
// messages: once exitChan is closed WriteCommand fails with ErrClosing,
// so FIN/REQ for messages still in flight are not sent.
func (c *Conn) Stop() {
	c.setState(connStateClosing)
	c.stopper.Do(func() {
		close(c.exitChan)
	})
	go func() {
		c.wg.Wait()
		c.setState(connStateClosed)
		c.Close()
	}()
}

func (c *Conn) writeDeadlined(p []byte) (int, error) {
	c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	return c.w.Write(p)
}

func (c *Conn) readDeadlined(p []byte) (int, error) {
	c.conn.SetReadDeadline(time.Now().Add(heartbeatReadTimeout(c.config.HeartbeatInterval)))
	return c.r.Read(p)
}

func heartbeatReadTimeout(interval time.Duration) time.Duration {
	if interval <= 0 {
		return DefaultClientTimeout
	}
	// spec.md §4.2: close the connection if no frame (heartbeat or
	// otherwise) arrives within 2x the negotiated heartbeat interval.
	return 2 * interval
}

// deadlinedReader adapts the layered r so every frame read observes a
// deadline, without the stream transforms themselves needing to know
// about net.Conn. Command writes get theirs from writeDeadlined.
type deadlinedReader struct {
	c *Conn
}

func (d deadlinedReader) Read(p []byte) (int, error) { return d.c.readDeadlined(p) }

func (c *Conn) sendCommand(cmd *Command) error {
	c.writeMtx.Lock()
	defer c.writeMtx.Unlock()

	c.writeBuf.Reset()
	if _, err := cmd.WriteTo(&c.writeBuf); err != nil {
		return err
	}
	if _, err := c.writeDeadlined(c.writeBuf.Bytes()); err != nil {
		return err
	}
	if c.flateWriter != nil {
		return c.flateWriter.Flush()
	}
	return nil
}

func (c *Conn) identify() (*IdentifyResponse, error) {
	ci := make(map[string]interface{})
	ci["client_id"] = c.config.ClientID
	ci["hostname"] = c.config.Hostname
	ci["user_agent"] = c.config.UserAgent
	ci["feature_negotiation"] = true
	if c.config.HeartbeatInterval < 0 {
		ci["heartbeat_interval"] = -1
	} else {
		ci["heartbeat_interval"] = int64(c.config.HeartbeatInterval / time.Millisecond)
	}
	ci["tls_v1"] = c.config.TLSv1
	ci["deflate"] = c.config.Deflate
	ci["deflate_level"] = c.config.DeflateLevel
	ci["snappy"] = c.config.Snappy
	ci["sample_rate"] = c.config.SampleRate
	ci["output_buffer_size"] = c.config.OutputBufferSize
	ci["output_buffer_timeout"] = int64(c.config.OutputBufferTimeout / time.Millisecond)
	if c.config.MsgTimeout > 0 {
		ci["msg_timeout"] = int64(c.config.MsgTimeout / time.Millisecond)
	}

	cmd, err := Identify(ci)
	if err != nil {
		return nil, ErrIdentify{Reason: err.Error()}
	}
	if err := c.sendCommand(cmd); err != nil {
		return nil, ErrIdentify{Reason: err.Error()}
	}

	frameType, data, err := c.readUnpacked()
	if err != nil {
		return nil, ErrIdentify{Reason: err.Error()}
	}
	if frameType == FrameTypeError {
		return nil, ErrIdentify{Reason: string(data)}
	}

	if len(data) == 0 || data[0] != '{' {
		// legacy nsqd: OK with no feature negotiation available.
		return nil, nil
	}

	resp := &IdentifyResponse{}
	if err := json.Unmarshal(data, resp); err != nil {
		return nil, ErrIdentify{Reason: err.Error()}
	}

	if resp.TLSv1 {
		if err := c.upgradeTLS(); err != nil {
			return nil, ErrIdentify{Reason: err.Error()}
		}
	}
	if resp.Deflate {
		if err := c.upgradeDeflate(resp.DeflateLevel); err != nil {
			return nil, ErrIdentify{Reason: err.Error()}
		}
	}
	if resp.Snappy {
		if err := c.upgradeSnappy(); err != nil {
			return nil, ErrIdentify{Reason: err.Error()}
		}
	}

	return resp, nil
}

func (c *Conn) auth(secret string) (*AuthResponse, error) {
	cmd, err := Auth(secret)
	if err != nil {
		return nil, ErrIdentify{Reason: err.Error()}
	}
	if err := c.sendCommand(cmd); err != nil {
		return nil, ErrIdentify{Reason: err.Error()}
	}
	frameType, data, err := c.readUnpacked()
	if err != nil {
		return nil, ErrIdentify{Reason: err.Error()}
	}
	if frameType == FrameTypeError {
		return nil, ErrIdentify{Reason: string(data)}
	}
	resp := &AuthResponse{}
	if err := json.Unmarshal(data, resp); err != nil {
		return nil, ErrIdentify{Reason: err.Error()}
	}
	return resp, nil
}

func (c *Conn) readUnpacked() (int32, []byte, error) {
	return ReadUnpackedResponse(deadlinedReader{c})
}

func (c *Conn) upgradeTLS() error {
	conf := c.config.TLSConfig
	if conf == nil {
		conf = &tls.Config{}
	}
	if conf.ServerName == "" {
		conf = conf.Clone()
		host, _, err := net.SplitHostPort(c.addr)
		if err != nil {
			host = c.addr
		}
		conf.ServerName = host
	}
	c.tlsConn = tls.Client(c.conn, conf)
	if err := c.tlsConn.Handshake(); err != nil {
		return err
	}
	c.r = c.tlsConn
	c.w = c.tlsConn
	return c.expectOK("TLS upgrade")
}

func (c *Conn) upgradeDeflate(level int) error {
	base := c.layerBase()
	c.r = flate.NewReader(base)
	if level <= 0 {
		level = c.config.DeflateLevel
	}
	fw, err := flate.NewWriter(base, level)
	if err != nil {
		return err
	}
	c.flateWriter = fw
	c.w = fw
	return c.expectOK("Deflate upgrade")
}

func (c *Conn) upgradeSnappy() error {
	base := c.layerBase()
	c.r = snappy.NewReader(base)
	w := snappy.NewBufferedWriter(base)
	c.flateWriter = w
	c.w = w
	return c.expectOK("Snappy upgrade")
}

func (c *Conn) layerBase() net.Conn {
	if c.tlsConn != nil {
		return c.tlsConn
	}
	return c.conn
}

func (c *Conn) expectOK(what string) error {
	frameType, data, err := c.readUnpacked()
	if err != nil {
		return err
	}
	if !isOK(frameType, data) {
		return fmt.Errorf("invalid response from %s: %d %q", what, frameType, data)
	}
	return nil
}

func (c *Conn) readLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.exitChan:
			return
		default:
		}

		frameType, data, err := c.readUnpacked()
		if err != nil {
			if c.State() != connStateClosing && c.State() != connStateClosed {
				c.lg.log(LogLevelError, "[%s] IO error - %s", c.addr, err)
			}
			if c.delegate != nil && c.State() != connStateClosed {
				c.delegate.OnError(c, []byte(err.Error()))
			}
			c.Close()
			return
		}

		if isHeartbeat(frameType, data) {
			if c.delegate != nil {
				c.delegate.OnHeartbeat(c)
			}
			if err := c.WriteCommand(Nop()); err != nil {
				c.Close()
				return
			}
			continue
		}

		switch frameType {
		case FrameTypeResponse:
			if isOK(frameType, data) {
				if done := c.takePendingSubscribe(); done != nil {
					c.setState(connStateSubscribed)
					done <- nil
					if c.delegate != nil {
						c.delegate.OnReady(c)
					}
					continue
				}
			}
			if isCloseWait(frameType, data) {
				c.setState(connStateClosing)
			}
			if c.delegate != nil {
				c.delegate.OnResponse(c, data)
			}
		case FrameTypeMessage:
			msg, err := DecodeMessage(data)
			if err != nil {
				if c.delegate != nil {
					c.delegate.OnError(c, []byte(err.Error()))
				}
				c.Close()
				return
			}
			msg.NSQDAddress = c.addr
			msg.delegate = c

			atomic.AddInt64(&c.rdyCount, -1)
			atomic.AddInt64(&c.messagesInFlight, 1)
			atomic.StoreInt64(&c.lastMsgTimestamp, time.Now().UnixNano())

			if c.delegate != nil {
				c.delegate.OnMessage(c, msg)
			}
		case FrameTypeError:
			if done := c.takePendingSubscribe(); done != nil {
				done <- fmt.Errorf("%s", data)
			}
			if c.delegate != nil {
				c.delegate.OnError(c, data)
			}
			if isFatalBrokerError(data) {
				c.Close()
				return
			}
		default:
			if c.delegate != nil {
				c.delegate.OnError(c, []byte(fmt.Sprintf("unknown frame type %d", frameType)))
			}
		}
	}
}

func (c *Conn) writeLoop() {
	defer c.wg.Done()
	for {
		select {
		case cmd := <-c.cmdChan:
			if err := c.sendCommand(cmd); err != nil {
				c.lg.log(LogLevelError, "[%s] error sending command %s - %s", c.addr, cmd, err)
				c.Close()
				continue
			}
		case <-c.exitChan:
			return
		}
	}
}

// OnFinish implements messageDelegate: it is called synchronously from
// Message.Finish(). The actual FIN command is written by the Consumer
// (or Producer, which never receives messages) via SendFinish once it
// has had a chance to grow RDY first (spec.md §4.4's ordering rule).
func (c *Conn) OnFinish(m *Message) {
	atomic.AddInt64(&c.messagesInFlight, -1)
	if c.delegate != nil {
		c.delegate.OnMessageFinished(c, m)
	}
}

// OnRequeue implements messageDelegate.
func (c *Conn) OnRequeue(m *Message, delay time.Duration, backoff bool) {
	atomic.AddInt64(&c.messagesInFlight, -1)
	if c.delegate != nil {
		c.delegate.OnMessageRequeued(c, m, delay, backoff)
	}
}

// OnTouch implements messageDelegate.
func (c *Conn) OnTouch(m *Message) {
	c.WriteCommand(Touch(m.ID))
}

// SendFinish writes FIN for the given message id.
func (c *Conn) SendFinish(id MessageID) error {
	return c.WriteCommand(Finish(id))
}

// SendRequeue writes REQ for the given message id with the given delay.
func (c *Conn) SendRequeue(id MessageID, delay time.Duration) error {
	return c.WriteCommand(Requeue(id, delay))
}
