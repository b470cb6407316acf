package nsq

import (
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"
)

// Handler is the interface a Consumer dispatches received messages to.
// A Handler returning a non-nil error requeues the message and signals
// a failure to the backoff controller (spec.md §4.3, §4.5).
type Handler interface {
	HandleMessage(message *Message) error
}

// HandlerFunc lets an ordinary function satisfy Handler, mirroring the
// teacher's own examples/main.go usage (`nsq.HandlerFunc(func(m
// *nsq.Message) error {...})`).
type HandlerFunc func(message *Message) error

// HandleMessage implements Handler.
func (f HandlerFunc) HandleMessage(message *Message) error { return f(message) }

// DiscoveryFilter lets a caller narrow or reorder the producer set a
// nsqlookupd poll returns before the Consumer connects to it.
type DiscoveryFilter interface {
	Filter(addresses []string) []string
}

// Consumer is the Reader of spec.md: it maintains a set of
// connections subscribed to one topic/channel, dispatches delivered
// messages to a Handler pool, and arbitrates RDY/backoff across the
// whole set via rdyController/backoffController.
type Consumer struct {
	topic   string
	channel string
	cfg     *Config

	lg *logger

	mtx   sync.RWMutex
	conns map[string]*Conn

	lookupdAddrs    map[string]struct{}
	discoveryFilter DiscoveryFilter

	rdy     *rdyController
	backoff *backoffController

	handlers    []Handler
	concurrency int
	incoming    chan *Message

	maxAttempts uint16

	stopFlag int32
	stopper  sync.Once

	exitChan chan struct{}
	StopChan chan struct{}
	wg       sync.WaitGroup

	behaviorDelegate ConsumerBehaviorDelegate
}

// ConsumerBehaviorDelegate lets a caller observe lifecycle events the
// plain Handler interface doesn't see (spec.md §9's hook surface).
type ConsumerBehaviorDelegate interface {
	OnConnect(c *Consumer, addr string)
	OnDisconnect(c *Consumer, addr string)
}

// NewConsumer validates cfg and returns a Consumer ready to have
// handlers added and connections made, mirroring the teacher's own
// `nsq.NewConsumer(topic, channel, cfg)` constructor.
func NewConsumer(topic, channel string, cfg *Config) (*Consumer, error) {
	if !IsValidTopicName(topic) {
		return nil, ErrConfig{Reason: fmt.Sprintf("invalid topic name %q", topic)}
	}
	if !IsValidChannelName(channel) {
		return nil, ErrConfig{Reason: fmt.Sprintf("invalid channel name %q", channel)}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	r := &Consumer{
		topic:   topic,
		channel: channel,
		cfg:     cfg,

		lg: newLogger(),

		conns: make(map[string]*Conn),

		lookupdAddrs: make(map[string]struct{}),

		maxAttempts: cfg.MaxAttempts,

		incoming: make(chan *Message, 64),

		exitChan: make(chan struct{}),
		StopChan: make(chan struct{}),
	}

	r.rdy = newRDYController(cfg.MaxInFlight, cfg.LowRdyIdleTimeout)
	r.backoff = newBackoffController(cfg, r.onBackoffResume)

	return r, nil
}

// SetLogger installs a custom Logger/LogLevel, mirroring the teacher's
// own examples/main.go (`consumer.SetLoggerLevel(...)`).
func (r *Consumer) SetLogger(l Logger, lvl LogLevel) {
	r.lg.setLogger(l, lvl)
}

// SetLoggerLevel changes only the verbosity threshold.
func (r *Consumer) SetLoggerLevel(lvl LogLevel) {
	r.lg.level = lvl
}

// SetBehaviorDelegate installs an optional connect/disconnect observer.
func (r *Consumer) SetBehaviorDelegate(d ConsumerBehaviorDelegate) {
	r.behaviorDelegate = d
}

// SetDiscoveryFilter installs a filter applied to every nsqlookupd poll
// result before new connections are made.
func (r *Consumer) SetDiscoveryFilter(f DiscoveryFilter) {
	r.discoveryFilter = f
}

// AddHandler registers a single-goroutine handler, matching the
// teacher's `consumer.AddHandler(nsq.HandlerFunc(...))` usage.
func (r *Consumer) AddHandler(h Handler) {
	r.AddConcurrentHandlers(h, 1)
}

// AddConcurrentHandlers registers h to be run by n goroutines pulling
// from the shared incoming channel, the concurrency model spec.md §4.3
// describes for in-process fan-out of delivered messages.
func (r *Consumer) AddConcurrentHandlers(h Handler, n int) {
	r.mtx.Lock()
	r.handlers = append(r.handlers, h)
	r.concurrency += n
	r.mtx.Unlock()

	for i := 0; i < n; i++ {
		r.wg.Add(1)
		go r.handlerLoop(h)
	}
}

// SetMaxInFlight changes the global RDY budget at runtime and triggers
// an immediate redistribution (spec.md §4.4).
func (r *Consumer) SetMaxInFlight(m int64) {
	r.rdy.SetMaxInFlight(m)
	r.maybeRedistribute()
}

// IsStarved reports whether any live connection is starved (spec.md
// §4.4's starvation query).
func (r *Consumer) IsStarved() bool {
	return r.rdy.IsStarved()
}

// Stats returns a point-in-time snapshot across every live connection.
func (r *Consumer) Stats() ConsumerStats {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	stats := ConsumerStats{
		MaxInFlight:  r.rdy.MaxInFlight(),
		BackoffLevel: r.backoff.Level(),
		Starved:      r.rdy.IsStarved(),
	}
	for _, c := range r.conns {
		stats.Connections = append(stats.Connections, c.Stats())
	}
	return stats
}

// ConnectToNSQD adds a single direct connection (bypassing discovery).
func (r *Consumer) ConnectToNSQD(addr string) error {
	return r.connectTo(addr)
}

// ConnectToNSQDs adds several direct connections.
func (r *Consumer) ConnectToNSQDs(addrs []string) error {
	for _, addr := range addrs {
		if err := r.connectTo(addr); err != nil {
			return err
		}
	}
	return nil
}

// ConnectToNSQLookupd adds addr to the set of nsqlookupd instances
// polled for producers of this Consumer's topic (spec.md §4.3's
// discovery loop), starting the poll loop on first call.
func (r *Consumer) ConnectToNSQLookupd(addr string) error {
	r.mtx.Lock()
	_, already := r.lookupdAddrs[addr]
	firstAddr := len(r.lookupdAddrs) == 0
	r.lookupdAddrs[addr] = struct{}{}
	r.mtx.Unlock()

	if already {
		return ErrAlreadyConnected
	}

	r.wg.Add(1)
	go r.lookupdLoop(addr)

	if firstAddr {
		r.wg.Add(1)
		go r.rdyMaintenanceLoop()
	}
	return nil
}

// ConnectToNSQLookupds adds several nsqlookupd addresses.
func (r *Consumer) ConnectToNSQLookupds(addrs []string) error {
	for _, addr := range addrs {
		if err := r.ConnectToNSQLookupd(addr); err != nil {
			return err
		}
	}
	return nil
}

func (r *Consumer) connectTo(addr string) error {
	r.mtx.Lock()
	if _, ok := r.conns[addr]; ok {
		r.mtx.Unlock()
		return ErrAlreadyConnected
	}
	r.mtx.Unlock()

	conn := NewConn(addr, r.cfg, r)

	if _, err := conn.Connect(); err != nil {
		return err
	}
	if err := conn.Subscribe(r.topic, r.channel); err != nil {
		conn.Close()
		return err
	}

	r.mtx.Lock()
	r.conns[addr] = conn
	r.mtx.Unlock()

	r.rdy.AddConn(conn)
	if r.behaviorDelegate != nil {
		r.behaviorDelegate.OnConnect(r, addr)
	}
	r.maybeRedistribute()
	return nil
}

func (r *Consumer) removeConn(addr string) {
	r.mtx.Lock()
	delete(r.conns, addr)
	remaining := len(r.conns)
	r.mtx.Unlock()

	r.rdy.RemoveConn(addr)
	if r.behaviorDelegate != nil {
		r.behaviorDelegate.OnDisconnect(r, addr)
	}

	if remaining > 0 {
		r.maybeRedistribute()
	} else if atomic.LoadInt32(&r.stopFlag) == 1 {
		r.maybeFinishStopping()
	}
}

// maybeRedistribute re-applies RDY allocation unless the backoff
// controller currently owns RDY assignment (spec.md §4.4/§4.5's
// invariant that backoff and steady-state allocation never fight over
// the same connection in the same instant).
func (r *Consumer) maybeRedistribute() {
	if r.backoff.IsInBackoff() {
		return
	}
	r.rdy.Redistribute()
}

// onBackoffResume is invoked by backoffController's timer when the
// BACKOFF phase elapses into TEST: it picks one connection to probe
// with RDY=1 while holding every other connection at 0 (spec.md §4.5).
func (r *Consumer) onBackoffResume() {
	probe := r.rdy.PickProbe()
	r.rdy.ApplyBackoffRDY(probe)
}

// rdyMaintenanceLoop periodically refreshes low-water RDY counts and
// redistributes when max_in_flight < N (spec.md §4.4).
func (r *Consumer) rdyMaintenanceLoop() {
	defer r.wg.Done()

	interval := r.cfg.RDYRedistributeInterval
	if interval <= 0 {
		interval = r.rdy.LowRdyIdleTimeout()
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if r.backoff.IsInBackoff() {
				continue
			}
			r.mtx.RLock()
			conns := make([]*Conn, 0, len(r.conns))
			for _, c := range r.conns {
				conns = append(conns, c)
			}
			r.mtx.RUnlock()
			for _, c := range conns {
				r.rdy.RefreshIfLow(c)
			}
			if int64(len(conns)) > r.rdy.MaxInFlight() {
				r.rdy.Redistribute()
			}
		case <-r.exitChan:
			return
		}
	}
}

func (r *Consumer) lookupdLoop(addr string) {
	defer r.wg.Done()

	jitter := time.Duration(float64(r.cfg.LookupdPollInterval) * r.cfg.LookupdPollJitter * rand.Float64())
	select {
	case <-time.After(jitter):
	case <-r.exitChan:
		return
	}

	ticker := time.NewTicker(r.cfg.LookupdPollInterval)
	defer ticker.Stop()

	r.queryLookupd(addr)
	for {
		select {
		case <-ticker.C:
			r.queryLookupd(addr)
		case <-r.exitChan:
			return
		}
	}
}

func (r *Consumer) queryLookupd(addr string) {
	producers, err := lookupTopicProducers(addr, r.topic, r.cfg.DialTimeout)
	if err != nil {
		r.lg.log(LogLevelError, "error querying nsqlookupd %s - %s", addr, err)
		return
	}
	if r.discoveryFilter != nil {
		producers = r.discoveryFilter.Filter(producers)
	}
	for _, p := range producers {
		r.mtx.RLock()
		_, connected := r.conns[p]
		r.mtx.RUnlock()
		if connected {
			continue
		}
		if err := r.connectTo(p); err != nil && err != ErrAlreadyConnected {
			r.lg.log(LogLevelWarning, "failed to connect to %s - %s", p, err)
		}
	}
}

// handlerLoop pulls delivered messages off the shared incoming channel
// and dispatches them to h, applying the auto-response and max-attempts
// rules of spec.md §4.3/§4.5.
func (r *Consumer) handlerLoop(h Handler) {
	defer r.wg.Done()
	for {
		select {
		case msg, ok := <-r.incoming:
			if !ok {
				return
			}
			r.dispatch(h, msg)
		case <-r.exitChan:
			return
		}
	}
}

func (r *Consumer) dispatch(h Handler, msg *Message) {
	if r.maxAttempts > 0 && msg.Attempts > r.maxAttempts {
		r.lg.log(LogLevelWarning, "message %x exceeded max-attempts (%d), discarding", msg.ID, r.maxAttempts)
		msg.Finish()
		return
	}

	err := h.HandleMessage(msg)
	if msg.IsAutoResponseDisabled() {
		return
	}
	if err != nil {
		msg.Requeue(-1, true)
		return
	}
	msg.Finish()
}

// Stop begins a shutdown: every connection is told to Stop (see
// Conn.Stop), which ends RDY assignment to it; once the connection set
// is empty StopChan closes. No CLS is sent, and messages still in
// flight are not drained: their FIN/REQ can no longer be written once
// their connection has begun stopping.
func (r *Consumer) Stop() {
	if !atomic.CompareAndSwapInt32(&r.stopFlag, 0, 1) {
		return
	}

	r.mtx.RLock()
	conns := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mtx.RUnlock()

	if len(conns) == 0 {
		r.maybeFinishStopping()
		return
	}
	for _, c := range conns {
		c.Stop()
	}
}

func (r *Consumer) maybeFinishStopping() {
	r.stopper.Do(func() {
		close(r.exitChan)
		close(r.incoming)
		r.backoff.Stop()
		go func() {
			r.wg.Wait()
			close(r.StopChan)
		}()
	})
}

// --- connDelegate -----------------------------------------------------

func (r *Consumer) OnIdentifyResponse(c *Conn, resp *IdentifyResponse) {}

func (r *Consumer) OnAuthResponse(c *Conn, resp *AuthResponse) {
	r.lg.log(LogLevelInfo, "[%s] AUTH accepted for %s", c.Address(), resp.Identity)
}

func (r *Consumer) OnReady(c *Conn) {}

func (r *Consumer) OnMessage(c *Conn, msg *Message) {
	select {
	case r.incoming <- msg:
	case <-r.exitChan:
	}
}

func (r *Consumer) OnMessageFinished(c *Conn, msg *Message) {
	if changed, phase := r.backoff.Signal(backoffSignalSuccess); changed {
		r.applyBackoffTransition(phase)
	}
	r.growThenSend(c, func() error { return c.SendFinish(msg.ID) })
}

func (r *Consumer) OnMessageRequeued(c *Conn, msg *Message, delay time.Duration, backoff bool) {
	if backoff {
		if changed, phase := r.backoff.Signal(backoffSignalFailure); changed {
			r.applyBackoffTransition(phase)
		}
	}
	r.growThenSend(c, func() error { return c.SendRequeue(msg.ID, delay) })
}

// applyBackoffTransition reacts to a phase change reported by
// backoffController.Signal. Entering BACKOFF must zero every
// connection's RDY synchronously, not whenever something next happens
// to call RefreshIfLow/Redistribute — otherwise a connection keeps its
// pre-failure RDY for the entire backoff wait (spec.md §3 invariant 4,
// §8 scenario 3). Returning to NORMAL restores steady-state
// allocation; the TEST phase is driven separately by onBackoffResume's
// timer callback, which already calls ApplyBackoffRDY with a probe.
func (r *Consumer) applyBackoffTransition(phase backoffPhase) {
	switch phase {
	case backoffWaiting:
		r.rdy.ApplyBackoffRDY(nil)
	case backoffNormal:
		r.rdy.Redistribute()
	}
}

// growThenSend enforces spec.md §4.4's ordering rule: if this
// disposition frees enough credit to justify growing RDY again, the
// RDY command is enqueued before the terminal FIN/REQ, and since both
// travel over the same Conn.cmdChan the wire sees them in that order.
func (r *Consumer) growThenSend(c *Conn, send func() error) {
	if !r.backoff.IsInBackoff() {
		r.rdy.RefreshIfLow(c)
	}
	if err := send(); err != nil {
		r.lg.log(LogLevelError, "[%s] error sending response - %s", c.Address(), err)
	}
}

func (r *Consumer) OnHeartbeat(c *Conn) {}

func (r *Consumer) OnResponse(c *Conn, data []byte) {}

func (r *Consumer) OnError(c *Conn, data []byte) {
	r.lg.log(LogLevelError, "[%s] error - %s", c.Address(), data)
}

func (r *Consumer) OnClose(c *Conn) {
	r.removeConn(c.Address())
}

var _ connDelegate = (*Consumer)(nil)
