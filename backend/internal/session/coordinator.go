package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/chandan-droid/fluvio-collab-backend/backend/internal/convergence"
	"github.com/chandan-droid/fluvio-collab-backend/backend/internal/metrics"
	"github.com/chandan-droid/fluvio-collab-backend/backend/internal/notify"
	"github.com/chandan-droid/fluvio-collab-backend/backend/internal/op"
	"github.com/chandan-droid/fluvio-collab-backend/backend/internal/oplog"
	"github.com/chandan-droid/fluvio-collab-backend/backend/internal/store"
)

var (
	ErrDuplicateOrOutOfOrder = errors.New("DUPLICATE_OR_OUT_OF_ORDER")
	ErrContextTooOld         = errors.New("CONTEXT_TOO_OLD")
	ErrPayloadKindMismatch   = errors.New("PAYLOAD_KIND_MISMATCH")
	ErrUnloaded              = errors.New("SESSION_UNLOADED")
	ErrBacklogged            = errors.New("CLIENT_BACKLOGGED")
)

type Config struct {
	DocKind         string
	WindowSize      int
	IdleTimeout     time.Duration
	AppendTimeout   time.Duration
	CheckpointEvery int
}

func (c Config) withDefaults() Config {
	if c.DocKind == "" {
		c.DocKind = convergence.DocKindSequence
	}
	if c.WindowSize <= 0 {
		c.WindowSize = convergence.DefaultWindowCap
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 5 * time.Minute
	}
	if c.AppendTimeout <= 0 {
		c.AppendTimeout = 2 * time.Second
	}
	if c.CheckpointEvery <= 0 {
		c.CheckpointEvery = 256
	}
	return c
}

// Push is one applied operation fanned out to clients, in strictly
// increasing offset order with no gaps. Op carries the effective (rebased)
// payload, so a caught-up client replicates the server by plain application.
type Push struct {
	Offset int64        `json:"offset"`
	Op     op.Operation `json:"op"`
}

type Ack struct {
	OpSeq  uint64
	Offset int64
}

// JoinResult is either a full snapshot (Snapshot != nil) or a diff of
// everything after the client's last known offset. Offset is the tail at
// join time; live pushes continue from there with no gap and no overlap.
type JoinResult struct {
	DocKind  string
	Offset   int64
	Snapshot json.RawMessage
	Diff     []Push
}

// Sink is the coordinator's view of a connected client. None of the methods
// may block: Push or CatchUp returning false means the client cannot keep
// up, and the coordinator stops pushing and asks it to resynchronize
// instead.
type Sink interface {
	ClientID() string
	// CatchUp delivers the join-time snapshot or diff. The coordinator calls
	// it before it starts pushing live records to the sink, which is what
	// keeps catch-up and live delivery from interleaving out of order.
	CatchUp(res JoinResult) bool
	Push(p Push) bool
	Resync()
}

// OpAppliedEvent is the payload forwarded to the configured webhook for
// every applied operation.
type OpAppliedEvent struct {
	EventType string     `json:"eventType"`
	SessionID string     `json:"sessionId"`
	Offset    int64      `json:"offset"`
	ClientID  string     `json:"clientId"`
	OpSeq     uint64     `json:"opSeq"`
	Payload   op.Payload `json:"payload"`
	AppliedAt time.Time  `json:"appliedAt"`
}

type submitReq struct {
	o     op.Operation
	reply chan submitResp
}

type submitResp struct {
	ack Ack
	err error
}

type joinReq struct {
	sink      Sink
	lastKnown *int64
	reply     chan joinResp
}

type joinResp struct {
	res JoinResult
	err error
}

type leaveReq struct {
	clientID string
}

type clientState struct {
	sink Sink
	// stale: the client's queue overflowed; it gets no more pushes until it
	// re-joins.
	stale bool
}

// Coordinator owns one session: it is the sole writer path for the
// session's log stream and the only goroutine that ever touches the
// session's document state. Lifecycle: Unloaded -> Loading -> Live ->
// Draining -> Unloaded.
type Coordinator struct {
	sessionID string
	bridge    oplog.Bridge
	ckpts     store.CheckpointStore
	disp      *store.CheckpointDispatcher
	webhook   *notify.Webhook
	cfg       Config

	state           *convergence.State
	lastSeqByClient map[string]uint64
	clients         map[string]*clientState
	opsSinceCkpt    int

	stream   oplog.Stream
	records  <-chan oplog.Record
	degraded bool
	resubBO  *backoff.ExponentialBackOff
	resubC   <-chan time.Time

	drainTimer *time.Timer
	drainC     <-chan time.Time

	submitCh chan submitReq
	joinCh   chan joinReq
	leaveCh  chan leaveReq

	ready   chan struct{}
	loadErr error
	done    chan struct{}
}

func newCoordinator(sessionID string, bridge oplog.Bridge, ckpts store.CheckpointStore,
	disp *store.CheckpointDispatcher, webhook *notify.Webhook, cfg Config) *Coordinator {
	return &Coordinator{
		sessionID:       sessionID,
		bridge:          bridge,
		ckpts:           ckpts,
		disp:            disp,
		webhook:         webhook,
		cfg:             cfg.withDefaults(),
		lastSeqByClient: make(map[string]uint64),
		clients:         make(map[string]*clientState),
		submitCh:        make(chan submitReq),
		joinCh:          make(chan joinReq),
		leaveCh:         make(chan leaveReq, 16),
		ready:           make(chan struct{}),
		done:            make(chan struct{}),
	}
}

func (c *Coordinator) SessionID() string { return c.sessionID }

// Submit appends the operation to the log and acks with its offset. The
// operation is not yet applied when Submit returns; application and fan-out
// happen when the committed record comes back through the subscription.
func (c *Coordinator) Submit(ctx context.Context, o op.Operation) (Ack, error) {
	req := submitReq{o: o, reply: make(chan submitResp, 1)}
	select {
	case c.submitCh <- req:
	case <-ctx.Done():
		return Ack{}, ctx.Err()
	case <-c.done:
		return Ack{}, ErrUnloaded
	}
	select {
	case resp := <-req.reply:
		return resp.ack, resp.err
	case <-ctx.Done():
		return Ack{}, ctx.Err()
	case <-c.done:
		return Ack{}, ErrUnloaded
	}
}

// Join admits the sink and returns its catch-up. Cancelling ctx abandons
// only this client's catch-up; nothing already appended is affected.
func (c *Coordinator) Join(ctx context.Context, sink Sink, lastKnown *int64) (JoinResult, error) {
	req := joinReq{sink: sink, lastKnown: lastKnown, reply: make(chan joinResp, 1)}
	select {
	case c.joinCh <- req:
	case <-ctx.Done():
		return JoinResult{}, ctx.Err()
	case <-c.done:
		return JoinResult{}, ErrUnloaded
	}
	select {
	case resp := <-req.reply:
		return resp.res, resp.err
	case <-ctx.Done():
		return JoinResult{}, ctx.Err()
	case <-c.done:
		return JoinResult{}, ErrUnloaded
	}
}

// Leave removes the client immediately; with no clients left the drain
// timer starts.
func (c *Coordinator) Leave(clientID string) {
	select {
	case c.leaveCh <- leaveReq{clientID: clientID}:
	case <-c.done:
	}
}

func (c *Coordinator) run(onUnload func(*Coordinator)) {
	metrics.SessionsLive.Inc()
	err := c.load()
	if err != nil {
		c.loadErr = err
		zap.S().Errorw("session load failed", "session", c.sessionID, "error", err)
	}
	close(c.ready)
	if err == nil {
		c.loop()
	}
	if c.stream != nil {
		_ = c.stream.Close()
	}
	// Release the single-writer claim only after the stream is shut down.
	onUnload(c)
	close(c.done)
	metrics.SessionsLive.Dec()
}

// load is the Loading phase: restore the latest checkpoint (or start
// fresh), subscribe from the last durably applied offset, and replay until
// caught up to the log tail, so no client can observe a state behind what a
// previous coordinator instance had produced.
func (c *Coordinator) load() error {
	ctx := context.Background()
	if err := c.bridge.Provision(ctx, c.sessionID); err != nil {
		return err
	}

	st, err := convergence.NewState(c.cfg.DocKind, c.cfg.WindowSize)
	if err != nil {
		return err
	}
	c.state = st
	c.restoreCheckpoint(ctx)

	stream, err := c.subscribeWithRetry()
	if err != nil {
		return err
	}
	c.stream = stream
	c.records = stream.Records()

	for c.state.LastApplied() < stream.HighWaterMark()-1 {
		rec, ok := <-c.records
		if !ok {
			if serr := stream.Err(); serr != nil {
				return serr
			}
			return fmt.Errorf("%w: subscription ended during replay", oplog.ErrUnavailable)
		}
		c.apply(rec)
	}
	return nil
}

func (c *Coordinator) restoreCheckpoint(ctx context.Context) {
	if c.ckpts == nil {
		return
	}
	ck, err := c.ckpts.GetLatest(ctx, c.sessionID)
	if err != nil {
		zap.S().Warnw("checkpoint fetch failed, replaying from zero",
			"session", c.sessionID, "error", err)
		return
	}
	if ck == nil {
		return
	}
	st, err := convergence.Unmarshal(ck.State, c.cfg.WindowSize)
	if err != nil || st.DocKind() != c.cfg.DocKind {
		zap.S().Warnw("unusable checkpoint, degraded to full replay from zero",
			"session", c.sessionID, "offset", ck.Offset, "error", err)
		return
	}
	c.state = st
}

func (c *Coordinator) subscribeWithRetry() (oplog.Stream, error) {
	var stream oplog.Stream
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 30 * time.Second
	err := backoff.Retry(func() error {
		s, err := c.bridge.Subscribe(context.Background(), c.sessionID, c.state.LastApplied()+1)
		if err != nil {
			if errors.Is(err, oplog.ErrSessionUnknown) {
				return backoff.Permanent(err)
			}
			return err
		}
		stream = s
		return nil
	}, bo)
	if err != nil {
		return nil, err
	}
	return stream, nil
}

// loop is the Live (and Draining) phase. Every mutation of session state
// happens here, on this one goroutine.
func (c *Coordinator) loop() {
	// Nobody has joined yet; a session that never gets its join (the client
	// disconnected between Acquire and Join) must still drain.
	c.armDrainTimer()
	for {
		select {
		case req := <-c.submitCh:
			c.handleSubmit(req)
		case req := <-c.joinCh:
			c.handleJoin(req)
		case req := <-c.leaveCh:
			c.handleLeave(req)
		case rec, ok := <-c.records:
			if !ok {
				c.enterDegraded()
				continue
			}
			c.apply(rec)
		case <-c.resubC:
			c.tryResubscribe()
		case <-c.drainC:
			c.drainTimer = nil
			c.drainC = nil
			if len(c.clients) == 0 {
				c.checkpoint()
				zap.S().Infow("session idle, unloading", "session", c.sessionID,
					"lastApplied", c.state.LastApplied())
				return
			}
		}
	}
}

func (c *Coordinator) handleSubmit(req submitReq) {
	o := req.o
	if c.degraded {
		req.reply <- submitResp{err: fmt.Errorf("%w: log stream down", oplog.ErrUnavailable)}
		return
	}
	if err := o.Validate(); err != nil {
		req.reply <- submitResp{err: err}
		return
	}
	if o.SessionID != c.sessionID {
		req.reply <- submitResp{err: fmt.Errorf("%w: session mismatch", op.ErrMalformed)}
		return
	}
	if !convergence.AllowsPayload(c.state.DocKind(), o.Payload.Kind) {
		req.reply <- submitResp{err: ErrPayloadKindMismatch}
		return
	}
	if last := c.lastSeqByClient[o.ClientID]; o.OpSeq <= last {
		req.reply <- submitResp{err: ErrDuplicateOrOutOfOrder}
		return
	}
	if !c.state.CanRebase(o.Context) {
		req.reply <- submitResp{err: ErrContextTooOld}
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.AppendTimeout)
	offset, err := c.bridge.Append(ctx, c.sessionID, o)
	if errors.Is(err, oplog.ErrSessionUnknown) {
		if perr := c.bridge.Provision(ctx, c.sessionID); perr == nil {
			offset, err = c.bridge.Append(ctx, c.sessionID, o)
		}
	}
	cancel()
	if err != nil {
		req.reply <- submitResp{err: err}
		return
	}
	metrics.OpsAppended.Inc()
	c.lastSeqByClient[o.ClientID] = o.OpSeq
	req.reply <- submitResp{ack: Ack{OpSeq: o.OpSeq, Offset: offset}}
}

func (c *Coordinator) handleJoin(req joinReq) {
	res := JoinResult{DocKind: c.state.DocKind(), Offset: c.state.LastApplied()}
	if req.lastKnown != nil && c.state.CanServeDiff(*req.lastKnown) {
		for _, w := range c.state.OpsSince(*req.lastKnown) {
			res.Diff = append(res.Diff, Push{Offset: w.Offset, Op: w.Op})
		}
	} else {
		snap, err := c.state.SnapshotDoc()
		if err != nil {
			req.reply <- joinResp{err: err}
			return
		}
		res.Snapshot = snap
	}

	// Catch-up goes to the sink before it is registered for pushes, and both
	// happen on the apply goroutine: live records arriving later are pushed
	// strictly after the catch-up, never interleaved.
	if !req.sink.CatchUp(res) {
		req.reply <- joinResp{err: ErrBacklogged}
		return
	}
	c.clients[req.sink.ClientID()] = &clientState{sink: req.sink}
	if c.drainTimer != nil {
		c.drainTimer.Stop()
		c.drainTimer = nil
		c.drainC = nil
	}
	req.reply <- joinResp{res: res}
}

func (c *Coordinator) handleLeave(req leaveReq) {
	delete(c.clients, req.clientID)
	if len(c.clients) == 0 {
		c.armDrainTimer()
	}
}

func (c *Coordinator) armDrainTimer() {
	if c.drainTimer == nil {
		c.drainTimer = time.NewTimer(c.cfg.IdleTimeout)
		c.drainC = c.drainTimer.C
	}
}

func (c *Coordinator) apply(rec oplog.Record) {
	applied, ok, err := c.state.Apply(rec.Offset, rec.Op)
	if err != nil {
		zap.S().Errorw("apply failed", "session", c.sessionID, "offset", rec.Offset, "error", err)
		return
	}
	if !ok {
		// Redelivered offset, already folded in.
		return
	}
	metrics.OpsApplied.Inc()

	push := Push{Offset: applied.Offset, Op: applied.Op}
	for _, cl := range c.clients {
		if cl.stale {
			continue
		}
		if !cl.sink.Push(push) {
			cl.stale = true
			metrics.PushesDropped.Inc()
			cl.sink.Resync()
		}
	}

	c.webhook.Forward(OpAppliedEvent{
		EventType: "OP_APPLIED",
		SessionID: c.sessionID,
		Offset:    applied.Offset,
		ClientID:  applied.Op.ClientID,
		OpSeq:     applied.Op.OpSeq,
		Payload:   applied.Op.Payload,
		AppliedAt: time.Now(),
	})

	c.opsSinceCkpt++
	if c.opsSinceCkpt >= c.cfg.CheckpointEvery {
		c.checkpoint()
		c.opsSinceCkpt = 0
	}
}

func (c *Coordinator) checkpoint() {
	if c.disp == nil || c.state.LastApplied() < 0 {
		return
	}
	data, err := c.state.Marshal()
	if err != nil {
		zap.S().Warnw("checkpoint marshal failed", "session", c.sessionID, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = c.disp.Enqueue(ctx, store.CheckpointJob{
		SessionID: c.sessionID,
		Offset:    c.state.LastApplied(),
		State:     data,
	})
}

// enterDegraded handles the subscription dying: submits start answering
// Unavailable, connected clients stay, and resubscription is retried with
// backoff from the last applied offset, never from scratch.
func (c *Coordinator) enterDegraded() {
	if c.stream != nil {
		zap.S().Warnw("log subscription lost", "session", c.sessionID,
			"lastApplied", c.state.LastApplied(), "error", c.stream.Err())
		_ = c.stream.Close()
		c.stream = nil
	}
	c.records = nil
	c.degraded = true
	c.resubBO = backoff.NewExponentialBackOff()
	c.resubBO.MaxElapsedTime = 0
	c.scheduleResubscribe()
}

func (c *Coordinator) scheduleResubscribe() {
	c.resubC = time.After(c.resubBO.NextBackOff())
}

func (c *Coordinator) tryResubscribe() {
	c.resubC = nil
	s, err := c.bridge.Subscribe(context.Background(), c.sessionID, c.state.LastApplied()+1)
	if err != nil {
		c.scheduleResubscribe()
		return
	}
	c.stream = s
	c.records = s.Records()
	c.degraded = false
	c.resubBO = nil
	zap.S().Infow("log subscription restored", "session", c.sessionID,
		"from", c.state.LastApplied()+1)
}
