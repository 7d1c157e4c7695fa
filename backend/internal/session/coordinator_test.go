package session_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chandan-droid/fluvio-collab-backend/backend/internal/op"
	"github.com/chandan-droid/fluvio-collab-backend/backend/internal/oplog"
	"github.com/chandan-droid/fluvio-collab-backend/backend/internal/session"
	"github.com/chandan-droid/fluvio-collab-backend/backend/internal/store"
)

type fakeSink struct {
	id          string
	rejectCatch bool
	full        bool

	mu       sync.Mutex
	catchups []session.JoinResult
	pushes   []session.Push
	resyncs  int
}

func (f *fakeSink) ClientID() string { return f.id }

func (f *fakeSink) CatchUp(res session.JoinResult) bool {
	if f.rejectCatch {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.catchups = append(f.catchups, res)
	return true
}

func (f *fakeSink) Push(p session.Push) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.full {
		return false
	}
	f.pushes = append(f.pushes, p)
	return true
}

func (f *fakeSink) Resync() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resyncs++
}

func (f *fakeSink) pushCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pushes)
}

func (f *fakeSink) resyncCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resyncs
}

func (f *fakeSink) pushAt(i int) session.Push {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pushes[i]
}

func newTestRegistry(cfg session.Config) (*session.Registry, *oplog.MemoryBridge, *store.MemoryStore) {
	bridge := oplog.NewMemoryBridge()
	ckpts := store.NewMemoryStore()
	disp := store.NewCheckpointDispatcher(ckpts, nil, store.CheckpointDispatcherOptions{})
	return session.NewRegistry(bridge, ckpts, disp, nil, cfg), bridge, ckpts
}

func insertOp(sessionID, client string, seq uint64, frontier int64, pos int, text string) op.Operation {
	return op.Operation{
		SessionID: sessionID, ClientID: client, OpSeq: seq, Context: frontier,
		Payload: op.Payload{Kind: op.KindInsert, Pos: pos, Text: text},
	}
}

func TestSubmitAcksAndFansOutToEveryone(t *testing.T) {
	reg, _, _ := newTestRegistry(session.Config{})
	ctx := context.Background()

	coord, err := reg.Acquire(ctx, "doc-1")
	require.NoError(t, err)

	alice := &fakeSink{id: "alice"}
	bob := &fakeSink{id: "bob"}

	res, err := coord.Join(ctx, alice, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(-1), res.Offset)
	assert.JSONEq(t, `""`, string(res.Snapshot))
	_, err = coord.Join(ctx, bob, nil)
	require.NoError(t, err)

	ack, err := coord.Submit(ctx, insertOp("doc-1", "alice", 1, -1, 0, "hi"))
	require.NoError(t, err)
	assert.Equal(t, session.Ack{OpSeq: 1, Offset: 0}, ack)

	// The submitter gets the push too; the ack alone does not mean applied.
	require.Eventually(t, func() bool {
		return alice.pushCount() == 1 && bob.pushCount() == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(0), alice.pushAt(0).Offset)
	assert.Equal(t, "hi", bob.pushAt(0).Op.Payload.Text)
}

func TestPushesAreGapFreeAndOrdered(t *testing.T) {
	reg, _, _ := newTestRegistry(session.Config{})
	ctx := context.Background()

	coord, err := reg.Acquire(ctx, "doc-1")
	require.NoError(t, err)
	sink := &fakeSink{id: "alice"}
	_, err = coord.Join(ctx, sink, nil)
	require.NoError(t, err)

	frontier := int64(-1)
	for i := 0; i < 5; i++ {
		ack, err := coord.Submit(ctx, insertOp("doc-1", "alice", uint64(i+1), frontier, 0, "x"))
		require.NoError(t, err)
		frontier = ack.Offset
	}

	require.Eventually(t, func() bool { return sink.pushCount() == 5 }, 2*time.Second, 5*time.Millisecond)
	for i := 0; i < 5; i++ {
		assert.Equal(t, int64(i), sink.pushAt(i).Offset)
	}
}

func TestSubmitRejectsDuplicateAndStaleOpSeq(t *testing.T) {
	reg, _, _ := newTestRegistry(session.Config{})
	ctx := context.Background()

	coord, err := reg.Acquire(ctx, "doc-1")
	require.NoError(t, err)

	_, err = coord.Submit(ctx, insertOp("doc-1", "alice", 2, -1, 0, "x"))
	require.NoError(t, err)

	_, err = coord.Submit(ctx, insertOp("doc-1", "alice", 2, -1, 0, "x"))
	assert.ErrorIs(t, err, session.ErrDuplicateOrOutOfOrder)
	_, err = coord.Submit(ctx, insertOp("doc-1", "alice", 1, -1, 0, "x"))
	assert.ErrorIs(t, err, session.ErrDuplicateOrOutOfOrder)

	// A different client's counter is independent.
	_, err = coord.Submit(ctx, insertOp("doc-1", "bob", 1, -1, 0, "y"))
	assert.NoError(t, err)
}

func TestSubmitValidation(t *testing.T) {
	reg, _, _ := newTestRegistry(session.Config{})
	ctx := context.Background()

	coord, err := reg.Acquire(ctx, "doc-1")
	require.NoError(t, err)

	malformed := insertOp("doc-1", "alice", 0, -1, 0, "x")
	_, err = coord.Submit(ctx, malformed)
	assert.ErrorIs(t, err, op.ErrMalformed)

	_, err = coord.Submit(ctx, insertOp("doc-2", "alice", 1, -1, 0, "x"))
	assert.ErrorIs(t, err, op.ErrMalformed)

	set := op.Operation{
		SessionID: "doc-1", ClientID: "alice", OpSeq: 1, Context: -1,
		Payload: op.Payload{Kind: op.KindSet, Field: "title", Value: "x"},
	}
	_, err = coord.Submit(ctx, set)
	assert.ErrorIs(t, err, session.ErrPayloadKindMismatch)
}

func TestSubmitRejectsContextBehindWindow(t *testing.T) {
	reg, _, _ := newTestRegistry(session.Config{WindowSize: 2})
	ctx := context.Background()

	coord, err := reg.Acquire(ctx, "doc-1")
	require.NoError(t, err)
	sink := &fakeSink{id: "alice"}
	_, err = coord.Join(ctx, sink, nil)
	require.NoError(t, err)

	frontier := int64(-1)
	for i := 0; i < 3; i++ {
		ack, err := coord.Submit(ctx, insertOp("doc-1", "alice", uint64(i+1), frontier, 0, "x"))
		require.NoError(t, err)
		frontier = ack.Offset
	}
	require.Eventually(t, func() bool { return sink.pushCount() == 3 }, 2*time.Second, 5*time.Millisecond)

	// Offset 0 has been evicted from the rebase window.
	_, err = coord.Submit(ctx, insertOp("doc-1", "bob", 1, -1, 0, "y"))
	assert.ErrorIs(t, err, session.ErrContextTooOld)
}

func TestRejoinGetsDiffNotSnapshot(t *testing.T) {
	reg, _, _ := newTestRegistry(session.Config{})
	ctx := context.Background()

	coord, err := reg.Acquire(ctx, "doc-1")
	require.NoError(t, err)
	alice := &fakeSink{id: "alice"}
	_, err = coord.Join(ctx, alice, nil)
	require.NoError(t, err)

	frontier := int64(-1)
	for i := 0; i < 3; i++ {
		ack, err := coord.Submit(ctx, insertOp("doc-1", "alice", uint64(i+1), frontier, 0, "x"))
		require.NoError(t, err)
		frontier = ack.Offset
	}
	require.Eventually(t, func() bool { return alice.pushCount() == 3 }, 2*time.Second, 5*time.Millisecond)

	lastKnown := int64(0)
	bob := &fakeSink{id: "bob"}
	res, err := coord.Join(ctx, bob, &lastKnown)
	require.NoError(t, err)
	assert.Nil(t, res.Snapshot)
	require.Len(t, res.Diff, 2)
	assert.Equal(t, int64(1), res.Diff[0].Offset)
	assert.Equal(t, int64(2), res.Diff[1].Offset)
	assert.Equal(t, int64(2), res.Offset)

	// The sink saw the same catch-up before any live push.
	require.Len(t, bob.catchups, 1)
	assert.Len(t, bob.catchups[0].Diff, 2)
}

func TestJoinRejectsBackloggedSink(t *testing.T) {
	reg, _, _ := newTestRegistry(session.Config{})
	ctx := context.Background()

	coord, err := reg.Acquire(ctx, "doc-1")
	require.NoError(t, err)

	sink := &fakeSink{id: "alice", rejectCatch: true}
	_, err = coord.Join(ctx, sink, nil)
	assert.ErrorIs(t, err, session.ErrBacklogged)
}

func TestSlowClientIsMarkedStaleAndResynced(t *testing.T) {
	reg, _, _ := newTestRegistry(session.Config{})
	ctx := context.Background()

	coord, err := reg.Acquire(ctx, "doc-1")
	require.NoError(t, err)
	alice := &fakeSink{id: "alice"}
	slow := &fakeSink{id: "slow", full: true}
	_, err = coord.Join(ctx, alice, nil)
	require.NoError(t, err)
	_, err = coord.Join(ctx, slow, nil)
	require.NoError(t, err)

	_, err = coord.Submit(ctx, insertOp("doc-1", "alice", 1, -1, 0, "x"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return alice.pushCount() == 1 && slow.resyncCount() == 1
	}, 2*time.Second, 5*time.Millisecond)

	// Once stale, the slow client gets no further pushes and no second resync.
	_, err = coord.Submit(ctx, insertOp("doc-1", "alice", 2, 0, 0, "y"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return alice.pushCount() == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, slow.pushCount())
	assert.Equal(t, 1, slow.resyncCount())
}

func TestIdleSessionDrainsAndReloadsFromDurableState(t *testing.T) {
	cfg := session.Config{IdleTimeout: 50 * time.Millisecond, CheckpointEvery: 1}
	reg, _, ckpts := newTestRegistry(cfg)
	ctx := context.Background()

	first, err := reg.Acquire(ctx, "doc-1")
	require.NoError(t, err)
	sink := &fakeSink{id: "alice"}
	_, err = first.Join(ctx, sink, nil)
	require.NoError(t, err)

	_, err = first.Submit(ctx, insertOp("doc-1", "alice", 1, -1, 0, "hi"))
	require.NoError(t, err)
	ack, err := first.Submit(ctx, insertOp("doc-1", "alice", 2, 0, 2, "!!"))
	require.NoError(t, err)
	require.Equal(t, int64(1), ack.Offset)
	require.Eventually(t, func() bool { return sink.pushCount() == 2 }, 2*time.Second, 5*time.Millisecond)

	first.Leave("alice")

	// The drain timer fires, the coordinator checkpoints and unloads.
	var second *session.Coordinator
	require.Eventually(t, func() bool {
		c, err := reg.Acquire(ctx, "doc-1")
		if err != nil {
			return false
		}
		second = c
		return c != first
	}, 5*time.Second, 20*time.Millisecond)

	_, err = first.Submit(ctx, insertOp("doc-1", "alice", 3, 1, 0, "z"))
	assert.ErrorIs(t, err, session.ErrUnloaded)

	// The reloaded coordinator serves the state the first one produced.
	fresh := &fakeSink{id: "carol"}
	res, err := second.Join(ctx, fresh, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Offset)
	assert.JSONEq(t, `"hi!!"`, string(res.Snapshot))

	require.Eventually(t, func() bool {
		ck, err := ckpts.GetLatest(ctx, "doc-1")
		return err == nil && ck != nil && ck.Offset == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestNeverJoinedSessionDrains(t *testing.T) {
	reg, _, _ := newTestRegistry(session.Config{IdleTimeout: 50 * time.Millisecond})
	ctx := context.Background()

	first, err := reg.Acquire(ctx, "doc-1")
	require.NoError(t, err)

	// A join whose catch-up cannot be taken never registers the sink, so the
	// session has zero clients from birth and must still unload on idle.
	_, err = first.Join(ctx, &fakeSink{id: "alice", rejectCatch: true}, nil)
	require.ErrorIs(t, err, session.ErrBacklogged)

	require.Eventually(t, func() bool {
		c, err := reg.Acquire(ctx, "doc-1")
		return err == nil && c != first
	}, 5*time.Second, 20*time.Millisecond)

	_, err = first.Submit(ctx, insertOp("doc-1", "alice", 1, -1, 0, "x"))
	assert.ErrorIs(t, err, session.ErrUnloaded)
}

// flakyBridge lets a test kill the live subscription and gate resubscription.
type flakyBridge struct {
	inner *oplog.MemoryBridge

	mu      sync.Mutex
	fail    bool
	streams []oplog.Stream
}

func (b *flakyBridge) Append(ctx context.Context, sessionID string, o op.Operation) (int64, error) {
	return b.inner.Append(ctx, sessionID, o)
}

func (b *flakyBridge) Provision(ctx context.Context, sessionID string) error {
	return b.inner.Provision(ctx, sessionID)
}

func (b *flakyBridge) Subscribe(ctx context.Context, sessionID string, from int64) (oplog.Stream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fail {
		return nil, fmt.Errorf("%w: injected", oplog.ErrUnavailable)
	}
	s, err := b.inner.Subscribe(ctx, sessionID, from)
	if err != nil {
		return nil, err
	}
	b.streams = append(b.streams, s)
	return s, nil
}

func (b *flakyBridge) setFail(fail bool) {
	b.mu.Lock()
	b.fail = fail
	b.mu.Unlock()
}

func (b *flakyBridge) killStreams() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.streams {
		_ = s.Close()
	}
	b.streams = nil
}

func TestDegradedModeRecoversWithoutLosingOps(t *testing.T) {
	bridge := &flakyBridge{inner: oplog.NewMemoryBridge()}
	ckpts := store.NewMemoryStore()
	disp := store.NewCheckpointDispatcher(ckpts, nil, store.CheckpointDispatcherOptions{})
	reg := session.NewRegistry(bridge, ckpts, disp, nil, session.Config{})
	ctx := context.Background()

	coord, err := reg.Acquire(ctx, "doc-1")
	require.NoError(t, err)
	sink := &fakeSink{id: "alice"}
	_, err = coord.Join(ctx, sink, nil)
	require.NoError(t, err)

	ack, err := coord.Submit(ctx, insertOp("doc-1", "alice", 1, -1, 0, "a"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return sink.pushCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	bridge.setFail(true)
	bridge.killStreams()

	// Submits answer Unavailable while the stream is down; the connection and
	// the coordinator both stay up.
	seq := uint64(2)
	require.Eventually(t, func() bool {
		_, err := coord.Submit(ctx, insertOp("doc-1", "alice", seq, ack.Offset, 0, "b"))
		if err == nil {
			seq++
			return false
		}
		return errors.Is(err, oplog.ErrUnavailable)
	}, 5*time.Second, 10*time.Millisecond)

	bridge.setFail(false)

	// After resubscribing from the last applied offset the coordinator applies
	// everything it missed plus new submits, with no gaps.
	require.Eventually(t, func() bool {
		_, err := coord.Submit(ctx, insertOp("doc-1", "alice", seq, ack.Offset, 0, "c"))
		if err != nil {
			return false
		}
		seq++
		return true
	}, 15*time.Second, 50*time.Millisecond)

	finalSeq := seq - 1
	require.Eventually(t, func() bool {
		n := sink.pushCount()
		return n > 0 && sink.pushAt(n-1).Op.OpSeq == finalSeq
	}, 5*time.Second, 10*time.Millisecond)
	for i := 1; i < sink.pushCount(); i++ {
		assert.Equal(t, sink.pushAt(i-1).Offset+1, sink.pushAt(i).Offset)
	}
}
