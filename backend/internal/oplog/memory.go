package oplog

import (
	"context"
	"fmt"
	"sync"

	"github.com/chandan-droid/fluvio-collab-backend/backend/internal/op"
)

// MemoryBridge is an in-process Bridge with the same ordering and
// at-least-once contract as the Kafka one. It backs broker-less deployments
// and the coordinator tests.
type MemoryBridge struct {
	mu   sync.Mutex
	logs map[string]*memLog
}

func NewMemoryBridge() *MemoryBridge {
	return &MemoryBridge{logs: make(map[string]*memLog)}
}

type memLog struct {
	mu      sync.Mutex
	cond    *sync.Cond
	records []op.Operation
}

func newMemLog() *memLog {
	l := &memLog{}
	l.cond = sync.NewCond(&l.mu)
	return l
}

func (b *MemoryBridge) log(sessionID string) *memLog {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.logs[sessionID]
}

func (b *MemoryBridge) Append(ctx context.Context, sessionID string, o op.Operation) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	l := b.log(sessionID)
	if l == nil {
		return 0, fmt.Errorf("%w: session %q not provisioned", ErrSessionUnknown, sessionID)
	}
	l.mu.Lock()
	l.records = append(l.records, o)
	offset := int64(len(l.records) - 1)
	l.cond.Broadcast()
	l.mu.Unlock()
	return offset, nil
}

func (b *MemoryBridge) Subscribe(ctx context.Context, sessionID string, from int64) (Stream, error) {
	l := b.log(sessionID)
	if l == nil {
		return nil, fmt.Errorf("%w: session %q not provisioned", ErrSessionUnknown, sessionID)
	}
	s := &memStream{
		log:     l,
		records: make(chan Record, 64),
		done:    make(chan struct{}),
	}
	if from < 0 {
		from = 0
	}
	go s.pump(ctx, from)
	return s, nil
}

func (b *MemoryBridge) Provision(ctx context.Context, sessionID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.logs[sessionID]; !ok {
		b.logs[sessionID] = newMemLog()
	}
	return nil
}

type memStream struct {
	log     *memLog
	records chan Record

	mu  sync.Mutex
	err error

	done      chan struct{}
	closeOnce sync.Once
}

func (s *memStream) pump(ctx context.Context, from int64) {
	defer close(s.records)

	// Wake the cond wait when the subscriber goes away.
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.done:
		}
		s.log.cond.Broadcast()
	}()

	cursor := from
	for {
		s.log.mu.Lock()
		for cursor >= int64(len(s.log.records)) && !s.closed() {
			s.log.cond.Wait()
		}
		if s.closed() {
			s.log.mu.Unlock()
			return
		}
		o := s.log.records[cursor]
		s.log.mu.Unlock()

		select {
		case s.records <- Record{Offset: cursor, Op: o}:
			cursor++
		case <-s.done:
			return
		}
	}
}

func (s *memStream) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *memStream) Records() <-chan Record { return s.records }

func (s *memStream) HighWaterMark() int64 {
	s.log.mu.Lock()
	defer s.log.mu.Unlock()
	return int64(len(s.log.records))
}

func (s *memStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *memStream) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}
