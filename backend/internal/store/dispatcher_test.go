package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingStore fails the first failures Puts, then delegates to memory.
type countingStore struct {
	mu       sync.Mutex
	failures int
	attempts int
	inner    *MemoryStore
}

func (s *countingStore) GetLatest(ctx context.Context, sessionID string) (*Checkpoint, error) {
	return s.inner.GetLatest(ctx, sessionID)
}

func (s *countingStore) Put(ctx context.Context, sessionID string, offset int64, state []byte) error {
	s.mu.Lock()
	s.attempts++
	fail := s.attempts <= s.failures
	s.mu.Unlock()
	if fail {
		return errors.New("transient")
	}
	return s.inner.Put(ctx, sessionID, offset, state)
}

func (s *countingStore) attemptCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

func TestDispatcherRetriesTransientFailures(t *testing.T) {
	cs := &countingStore{failures: 2, inner: NewMemoryStore()}
	d := NewCheckpointDispatcher(cs, nil, CheckpointDispatcherOptions{
		Workers: 1, MaxRetry: 3, BaseBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond,
	})

	require.NoError(t, d.Enqueue(context.Background(), CheckpointJob{
		SessionID: "doc-1", Offset: 7, State: []byte("s"),
	}))

	require.Eventually(t, func() bool {
		ck, err := cs.GetLatest(context.Background(), "doc-1")
		return err == nil && ck != nil && ck.Offset == 7
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 3, cs.attemptCount())
}

func TestDispatcherDropsWhenRetriesExhausted(t *testing.T) {
	cs := &countingStore{failures: 1 << 30, inner: NewMemoryStore()}
	d := NewCheckpointDispatcher(cs, nil, CheckpointDispatcherOptions{
		Workers: 1, MaxRetry: 2, BaseBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond,
	})

	require.NoError(t, d.Enqueue(context.Background(), CheckpointJob{
		SessionID: "doc-1", Offset: 7, State: []byte("s"),
	}))

	// MaxRetry 2 means three attempts total, then the job is dropped.
	require.Eventually(t, func() bool { return cs.attemptCount() == 3 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 3, cs.attemptCount())

	ck, err := cs.GetLatest(context.Background(), "doc-1")
	require.NoError(t, err)
	assert.Nil(t, ck)
}
