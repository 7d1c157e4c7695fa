package notify

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebhookForwardsJSON(t *testing.T) {
	var mu sync.Mutex
	var bodies []map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		mu.Lock()
		bodies = append(bodies, body)
		mu.Unlock()
	}))
	defer srv.Close()

	w := NewWebhook(srv.URL)
	require.NotNil(t, w)

	w.Forward(map[string]any{"eventType": "OP_APPLIED", "offset": 3})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(bodies) == 1
	}, 2*time.Second, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "OP_APPLIED", bodies[0]["eventType"])
	assert.Equal(t, float64(3), bodies[0]["offset"])
}

func TestWebhookNilSafety(t *testing.T) {
	w := NewWebhook("")
	assert.Nil(t, w)
	// Forward on the nil webhook is a no-op, not a panic.
	w.Forward(map[string]any{"x": 1})
}
