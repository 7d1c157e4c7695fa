package notify

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Webhook forwards applied operations to an external HTTP endpoint. Fully
// best-effort: a full queue or a failed POST never touches the session path.
type Webhook struct {
	url    string
	client *http.Client
	queue  chan []byte
}

// NewWebhook returns nil when no URL is configured; all methods are
// nil-safe.
func NewWebhook(url string) *Webhook {
	if url == "" {
		return nil
	}
	w := &Webhook{
		url:    url,
		client: &http.Client{Timeout: 5 * time.Second},
		queue:  make(chan []byte, 256),
	}
	go w.loop()
	return w
}

func (w *Webhook) Forward(v any) {
	if w == nil {
		return
	}
	body, err := json.Marshal(v)
	if err != nil {
		return
	}
	select {
	case w.queue <- body:
	default:
		// Queue full: drop, the webhook is not part of the ordering contract.
	}
}

func (w *Webhook) loop() {
	for body := range w.queue {
		resp, err := w.client.Post(w.url, "application/json", bytes.NewReader(body))
		if err != nil {
			zap.S().Warnw("webhook post failed", "url", w.url, "error", err)
			continue
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			zap.S().Warnw("webhook failed", "url", w.url, "status", resp.StatusCode)
		}
		resp.Body.Close()
	}
}
