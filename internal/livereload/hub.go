// Package livereload pushes rebuild notifications to connected browsers over
// server-sent events.
package livereload

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/euforicio/sitemd/internal/metrics"
)

// Event types.
const (
	EventReload = "reload"
	EventCSS    = "css"
)

// Event is a single notification delivered to clients.
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"type"`
	Path      string    `json:"path,omitempty"`
	BuildID   string    `json:"buildId,omitempty"`
}

// Options configure a Hub.
type Options struct {
	Recorder  metrics.Recorder
	Heartbeat time.Duration
}

type subscriber struct {
	ctx context.Context
	ch  chan Event
}

// Hub fans notifications out to subscribers. Subscribers that lag drop
// events; subscribers that join later see only later notifications.
type Hub struct {
	ctx         context.Context
	cancel      context.CancelFunc
	logger      *slog.Logger
	recorder    metrics.Recorder
	subscribers map[uint64]*subscriber
	heartbeat   time.Duration
	subCounter  atomic.Uint64
	subsMu      sync.RWMutex
}

// NewHub constructs a Hub.
func NewHub(logger *slog.Logger, opts Options) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Recorder == nil {
		opts.Recorder = metrics.NoopRecorder{}
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		ctx:         ctx,
		cancel:      cancel,
		logger:      logger.With("component", "livereload"),
		recorder:    opts.Recorder,
		subscribers: make(map[uint64]*subscriber),
		heartbeat:   opts.Heartbeat,
	}
}

// Subscribe registers for notifications. The returned channel closes when ctx
// is done or the hub is closed.
func (h *Hub) Subscribe(ctx context.Context) <-chan Event {
	ch := make(chan Event, 8)
	id := h.subCounter.Add(1)

	h.subsMu.Lock()
	if h.ctx.Err() != nil {
		h.subsMu.Unlock()
		close(ch)
		return ch
	}
	h.subscribers[id] = &subscriber{ctx: ctx, ch: ch}
	h.subsMu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-h.ctx.Done():
		}
		h.removeSubscriber(id)
	}()

	return ch
}

// Notify broadcasts a reload. A hint ending in .css asks clients to refresh
// that stylesheet instead of the whole page.
func (h *Hub) Notify(hint, buildID string) {
	evt := Event{
		Timestamp: time.Now(),
		Type:      EventReload,
		Path:      hint,
		BuildID:   buildID,
	}
	if isStylesheet(hint) {
		evt.Type = EventCSS
	}
	h.broadcast(evt)
}

func (h *Hub) broadcast(evt Event) {
	h.subsMu.RLock()
	delivered := 0
	for _, sub := range h.subscribers {
		select {
		case sub.ch <- evt:
			delivered++
		default:
			// lagging subscriber; the next notification still reaches it
		}
	}
	total := len(h.subscribers)
	h.subsMu.RUnlock()

	h.recorder.IncLiveReloadBroadcast(delivered)
	h.logger.Debug("live reload broadcast",
		slog.String("type", evt.Type),
		slog.String("path", evt.Path),
		slog.Int("clients", total),
		slog.Int("delivered", delivered))
}

func (h *Hub) removeSubscriber(id uint64) {
	h.subsMu.Lock()
	if sub, ok := h.subscribers[id]; ok {
		close(sub.ch)
		delete(h.subscribers, id)
	}
	h.subsMu.Unlock()
}

// Clients returns the number of current subscribers.
func (h *Hub) Clients() int {
	h.subsMu.RLock()
	defer h.subsMu.RUnlock()
	return len(h.subscribers)
}

// Close disconnects every subscriber. Later subscriptions close immediately.
func (h *Hub) Close() {
	h.subsMu.Lock()
	h.cancel()
	for id, sub := range h.subscribers {
		close(sub.ch)
		delete(h.subscribers, id)
	}
	h.subsMu.Unlock()
}

// ServeHTTP streams notifications as server-sent events.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	ch := h.Subscribe(ctx)

	if _, err := w.Write([]byte(": ready\n\n")); err != nil {
		return
	}
	flusher.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.Write([]byte(": ping\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case evt, ok := <-ch:
			if !ok {
				return
			}
			payload, err := json.Marshal(evt)
			if err != nil {
				h.logger.WarnContext(ctx, "encode sse event failed", slog.Any("err", err))
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func isStylesheet(path string) bool {
	return strings.HasSuffix(strings.ToLower(path), ".css")
}
