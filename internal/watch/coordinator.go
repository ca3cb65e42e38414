// Package watch turns bursts of filesystem events into serialized rebuilds
// and announces finished rebuilds to live reload clients.
package watch

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/euforicio/sitemd/internal/fsstore"
	"github.com/euforicio/sitemd/internal/pipeline"
)

// Default debounce windows.
const (
	DefaultDebounce    = 500 * time.Millisecond
	DefaultCSSDebounce = 100 * time.Millisecond
)

// Rebuilder runs rebuilds for changed paths.
type Rebuilder interface {
	Rebuild(ctx context.Context, paths []string) (pipeline.Summary, error)
	IsCSSOnly(paths []string) bool
	IsOutput(path string) bool
}

// Notifier is told about every successful rebuild.
type Notifier interface {
	Notify(hint, buildID string)
}

// Options configure a Coordinator.
type Options struct {
	Debounce    time.Duration
	CSSDebounce time.Duration
	Logger      *slog.Logger
}

// Coordinator debounces watch events and dispatches at most one rebuild at a
// time. Paths arriving while a rebuild runs are collected and dispatched as
// one follow-up rebuild once it finishes.
type Coordinator struct {
	builder     Rebuilder
	notifier    Notifier
	logger      *slog.Logger
	debounce    time.Duration
	cssDebounce time.Duration
}

// NewCoordinator constructs a Coordinator. notifier may be nil.
func NewCoordinator(builder Rebuilder, notifier Notifier, opts Options) (*Coordinator, error) {
	if builder == nil {
		return nil, errors.New("rebuilder must be provided")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.CSSDebounce <= 0 {
		opts.CSSDebounce = DefaultCSSDebounce
	}
	return &Coordinator{
		builder:     builder,
		notifier:    notifier,
		logger:      opts.Logger.With("component", "watch"),
		debounce:    opts.Debounce,
		cssDebounce: opts.CSSDebounce,
	}, nil
}

type result struct {
	summary pipeline.Summary
	err     error
}

// Run consumes events until ctx is done or events is closed. A rebuild that is
// in flight when Run returns is waited for.
func (c *Coordinator) Run(ctx context.Context, events <-chan fsstore.Event) error {
	pending := make(map[string]struct{})
	timer := time.NewTimer(time.Hour)
	stopTimer(timer)

	var (
		timerC <-chan time.Time
		doneC  chan result
		busy   bool
		queued bool
	)

	dispatch := func() {
		paths := drain(pending)
		busy = true
		queued = false
		doneC = make(chan result, 1)
		c.logger.Info("rebuilding", slog.Int("paths", len(paths)))
		go func(done chan<- result) {
			summary, err := c.builder.Rebuild(ctx, paths)
			done <- result{summary: summary, err: err}
		}(doneC)
	}

	for {
		select {
		case <-ctx.Done():
			stopTimer(timer)
			if busy {
				<-doneC
			}
			return nil

		case evt, ok := <-events:
			if !ok {
				stopTimer(timer)
				if busy {
					<-doneC
				}
				return nil
			}
			if c.builder.IsOutput(evt.Path) {
				continue
			}
			pending[evt.Path] = struct{}{}
			stopTimer(timer)
			timer.Reset(c.window(pending))
			timerC = timer.C

		case <-timerC:
			timerC = nil
			if len(pending) == 0 {
				continue
			}
			if busy {
				queued = true
				c.logger.Debug("rebuild running, follow-up queued", slog.Int("paths", len(pending)))
				continue
			}
			dispatch()

		case res := <-doneC:
			busy = false
			doneC = nil
			c.report(res)
			if queued && len(pending) > 0 && timerC == nil {
				dispatch()
			}
		}
	}
}

func (c *Coordinator) window(pending map[string]struct{}) time.Duration {
	paths := make([]string, 0, len(pending))
	for p := range pending {
		paths = append(paths, p)
	}
	if c.builder.IsCSSOnly(paths) {
		return c.cssDebounce
	}
	return c.debounce
}

func (c *Coordinator) report(res result) {
	if res.err != nil {
		c.logger.Error("rebuild failed", slog.Any("err", res.err))
		return
	}
	if res.summary.Queued {
		return
	}
	if res.summary.Errors > 0 {
		c.logger.Warn("rebuild finished with page errors",
			slog.String("build_id", res.summary.BuildID),
			slog.Int("errors", res.summary.Errors))
	}
	if c.notifier != nil {
		c.notifier.Notify(res.summary.ReloadHint, res.summary.BuildID)
	}
}

func drain(pending map[string]struct{}) []string {
	paths := make([]string, 0, len(pending))
	for p := range pending {
		paths = append(paths, p)
		delete(pending, p)
	}
	sort.Strings(paths)
	return paths
}

func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}
