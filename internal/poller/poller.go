package poller

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rickgao/vmlink/internal/api"
	"github.com/rickgao/vmlink/internal/connection"
)

// StatsRequester asks the backend for a statistics message.
// connection.Manager implements it.
type StatsRequester interface {
	RequestStats() error
}

// ImageFetcher downloads a statistics graph. *api.Client implements it.
type ImageFetcher interface {
	StatsImage(ctx context.Context, filename string) ([]byte, string, error)
}

// ImageHandler receives fetched graphs.
type ImageHandler interface {
	HandleImage(filename, contentType string, data []byte) error
}

// ImageHandlerFunc is a function adapter for ImageHandler.
type ImageHandlerFunc func(filename, contentType string, data []byte) error

func (f ImageHandlerFunc) HandleImage(filename, contentType string, data []byte) error {
	return f(filename, contentType, data)
}

// Config holds poller configuration.
type Config struct {
	Interval    time.Duration // Poll interval (default: 5m)
	Concurrency int           // Max concurrent image downloads (default: 4)
	Timeout     time.Duration // Per-request timeout (default: 30s)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Interval:    5 * time.Minute,
		Concurrency: 4,
		Timeout:     30 * time.Second,
	}
}

// Stats holds counters of the poller.
type Stats struct {
	Requests      int64 // stats commands sent
	Skipped       int64 // ticks skipped while offline
	ImagesFetched int64
	ImageErrors   int64
}

// Poller periodically refreshes backend statistics.
type Poller struct {
	cfg       Config
	requester StatsRequester
	fetcher   ImageFetcher
	images    []api.StatsImage
	handler   ImageHandler
	logger    *slog.Logger

	requests, skipped, fetched, fetchErrors atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a new Poller. requester may be nil when only graphs are
// refreshed, and fetcher may be nil when only the stats message is wanted.
func New(cfg Config, requester StatsRequester, fetcher ImageFetcher, handler ImageHandler, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	return &Poller{
		cfg:       cfg,
		requester: requester,
		fetcher:   fetcher,
		images:    api.StatsImages,
		handler:   handler,
		logger:    logger,
	}
}

// Start begins the polling loop.
func (p *Poller) Start(ctx context.Context) error {
	if p.cfg.Interval <= 0 {
		return errors.New("poller interval must be positive")
	}
	p.ctx, p.cancel = context.WithCancel(ctx)

	p.wg.Add(1)
	go p.run()

	p.logger.Info("stats poller started",
		"interval", p.cfg.Interval,
		"concurrency", p.cfg.Concurrency,
	)

	return nil
}

// Stop gracefully shuts down the poller.
func (p *Poller) Stop(ctx context.Context) error {
	if p.cancel != nil {
		p.cancel()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("stats poller stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns the poller counters.
func (p *Poller) Stats() Stats {
	return Stats{
		Requests:      p.requests.Load(),
		Skipped:       p.skipped.Load(),
		ImagesFetched: p.fetched.Load(),
		ImageErrors:   p.fetchErrors.Load(),
	}
}

// run is the main polling loop. The first poll happens after one interval;
// the initial stats request is made by whoever starts the session.
func (p *Poller) run() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.poll(p.ctx)
		}
	}
}

// poll runs one refresh cycle.
func (p *Poller) poll(ctx context.Context) {
	if p.requester != nil {
		p.requestStats()
	}
	if p.fetcher != nil {
		p.fetchAll(ctx)
	}
}

func (p *Poller) requestStats() {
	err := p.requester.RequestStats()
	switch {
	case err == nil:
		p.requests.Add(1)
	case errors.Is(err, connection.ErrNotConnected):
		p.skipped.Add(1)
		p.logger.Debug("backend offline, skipping stats request")
	default:
		p.logger.Warn("failed to request stats", "error", err)
	}
}

// fetchAll downloads every graph concurrently.
func (p *Poller) fetchAll(ctx context.Context) {
	start := time.Now()

	// Semaphore for bounded concurrency.
	sem := make(chan struct{}, p.cfg.Concurrency)
	var wg sync.WaitGroup
	var fetched, failed atomic.Int64

	for _, img := range p.images {
		wg.Add(1)
		go func(filename string) {
			defer wg.Done()

			// Acquire semaphore slot.
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				return
			}

			if err := p.fetchImage(ctx, filename); err != nil {
				p.logger.Warn("failed to fetch stats image",
					"file", filename,
					"error", err,
				)
				failed.Add(1)
				return
			}

			fetched.Add(1)
		}(img.Filename)
	}

	wg.Wait()

	p.fetched.Add(fetched.Load())
	p.fetchErrors.Add(failed.Load())

	p.logger.Info("stats images refreshed",
		"images", len(p.images),
		"fetched", fetched.Load(),
		"errors", failed.Load(),
		"duration", time.Since(start),
	)
}

// fetchImage fetches and handles a single graph.
func (p *Poller) fetchImage(ctx context.Context, filename string) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	data, contentType, err := p.fetcher.StatsImage(ctx, filename)
	if err != nil {
		return err
	}

	if p.handler != nil {
		if err := p.handler.HandleImage(filename, contentType, data); err != nil {
			return err
		}
	}

	return nil
}

// Refresh runs one cycle immediately, outside the polling loop.
func (p *Poller) Refresh(ctx context.Context) Stats {
	p.poll(ctx)
	return p.Stats()
}
