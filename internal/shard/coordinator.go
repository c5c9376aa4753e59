package shard

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	apperrors "chainstream/internal/errors"
	"chainstream/internal/logging"
	"chainstream/internal/metrics"
	"chainstream/internal/models"
)

// Config holds coordinator configuration.
type Config struct {
	Groups            [][]string
	ReadyTimeout      time.Duration
	AggregateInterval time.Duration
	ShutdownGrace     time.Duration
}

// DefaultConfig returns the default coordinator timings.
func DefaultConfig() Config {
	return Config{
		ReadyTimeout:      30 * time.Second,
		AggregateInterval: 500 * time.Millisecond,
		ShutdownGrace:     5 * time.Second,
	}
}

type event struct {
	group  int
	msg    Message
	exited bool
	err    error
}

type workerHandle struct {
	group   int
	symbols []string
	proc    Process
	enc     *Encoder
	done    chan struct{}
}

// Coordinator spawns one worker per group and republishes the merged chain.
type Coordinator struct {
	config  Config
	spawner Spawner
	logger  zerolog.Logger

	workers []*workerHandle
	events  chan event
	stop    chan struct{}

	mu     sync.RWMutex
	latest map[int]models.Snapshot

	sinkMu sync.RWMutex
	sink   func(models.Snapshot)

	ready        chan struct{}
	shutdownOnce sync.Once
}

// NewCoordinator creates a coordinator for the configured groups.
func NewCoordinator(config Config, spawner Spawner, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		config:  config,
		spawner: spawner,
		logger:  logging.WithComponent(logger, "coordinator"),
		events:  make(chan event, 256),
		stop:    make(chan struct{}),
		latest:  make(map[int]models.Snapshot),
		ready:   make(chan struct{}),
	}
}

// OnSnapshot sets the callback receiving each aggregate.
func (c *Coordinator) OnSnapshot(sink func(models.Snapshot)) {
	c.sinkMu.Lock()
	defer c.sinkMu.Unlock()
	c.sink = sink
}

// Ready is closed once every worker reported ready.
func (c *Coordinator) Ready() <-chan struct{} {
	return c.ready
}

// Start spawns the workers and waits until all of them report ready. Any
// spawn failure, worker error, worker exit or the readiness timeout shuts
// every worker down and fails the whole group.
func (c *Coordinator) Start(ctx context.Context) error {
	if len(c.config.Groups) == 0 {
		return apperrors.NewConfigurationError("shard", "no worker groups configured", apperrors.ErrConfigInvalid)
	}

	for i, symbols := range c.config.Groups {
		proc, err := c.spawner.Spawn(ctx, i, symbols)
		if err != nil {
			c.Shutdown()
			return apperrors.Wrapf(apperrors.ErrWorkerFailed, "spawn worker %d: %v", i, err)
		}
		h := &workerHandle{
			group:   i,
			symbols: symbols,
			proc:    proc,
			enc:     NewEncoder(proc.Stdin()),
			done:    make(chan struct{}),
		}
		c.workers = append(c.workers, h)
		go c.readLoop(h)

		lg := logging.WithGroup(c.logger, i)
		lg.Info().Strs("symbols", symbols).Msg("Worker spawned")
	}

	pending := make(map[int]bool, len(c.workers))
	for _, h := range c.workers {
		pending[h.group] = true
	}
	metrics.WorkersReady.Set(0)

	timer := time.NewTimer(c.config.ReadyTimeout)
	defer timer.Stop()

	for len(pending) > 0 {
		select {
		case <-ctx.Done():
			c.Shutdown()
			return ctx.Err()

		case <-timer.C:
			c.Shutdown()
			return apperrors.Wrapf(apperrors.ErrReadyTimeout, "%d of %d workers ready after %s",
				len(c.workers)-len(pending), len(c.workers), c.config.ReadyTimeout)

		case ev := <-c.events:
			switch {
			case ev.exited:
				c.Shutdown()
				return apperrors.Wrapf(apperrors.ErrWorkerFailed, "worker %d exited during startup: %v", ev.group, ev.err)
			case ev.msg.Type == TypeError:
				c.Shutdown()
				return apperrors.Wrapf(apperrors.ErrWorkerFailed, "worker %d: %s", ev.group, ev.msg.Reason)
			case ev.msg.Type == TypeReady:
				if pending[ev.group] {
					delete(pending, ev.group)
					metrics.WorkersReady.Inc()
					lg := logging.WithGroup(c.logger, ev.group)
					lg.Info().Int("pending", len(pending)).Msg("Worker ready")
				}
			case ev.msg.Type == TypeOptionChain:
				c.store(ev.group, ev.msg.Data)
			}
		}
	}

	close(c.ready)
	c.logger.Info().Int("workers", len(c.workers)).Msg("All workers ready")
	return nil
}

// Run publishes the merged snapshot on every aggregate interval until ctx is
// done, then shuts the workers down. A worker that exits after startup
// fails the group.
func (c *Coordinator) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.config.AggregateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.Shutdown()
			return nil

		case ev := <-c.events:
			switch {
			case ev.exited:
				c.Shutdown()
				return apperrors.Wrapf(apperrors.ErrWorkerFailed, "worker %d exited: %v", ev.group, ev.err)
			case ev.msg.Type == TypeError:
				lg := logging.WithGroup(c.logger, ev.group)
				lg.Error().Str("reason", ev.msg.Reason).Msg("Worker reported error")
			case ev.msg.Type == TypeOptionChain:
				c.store(ev.group, ev.msg.Data)
			}

		case <-ticker.C:
			c.publish()
		}
	}
}

// Subscribe forwards a new SD multiplier to every worker.
func (c *Coordinator) Subscribe(sdMultiplier float64) {
	msg := SubscribeMessage(sdMultiplier)
	for _, h := range c.workers {
		if err := h.enc.Encode(msg); err != nil {
			lg := logging.WithGroup(c.logger, h.group)
			lg.Warn().Err(err).Msg("Failed to forward subscribe")
		}
	}
}

// Snapshot returns the current merged chain.
func (c *Coordinator) Snapshot(ctx context.Context) (models.Snapshot, error) {
	select {
	case <-c.ready:
	default:
		return nil, apperrors.ErrNotReady
	}
	return c.aggregate(), nil
}

// Shutdown asks every worker to exit and kills those still running after
// the grace period. It is safe to call more than once.
func (c *Coordinator) Shutdown() {
	c.shutdownOnce.Do(func() {
		close(c.stop)
		for _, h := range c.workers {
			if err := h.enc.Encode(ShutdownMessage()); err != nil {
				lg := logging.WithGroup(c.logger, h.group)
				lg.Debug().Err(err).Msg("Shutdown message not delivered")
			}
			_ = h.proc.Stdin().Close()
		}

		deadline := time.NewTimer(c.config.ShutdownGrace)
		defer deadline.Stop()
		expired := false
		for _, h := range c.workers {
			if !expired {
				select {
				case <-h.done:
					continue
				case <-deadline.C:
					expired = true
				}
			}
			select {
			case <-h.done:
				continue
			default:
			}
			lg := logging.WithGroup(c.logger, h.group)
			lg.Warn().Msg("Worker did not exit in time, killing")
			if err := h.proc.Kill(); err != nil {
				lg := logging.WithGroup(c.logger, h.group)
				lg.Error().Err(err).Msg("Kill failed")
			}
		}
		metrics.WorkersReady.Set(0)
		c.logger.Info().Msg("Workers stopped")
	})
}

func (c *Coordinator) readLoop(h *workerHandle) {
	logger := logging.WithGroup(c.logger, h.group)
	dec := NewDecoder(h.proc.Stdout(), fmt.Sprintf("worker-%d", h.group))

	for {
		msg, err := dec.Decode()
		if err != nil {
			var perr *apperrors.ProtocolError
			if errors.As(err, &perr) {
				metrics.ProtocolErrors.WithLabelValues("ipc").Inc()
				logger.Warn().Err(err).Msg("Ignoring malformed worker message")
				continue
			}
			if !errors.Is(err, io.EOF) {
				logger.Warn().Err(err).Msg("Worker stream failed")
			}
			break
		}
		msg.Group = h.group
		select {
		case c.events <- event{group: h.group, msg: msg}:
		case <-c.stop:
			// Drain so the worker never blocks on a full pipe.
		}
	}

	err := h.proc.Wait()
	close(h.done)
	select {
	case c.events <- event{group: h.group, exited: true, err: err}:
	case <-c.stop:
	}
}

func (c *Coordinator) store(group int, snap models.Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.latest[group] = snap
}

// aggregate merges the latest snapshot of every worker by token.
func (c *Coordinator) aggregate() models.Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	size := 0
	for _, s := range c.latest {
		size += len(s)
	}
	merged := make(models.Snapshot, size)
	for _, s := range c.latest {
		merged.Merge(s)
	}
	return merged
}

func (c *Coordinator) publish() {
	c.sinkMu.RLock()
	sink := c.sink
	c.sinkMu.RUnlock()
	if sink != nil {
		sink(c.aggregate())
	}
}
