package shard

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "chainstream/internal/errors"
	"chainstream/internal/models"
)

// pipeProcess is an in-memory worker process.
type pipeProcess struct {
	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter

	done   chan struct{}
	once   sync.Once
	err    error
	killed atomic.Bool
}

func newPipeProcess() *pipeProcess {
	p := &pipeProcess{done: make(chan struct{})}
	p.stdinR, p.stdinW = io.Pipe()
	p.stdoutR, p.stdoutW = io.Pipe()
	return p
}

func (p *pipeProcess) Stdin() io.WriteCloser { return p.stdinW }
func (p *pipeProcess) Stdout() io.Reader     { return p.stdoutR }

func (p *pipeProcess) Wait() error {
	<-p.done
	return p.err
}

func (p *pipeProcess) Kill() error {
	p.killed.Store(true)
	p.exit(errors.New("signal: killed"))
	return nil
}

func (p *pipeProcess) exit(err error) {
	p.once.Do(func() {
		p.err = err
		p.stdoutW.Close()
		p.stdinR.Close()
		close(p.done)
	})
}

func (p *pipeProcess) drainStdin() {
	go io.Copy(io.Discard, p.stdinR)
}

type behavior func(p *pipeProcess, group int, symbols []string)

type pipeSpawner struct {
	mu        sync.Mutex
	behaviors map[int]behavior
	procs     map[int]*pipeProcess
	engines   map[int]*stubEngine
}

func newPipeSpawner() *pipeSpawner {
	return &pipeSpawner{
		behaviors: map[int]behavior{},
		procs:     map[int]*pipeProcess{},
		engines:   map[int]*stubEngine{},
	}
}

func (s *pipeSpawner) Spawn(ctx context.Context, group int, symbols []string) (Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := newPipeProcess()
	s.procs[group] = p
	run, ok := s.behaviors[group]
	if !ok {
		run = s.realWorker
	}
	go func() {
		run(p, group, symbols)
		p.exit(nil)
	}()
	return p, nil
}

func (s *pipeSpawner) proc(group int) *pipeProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.procs[group]
}

func (s *pipeSpawner) engine(group int) *stubEngine {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engines[group]
}

// realWorker runs the worker runtime against a stub engine.
func (s *pipeSpawner) realWorker(p *pipeProcess, group int, symbols []string) {
	engine := newStubEngine(groupSnapshot(group, symbols))
	s.mu.Lock()
	s.engines[group] = engine
	s.mu.Unlock()

	w := NewWorker(group, p.stdinR, p.stdoutW, engine, zerolog.Nop())
	_ = w.Run(context.Background())
}

type stubEngine struct {
	ready chan struct{}
	snap  models.Snapshot

	mu  sync.Mutex
	sds []float64
}

func newStubEngine(snap models.Snapshot) *stubEngine {
	e := &stubEngine{ready: make(chan struct{}), snap: snap}
	close(e.ready)
	return e
}

func (e *stubEngine) Ready() <-chan struct{} { return e.ready }

// OnSnapshot emits one snapshot immediately so it precedes the ready message.
func (e *stubEngine) OnSnapshot(sink func(models.Snapshot)) { sink(e.snap) }

func (e *stubEngine) Subscribe(sd float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sds = append(e.sds, sd)
}

func (e *stubEngine) subscribes() []float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]float64(nil), e.sds...)
}

func groupSnapshot(group int, symbols []string) models.Snapshot {
	snap := make(models.Snapshot)
	for i, sym := range symbols {
		for k := 0; k < 2; k++ {
			token := uint32(10000*(group+1) + 10*i + k)
			snap[token] = models.OptionChainEntry{Instrument: models.Instrument{
				Token: token, TradingSymbol: fmt.Sprintf("%s%d", sym, token), Underlying: sym, Kind: models.KindCall,
			}}
		}
	}
	return snap
}

var testGroups = [][]string{{"GOLD", "GOLDM", "COPPER"}, {"SILVER", "SILVERM", "ZINC"}}

func testCoordinatorConfig() Config {
	return Config{
		Groups:            testGroups,
		ReadyTimeout:      2 * time.Second,
		AggregateInterval: 10 * time.Millisecond,
		ShutdownGrace:     time.Second,
	}
}

func TestCoordinatorAggregatesUnionOfGroups(t *testing.T) {
	spawner := newPipeSpawner()
	c := NewCoordinator(testCoordinatorConfig(), spawner, zerolog.Nop())

	_, err := c.Snapshot(context.Background())
	assert.ErrorIs(t, err, apperrors.ErrNotReady)

	require.NoError(t, c.Start(context.Background()))
	select {
	case <-c.Ready():
	default:
		t.Fatal("ready not closed after Start")
	}

	snap, err := c.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Len(t, snap, 12)

	want := map[string]struct{}{}
	for _, g := range testGroups {
		for _, sym := range g {
			want[sym] = struct{}{}
		}
	}
	assert.Equal(t, want, snap.Underlyings())

	c.Shutdown()
}

func TestCoordinatorRunPublishesAndForwards(t *testing.T) {
	spawner := newPipeSpawner()
	c := NewCoordinator(testCoordinatorConfig(), spawner, zerolog.Nop())

	published := make(chan models.Snapshot, 8)
	c.OnSnapshot(func(s models.Snapshot) {
		select {
		case published <- s:
		default:
		}
	})

	require.NoError(t, c.Start(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	select {
	case s := <-published:
		assert.Len(t, s, 12)
	case <-time.After(2 * time.Second):
		t.Fatal("no aggregate published")
	}

	c.Subscribe(2)
	require.Eventually(t, func() bool {
		return len(spawner.engine(0).subscribes()) == 1 && len(spawner.engine(1).subscribes()) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []float64{2}, spawner.engine(1).subscribes())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("coordinator did not stop")
	}

	// Workers exit on the shutdown message without being killed.
	for g := range testGroups {
		p := spawner.proc(g)
		select {
		case <-p.done:
		case <-time.After(time.Second):
			t.Fatalf("worker %d still running", g)
		}
		assert.False(t, p.killed.Load())
	}
}

func TestCoordinatorAbortsOnWorkerError(t *testing.T) {
	spawner := newPipeSpawner()
	spawner.behaviors[1] = func(p *pipeProcess, group int, symbols []string) {
		p.drainStdin()
		_ = NewEncoder(p.stdoutW).Encode(ErrorMessage(group, "feed handshake timed out"))
		<-p.done
	}
	c := NewCoordinator(testCoordinatorConfig(), spawner, zerolog.Nop())

	err := c.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrWorkerFailed)
	assert.Contains(t, err.Error(), "feed handshake timed out")
	assert.True(t, apperrors.IsFatal(err))

	// The healthy worker was shut down as well.
	select {
	case <-spawner.proc(0).done:
	case <-time.After(2 * time.Second):
		t.Fatal("healthy worker not stopped")
	}
}

func TestCoordinatorAbortsOnWorkerExit(t *testing.T) {
	spawner := newPipeSpawner()
	spawner.behaviors[0] = func(p *pipeProcess, group int, symbols []string) {}
	c := NewCoordinator(testCoordinatorConfig(), spawner, zerolog.Nop())

	err := c.Start(context.Background())
	assert.ErrorIs(t, err, apperrors.ErrWorkerFailed)
}

func TestCoordinatorReadinessTimeout(t *testing.T) {
	spawner := newPipeSpawner()
	spawner.behaviors[1] = func(p *pipeProcess, group int, symbols []string) {
		// Never ready and ignores shutdown.
		p.drainStdin()
		<-p.done
	}
	cfg := testCoordinatorConfig()
	cfg.ReadyTimeout = 50 * time.Millisecond
	cfg.ShutdownGrace = 200 * time.Millisecond
	c := NewCoordinator(cfg, spawner, zerolog.Nop())

	start := time.Now()
	err := c.Start(context.Background())
	assert.ErrorIs(t, err, apperrors.ErrReadyTimeout)
	assert.True(t, apperrors.IsFatal(err))
	assert.Less(t, time.Since(start), 2*time.Second)

	assert.True(t, spawner.proc(1).killed.Load())
	assert.False(t, spawner.proc(0).killed.Load())

	select {
	case <-c.Ready():
		t.Fatal("ready closed after timeout")
	default:
	}
}

func TestCoordinatorIgnoresMalformedLines(t *testing.T) {
	spawner := newPipeSpawner()
	spawner.behaviors[0] = func(p *pipeProcess, group int, symbols []string) {
		_, _ = io.WriteString(p.stdoutW, "garbage\n{\"type\":\"bogus\"}\n")
		spawner.realWorker(p, group, symbols)
	}
	c := NewCoordinator(testCoordinatorConfig(), spawner, zerolog.Nop())

	require.NoError(t, c.Start(context.Background()))
	snap, err := c.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Len(t, snap, 12)
	c.Shutdown()
}

func TestCoordinatorRequiresGroups(t *testing.T) {
	c := NewCoordinator(Config{ReadyTimeout: time.Second}, newPipeSpawner(), zerolog.Nop())
	err := c.Start(context.Background())
	assert.ErrorIs(t, err, apperrors.ErrConfigInvalid)
}

func TestWorkerRun(t *testing.T) {
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	engine := newStubEngine(groupSnapshot(3, []string{"ZINC"}))
	w := NewWorker(3, inR, outW, engine, zerolog.Nop())

	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background()) }()

	dec := NewDecoder(outR, "test")
	m, err := dec.Decode()
	require.NoError(t, err)
	assert.Equal(t, TypeOptionChain, m.Type)
	assert.Len(t, m.Data, 2)

	m, err = dec.Decode()
	require.NoError(t, err)
	assert.Equal(t, TypeReady, m.Type)
	assert.Equal(t, 3, m.Group)

	enc := NewEncoder(inW)
	require.NoError(t, enc.Encode(SubscribeMessage(1.25)))
	_, err = io.WriteString(inW, "{broken\n")
	require.NoError(t, err)
	require.NoError(t, enc.Encode(ShutdownMessage()))

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
	assert.Equal(t, []float64{1.25}, engine.subscribes())
}

func TestWorkerStopsWhenInputCloses(t *testing.T) {
	inR, inW := io.Pipe()
	engine := &stubEngine{ready: make(chan struct{})}
	w := NewWorker(0, inR, io.Discard, engine, zerolog.Nop())

	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background()) }()
	inW.Close()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}
