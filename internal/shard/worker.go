package shard

import (
	"context"
	"errors"
	"io"

	"github.com/rs/zerolog"

	apperrors "chainstream/internal/errors"
	"chainstream/internal/logging"
	"chainstream/internal/metrics"
	"chainstream/internal/models"
)

// Engine is the part of the chain engine a worker drives.
type Engine interface {
	Ready() <-chan struct{}
	OnSnapshot(sink func(models.Snapshot))
	Subscribe(sdMultiplier float64)
}

// Worker speaks the coordinator protocol over a reader/writer pair,
// normally the process's stdin and stdout.
type Worker struct {
	group  int
	engine Engine
	enc    *Encoder
	dec    *Decoder
	logger zerolog.Logger
}

// NewWorker creates the worker-side runtime.
func NewWorker(group int, in io.Reader, out io.Writer, engine Engine, logger zerolog.Logger) *Worker {
	return &Worker{
		group:  group,
		engine: engine,
		enc:    NewEncoder(out),
		dec:    NewDecoder(in, "coordinator"),
		logger: logging.WithGroup(logging.WithComponent(logger, "worker"), group),
	}
}

// ReportError tells the coordinator this worker cannot continue.
func (w *Worker) ReportError(reason string) {
	if err := w.enc.Encode(ErrorMessage(w.group, reason)); err != nil {
		w.logger.Error().Err(err).Msg("Failed to report error")
	}
}

// Run forwards snapshots, reports readiness and applies coordinator
// commands. It returns when ctx is done, on a shutdown message or when the
// coordinator closes the input.
func (w *Worker) Run(ctx context.Context) error {
	w.engine.OnSnapshot(func(s models.Snapshot) {
		if err := w.enc.Encode(OptionChainMessage(w.group, s)); err != nil {
			w.logger.Warn().Err(err).Msg("Failed to send snapshot")
		}
	})

	inbound := make(chan Message)
	readErr := make(chan error, 1)
	go w.readLoop(ctx, inbound, readErr)

	ready := w.engine.Ready()
	for {
		select {
		case <-ctx.Done():
			return nil

		case <-ready:
			ready = nil
			if err := w.enc.Encode(ReadyMessage(w.group)); err != nil {
				return apperrors.Wrap(err, "send ready")
			}
			w.logger.Info().Msg("Worker ready")

		case msg := <-inbound:
			switch msg.Type {
			case TypeSubscribe:
				w.logger.Info().Float64("sd_multiplier", msg.SdMultiplier).Msg("Subscribe requested")
				w.engine.Subscribe(msg.SdMultiplier)
			case TypeShutdown:
				w.logger.Info().Msg("Shutdown requested")
				return nil
			default:
				w.logger.Debug().Str("type", string(msg.Type)).Msg("Ignoring message")
			}

		case err := <-readErr:
			if errors.Is(err, io.EOF) {
				w.logger.Info().Msg("Coordinator closed input")
				return nil
			}
			return apperrors.Wrap(err, "read coordinator input")
		}
	}
}

func (w *Worker) readLoop(ctx context.Context, inbound chan<- Message, readErr chan<- error) {
	for {
		msg, err := w.dec.Decode()
		if err != nil {
			var perr *apperrors.ProtocolError
			if errors.As(err, &perr) {
				metrics.ProtocolErrors.WithLabelValues("ipc").Inc()
				w.logger.Warn().Err(err).Msg("Ignoring malformed coordinator message")
				continue
			}
			readErr <- err
			return
		}
		select {
		case inbound <- msg:
		case <-ctx.Done():
			return
		}
	}
}
