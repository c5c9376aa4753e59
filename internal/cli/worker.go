package cli

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	apperrors "chainstream/internal/errors"
	"chainstream/internal/logging"
	"chainstream/internal/shard"
)

func newWorkerCmd(app *App) *cobra.Command {
	var (
		group   int
		symbols string
	)

	cmd := &cobra.Command{
		Use:    "worker",
		Short:  "Run one shard of the streamer (spawned by serve)",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(commandContext(cmd), syscall.SIGTERM)
			defer stop()
			// The coordinator owns the lifecycle; ignore terminal interrupts
			// aimed at the whole process group.
			signal.Ignore(os.Interrupt)
			return runWorker(ctx, app, group, splitSymbols(symbols))
		},
	}

	cmd.Flags().IntVar(&group, "group", 0, "worker group index")
	cmd.Flags().StringVar(&symbols, "symbols", "", "comma-separated underlyings served by this worker")
	_ = cmd.MarkFlagRequired("symbols")
	return cmd
}

func splitSymbols(s string) []string {
	var out []string
	for _, sym := range strings.Split(s, ",") {
		if sym = strings.ToUpper(strings.TrimSpace(sym)); sym != "" {
			out = append(out, sym)
		}
	}
	return out
}

// runWorker serves one group over stdin/stdout. Startup failures are
// reported to the coordinator before the process exits non-zero.
func runWorker(ctx context.Context, app *App, group int, symbols []string) error {
	logger := logging.WithGroup(app.Logger, group)
	fail := func(err error) error {
		logger.Error().Err(err).Msg("Worker startup failed")
		if encErr := shard.NewEncoder(os.Stdout).Encode(shard.ErrorMessage(group, err.Error())); encErr != nil {
			logger.Error().Err(encErr).Msg("Failed to report error")
		}
		return err
	}

	if len(symbols) == 0 {
		return fail(apperrors.NewConfigurationError("worker", "no symbols", apperrors.ErrConfigInvalid))
	}
	if err := app.Config.RequireCredentials(); err != nil {
		return fail(err)
	}

	st, err := app.openStore()
	if err != nil {
		return fail(apperrors.NewConfigurationError("store", "opening "+app.Config.Store.Path, err))
	}
	defer st.Close()

	instruments, cal, cache, err := loadReference(ctx, app.Config, st, symbols, logger)
	if err != nil {
		return fail(err)
	}

	p := newPipeline(app.Config, symbols, instruments, cal, cache, logger)
	w := shard.NewWorker(group, os.Stdin, os.Stdout, p.engine, logger)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	pipeErr := make(chan error, 1)
	go func() { pipeErr <- p.Run(ctx) }()
	runErr := make(chan error, 1)
	go func() { runErr <- w.Run(ctx) }()

	select {
	case err := <-pipeErr:
		if err != nil {
			w.ReportError(err.Error())
		}
		cancel()
		<-runErr
		return err
	case err := <-runErr:
		cancel()
		if perr := <-pipeErr; perr != nil {
			logger.Warn().Err(perr).Msg("Pipeline stopped with error")
		}
		return err
	}
}
