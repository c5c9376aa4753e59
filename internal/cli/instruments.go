package cli

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"chainstream/internal/broker"
	apperrors "chainstream/internal/errors"
	"chainstream/internal/models"
	"chainstream/internal/store"
	"chainstream/pkg/utils"
)

// syncSummary counts stored instruments per underlying and kind.
type syncSummary struct {
	Underlying string `json:"underlying"`
	Futures    int    `json:"futures"`
	Calls      int    `json:"calls"`
	Puts       int    `json:"puts"`
}

func newInstrumentsCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "instruments",
		Short: "Manage the instrument reference table",
	}
	cmd.AddCommand(newInstrumentsSyncCmd(app))
	cmd.AddCommand(newInstrumentsListCmd(app))
	return cmd
}

func newInstrumentsSyncCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Download MCX futures and options for the configured underlyings",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			output := NewOutput(cmd)

			if err := app.Config.RequireCredentials(); err != nil {
				return err
			}
			st, err := app.openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			client := broker.NewKiteClient(broker.KiteClientConfig{
				APIKey:      app.Config.Credentials.Kite.APIKey,
				AccessToken: app.Config.Credentials.Kite.AccessToken,
			}, app.Logger)

			if !output.IsJSON() {
				output.Info("Downloading MCX instrument master...")
			}
			summary, err := syncInstruments(ctx, client, st, app.Config.Underlyings.Symbols, utils.DefaultRetryConfig())
			if err != nil {
				return err
			}

			if output.IsJSON() {
				return output.JSON(summary)
			}
			renderSummary(output, summary)
			output.Success("Instruments synced at %s", FormatDateTime(st.GetLastSync(store.SyncInstruments)))
			return nil
		},
	}
}

func newInstrumentsListCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "list [underlying...]",
		Short: "Summarize stored instruments",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			output := NewOutput(cmd)

			st, err := app.openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			symbols := app.Config.Underlyings.Symbols
			if len(args) > 0 {
				symbols = splitSymbols(strings.Join(args, ","))
			}
			instruments, err := st.GetInstruments(ctx, symbols)
			if err != nil {
				return err
			}
			summary := summarize(instruments)

			if output.IsJSON() {
				return output.JSON(summary)
			}
			if len(summary) == 0 {
				output.Warning("No instruments stored; run 'chainstream instruments sync'")
				return nil
			}
			renderSummary(output, summary)
			output.Dim("Last sync: %s", FormatDateTime(st.GetLastSync(store.SyncInstruments)))
			return nil
		},
	}
}

// syncInstruments downloads instruments with retry, replaces the stored
// table and records the sync time.
func syncInstruments(ctx context.Context, source broker.InstrumentSource, st store.DataStore, symbols []string, retry utils.RetryConfig) ([]syncSummary, error) {
	instruments, err := utils.RetryWithResult(ctx, retry, func() ([]models.Instrument, error) {
		return source.FetchInstruments(ctx, models.MCX, symbols)
	})
	if err != nil {
		return nil, apperrors.Wrap(err, "downloading instruments")
	}
	if len(instruments) == 0 {
		return nil, apperrors.NewConfigurationError("instruments", "download returned no instruments for the configured underlyings", apperrors.ErrReferenceMissing)
	}

	if err := st.SaveInstruments(ctx, instruments); err != nil {
		return nil, apperrors.Wrap(err, "saving instruments")
	}
	if err := st.SetLastSync(store.SyncInstruments, time.Now()); err != nil {
		return nil, apperrors.Wrap(err, "recording sync time")
	}
	return summarize(instruments), nil
}

func summarize(instruments []models.Instrument) []syncSummary {
	byUnderlying := make(map[string]*syncSummary)
	for _, inst := range instruments {
		s, ok := byUnderlying[inst.Underlying]
		if !ok {
			s = &syncSummary{Underlying: inst.Underlying}
			byUnderlying[inst.Underlying] = s
		}
		switch inst.Kind {
		case models.KindFuture:
			s.Futures++
		case models.KindCall:
			s.Calls++
		case models.KindPut:
			s.Puts++
		}
	}

	out := make([]syncSummary, 0, len(byUnderlying))
	for _, s := range byUnderlying {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Underlying < out[j].Underlying })
	return out
}

func renderSummary(output *Output, summary []syncSummary) {
	table := NewTable(output, "UNDERLYING", "FUT", "CE", "PE")
	for _, s := range summary {
		futures := FormatQuantity(int64(s.Futures))
		if s.Futures == 0 {
			futures = output.Red(futures)
		}
		table.AddRow(s.Underlying, futures, FormatQuantity(int64(s.Calls)), FormatQuantity(int64(s.Puts)))
	}
	table.Render()
}
