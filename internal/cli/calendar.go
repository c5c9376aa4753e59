package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"chainstream/internal/calendar"
	"chainstream/internal/chain"
)

type expiryRow struct {
	Underlying string    `json:"underlying,omitempty"`
	Expiry     time.Time `json:"expiry"`
	Minutes    int       `json:"minutes"`
}

type calendarReport struct {
	Today           string      `json:"today"`
	TodayKind       string      `json:"today_kind"`
	TodayMinutes    int         `json:"today_minutes"`
	TrailingMinutes int         `json:"trailing_year_minutes"`
	Expiries        []expiryRow `json:"expiries"`
}

func newCalendarCmd(app *App) *cobra.Command {
	var expiries []string

	cmd := &cobra.Command{
		Use:   "calendar [underlying...]",
		Short: "Show tradable minutes for the trailing year and upcoming expiries",
		Long: `Show the tradable-minute counts the chain engine works with.

Without --expiry, lists the nearest option expiries of each underlying
found in the instrument store.`,
		Example: `  chainstream calendar
  chainstream calendar GOLD SILVER
  chainstream calendar --expiry 27-JAN-2025 --expiry 2025-02-24`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			output := NewOutput(cmd)

			st, err := app.openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			cal, err := newCalendar(ctx, app.Config, st, app.Logger)
			if err != nil {
				return err
			}

			now := time.Now()
			report := calendarReport{
				Today:           FormatDate(now),
				TodayKind:       "Regular",
				TodayMinutes:    cal.DayMinutes(now),
				TrailingMinutes: cal.MinutesInTrailingYear(),
			}
			if kind, ok := cal.DayKind(now); ok {
				report.TodayKind = string(kind)
			}

			if len(expiries) > 0 {
				for _, s := range expiries {
					expiry, err := calendar.ParseExpiry(s)
					if err != nil {
						return fmt.Errorf("parsing expiry %q: %w", s, err)
					}
					report.Expiries = append(report.Expiries, expiryRow{
						Expiry:  expiry,
						Minutes: cal.MinutesUntilExpiry(expiry),
					})
				}
			} else {
				symbols := app.Config.Underlyings.Symbols
				if len(args) > 0 {
					symbols = splitSymbols(strings.Join(args, ","))
				}
				instruments, err := st.GetInstruments(ctx, symbols)
				if err != nil {
					return err
				}
				universe := chain.NewUniverse(instruments)
				for _, u := range symbols {
					for _, expiry := range universe.Expiries(u, now, app.Config.Chain.MaxExpiries) {
						report.Expiries = append(report.Expiries, expiryRow{
							Underlying: u,
							Expiry:     expiry,
							Minutes:    cal.MinutesUntilExpiry(expiry),
						})
					}
				}
			}

			if output.IsJSON() {
				return output.JSON(report)
			}

			output.Bold("MCX calendar, %s (%s)", report.Today, report.TodayKind)
			output.Printf("  Today:         %s tradable\n", FormatMinutes(report.TodayMinutes))
			output.Printf("  Trailing year: %s minutes (%s)\n",
				FormatQuantity(int64(report.TrailingMinutes)), FormatMinutes(report.TrailingMinutes))
			output.Println()

			if len(report.Expiries) == 0 {
				output.Warning("No upcoming expiries; run 'chainstream instruments sync'")
				return nil
			}

			table := NewTable(output, "UNDERLYING", "EXPIRY", "MINUTES", "REMAINING")
			for _, row := range report.Expiries {
				underlying := row.Underlying
				if underlying == "" {
					underlying = "-"
				}
				remaining := FormatMinutes(row.Minutes)
				if row.Minutes == 0 {
					remaining = output.Yellow(remaining)
				}
				table.AddRow(underlying, FormatDate(row.Expiry), FormatQuantity(int64(row.Minutes)), remaining)
			}
			table.Render()
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&expiries, "expiry", nil, "expiry date to evaluate (repeatable; 2006-01-02 or 02-JAN-2006)")
	return cmd
}
