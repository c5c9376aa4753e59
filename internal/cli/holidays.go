package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"chainstream/internal/calendar"
	"chainstream/internal/models"
)

func newHolidaysCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "holidays",
		Short: "Manage the MCX holiday table",
		Long: `Manage per-day holiday overrides used by the trading calendar.

Kinds:
  MorningOnly  morning session closed, evening trades
  EveningOnly  evening session closed, morning trades
  FullClosure  no trading`,
	}
	cmd.AddCommand(newHolidaysAddCmd(app))
	cmd.AddCommand(newHolidaysListCmd(app))
	cmd.AddCommand(newHolidaysRemoveCmd(app))
	return cmd
}

// parseDayKind accepts the stored names case-insensitively, with or
// without separators, plus the short forms morning, evening and full.
func parseDayKind(s string) (models.DayKind, error) {
	norm := strings.ToLower(strings.NewReplacer("-", "", "_", "", " ", "").Replace(s))
	switch norm {
	case "morningonly", "morning":
		return models.MorningOnly, nil
	case "eveningonly", "evening":
		return models.EveningOnly, nil
	case "fullclosure", "full", "closed":
		return models.FullClosure, nil
	}
	return "", fmt.Errorf("unknown holiday kind %q (want MorningOnly, EveningOnly or FullClosure)", s)
}

func newHolidaysAddCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:     "add <date> <kind>",
		Short:   "Add or replace a holiday",
		Example: "  chainstream holidays add 2025-03-14 MorningOnly\n  chainstream holidays add 26-JAN-2025 full",
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)

			date, err := calendar.ParseExpiry(args[0])
			if err != nil {
				return fmt.Errorf("parsing date %q: %w", args[0], err)
			}
			kind, err := parseDayKind(args[1])
			if err != nil {
				return err
			}

			st, err := app.openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			entry := models.HolidayEntry{Date: date, Kind: kind}
			if err := st.SaveHoliday(commandContext(cmd), entry); err != nil {
				return err
			}

			if output.IsJSON() {
				return output.JSON(entry)
			}
			output.Success("Holiday %s saved as %s", FormatDate(date), kind)
			output.Dim("Running streamers pick this up on restart")
			return nil
		},
	}
}

func newHolidaysRemoveCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <date>",
		Short: "Remove a holiday",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)

			date, err := calendar.ParseExpiry(args[0])
			if err != nil {
				return fmt.Errorf("parsing date %q: %w", args[0], err)
			}

			st, err := app.openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			if err := st.DeleteHoliday(commandContext(cmd), date); err != nil {
				return err
			}
			if output.IsJSON() {
				return output.JSON(map[string]string{"removed": date.Format("2006-01-02")})
			}
			output.Success("Holiday %s removed", FormatDate(date))
			return nil
		},
	}
}

func newHolidaysListCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List holidays",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)

			st, err := app.openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			holidays, err := st.GetHolidays(commandContext(cmd))
			if err != nil {
				return err
			}

			if output.IsJSON() {
				return output.JSON(holidays)
			}
			if len(holidays) == 0 {
				output.Warning("No holidays stored")
				return nil
			}

			session, err := sessionFromConfig(app.Config.Calendar)
			if err != nil {
				return err
			}
			table := NewTable(output, "DATE", "DAY", "KIND", "TRADES")
			for _, h := range holidays {
				trades := "-"
				switch h.Kind {
				case models.MorningOnly:
					trades = fmt.Sprintf("evening until %s", clock(session.EveningClose(h.Date)))
				case models.EveningOnly:
					trades = fmt.Sprintf("morning %s-%s", clock(session.MorningOpen), clock(session.MorningClose))
				case models.FullClosure:
					trades = output.Red("closed")
				}
				table.AddRow(FormatDate(h.Date), h.Date.Weekday().String()[:3], string(h.Kind), trades)
			}
			table.Render()
			return nil
		},
	}
}

func clock(minutes int) string {
	return fmt.Sprintf("%02d:%02d", minutes/60, minutes%60)
}
