package cli

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	apperrors "chainstream/internal/errors"
	"chainstream/internal/store"
)

// settingKey validates a setting write and returns the stored key.
// sd_multiplier is global; the other settings are per underlying.
func settingKey(name, underlying, value string) (string, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return "", fmt.Errorf("%s must be numeric: %w", name, err)
	}
	underlying = strings.ToUpper(strings.TrimSpace(underlying))

	switch name {
	case store.SettingSdMultiplier:
		if underlying != "" {
			return "", fmt.Errorf("%s is global; drop --underlying", name)
		}
		if !(v > 0) || v > 100 {
			return "", fmt.Errorf("%s must be in (0, 100]", name)
		}
		return name, nil
	case store.SettingBidBalance, store.SettingMultiplier, store.SettingVolatility:
		if underlying == "" {
			return "", fmt.Errorf("%s needs --underlying", name)
		}
		if name == store.SettingMultiplier && !(v > 0) {
			return "", fmt.Errorf("%s must be positive", name)
		}
		if name == store.SettingVolatility && v < 0 {
			return "", fmt.Errorf("%s must not be negative", name)
		}
		return store.UnderlyingKey(name, underlying), nil
	}
	return "", fmt.Errorf("unknown setting %q (want %s, %s, %s or %s)", name,
		store.SettingSdMultiplier, store.SettingBidBalance, store.SettingMultiplier, store.SettingVolatility)
}

func newSettingsCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Inspect and change runtime settings",
		Long: `Runtime settings are read by running streamers within one refresh
interval (settings.refresh_interval).

  sd_multiplier                 band width in standard deviations
  bid_balance   --underlying U  amount added to every bid
  multiplier    --underlying U  sell value multiplier
  volatility    --underlying U  annualized volatility override, 0 to clear`,
	}
	cmd.AddCommand(newSettingsListCmd(app))
	cmd.AddCommand(newSettingsSetCmd(app))
	return cmd
}

func newSettingsListCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)

			st, err := app.openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			values, err := st.AllSettings(commandContext(cmd))
			if err != nil {
				return err
			}
			if output.IsJSON() {
				return output.JSON(values)
			}
			if len(values) == 0 {
				output.Dim("No settings stored; defaults apply (sd_multiplier %.2f)", app.Config.Chain.SdMultiplier)
				return nil
			}

			keys := make([]string, 0, len(values))
			for k := range values {
				keys = append(keys, k)
			}
			sort.Strings(keys)

			table := NewTable(output, "KEY", "VALUE")
			for _, k := range keys {
				table.AddRow(k, values[k])
			}
			table.Render()
			return nil
		},
	}
}

func newSettingsSetCmd(app *App) *cobra.Command {
	var underlying string

	cmd := &cobra.Command{
		Use:     "set <name> <value>",
		Short:   "Store a setting",
		Example: "  chainstream settings set sd_multiplier 1.5\n  chainstream settings set bid_balance 2.5 --underlying GOLD",
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)

			key, err := settingKey(args[0], underlying, args[1])
			if err != nil {
				return apperrors.Wrap(err, "invalid setting")
			}

			st, err := app.openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			value := strings.TrimSpace(args[1])
			if err := st.SetSetting(commandContext(cmd), key, value); err != nil {
				return err
			}

			if output.IsJSON() {
				return output.JSON(map[string]string{key: value})
			}
			output.Success("%s = %s", key, value)
			return nil
		},
	}

	cmd.Flags().StringVar(&underlying, "underlying", "", "underlying for per-underlying settings")
	return cmd
}
