package admin

import (
	"github.com/ValentinKolb/hashDB/cmd/util"
	"github.com/ValentinKolb/hashDB/lib/store/lstore"
	"github.com/spf13/cobra"
)

var (
	handle *lstore.Handle

	// AdminCommands represents the admin command group
	AdminCommands = &cobra.Command{
		Use:   "admin",
		Short: "Maintenance and inspection of a local database",
	}
)

func init() {
	AdminCommands.AddCommand(compactCmd)
	AdminCommands.AddCommand(statsCmd)
	AdminCommands.AddCommand(infoCmd)
	AdminCommands.AddCommand(colddownCmd)
	AdminCommands.AddCommand(destroyCmd)

	key := "force"
	compactCmd.Flags().Bool(key, false, util.WrapString("Compact even if there are fewer candidates than gc-trigger-min-files"))
	key = "prometheus"
	statsCmd.Flags().Bool(key, false, util.WrapString("Print the metrics in the Prometheus text format"))
}

// withDatabase opens the database for the duration of one admin command
func withDatabase(run func(cmd *cobra.Command, args []string) error) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		opts, err := util.GetEngineOptions()
		if err != nil {
			return err
		}
		handle, err = util.Registry.Acquire(opts, false)
		if err != nil {
			return err
		}

		runErr := run(cmd, args)
		if err := handle.Release(); err != nil && runErr == nil {
			runErr = err
		}
		handle = nil
		return runErr
	}
}
