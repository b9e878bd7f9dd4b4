package kv

import (
	"github.com/ValentinKolb/hashDB/cmd/util"
	"github.com/ValentinKolb/hashDB/lib/store/lstore"
	"github.com/spf13/cobra"
)

var (
	handle *lstore.Handle

	// KeyValueCommands represents the KV command group
	KeyValueCommands = &cobra.Command{
		Use:                "kv",
		Short:              "Perform key-value operations on a local database",
		PersistentPreRunE:  openStore,
		PersistentPostRunE: closeStore,
	}
)

func init() {
	// Add subcommands
	KeyValueCommands.AddCommand(setCmd)
	KeyValueCommands.AddCommand(getCmd)
	KeyValueCommands.AddCommand(delCmd)
	KeyValueCommands.AddCommand(flushCmd)
	KeyValueCommands.AddCommand(perfTestCmd)

	key := "async"
	KeyValueCommands.PersistentFlags().Bool(key, false, util.WrapString("Return before writes are synced to disk (they are synced when the command exits)"))
}

// openStore opens the database configured by flags and environment
func openStore(cmd *cobra.Command, _ []string) error {
	if err := util.SetupCommand(cmd); err != nil {
		return err
	}

	opts, err := util.GetEngineOptions()
	if err != nil {
		return err
	}

	handle, err = util.Registry.Acquire(opts, false)
	return err
}

// closeStore releases the database, which flushes and checkpoints it
func closeStore(_ *cobra.Command, _ []string) error {
	if handle == nil {
		return nil
	}
	err := handle.Release()
	handle = nil
	return err
}
