package cmd

import (
	"fmt"
	"os"

	"github.com/ValentinKolb/hashDB/cmd/admin"
	"github.com/ValentinKolb/hashDB/cmd/bench"
	"github.com/ValentinKolb/hashDB/cmd/kv"
	"github.com/ValentinKolb/hashDB/cmd/util"
	"github.com/spf13/cobra"
)

const (
	Version = "0.3.0"
)

var (

	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "hashdb",
		Short: "embedded hash-indexed key-value store",
		Long: fmt.Sprintf(`hashDB (v%s)

An embedded key-value store written in Go. Keys are mapped by a fixed
hash index to records in append-only blob files, which are compacted
in the background.

All engine options can be set with flags, HASHDB_<FLAG> environment
variables (e.g. HASHDB_SLOTS_MAP_SIZE=1048576) or a YAML file (--config).`, Version),
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return util.SetupCommand(cmd)
		},
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of hashDB",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("hashDB v%s\n", Version)
		},
	}
)

func init() {
	// initialize viper
	cobra.OnInitialize(util.InitConfig)

	// engine flags are shared by all commands
	util.SetupEngineFlags(RootCmd)

	// Add Commands
	RootCmd.AddCommand(kv.KeyValueCommands)
	RootCmd.AddCommand(bench.BenchCmd)
	RootCmd.AddCommand(admin.AdminCommands)
	RootCmd.AddCommand(versionCmd)
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
