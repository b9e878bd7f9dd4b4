package admin

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/ValentinKolb/hashDB/cmd/util"
	"github.com/ValentinKolb/hashDB/lib/db/engines/hashdb"
	dbutil "github.com/ValentinKolb/hashDB/lib/db/util"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	compactCmd = &cobra.Command{
		Use:   "compact",
		Short: "Runs one garbage collection round",
		Args:  cobra.NoArgs,
		RunE: withDatabase(func(cmd *cobra.Command, args []string) error {
			result, err := handle.Compact(viper.GetBool("force"))
			if err != nil {
				return err
			}
			fmt.Printf("candidates=%d, reclaimed=%d, failed=%d, relocated=%s, freed=%s\n",
				result.Candidates, result.ReclaimedFiles, result.FailedFiles,
				dbutil.FormatBytes(result.RelocatedBytes), dbutil.FormatBytes(result.FreedBytes))
			return nil
		}),
	}
	statsCmd = &cobra.Command{
		Use:   "stats",
		Short: "Prints counters and sizes of the database",
		Args:  cobra.NoArgs,
		RunE: withDatabase(func(cmd *cobra.Command, args []string) error {
			database := handle.DB()
			if viper.GetBool("prometheus") {
				database.WritePrometheus(os.Stdout)
				return nil
			}

			info := database.GetInfo()
			meta, ok := info.Metadata.(hashdb.Info)
			if !ok {
				return fmt.Errorf("unexpected metadata %T", info.Metadata)
			}
			fmt.Printf("directory:     %s\n", meta.Directory)
			fmt.Printf("size on disk:  %s (index file %s)\n",
				dbutil.FormatBytes(info.SizeBytes), dbutil.FormatBytes(meta.IndexFileBytes))
			fmt.Printf("live data:     %s in %d blob files\n", dbutil.FormatBytes(meta.LiveBytes), len(meta.Files))
			fmt.Printf("index:         %d of %d slots used, %d of %d groups cold\n",
				meta.Index.Used, meta.Index.Capacity, meta.Index.ColdGroups, meta.Index.Groups)
			fmt.Printf("bloom filters: %d generations, current %d, saturated=%v\n",
				meta.Bloom.Generations, meta.Bloom.Current, meta.Bloom.Saturated)
			fmt.Printf("gc:            %d rounds, %d files reclaimed, %s freed\n",
				meta.GC.Rounds, meta.GC.ReclaimedFiles, dbutil.FormatBytes(meta.GC.FreedBytes))
			fmt.Printf("sequence:      %d\n", meta.Sequence)
			for _, f := range meta.Files {
				fmt.Printf("  file %010d  %-10s gen=%d size=%-10s utility=%.2f\n",
					f.ID, f.State, f.Generation, dbutil.FormatBytes(f.SizeBytes), f.Utility)
			}
			return nil
		}),
	}
	infoCmd = &cobra.Command{
		Use:   "info",
		Short: "Prints the full database info as JSON",
		Args:  cobra.NoArgs,
		RunE: withDatabase(func(cmd *cobra.Command, args []string) error {
			info, err := handle.GetDBInfo()
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(info)
		}),
	}
	colddownCmd = &cobra.Command{
		Use:   "colddown",
		Short: "Moves all idle index groups to the index file",
		Args:  cobra.NoArgs,
		RunE: withDatabase(func(cmd *cobra.Command, args []string) error {
			moved, err := handle.DB().ColdDownIndex()
			if err != nil {
				return err
			}
			fmt.Printf("moved %d index groups\n", moved)
			return nil
		}),
	}
	destroyCmd = &cobra.Command{
		Use:   "destroy",
		Short: "Removes all files of the database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := util.GetEngineOptions()
			if err != nil {
				return err
			}
			if err := hashdb.Destroy(opts); err != nil {
				return err
			}
			fmt.Printf("destroyed database in %s\n", opts.FilesDirectory)
			return nil
		},
	}
)
