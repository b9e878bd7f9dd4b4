package util

import (
	"fmt"
	"os"
	"strings"

	"github.com/ValentinKolb/hashDB/lib/common"
	"github.com/ValentinKolb/hashDB/lib/db/engines/hashdb"
	"github.com/ValentinKolb/hashDB/lib/store/lstore"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	// Wrap is the number of characters to Wrap the help text at
	Wrap int = 50
)

// Registry is shared by all commands of one process
var Registry = lstore.NewRegistry()

// WrapString wraps a string at Wrap characters
func WrapString(text string) string {
	var wrappedLines []string
	var currentLine strings.Builder
	lineWidth := 0

	for _, word := range strings.Fields(text) {
		wordWidth := len(word)

		// Check if we need to wrap
		if lineWidth > 0 && lineWidth+1+wordWidth > Wrap {
			wrappedLines = append(wrappedLines, currentLine.String())
			currentLine.Reset()
			lineWidth = 0
		}

		// Add space before word (if not first word on line)
		if lineWidth > 0 {
			currentLine.WriteString(" ")
			lineWidth++
		}

		currentLine.WriteString(word)
		lineWidth += wordWidth
	}

	if currentLine.Len() > 0 {
		wrappedLines = append(wrappedLines, currentLine.String())
	}

	return strings.Join(wrappedLines, "\n")
}

// --------------------------------------------------------------------------
// Configuration
// --------------------------------------------------------------------------

// InitConfig loads .env files and sets up viper to read HASHDB_* environment variables
func InitConfig() {
	// load env files
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	// initialize viper
	viper.SetEnvPrefix("hashdb")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv() // read in environment variables that match
}

// BindCommandFlags binds a command's flags to viper
func BindCommandFlags(cmd *cobra.Command) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	return viper.BindPFlags(cmd.InheritedFlags())
}

// SetupCommand binds the flags of cmd and initializes the loggers. Every command
// group calls it from its PersistentPreRunE.
func SetupCommand(cmd *cobra.Command) error {
	if err := BindCommandFlags(cmd); err != nil {
		return err
	}
	return common.InitLoggers(viper.GetString("log-level"))
}

// SetupEngineFlags adds the flags that configure the engine to a command
func SetupEngineFlags(cmd *cobra.Command) {
	d := hashdb.DefaultOptions("")
	f := cmd.PersistentFlags()

	f.String("dir", "hashdb-data", WrapString("Directory of the database"))
	f.String("config", "", WrapString("Optional YAML file with engine options (same keys as OPTIONS.yaml). Flags and HASHDB_* environment variables take precedence"))
	f.String("log-level", "warn", WrapString("LogLevel is the level at which logs will be output (debug, info, warn, error)"))
	f.String("data-dir", "", WrapString("Directory of the blob files (default <dir>/data)"))
	f.String("index-dir", "", WrapString("Directory of the index file (default <dir>/index)"))

	f.Int("slots-map-size", d.SlotsMapSize, WrapString("Number of slots of the hash index. Fixed when the database is created"))
	f.Int("slot-group-size", d.SlotGroupSize, WrapString("Slots per index group, the unit of locking and cold-down. Fixed when the database is created"))
	f.Int("key-range", d.KeyRange, WrapString("Expected number of distinct keys, must not exceed slots-map-size (0 = unknown)"))
	f.Int("foreground-threads", d.ForegroundThreads, WrapString("Maximum number of concurrent Get/Set/Delete calls"))
	f.Int("background-threads", d.BackgroundThreads, WrapString("Parallelism of maintenance tasks and garbage collection"))
	f.Int64("blob-approximate-size", d.BlobApproximateSize, WrapString("Size in bytes at which a blob file is sealed"))
	f.Int("blob-write-buffer-size", d.BlobWriteBufferSize, WrapString("Size in bytes of the write buffer of the active blob file"))
	f.Bool("mmap", d.MmapSealedFiles, WrapString("Read sealed blob files through memory maps"))

	f.Bool("gc", d.GCEnable, WrapString("Enable all background maintenance"))
	f.Bool("gc-data-files", d.GCEnableDataFilesGC, WrapString("Enable compaction of blob files"))
	f.Float64("gc-min-utility", d.BlobGCMinUtilityThreshold, WrapString("Sealed files with a lower share of live bytes are compacted"))
	f.Int("gc-check-every", d.GCCheckEverySomeWrites, WrapString("Look for compaction candidates every N writes"))
	f.Int("gc-trigger-min-files", d.GCTriggerMinBlobNum, WrapString("Minimum number of candidates for a background compaction round"))
	f.Int64("gc-bytes-per-second", d.GCBytesPerSecond, WrapString("Limit for relocated bytes per second (0 = unlimited)"))
	f.Int("gc-max-failures", d.MaxGCFailures, WrapString("Failed compactions after which a file is skipped"))

	f.Bool("cache-evict", d.GCEnableCacheEvict, WrapString("Enable the value cache and its eviction"))
	f.Int64("cache-max-bytes", d.GCCacheMaxThreshold, WrapString("Size of the value cache in bytes (0 = 1/16 of the system memory)"))
	f.Int("cache-evict-per-round", d.GCMaxEvictSlotNumPerRound, WrapString("Maximum number of evicted values per maintenance round"))

	f.Bool("index-colddown", d.GCEnableIndexColddown, WrapString("Move idle index groups to the index file"))
	f.Int("colddown-groups-per-round", d.GCMaxColddownIndexSlotNumPerRound, WrapString("Maximum number of index groups moved per maintenance round"))
	f.Int("colddown-idle-rounds", d.ColddownIdleRounds, WrapString("Maintenance rounds without access before a group is moved"))

	f.Int("bloom-filters", d.BloomFiltersNum, WrapString("Number of bloom filter generations (0 disables the filters)"))
	f.Float64("bloom-fp-rate", d.BloomFiltersFalsePositiveRate, WrapString("False positive rate of each bloom filter"))
	f.Uint("bloom-elements", d.BloomFiltersElementsNum, WrapString("Keys per bloom filter generation"))

	f.Duration("maintenance-interval", d.MaintenanceInterval, WrapString("Interval of the maintenance rounds"))
}

// GetEngineOptions builds the engine options from the defaults, the optional config file
// and the flags or environment variables that were set explicitly.
func GetEngineOptions() (*hashdb.Options, error) {
	opts := hashdb.DefaultOptions(viper.GetString("dir"))

	if path := viper.GetString("config"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, opts); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	set := func(key string, apply func()) {
		if viper.IsSet(key) {
			apply()
		}
	}
	set("dir", func() { opts.FilesDirectory = viper.GetString("dir") })
	set("data-dir", func() { opts.DataFilesDirectory = viper.GetString("data-dir") })
	set("index-dir", func() { opts.IndexFilesDirectory = viper.GetString("index-dir") })
	set("slots-map-size", func() { opts.SlotsMapSize = viper.GetInt("slots-map-size") })
	set("slot-group-size", func() { opts.SlotGroupSize = viper.GetInt("slot-group-size") })
	set("key-range", func() { opts.KeyRange = viper.GetInt("key-range") })
	set("foreground-threads", func() { opts.ForegroundThreads = viper.GetInt("foreground-threads") })
	set("background-threads", func() { opts.BackgroundThreads = viper.GetInt("background-threads") })
	set("blob-approximate-size", func() { opts.BlobApproximateSize = viper.GetInt64("blob-approximate-size") })
	set("blob-write-buffer-size", func() { opts.BlobWriteBufferSize = viper.GetInt("blob-write-buffer-size") })
	set("mmap", func() { opts.MmapSealedFiles = viper.GetBool("mmap") })
	set("gc", func() { opts.GCEnable = viper.GetBool("gc") })
	set("gc-data-files", func() { opts.GCEnableDataFilesGC = viper.GetBool("gc-data-files") })
	set("gc-min-utility", func() { opts.BlobGCMinUtilityThreshold = viper.GetFloat64("gc-min-utility") })
	set("gc-check-every", func() { opts.GCCheckEverySomeWrites = viper.GetInt("gc-check-every") })
	set("gc-trigger-min-files", func() { opts.GCTriggerMinBlobNum = viper.GetInt("gc-trigger-min-files") })
	set("gc-bytes-per-second", func() { opts.GCBytesPerSecond = viper.GetInt64("gc-bytes-per-second") })
	set("gc-max-failures", func() { opts.MaxGCFailures = viper.GetInt("gc-max-failures") })
	set("cache-evict", func() { opts.GCEnableCacheEvict = viper.GetBool("cache-evict") })
	set("cache-max-bytes", func() { opts.GCCacheMaxThreshold = viper.GetInt64("cache-max-bytes") })
	set("cache-evict-per-round", func() { opts.GCMaxEvictSlotNumPerRound = viper.GetInt("cache-evict-per-round") })
	set("index-colddown", func() { opts.GCEnableIndexColddown = viper.GetBool("index-colddown") })
	set("colddown-groups-per-round", func() {
		opts.GCMaxColddownIndexSlotNumPerRound = viper.GetInt("colddown-groups-per-round")
	})
	set("colddown-idle-rounds", func() { opts.ColddownIdleRounds = viper.GetInt("colddown-idle-rounds") })
	set("bloom-filters", func() { opts.BloomFiltersNum = viper.GetInt("bloom-filters") })
	set("bloom-fp-rate", func() { opts.BloomFiltersFalsePositiveRate = viper.GetFloat64("bloom-fp-rate") })
	set("bloom-elements", func() { opts.BloomFiltersElementsNum = viper.GetUint("bloom-elements") })
	set("maintenance-interval", func() { opts.MaintenanceInterval = viper.GetDuration("maintenance-interval") })

	return opts, opts.Validate()
}
