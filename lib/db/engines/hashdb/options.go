package hashdb

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/ValentinKolb/hashDB/lib/db"
	"github.com/ValentinKolb/hashDB/lib/db/util"
	"github.com/cockroachdb/errors"
	"github.com/pbnjay/memory"
	"gopkg.in/yaml.v3"
)

const optionsFileName = "OPTIONS.yaml"

// Options configures a hashdb instance. Start from DefaultOptions and override fields.
type Options struct {
	// Directories
	FilesDirectory      string `yaml:"files_directory"`
	DataFilesDirectory  string `yaml:"data_files_directory"`  // default: <FilesDirectory>/data
	IndexFilesDirectory string `yaml:"index_files_directory"` // default: <FilesDirectory>/index

	// Slot index, both fixed for the lifetime of a database
	SlotsMapSize  int `yaml:"slots_map_size"`
	SlotGroupSize int `yaml:"slot_group_size"`

	// Threads
	ForegroundThreads int `yaml:"foreground_threads"`
	BackgroundThreads int `yaml:"background_threads"`

	// Blob files
	BlobApproximateSize int64 `yaml:"blob_approximate_size"`
	BlobWriteBufferSize int   `yaml:"blob_write_buffer_size"`
	MmapSealedFiles     bool  `yaml:"mmap_sealed_files"`

	// Garbage collection
	GCEnable                  bool    `yaml:"gc_enable"`
	GCEnableDataFilesGC       bool    `yaml:"gc_enable_data_files_gc"`
	BlobGCMinUtilityThreshold float64 `yaml:"blob_gc_min_utility_threshold"`
	GCCheckEverySomeWrites    int     `yaml:"gc_check_every_some_writes"`
	GCTriggerMinBlobNum       int     `yaml:"gc_trigger_min_blob_num"`
	GCBytesPerSecond          int64   `yaml:"gc_bytes_per_second"` // 0 = unlimited
	MaxGCFailures             int     `yaml:"max_gc_failures"`

	// Cache eviction
	GCEnableCacheEvict        bool  `yaml:"gc_enable_cache_evict"`
	GCCacheMaxThreshold       int64 `yaml:"gc_cache_max_threshold"` // bytes, 0 = 1/16 of the system memory
	GCMaxEvictSlotNumPerRound int   `yaml:"gc_max_evict_slot_num_per_round"`

	// Index cold-down
	GCEnableIndexColddown             bool `yaml:"gc_enable_index_colddown"`
	GCMaxColddownIndexSlotNumPerRound int  `yaml:"gc_max_colddown_index_slot_num_per_round"` // groups
	ColddownIdleRounds                int  `yaml:"colddown_idle_rounds"`

	// Bloom filters
	BloomFiltersNum               int     `yaml:"bloom_filters_num"` // 0 disables the filters
	BloomFiltersFalsePositiveRate float64 `yaml:"bloom_filters_false_positive_rate"`
	BloomFiltersElementsNum       uint    `yaml:"bloom_filters_elements_num"`

	// Misc
	KeyRange            int           `yaml:"key_range"` // expected number of keys, 0 = unknown
	MaintenanceInterval time.Duration `yaml:"maintenance_interval"`
}

// DefaultOptions returns the default options for a database in dir
func DefaultOptions(dir string) *Options {
	return &Options{
		FilesDirectory:                    dir,
		SlotsMapSize:                      1 << 20,
		SlotGroupSize:                     64,
		ForegroundThreads:                 runtime.NumCPU(),
		BackgroundThreads:                 2,
		BlobApproximateSize:               64 << 20,
		BlobWriteBufferSize:               1 << 20,
		MmapSealedFiles:                   true,
		GCEnable:                          true,
		GCEnableDataFilesGC:               true,
		BlobGCMinUtilityThreshold:         0.5,
		GCCheckEverySomeWrites:            10000,
		GCTriggerMinBlobNum:               4,
		MaxGCFailures:                     3,
		GCEnableCacheEvict:                true,
		GCMaxEvictSlotNumPerRound:         4096,
		GCMaxColddownIndexSlotNumPerRound: 64,
		ColddownIdleRounds:                16,
		BloomFiltersNum:                   8,
		BloomFiltersFalsePositiveRate:     0.01,
		BloomFiltersElementsNum:           1 << 18,
		MaintenanceInterval:               100 * time.Millisecond,
	}
}

// dataDir returns the directory of the blob files
func (o *Options) dataDir() string {
	if o.DataFilesDirectory != "" {
		return o.DataFilesDirectory
	}
	return filepath.Join(o.FilesDirectory, "data")
}

// indexDir returns the directory of the index file and OPTIONS.yaml
func (o *Options) indexDir() string {
	if o.IndexFilesDirectory != "" {
		return o.IndexFilesDirectory
	}
	return filepath.Join(o.FilesDirectory, "index")
}

// cacheThreshold returns the cache size limit in bytes
func (o *Options) cacheThreshold() int64 {
	if o.GCCacheMaxThreshold > 0 {
		return o.GCCacheMaxThreshold
	}
	return int64(memory.TotalMemory() / 16)
}

// Validate checks the options. All errors match db.ErrConfig.
func (o *Options) Validate() error {
	var problems []string
	check := func(ok bool, format string, args ...interface{}) {
		if !ok {
			problems = append(problems, fmt.Sprintf(format, args...))
		}
	}

	check(o.FilesDirectory != "" || (o.DataFilesDirectory != "" && o.IndexFilesDirectory != ""),
		"files directory is required")
	check(o.SlotsMapSize > 0, "slots map size must be positive (got %d)", o.SlotsMapSize)
	check(o.SlotGroupSize > 0, "slot group size must be positive (got %d)", o.SlotGroupSize)
	check(o.ForegroundThreads >= 1, "foreground threads must be at least 1 (got %d)", o.ForegroundThreads)
	check(o.BackgroundThreads >= 1, "background threads must be at least 1 (got %d)", o.BackgroundThreads)
	check(o.BlobApproximateSize > 0, "blob approximate size must be positive (got %d)", o.BlobApproximateSize)
	check(o.BlobWriteBufferSize > 0, "blob write buffer size must be positive (got %d)", o.BlobWriteBufferSize)
	check(int64(o.BlobWriteBufferSize) <= o.BlobApproximateSize,
		"blob write buffer size (%d) exceeds blob approximate size (%d)", o.BlobWriteBufferSize, o.BlobApproximateSize)
	check(o.BlobGCMinUtilityThreshold >= 0 && o.BlobGCMinUtilityThreshold <= 1,
		"blob gc min utility threshold must be within [0, 1] (got %g)", o.BlobGCMinUtilityThreshold)
	check(o.GCCheckEverySomeWrites >= 1, "gc check every some writes must be at least 1 (got %d)", o.GCCheckEverySomeWrites)
	check(o.GCTriggerMinBlobNum >= 1, "gc trigger min blob num must be at least 1 (got %d)", o.GCTriggerMinBlobNum)
	check(o.GCBytesPerSecond >= 0, "gc bytes per second must not be negative (got %d)", o.GCBytesPerSecond)
	check(o.MaxGCFailures >= 1, "max gc failures must be at least 1 (got %d)", o.MaxGCFailures)
	check(o.GCCacheMaxThreshold >= 0, "gc cache max threshold must not be negative (got %d)", o.GCCacheMaxThreshold)
	check(o.GCMaxEvictSlotNumPerRound >= 1, "gc max evict slot num per round must be at least 1 (got %d)", o.GCMaxEvictSlotNumPerRound)
	check(o.GCMaxColddownIndexSlotNumPerRound >= 1,
		"gc max colddown index slot num per round must be at least 1 (got %d)", o.GCMaxColddownIndexSlotNumPerRound)
	check(o.ColddownIdleRounds >= 1, "colddown idle rounds must be at least 1 (got %d)", o.ColddownIdleRounds)
	check(o.BloomFiltersNum >= 0, "bloom filters num must not be negative (got %d)", o.BloomFiltersNum)
	if o.BloomFiltersNum > 0 {
		check(o.BloomFiltersFalsePositiveRate > 0 && o.BloomFiltersFalsePositiveRate < 1,
			"bloom filters false positive rate must be within (0, 1) (got %g)", o.BloomFiltersFalsePositiveRate)
		check(o.BloomFiltersElementsNum > 0, "bloom filters elements num must be positive")
	}
	check(o.KeyRange >= 0 && o.KeyRange <= o.SlotsMapSize,
		"key range (%d) must be within [0, slots map size (%d)]", o.KeyRange, o.SlotsMapSize)
	check(o.MaintenanceInterval > 0, "maintenance interval must be positive (got %v)", o.MaintenanceInterval)

	if len(problems) > 0 {
		return db.NewConfigError("invalid options: %s", strings.Join(problems, "; "))
	}
	return nil
}

// persistOptions writes OPTIONS.yaml on first open and checks the fixed options on reopen.
func persistOptions(o *Options) error {
	path := filepath.Join(o.indexDir(), optionsFileName)

	raw, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		out, err := yaml.Marshal(o)
		if err != nil {
			return errors.Wrap(err, "encode options")
		}
		return db.MarkIO(os.WriteFile(path, out, 0o644), "write %s", path)
	case err != nil:
		return db.MarkIO(err, "read %s", path)
	}

	var stored Options
	if err := yaml.Unmarshal(raw, &stored); err != nil {
		return db.MarkCorruption(err, "decode %s", path)
	}
	if stored.SlotsMapSize != o.SlotsMapSize || stored.SlotGroupSize != o.SlotGroupSize {
		return db.NewConfigError("database was created with slots map size %d and slot group size %d, got %d and %d",
			stored.SlotsMapSize, stored.SlotGroupSize, o.SlotsMapSize, o.SlotGroupSize)
	}
	return nil
}

// String returns a formatted string representation of the options
func (o *Options) String() string {
	var sb strings.Builder

	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-26s: %s\n", name, value))
	}

	onOff := func(b bool) string {
		if b {
			return "enabled"
		}
		return "disabled"
	}

	addSection("Storage")
	addField("Data Directory", o.dataDir())
	addField("Index Directory", o.indexDir())
	addField("Blob Approximate Size", util.FormatBytes(o.BlobApproximateSize))
	addField("Blob Write Buffer", util.FormatBytes(int64(o.BlobWriteBufferSize)))
	addField("Mmap Sealed Files", onOff(o.MmapSealedFiles))

	addSection("Index")
	addField("Slots", strconv.Itoa(o.SlotsMapSize))
	addField("Slots per Group", strconv.Itoa(o.SlotGroupSize))
	addField("Key Range", strconv.Itoa(o.KeyRange))

	addSection("Threads")
	addField("Foreground", strconv.Itoa(o.ForegroundThreads))
	addField("Background", strconv.Itoa(o.BackgroundThreads))
	addField("Maintenance Interval", o.MaintenanceInterval.String())

	addSection("Garbage Collection")
	addField("Data Files GC", onOff(o.GCEnable && o.GCEnableDataFilesGC))
	addField("Min Utility", fmt.Sprintf("%.2f", o.BlobGCMinUtilityThreshold))
	addField("Check Every", fmt.Sprintf("%d writes", o.GCCheckEverySomeWrites))
	addField("Trigger Min Files", strconv.Itoa(o.GCTriggerMinBlobNum))
	if o.GCBytesPerSecond > 0 {
		addField("Relocation Limit", util.FormatBytes(o.GCBytesPerSecond)+"/s")
	}

	addSection("Cache")
	addField("Eviction", onOff(o.GCEnable && o.GCEnableCacheEvict))
	addField("Max Size", util.FormatBytes(o.cacheThreshold()))
	addField("Evict per Round", strconv.Itoa(o.GCMaxEvictSlotNumPerRound))

	addSection("Index Cold-down")
	addField("Cold-down", onOff(o.GCEnable && o.GCEnableIndexColddown))
	addField("Groups per Round", strconv.Itoa(o.GCMaxColddownIndexSlotNumPerRound))
	addField("Idle Rounds", strconv.Itoa(o.ColddownIdleRounds))

	addSection("Bloom Filters")
	addField("Generations", strconv.Itoa(o.BloomFiltersNum))
	addField("Keys per Generation", strconv.FormatUint(uint64(o.BloomFiltersElementsNum), 10))
	addField("False Positive Rate", fmt.Sprintf("%g", o.BloomFiltersFalsePositiveRate))

	return sb.String()
}
