package internal

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/ValentinKolb/hashDB/lib/db"
	"github.com/ValentinKolb/hashDB/lib/db/util"
	"github.com/cockroachdb/errors"
	"github.com/edsrzf/mmap-go"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var blobLog = logger.GetLogger("blobstore")

// ErrFileReclaimed is returned by Read if the file was reclaimed by the garbage collector.
// The caller should look the key up again, the index already points somewhere else.
var ErrFileReclaimed = errors.New("blob file reclaimed")

const (
	blobMagic       = "HASHBLOB"
	blobVersion     = 1
	BlobHeaderSize  = 16
	blobFileSuffix  = ".blob"
	scanReadBufSize = 256 << 10
)

// --------------------------------------------------------------------------
// File State
// --------------------------------------------------------------------------

type FileState int32

const (
	FileActive     FileState = iota // accepting appends
	FileSealed                      // read-only, may be compacted
	FileCompacting                  // being rewritten by the garbage collector
	FileReclaimed                   // unlinked
)

func (s FileState) String() string {
	switch s {
	case FileActive:
		return "ACTIVE"
	case FileSealed:
		return "SEALED"
	case FileCompacting:
		return "COMPACTING"
	case FileReclaimed:
		return "RECLAIMED"
	default:
		return "UNKNOWN"
	}
}

// --------------------------------------------------------------------------
// Blob File
// --------------------------------------------------------------------------

type blobFile struct {
	id   uint32
	gen  uint32
	path string
	f    *os.File

	state atomic.Int32
	refs  atomic.Int32 // the store holds one reference until the file is reclaimed

	mu      sync.RWMutex
	mm      mmap.MMap // sealed files only
	buf     []byte    // records not yet written to f
	flushed int64     // file offset up to which f holds data
	size    int64     // flushed + len(buf)

	live     atomic.Int64
	total    atomic.Int64
	minSeq   atomic.Uint64
	failures atomic.Int32
}

func blobFileName(id uint32) string {
	return fmt.Sprintf("%010d%s", id, blobFileSuffix)
}

func newBlobFile(id, gen uint32, path string, f *os.File, size int64) *blobFile {
	bf := &blobFile{id: id, gen: gen, path: path, f: f, flushed: size, size: size}
	bf.refs.Store(1)
	bf.minSeq.Store(math.MaxUint64)
	return bf
}

func (bf *blobFile) State() FileState { return FileState(bf.state.Load()) }

func (bf *blobFile) acquire() bool {
	for {
		r := bf.refs.Load()
		if r <= 0 {
			return false
		}
		if bf.refs.CompareAndSwap(r, r+1) {
			return true
		}
	}
}

func (bf *blobFile) release() {
	if bf.refs.Add(-1) != 0 {
		return
	}
	bf.mu.Lock()
	defer bf.mu.Unlock()
	if bf.mm != nil {
		if err := bf.mm.Unmap(); err != nil {
			blobLog.Warningf("unmap %s: %v", bf.path, err)
		}
		bf.mm = nil
	}
	if err := bf.f.Close(); err != nil {
		blobLog.Warningf("close %s: %v", bf.path, err)
	}
}

func (bf *blobFile) noteSeq(seq uint64) {
	for {
		cur := bf.minSeq.Load()
		if seq >= cur || bf.minSeq.CompareAndSwap(cur, seq) {
			return
		}
	}
}

// utility is live/total. Tombstones never count as live, so a file of tombstones
// and an empty file both have utility 0.
func (bf *blobFile) utility() float64 {
	total := bf.total.Load()
	if total <= 0 {
		return 0
	}
	return float64(bf.live.Load()) / float64(total)
}

// flushLocked writes the buffer to the file. bf.mu must be held for writing.
func (bf *blobFile) flushLocked() error {
	if len(bf.buf) == 0 {
		return nil
	}
	if _, err := bf.f.WriteAt(bf.buf, bf.flushed); err != nil {
		return db.MarkIO(err, "write %s", bf.path)
	}
	bf.flushed += int64(len(bf.buf))
	bf.buf = bf.buf[:0]
	return nil
}

func (bf *blobFile) read(ptr BlobPointer) ([]byte, error) {
	bf.mu.RLock()
	defer bf.mu.RUnlock()

	start, end := int64(ptr.Offset), int64(ptr.Offset)+int64(ptr.Length)
	if start < BlobHeaderSize || end > bf.size {
		return nil, db.NewCorruption("pointer %s outside of file %s (size %d)", ptr, bf.path, bf.size)
	}

	out := make([]byte, ptr.Length)
	switch {
	case bf.mm != nil:
		copy(out, bf.mm[start:end])
	case start >= bf.flushed:
		copy(out, bf.buf[start-bf.flushed:end-bf.flushed])
	default:
		if _, err := bf.f.ReadAt(out, start); err != nil {
			return nil, db.MarkIO(err, "read %s at %d", bf.path, start)
		}
	}
	return out, nil
}

// --------------------------------------------------------------------------
// Blob Store
// --------------------------------------------------------------------------

type BlobStoreOptions struct {
	ApproximateSize int64
	WriteBufferSize int
	Mmap            bool
	// Generation returns the bloom generation for a new file.
	Generation func() uint32
}

// FileInfo is a snapshot of one blob file.
type FileInfo struct {
	ID         uint32  `json:"id"`
	State      string  `json:"state"`
	Generation uint32  `json:"generation"`
	SizeBytes  int64   `json:"size_bytes"`
	LiveBytes  int64   `json:"live_bytes"`
	TotalBytes int64   `json:"total_bytes"`
	Utility    float64 `json:"utility"`
	Failures   int     `json:"gc_failures"`
}

// BlobStore manages the append-only data files of one database.
//
// Thread-safety: all methods are safe for concurrent use. Appends are serialized.
type BlobStore struct {
	dir   string
	opts  BlobStoreOptions
	files *xsync.MapOf[uint32, *blobFile]

	writeMu sync.Mutex
	active  *blobFile
	nextID  uint32
}

// OpenBlobStore opens all blob files in dir. Existing files are opened SEALED; appends go to a new file.
// Record metadata is not loaded, call Recover or Restore afterwards.
func OpenBlobStore(dir string, opts BlobStoreOptions) (*BlobStore, error) {
	if opts.Generation == nil {
		opts.Generation = func() uint32 { return 0 }
	}
	s := &BlobStore{
		dir:    dir,
		opts:   opts,
		files:  xsync.NewMapOf[uint32, *blobFile](),
		nextID: 1,
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, db.MarkIO(err, "list data directory %s", dir)
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, blobFileSuffix) {
			continue
		}
		id, err := strconv.ParseUint(strings.TrimSuffix(name, blobFileSuffix), 10, 32)
		if err != nil {
			blobLog.Warningf("ignoring unexpected file %s in data directory", name)
			continue
		}
		bf, err := s.openFile(uint32(id))
		if err != nil {
			s.closeAll()
			return nil, err
		}
		if bf == nil {
			continue
		}
		s.files.Store(bf.id, bf)
		if bf.id >= s.nextID {
			s.nextID = bf.id + 1
		}
	}
	return s, nil
}

// openFile opens an existing file and checks its header. A file too short to hold
// a header was torn during creation and is removed (nil is returned).
func (s *BlobStore) openFile(id uint32) (*blobFile, error) {
	path := filepath.Join(s.dir, blobFileName(id))
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, db.MarkIO(err, "open %s", path)
	}
	stat, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, db.MarkIO(err, "stat %s", path)
	}

	if stat.Size() < BlobHeaderSize {
		_ = f.Close()
		blobLog.Warningf("removing torn blob file %s (%d bytes)", path, stat.Size())
		return nil, db.MarkIO(os.Remove(path), "remove %s", path)
	}

	var hdr [BlobHeaderSize]byte
	if _, err := f.ReadAt(hdr[:], 0); err != nil {
		_ = f.Close()
		return nil, db.MarkIO(err, "read header of %s", path)
	}
	if string(hdr[0:8]) != blobMagic {
		_ = f.Close()
		return nil, db.NewCorruption("%s is not a blob file", path)
	}
	if v := binary.LittleEndian.Uint32(hdr[8:12]); v != blobVersion {
		_ = f.Close()
		return nil, db.NewCorruption("%s has unsupported version %d", path, v)
	}

	bf := newBlobFile(id, binary.LittleEndian.Uint32(hdr[12:16]), path, f, stat.Size())
	bf.state.Store(int32(FileSealed))
	return bf, nil
}

// syncNewFile syncs a freshly created blob file.
var syncNewFile = (*os.File).Sync

// createFile creates the next blob file. A file that could not be fully created is
// removed and its id is not used again.
func (s *BlobStore) createFile() (*blobFile, error) {
	id := s.nextID
	gen := s.opts.Generation()
	path := filepath.Join(s.dir, blobFileName(id))

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			s.nextID++
		}
		return nil, db.MarkIO(err, "create %s", path)
	}
	fail := func(err error) (*blobFile, error) {
		_ = f.Close()
		if rmErr := os.Remove(path); rmErr != nil {
			blobLog.Warningf("removing partially created %s: %v", path, rmErr)
		}
		s.nextID++
		return nil, err
	}

	hdr := make([]byte, BlobHeaderSize)
	copy(hdr, blobMagic)
	binary.LittleEndian.PutUint32(hdr[8:12], blobVersion)
	binary.LittleEndian.PutUint32(hdr[12:16], gen)
	if _, err := f.WriteAt(hdr, 0); err != nil {
		return fail(db.MarkIO(err, "write header of %s", path))
	}
	if err := syncNewFile(f); err != nil {
		return fail(db.MarkIO(err, "sync %s", path))
	}
	if err := syncDir(s.dir); err != nil {
		return fail(err)
	}

	s.nextID++
	bf := newBlobFile(id, gen, path, f, BlobHeaderSize)
	bf.buf = make([]byte, 0, s.opts.WriteBufferSize)
	bf.state.Store(int32(FileActive))
	s.files.Store(id, bf)
	blobLog.Debugf("created blob file %s (generation %d)", path, gen)
	return bf, nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return db.MarkIO(err, "open directory %s", dir)
	}
	defer d.Close()
	return db.MarkIO(d.Sync(), "sync directory %s", dir)
}

// seal flushes and syncs a file and makes it read-only.
func (s *BlobStore) seal(bf *blobFile) error {
	bf.mu.Lock()
	defer bf.mu.Unlock()

	if err := bf.flushLocked(); err != nil {
		return err
	}
	if err := bf.f.Sync(); err != nil {
		return db.MarkIO(err, "sync %s", bf.path)
	}
	bf.buf = nil
	if err := s.mapLocked(bf); err != nil {
		return err
	}
	bf.state.Store(int32(FileSealed))
	return nil
}

func (s *BlobStore) mapLocked(bf *blobFile) error {
	if !s.opts.Mmap || bf.mm != nil {
		return nil
	}
	mm, err := mmap.Map(bf.f, mmap.RDONLY, 0)
	if err != nil {
		return db.MarkIO(err, "mmap %s", bf.path)
	}
	bf.mm = mm
	return nil
}

// --------------------------------------------------------------------------
// Write Path
// --------------------------------------------------------------------------

// Append adds an encoded record with sequence seq to the active file. It returns the
// record's pointer and the bloom generation of the file it landed in.
// The active file is sealed when it is full or when the bloom generation moved on.
// The record is readable right away but only durable after Flush(true).
func (s *BlobStore) Append(rec []byte, seq uint64) (BlobPointer, uint32, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	af := s.active
	if af != nil && af.size > BlobHeaderSize &&
		(af.size+int64(len(rec)) > s.opts.ApproximateSize || af.gen != s.opts.Generation()) {
		if err := s.seal(af); err != nil {
			return BlobPointer{}, 0, errors.Wrapf(err, "seal blob file %d", af.id)
		}
		s.active, af = nil, nil
	}
	if af == nil {
		var err error
		if af, err = s.createFile(); err != nil {
			return BlobPointer{}, 0, err
		}
		s.active = af
	}

	af.mu.Lock()
	defer af.mu.Unlock()

	if len(af.buf) > 0 && len(af.buf)+len(rec) > s.opts.WriteBufferSize {
		if err := af.flushLocked(); err != nil {
			return BlobPointer{}, 0, err
		}
	}

	ptr := BlobPointer{FileID: af.id, Offset: uint64(af.size), Length: uint32(len(rec))}
	af.buf = append(af.buf, rec...)
	af.size += int64(len(rec))
	af.total.Add(int64(len(rec)))
	af.live.Add(int64(len(rec)))
	af.noteSeq(seq)
	return ptr, af.gen, nil
}

// Flush writes the write buffer of the active file. With sync the file is also fsynced.
func (s *BlobStore) Flush(sync bool) error {
	s.writeMu.Lock()
	af := s.active
	if af == nil {
		s.writeMu.Unlock()
		return nil
	}
	af.mu.Lock()
	err := af.flushLocked()
	af.mu.Unlock()
	held := af.acquire()
	s.writeMu.Unlock()

	if !held {
		return err
	}
	defer af.release()
	if err != nil || !sync {
		return err
	}
	// the file may have been sealed meanwhile, which syncs it as well
	return db.MarkIO(af.f.Sync(), "sync %s", af.path)
}

// Dirty reports whether the active file holds unflushed records.
func (s *BlobStore) Dirty() bool {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.active == nil {
		return false
	}
	s.active.mu.RLock()
	defer s.active.mu.RUnlock()
	return len(s.active.buf) > 0
}

// --------------------------------------------------------------------------
// Read Path
// --------------------------------------------------------------------------

// Read returns a copy of the encoded record at ptr.
func (s *BlobStore) Read(ptr BlobPointer) ([]byte, error) {
	bf, ok := s.files.Load(ptr.FileID)
	if !ok || !bf.acquire() {
		return nil, ErrFileReclaimed
	}
	defer bf.release()
	return bf.read(ptr)
}

// Scan calls fn for every record of a sealed or compacting file in file order.
func (s *BlobStore) Scan(id uint32, fn func(ptr BlobPointer, rec Record) error) error {
	bf, ok := s.files.Load(id)
	if !ok || !bf.acquire() {
		return ErrFileReclaimed
	}
	defer bf.release()

	bf.mu.RLock()
	size := bf.size
	bf.mu.RUnlock()

	_, err := scanRecords(bf.f, id, size, fn)
	return err
}

// scanRecords reads records from the header up to end. It returns the offset after the last
// good record. A malformed record stops the scan with a corruption error.
func scanRecords(r io.ReaderAt, id uint32, end int64, fn func(ptr BlobPointer, rec Record) error) (int64, error) {
	br := bufio.NewReaderSize(io.NewSectionReader(r, BlobHeaderSize, end-BlobHeaderSize), scanReadBufSize)
	off := int64(BlobHeaderSize)
	hdr := make([]byte, RecordHeaderSize)
	var buf []byte

	for off < end {
		if _, err := io.ReadFull(br, hdr); err != nil {
			return off, db.MarkCorruption(err, "record header at %d", off)
		}
		n, err := recordLength(hdr)
		if err != nil {
			return off, err
		}
		if off+n > end {
			return off, db.NewCorruption("record at %d overruns file end %d", off, end)
		}
		if int64(cap(buf)) < n {
			buf = make([]byte, n)
		}
		buf = buf[:n]
		copy(buf, hdr)
		if _, err := io.ReadFull(br, buf[RecordHeaderSize:]); err != nil {
			return off, db.MarkCorruption(err, "record body at %d", off)
		}
		rec, err := DecodeRecord(buf)
		if err != nil {
			return off, errors.Wrapf(err, "record at %d", off)
		}
		if err := fn(BlobPointer{FileID: id, Offset: uint64(off), Length: uint32(n)}, rec); err != nil {
			return off, err
		}
		off += n
	}
	return off, nil
}

// --------------------------------------------------------------------------
// Recovery
// --------------------------------------------------------------------------

// Recover scans every file, truncates torn tails and rebuilds per-file counters.
// fn is called for every intact record, oldest file first. Live byte counters stay
// zero; the caller accounts live records with AddLive once the index is rebuilt.
func (s *BlobStore) Recover(fn func(ptr BlobPointer, rec Record) error) error {
	for _, id := range s.ids() {
		bf, _ := s.files.Load(id)
		bf.total.Store(0)
		bf.minSeq.Store(math.MaxUint64)
		end, err := scanRecords(bf.f, id, bf.size, func(ptr BlobPointer, rec Record) error {
			bf.total.Add(int64(ptr.Length))
			bf.noteSeq(rec.Seq)
			return fn(ptr, rec)
		})
		if err != nil && !db.IsCorruption(err) {
			return err
		}
		if err != nil {
			blobLog.Warningf("truncating %s at %d (was %d): %v", bf.path, end, bf.size, err)
			if terr := bf.f.Truncate(end); terr != nil {
				return db.MarkIO(terr, "truncate %s", bf.path)
			}
			bf.size, bf.flushed = end, end
		}
		if err := s.mapLocked(bf); err != nil {
			return err
		}
	}
	return nil
}

// Restore sets per-file counters from a checkpoint instead of scanning.
// It returns false if the checkpoint does not describe exactly the files on disk.
func (s *BlobStore) Restore(minSeqs map[uint32]uint64) (bool, error) {
	if len(minSeqs) != s.files.Size() {
		return false, nil
	}
	for _, id := range s.ids() {
		minSeq, ok := minSeqs[id]
		if !ok {
			return false, nil
		}
		bf, _ := s.files.Load(id)
		bf.minSeq.Store(minSeq)
		bf.total.Store(bf.size - BlobHeaderSize)
		if err := s.mapLocked(bf); err != nil {
			return false, err
		}
	}
	return true, nil
}

// MinSeqs returns the minimum record sequence of every file, for the checkpoint.
func (s *BlobStore) MinSeqs() map[uint32]uint64 {
	out := make(map[uint32]uint64)
	s.files.Range(func(id uint32, bf *blobFile) bool {
		out[id] = bf.minSeq.Load()
		return true
	})
	return out
}

// --------------------------------------------------------------------------
// Accounting
// --------------------------------------------------------------------------

// MarkGarbage subtracts the record at ptr from its file's live bytes.
func (s *BlobStore) MarkGarbage(ptr BlobPointer) {
	if bf, ok := s.files.Load(ptr.FileID); ok {
		bf.live.Add(-int64(ptr.Length))
	}
}

// AddLive adds the record at ptr to its file's live bytes.
func (s *BlobStore) AddLive(ptr BlobPointer) {
	if bf, ok := s.files.Load(ptr.FileID); ok {
		bf.live.Add(int64(ptr.Length))
	}
}

// MinSeqExcluding returns the smallest record sequence over all files except id.
// It is math.MaxUint64 if no other file holds a record.
func (s *BlobStore) MinSeqExcluding(id uint32) uint64 {
	lowest := uint64(math.MaxUint64)
	s.files.Range(func(fid uint32, bf *blobFile) bool {
		if fid != id {
			if seq := bf.minSeq.Load(); seq < lowest {
				lowest = seq
			}
		}
		return true
	})
	return lowest
}

// Generation returns the bloom generation of a file.
func (s *BlobStore) Generation(id uint32) (uint32, bool) {
	bf, ok := s.files.Load(id)
	if !ok {
		return 0, false
	}
	return bf.gen, true
}

// FilesPerGeneration counts the files that are not reclaimed per bloom generation.
func (s *BlobStore) FilesPerGeneration() map[uint32]int {
	out := make(map[uint32]int)
	s.files.Range(func(_ uint32, bf *blobFile) bool {
		out[bf.gen]++
		return true
	})
	return out
}

// DiskUsage returns the on-disk size of all files including buffered bytes.
func (s *BlobStore) DiskUsage() int64 {
	var total int64
	s.files.Range(func(_ uint32, bf *blobFile) bool {
		bf.mu.RLock()
		total += bf.size
		bf.mu.RUnlock()
		return true
	})
	return total
}

// LiveBytes returns the sum of live bytes over all files.
func (s *BlobStore) LiveBytes() int64 {
	var total int64
	s.files.Range(func(_ uint32, bf *blobFile) bool {
		total += bf.live.Load()
		return true
	})
	return total
}

// Files returns a snapshot of all files ordered by id.
func (s *BlobStore) Files() []FileInfo {
	ids := s.ids()
	out := make([]FileInfo, 0, len(ids))
	for _, id := range ids {
		bf, ok := s.files.Load(id)
		if !ok {
			continue
		}
		bf.mu.RLock()
		size := bf.size
		bf.mu.RUnlock()
		out = append(out, FileInfo{
			ID:         id,
			State:      bf.State().String(),
			Generation: bf.gen,
			SizeBytes:  size,
			LiveBytes:  bf.live.Load(),
			TotalBytes: bf.total.Load(),
			Utility:    bf.utility(),
			Failures:   int(bf.failures.Load()),
		})
	}
	return out
}

func (s *BlobStore) ids() []uint32 {
	ids := make([]uint32, 0, s.files.Size())
	s.files.Range(func(id uint32, _ *blobFile) bool {
		ids = append(ids, id)
		return true
	})
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// --------------------------------------------------------------------------
// Compaction Lifecycle
// --------------------------------------------------------------------------

// Candidates returns sealed files with utility below threshold and fewer than maxFailures
// failed compactions, lowest utility first and older files first on ties.
func (s *BlobStore) Candidates(threshold float64, maxFailures int) []uint32 {
	heap := util.NewMapHeap[uint32]()
	s.files.Range(func(id uint32, bf *blobFile) bool {
		if bf.State() != FileSealed || int(bf.failures.Load()) >= maxFailures {
			return true
		}
		if u := bf.utility(); u < threshold {
			heap.AddItem(id, uint64(u*1e6)<<32|uint64(id))
		}
		return true
	})
	return heap.TakeMin(0)
}

// BeginCompaction moves a sealed file to COMPACTING. It fails if the file is in any other state.
func (s *BlobStore) BeginCompaction(id uint32) bool {
	bf, ok := s.files.Load(id)
	return ok && bf.state.CompareAndSwap(int32(FileSealed), int32(FileCompacting))
}

// AbortCompaction returns a compacting file to SEALED. With failed the attempt counts
// against the file's failure budget.
func (s *BlobStore) AbortCompaction(id uint32, failed bool) {
	if bf, ok := s.files.Load(id); ok && bf.state.CompareAndSwap(int32(FileCompacting), int32(FileSealed)) && failed {
		bf.failures.Add(1)
	}
}

// Reclaim unlinks a compacting file and returns its size. Readers holding a reference
// finish on the open descriptor.
func (s *BlobStore) Reclaim(id uint32) (int64, error) {
	bf, ok := s.files.Load(id)
	if !ok || !bf.state.CompareAndSwap(int32(FileCompacting), int32(FileReclaimed)) {
		return 0, errors.Newf("blob file %d is not being compacted", id)
	}
	s.files.Delete(id)

	bf.mu.RLock()
	size := bf.size
	bf.mu.RUnlock()

	err := os.Remove(bf.path)
	bf.release()
	if err != nil {
		return 0, db.MarkIO(err, "remove %s", bf.path)
	}
	return size, syncDir(s.dir)
}

// Close flushes and syncs the active file and closes all files.
func (s *BlobStore) Close() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var err error
	if af := s.active; af != nil {
		af.mu.Lock()
		if err = af.flushLocked(); err == nil {
			err = db.MarkIO(af.f.Sync(), "sync %s", af.path)
		}
		af.mu.Unlock()
		s.active = nil
	}
	s.closeAll()
	return err
}

func (s *BlobStore) closeAll() {
	s.files.Range(func(id uint32, bf *blobFile) bool {
		s.files.Delete(id)
		bf.release()
		return true
	})
}
