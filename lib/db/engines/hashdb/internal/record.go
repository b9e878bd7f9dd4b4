package internal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/ValentinKolb/hashDB/lib/db"
)

// --------------------------------------------------------------------------
// Blob Pointer
// --------------------------------------------------------------------------

// BlobPointer addresses one encoded record inside a blob file.
type BlobPointer struct {
	FileID uint32
	Offset uint64
	Length uint32
}

func (p BlobPointer) String() string {
	return fmt.Sprintf("%d@%d+%d", p.FileID, p.Offset, p.Length)
}

// --------------------------------------------------------------------------
// Record Codec
// --------------------------------------------------------------------------

// Record layout (little endian):
//
//	crc32c(4) | flags(1) | keyLen(4) | valueLen(4) | seq(8) | keyHash(8) | key | value
//
// The checksum covers everything after the crc field.
const (
	RecordHeaderSize = 29

	flagTombstone byte = 1 << 0

	// records larger than this are treated as corrupt length fields
	maxRecordSize = 1 << 31
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Record is a decoded blob record. Key and Value alias the decoded buffer.
type Record struct {
	Seq       uint64
	KeyHash   uint64
	Key       []byte
	Value     []byte
	Tombstone bool
}

// EncodedSize returns the number of bytes EncodeRecord appends.
func (r Record) EncodedSize() int {
	return RecordHeaderSize + len(r.Key) + len(r.Value)
}

// EncodeRecord appends the encoded record to dst.
func EncodeRecord(dst []byte, r Record) []byte {
	start := len(dst)
	dst = append(dst, make([]byte, RecordHeaderSize)...)
	hdr := dst[start:]

	var flags byte
	if r.Tombstone {
		flags |= flagTombstone
	}
	hdr[4] = flags
	binary.LittleEndian.PutUint32(hdr[5:9], uint32(len(r.Key)))
	binary.LittleEndian.PutUint32(hdr[9:13], uint32(len(r.Value)))
	binary.LittleEndian.PutUint64(hdr[13:21], r.Seq)
	binary.LittleEndian.PutUint64(hdr[21:29], r.KeyHash)

	dst = append(dst, r.Key...)
	dst = append(dst, r.Value...)

	binary.LittleEndian.PutUint32(dst[start:start+4], crc32.Checksum(dst[start+4:], castagnoli))
	return dst
}

// CheckRecordSize rejects keys and values whose record would exceed the record size limit.
func CheckRecordSize(keyLen, valueLen int) error {
	if total := int64(RecordHeaderSize) + int64(keyLen) + int64(valueLen); total > maxRecordSize {
		return db.NewConfigError("record of %d bytes exceeds the limit of %d bytes", total, int64(maxRecordSize))
	}
	return nil
}

// recordLength returns the full encoded length announced by a record header.
func recordLength(hdr []byte) (int64, error) {
	keyLen := int64(binary.LittleEndian.Uint32(hdr[5:9]))
	valLen := int64(binary.LittleEndian.Uint32(hdr[9:13]))
	total := RecordHeaderSize + keyLen + valLen
	if total > maxRecordSize {
		return 0, db.NewCorruption("record length %d exceeds limit", total)
	}
	return total, nil
}

// DecodeRecord decodes and verifies exactly one record.
func DecodeRecord(buf []byte) (Record, error) {
	if len(buf) < RecordHeaderSize {
		return Record{}, db.NewCorruption("record too short (%d bytes)", len(buf))
	}
	total, err := recordLength(buf)
	if err != nil {
		return Record{}, err
	}
	if int64(len(buf)) != total {
		return Record{}, db.NewCorruption("record length mismatch: header says %d, have %d", total, len(buf))
	}
	if want, got := binary.LittleEndian.Uint32(buf[0:4]), crc32.Checksum(buf[4:], castagnoli); want != got {
		return Record{}, db.NewCorruption("record checksum mismatch (%08x != %08x)", got, want)
	}

	keyLen := binary.LittleEndian.Uint32(buf[5:9])
	body := buf[RecordHeaderSize:]
	return Record{
		Tombstone: buf[4]&flagTombstone != 0,
		Seq:       binary.LittleEndian.Uint64(buf[13:21]),
		KeyHash:   binary.LittleEndian.Uint64(buf[21:29]),
		Key:       body[:keyLen],
		Value:     body[keyLen:],
	}, nil
}
