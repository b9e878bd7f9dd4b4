package internal

import (
	"testing"

	"github.com/ValentinKolb/hashDB/lib/db"
	"github.com/stretchr/testify/require"
)

func TestRecordRoundTrip(t *testing.T) {
	in := Record{Seq: 42, KeyHash: 0xdeadbeef, Key: []byte("key"), Value: []byte("some value")}
	buf := EncodeRecord(nil, in)
	require.Len(t, buf, in.EncodedSize())

	out, err := DecodeRecord(buf)
	require.NoError(t, err)
	require.Equal(t, in.Seq, out.Seq)
	require.Equal(t, in.KeyHash, out.KeyHash)
	require.Equal(t, in.Key, out.Key)
	require.Equal(t, in.Value, out.Value)
	require.False(t, out.Tombstone)
}

func TestRecordTombstone(t *testing.T) {
	buf := EncodeRecord([]byte("prefix"), Record{Seq: 1, KeyHash: 7, Key: []byte("k"), Tombstone: true})

	out, err := DecodeRecord(buf[len("prefix"):])
	require.NoError(t, err)
	require.True(t, out.Tombstone)
	require.Empty(t, out.Value)
}

func TestRecordCorruption(t *testing.T) {
	buf := EncodeRecord(nil, Record{Seq: 1, KeyHash: 7, Key: []byte("k"), Value: []byte("v")})

	flipped := append([]byte(nil), buf...)
	flipped[len(flipped)-1] ^= 0xff
	_, err := DecodeRecord(flipped)
	require.True(t, db.IsCorruption(err), "checksum mismatch: %v", err)

	_, err = DecodeRecord(buf[:RecordHeaderSize-1])
	require.True(t, db.IsCorruption(err), "short header: %v", err)

	_, err = DecodeRecord(buf[:len(buf)-1])
	require.True(t, db.IsCorruption(err), "short body: %v", err)
}

func TestCheckRecordSize(t *testing.T) {
	require.NoError(t, CheckRecordSize(3, 1<<20))
	require.True(t, db.IsConfig(CheckRecordSize(0, maxRecordSize)))
	require.True(t, db.IsConfig(CheckRecordSize(maxRecordSize/2, maxRecordSize/2)))
}
