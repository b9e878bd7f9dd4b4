/*
Package internal contains the building blocks of the hashdb engine.

  - Record codec: the checksummed on-disk record format and BlobPointer
  - SlotIndex: fixed-capacity hash index split into independently locked groups
  - BlobStore: append-only data files with a write buffer, sealing and reclaim
  - BloomFilterBank: generation-partitioned bloom filters for negative lookups
  - CacheManager: byte-bounded LRU cache of values
  - ColdStore: bbolt file holding cold index groups and the index checkpoint
  - GarbageCollector: compaction of blob files with low utility

None of the types know about keys as strings; everything is addressed by the 64 bit key hash.
*/
package internal
