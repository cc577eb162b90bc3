/*
Package snapdb implements a schema-declared, versioned document store with
secondary indexes and whole-database backup and recovery.

We implement:

1. Collections of map-shaped records keyed by a primary key field, declared
up front with their secondary indexes (CollectionDescriptor).

2. Versioned migrations: when the declared version goes up, collections that
don't exist yet are created along with their indexes. Existing collections are
never altered.

3. Collection handles with upsert, lookups by primary key, ordered scans and
index queries.

4. Snapshots: Backup exports every collection from one transaction, Recovery
merges a snapshot back in one transaction.

The storage itself sits behind the Engine interface. KVEngine stores each
database in a Bolt file, or in memory.

# Technical Details

**Buckets.**
Each collection is a root bucket named "s:<collection>" with a "data" bucket
and an "i:<index>" bucket per index. The catalog (schema version and the
layout of every collection) is a msgpack document in the "_meta" bucket.

**Index ordinal.**
Each index of a collection gets a positive integer ordinal. These values are
never reused.

## Binary encoding

**Key encoding.**
Keys are encoded so that byte order matches key order: a type tag (number,
time, string, binary, array) followed by the payload. Numbers and times are
8-byte big-endian floats with the sign bit flipped. Strings and binary escape
0x00 as 00 FF and end with 00 01. Arrays end with 00.

**Index entries.**
Unique indexes map index key to primary key. Non-unique indexes use index key
followed by primary key as the bucket key, with an empty value.

**Value**: value header, then msgpack of the record, then index key records.

**Value header**:
1. Flags (uvarint).
2. Schema version (uvarint).
3. Modification count (uvarint).
4. Data size (uvarint).
5. Index size (uvarint).

**Index key records** (inside a value) record the index entries contributed
by this record, so that an update or delete knows which entries to remove.
Format:
1. Number of entries (uvarint).
2. For each entry: index ordinal (uvarint), key length (uvarint), key bytes.
*/
package snapdb
