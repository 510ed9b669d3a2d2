/*
Package entitydb implements generic entity storage for an IoT device registry
on top of a sorted key-value store with column-family style rows.

We implement:

1. Compact binary row keys. Every entity token is mapped to a numeric id, and
the primary row of an entity lives at [type][truncated id][primary identifier].
Auxiliary rows of the same entity share the prefix and end with their own
subtype byte, so they sort right next to the owner.

2. Unique-id maps, bidirectional token <-> value mappings kept in a shared UID
table and cached in memory. Counter maps allocate the numeric ids from an
atomically incremented per-category counter row.

3. Generic entity operations (create/update, get, list, paginate, soft and
hard delete) parameterized by the entity type.

4. Storage backends over memory, Bolt, Pebble and LevelDB.

# Technical Details

**Tables.**
A table is a sorted set of rows. Pebble and LevelDB have a single keyspace, so
a table is simulated via the key prefix "name\x00". Bolt uses a bucket per table.
Table descriptors (families, bloom filter kind) are stored by each backend.

**Rows.**
A row is a set of cells addressed by family and qualifier. Physically it is one
key/value pair; Put merges cells into the existing value, so a row write is
atomic.

**Entity rows** use the family "f" and the qualifiers "t" (one-byte payload
encoding), "p" (payload) and "d" (soft-delete marker).

**UID table.**
Forward rows [key indicator][name] and reverse rows [value indicator][value]
hold the other side of the mapping in qualifier "v". Counter rows
[0x00][key indicator] hold an 8-byte big-endian counter in qualifier "c".

## Binary encoding

**Row value**:
1. Format (byte, currently 1).
2. Number of cells (uvarint).
3. For each cell, sorted by column: family, qualifier and data, each as
length (uvarint) + bytes.

**Payload**: msgpack or JSON of the entity struct, chosen per write and
identified by the payload-type cell.
*/
package entitydb
