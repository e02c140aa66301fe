// Package metadata owns the side-data of records.
//
// Per-version metadata (tags, attributes, URI, MIME type) is assembled as a
// Metadata value before a version is created and written once into the
// version's directory; it is never changed afterwards. Any tag, attribute key
// or attribute value containing a newline is rejected before anything is
// written.
//
// Record-level state is mutable and lives next to the version chain: the
// reference counter, adjusted atomically under the record's exclusion scope by
// link management, and the tombstone written when a record is removed. A copy
// of every tombstone is kept in a separate sharded tree so that it persists
// after the record directory is physically removed.
package metadata
