// Package interfaces defines the identifiers, error taxonomy and component
// contracts shared across the record storage service.
//
// # Identifiers
//
//   - RecordID: stable identity of a record
//   - VersionID: identity of one immutable version, never reused
//   - InstanceID: identity of a running storage service deployment
//   - ContentID: SHA-256 of a payload blob
//
// All UUID-based identifiers accept only their canonical lowercase text form.
//
// # Contracts
//
//   - BlobBackend: content-addressed payload storage (file, S3, IPFS, Vault, GitHub)
//   - BlobBackendFactory: builds blob backends from location URIs
//   - InstanceDirectory: locates other instances for redirects
//
// # Errors
//
// ValidationError, ErrNotFound (and ErrTombstoned), ErrConflict and
// ErrBackendUnavailable form the error taxonomy; the HTTP layer maps each to a
// stable status code.
package interfaces
