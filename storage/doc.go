// Package storage provides content-addressed payload storage with pluggable
// backends.
//
// Every payload is identified by the SHA-256 of its bytes (a ContentID), so
// identical payloads are stored once and versions that copy a payload forward
// share the blob. Backends:
//
//   - file:///var/lib/mze/blobs - local files sharded as <aa>/<bb>/<content id>
//   - s3://bucket/prefix?region=eu-west-1 - S3 or compatible object storage
//   - ipfs://host:5001/root - the mutable file system of an IPFS node
//   - vault://host:8200/mount/path?token=... - HashiCorp Vault KV v2
//   - github://owner/repo/dir?ref=main - read-only fallback from a repository
//
// MultiBackend stores to every available backend and fetches from the first
// that has the blob. RetryingBackend adds per-call timeouts and bounded
// exponential backoff, turning exhausted retries into ErrBackendUnavailable.
//
// Blobs are never deleted by this package: they may be shared between
// versions and records.
package storage
