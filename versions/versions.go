// Package versions keeps the immutable version chain of every record.
//
// A new version is built in a staging directory inside the record, seeded
// with a copy of the previous latest version, and renamed into versions/ once
// complete. Readers only ever see fully written versions. The record-level
// mirror files are refreshed afterwards.
package versions

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/mzekb/mze-storage/interfaces"
	"github.com/mzekb/mze-storage/layout"
	"github.com/mzekb/mze-storage/metadata"
	"github.com/mzekb/mze-storage/recordlock"
	"github.com/mzekb/mze-storage/shard"
)

// DefaultCacheSize is the number of versions kept in memory.
const DefaultCacheSize = 4096

// RecordVersion is one immutable snapshot of a record.
type RecordVersion struct {
	RecordID interfaces.RecordID   `json:"record_id"`
	ID       interfaces.VersionID  `json:"version_id"`
	Sequence uint64                `json:"sequence"`
	Created  time.Time             `json:"created"`
	Payload  interfaces.PayloadRef `json:"payload"`
	metadata.Metadata
}

func (v RecordVersion) clone() RecordVersion {
	v.Metadata = v.Metadata.Clone()
	return v
}

// Changes describes a new version relative to the current latest one.
// Nil fields are copied forward unchanged; an empty non-nil slice or map
// clears the field.
type Changes struct {
	Payload    *interfaces.PayloadRef
	Tags       []string
	Attributes map[string]string
	URI        *string
	MIMEType   *string
}

// apply validates the changes against base and returns the resulting
// metadata. Nothing is written.
func (c Changes) apply(base metadata.Metadata) (metadata.Metadata, error) {
	md := base.Clone()
	if c.Tags != nil {
		if err := md.SetTags(c.Tags); err != nil {
			return metadata.Metadata{}, err
		}
	}
	if c.Attributes != nil {
		if err := md.SetAttributes(c.Attributes); err != nil {
			return metadata.Metadata{}, err
		}
	}
	if c.URI != nil {
		if err := md.SetURI(*c.URI); err != nil {
			return metadata.Metadata{}, err
		}
	}
	if c.MIMEType != nil {
		if err := md.SetMIMEType(*c.MIMEType); err != nil {
			return metadata.Metadata{}, err
		}
	}
	return md, nil
}

// Store creates and reads record versions.
type Store struct {
	records *shard.Index
	meta    *metadata.Store
	locks   *recordlock.Locker
	cache   *lru.Cache[interfaces.VersionID, RecordVersion]
	log     *slog.Logger
}

// NewStore creates a version store over the records tree.
func NewStore(records *shard.Index, meta *metadata.Store, locks *recordlock.Locker, cacheSize int, log *slog.Logger) (*Store, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	cache, err := lru.New[interfaces.VersionID, RecordVersion](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create version cache: %w", err)
	}

	if err := os.MkdirAll(records.Root(), 0755); err != nil {
		return nil, fmt.Errorf("failed to create records root: %w", err)
	}

	return &Store{
		records: records,
		meta:    meta,
		locks:   locks,
		cache:   cache,
		log:     log,
	}, nil
}

// Locate returns the directory of a record.
func (s *Store) Locate(id interfaces.RecordID) string {
	return s.records.Locate(id)
}

// CreateRecord allocates a new record and writes its first version.
func (s *Store) CreateRecord(ctx context.Context, changes Changes) (RecordVersion, error) {
	if changes.Payload == nil {
		return RecordVersion{}, interfaces.NewValidationError("payload", "a new record needs a payload")
	}
	md, err := changes.apply(metadata.New())
	if err != nil {
		return RecordVersion{}, err
	}

	id := interfaces.NewRecordID()
	dir := s.records.Locate(id)
	if err := os.MkdirAll(filepath.Join(dir, layout.VersionsDir), 0755); err != nil {
		return RecordVersion{}, fmt.Errorf("failed to create record directory: %w", err)
	}

	release, err := s.locks.Acquire(ctx, id, filepath.Join(dir, layout.LockFile))
	if err != nil {
		os.RemoveAll(dir)
		return RecordVersion{}, err
	}
	defer release()

	v, err := s.commit(ctx, id, nil, md, *changes.Payload)
	if err != nil {
		os.RemoveAll(dir)
		return RecordVersion{}, err
	}

	s.log.Info("Record created",
		slog.String("record", id.String()),
		slog.String("version", v.ID.String()))

	return v, nil
}

// CreateVersion appends a version to an existing record.
func (s *Store) CreateVersion(ctx context.Context, id interfaces.RecordID, changes Changes) (RecordVersion, error) {
	dir := s.records.Locate(id)
	if _, err := layout.Latest(dir); err != nil {
		return RecordVersion{}, s.checkPurged(ctx, id, err)
	}
	if s.meta.IsTombstoned(id) {
		return RecordVersion{}, interfaces.ErrTombstoned
	}

	release, err := s.locks.Acquire(ctx, id, filepath.Join(dir, layout.LockFile))
	if err != nil {
		return RecordVersion{}, err
	}
	defer release()

	// The record may have been tombstoned or purged while waiting.
	if s.meta.IsTombstoned(id) {
		return RecordVersion{}, interfaces.ErrTombstoned
	}
	latest, err := layout.Latest(dir)
	if err != nil {
		return RecordVersion{}, err
	}

	prev, err := s.read(id, latest)
	if err != nil {
		return RecordVersion{}, err
	}

	md, err := changes.apply(prev.Metadata)
	if err != nil {
		return RecordVersion{}, err
	}

	payload := prev.Payload
	if changes.Payload != nil {
		payload = *changes.Payload
	}

	v, err := s.commit(ctx, id, &latest, md, payload)
	if err != nil {
		return RecordVersion{}, err
	}

	s.log.Debug("Version created",
		slog.String("record", id.String()),
		slog.String("version", v.ID.String()),
		slog.Uint64("sequence", v.Sequence))

	return v, nil
}

// commit writes a new version after prev (nil for the first version). The
// caller holds the record's exclusion scope.
func (s *Store) commit(ctx context.Context, id interfaces.RecordID, prev *layout.VersionEntry, md metadata.Metadata, payload interfaces.PayloadRef) (RecordVersion, error) {
	dir := s.records.Locate(id)

	v := RecordVersion{
		RecordID: id,
		ID:       interfaces.NewVersionID(),
		Created:  time.Now().UTC(),
		Payload:  payload,
		Metadata: md,
	}
	if prev != nil {
		v.Sequence = prev.Sequence + 1
	}

	staging := layout.StagingDir(dir)
	if err := os.Mkdir(staging, 0755); err != nil {
		return RecordVersion{}, fmt.Errorf("failed to create staging directory: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			os.RemoveAll(staging)
		}
	}()

	if prev != nil {
		if err := layout.CopyDir(prev.Dir, staging); err != nil {
			return RecordVersion{}, fmt.Errorf("failed to copy previous version: %w", err)
		}
	}
	if err := metadata.WriteSnapshot(staging, md); err != nil {
		return RecordVersion{}, err
	}
	if err := layout.WriteJSONAtomic(filepath.Join(staging, layout.PayloadFile), payload); err != nil {
		return RecordVersion{}, fmt.Errorf("failed to write payload reference: %w", err)
	}
	created := []byte(v.Created.Format(time.RFC3339Nano))
	if err := layout.WriteFileAtomic(filepath.Join(staging, layout.CreatedFile), created, 0644); err != nil {
		return RecordVersion{}, fmt.Errorf("failed to write creation time: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return RecordVersion{}, err
	}

	final := filepath.Join(dir, layout.VersionsDir, layout.VersionDirName(v.Sequence, v.ID))
	if err := os.Rename(staging, final); err != nil {
		return RecordVersion{}, fmt.Errorf("failed to publish version: %w", err)
	}
	committed = true

	// The version is visible from here on; a failed mirror refresh is
	// repaired by the next version or by Fsck.
	if err := metadata.WriteSnapshot(dir, md); err != nil {
		s.log.Warn("Failed to refresh record mirror", "err", err, slog.String("record", id.String()))
	}

	s.cache.Add(v.ID, v.clone())
	return v.clone(), nil
}

// GetVersion returns version vid of a record, or the latest version when vid
// is zero.
func (s *Store) GetVersion(ctx context.Context, id interfaces.RecordID, vid interfaces.VersionID) (RecordVersion, error) {
	if s.meta.IsTombstoned(id) {
		return RecordVersion{}, interfaces.ErrTombstoned
	}

	if !vid.IsZero() {
		if v, ok := s.cache.Get(vid); ok && v.RecordID == id {
			// A purged record loses its tombstone marker with its directory.
			if _, err := os.Stat(s.records.Locate(id)); err == nil {
				return v.clone(), nil
			}
			s.cache.Remove(vid)
		}
	}

	dir := s.records.Locate(id)
	var (
		entry layout.VersionEntry
		err   error
	)
	if vid.IsZero() {
		entry, err = layout.Latest(dir)
	} else {
		entry, err = layout.FindVersion(dir, vid)
	}
	if err != nil {
		return RecordVersion{}, s.checkPurged(ctx, id, err)
	}

	return s.read(id, entry)
}

// checkPurged turns a not-found error for a record that was already purged
// into ErrTombstoned.
func (s *Store) checkPurged(ctx context.Context, id interfaces.RecordID, err error) error {
	if !errors.Is(err, interfaces.ErrNotFound) {
		return err
	}
	if _, terr := s.meta.GetTombstone(ctx, id); terr == nil {
		return interfaces.ErrTombstoned
	}
	return err
}

// read loads a version from disk, going through the cache.
func (s *Store) read(id interfaces.RecordID, entry layout.VersionEntry) (RecordVersion, error) {
	if v, ok := s.cache.Get(entry.ID); ok && v.RecordID == id {
		return v.clone(), nil
	}

	md, err := metadata.ReadSnapshot(entry.Dir)
	if err != nil {
		return RecordVersion{}, err
	}

	v := RecordVersion{
		RecordID: id,
		ID:       entry.ID,
		Sequence: entry.Sequence,
		Metadata: md,
	}
	if err := layout.ReadJSON(filepath.Join(entry.Dir, layout.PayloadFile), &v.Payload); err != nil {
		return RecordVersion{}, fmt.Errorf("failed to read payload reference of %s: %w", entry.ID, err)
	}
	raw, err := os.ReadFile(filepath.Join(entry.Dir, layout.CreatedFile))
	if err != nil {
		return RecordVersion{}, fmt.Errorf("failed to read creation time of %s: %w", entry.ID, err)
	}
	if v.Created, err = time.Parse(time.RFC3339Nano, string(raw)); err != nil {
		return RecordVersion{}, fmt.Errorf("malformed creation time of %s: %w", entry.ID, err)
	}

	s.cache.Add(v.ID, v)
	return v.clone(), nil
}

// ListVersions returns the version chain of a record, oldest first. Each call
// reads a fresh snapshot.
func (s *Store) ListVersions(ctx context.Context, id interfaces.RecordID) ([]layout.VersionEntry, error) {
	if s.meta.IsTombstoned(id) {
		return nil, interfaces.ErrTombstoned
	}
	entries, err := layout.ScanVersions(s.records.Locate(id))
	if err != nil {
		return nil, s.checkPurged(ctx, id, err)
	}
	return entries, nil
}

// Records calls fn for every record directory, tombstoned ones included.
func (s *Store) Records(ctx context.Context, fn func(interfaces.RecordID) error) error {
	return s.records.Walk(ctx, func(id interfaces.RecordID, _ string) error {
		return fn(id)
	})
}

// Purge physically removes a record if it is tombstoned and unreferenced,
// checked under the record's exclusion scope. It reports whether the record
// was removed. The tombstone itself is kept.
func (s *Store) Purge(ctx context.Context, id interfaces.RecordID) (bool, error) {
	dir := s.records.Locate(id)
	if _, err := os.Stat(dir); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}

	release, err := s.locks.Acquire(ctx, id, filepath.Join(dir, layout.LockFile))
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	defer release()

	if !s.meta.IsTombstoned(id) {
		return false, nil
	}
	refs, err := s.meta.ReferenceCount(ctx, id)
	if err != nil {
		return false, err
	}
	if refs > 0 {
		return false, nil
	}

	entries, _ := layout.ScanVersions(dir)

	// Move the record out of the index in one step, then remove it.
	trash := layout.TrashDir(dir)
	if err := os.Rename(dir, trash); err != nil {
		return false, fmt.Errorf("failed to unlink record: %w", err)
	}
	for _, e := range entries {
		s.cache.Remove(e.ID)
	}
	if err := os.RemoveAll(trash); err != nil {
		s.log.Warn("Failed to remove purged record data", "err", err, slog.String("path", trash))
	}

	s.log.Info("Record purged", slog.String("record", id.String()))
	return true, nil
}
