package metadata

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mzekb/mze-storage/interfaces"
	"github.com/mzekb/mze-storage/layout"
	"github.com/mzekb/mze-storage/recordlock"
	"github.com/mzekb/mze-storage/shard"
)

// Tombstone records the removal of a record. It outlives the record itself.
type Tombstone struct {
	RecordID    interfaces.RecordID   `json:"record_id"`
	Reason      string                `json:"reason"`
	DeletedAt   time.Time             `json:"deleted_at"`
	Instance    interfaces.InstanceID `json:"instance_id"`
	LastVersion interfaces.VersionID  `json:"last_version"`
}

// ReferenceListener is notified after a record's reference count changed.
type ReferenceListener func(id interfaces.RecordID, count int64)

// Store owns per-version metadata snapshots and the mutable record-level
// state: the reference counter and the tombstone.
type Store struct {
	records    *shard.Index
	tombstones *shard.Index
	locks      *recordlock.Locker
	instance   interfaces.InstanceID
	log        *slog.Logger

	listenersMu sync.RWMutex
	listeners   []ReferenceListener
}

// NewStore creates a metadata store. Tombstones live in their own sharded tree
// so that they survive physical removal of the record.
func NewStore(records, tombstones *shard.Index, locks *recordlock.Locker, instance interfaces.InstanceID, log *slog.Logger) *Store {
	return &Store{
		records:    records,
		tombstones: tombstones,
		locks:      locks,
		instance:   instance,
		log:        log,
	}
}

// OnReferenceChange registers a listener for reference count changes.
func (s *Store) OnReferenceChange(fn ReferenceListener) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// WriteSnapshot writes md into a version (or record mirror) directory.
func WriteSnapshot(dir string, md Metadata) error {
	md = md.Clone()
	if err := layout.WriteJSONAtomic(filepath.Join(dir, layout.TagsFile), md.Tags); err != nil {
		return fmt.Errorf("failed to write tags: %w", err)
	}
	if err := layout.WriteJSONAtomic(filepath.Join(dir, layout.AttributesFile), md.Attributes); err != nil {
		return fmt.Errorf("failed to write attributes: %w", err)
	}
	if err := layout.WriteFileAtomic(filepath.Join(dir, layout.URIFile), []byte(md.URI), 0644); err != nil {
		return fmt.Errorf("failed to write uri: %w", err)
	}
	if err := layout.WriteFileAtomic(filepath.Join(dir, layout.MIMETypeFile), []byte(md.MIMEType), 0644); err != nil {
		return fmt.Errorf("failed to write mime type: %w", err)
	}
	return nil
}

// ReadSnapshot reads the metadata stored in dir. Missing files read as empty.
func ReadSnapshot(dir string) (Metadata, error) {
	md := New()

	if err := layout.ReadJSON(filepath.Join(dir, layout.TagsFile), &md.Tags); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Metadata{}, fmt.Errorf("failed to read tags: %w", err)
	}
	if err := layout.ReadJSON(filepath.Join(dir, layout.AttributesFile), &md.Attributes); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Metadata{}, fmt.Errorf("failed to read attributes: %w", err)
	}

	uri, err := readOptional(filepath.Join(dir, layout.URIFile))
	if err != nil {
		return Metadata{}, fmt.Errorf("failed to read uri: %w", err)
	}
	md.URI = uri

	mimeType, err := readOptional(filepath.Join(dir, layout.MIMETypeFile))
	if err != nil {
		return Metadata{}, fmt.Errorf("failed to read mime type: %w", err)
	}
	md.MIMEType = mimeType

	md.Tags = normalizeTags(md.Tags)
	return md.Clone(), nil
}

func readOptional(path string) (string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	return string(data), err
}

// Get returns the metadata of a concrete version.
func (s *Store) Get(ctx context.Context, id interfaces.RecordID, version interfaces.VersionID) (Metadata, error) {
	entry, err := layout.FindVersion(s.records.Locate(id), version)
	if err != nil {
		return Metadata{}, err
	}
	return ReadSnapshot(entry.Dir)
}

// GetTags returns the tags of a version.
func (s *Store) GetTags(ctx context.Context, id interfaces.RecordID, version interfaces.VersionID) ([]string, error) {
	md, err := s.Get(ctx, id, version)
	if err != nil {
		return nil, err
	}
	return md.Tags, nil
}

// GetAttributes returns all attributes of a version.
func (s *Store) GetAttributes(ctx context.Context, id interfaces.RecordID, version interfaces.VersionID) (map[string]string, error) {
	md, err := s.Get(ctx, id, version)
	if err != nil {
		return nil, err
	}
	return md.Attributes, nil
}

// GetAttribute returns one attribute of a version, or ErrNotFound.
func (s *Store) GetAttribute(ctx context.Context, id interfaces.RecordID, version interfaces.VersionID, key string) (string, error) {
	md, err := s.Get(ctx, id, version)
	if err != nil {
		return "", err
	}
	v, ok := md.Attribute(key)
	if !ok {
		return "", fmt.Errorf("%w: attribute %q", interfaces.ErrNotFound, key)
	}
	return v, nil
}

// ReferenceCount returns the current reference count of a record.
func (s *Store) ReferenceCount(ctx context.Context, id interfaces.RecordID) (int64, error) {
	dir := s.records.Locate(id)
	if _, err := os.Stat(dir); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, fmt.Errorf("%w: record %s", interfaces.ErrNotFound, id)
		}
		return 0, err
	}
	return readReferences(dir)
}

func readReferences(dir string) (int64, error) {
	raw, err := readOptional(filepath.Join(dir, layout.ReferencesFile))
	if err != nil {
		return 0, err
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}

// AdjustReferenceCount atomically adds delta to the reference count of a
// record and returns the new count. The count never goes below zero.
// Tombstoned records still accept adjustments so a late reference can cancel
// their pending removal.
func (s *Store) AdjustReferenceCount(ctx context.Context, id interfaces.RecordID, delta int64) (int64, error) {
	dir := s.records.Locate(id)
	if _, err := layout.Latest(dir); err != nil {
		return 0, err
	}

	release, err := s.locks.Acquire(ctx, id, filepath.Join(dir, layout.LockFile))
	if err != nil {
		return 0, err
	}
	defer release()

	current, err := readReferences(dir)
	if err != nil {
		return 0, fmt.Errorf("failed to read reference count: %w", err)
	}

	next := current + delta
	if next < 0 {
		return current, interfaces.NewValidationError("delta", "reference count of %s would become %d", id, next)
	}

	if current > 0 && next == 0 {
		released := []byte(time.Now().UTC().Format(time.RFC3339Nano))
		if err := layout.WriteFileAtomic(filepath.Join(dir, layout.ReleasedFile), released, 0644); err != nil {
			return current, fmt.Errorf("failed to write release time: %w", err)
		}
	}
	if err := layout.WriteFileAtomic(filepath.Join(dir, layout.ReferencesFile), []byte(strconv.FormatInt(next, 10)), 0644); err != nil {
		return current, fmt.Errorf("failed to write reference count: %w", err)
	}

	s.log.Debug("Adjusted reference count",
		slog.String("record", id.String()),
		slog.Int64("delta", delta),
		slog.Int64("references", next))

	s.listenersMu.RLock()
	listeners := s.listeners
	s.listenersMu.RUnlock()
	for _, fn := range listeners {
		fn(id, next)
	}

	return next, nil
}

// ReleasedAt returns when the reference count of a record last dropped to
// zero. The zero time means it never did.
func (s *Store) ReleasedAt(ctx context.Context, id interfaces.RecordID) (time.Time, error) {
	dir := s.records.Locate(id)
	raw, err := os.ReadFile(filepath.Join(dir, layout.ReleasedFile))
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return time.Time{}, err
		}
		if _, serr := os.Stat(dir); serr != nil && errors.Is(serr, fs.ErrNotExist) {
			return time.Time{}, fmt.Errorf("%w: record %s", interfaces.ErrNotFound, id)
		}
		return time.Time{}, nil
	}
	at, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(string(raw)))
	if err != nil {
		return time.Time{}, fmt.Errorf("malformed release time of %s: %w", id, err)
	}
	return at, nil
}

// IsTombstoned reports whether the record carries a tombstone marker.
func (s *Store) IsTombstoned(id interfaces.RecordID) bool {
	_, err := os.Stat(filepath.Join(s.records.Locate(id), layout.TombstoneFile))
	return err == nil
}

// Tombstone marks a record as removed, taking the record's exclusion scope.
// Repeated calls return the existing tombstone and created=false.
func (s *Store) Tombstone(ctx context.Context, id interfaces.RecordID, reason string) (Tombstone, bool, error) {
	dir := s.records.Locate(id)
	if _, err := os.Stat(dir); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// Already purged: the tombstone tree still answers.
			ts, terr := s.GetTombstone(ctx, id)
			if terr == nil {
				return ts, false, nil
			}
			return Tombstone{}, false, fmt.Errorf("%w: record %s", interfaces.ErrNotFound, id)
		}
		return Tombstone{}, false, err
	}

	release, err := s.locks.Acquire(ctx, id, filepath.Join(dir, layout.LockFile))
	if err != nil {
		return Tombstone{}, false, err
	}
	defer release()

	return s.TombstoneLocked(ctx, id, reason)
}

// TombstoneLocked is Tombstone for callers already holding the record scope.
func (s *Store) TombstoneLocked(ctx context.Context, id interfaces.RecordID, reason string) (Tombstone, bool, error) {
	if err := checkText("reason", reason); err != nil {
		return Tombstone{}, false, err
	}

	dir := s.records.Locate(id)
	marker := filepath.Join(dir, layout.TombstoneFile)

	var existing Tombstone
	if err := layout.ReadJSON(marker, &existing); err == nil {
		return existing, false, nil
	}

	latest, err := layout.Latest(dir)
	if err != nil {
		return Tombstone{}, false, err
	}

	treePath := s.tombstones.Locate(id)
	ts, err := s.GetTombstone(ctx, id)
	if err != nil {
		if !errors.Is(err, interfaces.ErrNotFound) {
			return Tombstone{}, false, err
		}
		ts = Tombstone{
			RecordID:    id,
			Reason:      reason,
			DeletedAt:   time.Now().UTC(),
			Instance:    s.instance,
			LastVersion: latest.ID,
		}
		if err := os.MkdirAll(filepath.Dir(treePath), 0755); err != nil {
			return Tombstone{}, false, fmt.Errorf("failed to create tombstone bucket: %w", err)
		}
		if err := layout.WriteJSONAtomic(treePath, ts); err != nil {
			return Tombstone{}, false, fmt.Errorf("failed to write tombstone: %w", err)
		}
	}

	if err := layout.WriteJSONAtomic(marker, ts); err != nil {
		return Tombstone{}, false, fmt.Errorf("failed to write tombstone marker: %w", err)
	}

	s.log.Info("Record tombstoned",
		slog.String("record", id.String()),
		slog.String("reason", ts.Reason),
		slog.String("last_version", ts.LastVersion.String()))

	return ts, true, nil
}

// RepairTombstoneLocked completes a tombstone that was only half written:
// present in the tombstone tree without its record marker, or the reverse.
// The caller holds the record scope. It reports whether anything was written.
func (s *Store) RepairTombstoneLocked(ctx context.Context, id interfaces.RecordID) (bool, error) {
	marker := filepath.Join(s.records.Locate(id), layout.TombstoneFile)

	var fromMarker Tombstone
	markerErr := layout.ReadJSON(marker, &fromMarker)
	if markerErr != nil && !errors.Is(markerErr, fs.ErrNotExist) {
		return false, fmt.Errorf("failed to read tombstone marker: %w", markerErr)
	}
	fromTree, treeErr := s.GetTombstone(ctx, id)
	if treeErr != nil && !errors.Is(treeErr, interfaces.ErrNotFound) {
		return false, treeErr
	}

	switch {
	case markerErr == nil && treeErr == nil:
		return false, nil
	case treeErr == nil:
		if err := layout.WriteJSONAtomic(marker, fromTree); err != nil {
			return false, fmt.Errorf("failed to write tombstone marker: %w", err)
		}
	case markerErr == nil:
		treePath := s.tombstones.Locate(id)
		if err := os.MkdirAll(filepath.Dir(treePath), 0755); err != nil {
			return false, fmt.Errorf("failed to create tombstone bucket: %w", err)
		}
		if err := layout.WriteJSONAtomic(treePath, fromMarker); err != nil {
			return false, fmt.Errorf("failed to write tombstone: %w", err)
		}
	default:
		return false, nil
	}

	s.log.Warn("Repaired half-written tombstone", slog.String("record", id.String()))
	return true, nil
}

// GetTombstone returns the persisted tombstone of a record, or ErrNotFound.
func (s *Store) GetTombstone(ctx context.Context, id interfaces.RecordID) (Tombstone, error) {
	var ts Tombstone
	if err := layout.ReadJSON(s.tombstones.Locate(id), &ts); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Tombstone{}, fmt.Errorf("%w: no tombstone for %s", interfaces.ErrNotFound, id)
		}
		return Tombstone{}, fmt.Errorf("failed to read tombstone: %w", err)
	}
	return ts, nil
}

// Tombstones enumerates all persisted tombstones.
func (s *Store) Tombstones(ctx context.Context, fn func(Tombstone) error) error {
	return s.tombstones.Walk(ctx, func(id interfaces.RecordID, path string) error {
		var ts Tombstone
		if err := layout.ReadJSON(path, &ts); err != nil {
			s.log.Warn("Skipping unreadable tombstone", "err", err, slog.String("path", path))
			return nil
		}
		return fn(ts)
	})
}
