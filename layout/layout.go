// Package layout defines the on-disk layout of a record directory:
//
//	<record>/
//	  tags          JSON list, mirror of the latest version
//	  attributes    JSON object, mirror of the latest version
//	  uri           raw text, mirror of the latest version
//	  mime_type     raw text, mirror of the latest version
//	  references    decimal reference counter
//	  released      RFC 3339 time the count last dropped to zero
//	  tombstone     JSON tombstone marker, present once removed
//	  .lock         cross-process lock file
//	  versions/
//	    0-<uuid>/   tags, attributes, uri, mime_type, payload, created
//	    1-<uuid>/
//	  .staging-*    in-flight version, never listed
//
// A record being purged is first renamed to .purge-<uuid> in its bucket.
package layout

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/mzekb/mze-storage/interfaces"
)

const (
	TagsFile       = "tags"
	AttributesFile = "attributes"
	URIFile        = "uri"
	MIMETypeFile   = "mime_type"
	PayloadFile    = "payload"
	CreatedFile    = "created"
	ReferencesFile = "references"
	ReleasedFile   = "released"
	TombstoneFile  = "tombstone"
	LockFile       = ".lock"
	VersionsDir    = "versions"

	stagingPrefix = ".staging-"
	purgePrefix   = ".purge-"
	tempMarker    = ".tmp-"
)

// VersionEntry is one element of a record's version chain as found on disk.
type VersionEntry struct {
	Sequence uint64
	ID       interfaces.VersionID
	Dir      string
}

// VersionDirName returns the directory name for a version.
func VersionDirName(seq uint64, id interfaces.VersionID) string {
	return fmt.Sprintf("%d-%s", seq, id)
}

// ParseVersionDirName is the inverse of VersionDirName.
func ParseVersionDirName(name string) (uint64, interfaces.VersionID, error) {
	seqStr, idStr, ok := strings.Cut(name, "-")
	if !ok {
		return 0, interfaces.VersionID{}, fmt.Errorf("malformed version entry %q", name)
	}
	seq, err := strconv.ParseUint(seqStr, 10, 64)
	if err != nil || strconv.FormatUint(seq, 10) != seqStr {
		return 0, interfaces.VersionID{}, fmt.Errorf("malformed version sequence in %q", name)
	}
	id, err := interfaces.ParseVersionID(idStr)
	if err != nil {
		return 0, interfaces.VersionID{}, err
	}
	return seq, id, nil
}

// ScanVersions lists the versions of the record in recordDir ordered by
// sequence. A missing record directory yields ErrNotFound.
func ScanVersions(recordDir string) ([]VersionEntry, error) {
	entries, err := os.ReadDir(filepath.Join(recordDir, VersionsDir))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: no record at %s", interfaces.ErrNotFound, recordDir)
		}
		return nil, err
	}

	versions := make([]VersionEntry, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		seq, id, err := ParseVersionDirName(e.Name())
		if err != nil {
			continue
		}
		versions = append(versions, VersionEntry{
			Sequence: seq,
			ID:       id,
			Dir:      filepath.Join(recordDir, VersionsDir, e.Name()),
		})
	}

	sort.Slice(versions, func(i, j int) bool { return versions[i].Sequence < versions[j].Sequence })

	for i := 1; i < len(versions); i++ {
		if versions[i].Sequence == versions[i-1].Sequence {
			return nil, fmt.Errorf("duplicate version sequence %d in %s", versions[i].Sequence, recordDir)
		}
	}

	if len(versions) == 0 {
		return nil, fmt.Errorf("%w: record at %s has no versions", interfaces.ErrNotFound, recordDir)
	}

	return versions, nil
}

// FindVersion locates version id in the record at recordDir.
func FindVersion(recordDir string, id interfaces.VersionID) (VersionEntry, error) {
	versions, err := ScanVersions(recordDir)
	if err != nil {
		return VersionEntry{}, err
	}
	for _, v := range versions {
		if v.ID == id {
			return v, nil
		}
	}
	return VersionEntry{}, fmt.Errorf("%w: version %s", interfaces.ErrNotFound, id)
}

// Latest returns the newest version of the record at recordDir.
func Latest(recordDir string) (VersionEntry, error) {
	versions, err := ScanVersions(recordDir)
	if err != nil {
		return VersionEntry{}, err
	}
	return versions[len(versions)-1], nil
}

// StagingDir returns a fresh staging directory path inside recordDir.
func StagingDir(recordDir string) string {
	return filepath.Join(recordDir, stagingPrefix+uuid.NewString())
}

// IsStagingName reports whether name is an in-flight version directory.
func IsStagingName(name string) bool {
	return strings.HasPrefix(name, stagingPrefix)
}

// TrashDir returns the path a record directory is renamed to before removal.
func TrashDir(recordDir string) string {
	return filepath.Join(filepath.Dir(recordDir), purgePrefix+filepath.Base(recordDir))
}

// IsTrashName reports whether name is a record directory being removed.
func IsTrashName(name string) bool {
	return strings.HasPrefix(name, purgePrefix)
}

// IsTempName reports whether name is a WriteFileAtomic temporary file.
func IsTempName(name string) bool {
	return strings.HasPrefix(name, ".") && strings.Contains(name, tempMarker)
}

// WriteFileAtomic writes data to a temporary file next to path and renames it
// into place, so readers see either the old or the new content.
func WriteFileAtomic(path string, data []byte, perm fs.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+tempMarker+"*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

// WriteJSONAtomic encodes v and writes it with WriteFileAtomic.
func WriteJSONAtomic(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return WriteFileAtomic(path, data, 0644)
}

// ReadJSON decodes the JSON file at path into v.
func ReadJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// CopyDir copies the regular files of src into dst, which must exist.
// Subdirectories are not descended into.
func CopyDir(src, dst string) error {
	entries, err := os.ReadDir(src)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(src, e.Name()))
		if err != nil {
			return err
		}
		if err := os.WriteFile(filepath.Join(dst, e.Name()), data, 0644); err != nil {
			return err
		}
	}
	return nil
}
