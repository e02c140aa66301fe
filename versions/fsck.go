package versions

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/mzekb/mze-storage/interfaces"
	"github.com/mzekb/mze-storage/layout"
)

// FsckReport summarizes one consistency pass over the records tree.
type FsckReport struct {
	Records            int                   `json:"records"`
	StagingRemoved     int                   `json:"staging_removed"`
	TempFilesRemoved   int                   `json:"temp_files_removed"`
	TrashRemoved       int                   `json:"trash_removed"`
	OrphansRemoved     []interfaces.RecordID `json:"orphans_removed"`
	MirrorsRepaired    []interfaces.RecordID `json:"mirrors_repaired"`
	TombstonesRepaired []interfaces.RecordID `json:"tombstones_repaired"`
	Failed             []interfaces.RecordID `json:"failed"`
}

var mirrorFiles = []string{layout.TagsFile, layout.AttributesFile, layout.URIFile, layout.MIMETypeFile}

// OrphanAge is how old a record without versions must be before Fsck removes
// it. Younger ones may belong to a CreateRecord still waiting for its scope.
var OrphanAge = time.Minute

// Fsck repairs what an interrupted process can leave behind: abandoned
// staging directories and temporary files, half-removed records, records
// that never got a version, stale record-level mirrors and half-written
// tombstones. Every record is checked under its exclusion scope, so the pass
// can run next to live traffic. A record that cannot be checked is reported
// in Failed and the pass goes on.
func (s *Store) Fsck(ctx context.Context) (FsckReport, error) {
	var report FsckReport

	err := s.records.Buckets(ctx, func(bucket string) error {
		entries, err := os.ReadDir(bucket)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		for _, e := range entries {
			if !layout.IsTrashName(e.Name()) {
				continue
			}
			if err := os.RemoveAll(filepath.Join(bucket, e.Name())); err != nil {
				s.log.Warn("Failed to remove purged record data", "err", err, slog.String("path", e.Name()))
				continue
			}
			report.TrashRemoved++
		}
		return nil
	})
	if err != nil {
		return report, fmt.Errorf("failed to scan buckets: %w", err)
	}

	err = s.records.Walk(ctx, func(id interfaces.RecordID, dir string) error {
		report.Records++
		if err := s.fsckRecord(ctx, id, dir, &report); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.log.Error("Consistency check failed", "err", err, slog.String("record", id.String()))
			report.Failed = append(report.Failed, id)
		}
		return nil
	})
	if err != nil {
		return report, err
	}

	s.log.Info("Consistency check finished",
		slog.Int("records", report.Records),
		slog.Int("staging_removed", report.StagingRemoved),
		slog.Int("temp_files_removed", report.TempFilesRemoved),
		slog.Int("trash_removed", report.TrashRemoved),
		slog.Int("orphans_removed", len(report.OrphansRemoved)),
		slog.Int("mirrors_repaired", len(report.MirrorsRepaired)),
		slog.Int("tombstones_repaired", len(report.TombstonesRepaired)),
		slog.Int("failed", len(report.Failed)))
	return report, nil
}

func (s *Store) fsckRecord(ctx context.Context, id interfaces.RecordID, dir string, report *FsckReport) error {
	release, err := s.locks.Acquire(ctx, id, filepath.Join(dir, layout.LockFile))
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			return nil
		}
		return err
	}
	defer release()

	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		path := filepath.Join(dir, e.Name())
		switch {
		case e.IsDir() && layout.IsStagingName(e.Name()):
			if err := os.RemoveAll(path); err != nil {
				return fmt.Errorf("failed to remove staging directory: %w", err)
			}
			report.StagingRemoved++
		case !e.IsDir() && layout.IsTempName(e.Name()):
			if err := os.Remove(path); err != nil {
				return fmt.Errorf("failed to remove temporary file: %w", err)
			}
			report.TempFilesRemoved++
		}
	}

	latest, err := layout.Latest(dir)
	if err != nil {
		if !errors.Is(err, interfaces.ErrNotFound) || s.meta.IsTombstoned(id) {
			return err
		}
		// The lock file just touched the record directory, so age is read
		// from the versions directory CreateRecord makes first.
		info, err := os.Stat(filepath.Join(dir, layout.VersionsDir))
		switch {
		case err == nil && time.Since(info.ModTime()) < OrphanAge:
			return nil
		case err != nil && !errors.Is(err, fs.ErrNotExist):
			return err
		}
		// Creation never got as far as the first version.
		trash := layout.TrashDir(dir)
		if err := os.Rename(dir, trash); err != nil {
			return fmt.Errorf("failed to unlink orphan record: %w", err)
		}
		if err := os.RemoveAll(trash); err != nil {
			s.log.Warn("Failed to remove orphan record data", "err", err, slog.String("path", trash))
		}
		report.OrphansRemoved = append(report.OrphansRemoved, id)
		return nil
	}

	repaired, err := repairMirror(dir, latest.Dir)
	if err != nil {
		return err
	}
	if repaired {
		report.MirrorsRepaired = append(report.MirrorsRepaired, id)
	}

	fixed, err := s.meta.RepairTombstoneLocked(ctx, id)
	if err != nil {
		return err
	}
	if fixed {
		report.TombstonesRepaired = append(report.TombstonesRepaired, id)
	}
	return nil
}

// repairMirror makes the record-level metadata files match the latest
// version byte for byte. It reports whether anything was rewritten.
func repairMirror(dir, latestDir string) (bool, error) {
	stale := false
	for _, name := range mirrorFiles {
		want, err := os.ReadFile(filepath.Join(latestDir, name))
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return false, err
		}
		got, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return false, err
		}
		if !bytes.Equal(want, got) {
			stale = true
			break
		}
	}
	if !stale {
		return false, nil
	}

	for _, name := range mirrorFiles {
		data, err := os.ReadFile(filepath.Join(latestDir, name))
		if errors.Is(err, fs.ErrNotExist) {
			if err := os.Remove(filepath.Join(dir, name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return false, err
			}
			continue
		}
		if err != nil {
			return false, err
		}
		if err := layout.WriteFileAtomic(filepath.Join(dir, name), data, 0644); err != nil {
			return false, fmt.Errorf("failed to refresh record mirror: %w", err)
		}
	}
	return true, nil
}
