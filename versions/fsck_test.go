package versions

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mzekb/mze-storage/interfaces"
	"github.com/mzekb/mze-storage/layout"
	"github.com/mzekb/mze-storage/recordlock"
	"github.com/mzekb/mze-storage/shard"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFsck_CleanTree(t *testing.T) {
	env := newTestEnv(t, recordlock.Wait)
	ctx := context.Background()

	_, err := env.store.CreateRecord(ctx, Changes{Payload: payloadOf("a"), Tags: []string{"x"}})
	require.NoError(t, err)

	report, err := env.store.Fsck(ctx)
	require.NoError(t, err)
	assert.Equal(t, FsckReport{Records: 1}, report)
}

func TestFsck_RepairsLeftovers(t *testing.T) {
	env := newTestEnv(t, recordlock.FailFast)
	ctx := context.Background()
	tombstones := shard.New(filepath.Join(env.root, "tombstones"))

	live, err := env.store.CreateRecord(ctx, Changes{Payload: payloadOf("live"), Tags: []string{"fresh"}})
	require.NoError(t, err)
	liveDir := env.store.Locate(live.RecordID)

	// Interrupted writes.
	require.NoError(t, os.Mkdir(layout.StagingDir(liveDir), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(liveDir, ".tags.tmp-1"), []byte("x"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(liveDir, layout.TagsFile), []byte("stale\n"), 0644))

	// Tombstone tree written, marker missing.
	treeOnly, err := env.store.CreateRecord(ctx, Changes{Payload: payloadOf("tree")})
	require.NoError(t, err)
	_, _, err = env.meta.Tombstone(ctx, treeOnly.RecordID, "gone")
	require.NoError(t, err)
	require.NoError(t, os.Remove(filepath.Join(env.store.Locate(treeOnly.RecordID), layout.TombstoneFile)))

	// Marker written, tombstone tree entry missing.
	markerOnly, err := env.store.CreateRecord(ctx, Changes{Payload: payloadOf("marker")})
	require.NoError(t, err)
	_, _, err = env.meta.Tombstone(ctx, markerOnly.RecordID, "gone")
	require.NoError(t, err)
	require.NoError(t, os.Remove(tombstones.Locate(markerOnly.RecordID)))

	// Purge renamed the record but never removed it.
	trash := layout.TrashDir(env.store.Locate(interfaces.NewRecordID()))
	require.NoError(t, os.MkdirAll(filepath.Join(trash, layout.VersionsDir), 0755))

	// Records that never got a first version, one old and one in progress.
	orphan := interfaces.NewRecordID()
	orphanVersions := filepath.Join(env.store.Locate(orphan), layout.VersionsDir)
	require.NoError(t, os.MkdirAll(orphanVersions, 0755))
	old := time.Now().Add(-2 * OrphanAge)
	require.NoError(t, os.Chtimes(orphanVersions, old, old))

	young := interfaces.NewRecordID()
	require.NoError(t, os.MkdirAll(filepath.Join(env.store.Locate(young), layout.VersionsDir), 0755))

	report, err := env.store.Fsck(ctx)
	require.NoError(t, err)

	assert.Equal(t, 5, report.Records)
	assert.Equal(t, 1, report.StagingRemoved)
	assert.Equal(t, 1, report.TempFilesRemoved)
	assert.Equal(t, 1, report.TrashRemoved)
	assert.Equal(t, []interfaces.RecordID{orphan}, report.OrphansRemoved)
	assert.Equal(t, []interfaces.RecordID{live.RecordID}, report.MirrorsRepaired)
	assert.ElementsMatch(t, []interfaces.RecordID{treeOnly.RecordID, markerOnly.RecordID}, report.TombstonesRepaired)
	assert.Empty(t, report.Failed)

	entries, err := os.ReadDir(liveDir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, layout.IsStagingName(e.Name()), e.Name())
		assert.False(t, layout.IsTempName(e.Name()), e.Name())
	}

	latest, err := layout.Latest(liveDir)
	require.NoError(t, err)
	want, err := os.ReadFile(filepath.Join(latest.Dir, layout.TagsFile))
	require.NoError(t, err)
	got, err := os.ReadFile(filepath.Join(liveDir, layout.TagsFile))
	require.NoError(t, err)
	assert.Equal(t, want, got)

	assert.True(t, env.meta.IsTombstoned(treeOnly.RecordID))
	ts, err := env.meta.GetTombstone(ctx, markerOnly.RecordID)
	require.NoError(t, err)
	assert.Equal(t, markerOnly.ID, ts.LastVersion)

	_, err = os.Stat(trash)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(env.store.Locate(orphan))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(env.store.Locate(young))
	assert.NoError(t, err)

	// The repaired tree reads normally and a second pass finds nothing.
	v, err := env.store.GetVersion(ctx, live.RecordID, live.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"fresh"}, v.Metadata.Tags)

	again, err := env.store.Fsck(ctx)
	require.NoError(t, err)
	assert.Equal(t, FsckReport{Records: 4}, again)
}

func TestFsck_ReportsBusyRecords(t *testing.T) {
	env := newTestEnv(t, recordlock.FailFast)
	ctx := context.Background()

	v, err := env.store.CreateRecord(ctx, Changes{Payload: payloadOf("a")})
	require.NoError(t, err)
	dir := env.store.Locate(v.RecordID)

	release, err := env.locks.Acquire(ctx, v.RecordID, filepath.Join(dir, layout.LockFile))
	require.NoError(t, err)
	defer release()

	report, err := env.store.Fsck(ctx)
	require.NoError(t, err)
	assert.Equal(t, []interfaces.RecordID{v.RecordID}, report.Failed)
}

func TestFsck_Cancelled(t *testing.T) {
	env := newTestEnv(t, recordlock.Wait)

	_, err := env.store.CreateRecord(context.Background(), Changes{Payload: payloadOf("a")})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = env.store.Fsck(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
