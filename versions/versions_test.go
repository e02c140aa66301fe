package versions

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mzekb/mze-storage/interfaces"
	"github.com/mzekb/mze-storage/layout"
	"github.com/mzekb/mze-storage/metadata"
	"github.com/mzekb/mze-storage/recordlock"
	"github.com/mzekb/mze-storage/shard"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	root  string
	store *Store
	meta  *metadata.Store
	locks *recordlock.Locker
}

func newTestEnv(t *testing.T, mode recordlock.Mode) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	root := t.TempDir()
	records := shard.New(filepath.Join(root, "records"))
	tombstones := shard.New(filepath.Join(root, "tombstones"))
	locks := recordlock.New(mode, logger)
	meta := metadata.NewStore(records, tombstones, locks, interfaces.NewInstanceID(), logger)
	store, err := NewStore(records, meta, locks, 16, logger)
	require.NoError(t, err)
	return &testEnv{root: root, store: store, meta: meta, locks: locks}
}

func payloadOf(data string) *interfaces.PayloadRef {
	return &interfaces.PayloadRef{
		ContentID: interfaces.ComputeID([]byte(data)),
		Size:      int64(len(data)),
		Backend:   "file:///tmp/blobs",
	}
}

func strPtr(s string) *string { return &s }

func TestCreateRecord(t *testing.T) {
	env := newTestEnv(t, recordlock.Wait)
	ctx := context.Background()

	v, err := env.store.CreateRecord(ctx, Changes{
		Payload:  payloadOf("hello"),
		Tags:     []string{"greeting"},
		URI:      strPtr("https://example.com/hello"),
		MIMEType: strPtr("text/plain"),
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(0), v.Sequence)
	assert.False(t, v.RecordID.IsZero())
	assert.Equal(t, []string{"greeting"}, v.Tags)

	got, err := env.store.GetVersion(ctx, v.RecordID, interfaces.VersionID{})
	require.NoError(t, err)
	assert.Equal(t, v.ID, got.ID)
	assert.Equal(t, *payloadOf("hello"), got.Payload)
	assert.Equal(t, "text/plain", got.MIMEType)
	assert.WithinDuration(t, v.Created, got.Created, time.Millisecond)

	// Record-level mirrors follow the latest version.
	mirror, err := metadata.ReadSnapshot(env.store.Locate(v.RecordID))
	require.NoError(t, err)
	assert.Equal(t, v.Metadata, mirror)
}

func TestCreateRecord_RequiresPayload(t *testing.T) {
	env := newTestEnv(t, recordlock.Wait)
	_, err := env.store.CreateRecord(context.Background(), Changes{})
	assert.True(t, interfaces.IsValidation(err))
}

func TestCreateVersion_ChainIsOrdered(t *testing.T) {
	env := newTestEnv(t, recordlock.Wait)
	ctx := context.Background()

	first, err := env.store.CreateRecord(ctx, Changes{Payload: payloadOf("v0")})
	require.NoError(t, err)

	ids := []interfaces.VersionID{first.ID}
	for i := 1; i <= 5; i++ {
		v, err := env.store.CreateVersion(ctx, first.RecordID, Changes{Payload: payloadOf("v")})
		require.NoError(t, err)
		assert.Equal(t, uint64(i), v.Sequence)
		ids = append(ids, v.ID)
	}

	chain, err := env.store.ListVersions(ctx, first.RecordID)
	require.NoError(t, err)
	require.Len(t, chain, 6)
	for i, e := range chain {
		assert.Equal(t, uint64(i), e.Sequence)
		assert.Equal(t, ids[i], e.ID)
	}

	latest, err := env.store.GetVersion(ctx, first.RecordID, interfaces.VersionID{})
	require.NoError(t, err)
	assert.Equal(t, chain[len(chain)-1].ID, latest.ID)
}

func TestCreateVersion_CopiesForward(t *testing.T) {
	env := newTestEnv(t, recordlock.Wait)
	ctx := context.Background()

	v0, err := env.store.CreateRecord(ctx, Changes{
		Payload:    payloadOf("body"),
		Tags:       []string{"a"},
		Attributes: map[string]string{"k": "v"},
		URI:        strPtr("https://example.com"),
	})
	require.NoError(t, err)

	v1, err := env.store.CreateVersion(ctx, v0.RecordID, Changes{Tags: []string{"b"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, v1.Tags)
	assert.Equal(t, map[string]string{"k": "v"}, v1.Attributes)
	assert.Equal(t, "https://example.com", v1.URI)
	assert.Equal(t, v0.Payload, v1.Payload)

	v2, err := env.store.CreateVersion(ctx, v0.RecordID, Changes{Attributes: map[string]string{}})
	require.NoError(t, err)
	assert.Empty(t, v2.Attributes)
	assert.Equal(t, []string{"b"}, v2.Tags)
}

func TestCreateVersion_OldVersionsAreImmutable(t *testing.T) {
	env := newTestEnv(t, recordlock.Wait)
	ctx := context.Background()

	v0, err := env.store.CreateRecord(ctx, Changes{Payload: payloadOf("one"), Tags: []string{"x"}})
	require.NoError(t, err)

	entry, err := layout.FindVersion(env.store.Locate(v0.RecordID), v0.ID)
	require.NoError(t, err)
	before, err := os.ReadFile(filepath.Join(entry.Dir, layout.TagsFile))
	require.NoError(t, err)

	_, err = env.store.CreateVersion(ctx, v0.RecordID, Changes{Payload: payloadOf("two"), Tags: []string{"y"}})
	require.NoError(t, err)

	after, err := os.ReadFile(filepath.Join(entry.Dir, layout.TagsFile))
	require.NoError(t, err)
	assert.Equal(t, before, after)

	again, err := env.store.GetVersion(ctx, v0.RecordID, v0.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"x"}, again.Tags)
	assert.Equal(t, v0.Payload, again.Payload)
}

func TestCreateVersion_ValidationLeavesNoTrace(t *testing.T) {
	env := newTestEnv(t, recordlock.Wait)
	ctx := context.Background()

	v0, err := env.store.CreateRecord(ctx, Changes{Payload: payloadOf("one")})
	require.NoError(t, err)

	_, err = env.store.CreateVersion(ctx, v0.RecordID, Changes{
		Tags:       []string{"fine"},
		Attributes: map[string]string{"bad": "line\nbreak"},
	})
	require.True(t, interfaces.IsValidation(err))

	chain, err := env.store.ListVersions(ctx, v0.RecordID)
	require.NoError(t, err)
	assert.Len(t, chain, 1)

	entries, err := os.ReadDir(env.store.Locate(v0.RecordID))
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".staging-")
	}
}

func TestCreateVersion_CancelledLeavesNoTrace(t *testing.T) {
	env := newTestEnv(t, recordlock.FailFast)
	ctx := context.Background()

	v0, err := env.store.CreateRecord(ctx, Changes{Payload: payloadOf("one"), Tags: []string{"kept"}})
	require.NoError(t, err)
	chain, err := env.store.ListVersions(ctx, v0.RecordID)
	require.NoError(t, err)
	latest, err := env.store.GetVersion(ctx, v0.RecordID, interfaces.VersionID{})
	require.NoError(t, err)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()

	_, err = env.store.CreateVersion(cancelled, v0.RecordID, Changes{Payload: payloadOf("two"), Tags: []string{"lost"}})
	require.ErrorIs(t, err, context.Canceled)

	after, err := env.store.ListVersions(ctx, v0.RecordID)
	require.NoError(t, err)
	assert.Equal(t, chain, after)
	again, err := env.store.GetVersion(ctx, v0.RecordID, interfaces.VersionID{})
	require.NoError(t, err)
	assert.Equal(t, latest, again)

	entries, err := os.ReadDir(env.store.Locate(v0.RecordID))
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, layout.IsStagingName(e.Name()), e.Name())
	}

	_, err = env.store.CreateRecord(cancelled, Changes{Payload: payloadOf("never")})
	require.ErrorIs(t, err, context.Canceled)

	var ids []interfaces.RecordID
	require.NoError(t, env.store.Records(ctx, func(id interfaces.RecordID) error {
		ids = append(ids, id)
		return nil
	}))
	assert.Equal(t, []interfaces.RecordID{v0.RecordID}, ids)
}

func TestCreateVersion_Concurrent(t *testing.T) {
	env := newTestEnv(t, recordlock.Wait)
	ctx := context.Background()

	v0, err := env.store.CreateRecord(ctx, Changes{Payload: payloadOf("base")})
	require.NoError(t, err)

	const n = 10
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.store.CreateVersion(ctx, v0.RecordID, Changes{Payload: payloadOf("next")})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	chain, err := env.store.ListVersions(ctx, v0.RecordID)
	require.NoError(t, err)
	require.Len(t, chain, n+1)
	seen := map[interfaces.VersionID]bool{}
	for i, e := range chain {
		assert.Equal(t, uint64(i), e.Sequence)
		assert.False(t, seen[e.ID])
		seen[e.ID] = true
	}
}

func TestCreateVersion_FailFastConflict(t *testing.T) {
	env := newTestEnv(t, recordlock.FailFast)
	ctx := context.Background()

	v0, err := env.store.CreateRecord(ctx, Changes{Payload: payloadOf("base")})
	require.NoError(t, err)

	dir := env.store.Locate(v0.RecordID)
	release, err := env.locks.Acquire(ctx, v0.RecordID, filepath.Join(dir, layout.LockFile))
	require.NoError(t, err)

	_, err = env.store.CreateVersion(ctx, v0.RecordID, Changes{})
	assert.ErrorIs(t, err, interfaces.ErrConflict)

	release()
	_, err = env.store.CreateVersion(ctx, v0.RecordID, Changes{})
	assert.NoError(t, err)
}

func TestCreateVersion_TombstonedOrMissing(t *testing.T) {
	env := newTestEnv(t, recordlock.Wait)
	ctx := context.Background()

	_, err := env.store.CreateVersion(ctx, interfaces.NewRecordID(), Changes{})
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
	assert.NotErrorIs(t, err, interfaces.ErrTombstoned)

	v0, err := env.store.CreateRecord(ctx, Changes{Payload: payloadOf("base")})
	require.NoError(t, err)
	_, _, err = env.meta.Tombstone(ctx, v0.RecordID, "gone")
	require.NoError(t, err)

	_, err = env.store.CreateVersion(ctx, v0.RecordID, Changes{})
	assert.ErrorIs(t, err, interfaces.ErrTombstoned)
	assert.ErrorIs(t, err, interfaces.ErrNotFound)

	_, err = env.store.GetVersion(ctx, v0.RecordID, v0.ID)
	assert.ErrorIs(t, err, interfaces.ErrTombstoned)
}

func TestGetVersion_UnknownVersion(t *testing.T) {
	env := newTestEnv(t, recordlock.Wait)
	ctx := context.Background()

	v0, err := env.store.CreateRecord(ctx, Changes{Payload: payloadOf("base")})
	require.NoError(t, err)
	other, err := env.store.CreateRecord(ctx, Changes{Payload: payloadOf("other")})
	require.NoError(t, err)

	_, err = env.store.GetVersion(ctx, v0.RecordID, interfaces.NewVersionID())
	assert.ErrorIs(t, err, interfaces.ErrNotFound)

	// A cached version of another record is not served.
	_, err = env.store.GetVersion(ctx, v0.RecordID, other.ID)
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
}

func TestStagingLeftoversAreIgnored(t *testing.T) {
	env := newTestEnv(t, recordlock.Wait)
	ctx := context.Background()

	v0, err := env.store.CreateRecord(ctx, Changes{Payload: payloadOf("base")})
	require.NoError(t, err)

	dir := env.store.Locate(v0.RecordID)
	require.NoError(t, os.Mkdir(layout.StagingDir(dir), 0755))

	chain, err := env.store.ListVersions(ctx, v0.RecordID)
	require.NoError(t, err)
	assert.Len(t, chain, 1)

	_, err = env.store.CreateVersion(ctx, v0.RecordID, Changes{})
	require.NoError(t, err)
}

func TestRecords(t *testing.T) {
	env := newTestEnv(t, recordlock.Wait)
	ctx := context.Background()

	want := map[interfaces.RecordID]bool{}
	for i := 0; i < 4; i++ {
		v, err := env.store.CreateRecord(ctx, Changes{Payload: payloadOf("r")})
		require.NoError(t, err)
		want[v.RecordID] = true
	}

	got := map[interfaces.RecordID]bool{}
	require.NoError(t, env.store.Records(ctx, func(id interfaces.RecordID) error {
		got[id] = true
		return nil
	}))
	assert.Equal(t, want, got)
}

func TestPurge(t *testing.T) {
	env := newTestEnv(t, recordlock.Wait)
	ctx := context.Background()

	v0, err := env.store.CreateRecord(ctx, Changes{Payload: payloadOf("base")})
	require.NoError(t, err)

	// Not tombstoned: kept.
	purged, err := env.store.Purge(ctx, v0.RecordID)
	require.NoError(t, err)
	assert.False(t, purged)

	_, _, err = env.meta.Tombstone(ctx, v0.RecordID, "gone")
	require.NoError(t, err)
	_, err = env.meta.AdjustReferenceCount(ctx, v0.RecordID, 1)
	require.NoError(t, err)

	// Still referenced: kept.
	purged, err = env.store.Purge(ctx, v0.RecordID)
	require.NoError(t, err)
	assert.False(t, purged)

	_, err = env.meta.AdjustReferenceCount(ctx, v0.RecordID, -1)
	require.NoError(t, err)

	purged, err = env.store.Purge(ctx, v0.RecordID)
	require.NoError(t, err)
	assert.True(t, purged)

	_, err = os.Stat(env.store.Locate(v0.RecordID))
	assert.True(t, os.IsNotExist(err))

	ts, err := env.meta.GetTombstone(ctx, v0.RecordID)
	require.NoError(t, err)
	assert.Equal(t, v0.ID, ts.LastVersion)

	purged, err = env.store.Purge(ctx, v0.RecordID)
	require.NoError(t, err)
	assert.False(t, purged)
}

func TestPurgedRecordReadsAsTombstoned(t *testing.T) {
	env := newTestEnv(t, recordlock.Wait)
	ctx := context.Background()

	v0, err := env.store.CreateRecord(ctx, Changes{Payload: payloadOf("base")})
	require.NoError(t, err)
	_, _, err = env.meta.Tombstone(ctx, v0.RecordID, "gone")
	require.NoError(t, err)
	purged, err := env.store.Purge(ctx, v0.RecordID)
	require.NoError(t, err)
	require.True(t, purged)

	_, err = env.store.GetVersion(ctx, v0.RecordID, interfaces.VersionID{})
	assert.ErrorIs(t, err, interfaces.ErrTombstoned)
	_, err = env.store.ListVersions(ctx, v0.RecordID)
	assert.ErrorIs(t, err, interfaces.ErrTombstoned)
	_, err = env.store.CreateVersion(ctx, v0.RecordID, Changes{})
	assert.ErrorIs(t, err, interfaces.ErrTombstoned)
}

func TestPurgedRecordIsNotServedFromCache(t *testing.T) {
	env := newTestEnv(t, recordlock.Wait)
	ctx := context.Background()

	v0, err := env.store.CreateRecord(ctx, Changes{Payload: payloadOf("base")})
	require.NoError(t, err)
	_, err = env.store.GetVersion(ctx, v0.RecordID, v0.ID)
	require.NoError(t, err)

	_, _, err = env.meta.Tombstone(ctx, v0.RecordID, "gone")
	require.NoError(t, err)
	purged, err := env.store.Purge(ctx, v0.RecordID)
	require.NoError(t, err)
	require.True(t, purged)
	assert.False(t, env.store.cache.Contains(v0.ID))

	// A reader that loaded the version while the purge ran puts it back.
	env.store.cache.Add(v0.ID, v0)

	_, err = env.store.GetVersion(ctx, v0.RecordID, v0.ID)
	assert.ErrorIs(t, err, interfaces.ErrTombstoned)
	assert.False(t, env.store.cache.Contains(v0.ID))
}
