package storageapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/mzekb/mze-storage/api"
	"github.com/mzekb/mze-storage/instancedir"
	"github.com/mzekb/mze-storage/interfaces"
	"github.com/mzekb/mze-storage/layout"
	"github.com/mzekb/mze-storage/metadata"
	"github.com/mzekb/mze-storage/reaper"
	"github.com/mzekb/mze-storage/recordlock"
	"github.com/mzekb/mze-storage/shard"
	"github.com/mzekb/mze-storage/storage"
	"github.com/mzekb/mze-storage/versions"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// mockBackend lets tests control payload backend failures.
type mockBackend struct {
	mock.Mock
}

func (m *mockBackend) Fetch(ctx context.Context, id interfaces.ContentID) ([]byte, error) {
	args := m.Called(ctx, id)
	data, _ := args.Get(0).([]byte)
	return data, args.Error(1)
}

func (m *mockBackend) Store(ctx context.Context, data []byte) (interfaces.ContentID, error) {
	args := m.Called(ctx, data)
	return args.Get(0).(interfaces.ContentID), args.Error(1)
}

func (m *mockBackend) Available(ctx context.Context) bool { return true }
func (m *mockBackend) Name() string                       { return "mock" }
func (m *mockBackend) LocationURI() string                { return "file:///mock" }

type testServer struct {
	server   *httptest.Server
	client   *Client
	handler  *Handler
	versions *versions.Store
	meta     *metadata.Store
	reaper   *reaper.Reaper
	instance interfaces.InstanceID
	remote   interfaces.InstanceID
}

// setupTestServer wires real stores in a temp dir behind an httptest server.
// blobs may be nil to use a file backend.
func setupTestServer(t *testing.T, cfg Config, blobs interfaces.BlobBackend) *testServer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	root := t.TempDir()

	records := shard.New(filepath.Join(root, "records"))
	tombstones := shard.New(filepath.Join(root, "tombstones"))
	locks := recordlock.New(recordlock.Wait, logger)

	instance := interfaces.NewInstanceID()
	remote := interfaces.NewInstanceID()
	cfg.Instance = instance

	meta := metadata.NewStore(records, tombstones, locks, instance, logger)
	vs, err := versions.NewStore(records, meta, locks, 64, logger)
	require.NoError(t, err)

	if blobs == nil {
		blobs, err = storage.NewFileBackend(filepath.Join(root, "blobs"), logger)
		require.NoError(t, err)
	}

	rp := reaper.New(vs, meta, time.Hour, logger)
	t.Cleanup(rp.Stop)

	directory, err := instancedir.NewStatic(map[string]string{
		remote.String(): "http://other.example:8080/storage",
	})
	require.NoError(t, err)

	handler := NewHandler(cfg, vs, meta, blobs, rp, directory, logger)
	router := chi.NewRouter()
	handler.RegisterRoutes(router)

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	return &testServer{
		server:   srv,
		client:   NewClient(srv.URL),
		handler:  handler,
		versions: vs,
		meta:     meta,
		reaper:   rp,
		instance: instance,
		remote:   remote,
	}
}

func record(id interfaces.RecordID) interfaces.Selector {
	return interfaces.Selector{Record: interfaces.Specific(id)}
}

func recordVersion(id interfaces.RecordID, vid interfaces.VersionID) interfaces.Selector {
	return interfaces.Selector{Record: interfaces.Specific(id), Version: interfaces.Specific(vid)}
}

func TestHelloWorldScenario(t *testing.T) {
	ts := setupTestServer(t, Config{}, nil)
	ctx := context.Background()

	// Empty selector values mean absent.
	req, err := http.NewRequest(http.MethodPut, ts.server.URL+"/put?record=&version=", strings.NewReader("hello"))
	require.NoError(t, err)
	req.Header.Set(api.TagsHeader, `["note"]`)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var first api.PutResponse
	require.NoError(t, jsonDecode(resp, &first))

	second, err := ts.client.Put(ctx, record(first.RecordID), []byte("world"), api.PutOptions{})
	require.NoError(t, err)
	assert.Equal(t, first.RecordID, second.RecordID)
	assert.NotEqual(t, first.VersionID, second.VersionID)

	info, data, err := ts.client.Get(ctx, record(first.RecordID))
	require.NoError(t, err)
	assert.Equal(t, "world", string(data))
	assert.Equal(t, second.VersionID, info.VersionID)
	assert.Equal(t, uint64(1), info.Sequence)
	assert.Equal(t, []string{"note"}, info.Tags, "tags are copied forward")

	info, data, err = ts.client.Get(ctx, recordVersion(first.RecordID, first.VersionID))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
	assert.Equal(t, first.VersionID, info.VersionID)
	assert.Equal(t, uint64(0), info.Sequence)
}

func TestPutMetadataRoundTrip(t *testing.T) {
	ts := setupTestServer(t, Config{}, nil)
	ctx := context.Background()

	uri := "https://example.com/notes/1"
	put, err := ts.client.Put(ctx, interfaces.Selector{}, []byte("# notes"), api.PutOptions{
		Tags:       []string{"b", "a", "b"},
		Attributes: map[string]string{"author": "me"},
		URI:        &uri,
		MIMEType:   "text/markdown",
	})
	require.NoError(t, err)

	info, data, err := ts.client.Get(ctx, record(put.RecordID))
	require.NoError(t, err)
	assert.Equal(t, "# notes", string(data))
	assert.Equal(t, put.RecordID, info.RecordID)
	assert.Equal(t, []string{"a", "b"}, info.Tags)
	assert.Equal(t, map[string]string{"author": "me"}, info.Attributes)
	assert.Equal(t, uri, info.URI)
	assert.Equal(t, "text/markdown", info.MIMEType)
	assert.Equal(t, interfaces.ComputeID([]byte("# notes")), info.ContentID)
	assert.Equal(t, int64(0), info.References)
	assert.False(t, info.Created.IsZero())

	head, err := ts.client.Head(ctx, record(put.RecordID))
	require.NoError(t, err)
	assert.Equal(t, info.VersionID, head.VersionID)
	assert.Equal(t, int64(len("# notes")), head.Size)
	assert.Equal(t, info.Tags, head.Tags)
}

func TestPutEmptyBodyKeepsPayload(t *testing.T) {
	ts := setupTestServer(t, Config{}, nil)
	ctx := context.Background()

	first, err := ts.client.Put(ctx, interfaces.Selector{}, []byte("payload"), api.PutOptions{MIMEType: "text/plain"})
	require.NoError(t, err)

	second, err := ts.client.Put(ctx, record(first.RecordID), nil, api.PutOptions{Tags: []string{"retagged"}})
	require.NoError(t, err)

	info, data, err := ts.client.Get(ctx, recordVersion(first.RecordID, second.VersionID))
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
	assert.Equal(t, []string{"retagged"}, info.Tags)
	assert.Equal(t, "text/plain", info.MIMEType)
}

func TestPutNewRecordEmptyBody(t *testing.T) {
	ts := setupTestServer(t, Config{}, nil)
	ctx := context.Background()

	put, err := ts.client.Put(ctx, interfaces.Selector{}, nil, api.PutOptions{})
	require.NoError(t, err)

	info, data, err := ts.client.Get(ctx, record(put.RecordID))
	require.NoError(t, err)
	assert.Empty(t, data)
	assert.Equal(t, "application/octet-stream", info.MIMEType)
}

func TestPutValidation(t *testing.T) {
	ts := setupTestServer(t, Config{}, nil)
	ctx := context.Background()
	existing, err := ts.client.Put(ctx, interfaces.Selector{}, []byte("x"), api.PutOptions{})
	require.NoError(t, err)

	tests := []struct {
		name   string
		query  string
		header map[string]string
		field  string
	}{
		{
			name:  "version is server assigned",
			query: fmt.Sprintf("record=%s&version=%s", existing.RecordID, interfaces.NewVersionID()),
			field: "version",
		},
		{
			name:   "newline in tag",
			header: map[string]string{api.TagsHeader: `["a\nb"]`},
			field:  "tag",
		},
		{
			name:   "newline in attribute",
			header: map[string]string{api.AttributesHeader: `{"k":"line\nbreak"}`},
			field:  "attribute",
		},
		{
			name:   "reserved tag",
			header: map[string]string{api.TagsHeader: `["tombstone"]`},
			field:  "tag",
		},
		{
			name:   "tags not a list",
			header: map[string]string{api.TagsHeader: `{"a":1}`},
			field:  "tags",
		},
		{
			name:   "bad mime type",
			header: map[string]string{"Content-Type": "not a mime type"},
			field:  "mime_type",
		},
		{
			name:  "record all",
			query: "record=all",
			field: "record",
		},
		{
			name:  "instance all",
			query: "instance=all",
			field: "instance",
		},
		{
			name:  "unknown parameter",
			query: "colour=blue",
			field: "colour",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(http.MethodPut, ts.server.URL+"/put?"+tt.query, strings.NewReader("payload"))
			require.NoError(t, err)
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			defer resp.Body.Close()

			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			err = decodeError(resp)
			var verr *interfaces.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}

	// Nothing was written for the rejected requests.
	list, err := ts.client.List(ctx, interfaces.Selector{Version: interfaces.All[interfaces.VersionID]()})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Len(t, list[existing.RecordID], 1)
}

func TestPutPayloadTooLarge(t *testing.T) {
	ts := setupTestServer(t, Config{MaxPayloadBytes: 8}, nil)

	_, err := ts.client.Put(context.Background(), interfaces.Selector{}, bytes.Repeat([]byte("x"), 9), api.PutOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "413")
}

func TestGetErrors(t *testing.T) {
	ts := setupTestServer(t, Config{}, nil)
	ctx := context.Background()

	put, err := ts.client.Put(ctx, interfaces.Selector{}, []byte("x"), api.PutOptions{})
	require.NoError(t, err)

	_, _, err = ts.client.Get(ctx, record(interfaces.NewRecordID()))
	assert.ErrorIs(t, err, interfaces.ErrNotFound)

	_, _, err = ts.client.Get(ctx, recordVersion(put.RecordID, interfaces.NewVersionID()))
	assert.ErrorIs(t, err, interfaces.ErrNotFound)

	_, _, err = ts.client.Get(ctx, interfaces.Selector{})
	assert.True(t, interfaces.IsValidation(err))

	_, _, err = ts.client.Get(ctx, interfaces.Selector{
		Record:  interfaces.Specific(put.RecordID),
		Version: interfaces.All[interfaces.VersionID](),
	})
	assert.True(t, interfaces.IsValidation(err))

	_, err = ts.client.Head(ctx, record(interfaces.NewRecordID()))
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
}

func TestGetThisInstanceExplicitly(t *testing.T) {
	ts := setupTestServer(t, Config{}, nil)
	ctx := context.Background()

	put, err := ts.client.Put(ctx, interfaces.Selector{}, []byte("local"), api.PutOptions{})
	require.NoError(t, err)

	for _, inst := range []interfaces.InstanceSelector{
		interfaces.Any[interfaces.InstanceID](),
		interfaces.Specific(ts.instance),
	} {
		_, data, err := ts.client.Get(ctx, interfaces.Selector{Instance: inst, Record: interfaces.Specific(put.RecordID)})
		require.NoError(t, err)
		assert.Equal(t, "local", string(data))
	}
}

func TestRedirectToOtherInstance(t *testing.T) {
	ts := setupTestServer(t, Config{}, nil)
	noFollow := &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
	}
	rid := interfaces.NewRecordID()

	for _, path := range []string{"/get", "/list", "/delete"} {
		t.Run(path, func(t *testing.T) {
			method := http.MethodGet
			if path == "/delete" {
				method = http.MethodDelete
			}
			query := url.Values{"instance": {ts.remote.String()}, "record": {rid.String()}}
			req, err := http.NewRequest(method, ts.server.URL+path+"?"+query.Encode(), nil)
			require.NoError(t, err)

			resp, err := noFollow.Do(req)
			require.NoError(t, err)
			defer resp.Body.Close()

			assert.Equal(t, http.StatusTemporaryRedirect, resp.StatusCode)
			loc, err := url.Parse(resp.Header.Get("Location"))
			require.NoError(t, err)
			assert.Equal(t, "other.example:8080", loc.Host)
			assert.Equal(t, "/storage"+path, loc.Path)
			assert.Equal(t, query, loc.Query())
		})
	}

	_, _, err := ts.client.Get(context.Background(), interfaces.Selector{
		Instance: interfaces.Specific(interfaces.NewInstanceID()),
		Record:   interfaces.Specific(rid),
	})
	assert.ErrorIs(t, err, interfaces.ErrNotFound, "unknown instances are not found")
}

func TestList(t *testing.T) {
	ts := setupTestServer(t, Config{}, nil)
	ctx := context.Background()

	empty, err := ts.client.List(ctx, interfaces.Selector{})
	require.NoError(t, err)
	assert.Empty(t, empty)

	a1, err := ts.client.Put(ctx, interfaces.Selector{}, []byte("a1"), api.PutOptions{Tags: []string{"a"}})
	require.NoError(t, err)
	a2, err := ts.client.Put(ctx, record(a1.RecordID), []byte("a2"), api.PutOptions{})
	require.NoError(t, err)
	b1, err := ts.client.Put(ctx, interfaces.Selector{}, []byte("b1"), api.PutOptions{})
	require.NoError(t, err)

	latest, err := ts.client.List(ctx, interfaces.Selector{Instance: interfaces.All[interfaces.InstanceID]()})
	require.NoError(t, err)
	require.Len(t, latest, 2)
	require.Contains(t, latest[a1.RecordID], a2.VersionID)
	assert.Len(t, latest[a1.RecordID], 1)
	assert.Equal(t, uint64(1), latest[a1.RecordID][a2.VersionID].Sequence)
	assert.Equal(t, []string{"a"}, latest[a1.RecordID][a2.VersionID].Tags)
	assert.Equal(t, int64(2), latest[a1.RecordID][a2.VersionID].Size)
	assert.Contains(t, latest[b1.RecordID], b1.VersionID)

	all, err := ts.client.List(ctx, interfaces.Selector{
		Record:  interfaces.Specific(a1.RecordID),
		Version: interfaces.All[interfaces.VersionID](),
	})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Len(t, all[a1.RecordID], 2)
	assert.Contains(t, all[a1.RecordID], a1.VersionID)

	one, err := ts.client.List(ctx, recordVersion(a1.RecordID, a1.VersionID))
	require.NoError(t, err)
	require.Len(t, one[a1.RecordID], 1)
	assert.Equal(t, interfaces.ComputeID([]byte("a1")), one[a1.RecordID][a1.VersionID].ContentID)

	none, err := ts.client.List(ctx, record(interfaces.NewRecordID()))
	require.NoError(t, err)
	assert.Empty(t, none)

	_, err = ts.client.List(ctx, interfaces.Selector{Version: interfaces.Specific(a1.VersionID)})
	assert.True(t, interfaces.IsValidation(err), "a version id requires a record")
}

func TestDeleteTombstonesAndSchedules(t *testing.T) {
	ts := setupTestServer(t, Config{}, nil)
	ctx := context.Background()

	put, err := ts.client.Put(ctx, interfaces.Selector{}, []byte("doomed"), api.PutOptions{})
	require.NoError(t, err)

	resp, err := ts.client.Delete(ctx, record(put.RecordID), "no longer needed")
	require.NoError(t, err)
	assert.Equal(t, []interfaces.RecordID{put.RecordID}, resp.Tombstoned)

	tomb, err := ts.meta.GetTombstone(ctx, put.RecordID)
	require.NoError(t, err)
	assert.Equal(t, "no longer needed", tomb.Reason)
	assert.Equal(t, put.VersionID, tomb.LastVersion)

	at, ok := ts.reaper.ScheduledAt(put.RecordID)
	require.True(t, ok)
	assert.WithinDuration(t, tomb.DeletedAt.Add(time.Hour), at, time.Second)

	_, _, err = ts.client.Get(ctx, record(put.RecordID))
	assert.ErrorIs(t, err, interfaces.ErrTombstoned)

	_, err = ts.client.Put(ctx, record(put.RecordID), []byte("again"), api.PutOptions{})
	assert.ErrorIs(t, err, interfaces.ErrTombstoned)

	list, err := ts.client.List(ctx, interfaces.Selector{})
	require.NoError(t, err)
	assert.Empty(t, list)

	again, err := ts.client.Delete(ctx, record(put.RecordID), "")
	require.NoError(t, err, "deleting twice is not an error")
	assert.Equal(t, []interfaces.RecordID{put.RecordID}, again.Tombstoned)

	_, err = ts.client.Delete(ctx, record(interfaces.NewRecordID()), "")
	assert.ErrorIs(t, err, interfaces.ErrNotFound)

	_, err = ts.client.Delete(ctx, recordVersion(put.RecordID, put.VersionID), "")
	assert.True(t, interfaces.IsValidation(err))

	_, err = ts.client.Delete(ctx, record(put.RecordID), "multi\nline")
	assert.True(t, interfaces.IsValidation(err))
}

func TestDeleteReferencedRecordIsNotScheduled(t *testing.T) {
	ts := setupTestServer(t, Config{}, nil)
	ctx := context.Background()

	put, err := ts.client.Put(ctx, interfaces.Selector{}, []byte("linked"), api.PutOptions{})
	require.NoError(t, err)

	refs, err := ts.client.AdjustReferences(ctx, put.RecordID, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(2), refs.References)

	_, err = ts.client.Delete(ctx, record(put.RecordID), "")
	require.NoError(t, err)
	assert.Empty(t, ts.reaper.Pending())

	refs, err = ts.client.AdjustReferences(ctx, put.RecordID, -2)
	require.NoError(t, err)
	assert.Equal(t, int64(0), refs.References)
	assert.Equal(t, []interfaces.RecordID{put.RecordID}, ts.reaper.Pending(), "last reference removal schedules removal")

	_, err = ts.client.AdjustReferences(ctx, put.RecordID, 1)
	require.NoError(t, err)
	assert.Empty(t, ts.reaper.Pending(), "a new reference cancels pending removal")
}

func TestAdjustReferences(t *testing.T) {
	ts := setupTestServer(t, Config{}, nil)
	ctx := context.Background()

	put, err := ts.client.Put(ctx, interfaces.Selector{}, []byte("x"), api.PutOptions{})
	require.NoError(t, err)

	refs, err := ts.client.AdjustReferences(ctx, put.RecordID, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(3), refs.References)

	info, err := ts.client.Head(ctx, record(put.RecordID))
	require.NoError(t, err)
	assert.Equal(t, int64(3), info.References)

	_, err = ts.client.AdjustReferences(ctx, put.RecordID, -4)
	assert.True(t, interfaces.IsValidation(err), "counts never go negative")

	_, err = ts.client.AdjustReferences(ctx, put.RecordID, 0)
	assert.True(t, interfaces.IsValidation(err))

	_, err = ts.client.AdjustReferences(ctx, interfaces.NewRecordID(), 1)
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
}

func TestAdjustReferencesLogsItsOperation(t *testing.T) {
	ts := setupTestServer(t, Config{}, nil)
	var logs bytes.Buffer
	ts.handler.log = slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/references?record=nope&delta=1", nil)
	ts.handler.HandleReferences(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, logs.String(), "op=references")
	assert.NotContains(t, logs.String(), "op=put")
}

func TestFsckRepairsAndSchedules(t *testing.T) {
	ts := setupTestServer(t, Config{}, nil)
	ctx := context.Background()

	put, err := ts.client.Put(ctx, interfaces.Selector{}, []byte("half deleted"), api.PutOptions{})
	require.NoError(t, err)
	dir := ts.versions.Locate(put.RecordID)

	// A delete that crashed between the tombstone tree and the marker.
	_, _, err = ts.meta.Tombstone(ctx, put.RecordID, "gone")
	require.NoError(t, err)
	require.NoError(t, os.Remove(filepath.Join(dir, layout.TombstoneFile)))
	require.NoError(t, os.Mkdir(layout.StagingDir(dir), 0755))
	assert.Empty(t, ts.reaper.Pending())

	report, err := ts.client.Fsck(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Records)
	assert.Equal(t, 1, report.StagingRemoved)
	assert.Equal(t, []interfaces.RecordID{put.RecordID}, report.TombstonesRepaired)
	assert.Empty(t, report.Failed)

	assert.True(t, ts.meta.IsTombstoned(put.RecordID))
	assert.Equal(t, []interfaces.RecordID{put.RecordID}, ts.reaper.Pending())

	_, _, err = ts.client.Get(ctx, record(put.RecordID))
	assert.ErrorIs(t, err, interfaces.ErrTombstoned)
}

func TestBackendUnavailable(t *testing.T) {
	backend := &mockBackend{}
	backend.On("Store", mock.Anything, mock.Anything).Return(interfaces.ContentID{}, fmt.Errorf("s3: %w", interfaces.ErrBackendUnavailable))
	ts := setupTestServer(t, Config{RetryAfter: 7 * time.Second}, backend)

	req, err := http.NewRequest(http.MethodPut, ts.server.URL+"/put", strings.NewReader("payload"))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "7", resp.Header.Get("Retry-After"))

	list, err := ts.client.List(context.Background(), interfaces.Selector{})
	require.NoError(t, err)
	assert.Empty(t, list, "no record is created when the payload cannot be stored")
	backend.AssertExpectations(t)
}

func TestMissingBlobIsServerError(t *testing.T) {
	backend := &mockBackend{}
	id := interfaces.ComputeID([]byte("gone"))
	backend.On("Store", mock.Anything, []byte("gone")).Return(id, nil)
	backend.On("Fetch", mock.Anything, id).Return(nil, interfaces.ErrNotFound)
	ts := setupTestServer(t, Config{}, backend)
	ctx := context.Background()

	put, err := ts.client.Put(ctx, interfaces.Selector{}, []byte("gone"), api.PutOptions{})
	require.NoError(t, err)

	_, _, err = ts.client.Get(ctx, record(put.RecordID))
	require.Error(t, err)
	assert.False(t, errors.Is(err, interfaces.ErrNotFound))
	assert.Contains(t, err.Error(), "500")
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{interfaces.NewValidationError("record", "bad"), http.StatusBadRequest},
		{fmt.Errorf("wrapped: %w", interfaces.ErrNotFound), http.StatusNotFound},
		{interfaces.ErrTombstoned, http.StatusGone},
		{interfaces.ErrConflict, http.StatusConflict},
		{interfaces.ErrBackendUnavailable, http.StatusServiceUnavailable},
		{context.DeadlineExceeded, http.StatusServiceUnavailable},
		{&RequestError{StatusCode: http.StatusRequestEntityTooLarge, Err: errors.New("big")}, http.StatusRequestEntityTooLarge},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, StatusFor(tt.err), tt.err.Error())
	}
}

func TestRetryConflict(t *testing.T) {
	ctx := context.Background()
	cfg := Config{RetryConflicts: true, ConflictBackoff: time.Millisecond}

	calls := 0
	v, err := retryConflict(ctx, cfg, func() (int, error) {
		calls++
		if calls == 1 {
			return 0, interfaces.ErrConflict
		}
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Equal(t, 2, calls)

	calls = 0
	_, err = retryConflict(ctx, Config{}, func() (int, error) {
		calls++
		return 0, interfaces.ErrConflict
	})
	assert.ErrorIs(t, err, interfaces.ErrConflict)
	assert.Equal(t, 1, calls, "disabled retries surface the conflict")

	calls = 0
	_, err = retryConflict(ctx, cfg, func() (int, error) {
		calls++
		return 0, interfaces.ErrConflict
	})
	assert.ErrorIs(t, err, interfaces.ErrConflict)
	assert.Equal(t, 2, calls, "retried at most once")
}

func jsonDecode(resp *http.Response, v any) error {
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(v)
}
