package storageapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/mzekb/mze-storage/api"
	"github.com/mzekb/mze-storage/interfaces"
	"github.com/mzekb/mze-storage/metadata"
	"github.com/mzekb/mze-storage/reaper"
	"github.com/mzekb/mze-storage/resolver"
	"github.com/mzekb/mze-storage/versions"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultMaxPayloadBytes is the payload size limit for PUT /put (64MB).
	DefaultMaxPayloadBytes = 64 << 20

	// DefaultListConcurrency bounds the version loads of one list request.
	DefaultListConcurrency = 16

	// ReasonParam is the optional tombstone reason for DELETE /delete.
	ReasonParam = "reason"

	// DeltaParam is the signed reference count change for POST /references.
	DeltaParam = "delta"
)

// RequestError carries an explicit HTTP status for an error.
type RequestError struct {
	// StatusCode is the HTTP status code to return.
	StatusCode int

	// Err is the underlying error.
	Err error
}

func (e *RequestError) Error() string {
	return e.Err.Error()
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

// Config tunes request handling.
type Config struct {
	// Instance is the id of this storage instance.
	Instance interfaces.InstanceID

	// MaxPayloadBytes limits PUT bodies; larger bodies get 413.
	MaxPayloadBytes int64

	// RetryConflicts retries a write once after ConflictBackoff when the
	// record is held by another writer.
	RetryConflicts  bool
	ConflictBackoff time.Duration

	// RetryAfter is advertised with 503 responses.
	RetryAfter time.Duration

	// ListConcurrency bounds concurrent version loads per list request.
	ListConcurrency int
}

// Handler serves the record storage API.
type Handler struct {
	cfg       Config
	resolver  *resolver.Resolver
	versions  *versions.Store
	meta      *metadata.Store
	blobs     interfaces.BlobBackend
	reaper    *reaper.Reaper
	directory interfaces.InstanceDirectory
	log       *slog.Logger
}

// NewHandler creates the API handler. Reference count changes on meta are
// forwarded to the reaper so that pending removals follow them. directory
// may be nil, in which case requests for other instances fail with 404.
func NewHandler(cfg Config, vs *versions.Store, meta *metadata.Store, blobs interfaces.BlobBackend, rp *reaper.Reaper, directory interfaces.InstanceDirectory, log *slog.Logger) *Handler {
	if cfg.MaxPayloadBytes <= 0 {
		cfg.MaxPayloadBytes = DefaultMaxPayloadBytes
	}
	if cfg.ListConcurrency <= 0 {
		cfg.ListConcurrency = DefaultListConcurrency
	}
	if cfg.RetryAfter <= 0 {
		cfg.RetryAfter = 5 * time.Second
	}

	meta.OnReferenceChange(rp.ReferenceChanged)

	return &Handler{
		cfg:       cfg,
		resolver:  resolver.New(cfg.Instance, vs),
		versions:  vs,
		meta:      meta,
		blobs:     blobs,
		reaper:    rp,
		directory: directory,
		log:       log,
	}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/list", h.HandleList)
	r.Put("/put", h.HandlePut)
	r.Get("/get", h.HandleGet)
	r.Head("/head", h.HandleHead)
	r.Delete("/delete", h.HandleDelete)
	r.Post("/references", h.HandleReferences)
	r.Post("/fsck", h.HandleFsck)
}

// HandleList returns the summaries of every matching record version.
//
// URL format: GET /list?instance=&record=&version=
//
// Response: JSON, see api.ListResponse; {} when nothing matches.
func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	res, ok := h.resolve(w, r, resolver.OpList)
	if !ok {
		return
	}

	out := api.ListResponse{}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(h.cfg.ListConcurrency)
	for _, t := range res.Targets {
		g.Go(func() error {
			v, err := h.versions.GetVersion(gctx, t.Record, t.Version)
			if errors.Is(err, interfaces.ErrNotFound) {
				// Removed since the listing snapshot was taken.
				return nil
			}
			if err != nil {
				return err
			}

			mu.Lock()
			defer mu.Unlock()
			byVersion, found := out[t.Record]
			if !found {
				byVersion = map[interfaces.VersionID]api.Summary{}
				out[t.Record] = byVersion
			}
			byVersion[t.Version] = summarize(v)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		h.fail(w, r, "list", err)
		return
	}

	writeJSON(w, http.StatusOK, out, h.log)
}

// HandlePut stores the request body as the payload of a new version.
//
// URL format: PUT /put?instance=&record=
//
// Headers: Content-Type (MIME type), X-Record-Tags (JSON list),
// X-Record-Attributes (JSON object), X-Record-URI. Headers that are not
// sent are copied forward from the previous version; an empty body on an
// existing record keeps the previous payload.
//
// Response: 201 JSON, see api.PutResponse.
func (h *Handler) HandlePut(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	res, ok := h.resolve(w, r, resolver.OpPut)
	if !ok {
		return
	}

	changes, err := changesFromHeaders(r.Header)
	if err != nil {
		h.fail(w, r, "put", err)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.cfg.MaxPayloadBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			err = &RequestError{StatusCode: http.StatusRequestEntityTooLarge, Err: fmt.Errorf("payload exceeds %d bytes", tooLarge.Limit)}
		} else {
			err = &RequestError{StatusCode: http.StatusBadRequest, Err: fmt.Errorf("failed to read request body: %w", err)}
		}
		h.fail(w, r, "put", err)
		return
	}

	if len(body) > 0 || res.Kind == resolver.NewRecord {
		id, err := h.blobs.Store(ctx, body)
		if err != nil {
			h.fail(w, r, "put", fmt.Errorf("failed to store payload: %w", err))
			return
		}
		changes.Payload = &interfaces.PayloadRef{
			ContentID: id,
			Size:      int64(len(body)),
			Backend:   h.blobs.LocationURI(),
		}
	}

	v, err := retryConflict(ctx, h.cfg, func() (versions.RecordVersion, error) {
		if res.Kind == resolver.NewRecord {
			return h.versions.CreateRecord(ctx, changes)
		}
		return h.versions.CreateVersion(ctx, res.Target.Record, changes)
	})
	if err != nil {
		h.fail(w, r, "put", err)
		return
	}

	h.log.Info("Version created", "record", v.RecordID.String(), "version", v.ID.String(), slog.Uint64("sequence", v.Sequence))
	writeJSON(w, http.StatusCreated, api.PutResponse{RecordID: v.RecordID, VersionID: v.ID}, h.log)
}

// HandleGet returns the payload of one record version.
//
// URL format: GET /get?instance=&record=&version=
//
// Response: payload bytes with Content-Type set to the version's MIME type
// and metadata in X-Record-* / X-Version-* headers, or a 307 redirect when
// the instance selector names another instance.
func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	v, refs, ok := h.single(w, r, resolver.OpGet)
	if !ok {
		return
	}

	data, err := h.blobs.Fetch(r.Context(), v.Payload.ContentID)
	if err != nil {
		err = fmt.Errorf("failed to fetch payload of version %s: %w", v.ID, err)
		if errors.Is(err, interfaces.ErrNotFound) {
			// The version exists, so a missing blob is a server fault.
			err = &RequestError{StatusCode: http.StatusInternalServerError, Err: err}
		}
		h.fail(w, r, "get", err)
		return
	}

	setVersionHeaders(w.Header(), v, refs)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		h.log.Debug("Failed to write payload", "err", err)
	}
}

// HandleHead returns the headers of HandleGet without the payload.
//
// URL format: HEAD /head?instance=&record=&version=
func (h *Handler) HandleHead(w http.ResponseWriter, r *http.Request) {
	v, refs, ok := h.single(w, r, resolver.OpHead)
	if !ok {
		return
	}

	setVersionHeaders(w.Header(), v, refs)
	w.Header().Set("Content-Length", strconv.FormatInt(v.Payload.Size, 10))
	w.WriteHeader(http.StatusOK)
}

// HandleDelete tombstones the selected record and schedules its removal
// once the grace period has passed and no references remain. Deleting a
// tombstoned record again is not an error.
//
// URL format: DELETE /delete?instance=&record=&version=&reason=
//
// Response: JSON, see api.DeleteResponse.
func (h *Handler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	query := r.URL.Query()
	sel, err := resolver.ParseSelector(query, ReasonParam)
	if err != nil {
		h.fail(w, r, "delete", err)
		return
	}

	id := sel.Record.ID
	res, err := h.resolver.Resolve(ctx, resolver.OpDelete, sel)
	switch {
	case errors.Is(err, interfaces.ErrTombstoned):
		// Fall through to return the existing tombstone.
	case err != nil:
		h.fail(w, r, "delete", err)
		return
	case res.Kind == resolver.Remote:
		h.redirect(w, r, res.Instance)
		return
	}

	ts, err := retryConflict(ctx, h.cfg, func() (metadata.Tombstone, error) {
		ts, _, err := h.meta.Tombstone(ctx, id, query.Get(ReasonParam))
		return ts, err
	})
	if err != nil {
		h.fail(w, r, "delete", err)
		return
	}

	if _, err := h.reaper.Retire(ctx, id); err != nil && !errors.Is(err, interfaces.ErrNotFound) {
		// The tombstone is durable; Recover picks the record up after a restart.
		h.log.Warn("Failed to schedule removal", "err", err, "record", id.String())
	}

	h.log.Info("Record tombstoned", "record", id.String(), "reason", ts.Reason)
	writeJSON(w, http.StatusOK, api.DeleteResponse{Tombstoned: []interfaces.RecordID{ts.RecordID}}, h.log)
}

// HandleReferences adjusts a record's reference count. It is called by the
// link service when links to the record are created or removed.
//
// URL format: POST /references?record=<uuid>&delta=<int>
//
// Response: JSON, see api.ReferencesResponse.
func (h *Handler) HandleReferences(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	id, err := interfaces.ParseRecordID(query.Get(resolver.ParamRecord))
	if err != nil {
		h.fail(w, r, "references", interfaces.NewValidationError(resolver.ParamRecord, "%v", err))
		return
	}
	delta, err := strconv.ParseInt(query.Get(DeltaParam), 10, 64)
	if err != nil || delta == 0 || delta == math.MinInt64 {
		h.fail(w, r, "references", interfaces.NewValidationError(DeltaParam, "must be a non-zero integer"))
		return
	}

	ctx := r.Context()
	count, err := retryConflict(ctx, h.cfg, func() (int64, error) {
		return h.meta.AdjustReferenceCount(ctx, id, delta)
	})
	if err != nil {
		h.fail(w, r, "references", err)
		return
	}

	writeJSON(w, http.StatusOK, api.ReferencesResponse{RecordID: id, References: count}, h.log)
}

// HandleFsck runs a consistency pass over the local records tree and hands
// every repaired tombstone to the reaper.
//
// URL format: POST /fsck
//
// Response: JSON, see api.FsckResponse.
func (h *Handler) HandleFsck(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	report, err := h.versions.Fsck(ctx)
	if err != nil {
		h.fail(w, r, "fsck", err)
		return
	}

	for _, id := range report.TombstonesRepaired {
		if _, err := h.reaper.Retire(ctx, id); err != nil && !errors.Is(err, interfaces.ErrNotFound) {
			h.log.Warn("Failed to schedule removal", "err", err, "record", id.String())
		}
	}

	writeJSON(w, http.StatusOK, api.FsckResponse{
		Records:            report.Records,
		StagingRemoved:     report.StagingRemoved,
		TempFilesRemoved:   report.TempFilesRemoved,
		TrashRemoved:       report.TrashRemoved,
		OrphansRemoved:     report.OrphansRemoved,
		MirrorsRepaired:    report.MirrorsRepaired,
		TombstonesRepaired: report.TombstonesRepaired,
		Failed:             report.Failed,
	}, h.log)
}

// resolve parses the query selector and resolves it for op. Remote
// resolutions are answered with a redirect; ok is false when a response was
// already written.
func (h *Handler) resolve(w http.ResponseWriter, r *http.Request, op resolver.Operation) (resolver.Resolution, bool) {
	sel, err := resolver.ParseSelector(r.URL.Query())
	if err != nil {
		h.fail(w, r, op.String(), err)
		return resolver.Resolution{}, false
	}
	res, err := h.resolver.Resolve(r.Context(), op, sel)
	if err != nil {
		h.fail(w, r, op.String(), err)
		return resolver.Resolution{}, false
	}
	if res.Kind == resolver.Remote {
		h.redirect(w, r, res.Instance)
		return resolver.Resolution{}, false
	}
	return res, true
}

// single loads the one version a get/head request selects.
func (h *Handler) single(w http.ResponseWriter, r *http.Request, op resolver.Operation) (versions.RecordVersion, int64, bool) {
	res, ok := h.resolve(w, r, op)
	if !ok {
		return versions.RecordVersion{}, 0, false
	}

	ctx := r.Context()
	v, err := h.versions.GetVersion(ctx, res.Target.Record, res.Target.Version)
	if err != nil {
		h.fail(w, r, op.String(), err)
		return versions.RecordVersion{}, 0, false
	}
	refs, err := h.meta.ReferenceCount(ctx, res.Target.Record)
	if err != nil {
		h.fail(w, r, op.String(), err)
		return versions.RecordVersion{}, 0, false
	}
	return v, refs, true
}

// redirect sends the client to the same path and query on another instance.
func (h *Handler) redirect(w http.ResponseWriter, r *http.Request, instance interfaces.InstanceID) {
	if h.directory == nil {
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown instance %s", instance), resolver.ParamInstance, h.log)
		return
	}

	base, err := h.directory.Locate(r.Context(), instance)
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			writeError(w, http.StatusNotFound, err, resolver.ParamInstance, h.log)
			return
		}
		h.log.Error("Instance directory lookup failed", "err", err, "instance", instance.String())
		writeError(w, http.StatusBadGateway, fmt.Errorf("instance directory lookup failed: %w", err), "", h.log)
		return
	}

	target := *base
	target.Path = joinPath(base.Path, r.URL.Path)
	target.RawQuery = r.URL.RawQuery
	h.log.Debug("Redirecting to instance", "instance", instance.String(), "location", target.String())
	http.Redirect(w, r, target.String(), http.StatusTemporaryRedirect)
}

// fail maps err onto a status code and writes the error response.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	status := StatusFor(err)
	field := ""
	var verr *interfaces.ValidationError
	if errors.As(err, &verr) {
		field = verr.Field
	}

	switch {
	case status >= 500:
		h.log.Error("Request failed", "err", err, "op", op, "query", r.URL.RawQuery)
	default:
		h.log.Debug("Request rejected", "err", err, "op", op, slog.Int("status", status))
	}

	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(h.cfg.RetryAfter.Seconds()))))
	}
	writeError(w, status, err, field, h.log)
}

// StatusFor returns the HTTP status code err is reported with.
func StatusFor(err error) int {
	var reqErr *RequestError
	switch {
	case errors.As(err, &reqErr):
		return reqErr.StatusCode
	case interfaces.IsValidation(err):
		return http.StatusBadRequest
	case errors.Is(err, interfaces.ErrTombstoned):
		return http.StatusGone
	case errors.Is(err, interfaces.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, interfaces.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, interfaces.ErrBackendUnavailable), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// retryConflict runs fn and, when enabled, once more after the conflict
// backoff if fn lost the record to another writer.
func retryConflict[T any](ctx context.Context, cfg Config, fn func() (T, error)) (T, error) {
	v, err := fn()
	if err == nil || !cfg.RetryConflicts || !errors.Is(err, interfaces.ErrConflict) {
		return v, err
	}

	timer := time.NewTimer(cfg.ConflictBackoff)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return v, err
	case <-timer.C:
	}
	return fn()
}

// changesFromHeaders builds version changes from the metadata headers of a
// put request. Every value is validated before any storage is touched.
func changesFromHeaders(header http.Header) (versions.Changes, error) {
	var changes versions.Changes
	md := metadata.New()

	if raw := header.Get(api.TagsHeader); raw != "" {
		var tags []string
		if err := json.Unmarshal([]byte(raw), &tags); err != nil {
			return changes, interfaces.NewValidationError("tags", "%s must be a JSON list of strings: %v", api.TagsHeader, err)
		}
		if err := md.SetTags(tags); err != nil {
			return changes, err
		}
		changes.Tags = md.Tags
	}

	if raw := header.Get(api.AttributesHeader); raw != "" {
		var attrs map[string]string
		if err := json.Unmarshal([]byte(raw), &attrs); err != nil {
			return changes, interfaces.NewValidationError("attributes", "%s must be a JSON object of strings: %v", api.AttributesHeader, err)
		}
		if err := md.SetAttributes(attrs); err != nil {
			return changes, err
		}
		changes.Attributes = md.Attributes
	}

	if values := header.Values(api.URIHeader); len(values) > 0 {
		if err := md.SetURI(values[0]); err != nil {
			return changes, err
		}
		changes.URI = &md.URI
	}

	if mt := header.Get("Content-Type"); mt != "" {
		if err := md.SetMIMEType(mt); err != nil {
			return changes, err
		}
		changes.MIMEType = &md.MIMEType
	}
	return changes, nil
}

func setVersionHeaders(header http.Header, v versions.RecordVersion, refs int64) {
	tags, _ := json.Marshal(v.Tags)
	attrs, _ := json.Marshal(v.Attributes)

	contentType := v.MIMEType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	header.Set("Content-Type", contentType)
	header.Set(api.RecordIDHeader, v.RecordID.String())
	header.Set(api.VersionIDHeader, v.ID.String())
	header.Set(api.SequenceHeader, strconv.FormatUint(v.Sequence, 10))
	header.Set(api.CreatedHeader, v.Created.UTC().Format(time.RFC3339Nano))
	header.Set(api.ContentIDHeader, v.Payload.ContentID.String())
	header.Set(api.TagsHeader, string(tags))
	header.Set(api.AttributesHeader, string(attrs))
	header.Set(api.URIHeader, v.URI)
	header.Set(api.ReferencesHeader, strconv.FormatInt(refs, 10))
}

func summarize(v versions.RecordVersion) api.Summary {
	return api.Summary{
		Sequence:   v.Sequence,
		Created:    v.Created,
		Tags:       v.Tags,
		Attributes: v.Attributes,
		URI:        v.URI,
		MIMEType:   v.MIMEType,
		ContentID:  v.Payload.ContentID,
		Size:       v.Payload.Size,
	}
}

func joinPath(base, p string) string {
	for len(base) > 0 && base[len(base)-1] == '/' {
		base = base[:len(base)-1]
	}
	return base + p
}

func writeJSON(w http.ResponseWriter, status int, v any, log *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error("Failed to encode response", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error, field string, log *slog.Logger) {
	writeJSON(w, status, api.ErrorResponse{Error: err.Error(), Field: field}, log)
}
