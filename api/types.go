package api

import (
	"context"
	"time"

	"github.com/mzekb/mze-storage/interfaces"
)

// Header names used by the storage API for version metadata.
const (
	// TagsHeader carries the version's tags as a JSON list.
	TagsHeader = "X-Record-Tags"

	// AttributesHeader carries the version's attributes as a JSON object.
	AttributesHeader = "X-Record-Attributes"

	// URIHeader carries the version's URI.
	URIHeader = "X-Record-URI"

	RecordIDHeader   = "X-Record-Id"
	VersionIDHeader  = "X-Version-Id"
	SequenceHeader   = "X-Version-Sequence"
	ReferencesHeader = "X-Record-References"
	ContentIDHeader  = "X-Content-Id"
	CreatedHeader    = "X-Version-Created"
)

// PutResponse is returned by PUT /put.
type PutResponse struct {
	RecordID  interfaces.RecordID  `json:"record_id"`
	VersionID interfaces.VersionID `json:"version_id"`
}

// Summary describes one record version in a list response.
type Summary struct {
	Sequence   uint64               `json:"sequence"`
	Created    time.Time            `json:"created"`
	Tags       []string             `json:"tags"`
	Attributes map[string]string    `json:"attributes"`
	URI        string               `json:"uri,omitempty"`
	MIMEType   string               `json:"mime_type,omitempty"`
	ContentID  interfaces.ContentID `json:"content_id"`
	Size       int64                `json:"size"`
}

// ListResponse maps record ids to their matched versions.
type ListResponse map[interfaces.RecordID]map[interfaces.VersionID]Summary

// DeleteResponse is returned by DELETE /delete.
type DeleteResponse struct {
	Tombstoned []interfaces.RecordID `json:"tombstoned"`
}

// ReferencesResponse is returned by POST /references.
type ReferencesResponse struct {
	RecordID   interfaces.RecordID `json:"record_id"`
	References int64               `json:"references"`
}

// FsckResponse is returned by POST /fsck.
type FsckResponse struct {
	Records            int                   `json:"records"`
	StagingRemoved     int                   `json:"staging_removed"`
	TempFilesRemoved   int                   `json:"temp_files_removed"`
	TrashRemoved       int                   `json:"trash_removed"`
	OrphansRemoved     []interfaces.RecordID `json:"orphans_removed"`
	MirrorsRepaired    []interfaces.RecordID `json:"mirrors_repaired"`
	TombstonesRepaired []interfaces.RecordID `json:"tombstones_repaired"`
	Failed             []interfaces.RecordID `json:"failed"`
}

// ErrorResponse is the JSON body of every non-2xx API response.
type ErrorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

// VersionInfo is the metadata returned in get/head response headers.
type VersionInfo struct {
	RecordID   interfaces.RecordID
	VersionID  interfaces.VersionID
	Sequence   uint64
	Created    time.Time
	ContentID  interfaces.ContentID
	Size       int64
	Tags       []string
	Attributes map[string]string
	URI        string
	MIMEType   string
	References int64
}

// PutOptions carries the metadata of a put. Nil fields are copied forward
// from the previous version.
type PutOptions struct {
	Tags       []string
	Attributes map[string]string
	URI        *string
	MIMEType   string
}

// StorageProvider is the record storage API as seen by clients.
type StorageProvider interface {
	List(ctx context.Context, sel interfaces.Selector) (ListResponse, error)
	Put(ctx context.Context, sel interfaces.Selector, payload []byte, opts PutOptions) (*PutResponse, error)
	Get(ctx context.Context, sel interfaces.Selector) (*VersionInfo, []byte, error)
	Head(ctx context.Context, sel interfaces.Selector) (*VersionInfo, error)
	Delete(ctx context.Context, sel interfaces.Selector, reason string) (*DeleteResponse, error)
	AdjustReferences(ctx context.Context, record interfaces.RecordID, delta int64) (*ReferencesResponse, error)
	Fsck(ctx context.Context) (*FsckResponse, error)
}
