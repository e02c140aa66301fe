package storageapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mzekb/mze-storage/api"
	"github.com/mzekb/mze-storage/interfaces"
	"github.com/mzekb/mze-storage/resolver"
	"github.com/stretchr/testify/mock"
)

// Client implements api.StorageProvider against a remote storage server.
// Redirects to other instances are followed by the underlying http.Client.
type Client struct {
	// ServerAddr is the base URL of the storage server
	ServerAddr string

	// HTTPClient is used for requests; http.DefaultClient when nil
	HTTPClient *http.Client
}

var _ api.StorageProvider = (*Client)(nil)

// NewClient creates a client for the server at addr.
func NewClient(addr string) *Client {
	return &Client{ServerAddr: strings.TrimRight(addr, "/")}
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body []byte, header http.Header) (*http.Response, error) {
	u := c.ServerAddr + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, err
	}
	for k, vs := range header {
		req.Header[k] = vs
	}

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("could not request %s endpoint: %w", path, err)
	}
	return resp, nil
}

// List returns summaries of the versions matching sel.
func (c *Client) List(ctx context.Context, sel interfaces.Selector) (api.ListResponse, error) {
	resp, err := c.do(ctx, http.MethodGet, "/list", resolver.Encode(sel), nil, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, decodeError(resp)
	}

	var out api.ListResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("could not parse list response: %w", err)
	}
	return out, nil
}

// Put creates a new record (record selector absent) or a new version of an
// existing record.
func (c *Client) Put(ctx context.Context, sel interfaces.Selector, payload []byte, opts api.PutOptions) (*api.PutResponse, error) {
	header := http.Header{}
	if opts.Tags != nil {
		raw, err := json.Marshal(opts.Tags)
		if err != nil {
			return nil, err
		}
		header.Set(api.TagsHeader, string(raw))
	}
	if opts.Attributes != nil {
		raw, err := json.Marshal(opts.Attributes)
		if err != nil {
			return nil, err
		}
		header.Set(api.AttributesHeader, string(raw))
	}
	if opts.URI != nil {
		header.Set(api.URIHeader, *opts.URI)
	}
	if opts.MIMEType != "" {
		header.Set("Content-Type", opts.MIMEType)
	}
	if payload == nil {
		payload = []byte{}
	}

	resp, err := c.do(ctx, http.MethodPut, "/put", resolver.Encode(sel), payload, header)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return nil, decodeError(resp)
	}

	var out api.PutResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("could not parse put response: %w", err)
	}
	return &out, nil
}

// Get returns one version's metadata and payload.
func (c *Client) Get(ctx context.Context, sel interfaces.Selector) (*api.VersionInfo, []byte, error) {
	resp, err := c.do(ctx, http.MethodGet, "/get", resolver.Encode(sel), nil, nil)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, nil, decodeError(resp)
	}

	info, err := ParseVersionInfo(resp.Header)
	if err != nil {
		return nil, nil, err
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("could not read payload: %w", err)
	}
	info.Size = int64(len(data))
	return info, data, nil
}

// Head returns one version's metadata without the payload.
func (c *Client) Head(ctx context.Context, sel interfaces.Selector) (*api.VersionInfo, error) {
	resp, err := c.do(ctx, http.MethodHead, "/head", resolver.Encode(sel), nil, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp.StatusCode, api.ErrorResponse{Error: resp.Status})
	}
	info, err := ParseVersionInfo(resp.Header)
	if err != nil {
		return nil, err
	}
	if resp.ContentLength >= 0 {
		info.Size = resp.ContentLength
	}
	return info, nil
}

// Delete tombstones the record selected by sel.
func (c *Client) Delete(ctx context.Context, sel interfaces.Selector, reason string) (*api.DeleteResponse, error) {
	query := resolver.Encode(sel)
	if reason != "" {
		query.Set(ReasonParam, reason)
	}

	resp, err := c.do(ctx, http.MethodDelete, "/delete", query, nil, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, decodeError(resp)
	}

	var out api.DeleteResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("could not parse delete response: %w", err)
	}
	return &out, nil
}

// AdjustReferences changes the reference count of record by delta.
func (c *Client) AdjustReferences(ctx context.Context, record interfaces.RecordID, delta int64) (*api.ReferencesResponse, error) {
	query := url.Values{}
	query.Set(resolver.ParamRecord, record.String())
	query.Set(DeltaParam, strconv.FormatInt(delta, 10))

	resp, err := c.do(ctx, http.MethodPost, "/references", query, nil, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, decodeError(resp)
	}

	var out api.ReferencesResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("could not parse references response: %w", err)
	}
	return &out, nil
}

// Fsck asks the instance to run a consistency pass over its records.
func (c *Client) Fsck(ctx context.Context) (*api.FsckResponse, error) {
	resp, err := c.do(ctx, http.MethodPost, "/fsck", nil, nil, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, decodeError(resp)
	}

	var out api.FsckResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("could not parse fsck response: %w", err)
	}
	return &out, nil
}

// ParseVersionInfo reads the version metadata headers of a get/head response.
func ParseVersionInfo(header http.Header) (*api.VersionInfo, error) {
	info := &api.VersionInfo{
		URI:      header.Get(api.URIHeader),
		MIMEType: header.Get("Content-Type"),
	}

	var err error
	if info.RecordID, err = interfaces.ParseRecordID(header.Get(api.RecordIDHeader)); err != nil {
		return nil, fmt.Errorf("bad %s header: %w", api.RecordIDHeader, err)
	}
	if info.VersionID, err = interfaces.ParseVersionID(header.Get(api.VersionIDHeader)); err != nil {
		return nil, fmt.Errorf("bad %s header: %w", api.VersionIDHeader, err)
	}
	if info.Sequence, err = strconv.ParseUint(header.Get(api.SequenceHeader), 10, 64); err != nil {
		return nil, fmt.Errorf("bad %s header: %w", api.SequenceHeader, err)
	}
	if raw := header.Get(api.CreatedHeader); raw != "" {
		if info.Created, err = time.Parse(time.RFC3339Nano, raw); err != nil {
			return nil, fmt.Errorf("bad %s header: %w", api.CreatedHeader, err)
		}
	}
	if raw := header.Get(api.ContentIDHeader); raw != "" {
		if info.ContentID, err = interfaces.NewContentIDFromHex(raw); err != nil {
			return nil, fmt.Errorf("bad %s header: %w", api.ContentIDHeader, err)
		}
	}
	if raw := header.Get(api.ReferencesHeader); raw != "" {
		if info.References, err = strconv.ParseInt(raw, 10, 64); err != nil {
			return nil, fmt.Errorf("bad %s header: %w", api.ReferencesHeader, err)
		}
	}
	if raw := header.Get(api.TagsHeader); raw != "" {
		if err := json.Unmarshal([]byte(raw), &info.Tags); err != nil {
			return nil, fmt.Errorf("bad %s header: %w", api.TagsHeader, err)
		}
	}
	if raw := header.Get(api.AttributesHeader); raw != "" {
		if err := json.Unmarshal([]byte(raw), &info.Attributes); err != nil {
			return nil, fmt.Errorf("bad %s header: %w", api.AttributesHeader, err)
		}
	}
	if raw := header.Get("Content-Length"); raw != "" {
		if info.Size, err = strconv.ParseInt(raw, 10, 64); err != nil {
			return nil, fmt.Errorf("bad Content-Length header: %w", err)
		}
	}
	return info, nil
}

func decodeError(resp *http.Response) error {
	var body api.ErrorResponse
	raw, err := io.ReadAll(resp.Body)
	if err != nil || json.Unmarshal(raw, &body) != nil || body.Error == "" {
		body = api.ErrorResponse{Error: strings.TrimSpace(string(raw))}
	}
	return statusError(resp.StatusCode, body)
}

// statusError maps an error response back onto the error taxonomy so that
// callers can use errors.Is / errors.As as they would locally.
func statusError(status int, body api.ErrorResponse) error {
	switch status {
	case http.StatusBadRequest:
		field := body.Field
		if field == "" {
			field = "request"
		}
		return &interfaces.ValidationError{Field: field, Reason: body.Error}
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", interfaces.ErrNotFound, body.Error)
	case http.StatusGone:
		return fmt.Errorf("%w: %s", interfaces.ErrTombstoned, body.Error)
	case http.StatusConflict:
		return fmt.Errorf("%w: %s", interfaces.ErrConflict, body.Error)
	case http.StatusServiceUnavailable:
		return fmt.Errorf("%w: %s", interfaces.ErrBackendUnavailable, body.Error)
	}
	return fmt.Errorf("server returned error %d: %s", status, body.Error)
}

// MockProvider implements a mock api.StorageProvider for testing.
type MockProvider struct {
	mock.Mock
}

func (m *MockProvider) List(ctx context.Context, sel interfaces.Selector) (api.ListResponse, error) {
	args := m.Called(ctx, sel)
	return args.Get(0).(api.ListResponse), args.Error(1)
}

func (m *MockProvider) Put(ctx context.Context, sel interfaces.Selector, payload []byte, opts api.PutOptions) (*api.PutResponse, error) {
	args := m.Called(ctx, sel, payload, opts)
	return args.Get(0).(*api.PutResponse), args.Error(1)
}

func (m *MockProvider) Get(ctx context.Context, sel interfaces.Selector) (*api.VersionInfo, []byte, error) {
	args := m.Called(ctx, sel)
	return args.Get(0).(*api.VersionInfo), args.Get(1).([]byte), args.Error(2)
}

func (m *MockProvider) Head(ctx context.Context, sel interfaces.Selector) (*api.VersionInfo, error) {
	args := m.Called(ctx, sel)
	return args.Get(0).(*api.VersionInfo), args.Error(1)
}

func (m *MockProvider) Delete(ctx context.Context, sel interfaces.Selector, reason string) (*api.DeleteResponse, error) {
	args := m.Called(ctx, sel, reason)
	return args.Get(0).(*api.DeleteResponse), args.Error(1)
}

func (m *MockProvider) AdjustReferences(ctx context.Context, record interfaces.RecordID, delta int64) (*api.ReferencesResponse, error) {
	args := m.Called(ctx, record, delta)
	return args.Get(0).(*api.ReferencesResponse), args.Error(1)
}

func (m *MockProvider) Fsck(ctx context.Context) (*api.FsckResponse, error) {
	args := m.Called(ctx)
	return args.Get(0).(*api.FsckResponse), args.Error(1)
}
