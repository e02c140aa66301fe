package interfaces

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ContentID is a 32-byte SHA-256 hash uniquely identifying a payload blob.
type ContentID [32]byte

// NewContentIDFromHex parses a 64-character hex content ID.
func NewContentIDFromHex(source string) (ContentID, error) {
	// Remove 0x prefix if present
	clean := strings.TrimPrefix(source, "0x")
	if len(clean) != 64 {
		return ContentID{}, errors.New("invalid content ID length: hex string must be 64 characters")
	}

	hashBytes, err := hex.DecodeString(clean)
	if err != nil {
		return ContentID{}, fmt.Errorf("invalid hex format: %w", err)
	}

	var hash [32]byte
	copy(hash[:], hashBytes)
	return ContentID(hash), nil
}

// ComputeID calculates content ID from data.
func ComputeID(data []byte) ContentID {
	return ContentID(sha256.Sum256(data))
}

// String returns hex representation.
func (id ContentID) String() string {
	return hex.EncodeToString(id[:])
}

// Short returns the first 8 bytes in hex, for logging.
func (id ContentID) Short() string {
	return hex.EncodeToString(id[:8])
}

// Equal compares two content IDs.
func (id ContentID) Equal(other ContentID) bool {
	return bytes.Equal(id[:], other[:])
}

func (id ContentID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }

func (id *ContentID) UnmarshalText(b []byte) error {
	parsed, err := NewContentIDFromHex(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// PayloadRef locates a version's payload in the blob backend.
type PayloadRef struct {
	ContentID ContentID `json:"content_id"`
	Size      int64     `json:"size"`
	Backend   string    `json:"backend"`
}

// BackendLocation represents URI for a blob backend.
type BackendLocation struct {
	Raw    string     // Original URI
	Scheme string     // Protocol
	Host   string     // Hostname
	Path   string     // Resource path
	Query  url.Values // Query parameters
	User   *url.Userinfo
}

// NewBackendLocation creates a new backend location from a URI string with validation.
func NewBackendLocation(uri string) (BackendLocation, error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return BackendLocation{}, fmt.Errorf("%w: %v", ErrInvalidLocationURI, err)
	}

	switch parsed.Scheme {
	case "file", "s3", "ipfs", "github", "vault":
	default:
		return BackendLocation{}, fmt.Errorf("%w: unsupported storage scheme %q", ErrInvalidLocationURI, parsed.Scheme)
	}

	return BackendLocation{
		Raw:    uri,
		Scheme: parsed.Scheme,
		Host:   parsed.Host,
		Path:   parsed.Path,
		Query:  parsed.Query(),
		User:   parsed.User,
	}, nil
}

// String returns the original URI string.
func (loc BackendLocation) String() string {
	return loc.Raw
}

// GetParam returns a query parameter value.
func (loc BackendLocation) GetParam(name string) string {
	return loc.Query.Get(name)
}

// GetParamBool returns a boolean query parameter value.
func (loc BackendLocation) GetParamBool(name string) bool {
	value := loc.Query.Get(name)
	return value == "true" || value == "1" || value == "yes"
}

// BlobBackend provides content-addressed payload storage.
type BlobBackend interface {
	// Fetch retrieves data by content ID.
	Fetch(ctx context.Context, id ContentID) ([]byte, error)

	// Store saves data and returns its content ID.
	Store(ctx context.Context, data []byte) (ContentID, error)

	// Available checks if backend is accessible.
	Available(ctx context.Context) bool

	// Name returns identifier for logging.
	Name() string

	// LocationURI returns URI identifying this backend.
	LocationURI() string
}

// BlobBackendFactory creates blob backends.
type BlobBackendFactory interface {
	// BackendFor creates backend from a location.
	// Supports file://, s3://, ipfs://, github://, vault://
	BackendFor(location BackendLocation) (BlobBackend, error)

	// CreateMultiBackend creates aggregated blob backend.
	CreateMultiBackend(locations []BackendLocation) (BlobBackend, error)
}
