package interfaces

import (
	"context"
	"net/url"
)

// InstanceDirectory maps instance identifiers to the base URL of the storage
// API they serve. It backs redirects for requests addressed to other instances.
type InstanceDirectory interface {
	// Locate returns the API base URL of instance, or ErrNotFound.
	Locate(ctx context.Context, instance InstanceID) (*url.URL, error)
}
