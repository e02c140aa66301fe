package storage

import (
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/mzekb/mze-storage/interfaces"
)

// BackendFactory creates blob backends from location URIs.
type BackendFactory struct {
	log *slog.Logger
}

// NewBackendFactory creates a backend factory.
func NewBackendFactory(logger *slog.Logger) *BackendFactory {
	return &BackendFactory{log: logger}
}

// BackendFor creates a blob backend from a location.
//
// Supported schemes:
//   - file:///var/lib/mze/blobs
//   - s3://[ACCESS_KEY:SECRET_KEY@]bucket/prefix?region=eu-west-1&endpoint=http://minio:9000&path_style=true
//   - ipfs://host:5001/mfs-root?timeout=30s
//   - vault://vault.example.com:8200/mount/path?token=...&tls=false
//   - github://owner/repo/dir?ref=main (read-only)
func (sf *BackendFactory) BackendFor(loc interfaces.BackendLocation) (interfaces.BlobBackend, error) {
	switch strings.ToLower(loc.Scheme) {
	case "file":
		return sf.createFileBackend(loc)
	case "s3":
		return sf.createS3Backend(loc)
	case "ipfs":
		return sf.createIPFSBackend(loc)
	case "vault":
		return sf.createVaultBackend(loc)
	case "github":
		return sf.createGitHubBackend(loc)
	default:
		return nil, fmt.Errorf("%w: unsupported backend scheme: %s", interfaces.ErrInvalidLocationURI, loc.Scheme)
	}
}

// CreateMultiBackend creates a multi backend from all locations that yield a
// valid backend. It fails if none do.
func (sf *BackendFactory) CreateMultiBackend(locations []interfaces.BackendLocation) (interfaces.BlobBackend, error) {
	backends := make([]interfaces.BlobBackend, 0, len(locations))

	for _, loc := range locations {
		backend, err := sf.BackendFor(loc)
		if err != nil {
			sf.log.Warn("Failed to create storage backend",
				"err", err,
				slog.String("locationURI", loc.String()))
			continue
		}
		backends = append(backends, backend)
	}

	if len(backends) == 0 {
		return nil, fmt.Errorf("no valid storage backends created")
	}
	if len(backends) == 1 {
		return backends[0], nil
	}

	return NewMultiBackend(backends, sf.log), nil
}

func parseTimeout(loc interfaces.BackendLocation, def time.Duration) (time.Duration, error) {
	raw := loc.GetParam("timeout")
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: timeout: %v", interfaces.ErrInvalidLocationURI, err)
	}
	return d, nil
}

func (sf *BackendFactory) createFileBackend(loc interfaces.BackendLocation) (interfaces.BlobBackend, error) {
	sf.log.Debug("Creating file backend", slog.String("uri", loc.String()))

	path := loc.Path
	if loc.Host != "" {
		// file://./relative/path
		path = loc.Host + "/" + strings.TrimPrefix(path, "/")
	}
	if path == "" {
		return nil, fmt.Errorf("%w: empty path in file URI: %s", interfaces.ErrInvalidLocationURI, loc.String())
	}

	return NewFileBackend(path, sf.log)
}

func (sf *BackendFactory) createS3Backend(loc interfaces.BackendLocation) (interfaces.BlobBackend, error) {
	sf.log.Debug("Creating S3 backend", slog.String("bucket", loc.Host))

	cfg := S3Config{
		Bucket:    loc.Host,
		Prefix:    strings.TrimPrefix(loc.Path, "/"),
		Region:    loc.GetParam("region"),
		Endpoint:  loc.GetParam("endpoint"),
		PathStyle: loc.GetParamBool("path_style"),
	}
	if loc.User != nil {
		cfg.AccessKey = loc.User.Username()
		cfg.SecretKey, _ = loc.User.Password()
	}

	return NewS3Backend(cfg, sf.log)
}

func (sf *BackendFactory) createIPFSBackend(loc interfaces.BackendLocation) (interfaces.BlobBackend, error) {
	sf.log.Debug("Creating IPFS backend", slog.String("uri", loc.String()))

	host, port, err := net.SplitHostPort(loc.Host)
	if err != nil {
		host, port = loc.Host, "5001"
	}

	timeout, err := parseTimeout(loc, 30*time.Second)
	if err != nil {
		return nil, err
	}

	return NewIPFSBackend(host, port, loc.Path, timeout, sf.log)
}

func (sf *BackendFactory) createVaultBackend(loc interfaces.BackendLocation) (interfaces.BlobBackend, error) {
	sf.log.Debug("Creating Vault backend", slog.String("host", loc.Host))

	parts := strings.SplitN(strings.Trim(loc.Path, "/"), "/", 2)
	mount := parts[0]
	dataPath := ""
	if len(parts) == 2 {
		dataPath = parts[1]
	}

	scheme := "https"
	if v := loc.GetParam("tls"); v == "false" || v == "0" {
		scheme = "http"
	}

	timeout, err := parseTimeout(loc, 30*time.Second)
	if err != nil {
		return nil, err
	}

	return NewVaultBackend(scheme+"://"+loc.Host, mount, dataPath, loc.GetParam("token"), timeout, sf.log)
}

func (sf *BackendFactory) createGitHubBackend(loc interfaces.BackendLocation) (interfaces.BlobBackend, error) {
	sf.log.Debug("Creating GitHub backend", slog.String("uri", loc.String()))

	parts := strings.SplitN(strings.Trim(loc.Path, "/"), "/", 2)
	if loc.Host == "" || parts[0] == "" {
		return nil, fmt.Errorf("%w: expected github://owner/repo[/dir]", interfaces.ErrInvalidLocationURI)
	}
	dir := ""
	if len(parts) == 2 {
		dir = parts[1]
	}

	return NewGitHubBackend(loc.GetParam("api"), loc.Host, parts[0], dir, loc.GetParam("ref"), sf.log), nil
}

var _ interfaces.BlobBackendFactory = (*BackendFactory)(nil)
