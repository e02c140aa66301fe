// Package instancedir locates other storage instances so that requests
// addressed to them can be redirected. Instances are found in a static table
// (from the config file or a YAML file of its own) or through DNS TXT records.
package instancedir

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"

	"github.com/mzekb/mze-storage/interfaces"
	"gopkg.in/yaml.v3"
)

// Static is a fixed instance table.
type Static struct {
	instances map[interfaces.InstanceID]*url.URL
}

// StaticFile is the on-disk form of a static table.
type StaticFile struct {
	Instances map[string]string `yaml:"instances"`
}

// NewStatic builds a table from instance id to API base URL strings.
func NewStatic(entries map[string]string) (*Static, error) {
	instances := make(map[interfaces.InstanceID]*url.URL, len(entries))
	for rawID, rawURL := range entries {
		id, err := interfaces.ParseInstanceID(rawID)
		if err != nil {
			return nil, err
		}
		u, err := parseBaseURL(rawURL)
		if err != nil {
			return nil, fmt.Errorf("instance %s: %w", id, err)
		}
		instances[id] = u
	}
	return &Static{instances: instances}, nil
}

// LoadStatic reads a YAML instance table:
//
//	instances:
//	  4b0c2a8e-...: https://notes.example.org
func LoadStatic(path string) (*Static, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read instance table: %w", err)
	}
	var f StaticFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse instance table: %w", err)
	}
	return NewStatic(f.Instances)
}

// Locate returns the base URL of instance.
func (s *Static) Locate(ctx context.Context, instance interfaces.InstanceID) (*url.URL, error) {
	u, ok := s.instances[instance]
	if !ok {
		return nil, fmt.Errorf("%w: instance %s", interfaces.ErrNotFound, instance)
	}
	c := *u
	return &c, nil
}

// Len returns the number of known instances.
func (s *Static) Len() int {
	return len(s.instances)
}

func parseBaseURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q in %q", u.Scheme, raw)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("missing host in %q", raw)
	}
	return u, nil
}

// Chain consults several directories in order.
type Chain []interfaces.InstanceDirectory

// Locate returns the first answer that is not ErrNotFound.
func (c Chain) Locate(ctx context.Context, instance interfaces.InstanceID) (*url.URL, error) {
	for _, dir := range c {
		u, err := dir.Locate(ctx, instance)
		if err == nil {
			return u, nil
		}
		if !errors.Is(err, interfaces.ErrNotFound) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: instance %s", interfaces.ErrNotFound, instance)
}
