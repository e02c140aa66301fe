// Package shard maps record identifiers to storage locations with fixed-depth
// prefix sharding.
//
// An identifier's 32-character hex form selects a first-level bucket with its
// first two characters and a second-level bucket with the next two; the leaf
// is named by the full canonical identifier:
//
//	<root>/3f/a2/3fa2c1e4-....
//
// This bounds every bucket level to at most 256 entries regardless of the
// number of records stored.
package shard

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/mzekb/mze-storage/interfaces"
)

// Index locates records below a root directory. It holds no state beyond the root.
type Index struct {
	root string
}

// New creates an index rooted at root.
func New(root string) *Index {
	return &Index{root: root}
}

// Root returns the root directory of the index.
func (i *Index) Root() string {
	return i.root
}

// Locate returns the leaf path for id. Deterministic and side-effect free.
func (i *Index) Locate(id interfaces.RecordID) string {
	h := id.Hex()
	return filepath.Join(i.root, h[0:2], h[2:4], id.String())
}

// WalkFunc is called for every leaf found by Walk. Returning fs.SkipAll stops
// the walk without error.
type WalkFunc func(id interfaces.RecordID, path string) error

// Walk visits every leaf in lexical bucket order. Entries that are not in a
// matching bucket or are not canonical identifiers are skipped, which keeps
// staging leftovers and foreign files out of listings.
func (i *Index) Walk(ctx context.Context, fn WalkFunc) error {
	err := i.walk(ctx, fn)
	if errors.Is(err, fs.SkipAll) {
		return nil
	}
	return err
}

func (i *Index) walk(ctx context.Context, fn WalkFunc) error {
	return i.buckets(ctx, func(b1, b2, bucket string) error {
		leaves, err := os.ReadDir(bucket)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}

		for _, leaf := range leaves {
			id, err := interfaces.ParseRecordID(leaf.Name())
			if err != nil {
				continue
			}
			h := id.Hex()
			if h[0:2] != b1 || h[2:4] != b2 {
				continue
			}
			if err := fn(id, filepath.Join(bucket, leaf.Name())); err != nil {
				return err
			}
		}
		return nil
	})
}

// Buckets calls fn with the path of every second-level bucket, in lexical
// order. Maintenance passes use it to find entries Walk skips.
func (i *Index) Buckets(ctx context.Context, fn func(dir string) error) error {
	err := i.buckets(ctx, func(_, _, bucket string) error { return fn(bucket) })
	if errors.Is(err, fs.SkipAll) {
		return nil
	}
	return err
}

func (i *Index) buckets(ctx context.Context, fn func(b1, b2, bucket string) error) error {
	level1, err := readBuckets(i.root)
	if err != nil {
		return err
	}

	for _, b1 := range level1 {
		level2, err := readBuckets(filepath.Join(i.root, b1))
		if err != nil {
			return err
		}

		for _, b2 := range level2 {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := fn(b1, b2, filepath.Join(i.root, b1, b2)); err != nil {
				return err
			}
		}
	}

	return nil
}

// readBuckets returns the sorted names of bucket directories in dir.
// A missing directory has no buckets.
func readBuckets(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	buckets := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() && isBucketName(e.Name()) {
			buckets = append(buckets, e.Name())
		}
	}
	return buckets, nil
}

func isBucketName(name string) bool {
	if len(name) != 2 {
		return false
	}
	for _, c := range name {
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			return false
		}
	}
	return true
}
