// Package resolver turns instance/record/version selectors into concrete
// targets for one operation.
package resolver

import (
	"context"
	"errors"
	"fmt"

	"github.com/mzekb/mze-storage/interfaces"
	"github.com/mzekb/mze-storage/layout"
)

// Operation is a StorageAPI operation.
type Operation int

const (
	OpList Operation = iota
	OpGet
	OpHead
	OpPut
	OpDelete
)

func (op Operation) String() string {
	switch op {
	case OpList:
		return "list"
	case OpGet:
		return "get"
	case OpHead:
		return "head"
	case OpPut:
		return "put"
	case OpDelete:
		return "delete"
	}
	return fmt.Sprintf("operation(%d)", int(op))
}

// Kind says what a Resolution carries.
type Kind int

const (
	// Remote: the request belongs to another instance.
	Remote Kind = iota
	// Single: exactly one existing record version.
	Single
	// Set: zero or more record versions.
	Set
	// NewRecord: a put that allocates a new record.
	NewRecord
)

// Target is one concrete record version.
type Target struct {
	Record  interfaces.RecordID
	Version interfaces.VersionID
}

// Resolution is the outcome of resolving a selector.
type Resolution struct {
	Kind     Kind
	Instance interfaces.InstanceID // Remote only
	Target   Target                // Single only; Version is pinned to a concrete id
	Targets  []Target              // Set only, in record walk order then version order
}

// Catalog is the read view the resolver needs from the version store.
type Catalog interface {
	Records(ctx context.Context, fn func(interfaces.RecordID) error) error
	ListVersions(ctx context.Context, id interfaces.RecordID) ([]layout.VersionEntry, error)
}

// Resolver resolves selectors on behalf of one instance.
type Resolver struct {
	self    interfaces.InstanceID
	catalog Catalog
}

// New creates a resolver for instance self.
func New(self interfaces.InstanceID, catalog Catalog) *Resolver {
	return &Resolver{self: self, catalog: catalog}
}

// Self returns the local instance id.
func (r *Resolver) Self() interfaces.InstanceID {
	return r.self
}

// Validate checks that sel is a valid combination for op without touching
// storage.
func Validate(op Operation, sel interfaces.Selector) error {
	switch op {
	case OpList:
		if sel.Version.Is(interfaces.SelectSpecific) && !sel.Record.Is(interfaces.SelectSpecific) {
			return interfaces.NewValidationError(ParamRecord, "a version id requires a record id")
		}
	case OpGet, OpHead:
		if sel.Instance.Is(interfaces.SelectAll) {
			return interfaces.NewValidationError(ParamInstance, "%q is not accepted for %s", LiteralAll, op)
		}
		if !sel.Record.Is(interfaces.SelectSpecific) {
			return interfaces.NewValidationError(ParamRecord, "required for %s", op)
		}
		if sel.Version.Is(interfaces.SelectAll) {
			return interfaces.NewValidationError(ParamVersion, "%q is not accepted for %s", LiteralAll, op)
		}
	case OpPut:
		if sel.Instance.Is(interfaces.SelectAll) {
			return interfaces.NewValidationError(ParamInstance, "%q is not accepted for %s", LiteralAll, op)
		}
		if !sel.Version.Is(interfaces.SelectAbsent) {
			return interfaces.NewValidationError(ParamVersion, "version ids are assigned by the server")
		}
	case OpDelete:
		if !sel.Record.Is(interfaces.SelectSpecific) {
			return interfaces.NewValidationError(ParamRecord, "required for %s", op)
		}
		if sel.Version.Is(interfaces.SelectSpecific) {
			return interfaces.NewValidationError(ParamVersion, "single versions cannot be deleted")
		}
	default:
		return fmt.Errorf("unknown operation %d", int(op))
	}
	return nil
}

// Resolve validates sel for op and resolves it against local storage.
// Selectors naming another instance resolve to Remote without touching
// storage.
func (r *Resolver) Resolve(ctx context.Context, op Operation, sel interfaces.Selector) (Resolution, error) {
	if err := Validate(op, sel); err != nil {
		return Resolution{}, err
	}

	if sel.Instance.Is(interfaces.SelectSpecific) && sel.Instance.ID != r.self {
		return Resolution{Kind: Remote, Instance: sel.Instance.ID}, nil
	}

	switch op {
	case OpList:
		return r.resolveList(ctx, sel)
	case OpPut:
		if sel.Record.Is(interfaces.SelectAbsent) {
			return Resolution{Kind: NewRecord}, nil
		}
	}

	target, err := r.pin(ctx, sel.Record.ID, sel.Version)
	if err != nil {
		return Resolution{}, err
	}
	return Resolution{Kind: Single, Target: target}, nil
}

// pin resolves one record and version selector to a concrete version.
func (r *Resolver) pin(ctx context.Context, record interfaces.RecordID, version interfaces.VersionSelector) (Target, error) {
	entries, err := r.catalog.ListVersions(ctx, record)
	if err != nil {
		return Target{}, err
	}

	if !version.Is(interfaces.SelectSpecific) {
		return Target{Record: record, Version: entries[len(entries)-1].ID}, nil
	}
	for _, e := range entries {
		if e.ID == version.ID {
			return Target{Record: record, Version: e.ID}, nil
		}
	}
	return Target{}, fmt.Errorf("%w: version %s of record %s", interfaces.ErrNotFound, version.ID, record)
}

func (r *Resolver) resolveList(ctx context.Context, sel interfaces.Selector) (Resolution, error) {
	res := Resolution{Kind: Set, Targets: []Target{}}

	expand := func(record interfaces.RecordID) error {
		entries, err := r.catalog.ListVersions(ctx, record)
		if errors.Is(err, interfaces.ErrNotFound) {
			// Gone or tombstoned: nothing matches.
			return nil
		}
		if err != nil {
			return err
		}

		switch sel.Version.Kind {
		case interfaces.SelectAll:
			for _, e := range entries {
				res.Targets = append(res.Targets, Target{Record: record, Version: e.ID})
			}
		case interfaces.SelectSpecific:
			for _, e := range entries {
				if e.ID == sel.Version.ID {
					res.Targets = append(res.Targets, Target{Record: record, Version: e.ID})
				}
			}
		default:
			res.Targets = append(res.Targets, Target{Record: record, Version: entries[len(entries)-1].ID})
		}
		return nil
	}

	if sel.Record.Is(interfaces.SelectSpecific) {
		if err := expand(sel.Record.ID); err != nil {
			return Resolution{}, err
		}
		return res, nil
	}

	if err := r.catalog.Records(ctx, expand); err != nil {
		return Resolution{}, err
	}
	return res, nil
}
