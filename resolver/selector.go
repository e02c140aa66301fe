package resolver

import (
	"net/url"
	"slices"

	"github.com/mzekb/mze-storage/interfaces"
)

// Query parameter names and literal selector values.
const (
	ParamInstance = "instance"
	ParamRecord   = "record"
	ParamVersion  = "version"

	LiteralAny = "any"
	LiteralAll = "all"
)

// ParseSelector builds a Selector from query parameters. An empty value is
// the same as a missing one. Keys other than the three selector fields and
// extra are rejected.
func ParseSelector(query url.Values, extra ...string) (interfaces.Selector, error) {
	var sel interfaces.Selector

	for key, values := range query {
		switch key {
		case ParamInstance, ParamRecord, ParamVersion:
		default:
			if !slices.Contains(extra, key) {
				return sel, interfaces.NewValidationError(key, "unknown query parameter")
			}
		}
		if len(values) > 1 {
			return sel, interfaces.NewValidationError(key, "given %d times", len(values))
		}
	}

	var err error
	if sel.Instance, err = parseInstance(query.Get(ParamInstance)); err != nil {
		return sel, err
	}
	if sel.Record, err = parseRecord(query.Get(ParamRecord)); err != nil {
		return sel, err
	}
	if sel.Version, err = parseVersion(query.Get(ParamVersion)); err != nil {
		return sel, err
	}
	return sel, nil
}

func parseInstance(v string) (interfaces.InstanceSelector, error) {
	switch v {
	case "":
		return interfaces.Absent[interfaces.InstanceID](), nil
	case LiteralAny:
		return interfaces.Any[interfaces.InstanceID](), nil
	case LiteralAll:
		return interfaces.All[interfaces.InstanceID](), nil
	}
	id, err := interfaces.ParseInstanceID(v)
	if err != nil {
		return interfaces.InstanceSelector{}, interfaces.NewValidationError(ParamInstance, "%v", err)
	}
	return interfaces.Specific(id), nil
}

func parseRecord(v string) (interfaces.RecordSelector, error) {
	switch v {
	case "":
		return interfaces.Absent[interfaces.RecordID](), nil
	case LiteralAny, LiteralAll:
		return interfaces.RecordSelector{}, interfaces.NewValidationError(ParamRecord, "%q is not accepted for records", v)
	}
	id, err := interfaces.ParseRecordID(v)
	if err != nil {
		return interfaces.RecordSelector{}, interfaces.NewValidationError(ParamRecord, "%v", err)
	}
	return interfaces.Specific(id), nil
}

func parseVersion(v string) (interfaces.VersionSelector, error) {
	switch v {
	case "":
		return interfaces.Absent[interfaces.VersionID](), nil
	case LiteralAll:
		return interfaces.All[interfaces.VersionID](), nil
	case LiteralAny:
		return interfaces.VersionSelector{}, interfaces.NewValidationError(ParamVersion, "%q is not accepted for versions", v)
	}
	id, err := interfaces.ParseVersionID(v)
	if err != nil {
		return interfaces.VersionSelector{}, interfaces.NewValidationError(ParamVersion, "%v", err)
	}
	return interfaces.Specific(id), nil
}

// Encode renders sel back into query parameters; absent fields are omitted.
func Encode(sel interfaces.Selector) url.Values {
	q := url.Values{}
	switch sel.Instance.Kind {
	case interfaces.SelectAny:
		q.Set(ParamInstance, LiteralAny)
	case interfaces.SelectAll:
		q.Set(ParamInstance, LiteralAll)
	case interfaces.SelectSpecific:
		q.Set(ParamInstance, sel.Instance.ID.String())
	}
	if sel.Record.Is(interfaces.SelectSpecific) {
		q.Set(ParamRecord, sel.Record.ID.String())
	}
	switch sel.Version.Kind {
	case interfaces.SelectAll:
		q.Set(ParamVersion, LiteralAll)
	case interfaces.SelectSpecific:
		q.Set(ParamVersion, sel.Version.ID.String())
	}
	return q
}
