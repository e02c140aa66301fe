package interfaces

// SelectorKind is the closed set of forms a selector field can take.
type SelectorKind uint8

const (
	// SelectAbsent means the field was not given.
	SelectAbsent SelectorKind = iota
	// SelectAny matches any single value.
	SelectAny
	// SelectAll applies to every value.
	SelectAll
	// SelectSpecific names exactly one identifier.
	SelectSpecific
)

func (k SelectorKind) String() string {
	switch k {
	case SelectAbsent:
		return "absent"
	case SelectAny:
		return "any"
	case SelectAll:
		return "all"
	case SelectSpecific:
		return "specific"
	}
	return "unknown"
}

// Selected is one selector field. ID is only meaningful for SelectSpecific.
type Selected[T comparable] struct {
	Kind SelectorKind
	ID   T
}

// Absent returns the absent form.
func Absent[T comparable]() Selected[T] { return Selected[T]{Kind: SelectAbsent} }

// Any returns the any form.
func Any[T comparable]() Selected[T] { return Selected[T]{Kind: SelectAny} }

// All returns the all form.
func All[T comparable]() Selected[T] { return Selected[T]{Kind: SelectAll} }

// Specific selects exactly id.
func Specific[T comparable](id T) Selected[T] { return Selected[T]{Kind: SelectSpecific, ID: id} }

// Is reports whether the field has kind k.
func (s Selected[T]) Is(k SelectorKind) bool { return s.Kind == k }

type (
	InstanceSelector = Selected[InstanceID]
	RecordSelector   = Selected[RecordID]
	VersionSelector  = Selected[VersionID]
)

// Selector addresses targets of a request by instance, record and version.
type Selector struct {
	Instance InstanceSelector
	Record   RecordSelector
	Version  VersionSelector
}
