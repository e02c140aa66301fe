package metadata

import (
	"maps"
	"mime"
	"slices"
	"strings"

	"github.com/mzekb/mze-storage/interfaces"
)

// ReservedTag marks removed records internally and cannot be set by clients.
const ReservedTag = "tombstone"

// Metadata is the side-data carried by one version. Tags form a set and are
// kept sorted; attributes are an unordered map.
//
// Mutators validate before changing anything, so a rejected call leaves the
// value untouched.
type Metadata struct {
	Tags       []string          `json:"tags"`
	Attributes map[string]string `json:"attributes"`
	URI        string            `json:"uri"`
	MIMEType   string            `json:"mime_type"`
}

// New returns empty metadata.
func New() Metadata {
	return Metadata{Tags: []string{}, Attributes: map[string]string{}}
}

func checkText(field, s string) error {
	if strings.ContainsAny(s, "\n\r") {
		return interfaces.NewValidationError(field, "%q contains a newline", s)
	}
	return nil
}

func checkTag(tag string) error {
	if err := checkText("tag", tag); err != nil {
		return err
	}
	if tag == "" {
		return interfaces.NewValidationError("tag", "empty tag")
	}
	if tag == ReservedTag {
		return interfaces.NewValidationError("tag", "%q is reserved", tag)
	}
	return nil
}

func checkAttribute(key, value string) error {
	if err := checkText("attribute", key); err != nil {
		return err
	}
	if key == "" {
		return interfaces.NewValidationError("attribute", "empty key")
	}
	return checkText("attribute", value)
}

func normalizeTags(tags []string) []string {
	out := slices.Clone(tags)
	slices.Sort(out)
	return slices.Compact(out)
}

// SetTags replaces the tag set.
func (m *Metadata) SetTags(tags []string) error {
	for _, t := range tags {
		if err := checkTag(t); err != nil {
			return err
		}
	}
	m.Tags = normalizeTags(tags)
	if m.Tags == nil {
		m.Tags = []string{}
	}
	return nil
}

// AddTag adds tag to the set.
func (m *Metadata) AddTag(tag string) error {
	if err := checkTag(tag); err != nil {
		return err
	}
	m.Tags = normalizeTags(append(slices.Clone(m.Tags), tag))
	return nil
}

// RemoveTag removes tag and reports whether it was present.
func (m *Metadata) RemoveTag(tag string) bool {
	i, found := slices.BinarySearch(m.Tags, tag)
	if !found {
		return false
	}
	m.Tags = slices.Delete(slices.Clone(m.Tags), i, i+1)
	return true
}

// HasTag reports whether tag is in the set.
func (m Metadata) HasTag(tag string) bool {
	_, found := slices.BinarySearch(m.Tags, tag)
	return found
}

// SetAttributes replaces all attributes.
func (m *Metadata) SetAttributes(attrs map[string]string) error {
	for k, v := range attrs {
		if err := checkAttribute(k, v); err != nil {
			return err
		}
	}
	m.Attributes = maps.Clone(attrs)
	if m.Attributes == nil {
		m.Attributes = map[string]string{}
	}
	return nil
}

// SetAttribute sets one attribute.
func (m *Metadata) SetAttribute(key, value string) error {
	if err := checkAttribute(key, value); err != nil {
		return err
	}
	attrs := maps.Clone(m.Attributes)
	if attrs == nil {
		attrs = map[string]string{}
	}
	attrs[key] = value
	m.Attributes = attrs
	return nil
}

// RemoveAttribute removes key and reports whether it was present.
func (m *Metadata) RemoveAttribute(key string) bool {
	if _, ok := m.Attributes[key]; !ok {
		return false
	}
	attrs := maps.Clone(m.Attributes)
	delete(attrs, key)
	m.Attributes = attrs
	return true
}

// Attribute returns the value for key.
func (m Metadata) Attribute(key string) (string, bool) {
	v, ok := m.Attributes[key]
	return v, ok
}

// SetURI sets the URI. URIs may be shared between records.
func (m *Metadata) SetURI(uri string) error {
	if err := checkText("uri", uri); err != nil {
		return err
	}
	m.URI = uri
	return nil
}

// SetMIMEType sets the MIME type; it must parse as a media type.
func (m *Metadata) SetMIMEType(mimeType string) error {
	if mimeType != "" {
		if _, _, err := mime.ParseMediaType(mimeType); err != nil {
			return interfaces.NewValidationError("mime_type", "%q: %v", mimeType, err)
		}
	}
	m.MIMEType = mimeType
	return nil
}

// Validate checks every field; used for values decoded from outside.
func (m Metadata) Validate() error {
	for _, t := range m.Tags {
		if err := checkTag(t); err != nil {
			return err
		}
	}
	for k, v := range m.Attributes {
		if err := checkAttribute(k, v); err != nil {
			return err
		}
	}
	if err := checkText("uri", m.URI); err != nil {
		return err
	}
	return nil
}

// Clone returns a deep copy.
func (m Metadata) Clone() Metadata {
	c := Metadata{
		Tags:       slices.Clone(m.Tags),
		Attributes: maps.Clone(m.Attributes),
		URI:        m.URI,
		MIMEType:   m.MIMEType,
	}
	if c.Tags == nil {
		c.Tags = []string{}
	}
	if c.Attributes == nil {
		c.Attributes = map[string]string{}
	}
	return c
}
