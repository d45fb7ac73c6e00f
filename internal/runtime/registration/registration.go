// Package registration defines the capability descriptors published to the
// directory. A Registration is a closed union of Tool and Resource; callers
// switch on the concrete type.
package registration

import (
	"fmt"
	"regexp"
	"strings"

	errspkg "github.com/drblury/toolbridge/internal/runtime/errors"
)

// Kind discriminates registration variants on the wire.
type Kind string

const (
	KindTool     Kind = "tool"
	KindResource Kind = "resource"
)

// DefaultCorrelationIDField is the key field used when a registration omits one.
const DefaultCorrelationIDField = "correlationId"

// Registration is implemented only by Tool and Resource.
type Registration interface {
	Common() Base
	Kind() Kind
	isRegistration()
}

// Base holds the fields every capability carries.
type Base struct {
	Name               string
	Description        string
	RequestTopic       string
	ResponseTopic      string
	CorrelationIDField string
}

// Tool is a callable capability.
type Tool struct {
	Base
}

// Resource is a readable capability addressed by URL.
type Resource struct {
	Base
	MimeType string
	// URL never starts with "/". It may be a template such as "docs/{id}".
	URL string
}

func (t Tool) Common() Base { return t.Base }
func (Tool) Kind() Kind     { return KindTool }
func (Tool) isRegistration() {}

func (r Resource) Common() Base { return r.Base }
func (Resource) Kind() Kind     { return KindResource }
func (Resource) isRegistration() {}

var templateVar = regexp.MustCompile(`\{[^{}]+\}`)

// IsTemplate reports whether URL contains at least one {variable}.
func (r Resource) IsTemplate() bool {
	return templateVar.MatchString(r.URL)
}

// NewTool builds a normalized Tool.
func NewTool(b Base) Tool {
	return Tool{Base: normalizeBase(b)}
}

// NewResource builds a normalized Resource.
func NewResource(b Base, mimeType, url string) Resource {
	return Resource{Base: normalizeBase(b), MimeType: mimeType, URL: NormalizeURL(url)}
}

// NormalizeURL strips leading path separators.
func NormalizeURL(url string) string {
	return strings.TrimLeft(strings.TrimSpace(url), "/")
}

func normalizeBase(b Base) Base {
	b.Name = strings.TrimSpace(b.Name)
	if strings.TrimSpace(b.CorrelationIDField) == "" {
		b.CorrelationIDField = DefaultCorrelationIDField
	}
	return b
}

// Normalize applies the same defaults Decode applies, so a registration built
// in code compares equal to the one read back from the directory.
func Normalize(reg Registration) Registration {
	switch r := reg.(type) {
	case Tool:
		return NewTool(r.Base)
	case Resource:
		return NewResource(r.Base, r.MimeType, r.URL)
	default:
		return reg
	}
}

// Validate checks the fields required to route calls for reg.
func Validate(reg Registration) error {
	if reg == nil {
		return errspkg.ErrRegistrationRequired
	}
	b := reg.Common()
	if b.Name == "" {
		return errspkg.ErrNameRequired
	}
	if b.RequestTopic == "" {
		return fmt.Errorf("registration %q: request %w", b.Name, errspkg.ErrTopicRequired)
	}
	if b.ResponseTopic == "" {
		return fmt.Errorf("registration %q: response %w", b.Name, errspkg.ErrTopicRequired)
	}
	if r, ok := reg.(Resource); ok && r.URL == "" {
		return fmt.Errorf("registration %q: resource url is required", b.Name)
	}
	return nil
}

// Name is a shorthand for reg.Common().Name.
func Name(reg Registration) string {
	return reg.Common().Name
}
