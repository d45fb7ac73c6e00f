package registration

import (
	"fmt"
	"strings"

	errspkg "github.com/drblury/toolbridge/internal/runtime/errors"
	"github.com/drblury/toolbridge/internal/runtime/jsoncodec"
)

// record is the wire shape. The *Name / registrationType aliases are accepted
// on decode for producers that still write the older field names.
type record struct {
	Name               string `json:"name"`
	Description        string `json:"description"`
	RequestTopic       string `json:"requestTopic"`
	ResponseTopic      string `json:"responseTopic"`
	CorrelationIDField string `json:"correlationIdField,omitempty"`
	Kind               Kind   `json:"kind"`
	MimeType           string `json:"mimeType,omitempty"`
	URL                string `json:"url,omitempty"`

	RequestTopicName       string `json:"requestTopicName,omitempty"`
	ResponseTopicName      string `json:"responseTopicName,omitempty"`
	CorrelationIDFieldName string `json:"correlationIdFieldName,omitempty"`
	RegistrationType       string `json:"registrationType,omitempty"`
}

// Encode renders reg in the canonical wire shape.
func Encode(reg Registration) ([]byte, error) {
	if reg == nil {
		return nil, errspkg.ErrRegistrationRequired
	}
	b := reg.Common()
	rec := record{
		Name:               b.Name,
		Description:        b.Description,
		RequestTopic:       b.RequestTopic,
		ResponseTopic:      b.ResponseTopic,
		CorrelationIDField: b.CorrelationIDField,
		Kind:               reg.Kind(),
	}
	switch r := reg.(type) {
	case Tool:
	case Resource:
		rec.MimeType = r.MimeType
		rec.URL = r.URL
	default:
		return nil, fmt.Errorf("%w: %T", errspkg.ErrUnknownKind, reg)
	}
	return jsoncodec.Marshal(rec)
}

// Decode parses and normalizes a wire record. The result has passed Validate.
func Decode(data []byte) (Registration, error) {
	var rec record
	if err := jsoncodec.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode registration: %w", err)
	}

	base := Base{
		Name:               rec.Name,
		Description:        rec.Description,
		RequestTopic:       firstNonEmpty(rec.RequestTopic, rec.RequestTopicName),
		ResponseTopic:      firstNonEmpty(rec.ResponseTopic, rec.ResponseTopicName),
		CorrelationIDField: firstNonEmpty(rec.CorrelationIDField, rec.CorrelationIDFieldName),
	}

	kind := Kind(strings.ToLower(firstNonEmpty(string(rec.Kind), rec.RegistrationType)))
	if kind == "" {
		kind = KindTool
		if rec.URL != "" {
			kind = KindResource
		}
	}

	var reg Registration
	switch kind {
	case KindTool:
		reg = NewTool(base)
	case KindResource:
		reg = NewResource(base, rec.MimeType, rec.URL)
	default:
		return nil, fmt.Errorf("%w: %q", errspkg.ErrUnknownKind, kind)
	}

	if err := Validate(reg); err != nil {
		return nil, err
	}
	return reg, nil
}

type keyRecord struct {
	Name string `json:"name"`
}

// EncodeKey renders the directory key for name.
func EncodeKey(name string) ([]byte, error) {
	if name == "" {
		return nil, errspkg.ErrNameRequired
	}
	return jsoncodec.Marshal(keyRecord{Name: name})
}

// DecodeKey accepts either {"name": "..."} or a bare (optionally quoted) string.
func DecodeKey(data []byte) (string, error) {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "{") {
		var k keyRecord
		if err := jsoncodec.Unmarshal(data, &k); err != nil {
			return "", fmt.Errorf("decode registration key: %w", err)
		}
		if k.Name == "" {
			return "", errspkg.ErrNameRequired
		}
		return k.Name, nil
	}
	if strings.HasPrefix(trimmed, `"`) {
		var s string
		if err := jsoncodec.Unmarshal(data, &s); err != nil {
			return "", fmt.Errorf("decode registration key: %w", err)
		}
		trimmed = s
	}
	if trimmed == "" {
		return "", errspkg.ErrNameRequired
	}
	return trimmed, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
