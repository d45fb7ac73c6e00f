package protocol

import (
	"fmt"

	"github.com/drblury/toolbridge/internal/runtime/jsoncodec"
)

// ResourceContentType tells text and blob resource payloads apart.
type ResourceContentType string

const (
	ResourceText ResourceContentType = "text"
	ResourceBlob ResourceContentType = "blob"
)

// ResourceContent is the payload a worker returns for a resource read.
// Blob is base64 encoded.
type ResourceContent struct {
	Type     ResourceContentType `json:"type"`
	URI      string              `json:"uri"`
	MimeType string              `json:"mimeType,omitempty"`
	Text     string              `json:"text,omitempty"`
	Blob     string              `json:"blob,omitempty"`
}

// DecodeResourceContent parses a resource payload. A missing type means text.
func DecodeResourceContent(data []byte) (ResourceContent, error) {
	var rc ResourceContent
	if err := jsoncodec.Unmarshal(data, &rc); err != nil {
		return ResourceContent{}, fmt.Errorf("decode resource content: %w", err)
	}
	switch rc.Type {
	case "":
		rc.Type = ResourceText
	case ResourceText, ResourceBlob:
	default:
		return ResourceContent{}, fmt.Errorf("unknown resource content type %q", rc.Type)
	}
	return rc, nil
}
