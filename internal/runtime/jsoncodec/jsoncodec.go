package jsoncodec

import (
	"fmt"
	"io"

	"github.com/bytedance/sonic"
	"github.com/bytedance/sonic/ast"
)

var defaultConfig = sonic.ConfigStd

func Marshal(v any) ([]byte, error) {
	return defaultConfig.Marshal(v)
}

func MarshalIndent(v any, prefix, indent string) ([]byte, error) {
	return defaultConfig.MarshalIndent(v, prefix, indent)
}

func Unmarshal(data []byte, v any) error {
	return defaultConfig.Unmarshal(data, v)
}

func Valid(data []byte) bool {
	return defaultConfig.Valid(data)
}

func Encode(w io.Writer, v any) error {
	enc := defaultConfig.NewEncoder(w)
	return enc.Encode(v)
}

func Decode(r io.Reader, v any) error {
	dec := defaultConfig.NewDecoder(r)
	return dec.Decode(v)
}

// StringField reads one top-level field of a JSON object without decoding the
// rest of it. String values are returned unquoted; numbers keep their literal
// form so numeric correlation ids still route.
func StringField(data []byte, field string) (string, error) {
	node, err := sonic.Get(data, field)
	if err != nil {
		return "", fmt.Errorf("field %q: %w", field, err)
	}
	switch node.TypeSafe() {
	case ast.V_STRING:
		return node.String()
	case ast.V_NUMBER:
		return node.Raw()
	default:
		return "", fmt.Errorf("field %q is not a string or number", field)
	}
}
