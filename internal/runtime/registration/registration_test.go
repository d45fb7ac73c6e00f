package registration

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/toolbridge/internal/runtime/errors"
)

func TestDecodeToolAppliesDefaults(t *testing.T) {
	reg, err := Decode([]byte(`{
		"name": "weather",
		"description": "current weather",
		"requestTopic": "weather-req",
		"responseTopic": "weather-res",
		"kind": "tool"
	}`))
	require.NoError(t, err)

	tool, ok := reg.(Tool)
	require.True(t, ok, "expected Tool, got %T", reg)
	assert.Equal(t, "weather", tool.Name)
	assert.Equal(t, DefaultCorrelationIDField, tool.CorrelationIDField)
	assert.Equal(t, KindTool, tool.Kind())
}

func TestDecodeResourceNormalizesURL(t *testing.T) {
	reg, err := Decode([]byte(`{
		"name": "docs",
		"description": "docs",
		"requestTopic": "docs-req",
		"responseTopic": "docs-res",
		"correlationIdField": "requestId",
		"kind": "resource",
		"mimeType": "text/markdown",
		"url": "/docs/{id}"
	}`))
	require.NoError(t, err)

	res, ok := reg.(Resource)
	require.True(t, ok)
	assert.Equal(t, "docs/{id}", res.URL)
	assert.True(t, res.IsTemplate())
	assert.Equal(t, "requestId", res.CorrelationIDField)
	assert.Equal(t, "text/markdown", res.MimeType)
}

func TestDecodeAcceptsLegacyFieldNames(t *testing.T) {
	reg, err := Decode([]byte(`{
		"name": "legacy",
		"description": "old producer",
		"requestTopicName": "legacy-req",
		"responseTopicName": "legacy-res",
		"correlationIdFieldName": "cid",
		"registrationType": "RESOURCE",
		"url": "files/readme"
	}`))
	require.NoError(t, err)

	res, ok := reg.(Resource)
	require.True(t, ok)
	assert.Equal(t, "legacy-req", res.RequestTopic)
	assert.Equal(t, "legacy-res", res.ResponseTopic)
	assert.Equal(t, "cid", res.CorrelationIDField)
	assert.False(t, res.IsTemplate())
}

func TestDecodeRejectsInvalidRecords(t *testing.T) {
	tests := []struct {
		name string
		data string
		want error
	}{
		{name: "missing name", data: `{"requestTopic":"a","responseTopic":"b"}`, want: errspkg.ErrNameRequired},
		{name: "missing request topic", data: `{"name":"x","responseTopic":"b"}`, want: errspkg.ErrTopicRequired},
		{name: "unknown kind", data: `{"name":"x","requestTopic":"a","responseTopic":"b","kind":"prompt"}`, want: errspkg.ErrUnknownKind},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.data))
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}

	_, err := Decode([]byte(`{not json`))
	assert.Error(t, err)
}

func TestEncodeWritesCanonicalShape(t *testing.T) {
	res := NewResource(Base{
		Name:          "docs",
		Description:   "docs",
		RequestTopic:  "docs-req",
		ResponseTopic: "docs-res",
	}, "text/plain", "//readme")

	data, err := Encode(res)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"name": "docs",
		"description": "docs",
		"requestTopic": "docs-req",
		"responseTopic": "docs-res",
		"correlationIdField": "correlationId",
		"kind": "resource",
		"mimeType": "text/plain",
		"url": "readme"
	}`, string(data))
}

func TestRegistrationsCompareByValue(t *testing.T) {
	a := NewTool(Base{Name: "weather", Description: "v1", RequestTopic: "q", ResponseTopic: "r"})
	b := NewTool(Base{Name: "weather", Description: "v1", RequestTopic: "q", ResponseTopic: "r"})
	c := NewTool(Base{Name: "weather", Description: "v2", RequestTopic: "q", ResponseTopic: "r"})

	var ra, rb, rc Registration = a, b, c
	assert.True(t, ra == rb)
	assert.False(t, ra == rc)
}

func TestDecodeKey(t *testing.T) {
	tests := []struct {
		data string
		want string
		err  bool
	}{
		{data: `{"name":"weather"}`, want: "weather"},
		{data: `"weather"`, want: "weather"},
		{data: `weather`, want: "weather"},
		{data: `{"other":"x"}`, err: true},
		{data: ``, err: true},
	}
	for _, tt := range tests {
		got, err := DecodeKey([]byte(tt.data))
		if tt.err {
			assert.Error(t, err, tt.data)
			continue
		}
		require.NoError(t, err, tt.data)
		assert.Equal(t, tt.want, got)
	}

	key, err := EncodeKey("weather")
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"weather"}`, string(key))
}
