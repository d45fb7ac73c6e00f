package rest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/toolbridge/internal/runtime/correlation"
	"github.com/drblury/toolbridge/internal/runtime/dispatch"
	errspkg "github.com/drblury/toolbridge/internal/runtime/errors"
	"github.com/drblury/toolbridge/internal/runtime/protocol"
	"github.com/drblury/toolbridge/internal/runtime/registration"
)

type cannedSender struct {
	response []byte
	err      error
	got      []byte
}

func (s *cannedSender) Send(_ context.Context, _ registration.Registration, value []byte) *correlation.Future {
	s.got = value
	if s.err != nil {
		return correlation.Failed("id", s.err)
	}
	f := correlation.NewFuture("id")
	f.Resolve(correlation.Result{Value: s.response})
	return f
}

func completed(t *testing.T, payload string) []byte {
	t.Helper()
	body, err := protocol.Completed(0, []byte(payload))
	require.NoError(t, err)
	return body
}

var weather = registration.NewTool(registration.Base{
	Name: "weather", Description: "Weather", RequestTopic: "weather-req", ResponseTopic: "weather-res",
})

func serve(t *testing.T, f *Frontend, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	f.Router().ServeHTTP(rec, req)
	return rec
}

func TestCallTool(t *testing.T) {
	sender := &cannedSender{response: completed(t, `{"forecast":"sunny"}`)}
	f := New(nil)
	h := f.ToolHandler(weather, dispatch.NewChannel(sender, weather))
	require.NoError(t, h.Initialize())

	for _, path := range []string{"/api/weather", "/agents/weather"} {
		rec := serve(t, f, http.MethodPost, path, `{"city":"Paris"}`)
		require.Equal(t, http.StatusOK, rec.Code, path)
		assert.JSONEq(t, `{"forecast":"sunny"}`, rec.Body.String())
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	}
	assert.Contains(t, string(sender.got), `"payload":{"city":"Paris"}`)
}

func TestCallUnknownToolIsBadRequest(t *testing.T) {
	f := New(nil)

	rec := serve(t, f, http.MethodPost, "/api/nope", `{}`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "Tool 'nope' is not registered")
}

func TestCallToolAfterTeardownIsBadRequest(t *testing.T) {
	f := New(nil)
	h := f.ToolHandler(weather, dispatch.NewChannel(&cannedSender{}, weather))
	require.NoError(t, h.Initialize())
	require.NoError(t, h.Teardown())

	assert.Equal(t, http.StatusBadRequest, serve(t, f, http.MethodPost, "/api/weather", `{}`).Code)
}

func TestCallToolErrorStatuses(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"timeout", &errspkg.TimeoutError{Topic: "weather-res", CorrelationID: "id", Deadline: time.Now()}, http.StatusGatewayTimeout},
		{"worker failure", &errspkg.ResponseError{Status: "error", Message: "no such city"}, http.StatusUnprocessableEntity},
		{"transport", &errspkg.DispatchError{Topic: "weather-req"}, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := New(nil)
			require.NoError(t, f.ToolHandler(weather, dispatch.NewChannel(&cannedSender{err: tc.err}, weather)).Initialize())

			rec := serve(t, f, http.MethodPost, "/api/weather", `{}`)
			assert.Equal(t, tc.want, rec.Code)
		})
	}
}

func TestCallToolRejectsInvalidJSON(t *testing.T) {
	f := New(nil)
	require.NoError(t, f.ToolHandler(weather, dispatch.NewChannel(&cannedSender{}, weather)).Initialize())

	assert.Equal(t, http.StatusBadRequest, serve(t, f, http.MethodPost, "/api/weather", `{nope`).Code)
}

func TestReadResourceMatchesTemplate(t *testing.T) {
	doc := registration.NewResource(registration.Base{
		Name: "doc", RequestTopic: "docs-req", ResponseTopic: "docs-res",
	}, "text/markdown", "docs/{id}")
	sender := &cannedSender{response: completed(t, `{"type":"text","text":"# Doc 7"}`)}
	f := New(nil)
	require.NoError(t, f.ResourceHandler(doc, dispatch.NewChannel(sender, doc)).Initialize())

	rec := serve(t, f, http.MethodGet, "/rcs/docs/7", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "# Doc 7", rec.Body.String())
	assert.Equal(t, "text/markdown", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"requestIndex":0,"payload":{"uri":"docs/7"}}`, string(sender.got))

	assert.Equal(t, http.StatusNotFound, serve(t, f, http.MethodGet, "/rcs/docs/7/raw", "").Code)
}

func TestReadBlobResourceIsDecoded(t *testing.T) {
	logo := registration.NewResource(registration.Base{
		Name: "logo", RequestTopic: "img-req", ResponseTopic: "img-res",
	}, "image/png", "img/logo")
	sender := &cannedSender{response: completed(t, `{"type":"blob","blob":"aGVsbG8="}`)}
	f := New(nil)
	require.NoError(t, f.ResourceHandler(logo, dispatch.NewChannel(sender, logo)).Initialize())

	rec := serve(t, f, http.MethodGet, "/rcs/img/logo", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "hello", rec.Body.String())
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
}

func TestMatchPattern(t *testing.T) {
	assert.True(t, matchPattern("docs/{id}", "docs/42"))
	assert.True(t, matchPattern("docs/readme", "/docs/readme/"))
	assert.False(t, matchPattern("docs/{id}", "docs"))
	assert.False(t, matchPattern("docs/{id}", "files/42"))
}

func TestListAgents(t *testing.T) {
	doc := registration.NewResource(registration.Base{
		Name: "doc", RequestTopic: "docs-req", ResponseTopic: "docs-res",
	}, "text/plain", "docs/readme")
	f := New(nil)
	require.NoError(t, f.ResourceHandler(doc, nil).Initialize())
	require.NoError(t, f.ToolHandler(weather, nil).Initialize())

	rec := serve(t, f, http.MethodGet, "/agents", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var cards []Card
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cards))
	require.Len(t, cards, 2)
	assert.Contains(t, string(cards[0].Registration), `"name":"weather"`)
	assert.Equal(t, Link{Href: "/agents/weather", Method: http.MethodPost}, cards[0].Links[0].Self)
	assert.Equal(t, Link{Href: "/rcs/docs/readme", Method: http.MethodGet}, cards[1].Links[0].Self)
	assert.Equal(t, Link{Href: "/agents/", Method: http.MethodGet}, cards[1].Links[0].Agents)
}
