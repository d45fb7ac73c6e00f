package metadata

import (
	"context"
	"testing"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
)

func TestRecordKeyRoundTrip(t *testing.T) {
	msg := message.NewMessage("id", []byte(`{}`))
	assert.Nil(t, RecordKey(msg))

	SetRecordKey(msg, []byte(`{"correlationId":"c1"}`))
	assert.Equal(t, `{"correlationId":"c1"}`, string(RecordKey(msg)))

	SetRecordKey(msg, nil)
	assert.Nil(t, RecordKey(msg))
}

func TestCloneIsIndependent(t *testing.T) {
	md := message.Metadata{"a": "1"}
	cloned := Clone(md)
	cloned["b"] = "2"

	assert.Len(t, md, 1)
	assert.Equal(t, "1", cloned["a"])
}

func TestContextValuesMerge(t *testing.T) {
	assert.Nil(t, FromContext(context.Background()))

	ctx := WithValues(context.Background(), map[string]string{KeyRegistration: "weather", "a": "1"})
	ctx = WithValues(ctx, map[string]string{"a": "2"})

	md := FromContext(ctx)
	assert.Equal(t, "weather", md[KeyRegistration])
	assert.Equal(t, "2", md["a"])
}
