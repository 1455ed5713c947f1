package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromFallsBackToSingleton(t *testing.T) {
	assert.Same(t, L(), From(context.Background()))
}

func TestFromReturnsScopedLogger(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriter(&buf, Config{Level: "debug", ServiceName: "credgate"})

	ctx := ToContext(context.Background(), l.With(RequestID("req-1")))
	From(ctx).Info("hello", FamilyID("fam-1"), Count(2))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "hello", line["msg"])
	assert.Equal(t, "credgate", line["service"])
	assert.Equal(t, "req-1", line["request_id"])
	assert.Equal(t, "fam-1", line["family_id"])
	assert.EqualValues(t, 2, line["count"])
}

func TestNewWriterRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriter(&buf, Config{Level: "warn"})
	l.Info("dropped")
	assert.Zero(t, buf.Len())
	l.Warn("kept")
	assert.Contains(t, buf.String(), "kept")
}
