package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_JSONWithStaticAttrs(t *testing.T) {
	var buf bytes.Buffer
	log := New(WithOutput(&buf), WithAttr(slog.String("service", "api")))

	log.Info("hello", AccountID(7), Error(errors.New("boom")))

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "hello", rec["msg"])
	assert.Equal(t, "api", rec["service"])
	assert.Equal(t, float64(7), rec["account_id"])
	assert.Equal(t, "boom", rec["error"])
}

func TestNew_LevelFilters(t *testing.T) {
	var buf bytes.Buffer
	log := New(WithOutput(&buf), WithLevel(slog.LevelWarn), WithFormat(FormatText))

	log.Info("dropped")
	assert.Empty(t, buf.String())

	log.Warn("kept")
	assert.Contains(t, buf.String(), "msg=kept")
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]slog.Level{
		"":        slog.LevelInfo,
		"DEBUG":   slog.LevelDebug,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
	} {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestMasked(t *testing.T) {
	assert.Equal(t, "****", Masked("k", "short").Value.String())
	assert.Equal(t, "abcd…wxyz", Masked("k", "abcdefghwxyz").Value.String())
}

func TestError_Nil(t *testing.T) {
	assert.True(t, Error(nil).Equal(slog.Attr{}))
}
