package observability

import (
	"bytes"
	"errors"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"
)

type recordingLogger struct {
	debugs int
	infos  int
	warns  int
	errors int
	last   []Field
}

func (r *recordingLogger) Debug(_ string, f ...Field) { r.debugs++; r.last = f }
func (r *recordingLogger) Info(_ string, f ...Field)  { r.infos++; r.last = f }
func (r *recordingLogger) Warn(_ string, f ...Field)  { r.warns++; r.last = f }
func (r *recordingLogger) Error(_ string, f ...Field) { r.errors++; r.last = f }

func TestSetLoggerOverridesGlobal(t *testing.T) {
	recorder := new(recordingLogger)
	SetLogger(recorder)
	t.Cleanup(func() { SetLogger(nil) })

	Log().Debug("test")
	require.Equal(t, 1, recorder.debugs)

	SetLogger(nil)
	Log().Info("noop")
	require.Equal(t, 0, recorder.infos)
}

func TestComponentLoggerPrependsComponentField(t *testing.T) {
	recorder := new(recordingLogger)
	SetLogger(recorder)
	t.Cleanup(func() { SetLogger(nil) })

	Component("acquirer").Warn("source failed", F("source", "coingecko"))
	require.Equal(t, 1, recorder.warns)
	require.Equal(t, []Field{{Key: "component", Value: "acquirer"}, {Key: "source", Value: "coingecko"}}, recorder.last)
}

func TestLogrusLoggerWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogrusLogger(LogrusConfig{Level: "debug", Output: &buf})

	logger.Error("listen key refresh failed", Err(errors.New("boom")), F("attempt", 2))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "listen key refresh failed", line["message"])
	require.Equal(t, "error", line["level"])
	require.Equal(t, "boom", line["error"])
	require.EqualValues(t, 2, line["attempt"])
}
