package observability

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAggregateErrorsSkipsNil(t *testing.T) {
	recorder := new(recordingLogger)
	SetLogger(recorder)
	t.Cleanup(func() { SetLogger(nil) })

	require.NoError(t, AggregateErrors("noop", []error{nil, nil}))
	require.Zero(t, recorder.errors)
}

func TestAggregateErrorsJoinsAndLogs(t *testing.T) {
	recorder := new(recordingLogger)
	SetLogger(recorder)
	t.Cleanup(func() { SetLogger(nil) })

	first := errors.New("streams")
	second := errors.New("pool")
	err := AggregateErrors("feed shutdown", []error{first, nil, second}, F("component", "feed"))

	require.ErrorIs(t, err, first)
	require.ErrorIs(t, err, second)
	require.ErrorContains(t, err, "feed shutdown")
	require.Equal(t, 1, recorder.errors)

	fields := map[string]any{}
	for _, f := range recorder.last {
		fields[f.Key] = f.Value
	}
	require.Equal(t, "feed", fields["component"])
	require.Equal(t, 2, fields["error_count"])
	require.Equal(t, []string{"streams", "pool"}, fields["errors"])
}
