package logmsg

import (
	"testing"

	"evobench-jobs/internal/timeutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeStart(t *testing.T) {
	msg, err := Decode([]byte(`{"Start":{"evobench_log_version":1,"evobench_version":"0.9.3"}}`))
	require.NoError(t, err)
	assert.Equal(t, KindStart, msg.Kind)
	assert.EqualValues(t, 1, msg.StartVersion)
	assert.Equal(t, "0.9.3", msg.StartProbeVersion)
}

func TestDecodeTimingRoundTrip(t *testing.T) {
	original := Message{
		Kind: KindTS,
		Timing: Timing{
			PN:  "module|local",
			PID: 42,
			TID: 7,
			R:   timeutil.NanoTime{Sec: 1, Nsec: 500},
			U:   timeutil.MicroTime{Sec: 0, Usec: 100},
			S:   timeutil.MicroTime{Sec: 0, Usec: 10},
		},
	}
	encoded, err := Encode(original)
	require.NoError(t, err)

	decoded, err := Decode(encoded)
	require.NoError(t, err)
	assert.Equal(t, original, decoded)
}

func TestDecodeRejectsMultipleTags(t *testing.T) {
	_, err := Decode([]byte(`{"Start":{"evobench_log_version":1,"evobench_version":"x"},"Metadata":{}}`))
	require.Error(t, err)
	assert.ErrorAs(t, err, new(*ErrMalformed))
}

func TestDecodeRejectsUnknownTag(t *testing.T) {
	_, err := Decode([]byte(`{"Bogus":{}}`))
	require.Error(t, err)
}

func TestDecodeRejectsInvalidJSON(t *testing.T) {
	_, err := Decode([]byte(`not json`))
	require.Error(t, err)
}

func TestKindIsTiming(t *testing.T) {
	assert.True(t, KindTS.IsTiming())
	assert.True(t, KindTEnd.IsTiming())
	assert.False(t, KindStart.IsTiming())
	assert.False(t, KindKeyValue.IsTiming())
}
