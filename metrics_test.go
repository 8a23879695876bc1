package tcpframe

import (
	"bytes"
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Register(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewMetrics(reg)
	require.NoError(t, err)

	_, err = NewMetrics(reg)
	assert.Error(t, err, "registering twice must fail")
}

func TestMetrics_NilIsSafe(t *testing.T) {
	var m *Metrics
	m.frameReceived(LengthPrefixed)
	m.frameSent(LengthPrefixed)
	m.result(LengthPrefixed, Result{Status: Failed, Err: ErrIO})
	m.poolCheckout(0, 1)
	m.poolReturn(0)
}

func TestMetrics_Results(t *testing.T) {
	m, err := NewMetrics(nil)
	require.NoError(t, err)

	m.result(Delimited, Result{Status: Complete})
	m.result(Delimited, Result{Status: Complete})
	m.result(Delimited, Result{Status: Incomplete})
	m.result(Delimited, Result{Status: ClosedBeforeData})
	m.result(Delimited, Result{Status: ClosedMidMessage, Err: ErrClosedMidMessage})
	m.result(Delimited, failed(protocolViolation("expected STX")))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.framesReceived.WithLabelValues("delimited")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.failures.WithLabelValues("delimited", "closed_mid_message")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.failures.WithLabelValues("delimited", "protocol_violation")))
}

func TestMetrics_EncoderAndPool(t *testing.T) {
	m, err := NewMetrics(nil)
	require.NoError(t, err)

	p := NewBufferPool(2, 32)
	p.SetMetrics(m)

	conn := &fakeConn{}
	ch, err := NewNonBlockingChannel(conn, p, FormatOption(LineTerminated), MetricsOption(m))
	require.NoError(t, err)

	require.NoError(t, ch.PollWrite(context.Background(), []byte("one")))
	require.NoError(t, ch.PollWrite(context.Background(), []byte("two")))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.framesSent.WithLabelValues("line-terminated")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.poolOutstanding))
	assert.Equal(t, []byte("one\r\ntwo\r\n"), conn.written.Bytes())
}

func TestMetrics_Exposition(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	require.NoError(t, err)

	m.frameSent(LengthPrefixed)

	expected := `
# HELP tcpframe_frames_sent_total Frames written to outbound byte streams.
# TYPE tcpframe_frames_sent_total counter
tcpframe_frames_sent_total{format="length-prefixed"} 1
`
	err = testutil.GatherAndCompare(reg, bytes.NewBufferString(expected), "tcpframe_frames_sent_total")
	assert.NoError(t, err)
}
