package transport

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/Cypherspark/signalerr/internal/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestParseEnvelope(t *testing.T) {
	ev, ok, err := parseEnvelope([]byte(`{"envelope":{"source":"abc-uuid","sourceNumber":"+15551234567","timestamp":1700000000000,"dataMessage":{"message":"  request Dune  "}}}`))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "+15551234567", ev.Sender)
	require.Equal(t, "request Dune", ev.Text)
	require.False(t, ev.IsGroup())
	require.EqualValues(t, 1700000000000, ev.Timestamp)

	ev, ok, err = parseEnvelope([]byte(`{"envelope":{"source":"+15551234567","dataMessage":{"message":"help","groupInfo":{"groupId":"Zm9v"}}}}`))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "+15551234567", ev.Sender)
	require.Equal(t, "Zm9v", ev.GroupID)
	require.Equal(t, Group("Zm9v"), ReplyTo(ev))

	_, ok, err = parseEnvelope([]byte(`{"envelope":{"sourceNumber":"+15551234567","receiptMessage":{"isDelivery":true}}}`))
	require.NoError(t, err)
	require.False(t, ok)

	_, _, err = parseEnvelope([]byte(`not json`))
	require.Error(t, err)
}

func TestReadEnvelopes_SkipsNoise(t *testing.T) {
	input := strings.Join([]string{
		`{"envelope":{"sourceNumber":"+15550000001","dataMessage":{"message":"one"}}}`,
		``,
		`garbage`,
		`{"envelope":{"sourceNumber":"+15550000001","typingMessage":{}}}`,
		`{"envelope":{"sourceNumber":"+15550000002","dataMessage":{"message":"two"}}}`,
	}, "\n")
	out := make(chan Event, 4)
	readEnvelopes(context.Background(), strings.NewReader(input), out, zap.NewNop())
	close(out)
	var texts []string
	for ev := range out {
		texts = append(texts, ev.Text)
	}
	require.Equal(t, []string{"one", "two"}, texts)
}

func TestSendArgs(t *testing.T) {
	s := NewSignalCLI("/usr/bin/signal-cli", "+15550000000", "/var/lib/signal", zap.NewNop())
	require.Equal(t,
		[]string{"-a", "+15550000000", "--config", "/var/lib/signal", "send", "-m", "hi", "+15551234567"},
		s.sendArgs(Direct("+15551234567"), "hi"))
	require.Equal(t,
		[]string{"-a", "+15550000000", "--config", "/var/lib/signal", "send", "-m", "hi", "-g", "Zm9v"},
		s.sendArgs(Group("Zm9v"), "hi"))
}

func TestReceiveBeforeStart(t *testing.T) {
	s := NewSignalCLI("signal-cli", "+15550000000", "", zap.NewNop())
	_, err := s.Receive(context.Background())
	require.ErrorIs(t, err, ErrClosed)
}

func TestLimited_CountsOutcomes(t *testing.T) {
	f := NewFake()
	l := NewLimited(f, 1000, 10)
	sent := testutil.ToFloat64(metrics.SendTotal.WithLabelValues("sent"))
	failed := testutil.ToFloat64(metrics.SendTotal.WithLabelValues("failed"))

	require.NoError(t, l.Send(context.Background(), Direct("+15551234567"), "a"))
	f.SendErr = errors.New("boom")
	require.Error(t, l.Send(context.Background(), Direct("+15551234567"), "b"))

	require.Equal(t, sent+1, testutil.ToFloat64(metrics.SendTotal.WithLabelValues("sent")))
	require.Equal(t, failed+1, testutil.ToFloat64(metrics.SendTotal.WithLabelValues("failed")))
	require.Len(t, f.Sent(), 1)
}

func TestLimited_WaitHonoursContext(t *testing.T) {
	l := NewLimited(NewFake(), 0.001, 1)
	require.NoError(t, l.Send(context.Background(), Direct("+15551234567"), "first"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.Error(t, l.Send(ctx, Direct("+15551234567"), "second"))
}

func TestFake_ReceiveAfterClose(t *testing.T) {
	f := NewFake()
	f.Push("+15551234567", "hi", "")
	f.Close()
	ev, err := f.Receive(context.Background())
	require.NoError(t, err)
	require.Equal(t, "hi", ev.Text)
	_, err = f.Receive(context.Background())
	require.ErrorIs(t, err, ErrClosed)
}
