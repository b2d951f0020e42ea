package observability

import (
	"testing"
	"time"

	"github.com/danmuck/meshvmail/internal/testutil/testlog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	testlog.Start(t)
	RegisterMetrics()
	RegisterMetrics()

	RecordHTTPRequest("node-a", "GET", "/health", 200, 12*time.Millisecond)
	RecordChunkSent(false)
	RecordChunkSent(true)
	RecordAck(true)
	RecordChunkReceived("accepted")
	RecordMessage("outbound", "completed", 3*time.Second)
	RecordMessage("inbound", "abandoned", 0)
	RecordLinkDatagram("mem", "rx", "dropped")
}

func TestChunkSentCountsByAttempt(t *testing.T) {
	testlog.Start(t)
	before := testutil.ToFloat64(chunksSent.WithLabelValues("retransmit"))
	RecordChunkSent(true)
	RecordChunkSent(true)
	if got := testutil.ToFloat64(chunksSent.WithLabelValues("retransmit")); got != before+2 {
		t.Fatalf("retransmit counter got=%v want=%v", got, before+2)
	}
	if _, err := prometheus.DefaultGatherer.Gather(); err != nil {
		t.Fatalf("gather: %v", err)
	}
}
