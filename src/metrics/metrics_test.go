package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPromMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	Register(reg)

	RecordMessage("out", "request")
	RecordMessage("out", "request")
	RecordCall("greet", "success")
	ObserveCallDuration("greet", 100*time.Millisecond)
	RecordBridgeEnded("client")
	RecordHeartbeatMiss("server")
	RecordFrameRejected("stream")

	if v := testutil.ToFloat64(messages.WithLabelValues("out", "request")); v != 2 {
		t.Fatalf("messages: %v", v)
	}
	if v := testutil.ToFloat64(calls.WithLabelValues("greet", "success")); v != 1 {
		t.Fatalf("calls: %v", v)
	}
	if v := testutil.ToFloat64(bridgesEnded.WithLabelValues("client")); v != 1 {
		t.Fatalf("bridges ended: %v", v)
	}
	if v := testutil.ToFloat64(heartbeatMisses.WithLabelValues("server")); v != 1 {
		t.Fatalf("heartbeat misses: %v", v)
	}
	if v := testutil.ToFloat64(framesRejected.WithLabelValues("stream")); v != 1 {
		t.Fatalf("frames rejected: %v", v)
	}
	if n := testutil.CollectAndCount(callDuration); n != 1 {
		t.Fatalf("call duration series: %d", n)
	}
}
