package server

import (
	"fmt"
	"time"

	"github.com/VictoriaMetrics/metrics"

	"github.com/flame4/tikv/rpc/common"
)

func requestCounter(op common.MessageType) *metrics.Counter {
	return metrics.GetOrCreateCounter(
		fmt.Sprintf(`tikv_server_requests_total{type=%q}`, op))
}

func requestFailCounter(op common.MessageType) *metrics.Counter {
	return metrics.GetOrCreateCounter(
		fmt.Sprintf(`tikv_server_request_failures_total{type=%q}`, op))
}

func requestDuration(op common.MessageType) *metrics.Summary {
	return metrics.GetOrCreateSummary(
		fmt.Sprintf(`tikv_server_request_duration_seconds{type=%q}`, op))
}

func observeDuration(op common.MessageType, start time.Time) {
	requestDuration(op).Update(time.Since(start).Seconds())
}
