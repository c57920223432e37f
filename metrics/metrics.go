package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type AdForgeMetrics struct {
	AdRequestCount        prometheus.Counter
	AdRequestDurationSec  *prometheus.SummaryVec
	AdPipelineDurationSec *prometheus.SummaryVec
	AdPipelineResults     *prometheus.CounterVec

	ClipGenerationDurationSec prometheus.Histogram
	ClipRetriesCount          prometheus.Counter
	ClipFallbacksCount        prometheus.Counter

	SSEClientsGauge prometheus.Gauge
}

func NewMetrics() *AdForgeMetrics {
	m := &AdForgeMetrics{
		// /api/ads request metrics
		AdRequestCount: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ad_request_count",
			Help: "The total number of requests to /api/ads",
		}),
		AdRequestDurationSec: promauto.NewSummaryVec(prometheus.SummaryOpts{
			Name: "ad_request_duration_seconds",
			Help: "The latency of the requests made to /api/ads in seconds broken up by success and status code",
		}, []string{"success", "status_code"}),

		// Pipeline metrics
		AdPipelineDurationSec: promauto.NewSummaryVec(prometheus.SummaryOpts{
			Name: "ad_pipeline_duration_seconds",
			Help: "The time that the ad pipeline takes to run end to end, broken up by success",
		}, []string{"success"}),
		AdPipelineResults: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "ad_pipeline_results",
			Help: "Terminal pipeline outcomes broken up by result type",
		}, []string{"result"}),
		ClipGenerationDurationSec: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "clip_generation_duration_seconds",
			Help:    "Time taken to generate a single clip, including retries",
			Buckets: []float64{5, 15, 30, 60, 120, 240, 480, 600},
		}),
		ClipRetriesCount: promauto.NewCounter(prometheus.CounterOpts{
			Name: "clip_retries_count",
			Help: "The total number of clip generation retries after transient failures",
		}),
		ClipFallbacksCount: promauto.NewCounter(prometheus.CounterOpts{
			Name: "clip_fallbacks_count",
			Help: "The total number of content policy fallbacks to the character image",
		}),

		SSEClientsGauge: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "sse_clients",
			Help: "The number of currently connected progress stream clients",
		}),
	}

	return m
}

var Metrics = NewMetrics()
