package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	StreamRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "noproxy",
		Name:      "stream_requests_total",
		Help:      "Stream requests by outcome (cache_hit, live, error).",
	}, []string{"outcome"})

	SegmentProxyTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "noproxy",
		Name:      "segment_proxy_total",
		Help:      "Proxied segment/sub-manifest fetches by result.",
	}, []string{"result"})

	DownloadsStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "noproxy",
		Name:      "downloads_started_total",
		Help:      "Background cache downloads started, by media kind.",
	}, []string{"kind"})

	DownloadsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "noproxy",
		Name:      "downloads_finished_total",
		Help:      "Background cache downloads finished, by status.",
	}, []string{"status"})

	SegmentsSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "noproxy",
		Name:      "segments_skipped_total",
		Help:      "Segments skipped during HLS downloads after fetch failures.",
	})

	ActiveDownloads = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "noproxy",
		Name:      "active_downloads",
		Help:      "Number of background downloads currently running.",
	})

	BytesServed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "noproxy",
		Name:      "bytes_served_total",
		Help:      "Media bytes served to clients, by source (cache, live).",
	}, []string{"source"})
)
