package hub

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	downloads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fms_hub_downloads_total",
		Help: "Hub file requests by outcome (network or cache)",
	}, []string{"kind"})

	downloadedBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fms_hub_downloaded_bytes_total",
		Help: "Bytes downloaded from the hub",
	})
)
