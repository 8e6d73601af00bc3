package serialization

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	shardsRead = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fms_checkpoint_shards_read_total",
		Help: "Total number of checkpoint files decoded, by format",
	}, []string{"format"})

	bytesRead = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fms_checkpoint_bytes_read_total",
		Help: "Total tensor payload bytes decoded from checkpoint files",
	})

	shardsWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fms_checkpoint_shards_written_total",
		Help: "Total number of checkpoint files written, by format",
	}, []string{"format"})
)
