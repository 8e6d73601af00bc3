package models

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	modelsInstantiated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fms_models_instantiated_total",
		Help: "Model instances built from the registry",
	}, []string{"architecture", "variant"})

	getModelDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fms_get_model_duration_seconds",
		Help:    "Time spent resolving and loading a model",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
	}, []string{"source"})

	getModelErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fms_get_model_errors_total",
		Help: "GetModel calls that returned an error",
	}, []string{"source"})
)
