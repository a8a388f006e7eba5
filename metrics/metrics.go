// MODUL: metrics
// ZWECK: Prometheus-Kennzahlen eines Export-Laufs (gelesene Tensoren, Upcast-Bytes, Stufendauer, Validierungsabweichung)
// INPUT: Aufrufe aus safetensors, convert und onnx
// OUTPUT: Registry, optional als Textfile geschrieben
// NEBENEFFEKTE: WriteFile schreibt eine Datei im Prometheus Textformat
// ABHAENGIGKEITEN: prometheus/client_golang
// HINWEISE: Eigene Registry statt DefaultRegisterer

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var Registry = prometheus.NewRegistry()

var factory = promauto.With(Registry)

var (
	TensorsRead = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "asrexport_tensors_read_total",
		Help: "Number of tensors read from the weight store",
	}, []string{"dtype"})

	BytesUpcast = factory.NewCounter(prometheus.CounterOpts{
		Name: "asrexport_bytes_upcast_total",
		Help: "Bytes of reduced-precision weights upcast to float32",
	})

	BytesWritten = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "asrexport_bytes_written_total",
		Help: "Bytes written per output artifact",
	}, []string{"file"})

	StageDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "asrexport_stage_duration_seconds",
		Help:    "Duration of export stages",
		Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 600},
	}, []string{"stage"})

	ValidationDiff = factory.NewGaugeVec(prometheus.GaugeOpts{
		Name: "asrexport_validation_max_abs_diff",
		Help: "Maximum absolute difference between reference and serialized graph per output",
	}, []string{"graph", "output"})

	Operators = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "asrexport_graph_nodes_total",
		Help: "Nodes emitted per graph and operator type",
	}, []string{"graph", "op"})
)

// Stage misst die Dauer einer Export-Stufe. Aufruf: defer metrics.Stage("encoder")().
func Stage(name string) func() {
	start := time.Now()
	return func() {
		StageDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	}
}

// WriteFile schreibt alle Kennzahlen atomar nach path.
func WriteFile(path string) error {
	return prometheus.WriteToTextfile(path, Registry)
}
