package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func readLabeled(metric prometheus.Metric, label string) (string, float64) {
	var pb dto.Metric
	if err := metric.Write(&pb); err != nil {
		return "", 0
	}
	var value float64
	switch {
	case pb.Gauge != nil:
		value = pb.Gauge.GetValue()
	case pb.Counter != nil:
		value = pb.Counter.GetValue()
	}
	for _, lp := range pb.Label {
		if lp.GetName() == label {
			return lp.GetValue(), value
		}
	}
	return "", value
}

func sumCounter(vec *prometheus.CounterVec) float64 {
	ch := make(chan prometheus.Metric, 64)
	go func() {
		vec.Collect(ch)
		close(ch)
	}()
	var total float64
	for metric := range ch {
		_, v := readLabeled(metric, "")
		total += v
	}
	return total
}
