// Package metrics emits service metrics two ways: CloudWatch Embedded Metric
// Format (EMF) documents written to stdout when running on Lambda, and
// Prometheus collectors scraped from /metrics when running as a server.
//
// EMF: https://docs.aws.amazon.com/AmazonCloudWatch/latest/monitoring/CloudWatch_Embedded_Metric_Format_Specification.html
package metrics

import (
	"encoding/json"
	"io"
	"maps"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Namespace is the CloudWatch namespace for every EMF document.
const Namespace = "FamilyResemblance"

// CloudWatch units used by the service.
const (
	UnitMilliseconds = "Milliseconds"
	UnitCount        = "Count"
)

type metricUnit struct {
	Name string `json:"Name"`
	Unit string `json:"Unit"`
}

// emfSink is where documents go. Off Lambda it stays disabled unless
// METRICS_EMF=true, so a local server's log output is not interleaved with
// EMF lines.
type emfSink struct {
	mu       sync.Mutex
	w        io.Writer
	enabled  bool
	function string
}

var sink = newSink()

func newSink() *emfSink {
	fn := os.Getenv("AWS_LAMBDA_FUNCTION_NAME")
	return &emfSink{
		w:        os.Stdout,
		enabled:  fn != "" || os.Getenv("METRICS_EMF") == "true",
		function: fn,
	}
}

func (s *emfSink) write(line []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.w.Write(append(line, '\n'))
}

// Recorder collects one EMF document. Create one per operation; it is not
// safe for concurrent use.
type Recorder struct {
	dims   map[string]string
	names  []string
	units  map[string]string
	fields map[string]any
}

// New starts a document. On Lambda it carries a FunctionName dimension.
func New() *Recorder {
	r := &Recorder{
		dims:   make(map[string]string),
		units:  make(map[string]string),
		fields: make(map[string]any),
	}
	if sink.function != "" {
		r.dims["FunctionName"] = sink.function
	}
	return r
}

// Dimension adds a CloudWatch dimension.
func (r *Recorder) Dimension(key, value string) *Recorder {
	r.dims[key] = value
	return r
}

// Metric records value under name with a CloudWatch unit.
func (r *Recorder) Metric(name string, value float64, unit string) *Recorder {
	if _, seen := r.units[name]; !seen {
		r.names = append(r.names, name)
	}
	r.units[name] = unit
	r.fields[name] = value
	return r
}

// Count records a single occurrence.
func (r *Recorder) Count(name string) *Recorder {
	return r.Metric(name, 1, UnitCount)
}

// Duration records d in milliseconds.
func (r *Recorder) Duration(name string, d time.Duration) *Recorder {
	return r.Metric(name, float64(d.Milliseconds()), UnitMilliseconds)
}

// Property attaches a searchable field that is not a metric.
func (r *Recorder) Property(key string, value any) *Recorder {
	r.fields[key] = value
	return r
}

// Flush writes the document as one JSON line. Documents without metrics are
// dropped.
func (r *Recorder) Flush() {
	if len(r.names) == 0 || !sink.enabled {
		return
	}

	units := make([]metricUnit, 0, len(r.names))
	for _, name := range r.names {
		units = append(units, metricUnit{Name: name, Unit: r.units[name]})
	}

	doc := make(map[string]any, len(r.fields)+len(r.dims)+1)
	maps.Copy(doc, r.fields)
	for k, v := range r.dims {
		doc[k] = v
	}
	doc["_aws"] = map[string]any{
		"Timestamp": time.Now().UnixMilli(),
		"CloudWatchMetrics": []map[string]any{{
			"Namespace":  Namespace,
			"Dimensions": [][]string{slices.Sorted(maps.Keys(r.dims))},
			"Metrics":    units,
		}},
	}

	line, err := json.Marshal(doc)
	if err != nil {
		log.Warn().Err(err).Msg("Dropping EMF document")
		return
	}
	sink.write(line)
}
