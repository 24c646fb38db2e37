package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
)

// OTLPExporter sends metrics as OTLP/HTTP JSON.
type OTLPExporter struct {
	endpoint string
	resource map[string]string
	client   *http.Client
}

// NewOTLPExporter creates an exporter posting to endpoint. Resource attributes
// (service.name, node name, ...) are attached to every export.
func NewOTLPExporter(endpoint string, resource map[string]string) *OTLPExporter {
	return &OTLPExporter{
		endpoint: endpoint,
		resource: copyLabels(resource),
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

// Simplified OTLP JSON representation.
type otlpMetricsPayload struct {
	ResourceMetrics []otlpResourceMetrics `json:"resourceMetrics"`
}

type otlpResourceMetrics struct {
	Resource     otlpResource       `json:"resource"`
	ScopeMetrics []otlpScopeMetrics `json:"scopeMetrics"`
}

type otlpResource struct {
	Attributes []otlpAttribute `json:"attributes"`
}

type otlpScopeMetrics struct {
	Scope   otlpScope    `json:"scope"`
	Metrics []otlpMetric `json:"metrics"`
}

type otlpScope struct {
	Name string `json:"name"`
}

type otlpMetric struct {
	Name      string         `json:"name"`
	Unit      string         `json:"unit,omitempty"`
	Sum       *otlpSum       `json:"sum,omitempty"`
	Gauge     *otlpGauge     `json:"gauge,omitempty"`
	Histogram *otlpHistogram `json:"histogram,omitempty"`
}

type otlpSum struct {
	DataPoints             []otlpNumberDataPoint `json:"dataPoints"`
	AggregationTemporality int                   `json:"aggregationTemporality"`
	IsMonotonic            bool                  `json:"isMonotonic"`
}

type otlpGauge struct {
	DataPoints []otlpNumberDataPoint `json:"dataPoints"`
}

type otlpHistogram struct {
	DataPoints             []otlpHistogramDataPoint `json:"dataPoints"`
	AggregationTemporality int                      `json:"aggregationTemporality"`
}

type otlpNumberDataPoint struct {
	Attributes   []otlpAttribute `json:"attributes,omitempty"`
	TimeUnixNano int64           `json:"timeUnixNano"`
	AsDouble     float64         `json:"asDouble"`
}

type otlpHistogramDataPoint struct {
	Attributes   []otlpAttribute `json:"attributes,omitempty"`
	TimeUnixNano int64           `json:"timeUnixNano"`
	Count        int64           `json:"count"`
	Sum          float64         `json:"sum"`
}

type otlpAttribute struct {
	Key   string    `json:"key"`
	Value otlpValue `json:"value"`
}

type otlpValue struct {
	StringValue string `json:"stringValue,omitempty"`
}

// Export sends metrics to the OTLP endpoint
func (e *OTLPExporter) Export(ctx context.Context, metrics []Metric) error {
	if len(metrics) == 0 {
		return nil
	}

	data, err := json.Marshal(e.convert(metrics))
	if err != nil {
		return fmt.Errorf("marshal OTLP payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("OTLP endpoint returned status %d", resp.StatusCode)
	}

	log.Debug().
		Str("endpoint", e.endpoint).
		Int("metric_count", len(metrics)).
		Msg("Exported metrics via OTLP")
	return nil
}

func (e *OTLPExporter) convert(metrics []Metric) otlpMetricsPayload {
	out := make([]otlpMetric, 0, len(metrics))
	for _, metric := range metrics {
		timeNano := metric.Timestamp.UnixNano()
		attributes := toAttributes(metric.Labels)
		om := otlpMetric{Name: metric.Name, Unit: metric.Unit}

		switch metric.Type {
		case Counter:
			om.Sum = &otlpSum{
				DataPoints:             []otlpNumberDataPoint{{Attributes: attributes, TimeUnixNano: timeNano, AsDouble: metric.Value}},
				AggregationTemporality: 2, // CUMULATIVE
				IsMonotonic:            true,
			}
		case Gauge, Timer:
			om.Gauge = &otlpGauge{
				DataPoints: []otlpNumberDataPoint{{Attributes: attributes, TimeUnixNano: timeNano, AsDouble: metric.Value}},
			}
		case Histogram:
			om.Histogram = &otlpHistogram{
				DataPoints:             []otlpHistogramDataPoint{{Attributes: attributes, TimeUnixNano: timeNano, Count: metric.Count, Sum: metric.Value}},
				AggregationTemporality: 2,
			}
		}
		out = append(out, om)
	}

	return otlpMetricsPayload{
		ResourceMetrics: []otlpResourceMetrics{{
			Resource:     otlpResource{Attributes: toAttributes(e.resource)},
			ScopeMetrics: []otlpScopeMetrics{{Scope: otlpScope{Name: "relaynode"}, Metrics: out}},
		}},
	}
}

func toAttributes(labels map[string]string) []otlpAttribute {
	if len(labels) == 0 {
		return nil
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	attrs := make([]otlpAttribute, 0, len(keys))
	for _, k := range keys {
		attrs = append(attrs, otlpAttribute{Key: k, Value: otlpValue{StringValue: labels[k]}})
	}
	return attrs
}
