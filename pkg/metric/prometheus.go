// Copyright 2018 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package metric

import (
	"io"
	"strings"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"google.golang.org/protobuf/proto"
)

// namespace prefixes every exported metric name.
const namespace = "spindle"

// PrometheusName converts a metric name such as "/ipc/messages" into the
// Prometheus name "spindle_ipc_messages".
func PrometheusName(name string) string {
	return namespace + strings.ReplaceAll(name, "/", "_")
}

func labels(m fieldMapper, key int) []*dto.LabelPair {
	values := m.keyToMultiField(key)
	if len(values) == 0 {
		return nil
	}
	pairs := make([]*dto.LabelPair, len(values))
	for i, v := range values {
		pairs[i] = &dto.LabelPair{
			Name:  proto.String(m.fields[i].name),
			Value: proto.String(v),
		}
	}
	return pairs
}

func family(md *metadata, typ dto.MetricType) *dto.MetricFamily {
	return &dto.MetricFamily{
		Name: proto.String(PrometheusName(md.name)),
		Help: proto.String(md.description),
		Type: typ.Enum(),
	}
}

func (m *Uint64Metric) family() *dto.MetricFamily {
	f := family(&m.metadata, dto.MetricType_COUNTER)
	for key := 0; key < m.fieldMapper.numKeys(); key++ {
		f.Metric = append(f.Metric, &dto.Metric{
			Label:   labels(m.fieldMapper, key),
			Counter: &dto.Counter{Value: proto.Float64(float64(m.fields[key].Load()))},
		})
	}
	return f
}

func (m *customUint64Metric) family() *dto.MetricFamily {
	typ := dto.MetricType_GAUGE
	if m.kind == KindCounter {
		typ = dto.MetricType_COUNTER
	}
	f := family(&m.metadata, typ)
	for key := 0; key < m.fieldMapper.numKeys(); key++ {
		v := float64(m.value(m.fieldMapper.keyToMultiField(key)...))
		metric := &dto.Metric{Label: labels(m.fieldMapper, key)}
		if typ == dto.MetricType_COUNTER {
			metric.Counter = &dto.Counter{Value: proto.Float64(v)}
		} else {
			metric.Gauge = &dto.Gauge{Value: proto.Float64(v)}
		}
		f.Metric = append(f.Metric, metric)
	}
	return f
}

func (d *DistributionMetric) family() *dto.MetricFamily {
	f := family(&d.metadata, dto.MetricType_HISTOGRAM)
	n := d.bucketer.NumFiniteBuckets()
	for key := 0; key < d.fieldMapper.numKeys(); key++ {
		row := d.samples[key]
		h := &dto.Histogram{SampleSum: proto.Float64(float64(d.sums[key].Load()))}
		var cumulative uint64
		// Underflow samples are folded into the first finite bucket.
		cumulative += row[0].Load()
		for i := 0; i < n; i++ {
			cumulative += row[i+1].Load()
			h.Bucket = append(h.Bucket, &dto.Bucket{
				CumulativeCount: proto.Uint64(cumulative),
				UpperBound:      proto.Float64(float64(d.bucketer.LowerBound(i+1) - 1)),
			})
		}
		cumulative += row[n+1].Load()
		h.SampleCount = proto.Uint64(cumulative)
		f.Metric = append(f.Metric, &dto.Metric{
			Label:     labels(d.fieldMapper, key),
			Histogram: h,
		})
	}
	return f
}

// Families returns a snapshot of every registered metric, ordered by name.
func Families() []*dto.MetricFamily {
	var fs []*dto.MetricFamily
	for _, m := range sortedMetrics() {
		switch m := m.(type) {
		case *Uint64Metric:
			fs = append(fs, m.family())
		case *customUint64Metric:
			fs = append(fs, m.family())
		case *DistributionMetric:
			fs = append(fs, m.family())
		}
	}
	return fs
}

// WriteText writes a snapshot of every registered metric to w in the
// Prometheus text exposition format.
func WriteText(w io.Writer) error {
	for _, f := range Families() {
		if _, err := expfmt.MetricFamilyToText(w, f); err != nil {
			return err
		}
	}
	return nil
}
