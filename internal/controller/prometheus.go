/* Copyright 2020 CLOUD&HEAT Technologies GmbH
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */
package controller

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/cloudandheat/ch-k8s-pod-policy-index/internal/defaultpolicy"
	"github.com/cloudandheat/ch-k8s-pod-policy-index/internal/index"
)

type Collector struct {
	index *index.Index

	podsMetric     prometheus.Gauge
	policiesMetric *prometheus.GaugeVec
}

func NewCollector(idx *index.Index) *Collector {
	return &Collector{
		index: idx,
		podsMetric: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "ch_k8s_pod_policy_index_pods_total",
				Help: "Number of indexed pods",
			},
		),
		policiesMetric: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ch_k8s_pod_policy_index_pods_by_default_policy",
				Help: "Number of indexed pods by effective default inbound policy",
			},
			[]string{"mode"},
		),
	}
}

func (c *Collector) Describe(out chan<- *prometheus.Desc) {
	c.podsMetric.Describe(out)
	c.policiesMetric.Describe(out)
}

func (c *Collector) Collect(out chan<- prometheus.Metric) {
	c.podsMetric.Set(float64(c.index.Len()))

	counts := c.index.CountByPolicy()
	for _, mode := range defaultpolicy.Modes() {
		c.policiesMetric.With(prometheus.Labels{"mode": mode.String()}).Set(float64(counts[mode]))
	}

	c.podsMetric.Collect(out)
	c.policiesMetric.Collect(out)
}
