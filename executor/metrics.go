/*
Copyright 2021 The Kubernetes Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package executor

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	attemptCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mergebot_execution_attempts_total",
		Help: "A counter of job execution attempts, by outcome.",
	}, []string{"result"})
	attemptDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "mergebot_execution_duration_seconds",
		Help:    "Time spent executing one job attempt, merges and pushes included.",
		Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	})
	queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mergebot_executor_queue_depth",
		Help: "The number of work items waiting for the executor.",
	})
)

func init() {
	prometheus.MustRegister(attemptCounter)
	prometheus.MustRegister(attemptDuration)
	prometheus.MustRegister(queueDepth)
}
