// Vigil
// Copyright (C) 2025 Gravitational, Inc.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package breaker

import (
	"strconv"

	"github.com/gravitational/trace"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gravitational/vigil"
	"github.com/gravitational/vigil/lib/utils"
)

var executionCounter = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: vigil.MetricNamespace,
		Subsystem: "breaker",
		Name:      "executions_total",
		Help:      "Number of breaker executions partitioned by breaker name, state and outcome",
	},
	[]string{"name", "state", "success"},
)

// InstrumentedBreakerConfig clones cfg and chains an OnExecute hook that
// feeds the breaker execution counter, labeled with the provided name.
func InstrumentedBreakerConfig(name string, cfg Config) (Config, error) {
	if err := utils.RegisterPrometheusCollectors(executionCounter); err != nil {
		return Config{}, trace.Wrap(err)
	}

	cfg = cfg.Clone()
	next := cfg.OnExecute
	cfg.OnExecute = func(success bool, state State) {
		executionCounter.WithLabelValues(name, state.String(), strconv.FormatBool(success)).Inc()
		if next != nil {
			next(success, state)
		}
	}
	return cfg, nil
}
