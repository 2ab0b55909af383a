// Copyright 2026 The Turnstone Authors
// This file is part of Turnstone.
//
// Turnstone is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// Turnstone is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with Turnstone. If not, see <http://www.gnu.org/licenses/>.

package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registry     = prometheus.NewRegistry()
	registerOnce sync.Map
)

// Registry returns the process-wide registry all turnstone collectors are
// registered into. Callers expose it over their own transport; this package
// never starts a listener.
func Registry() *prometheus.Registry {
	return registry
}

// GetOrCreateCounter returns the registered counter with the given name,
// registering it on first use. Name collisions with a different collector
// type panic, same as prometheus itself.
func GetOrCreateCounter(name string) prometheus.Counter {
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: name})
	if actual, loaded := registerOnce.LoadOrStore(name, c); loaded {
		return actual.(prometheus.Counter)
	}
	registry.MustRegister(c)
	return c
}

// GetOrCreateGauge returns the registered gauge with the given name,
// registering it on first use.
func GetOrCreateGauge(name string) prometheus.Gauge {
	g := prometheus.NewGauge(prometheus.GaugeOpts{Name: name})
	if actual, loaded := registerOnce.LoadOrStore(name, g); loaded {
		return actual.(prometheus.Gauge)
	}
	registry.MustRegister(g)
	return g
}

// GetOrCreateHistogram returns the registered histogram with the given name,
// registering it on first use with default buckets.
func GetOrCreateHistogram(name string) prometheus.Histogram {
	h := prometheus.NewHistogram(prometheus.HistogramOpts{Name: name})
	if actual, loaded := registerOnce.LoadOrStore(name, h); loaded {
		return actual.(prometheus.Histogram)
	}
	registry.MustRegister(h)
	return h
}
