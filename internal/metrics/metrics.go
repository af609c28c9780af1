// Package metrics provides a lightweight Prometheus-compatible metrics
// registry for deferq drivers and the HTTP surface.
//
// # Label keys
//
// Every counter uses a tab-separated string as its label key so that a single
// sync.Map can hold all label combinations:
//
//	Scheduled / Cancelled / Dispatched / Completed / Failed  →  key = "driver"
//	HTTPReqs                                                 →  key = "method\tpath\tstatus"
//	HTTPDurMs / HTTPDurCnt                                   →  key = "method\tpath"
//
// Gauges are not stored. A driver registers a sampling func with Gauge and the
// value is read at scrape time.
package metrics

import (
	"fmt"
	"net/http"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
)

// ─── labelCounter ─────────────────────────────────────────────────────────────

// labelCounter is a lock-free, label-keyed counter map.
type labelCounter struct {
	vals sync.Map // key string → *atomic.Int64
}

func (lc *labelCounter) get(key string) *atomic.Int64 {
	v, _ := lc.vals.LoadOrStore(key, new(atomic.Int64))
	return v.(*atomic.Int64)
}

// Inc increments the counter for key by 1.
func (lc *labelCounter) Inc(key string) { lc.get(key).Add(1) }

// Add increments the counter for key by n.
func (lc *labelCounter) Add(key string, n int64) { lc.get(key).Add(n) }

// Value returns the current count for key.
func (lc *labelCounter) Value(key string) int64 {
	v, ok := lc.vals.Load(key)
	if !ok {
		return 0
	}
	return v.(*atomic.Int64).Load()
}

// Each calls fn for every key/value pair, sorted by key.
func (lc *labelCounter) Each(fn func(key string, val int64)) {
	var keys []string
	lc.vals.Range(func(k, _ any) bool {
		keys = append(keys, k.(string))
		return true
	})
	slices.Sort(keys)
	for _, k := range keys {
		fn(k, lc.Value(k))
	}
}

// ─── Registry ─────────────────────────────────────────────────────────────────

// GaugeFunc samples a gauge value at scrape time.
type GaugeFunc func() int64

type gauge struct {
	name, help, driver string
	fn                 GaugeFunc
}

// Registry holds all deferq application metrics. The zero value is ready to use.
type Registry struct {
	// Task lifecycle counters.  key = driver name
	Scheduled  labelCounter
	Cancelled  labelCounter
	Dispatched labelCounter
	Completed  labelCounter
	Failed     labelCounter

	// HTTP counters.  key = "method\tpath\tstatus" (Reqs) or "method\tpath" (Dur*)
	HTTPReqs   labelCounter
	HTTPDurMs  labelCounter
	HTTPDurCnt labelCounter

	gmu    sync.Mutex
	gauges []gauge
}

// Gauge registers fn to be sampled as deferq_<name>{driver="..."} on every
// scrape. Registering the same name and driver again replaces the func.
func (r *Registry) Gauge(name, help, driver string, fn GaugeFunc) {
	r.gmu.Lock()
	defer r.gmu.Unlock()
	for i, g := range r.gauges {
		if g.name == name && g.driver == driver {
			r.gauges[i].fn = fn
			return
		}
	}
	r.gauges = append(r.gauges, gauge{name: name, help: help, driver: driver, fn: fn})
}

// ─── Prometheus text serialisation ────────────────────────────────────────────

// Handler returns an http.Handler that renders all metrics in the Prometheus
// plain-text exposition format (text/plain; version=0.0.4).
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, r.Render())
	})
}

// Render returns the exposition text served by Handler.
func (r *Registry) Render() string {
	var b strings.Builder

	driverFamily := func(name, help string, lc *labelCounter) {
		writeFamily(&b, name, help, "counter", func(fn func(labels, val string)) {
			lc.Each(func(key string, val int64) {
				fn(fmt.Sprintf(`driver=%q`, key), fmt.Sprintf("%d", val))
			})
		})
	}

	driverFamily("deferq_tasks_scheduled_total", "Total tasks accepted by Schedule", &r.Scheduled)
	driverFamily("deferq_tasks_cancelled_total", "Total pending tasks removed before dispatch", &r.Cancelled)
	driverFamily("deferq_tasks_dispatched_total", "Total tasks returned by Next and handed to a worker", &r.Dispatched)
	driverFamily("deferq_tasks_completed_total", "Total tasks whose callback finished without error", &r.Completed)
	driverFamily("deferq_tasks_failed_total", "Total tasks whose callback returned an error or panicked", &r.Failed)

	r.gmu.Lock()
	gauges := slices.Clone(r.gauges)
	r.gmu.Unlock()
	slices.SortFunc(gauges, func(a, b gauge) int {
		if c := strings.Compare(a.name, b.name); c != 0 {
			return c
		}
		return strings.Compare(a.driver, b.driver)
	})
	for i := 0; i < len(gauges); {
		j := i
		for j < len(gauges) && gauges[j].name == gauges[i].name {
			j++
		}
		group := gauges[i:j]
		writeFamily(&b, "deferq_"+group[0].name, group[0].help, "gauge", func(fn func(labels, val string)) {
			for _, g := range group {
				fn(fmt.Sprintf(`driver=%q`, g.driver), fmt.Sprintf("%d", g.fn()))
			}
		})
		i = j
	}

	writeFamily(&b, "deferq_http_requests_total",
		"Total HTTP requests by method, path, and status code", "counter",
		func(fn func(labels, val string)) {
			r.HTTPReqs.Each(func(key string, val int64) {
				method, path, status := splitThree(key)
				fn(fmt.Sprintf(`method=%q,path=%q,status=%q`, method, path, status),
					fmt.Sprintf("%d", val))
			})
		})

	writeFamily(&b, "deferq_http_request_duration_milliseconds_sum",
		"Sum of HTTP request durations in milliseconds", "counter",
		func(fn func(labels, val string)) {
			r.HTTPDurMs.Each(func(key string, val int64) {
				method, path := splitTwo(key)
				fn(fmt.Sprintf(`method=%q,path=%q`, method, path), fmt.Sprintf("%d", val))
			})
		})

	writeFamily(&b, "deferq_http_request_duration_milliseconds_count",
		"Count of observed HTTP request durations", "counter",
		func(fn func(labels, val string)) {
			r.HTTPDurCnt.Each(func(key string, val int64) {
				method, path := splitTwo(key)
				fn(fmt.Sprintf(`method=%q,path=%q`, method, path), fmt.Sprintf("%d", val))
			})
		})

	return b.String()
}

// ─── helpers ──────────────────────────────────────────────────────────────────

// writeFamily writes a single metric family to b, skipping it entirely when
// fill produces no samples.
func writeFamily(
	b *strings.Builder,
	name, help, typ string,
	fill func(fn func(labels, val string)),
) {
	var lines []string
	fill(func(labels, val string) {
		lines = append(lines, fmt.Sprintf("%s{%s} %s\n", name, labels, val))
	})
	if len(lines) == 0 {
		return
	}
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s %s\n", name, typ)
	for _, l := range lines {
		b.WriteString(l)
	}
}

// splitTwo splits "a\tb" into (a, b). Without a tab the whole key is a.
func splitTwo(key string) (string, string) {
	i := strings.IndexByte(key, '\t')
	if i < 0 {
		return key, ""
	}
	return key[:i], key[i+1:]
}

func splitThree(key string) (string, string, string) {
	a, rest := splitTwo(key)
	b, c := splitTwo(rest)
	return a, b, c
}

// HTTPKey builds the label key used by HTTPReqs.
func HTTPKey(method, path, status string) string {
	return method + "\t" + path + "\t" + status
}

// HTTPDurKey builds the label key used by HTTPDurMs / HTTPDurCnt.
func HTTPDurKey(method, path string) string {
	return method + "\t" + path
}
