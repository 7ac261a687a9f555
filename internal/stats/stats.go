package stats

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pawchat"

const (
	Connections       = "connections"
	ActiveRooms       = "active_rooms"
	MessagesSent      = "messages_sent_total"
	BroadcastsDropped = "broadcasts_dropped_total"
)

type StatsProvider interface {
	Incr(name string)
	Decr(name string)
	RegisterMetric(name string)
	RegisterCounter(name string)
	Run()
}

type adder interface {
	Add(float64)
}

// StatsUpdater serves its metrics from a private registry so tests can
// create as many as they like.
type StatsUpdater struct {
	registry   *prometheus.Registry
	metrics    map[string]adder
	counters   map[string]bool
	mu         sync.RWMutex
	updateChan chan *metricsUpdateReq
	done       chan struct{}
	sendMu     sync.RWMutex
	stopped    bool
}

type metricsUpdateReq struct {
	name  string
	value int
}

// NewStatsUpdater creates a new stats updater instance.
func NewStatsUpdater(mux *http.ServeMux) *StatsUpdater {
	su := &StatsUpdater{
		registry:   prometheus.NewRegistry(),
		metrics:    make(map[string]adder),
		counters:   make(map[string]bool),
		updateChan: make(chan *metricsUpdateReq, 512),
		done:       make(chan struct{}),
	}
	su.initializeMetrics()
	mux.Handle("GET /metrics", promhttp.HandlerFor(su.registry, promhttp.HandlerOpts{}))

	return su
}

func (su *StatsUpdater) initializeMetrics() {
	startTime := time.Now()
	su.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Seconds since the server started.",
		}, func() float64 {
			return time.Since(startTime).Seconds()
		}),
	)
}

func (su *StatsUpdater) updateMetrics() {
	defer close(su.done)

	for req := range su.updateChan {
		su.mu.RLock()
		metric, ok := su.metrics[req.name]
		counter := su.counters[req.name]
		su.mu.RUnlock()

		if !ok {
			panic("metric not found: " + req.name)
		}
		if counter && req.value < 0 {
			panic("counter cannot be decremented: " + req.name)
		}

		metric.Add(float64(req.value))
	}
}

func (su *StatsUpdater) Incr(name string) {
	su.send(&metricsUpdateReq{name: name, value: 1})
}

func (su *StatsUpdater) Decr(name string) {
	su.send(&metricsUpdateReq{name: name, value: -1})
}

// send never blocks the caller. Updates are dropped when the queue is full
// or the updater has been stopped.
func (su *StatsUpdater) send(req *metricsUpdateReq) {
	su.sendMu.RLock()
	defer su.sendMu.RUnlock()

	if su.stopped {
		return
	}

	select {
	case su.updateChan <- req:
	default:
	}
}

// RegisterMetric registers a gauge.
func (su *StatsUpdater) RegisterMetric(name string) {
	g := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
	})
	su.register(name, g, g, false)
}

func (su *StatsUpdater) RegisterCounter(name string) {
	c := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      name,
	})
	su.register(name, c, c, true)
}

func (su *StatsUpdater) register(name string, c prometheus.Collector, a adder, counter bool) {
	su.mu.Lock()
	defer su.mu.Unlock()

	if _, ok := su.metrics[name]; ok {
		return
	}

	su.registry.MustRegister(c)
	su.metrics[name] = a
	su.counters[name] = counter
}

func (su *StatsUpdater) Run() {
	go su.updateMetrics()
}

// Stop drains pending updates. Run must have been called. Later updates
// are ignored.
func (su *StatsUpdater) Stop() {
	su.sendMu.Lock()
	if su.stopped {
		su.sendMu.Unlock()
		return
	}
	su.stopped = true
	close(su.updateChan)
	su.sendMu.Unlock()

	<-su.done
}
