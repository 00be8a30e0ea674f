// Package observe is the observability surface of SPEC_FULL.md §A.5: otel
// metric instruments for call counts, inbound latency, and reconnect
// failures, plus a JSON snapshot endpoint for operators.
//
// Grounded on go.opentelemetry.io/otel's metric API (present in
// luxfi-rpc's go.mod) for the instruments, and the teacher's
// pkg/registry/dashboard.go "/api/stats" handler shape for the snapshot
// endpoint — without its dashboard HTML/pprof surface, which belonged to
// the mesh-VPN registry and has no SPEC_FULL.md home (see DESIGN.md).
package observe

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/meshrpc/meshrpc/internal/catalogue"
	"github.com/meshrpc/meshrpc/internal/keystore"
	"github.com/meshrpc/meshrpc/pkg/dispatch"
	"github.com/meshrpc/meshrpc/pkg/lifecycle"
	"github.com/meshrpc/meshrpc/pkg/pool"
)

// Metrics holds the otel instruments SPEC_FULL.md §A.5 names: call
// counts, inbound latency, reconnect failures.
type Metrics struct {
	provider *sdkmetric.MeterProvider

	inboundCalls    metric.Int64Counter
	inboundLatency  metric.Float64Histogram
	reconnectFailed metric.Int64Counter
}

// NewMetrics builds an in-process meter provider (no OTLP exporter wired —
// spec.md's Non-goals never named metrics at all, so there is no
// requirement to ship them anywhere; a reader can attach a real exporter
// to the returned provider) and registers the three instruments.
func NewMetrics() (*Metrics, error) {
	provider := sdkmetric.NewMeterProvider()
	meter := provider.Meter("github.com/meshrpc/meshrpc")

	calls, err := meter.Int64Counter("meshrpc.inbound.calls",
		metric.WithDescription("inbound requests handled, by forwarded/error"))
	if err != nil {
		return nil, fmt.Errorf("observe: build calls counter: %w", err)
	}
	latency, err := meter.Float64Histogram("meshrpc.inbound.latency_ms",
		metric.WithDescription("inbound request handling latency"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, fmt.Errorf("observe: build latency histogram: %w", err)
	}
	reconnects, err := meter.Int64Counter("meshrpc.reconnect.failed",
		metric.WithDescription("failed reconnect attempts, by peer"))
	if err != nil {
		return nil, fmt.Errorf("observe: build reconnect counter: %w", err)
	}

	return &Metrics{
		provider:        provider,
		inboundCalls:    calls,
		inboundLatency:  latency,
		reconnectFailed: reconnects,
	}, nil
}

// ObserveDispatch is a dispatch.EventHandler recording every inbound
// request (spec §4.9's closing paragraph).
func (m *Metrics) ObserveDispatch(ev dispatch.Event) {
	ctx := context.Background()
	m.inboundCalls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.Bool("forwarded", ev.Forwarded),
			attribute.Bool("error", ev.Err),
		))
	m.inboundLatency.Record(ctx, float64(ev.Duration)/float64(time.Millisecond))
}

// ObserveLifecycle is a lifecycle.EventHandler recording reconnect_failed
// events (spec §7).
func (m *Metrics) ObserveLifecycle(ev lifecycle.Event) {
	if ev.Kind != lifecycle.EventReconnectFailed {
		return
	}
	m.reconnectFailed.Add(context.Background(), 1, metric.WithAttributes(attribute.String("peer", ev.Peer)))
}

// Shutdown releases the meter provider's resources.
func (m *Metrics) Shutdown(ctx context.Context) error {
	return m.provider.Shutdown(ctx)
}

// Snapshot is the JSON document the /api/stats-equivalent endpoint
// serves: the current catalogue, trusted key store, and per-peer queue
// depths of a running peer.
type Snapshot struct {
	Peers       []string       `json:"peers"`
	QueueDepths map[string]int `json:"queue_depths"`
	Catalogue   map[string][]string `json:"catalogue,omitempty"`
	TrustedKeys []string       `json:"trusted_keys"`
	PendingCalls int64          `json:"pending_calls"`
}

// SnapshotSource supplies the live state a Snapshot is built from.
type SnapshotSource struct {
	Pool      *pool.Pool
	Keystore  *keystore.Store
	Catalogue *catalogue.Catalogue
	InFlight  func() int64
}

func (src SnapshotSource) build() Snapshot {
	peers := src.Pool.Peers()
	depths := make(map[string]int, len(peers))
	for _, p := range peers {
		depths[p] = src.Pool.QueueDepth(p)
	}

	snap := Snapshot{
		Peers:       peers,
		QueueDepths: depths,
		TrustedKeys: src.Keystore.Names(),
	}
	if src.InFlight != nil {
		snap.PendingCalls = src.InFlight()
	}
	snap.Catalogue = make(map[string][]string)
	for _, svc := range src.Catalogue.Services() {
		snap.Catalogue[svc] = src.Catalogue.Lookup(svc)
	}
	return snap
}

// Serve starts the JSON snapshot HTTP endpoint at addr ("/stats"),
// blocking until the listener errors or the process exits — callers
// typically run it in its own goroutine. Grounded on the teacher's
// dashboard.go ServeDashboard, stripped of the HTML dashboard and pprof
// surface (see DESIGN.md).
func Serve(addr string, src SnapshotSource) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(src.build())
	})
	return http.ListenAndServe(addr, mux)
}
