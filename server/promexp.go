/******************************************************************************
 *
 *  Description :
 *
 *  Prometheus exporter: mirrors the expvar counters as prometheus metrics on
 *  a dedicated listener.
 *
 *****************************************************************************/

package main

import (
	"expvar"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/netsblox/cloud/server/logs"
)

const metricsNamespace = "netsblox"

// expvarMetric reads a published expvar int at scrape time.
func expvarMetric(name, varname, help string) prometheus.GaugeFunc {
	return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      name,
		Help:      help,
	}, func() float64 {
		if ev, ok := expvar.Get(varname).(*expvar.Int); ok {
			return float64(ev.Value())
		}
		return 0
	})
}

// serveMetrics exposes /metrics on its own listener when configured.
func serveMetrics(bind string) {
	if bind == "" {
		return
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		expvarMetric("live_clients", "LiveClients", "Number of connected clients."),
		expvarMetric("incoming_frames_total", "IncomingFramesTotal", "Websocket frames received."),
		expvarMetric("outgoing_frames_total", "OutgoingFramesTotal", "Websocket frames sent."),
		expvarMetric("routed_messages_total", "RoutedMessagesTotal", "Overlay messages routed."),
		expvarMetric("users_created_total", "UsersCreatedTotal", "Accounts created."),
		expvarMetric("projects_created_total", "ProjectsCreatedTotal", "Projects created."),
		expvarMetric("projects_saved_total", "ProjectsSavedTotal", "Projects saved."),
		expvarMetric("projects_deleted_total", "ProjectsDeletedTotal", "Projects deleted."),
		expvarMetric("projects_swept_total", "ProjectsSweptTotal", "Transient projects swept."),
		expvarMetric("blobs_reconciled_total", "BlobsReconciledTotal", "Orphaned blobs deleted."),
	)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	go func() {
		logs.Info.Printf("metrics: listening on [%s]", bind)
		if err := http.ListenAndServe(bind, mux); err != nil {
			logs.Err.Println("metrics: listener failed", err)
		}
	}()
}
