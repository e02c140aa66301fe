/*
Package servers runs the storage API over HTTP.

The Server wraps an API handler with request logging, panic recovery,
optional request timeouts and per-route Prometheus metrics, and adds:

  - /livez    liveness probe
  - /readyz   readiness probe; 503 while draining or when the payload backend is down
  - /drain    mark the server not ready so load balancers stop routing to it
  - /undrain  mark the server ready again
  - /debug    pprof, when enabled

Metrics are served by a separate listener (see package metrics).

# Example Usage

	metricsSrv, err := metrics.New(common.PackageName, cfg.MetricsAddr)
	if err != nil {
	    return err
	}
	server, err := servers.New(cfg, handler, metricsSrv, blobs.Available)
	if err != nil {
	    return err
	}
	server.RunInBackground()
	defer server.Shutdown()
*/
package servers
