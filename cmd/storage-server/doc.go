// Package main (cmd/storage-server) runs one personal record storage
// instance.
//
// Records live below --data-dir in a sharded records/ tree, tombstones in a
// sibling tombstones/ tree. Payloads are written to every configured backend
// and read from the first that has them. Tombstoned records that lose their
// last reference are removed once the grace period elapses; pending removals
// are rescheduled on startup.
//
// Settings come from the YAML file named by --config; flags override the
// file. Requests for records of another instance are redirected to the base
// URL the instance directory reports for it.
//
// Example usage:
//
//	storage-server --config /etc/mze/storage.yaml
//
//	storage-server \
//	  --instance-id 4b0c2a8e-6a43-4a8c-9a55-5d0f0b6a2f11 \
//	  --data-dir /var/lib/mze \
//	  --backend file:///var/lib/mze/blobs \
//	  --backend s3://mze-archive/payloads?region=eu-west-1 \
//	  --listen-addr 0.0.0.0:8080
//
// The server answers /livez and /readyz, exposes Prometheus metrics on
// --metrics-addr and drains for --drain-seconds on SIGINT/SIGTERM.
package main
