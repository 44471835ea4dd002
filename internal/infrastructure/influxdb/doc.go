// Package influxdb provides the optional operational metrics sink for Chat Gate.
//
// It wraps the official influxdb-client-go v2 library with connection
// management, non-blocking batched writes, and health monitoring.
//
// # Purpose
//
// This package records operational measurements for:
//   - Authentication flow outcomes (completed, denied, failed, expired)
//   - Silent token refresh outcomes
//   - Session sweep counts
//   - Chat completion latency
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	client.WriteAuthEvent("login", "completed")
//
// # Thread Safety
//
// All methods are safe for concurrent use from multiple goroutines.
// The underlying write API uses non-blocking batched writes.
//
// # Error Handling
//
// Write operations are non-blocking and batch errors are delivered via the
// SetOnError callback. Connection and health check errors are returned
// directly. When InfluxDB is disabled in config, Connect returns ErrDisabled
// and callers run without a sink (nil client receivers are tolerated by the
// write helpers).
package influxdb
