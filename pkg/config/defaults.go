package config

const (
	defaultMailboxSize = 64

	defaultCircuitBreakerMaxFailures = 5
	defaultCircuitBreakerHalfOpen    = 1
)

// defaults returns the values loaded before any file or env layer.
func defaults() map[string]any {
	return map[string]any{
		"node.replica_id": "",
		"node.data_dir":   "data",
		"node.in_memory":  false,

		"runtime.workers":         0,
		"runtime.mailbox_size":    defaultMailboxSize,
		"runtime.command_timeout": "10s",

		"http.listen_addr":      ":9000",
		"http.advertise_url":    "",
		"http.read_timeout":     "5s",
		"http.write_timeout":    "10s",
		"http.shutdown_timeout": "15s",

		"replication.peers":                           []string{},
		"replication.request_timeout":                 "5s",
		"replication.circuit_breaker.max_failures":    defaultCircuitBreakerMaxFailures,
		"replication.circuit_breaker.timeout":         "30s",
		"replication.circuit_breaker.half_open_limit": defaultCircuitBreakerHalfOpen,

		"log.level":  "info",
		"log.format": "json",
	}
}
