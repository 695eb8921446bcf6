package config

import (
	"errors"
	"fmt"
	"net/url"
)

// Validate checks all configuration values and returns aggregated errors.
func (c *Config) Validate() error {
	return errors.Join(
		c.Node.validate(),
		c.Runtime.validate(),
		c.HTTP.validate(),
		c.Replication.validate(),
		c.Log.validate(),
	)
}

func (n *NodeConfig) validate() error {
	if !n.InMemory && n.DataDir == "" {
		return errors.New("node.data_dir must not be empty unless node.in_memory is set")
	}
	return nil
}

func (r *RuntimeConfig) validate() error {
	var errs []error

	if r.Workers < 0 {
		errs = append(errs, fmt.Errorf("runtime.workers must not be negative, got %d", r.Workers))
	}
	if r.MailboxSize < 1 {
		errs = append(errs, fmt.Errorf("runtime.mailbox_size must be at least 1, got %d", r.MailboxSize))
	}
	if r.CommandTimeout <= 0 {
		errs = append(errs, errors.New("runtime.command_timeout must be positive"))
	}

	return errors.Join(errs...)
}

func (h *HTTPConfig) validate() error {
	var errs []error

	if h.ListenAddr == "" {
		errs = append(errs, errors.New("http.listen_addr must not be empty"))
	}
	if h.ReadTimeout <= 0 {
		errs = append(errs, errors.New("http.read_timeout must be positive"))
	}
	if h.WriteTimeout <= 0 {
		errs = append(errs, errors.New("http.write_timeout must be positive"))
	}
	if h.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("http.shutdown_timeout must be positive"))
	}

	return errors.Join(errs...)
}

func (r *ReplicationConfig) validate() error {
	var errs []error

	for _, peer := range r.Peers {
		u, err := url.Parse(peer)
		if err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("replication.peers: %q is not an absolute URL", peer))
		}
	}
	if r.RequestTimeout <= 0 {
		errs = append(errs, errors.New("replication.request_timeout must be positive"))
	}
	if r.CircuitBreaker.MaxFailures == 0 {
		errs = append(errs, errors.New("replication.circuit_breaker.max_failures must be positive"))
	}
	if r.CircuitBreaker.Timeout <= 0 {
		errs = append(errs, errors.New("replication.circuit_breaker.timeout must be positive"))
	}

	return errors.Join(errs...)
}

func (l *LogConfig) validate() error {
	var errs []error

	switch l.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", l.Level))
	}

	switch l.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log.format must be one of: json, text; got %q", l.Format))
	}

	return errors.Join(errs...)
}
