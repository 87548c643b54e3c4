// Package config provides configuration loading and validation for hostd.
//
// Configuration is read from a YAML file through the Provider interface.
// A missing file yields Default(); a partial file overrides the defaults
// field by field.
//
// Example configuration file:
//
//	# ~/.hostd/config.yaml
//	socket:
//	  path: /var/run/hostd.socket
//	resolver:
//	  system: true
//	  doh: true
//	  local: true
//	  doh_url: https://dns.google/resolve
//	  doh_record_types: [A, AAAA]
//	  nameservers: [resolv.conf]
//	  timeout: 5s
//	  dual_stack: true
//	cache:
//	  dir: /home/me/.hostd/cache
//	  capacity: 100
//	  ttl: 1h
//	engine:
//	  workers: 4
//	probe:
//	  port: 443
//	  timeout: 2s
//	pool:
//	  max_per_host: 4
//
// Validation rejects an empty socket path, a configuration with every
// backend disabled, a malformed DoH URL, record types other than A and
// AAAA, and worker counts outside 1..16.
package config
