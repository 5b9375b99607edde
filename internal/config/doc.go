/*
Package config loads the configuration of a vfile registry and its pipeline.

Sources are applied in increasing precedence:

	compiled-in defaults   NewDefault
	YAML file              LoadFromFile / LoadFromFs
	environment            LoadFromEnv (VFILE_*)
	command-line flags     RegisterFlags, then FlagSet.Parse

Files ending in .json or .hujson are read as JSON with comments. SaveToFile
replaces the target atomically.

Example configuration:

	logging:
	  level: INFO
	  format: json

	pipeline:
	  workers: 8
	  max_pending: 1024

	local:
	  enabled: true
	  root: /srv/data

	raw:
	  enabled: true
	  compression: ZlibDeflate

	s3:
	  enabled: true
	  region: us-east-1
	  block_size: 1048576
	  read_ahead_blocks: 3
	  cache:
	    max_size: 67108864
	  retry:
	    max_attempts: 4
	  circuit:
	    consecutive_failures: 5
	    timeout: 30s

	metrics:
	  enabled: true
	  address: :9100

Environment overrides accept byte sizes such as "64MB" for size fields and
Go durations for timeouts. Malformed overrides are collected and returned
together as INVALID_CONFIG errors.
*/
package config
