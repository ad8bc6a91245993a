// Package config handles configuration loading for coven-chat.
//
// # Overview
//
// Configuration is loaded from YAML or TOML files with environment variable
// expansion. Every field has a default, so a missing file at the default
// location is not an error.
//
// # Configuration File
//
// Locations (in order):
//
//  1. Path from the --config flag
//  2. Path from COVEN_CHAT_CONFIG environment variable
//  3. $XDG_CONFIG_HOME/coven/chat.yaml
//  4. ~/.config/coven/chat.yaml
//
// Files ending in .toml are decoded as TOML; anything else is YAML.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	server:
//	  token: "${COVEN_TOKEN}"
//
// Syntax: ${VAR_NAME}. Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	reconnect:
//	  base_delay: "2s"
//	  max_delay: "30s"
//	chat:
//	  stale_stream_timeout: "2m"
//
// A value of "0" disables heartbeats (stomp.heartbeat) or stale stream
// finalisation (chat.stale_stream_timeout), and the age check on execution
// progress (chat.execution_max_age).
//
// # Configuration Sections
//
// Server endpoints:
//
//	server:
//	  ws_url: "wss://localhost:7777/ws-linqra"
//	  api_url: "https://localhost:7777"
//	  token: "${COVEN_TOKEN}"
//	  assistant_id: ""
//
// Frame protocol:
//
//	stomp:
//	  accept_version: "1.1,1.0"
//	  heartbeat: "4s"
//	  global_topic: "/topic/chat"
//	  conversation_topic_prefix: ""
//	  cancel_destination: "/app/chat-cancel"
//	  execution_topic: "/topic/execution"  # empty disables task progress
//
// Reconnection:
//
//	reconnect:
//	  base_delay: "2s"
//	  max_delay: "30s"
//	  growth_factor: 1.5
//	  max_attempts: 10
//	  connect_timeout: "10s"
//
// Conversation view:
//
//	chat:
//	  page_size: 10
//	  watchdog: "30s"
//	  stale_stream_timeout: "2m"
//	  completion_markers: ["completed", "Success"]
//	  dedupe_ttl: "5m"
//	  dedupe_size: 1024
//	  execution_team_id: ""      # empty shows progress for every team
//	  execution_max_age: "2m"
//
// Logging and metrics:
//
//	logging:
//	  level: "info"     # debug, info, warn, error
//	  format: "text"    # text, json
//	metrics:
//	  enabled: false
//	  addr: "127.0.0.1:9464"
//	  path: "/metrics"
//
// # Usage
//
//	cfg, path, err := config.LoadOrDefault(flagPath)
//	if err != nil {
//	    return err
//	}
//	mgr := transport.NewManager(cfg.Transport(), dialer, logger)
package config
