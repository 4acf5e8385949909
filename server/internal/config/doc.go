// Package config loads the relay server configuration from the `server:`
// section of a YAML or TOML file.
//
// Config fields:
//   - GRPCPort       port for the gRPC receiver (default 50051)
//   - HTTPPort       port for the REST API, metrics and WebSocket hub (default 8080)
//   - Log            level (debug|info|warn|error) and format (json|console)
//   - Auth.Mode      "apikey" or "none"
//   - Auth.KeyEnv    environment variable holding the expected API key
//   - Auth.Header    gRPC metadata/HTTP header name (default "x-api-key")
//   - Relay          payload limit, ring capacity, timeouts, backpressure policy,
//     queue size, dispatch workers, publish rate, allowed topic globs
//   - Bridge         optional Kafka or NATS mirror of accepted messages
//   - Alerts         evaluation interval, rules over topic stats, webhooks
//
// Load(path) applies defaults before unmarshalling, then validates. A .env
// file beside the config is loaded first.
//
// Watch(ctx, path, onChange) uses fsnotify to detect file changes and calls
// onChange with the newly parsed Config.
package config
