// Package client is a Go client for the relay's WebSocket endpoint.
//
// Dial connects and keeps the connection alive: when it drops, the client
// reconnects with exponential backoff and re-subscribes every topic with
// from_seq set to one past the last sequence it delivered, so the caller sees
// each message once and in order. If the server can no longer replay that far
// back, an error event with code "replay_gap" is emitted on Messages and the
// topic resumes live.
//
//	c, err := client.Dial(ctx, "ws://localhost:8080/ws", client.Options{APIKey: key})
//	if err != nil { ... }
//	defer c.Close()
//	c.Subscribe(ctx, "rooms.lobby")
//	for ev := range c.Messages() { ... }
package client
