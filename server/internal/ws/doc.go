// Package ws implements the WebSocket transport of the relay server.
//
// New(relay, check) creates a Hub. Hub.ServeHTTP authenticates the upgrade
// request (CONNECT), registers a relay connection and then runs two pumps per
// client: readPump decodes ops and heartbeats the session, writePump drains
// the connection's outbox and pings.
//
// Text frames carry JSON, binary frames carry MessagePack. Replies use the
// framing of the request; deliveries use the framing the client last sent.
//
// Ops from clients:
//
//	{"op":"subscribe","ref":"1","topic":"room1","from_seq":42}
//	{"op":"unsubscribe","ref":"2","topic":"room1"}
//	{"op":"publish","ref":"3","topic":"room1","payload":{"text":"hi"}}
//	{"op":"ping"}
//	{"op":"disconnect"}
//
// Events to clients:
//
//	{"event":"connected","conn_id":"..."}
//	{"event":"ack","ref":"3","topic":"room1","seq":43}
//	{"event":"message","topic":"room1","seq":43,"payload":{"text":"hi"},"ts":1700000000000}
//	{"event":"backpressure","topic":"room1","dropped":5,"last_dropped_seq":40}
//	{"event":"error","ref":"1","code":"replay_gap","error":"..."}
//	{"event":"pong"}
//
// The upgrader accepts all origins. Apply CORS restrictions at the reverse
// proxy level. The hub is mounted at /ws by the server.
package ws
