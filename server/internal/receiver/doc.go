// Package receiver implements the relay's gRPC endpoint, relay.v1.Relay,
// with two unary methods:
//
//	Publish(PublishRequest) -> PublishResponse   ingest one message
//	Replay(ReplayRequest)   -> ReplayResponse    read buffered messages
//
// Messages use the JSON codec registered by package types; the service
// descriptor is written by hand. Relay errors map to gRPC status codes
// (payload too large → ResourceExhausted, replay gap → OutOfRange, ...).
// Authentication is enforced upstream by the gRPC server interceptor (see
// package auth), so the receiver itself only performs structural validation.
//
// New(r) wires the receiver to a relay; Register adds it to a grpc.Server.
package receiver
