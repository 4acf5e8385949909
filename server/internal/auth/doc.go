// Package auth provides API-key authentication for the relay server.
//
// APIKeyInterceptor(mode, header, key) returns a gRPC UnaryServerInterceptor
// that validates the API key from the named gRPC metadata header.
//
// RequestCheck(mode, header, key) returns the equivalent check for HTTP
// requests, used by the WebSocket handshake and the REST API. The key is read
// from the header or, for browsers that cannot set headers on a WebSocket
// upgrade, from the api_key query parameter.
//
// When mode != "apikey" or key == "", all calls pass through (useful for local
// development with auth disabled).
package auth
