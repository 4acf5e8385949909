// Package types defines the frames exchanged between relay servers and
// clients over WebSocket, and the two codecs they may be carried in: JSON in
// text frames and MessagePack in binary frames.
package types
