// Package runner is the client side of the streaming RPC to the external
// execution runner. A run is one WebSocket connection: the client sends the
// Request as the first message, then the runner streams Messages until the
// execution finishes and closes the connection.
package runner
