// Package event defines the progress events the engine publishes to
// whoever is driving it (CLI, observability). Events are advisory; the
// engine never blocks on a slow consumer.
package event

type Event interface{}

// PieceVerified fires exactly once per piece, after its hash matched
// and its bytes were handed to storage.
type PieceVerified struct {
	Index int
}

// PieceFailed fires when a completed piece failed hash verification
// and was reset for re-download.
type PieceFailed struct {
	Index int
}

type PeerConnected struct {
	Addr string
}

type PeerDisconnected struct {
	Addr string
}
