// Package channel wraps Go channels behind small interfaces so producers can
// be switched between buffered and unbuffered delivery (see the debug build tag).
package channel

// Receiver provides read access to a channel.
type Receiver[T any] interface {
	Receive() <-chan T
	Len() int
}

// Sender provides write access to a channel.
type Sender[T any] interface {
	Send(T)
	// SendOrDone gives up when done closes first and reports whether v was sent.
	SendOrDone(v T, done <-chan struct{}) bool
}

// Channel combines read and write access.
type Channel[T any] interface {
	Receiver[T]
	Sender[T]
	Close()
}
