// internal/channel/unbuffered.go
package channel

// Unbuffered hands every value directly to a receiver.
type Unbuffered[T any] struct {
	ch chan T
}

// NewUnbuffered creates an unbuffered channel.
func NewUnbuffered[T any]() *Unbuffered[T] {
	return &Unbuffered[T]{ch: make(chan T)}
}

// Send blocks until the value is received.
func (u *Unbuffered[T]) Send(v T) {
	u.ch <- v
}

func (u *Unbuffered[T]) SendOrDone(v T, done <-chan struct{}) bool {
	select {
	case u.ch <- v:
		return true
	case <-done:
		return false
	}
}

func (u *Unbuffered[T]) Receive() <-chan T {
	return u.ch
}

// Len is always 0.
func (u *Unbuffered[T]) Len() int {
	return 0
}

func (u *Unbuffered[T]) Close() {
	close(u.ch)
}
