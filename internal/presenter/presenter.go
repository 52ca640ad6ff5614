// Package presenter adapts the event log, the location history and the
// settings store to what the host renders: a followed map, a scrolling log
// and an editable settings form.
package presenter

import (
	"context"

	"github.com/fivegen/aquariuslocation/internal/pubsub"
)

// consume feeds every value of sub to fn until ctx ends or sub is closed.
func consume[T any](ctx context.Context, sub *pubsub.Subscription[T], fn func(T)) {
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case v, ok := <-sub.C():
			if !ok {
				return
			}
			fn(v)
		}
	}
}
