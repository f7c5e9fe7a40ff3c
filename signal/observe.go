package signal

import "context"

// Observe returns a channel of readings whose first element is the current
// value. The sequence cannot be restarted: it ends, and the underlying monitor
// is released, when ctx is cancelled or the cache dies. Readings are buffered
// without bound so a slow consumer never stalls other monitors.
func (s *Signal) Observe(ctx context.Context) (<-chan Reading, error) {
	q := newQueue[Reading]()
	handle, err := s.Monitor(q.push, WithErrorHandler(func(error) { q.close() }))
	if err != nil {
		return nil, err
	}
	out := make(chan Reading)
	go func() {
		defer close(out)
		defer handle.Close()
		for q.wait(ctx) {
			items, done := q.drain()
			for _, r := range items {
				select {
				case out <- r:
				case <-ctx.Done():
					return
				}
			}
			if done {
				return
			}
		}
	}()
	return out, nil
}
