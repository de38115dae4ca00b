// Package waitset declares the external descriptor-multiplexing capability
// the cross-domain worker is built around: register a set of descriptors
// keyed by an opaque id, block until one is ready, and report which one and
// why. The primitive itself (poll a set of fds) is a language/OS capability
// with a fixed interface (spec.md §1); this package fixes that interface and
// ships a concrete Linux epoll implementation, in the structural style of
// socket515-gaio's watcher (an internal poller plus a completion channel,
// driven from a small event struct) adapted to the worker's pull-one-event
// contract rather than gaio's async-io submission model.
package waitset

// Event reports a single ready descriptor.
type Event struct {
	Id       uint64
	Readable bool
	HungUp   bool
}

// Waitset multiplexes a dynamic set of descriptors keyed by an id the
// caller chooses. Add/Delete may be called concurrently with a blocked
// Wait; implementations must make that safe.
type Waitset interface {
	// Add registers fd under id for readability (and hang-up) events.
	Add(id uint64, fd int) error
	// Delete deregisters id. Deleting an id not present is not an error.
	Delete(id uint64) error
	// Wait blocks until at least one event is ready and returns it (and
	// any other events that were ready in the same poll, in undefined
	// order). The cross-domain worker only ever acts on the first.
	Wait() ([]Event, error)
	// Close releases the underlying poller. Outstanding Waits return an
	// error.
	Close() error
}
