// Package async implements a simple completion-future primitive used to
// signal and await the outcome of asynchronous operations.
package async

import "context"

// Op is the future of an asynchronous operation. It is resolved exactly
// once with the operation's error outcome, and may be awaited by any
// number of concurrent readers.
type Op struct {
	done chan struct{}
	err  error
}

// NewOp returns a new, unresolved Op.
func NewOp() *Op {
	return &Op{done: make(chan struct{})}
}

// ResolvedOp returns an Op which is already resolved with |err|.
func ResolvedOp(err error) *Op {
	var op = NewOp()
	op.Resolve(err)
	return op
}

// Resolve the Op with the operation's error outcome, waking all
// waiters. Resolve panics if called twice.
func (o *Op) Resolve(err error) {
	o.err = err
	close(o.done)
}

// Done returns a channel closed upon resolution.
func (o *Op) Done() <-chan struct{} { return o.done }

// Err returns the resolved error outcome. It must be called only after
// Done selects.
func (o *Op) Err() error {
	select {
	case <-o.done:
		return o.err
	default:
		panic("Err called before Op resolved")
	}
}

// Wait blocks until the Op resolves or the Context is cancelled,
// returning the respective error.
func (o *Op) Wait(ctx context.Context) error {
	select {
	case <-o.done:
		return o.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
