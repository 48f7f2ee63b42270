package agent

import (
	"context"

	"github.com/ashureev/jenkins-detective/internal/domain"
)

// Pending is a reply that has been scheduled but may not have landed yet.
// It is resolved exactly once; any number of goroutines may wait on it.
type Pending struct {
	done chan struct{}
	msg  domain.Message
	err  error
}

func newPending() *Pending {
	return &Pending{done: make(chan struct{})}
}

func (p *Pending) resolve(msg domain.Message, err error) {
	p.msg = msg
	p.err = err
	close(p.done)
}

// Done is closed once the reply has been appended or abandoned.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

func (p *Pending) resolved() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the reply lands or ctx ends. It returns
// ErrReplyDiscarded if the session was cleared first and ErrServiceClosed if
// the service shut down.
func (p *Pending) Wait(ctx context.Context) (domain.Message, error) {
	select {
	case <-p.done:
		return p.msg, p.err
	case <-ctx.Done():
		return domain.Message{}, ctx.Err()
	}
}
