package adapter

import (
	"context"

	"github.com/harunnryd/chatgate/internal/message"
)

// Inbound is the channel pair a callback-driven SDK feeds: decoded messages and
// decode failures on one channel, in arrival order.
type Inbound struct {
	ch chan inboundItem
}

type inboundItem struct {
	msg message.Message
	err error
}

func NewInbound(size int) *Inbound {
	if size <= 0 {
		size = 64
	}
	return &Inbound{ch: make(chan inboundItem, size)}
}

// Push queues a decoded message. It gives up when done is closed.
func (in *Inbound) Push(msg message.Message, done <-chan struct{}) {
	select {
	case in.ch <- inboundItem{msg: msg}:
	case <-done:
	}
}

// Reject queues a decode failure. It gives up when done is closed.
func (in *Inbound) Reject(err error, done <-chan struct{}) {
	select {
	case in.ch <- inboundItem{err: err}:
	case <-done:
	}
}

// Pump forwards queued items to sink until ctx ends or done is closed, or until
// failed yields an error. Items already queued when the failure arrives are
// delivered before the error is returned.
//
// Sessions whose SDKs deliver events on callbacks use Pump to implement Listen.
func (in *Inbound) Pump(ctx context.Context, failed <-chan error, done <-chan struct{}, sink Sink) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-done:
			return nil
		case item := <-in.ch:
			item.forward(sink)
		case err := <-failed:
			for {
				select {
				case item := <-in.ch:
					item.forward(sink)
				default:
					return err
				}
			}
		}
	}
}

func (i inboundItem) forward(sink Sink) {
	if i.err != nil {
		sink.Drop(i.err)
		return
	}
	sink.Deliver(i.msg)
}
