// Package queue provides point-to-point unit channels between pipeline stages.
//
// A queue has two sides. Producers open the InputSide and Put units on it;
// consumers open the OutputSide and Poll. Each unit put on a queue is handed
// to exactly one consumer, in FIFO order for that queue, no matter how many
// consumers poll it.
//
// Two transports exist: an in-process Broker for tests and single-process
// deployments, and NATS JetStream work-queue streams for everything else.
// Both copy units on Put so producer and consumer never share a record.
package queue

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/c360/pilotstreams/errors"
	"github.com/c360/pilotstreams/unit"
)

// Side selects which end of a named queue a handle is for
type Side int

const (
	// InputSide is the write end: Put only
	InputSide Side = iota
	// OutputSide is the read end: Poll only
	OutputSide
)

func (s Side) String() string {
	switch s {
	case InputSide:
		return "input"
	case OutputSide:
		return "output"
	default:
		return fmt.Sprintf("Side(%d)", int(s))
	}
}

// Queue is one side of a named channel
type Queue interface {
	Name() string
	Side() Side
	// Put enqueues a copy of u. InputSide only.
	Put(ctx context.Context, u *unit.Unit) error
	// Poll waits up to timeout for a unit and returns (nil, nil) when none
	// arrived. A timeout <= 0 probes once without waiting. OutputSide only.
	Poll(ctx context.Context, timeout time.Duration) (*unit.Unit, error)
	Close() error
}

// Kind names a queue transport
type Kind string

const (
	KindMemory    Kind = "memory"
	KindJetStream Kind = "jetstream"
)

// KindFor selects the transport for a bridge address. An empty address is
// the in-process transport.
func KindFor(address string) (Kind, error) {
	switch {
	case address == "" || address == "memory":
		return KindMemory, nil
	case strings.HasPrefix(address, "nats://"), strings.HasPrefix(address, "tls://"):
		return KindJetStream, nil
	default:
		return "", errors.WrapInvalid(errors.ErrUnknownTransport, "queue", "KindFor", "resolve address "+address)
	}
}

func checkSide(name string, have, want Side, method string) error {
	if have != want {
		return errors.WrapInvalid(errors.ErrWrongSide, "queue", method,
			fmt.Sprintf("%s on %s side of %s", strings.ToLower(method), have, name))
	}
	return nil
}
