// Package broker is the shared intermediary between callers and services.
//
// Parties never talk to each other directly. Each one publishes opaque byte strings
// to named mailboxes and subscribes to the mailboxes it owns:
//
//	svc:calc:host-1/calls           calls addressed to one service instance
//	svc:orc:/registrations          register / heartbeat / unregister envelopes
//	svc:calc:host-1/acks            registration acknowledgements
//	svc:orc:/replies/<uuid>         responses for one caller
//
// Two implementations exist: EtcdBroker for real deployments and MemoryBroker for
// tests and single-process setups.
package broker

import (
	"context"
	"errors"
)

// ErrClosed is returned when publishing or subscribing on a closed broker.
var ErrClosed = errors.New("broker: closed")

// Broker moves messages between mailboxes.
type Broker interface {
	// Publish delivers data to every subscriber currently listening on mailbox.
	Publish(ctx context.Context, mailbox string, data []byte) error
	// Subscribe streams messages published to mailbox after the call returns.
	// The channel is closed when ctx is done or the broker connection is lost.
	Subscribe(ctx context.Context, mailbox string) (<-chan []byte, error)
	Close() error
}

// Mailbox names.

func CallsMailbox(descriptor string) string {
	return descriptor + "/calls"
}

func RegistrationsMailbox(orchestrator string) string {
	return orchestrator + "/registrations"
}

func AcksMailbox(descriptor string) string {
	return descriptor + "/acks"
}

func RepliesMailbox(descriptor, id string) string {
	return descriptor + "/replies/" + id
}
