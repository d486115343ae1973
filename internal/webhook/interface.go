package webhook

import (
	"context"
	"net"
	"time"
)

//go:generate mockgen -destination=mocks/mock_resolver.go -package=mocks github.com/mattjoyce/ocrgate/internal/webhook Resolver

// Resolver looks up the addresses of a hostname. *net.Resolver satisfies it.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// Store persists registrations and the per-attempt delivery log.
type Store interface {
	CreateRegistration(ctx context.Context, reg *Registration) error
	GetRegistration(ctx context.Context, id string) (*Registration, error)
	ListRegistrations(ctx context.Context, owner string) ([]Registration, error)
	// DeleteRegistration removes id only if owner owns it, otherwise ErrNotFound.
	DeleteRegistration(ctx context.Context, owner, id string) error
	RecordDelivery(ctx context.Context, d Delivery) error
	// ListDeliveries returns newest attempts first.
	ListDeliveries(ctx context.Context, registrationID string, limit int) ([]Delivery, error)
	PurgeDeliveriesBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// EventPublisher receives delivery outcomes for the live event stream.
type EventPublisher interface {
	Publish(eventType, owner string, data any)
}
