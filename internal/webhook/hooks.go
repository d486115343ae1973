package webhook

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MinSecretLength is the shortest caller-supplied signing secret accepted.
const MinSecretLength = 16

const secretPrefix = "whsec_"

var knownEvents = map[string]bool{
	EventJobCompleted: true,
	EventJobFailed:    true,
	EventAll:          true,
}

// Hooks manages owner-scoped webhook registrations.
type Hooks struct {
	store  Store
	guard  *Guard
	logger *slog.Logger
	now    func() time.Time
}

func NewHooks(store Store, guard *Guard, logger *slog.Logger) *Hooks {
	return &Hooks{store: store, guard: guard, logger: logger, now: time.Now}
}

// Register validates the destination and stores a registration for owner.
// An empty secret is replaced by a generated one; the returned registration
// is the only place the secret is ever handed back.
func (h *Hooks) Register(ctx context.Context, owner, rawURL string, events []string, secret string) (*Registration, error) {
	if owner == "" {
		return nil, errors.New("register webhook: owner is required")
	}
	events, err := normalizeEvents(events)
	if err != nil {
		return nil, err
	}

	if secret == "" {
		secret, err = generateSecret()
		if err != nil {
			return nil, err
		}
	} else if len(secret) < MinSecretLength {
		return nil, fmt.Errorf("%w: need at least %d characters", ErrWeakSecret, MinSecretLength)
	}

	target, err := h.guard.Validate(ctx, rawURL)
	if err != nil {
		if errors.Is(err, ErrUnresolvable) {
			return nil, fmt.Errorf("%w: %v", ErrUnsafeDestination, err)
		}
		return nil, err
	}

	id, err := uuid.NewRandom()
	if err != nil {
		return nil, fmt.Errorf("generate webhook id: %w", err)
	}
	reg := &Registration{
		ID:        id.String(),
		Owner:     owner,
		URL:       target.URL.String(),
		Secret:    secret,
		Events:    events,
		CreatedAt: h.now().UTC(),
	}
	if err := h.store.CreateRegistration(ctx, reg); err != nil {
		return nil, err
	}
	h.logger.Info("webhook registered", "webhook_id", reg.ID, "owner", owner, "host", target.Host, "events", events)
	return reg, nil
}

func (h *Hooks) List(ctx context.Context, owner string) ([]Registration, error) {
	return h.store.ListRegistrations(ctx, owner)
}

func (h *Hooks) Delete(ctx context.Context, owner, id string) error {
	if err := h.store.DeleteRegistration(ctx, owner, id); err != nil {
		return err
	}
	h.logger.Info("webhook deleted", "webhook_id", id, "owner", owner)
	return nil
}

// Deliveries returns the attempt history of one of owner's registrations.
// Someone else's registration is reported as ErrNotFound.
func (h *Hooks) Deliveries(ctx context.Context, owner, id string, limit int) ([]Delivery, error) {
	reg, err := h.store.GetRegistration(ctx, id)
	if err != nil {
		return nil, err
	}
	if reg.Owner != owner {
		return nil, ErrNotFound
	}
	return h.store.ListDeliveries(ctx, id, limit)
}

func normalizeEvents(events []string) ([]string, error) {
	if len(events) == 0 {
		return []string{EventJobCompleted, EventJobFailed}, nil
	}
	out := make([]string, 0, len(events))
	for _, e := range events {
		e = strings.TrimSpace(e)
		if !knownEvents[e] {
			return nil, fmt.Errorf("%w: %q", ErrInvalidEvent, e)
		}
		if !slices.Contains(out, e) {
			out = append(out, e)
		}
	}
	return out, nil
}

func generateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate webhook secret: %w", err)
	}
	return secretPrefix + hex.EncodeToString(b), nil
}

func sortRegistrations(regs []Registration) {
	slices.SortFunc(regs, func(a, b Registration) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
}
