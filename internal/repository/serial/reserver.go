package serial

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// DefaultTTL bounds how long a claim outlives a crashed saga.
const DefaultTTL = 5 * time.Minute

type store interface {
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	DelIfValue(ctx context.Context, key string, value []byte) (bool, error)
}

// Reserver claims serial numbers with SET NX so two in-flight cards cannot both
// pass the duplicate check. Claims expire on their own; committed cards are then
// found by the index lookup.
type Reserver struct {
	store     store
	keyPrefix string
	ttl       time.Duration
}

// New creates a serial reserver. A non-positive ttl falls back to DefaultTTL.
func New(s store, keyPrefix string, ttl time.Duration) *Reserver {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Reserver{store: s, keyPrefix: keyPrefix, ttl: ttl}
}

// Claim reserves serial for owner. It returns false when someone else holds it.
func (r *Reserver) Claim(ctx context.Context, serial, owner string) (bool, error) {
	ok, err := r.store.SetNX(ctx, r.key(serial), []byte(owner), r.ttl)
	if err != nil {
		return false, fmt.Errorf("claim serial %s: %w", serial, err)
	}
	return ok, nil
}

// Release drops the claims in owners (serial -> owner). A claim that expired and
// was taken by another owner is left alone.
func (r *Reserver) Release(ctx context.Context, owners map[string]string) error {
	var errs []error
	for serial, owner := range owners {
		if _, err := r.store.DelIfValue(ctx, r.key(serial), []byte(owner)); err != nil {
			errs = append(errs, fmt.Errorf("release serial %s: %w", serial, err))
		}
	}
	return errors.Join(errs...)
}

func (r *Reserver) key(serial string) string {
	return r.keyPrefix + "serial:" + serial
}
