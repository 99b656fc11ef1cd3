package card

import (
	"context"
	"errors"
	"fmt"

	"github.com/kailas-cloud/cardex/internal/db"
	"github.com/kailas-cloud/cardex/internal/domain"
)

// store is the consumer interface for card records (ISP).
type store interface {
	HSet(ctx context.Context, key string, fields map[string]string) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	Del(ctx context.Context, keys ...string) error
}

// Repo keeps card metadata records as hashes at <prefix>card:<id>.
type Repo struct {
	store     store
	keyPrefix string
}

// New creates a card repository.
func New(s store, keyPrefix string) *Repo {
	return &Repo{store: s, keyPrefix: keyPrefix}
}

// Create writes the record for c, replacing any previous one with the same id.
func (r *Repo) Create(ctx context.Context, c domain.IndexedCard) error {
	if c.ID == "" {
		return fmt.Errorf("%w: card id is required", domain.ErrInvalidRecord)
	}
	key := r.key(c.ID)
	if err := r.store.HSet(ctx, key, c.Metadata("")); err != nil {
		return fmt.Errorf("hset %s: %w", key, err)
	}
	return nil
}

// Get returns the card with the given id.
func (r *Repo) Get(ctx context.Context, id string) (domain.IndexedCard, error) {
	key := r.key(id)
	fields, err := r.store.HGetAll(ctx, key)
	if err != nil {
		if errors.Is(err, db.ErrKeyNotFound) {
			return domain.IndexedCard{}, fmt.Errorf("card %s: %w", id, domain.ErrNotFound)
		}
		return domain.IndexedCard{}, fmt.Errorf("hgetall %s: %w", key, err)
	}
	return domain.CardFromMetadata(id, fields), nil
}

// Delete removes the record. Deleting a missing card is not an error.
func (r *Repo) Delete(ctx context.Context, id string) error {
	key := r.key(id)
	if err := r.store.Del(ctx, key); err != nil {
		return fmt.Errorf("del %s: %w", key, err)
	}
	return nil
}

func (r *Repo) key(id string) string {
	return r.keyPrefix + "card:" + id
}
