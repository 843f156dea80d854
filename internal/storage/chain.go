package storage

import (
	"errors"
	"fmt"
)

type Store interface {
	Name() string
	Get(key string) ([]byte, bool, error)
	Set(key string, value []byte) error
	Delete(key string) error
}

type Logger interface {
	Printf(format string, args ...any)
}

// Tier is one attempt in the fallback chain.
type Tier struct {
	Store   Store
	Reduced bool
}

func (t Tier) label() string {
	if t.Reduced {
		return t.Store.Name() + " (reduced)"
	}
	return t.Store.Name()
}

// DefaultTiers is the standard order: full snapshot to the primary store, full
// snapshot to the secondary store, then the reduced snapshot to the secondary store.
func DefaultTiers(primary, secondary Store) []Tier {
	return []Tier{
		{Store: primary},
		{Store: secondary},
		{Store: secondary, Reduced: true},
	}
}

// Chain writes a project snapshot to the first tier that accepts it and reads it
// back from the first store that holds a usable copy.
type Chain struct {
	tiers  []Tier
	logger Logger
}

func NewChain(logger Logger, tiers ...Tier) (*Chain, error) {
	if len(tiers) == 0 {
		return nil, fmt.Errorf("storage chain requires at least one tier")
	}
	for i, tier := range tiers {
		if tier.Store == nil {
			return nil, fmt.Errorf("storage tier %d has no store", i)
		}
	}
	return &Chain{tiers: append([]Tier(nil), tiers...), logger: logger}, nil
}

// Write persists snap under the project's current key. It returns the label of
// the tier that succeeded. Stores of tiers that refused the write lose their
// copies so Read cannot return an older snapshot ahead of this one. When every
// tier fails the returned error wraps ErrAllTiersFailed and each tier's cause.
func (c *Chain) Write(projectID string, snap Snapshot) (string, error) {
	if projectID == "" {
		return "", fmt.Errorf("write snapshot: project id is required")
	}
	var full, reduced []byte
	var errs []error
	var refused []Store
	for _, tier := range c.tiers {
		payload := full
		if tier.Reduced {
			payload = reduced
		}
		if payload == nil {
			source := snap
			if tier.Reduced {
				source = snap.Reduced()
			}
			encoded, err := encodeSnapshot(source)
			if err != nil {
				return "", fmt.Errorf("encode snapshot: %w", err)
			}
			payload = encoded
			if tier.Reduced {
				reduced = encoded
			} else {
				full = encoded
			}
		}
		if err := tier.Store.Set(CurrentKey(projectID), payload); err != nil {
			c.logf("snapshot write to %s failed project=%s err=%v", tier.label(), projectID, err)
			errs = append(errs, fmt.Errorf("%s: %w", tier.label(), err))
			refused = append(refused, tier.Store)
			continue
		}
		for _, stale := range refused {
			if stale != tier.Store {
				c.dropStale(stale, projectID)
			}
		}
		if tier.Reduced {
			c.logf("snapshot for project=%s saved without page content to %s", projectID, tier.Store.Name())
		}
		return tier.label(), nil
	}
	c.logf("snapshot for project=%s was not persisted by any tier", projectID)
	return "", fmt.Errorf("%w: %w", ErrAllTiersFailed, errors.Join(errs...))
}

// Read returns the first usable snapshot, checking each distinct store in tier
// order for the current key and then the legacy key. A legacy hit is migrated to the current
// key of the store it was found in. Corrupt payloads are treated as absent.
func (c *Chain) Read(projectID string) (Snapshot, bool) {
	if projectID == "" {
		return Snapshot{}, false
	}
	for _, store := range c.stores() {
		if snap, ok := c.readKey(store, CurrentKey(projectID), decodeSnapshot); ok {
			return snap, true
		}
		snap, ok := c.readKey(store, LegacyKey(projectID), decodeLegacy)
		if !ok {
			continue
		}
		if encoded, err := encodeSnapshot(snap); err == nil {
			if err := store.Set(CurrentKey(projectID), encoded); err != nil {
				c.logf("legacy snapshot migration failed store=%s project=%s err=%v", store.Name(), projectID, err)
			}
		}
		return snap, true
	}
	return Snapshot{}, false
}

func (c *Chain) dropStale(store Store, projectID string) {
	for _, key := range []string{CurrentKey(projectID), LegacyKey(projectID)} {
		if err := store.Delete(key); err != nil {
			c.logf("stale snapshot delete failed store=%s key=%s err=%v", store.Name(), key, err)
		}
	}
}

func (c *Chain) readKey(store Store, key string, decode func([]byte) (Snapshot, error)) (Snapshot, bool) {
	data, ok, err := store.Get(key)
	if err != nil {
		c.logf("snapshot read from %s failed key=%s err=%v", store.Name(), key, err)
		return Snapshot{}, false
	}
	if !ok {
		return Snapshot{}, false
	}
	snap, err := decode(data)
	if err != nil {
		c.logf("ignoring snapshot in %s key=%s: %v", store.Name(), key, err)
		return Snapshot{}, false
	}
	return snap, true
}

func (c *Chain) stores() []Store {
	out := make([]Store, 0, len(c.tiers))
	for _, tier := range c.tiers {
		seen := false
		for _, existing := range out {
			if existing == tier.Store {
				seen = true
				break
			}
		}
		if !seen {
			out = append(out, tier.Store)
		}
	}
	return out
}

func (c *Chain) logf(format string, args ...any) {
	if c.logger == nil {
		return
	}
	c.logger.Printf(format, args...)
}
