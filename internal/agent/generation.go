package agent

import (
	"context"
	"fmt"
	"slices"

	"github.com/sirupsen/logrus"

	"github.com/iTrooz/offline-agent/internal/cache/httpcache"
)

// GenerationInfo describes one cache store found in the storage
type GenerationInfo struct {
	Name      string `json:"name" yaml:"name"`
	Active    bool   `json:"active" yaml:"active"`
	Installed bool   `json:"installed" yaml:"installed"`
	Entries   int    `json:"entries" yaml:"entries"`
}

// Generations inspects and sweeps cache generations. Superseded generations are
// never removed automatically: Sweep has to be invoked explicitly.
type Generations struct {
	storage *httpcache.Storage
	state   *StateStore
}

func NewGenerations(storage *httpcache.Storage, state *StateStore) *Generations {
	return &Generations{storage: storage, state: state}
}

// List returns every generation present in the storage
func (g *Generations) List(ctx context.Context) ([]GenerationInfo, error) {
	state, err := g.state.Load()
	if err != nil {
		return nil, err
	}
	names, err := g.storage.Names(ctx)
	if err != nil {
		return nil, err
	}

	infos := make([]GenerationInfo, 0, len(names))
	for _, name := range names {
		store, err := g.storage.Lookup(ctx, name)
		if err != nil {
			return nil, err
		}
		keys, err := store.Keys(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list entries of %s: %w", name, err)
		}
		infos = append(infos, GenerationInfo{
			Name:      name,
			Active:    state.Active == name,
			Installed: state.IsInstalled(name),
			Entries:   len(keys),
		})
	}
	return infos, nil
}

// Sweep deletes every generation not listed in keep and returns the deleted names.
// The active generation is always kept.
func (g *Generations) Sweep(ctx context.Context, keep ...string) ([]string, error) {
	state, err := g.state.Load()
	if err != nil {
		return nil, err
	}
	if state.Active != "" {
		keep = append(slices.Clone(keep), state.Active)
	}

	names, err := g.storage.Names(ctx)
	if err != nil {
		return nil, err
	}

	var removed []string
	for _, name := range names {
		if slices.Contains(keep, name) {
			continue
		}
		if _, err := g.storage.Delete(ctx, name); err != nil {
			return removed, err
		}
		if err := g.state.Forget(name); err != nil {
			return removed, err
		}
		logrus.Infof("Swept cache generation %s", name)
		removed = append(removed, name)
	}
	return removed, nil
}
