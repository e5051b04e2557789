// Package screener answers whether users are willing to receive
// communication from a given actor, based on mute/ignore/block
// relationships they hold against that actor.
package screener

import "context"

// relationshipStore is the slice of the data store the screener needs.
type relationshipStore interface {
	ListCommunicationPreventers(ctx context.Context, actorID string, candidateIDs []string) ([]string, error)
}

type Screener struct {
	store relationshipStore
}

func New(store relationshipStore) *Screener {
	return &Screener{store: store}
}

// AllowingActorCommunication returns the subset of candidateIDs who hold no
// mute, ignore or block against the actor, preserving input order. The check
// is directional: only relationships held BY a candidate AGAINST the actor
// count. One batch query regardless of candidate count.
func (s *Screener) AllowingActorCommunication(ctx context.Context, actorID string, candidateIDs []string) ([]string, error) {
	if len(candidateIDs) == 0 {
		return nil, nil
	}

	preventers, err := s.store.ListCommunicationPreventers(ctx, actorID, candidateIDs)
	if err != nil {
		return nil, err
	}

	blocked := make(map[string]bool, len(preventers))
	for _, id := range preventers {
		blocked[id] = true
	}

	allowed := make([]string, 0, len(candidateIDs))
	seen := make(map[string]bool, len(candidateIDs))
	for _, id := range candidateIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		if id == actorID || !blocked[id] {
			allowed = append(allowed, id)
		}
	}
	return allowed, nil
}

// PreventsCommunication reports whether targetID refuses communication from
// the actor.
func (s *Screener) PreventsCommunication(ctx context.Context, actorID, targetID string) (bool, error) {
	allowed, err := s.AllowingActorCommunication(ctx, actorID, []string{targetID})
	if err != nil {
		return false, err
	}
	return len(allowed) == 0, nil
}
