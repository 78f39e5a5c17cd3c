package schema

import "slices"

// Shard describes which actors may see a value. A public shard admits every
// actor; otherwise only the listed actors are admitted.
type Shard struct {
	Public bool
	Actors []string
}

// Public returns the shard that admits everyone.
func Public() Shard {
	return Shard{Public: true}
}

// Actors returns a shard admitting only the given actors.
func Actors(ids ...string) Shard {
	return Shard{Actors: ids}
}

// Allows reports whether actorID passes the shard.
func (s Shard) Allows(actorID string) bool {
	if s.Public {
		return true
	}
	return slices.Contains(s.Actors, actorID)
}

// Empty reports whether the shard admits nobody.
func (s Shard) Empty() bool {
	return !s.Public && len(s.Actors) == 0
}
