package archivist

import (
	"context"
	"fmt"

	"github.com/celerix-dev/archivist/pkg/engine"
	"github.com/celerix-dev/archivist/pkg/schema"
	"github.com/celerix-dev/archivist/pkg/value"
)

// Migrate copies every record of topicName from one vault to another and
// returns how many records were written. This works for:
// - seeding a new vault before adding it to a topic's write list
// - backing up a remote vault into a file or memory vault
//
// The source must support list and get, the destination set. Remaining
// expirations are carried over. Migrate stops at the first failure; records
// already copied stay copied.
func Migrate(ctx context.Context, a *Archivist, topicName, from, to string) (int, error) {
	t, err := a.topic(topicName)
	if err != nil {
		return 0, err
	}
	src, err := a.registry.Bind(from, t.name)
	if err != nil {
		return 0, err
	}
	dst, err := a.registry.Bind(to, t.name)
	if err != nil {
		return 0, err
	}
	if caps := src.Capabilities(); !caps.List || !caps.Get {
		return 0, fmt.Errorf("%w: vault %q cannot be migrated from (has %s)", engine.ErrCapabilityUnsupported, from, caps)
	}
	if caps := dst.Capabilities(); !caps.Set {
		return 0, fmt.Errorf("%w: vault %q cannot be migrated to (has %s)", engine.ErrCapabilityUnsupported, to, caps)
	}

	// 1. Get every index of the topic from the source
	indexes, err := src.List(ctx, schema.Index{})
	if err != nil {
		return 0, fmt.Errorf("failed to list %s on %s: %w", topicName, from, err)
	}

	copied := 0
	for _, index := range indexes {
		// 2. Read the record; it may have expired since listing
		v := value.New(t.name, index)
		found, err := src.Get(ctx, v)
		if err != nil {
			return copied, fmt.Errorf("failed to read %s: %w", v.Ref(), err)
		}
		if !found {
			continue
		}
		ttl := v.TTL(a.now())
		if !v.Expires().IsZero() && !a.now().Before(v.Expires()) {
			continue
		}

		// 3. Push it into the destination
		if err := dst.Write(ctx, engine.Write{Op: engine.OpSet, Value: v, TTL: ttl}); err != nil {
			return copied, fmt.Errorf("failed to set %s in %s: %w", v.Ref(), to, err)
		}
		copied++
	}

	a.logger.Info("migrated topic", "topic", topicName, "from", from, "to", to, "records", copied)
	return copied, nil
}
