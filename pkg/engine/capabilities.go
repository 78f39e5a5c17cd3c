package engine

import "strings"

// Capabilities lists the operations a vault supports. Vaults report them once
// at registration; the archivist validates topics against them at setup.
type Capabilities struct {
	Get       bool
	MGet      bool
	Set       bool
	Add       bool
	Touch     bool
	Del       bool
	List      bool
	ApplyDiff bool
	// Push marks a write-only vault that turns writes into events for
	// connected actors instead of persisting them.
	Push bool
}

// Readable reports whether records can be read back.
func (c Capabilities) Readable() bool {
	return c.Get
}

// Writable reports whether every write operation is available.
func (c Capabilities) Writable() bool {
	return c.Push || (c.Set && c.Add && c.Touch && c.Del)
}

// Missing names the operations of required that c lacks.
func (c Capabilities) Missing(required Capabilities) []string {
	var missing []string
	check := func(name string, want, have bool) {
		if want && !have {
			missing = append(missing, name)
		}
	}
	check("get", required.Get, c.Get)
	check("mget", required.MGet, c.MGet)
	check("set", required.Set, c.Set)
	check("add", required.Add, c.Add)
	check("touch", required.Touch, c.Touch)
	check("del", required.Del, c.Del)
	check("list", required.List, c.List)
	check("applyDiff", required.ApplyDiff, c.ApplyDiff)
	check("push", required.Push, c.Push)
	return missing
}

func (c Capabilities) String() string {
	// Everything c has is what an empty set lacks relative to c.
	return "[" + strings.Join(Capabilities{}.Missing(c), " ") + "]"
}
