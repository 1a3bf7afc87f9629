// Package indexes keeps per-field index sets consistent with an
// object's current attribute values.
//
// # Index layout
//
// For every declared index field and every distinct value, the store
// holds one set `<class>:_indices:<field>:<value>` of the ids whose
// field currently matches that value. Each object additionally owns a
// manifest set `<class>:<id>:_indices` listing every index key the
// object currently belongs to.
//
// # Two-phase reconciliation
//
// Sync runs two flushes against the batched command channel:
//
//  1. Add phase. Evaluate the object's current values and, for each
//     (field, value) pair, add the id to the index set and the index
//     key to the manifest - both in the same flush. A crash between
//     the phases leaves at most a harmless extra manifest entry,
//     never a silent orphan: phase two re-derives truth from the
//     persisted attributes, not from the manifest.
//
//  2. Diff-remove phase. Read the manifest back, re-evaluate the
//     valid key set from freshly loaded attributes, and remove the id
//     from every stale index key (and the key from the manifest) in
//     one flush.
//
// Re-deriving the valid set on the second pass tolerates derived
// fields whose values are only known after the attribute write has
// landed, and avoids a read-before-write race against a cached view.
//
// # Relaxed consistency
//
// The two flushes are not atomic with the object's own attribute
// write. Under concurrent writers to the same object there is a
// transient window where index sets hold a superset of the valid
// memberships; concurrent updaters converge once the last writer's
// diff-remove phase lands. Strict serialization exists only for
// serial attributes, through the concurrency guard.
package indexes
