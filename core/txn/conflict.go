package txn

import (
	"fmt"
	"sync"
)

// EntityVersions exposes the current version stamp of each entity. The
// coordinator compares an operation's BaseVersion against it to reject
// writes based on stale reads.
type EntityVersions interface {
	Version(entity EntityType, entityID string) (uint64, bool)
}

// checkConflict rejects a non-read operation whose BaseVersion no longer
// matches the stored version. BaseVersion zero means the caller never read a
// version (creates, blind writes) and skips the check.
func checkConflict(versions EntityVersions, txnID string, op Operation) error {
	if op.Kind == OpRead || op.BaseVersion == 0 || versions == nil {
		return nil
	}
	current, ok := versions.Version(op.Entity, op.EntityID)
	if !ok {
		return nil
	}
	if current != op.BaseVersion {
		return newError(ErrConflict, txnID, fmt.Sprintf(
			"%s %s modified concurrently: version %d, expected %d",
			op.Entity, op.EntityID, current, op.BaseVersion))
	}
	return nil
}

// MemoryVersions is an in-process EntityVersions store, bumped by the memory
// applier on every committed mutation.
type MemoryVersions struct {
	mu       sync.RWMutex
	versions map[string]uint64
}

// NewMemoryVersions creates an empty version store.
func NewMemoryVersions() *MemoryVersions {
	return &MemoryVersions{versions: make(map[string]uint64)}
}

func versionKey(entity EntityType, entityID string) string {
	return fmt.Sprintf("%s:%s", entity, entityID)
}

// Version returns the current version of the entity, if it has one.
func (v *MemoryVersions) Version(entity EntityType, entityID string) (uint64, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	ver, ok := v.versions[versionKey(entity, entityID)]
	return ver, ok
}

// Bump increments and returns the entity's version.
func (v *MemoryVersions) Bump(entity EntityType, entityID string) uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	key := versionKey(entity, entityID)
	v.versions[key]++
	return v.versions[key]
}

// Forget removes the entity's version entry (after a delete).
func (v *MemoryVersions) Forget(entity EntityType, entityID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.versions, versionKey(entity, entityID))
}
