package txn

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// OperationApplier is the persistence seam: Commit applies each logged
// operation through it, and Rollback applies the synthesized inverses. The
// real SIGEDEM backend plugs in here; the memory applier below serves local
// use and tests.
type OperationApplier interface {
	Apply(ctx context.Context, op Operation) error
}

// MemoryApplier keeps entity images and version stamps in process. Applying
// a mutation bumps the entity's version, which is what the coordinator's
// conflict check compares against.
type MemoryApplier struct {
	mu       sync.RWMutex
	entities map[string]Image
	versions *MemoryVersions
	logger   *zap.Logger
}

// NewMemoryApplier creates an applier backed by the given version store.
func NewMemoryApplier(versions *MemoryVersions, logger *zap.Logger) *MemoryApplier {
	return &MemoryApplier{
		entities: make(map[string]Image),
		versions: versions,
		logger:   logger,
	}
}

// Apply executes one operation against the in-memory state.
func (a *MemoryApplier) Apply(ctx context.Context, op Operation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	key := versionKey(op.Entity, op.EntityID)
	switch op.Kind {
	case OpCreate:
		a.entities[key] = cloneImage(op.After)
		a.versions.Bump(op.Entity, op.EntityID)
	case OpUpdate:
		if _, ok := a.entities[key]; !ok {
			return fmt.Errorf("update of missing entity %s", key)
		}
		a.entities[key] = cloneImage(op.After)
		a.versions.Bump(op.Entity, op.EntityID)
	case OpDelete:
		delete(a.entities, key)
		a.versions.Forget(op.Entity, op.EntityID)
	case OpRead:
		// Reads have no effect on stored state.
	default:
		return fmt.Errorf("unknown operation kind %q", op.Kind)
	}

	a.logger.Debug("applied operation",
		zap.String("op_id", op.ID),
		zap.String("kind", string(op.Kind)),
		zap.String("entity", key))
	return nil
}

// Get returns the current image of an entity, if present.
func (a *MemoryApplier) Get(entity EntityType, entityID string) (Image, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	img, ok := a.entities[versionKey(entity, entityID)]
	if !ok {
		return nil, false
	}
	return cloneImage(img), true
}

// Len returns the number of stored entities.
func (a *MemoryApplier) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.entities)
}

func cloneImage(img Image) Image {
	if img == nil {
		return nil
	}
	out := make(Image, len(img))
	for k, v := range img {
		out[k] = v
	}
	return out
}
