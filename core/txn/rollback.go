package txn

import "time"

// synthesizeInverse derives the undo operation for op. Reads have no
// inverse. The inverse gets a fresh id and timestamp but inherits the entity
// identity and the user/metadata context of the original.
//
//	create -> delete (before = the create's after-image)
//	update -> update with before/after swapped
//	delete -> create (after = the delete's before-image)
func synthesizeInverse(op Operation) (Operation, bool) {
	inv := Operation{
		ID:        newOperationID(),
		Entity:    op.Entity,
		EntityID:  op.EntityID,
		Timestamp: time.Now(),
		UserID:    op.UserID,
		Metadata:  op.Metadata,
	}

	switch op.Kind {
	case OpCreate:
		inv.Kind = OpDelete
		inv.Before = op.After
	case OpUpdate:
		inv.Kind = OpUpdate
		inv.Before = op.After
		inv.After = op.Before
	case OpDelete:
		inv.Kind = OpCreate
		inv.After = op.Before
	default:
		return Operation{}, false
	}
	return inv, true
}
