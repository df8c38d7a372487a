package models

// Entity is implemented by every governed record so the engine can derive a
// stable (type, id) pair without reflection.
type Entity interface {
	EntityType() string
	EntityID() string
}

// EntityRef names a governed record either by a loaded instance or by an
// explicit (type, id) pair. It is resolved once at the component boundary.
type EntityRef struct {
	Type     string
	ID       string
	Instance Entity
}

// Ref builds a reference from a loaded entity instance.
func Ref(e Entity) EntityRef {
	return EntityRef{Type: e.EntityType(), ID: e.EntityID(), Instance: e}
}

// RefByID builds a reference from an explicit type and identifier.
func RefByID(entityType, id string) EntityRef {
	return EntityRef{Type: entityType, ID: id}
}

// Resolve returns the canonical (entityType, entityID) pair.
func (r EntityRef) Resolve() (string, string) {
	if r.Instance != nil {
		return r.Instance.EntityType(), r.Instance.EntityID()
	}
	return r.Type, r.ID
}
