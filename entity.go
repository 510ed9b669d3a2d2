package entitydb

import "time"

// Entity is implemented by every stored domain object. Embedding Audit is the
// usual way to get it.
type Entity interface {
	IsDeleted() bool
	SetDeleted(deleted bool)
}

// entityPtr constrains a type parameter to a pointer to T that implements Entity.
type entityPtr[T any] interface {
	*T
	Entity
}

// Audit carries the standard audit fields. The engine only looks at Deleted;
// the rest is round-tripped through the marshaler.
type Audit struct {
	CreatedBy   string    `json:"createdBy,omitempty" msgpack:"cb,omitempty"`
	CreatedDate time.Time `json:"createdDate" msgpack:"cd,omitempty"`
	UpdatedBy   string    `json:"updatedBy,omitempty" msgpack:"ub,omitempty"`
	UpdatedDate time.Time `json:"updatedDate" msgpack:"ud,omitempty"`
	Deleted     bool      `json:"deleted,omitempty" msgpack:"del,omitempty"`
}

func (a *Audit) IsDeleted() bool { return a.Deleted }

func (a *Audit) SetDeleted(deleted bool) { a.Deleted = deleted }

// Touch records a modification by user at now, filling the creation fields on
// first use.
func (a *Audit) Touch(user string, now time.Time) {
	if a.CreatedDate.IsZero() {
		a.CreatedBy = user
		a.CreatedDate = now
	}
	a.UpdatedBy = user
	a.UpdatedDate = now
}

// Filter excludes candidates from list results.
type Filter[T any] interface {
	IsExcluded(candidate *T) bool
}

// FilterFunc adapts a function to Filter.
type FilterFunc[T any] func(candidate *T) bool

func (f FilterFunc[T]) IsExcluded(candidate *T) bool { return f(candidate) }
