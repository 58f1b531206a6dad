// Package ptr helps with optional request fields.
package ptr

// DerefOr returns *p, or def if p is nil.
func DerefOr[T any](p *T, def T) T {
	if p == nil {
		return def
	}

	return *p
}

// Of returns a pointer to v.
func Of[T any](v T) *T { return &v }
