package helper

// Ptr returns a pointer to v. Used for optional wire fields.
func Ptr[T any](v T) *T {
	return &v
}

// Value dereferences p, returning the zero value for nil.
func Value[T any](p *T) T {
	if p == nil {
		var zero T
		return zero
	}
	return *p
}

// NonEmpty returns a pointer to s, or nil when s is empty.
func NonEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
