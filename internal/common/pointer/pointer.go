package pointer

// Pointer returns a pointer to a copy of v. Handy for optional fields in filters and requests.
func Pointer[T any](v T) *T {
	return &v
}
