package slices

// Map returns f applied to every element of s.
func Map[S ~[]E, E any, V any](s S, f func(E) V) []V {
	if s == nil {
		return nil
	}
	rv := make([]V, len(s))
	for i, e := range s {
		rv[i] = f(e)
	}
	return rv
}
