package observer

import "github.com/Aman-CERP/indexsync/internal/changelog"

// ExcludeFunc reports whether a row must not be emitted. It is evaluated
// after faulty rows are filtered out. Excluded rows still advance the
// watermark.
type ExcludeFunc func(row changelog.Row) bool

// NoExclusions never excludes.
func NoExclusions(changelog.Row) bool { return false }

// ExcludeContentTypes excludes rows whose content type is in types.
func ExcludeContentTypes(types ...string) ExcludeFunc {
	if len(types) == 0 {
		return NoExclusions
	}
	set := make(map[string]struct{}, len(types))
	for _, t := range types {
		set[t] = struct{}{}
	}
	return func(row changelog.Row) bool {
		_, ok := set[row.ContentType]
		return ok
	}
}

// ExcludeLargerThan excludes creates and updates above maxBytes. Deletes
// always pass so the index never keeps a document the store dropped.
// Zero disables the limit.
func ExcludeLargerThan(maxBytes int64) ExcludeFunc {
	if maxBytes <= 0 {
		return NoExclusions
	}
	return func(row changelog.Row) bool {
		return row.Kind != changelog.KindDelete && row.SizeBytes > maxBytes
	}
}

// AnyOf excludes a row when any of fns does.
func AnyOf(fns ...ExcludeFunc) ExcludeFunc {
	return func(row changelog.Row) bool {
		for _, fn := range fns {
			if fn != nil && fn(row) {
				return true
			}
		}
		return false
	}
}
