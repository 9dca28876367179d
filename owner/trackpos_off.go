//go:build !hstore_trackpos

package owner

func trackPos(*Owner, uint64) {}

// Pos returns the recorded home position. Only builds tagged
// hstore_trackpos record one; others always return PosUndefined.
func Pos(*Owner) uint64 { return PosUndefined }
