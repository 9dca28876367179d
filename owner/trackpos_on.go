//go:build hstore_trackpos

package owner

import (
	"fmt"
	"sync"
)

// Positions live beside the mask so an overlaid Owner stays one word.
var positions sync.Map // *Owner -> uint64

func trackPos(o *Owner, pos uint64) {
	prev, loaded := positions.LoadOrStore(o, pos)
	if loaded && prev.(uint64) != pos {
		panic(fmt.Sprintf("owner: insert at home position %d, previously %d", pos, prev.(uint64)))
	}
}

// Pos returns the home position recorded by the first Insert, or
// PosUndefined.
func Pos(o *Owner) uint64 {
	if v, ok := positions.Load(o); ok {
		return v.(uint64)
	}
	return PosUndefined
}
