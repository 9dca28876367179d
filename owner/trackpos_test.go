//go:build hstore_trackpos

package owner

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/joshuapare/hstore/bucket"
)

func TestInsertChecksHomePosition(t *testing.T) {
	o := new(Owner)
	l := bucket.AssumeUnique(7)
	assert.Equal(t, PosUndefined, Pos(o))

	o.Insert(7, 0, l)
	o.Insert(7, 3, l)
	assert.EqualValues(t, 7, Pos(o))
	assert.Panics(t, func() { o.Insert(8, 1, l) })
}
