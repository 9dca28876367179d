package alloc

import (
	"bytes"
	"fmt"
	"math/bits"

	"github.com/joshuapare/hstore/heap/persist"
	"github.com/joshuapare/hstore/heap/region"
	"github.com/joshuapare/hstore/internal/format"
	"github.com/joshuapare/hstore/internal/perishable"
)

// area is the persisted allocator state of one region.
type area struct {
	ordinal  int
	r        *region.Region
	base     uint64 // offset of the area within the region
	buf      []byte // region bytes from base to the end of the region
	granules uint64
	allocOff uint64 // offsets relative to base
	startOff uint64
	endOff   uint64
	dataOff  uint64
}

// mapWords is the number of 64-bit words in one bitmap of g granules.
func mapWords(g uint64) uint64 { return (g + 63) / 64 }

// planArea computes the largest granule count that fits in n bytes along
// with the bitmap and data offsets. Data starts on a page boundary so that
// alignments up to a page hold for mapped addresses too.
func planArea(n uint64) (granules, allocOff, startOff, endOff, dataOff uint64, ok bool) {
	if n < format.AreaHeaderSize+format.PageSize {
		return 0, 0, 0, 0, 0, false
	}
	// Each granule costs Granule bytes of data plus three bits.
	g := (n - format.AreaHeaderSize) * 8 / (Granule*8 + 3)
	for g > 0 {
		size := mapWords(g) * format.WordSize
		allocOff = format.AreaHeaderSize
		startOff = allocOff + size
		endOff = startOff + size
		dataOff = format.AlignPage(endOff + size)
		if dataOff+g*Granule <= n {
			return g, allocOff, startOff, endOff, dataOff, true
		}
		// Shed the granules lost to data alignment and try again.
		over := (dataOff + g*Granule - n + Granule - 1) / Granule
		if over >= g {
			break
		}
		g -= over
	}
	return 0, 0, 0, 0, 0, false
}

// formatArea lays out a fresh area over region bytes [base, end), all free.
// Bitmaps are zeroed and the header is written and flushed before the magic,
// so a crash during formatting leaves no valid area.
func formatArea(ordinal int, r *region.Region, base uint64) (*area, error) {
	buf := r.Bytes()[base:]
	g, allocOff, startOff, endOff, dataOff, ok := planArea(uint64(len(buf)))
	if !ok {
		return nil, fmt.Errorf("%w: region %#x has %d bytes", ErrTooSmall, r.ID(), len(buf))
	}
	clear(buf[:dataOff])
	if err := r.Persister().Persist(buf[:dataOff]); err != nil {
		return nil, err
	}
	format.PutU64(buf, format.AreaGranuleOffset, Granule)
	format.PutU64(buf, format.AreaGranulesOffset, g)
	format.PutU64(buf, format.AreaAllocMapOffset, allocOff)
	format.PutU64(buf, format.AreaStartMapOffset, startOff)
	format.PutU64(buf, format.AreaEndMapOffset, endOff)
	format.PutU64(buf, format.AreaDataOffset, dataOff)
	if err := r.Persister().Persist(buf[:format.AreaHeaderSize]); err != nil {
		return nil, err
	}
	copy(buf[format.AreaMagicOffset:], format.AreaMagic)
	if err := r.Persister().Persist(buf[:format.AreaMagicLen]); err != nil {
		return nil, err
	}
	return &area{
		ordinal: ordinal, r: r, base: base, buf: buf, granules: g,
		allocOff: allocOff, startOff: startOff, endOff: endOff, dataOff: dataOff,
	}, nil
}

// loadArea reads an existing area header at base.
func loadArea(ordinal int, r *region.Region, base uint64) (*area, error) {
	if base+format.AreaHeaderSize > r.Len() {
		return nil, fmt.Errorf("%w: region %#x truncated", ErrCorrupt, r.ID())
	}
	buf := r.Bytes()[base:]
	if !bytes.Equal(buf[format.AreaMagicOffset:format.AreaMagicOffset+format.AreaMagicLen], format.AreaMagic) {
		return nil, fmt.Errorf("%w: region %#x: %w", ErrCorrupt, r.ID(), format.ErrSignatureMismatch)
	}
	a := &area{
		ordinal:  ordinal,
		r:        r,
		base:     base,
		buf:      buf,
		granules: format.ReadU64(buf, format.AreaGranulesOffset),
		allocOff: format.ReadU64(buf, format.AreaAllocMapOffset),
		startOff: format.ReadU64(buf, format.AreaStartMapOffset),
		endOff:   format.ReadU64(buf, format.AreaEndMapOffset),
		dataOff:  format.ReadU64(buf, format.AreaDataOffset),
	}
	size := mapWords(a.granules) * format.WordSize
	switch {
	case format.ReadU64(buf, format.AreaGranuleOffset) != Granule,
		a.granules == 0,
		a.granules > uint64(len(buf))/Granule,
		a.allocOff < format.AreaHeaderSize,
		a.startOff < a.allocOff+size,
		a.endOff < a.startOff+size,
		a.dataOff < a.endOff+size,
		a.dataOff+a.granules*Granule > uint64(len(buf)):
		return nil, fmt.Errorf("%w: region %#x: inconsistent header", ErrCorrupt, r.ID())
	}
	return a, nil
}

// dataBytes returns the number of bytes in data granules.
func (a *area) dataBytes() uint64 { return a.granules * Granule }

// ptr returns the pointer to granule g.
func (a *area) ptr(g uint64) region.Ptr {
	return region.MakePtr(a.ordinal, a.regionOffset(g))
}

// regionOffset returns the offset within the region of granule g.
func (a *area) regionOffset(g uint64) uint64 {
	return a.base + a.dataOff + g*Granule
}

// granule returns the granule index p addresses and whether p is a granule
// boundary inside this area.
func (a *area) granule(p region.Ptr) (uint64, bool) {
	off := p.Offset()
	lo := a.base + a.dataOff
	if off < lo || (off-lo)%Granule != 0 {
		return 0, false
	}
	g := (off - lo) / Granule
	return g, g < a.granules
}

func (a *area) word(mapOff, w uint64) uint64 {
	return format.ReadU64(a.buf, int(mapOff+w*format.WordSize))
}

func (a *area) putWord(mapOff, w, v uint64) {
	format.PutU64(a.buf, int(mapOff+w*format.WordSize), v)
}

func (a *area) bit(mapOff, g uint64) bool {
	return a.word(mapOff, g/64)&(1<<(g%64)) != 0
}

// next returns the first granule in [from, limit) whose bit is set in the
// map at mapOff, or limit.
func (a *area) next(mapOff, from, limit uint64) uint64 {
	for from < limit {
		v := a.word(mapOff, from/64) >> (from % 64)
		if v != 0 {
			return min(from+uint64(bits.TrailingZeros64(v)), limit)
		}
		from = (from/64 + 1) * 64
	}
	return limit
}

// nextClear returns the first granule in [from, limit) whose bit is clear in
// the map at mapOff, or limit.
func (a *area) nextClear(mapOff, from, limit uint64) uint64 {
	for from < limit {
		v := ^a.word(mapOff, from/64) >> (from % 64)
		if v != 0 {
			return min(from+uint64(bits.TrailingZeros64(v)), limit)
		}
		from = (from/64 + 1) * 64
	}
	return limit
}

// prev returns the last granule at or before from whose bit is set in the
// map at mapOff.
func (a *area) prev(mapOff, from uint64) (uint64, bool) {
	for {
		w := from / 64
		v := a.word(mapOff, w) << (63 - from%64)
		if v != 0 {
			return from - uint64(bits.LeadingZeros64(v)), true
		}
		if w == 0 {
			return 0, false
		}
		from = w*64 - 1
	}
}

// covered reports whether g lies inside a committed run starting before g.
func (a *area) covered(g uint64) bool {
	if g == 0 {
		return false
	}
	s, ok := a.prev(a.startOff, g-1)
	if !ok {
		return false
	}
	n, ok := a.runLen(s)
	return ok && s+n > g
}

// setRange sets (or clears) bits [g, g+n) of the map at mapOff in memory and
// returns the offset and length of the touched words for flushing.
func (a *area) setRange(mapOff, g, n uint64, set bool) (off, length int) {
	first, last := g/64, (g+n-1)/64
	for w := first; w <= last; w++ {
		lo := uint64(0)
		if w == first {
			lo = g % 64
		}
		hi := uint64(64)
		if w == last {
			hi = (g+n-1)%64 + 1
		}
		mask := ^uint64(0)
		if hi-lo < 64 {
			mask = (1<<(hi-lo) - 1) << lo
		}
		v := a.word(mapOff, w)
		if set {
			v |= mask
		} else {
			v &^= mask
		}
		a.putWord(mapOff, w, v)
	}
	return int(mapOff + first*format.WordSize), int((last - first + 1) * format.WordSize)
}

// flush persists length bytes of the area at off.
func (a *area) flush(off, length int) error {
	return a.r.Persister().Persist(a.buf[off : off+length])
}

// markAllocated sets and flushes the alloc bits of [g, g+n) and the end bit
// of its last granule, then sets and flushes the start bit at g.
func (a *area) markAllocated(g, n uint64) error {
	if err := a.flush(a.setRange(a.allocOff, g, n, true)); err != nil {
		return err
	}
	if err := a.flush(a.setRange(a.endOff, g+n-1, 1, true)); err != nil {
		return err
	}
	perishable.Tick()
	return a.flush(a.setRange(a.startOff, g, 1, true))
}

// release frees [g, g+n), stopping short of any run committed inside it
// after g.
func (a *area) release(g, n uint64) error {
	e := a.next(a.startOff, g+1, g+n)
	return a.markFree(g, e-g)
}

// markFree clears and flushes the start bits of [g, g+n), then clears and
// flushes its alloc and end bits.
func (a *area) markFree(g, n uint64) error {
	if err := a.flush(a.setRange(a.startOff, g, n, false)); err != nil {
		return err
	}
	perishable.Tick()
	if err := a.flush(a.setRange(a.allocOff, g, n, false)); err != nil {
		return err
	}
	return a.flush(a.setRange(a.endOff, g, n, false))
}

// runLen returns the granule count of the committed run starting at g, or
// false if no committed run starts there.
func (a *area) runLen(g uint64) (uint64, bool) {
	if g >= a.granules || !a.bit(a.startOff, g) || !a.bit(a.allocOff, g) {
		return 0, false
	}
	end := a.next(a.endOff, g, a.granules)
	if end == a.granules {
		return 0, false
	}
	// The run must be allocated throughout with no other start inside.
	if a.nextClear(a.allocOff, g, end+1) <= end || a.next(a.startOff, g+1, end+1) <= end {
		return 0, false
	}
	return end - g + 1, true
}

// scan walks the bitmaps and reports committed runs and maximal free gaps
// in order. Bits outside every committed run are debris of an interrupted
// commit or free; they are cleared in memory and the touched words are added
// to dirty for the caller to flush. scan returns the number of debris ranges.
func (a *area) scan(dirty *persist.Tracker, onRun func(g, n uint64), onFree func(g, n uint64)) int {
	var g, freeStart uint64
	var debris int
	for g < a.granules {
		s := a.next(a.startOff, g, a.granules)
		// [g, s) holds no run: anything set there is debris.
		if s > g {
			debris += a.clearDebris(dirty, g, s)
		}
		if s == a.granules {
			break
		}
		n, ok := a.runLen(s)
		if !ok {
			// A start bit with no well-formed run behind it. Commits set the
			// start bit last, so this only follows an interrupted free.
			dirty.Add(a.setRange(a.startOff, s, 1, false))
			debris++
			g = s
			continue
		}
		if s > freeStart {
			onFree(freeStart, s-freeStart)
		}
		onRun(s, n)
		g = s + n
		freeStart = g
	}
	if a.granules > freeStart {
		onFree(freeStart, a.granules-freeStart)
	}
	return debris
}

// clearDebris clears alloc and end bits in [g, limit) and returns the number
// of ranges cleared.
func (a *area) clearDebris(dirty *persist.Tracker, g, limit uint64) int {
	var n int
	for _, m := range []uint64{a.allocOff, a.endOff} {
		for i := a.next(m, g, limit); i < limit; i = a.next(m, i, limit) {
			e := a.nextClear(m, i, limit)
			dirty.Add(a.setRange(m, i, e-i, false))
			n++
			i = e
		}
	}
	return n
}

// freeGranules counts clear alloc bits. Used by tests and diagnostics.
func (a *area) freeGranules() uint64 {
	words := mapWords(a.granules)
	var used uint64
	for w := range words {
		v := a.word(a.allocOff, w)
		if w == words-1 && a.granules%64 != 0 {
			v &= 1<<(a.granules%64) - 1
		}
		used += uint64(bits.OnesCount64(v))
	}
	return a.granules - used
}
