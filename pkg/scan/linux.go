package scan

import (
	"encoding/binary"
	"sync"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	"github.com/vtfind/vtfind/pkg/paging"
)

// Kernel slots observed on 3.19+ kernels; their low 12 bits are always 0x067.
var linuxKernelSlots = [...]int{0xFF, 0x110, 0x192, 0x1D1, 0x1D4, 0x1FE, 0x1FF}

const (
	// the largest run of entries that must be clear on a Linux top level page
	linuxZeroStart = 8
	linuxZeroEnd   = 0xE0
	// entries compared between a candidate and the remembered first pages
	linuxGroupSpan = 0x100
)

type linuxHalf [linuxGroupSpan]uint64

type linuxRep struct {
	half  linuxHalf
	group int
}

// linuxDetector is the stateful LinuxS detector. Root pages are
// self-identifying (CR3 is the page offset) and each accepted page is put in
// a detection time group shared by every page with an identical first half.
//
// Every first page is kept in index for the life of the scan; hot only caches
// the representatives matched last and never decides a group id.
type linuxDetector struct {
	mu    sync.Mutex
	index map[uint64][]*linuxRep
	hot   *lru.Cache[uint64, *linuxRep]
	next  int
}

func newLinuxDetector(cacheSize int) (*linuxDetector, error) {
	hot, err := lru.New[uint64, *linuxRep](cacheSize)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create LinuxS group cache")
	}
	return &linuxDetector{
		index: make(map[uint64][]*linuxRep),
		hot:   hot,
	}, nil
}

func (*linuxDetector) Type() PTType { return PTLinuxS }

func (d *linuxDetector) Match(offset int64, blk *paging.Block) (Match, bool) {
	for _, i := range linuxKernelSlots {
		if !blk.Entry(i).Is(0xFFF, 0x067) {
			return Match{}, false
		}
	}
	if !blk.IsZero(linuxZeroStart, linuxZeroEnd) {
		return Match{}, false
	}
	return Match{CR3: uint64(offset), Group: d.group(blk)}, true
}

// lookup returns the remembered page equal to half. d.mu must be held.
func (d *linuxDetector) lookup(key uint64, half *linuxHalf) *linuxRep {
	if r, ok := d.hot.Get(key); ok && r.half == *half {
		return r
	}
	for _, r := range d.index[key] {
		if r.half == *half {
			d.hot.Add(key, r)
			return r
		}
	}
	return nil
}

func (d *linuxDetector) add(key uint64, half *linuxHalf, group int) {
	r := &linuxRep{half: *half, group: group}
	d.index[key] = append(d.index[key], r)
	d.hot.Add(key, r)
	if group >= d.next {
		d.next = group + 1
	}
}

// group returns the group of the remembered page equal to blk over the
// compared span, remembering blk under the next unused group when none is.
func (d *linuxDetector) group(blk *paging.Block) int {
	half := linuxHalf(blk[:linuxGroupSpan])
	key := digest(&half)

	d.mu.Lock()
	defer d.mu.Unlock()

	if r := d.lookup(key, &half); r != nil {
		return r.group
	}
	g := d.next
	d.add(key, &half, g)
	return g
}

// remember seeds a representative page restored from a checkpoint.
func (d *linuxDetector) remember(blk *paging.Block, group int) {
	half := linuxHalf(blk[:linuxGroupSpan])
	key := digest(&half)

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.lookup(key, &half) != nil {
		return
	}
	d.add(key, &half, group)
}

func digest(half *linuxHalf) uint64 {
	var buf [linuxGroupSpan * 8]byte
	for i, v := range half {
		binary.LittleEndian.PutUint64(buf[i*8:], v)
	}
	return xxhash.Sum64(buf[:])
}
