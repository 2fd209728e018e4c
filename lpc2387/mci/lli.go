package mci

import (
	"sync/atomic"

	"github.com/clktmr/mci/debug"
)

// NoNext terminates a descriptor chain.
const NoNext = -1

// Descriptor is a single DMA linked list item. It moves one block between the
// MCI FIFO and Buf.
type Descriptor struct {
	Buf []byte

	next atomic.Int32
}

// Next returns the index of the following descriptor or NoNext.
func (d *Descriptor) Next() int {
	return int(d.next.Load())
}

func (d *Descriptor) SetNext(i int) {
	d.next.Store(int32(i))
}

// LinkList is a ring of DMA descriptors, each owning a fixed slot of a single
// backing buffer. Descriptors refer to their successor by index, so the chain
// can be edited while the DMA engine follows it.
type LinkList struct {
	desc []Descriptor
	buf  []byte
	size int
}

// NewLinkList allocates n descriptors with slots of slotSize bytes.
func NewLinkList(n, slotSize int) *LinkList {
	debug.Assert(n >= 2, "link list needs at least two slots")
	debug.Assert(slotSize%4 == 0, "slot size not word aligned")
	ll := &LinkList{
		desc: make([]Descriptor, n),
		buf:  make([]byte, n*slotSize),
		size: slotSize,
	}
	for i := range ll.desc {
		ll.desc[i].Buf = ll.Slot(i)
		ll.desc[i].SetNext(NoNext)
	}
	return ll
}

// Len returns the number of descriptors.
func (ll *LinkList) Len() int {
	return len(ll.desc)
}

// Slot returns the whole backing buffer of descriptor i.
func (ll *LinkList) Slot(i int) []byte {
	return ll.buf[i*ll.size : (i+1)*ll.size : (i+1)*ll.size]
}

func (ll *LinkList) Descriptor(i int) *Descriptor {
	return &ll.desc[i]
}

// Circular chains all descriptors in a ring, each transferring bs bytes.
func (ll *LinkList) Circular(bs int) {
	debug.Assert(bs <= ll.size, "block exceeds slot")
	for i := range ll.desc {
		ll.desc[i].Buf = ll.Slot(i)[:bs]
		ll.desc[i].SetNext((i + 1) % len(ll.desc))
	}
}

// Chain builds a ring of 512 byte transfers that ends after blocks
// descriptors, if the ring is large enough to hold all of them. Longer
// transfers must Terminate the chain while it is running.
func (ll *LinkList) Chain(blocks int) {
	ll.Circular(512)
	if blocks <= len(ll.desc) {
		ll.Terminate(blocks - 1)
	}
}

// Terminate marks descriptor i as the last of the chain.
func (ll *LinkList) Terminate(i int) {
	ll.desc[i%len(ll.desc)].SetNext(NoNext)
}
