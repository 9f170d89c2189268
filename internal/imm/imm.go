// Package imm implements the 32-bit immediate-data word from spec.md §3
// and §6: an out-of-band tag carried on every fabric post so the receiver
// can locate the destination slot without reading the payload.
//
// Layout (bits, MSB first): [31:24] kind flags, [23:16] sourceId,
// [15:0] index.
//
// Grounded on dedupe/dedupe.go's branchless bit-packed identity key
// (`uint64(blk)<<32 | uint64(tx)<<16 | uint64(log)`): the same
// shift-and-OR packing discipline, here over 32 bits instead of 64.
package imm

// Kind is the flag byte occupying bits [31:24] of the word.
type Kind uint8

const (
	Buffer     Kind = 0x01
	Transition Kind = 0x02
	Response   Kind = 0x04
	NoResponse Kind = 0x08
)

// Word is the 32-bit immediate-data value delivered with every fabric
// post.
type Word uint32

// Encode packs kind, sourceId and index into a Word. Total encoding is
// bijective over the defined flag combinations (spec.md §8).
func Encode(kind Kind, sourceID uint8, index uint16) Word {
	return Word(uint32(kind)<<24 | uint32(sourceID)<<16 | uint32(index))
}

// Decode unpacks a Word back into its fields.
func Decode(w Word) (kind Kind, sourceID uint8, index uint16) {
	kind = Kind(w >> 24)
	sourceID = uint8(w >> 16)
	index = uint16(w)
	return
}

// Has reports whether flag is set in w's kind byte.
func (w Word) Has(flag Kind) bool {
	return Kind(w>>24)&flag != 0
}

// SourceID extracts bits [23:16].
func (w Word) SourceID() uint8 { return uint8(w >> 16) }

// Index extracts bits [15:0].
func (w Word) Index() uint16 { return uint16(w) }
