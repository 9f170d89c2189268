// Package contract defines the trigger-policy capability objects the
// Event Builder injects at construction, per spec.md §9's design note:
// "Virtual hooks (contract, fixup, process) required by the source as
// subclass overrides are better expressed as injected capability objects
// passed at construction — they represent trigger policy, not identity."
//
// Grounded on router's onprice.go callback style: a small injected
// function value invoked at a well-defined point in the hot path, rather
// than a virtual method resolved through inheritance.
package contract

import "github.com/slac-psdaq/teb/internal/dgram"

// Contractor seeds a newly allocated event's contract mask (the bitmask
// of source IDs expected to contribute) from the datagram that caused
// the event to be allocated.
type Contractor interface {
	Contract(d *dgram.Datagram) uint64
}

// Fixer synthesizes a completion for a source bit still missing from
// remaining when an event ages out or is flushed. It may insert a
// sentinel contribution; the builder ORs DamageMissingContribution into
// the event's damage regardless of what Fixup returns.
type Fixer interface {
	Fixup(sourceID uint8) (sentinel *dgram.Datagram, ok bool)
}

// Processor receives a completed or fixed-up event for downstream
// dispatch (the result stream / monitor fan-out posting path).
type Processor interface {
	Process(contributions []dgram.Datagram, damage uint32, pulseID uint64)
}

// ContractorFunc adapts a plain function to Contractor.
type ContractorFunc func(d *dgram.Datagram) uint64

func (f ContractorFunc) Contract(d *dgram.Datagram) uint64 { return f(d) }

// FixerFunc adapts a plain function to Fixer.
type FixerFunc func(sourceID uint8) (*dgram.Datagram, bool)

func (f FixerFunc) Fixup(sourceID uint8) (*dgram.Datagram, bool) { return f(sourceID) }

// ProcessorFunc adapts a plain function to Processor.
type ProcessorFunc func(contributions []dgram.Datagram, damage uint32, pulseID uint64)

func (f ProcessorFunc) Process(contributions []dgram.Datagram, damage uint32, pulseID uint64) {
	f(contributions, damage, pulseID)
}
