// Package orchestration decodes the JSON transition payloads the core
// consumes from the external collection/control service: connect,
// configure, beginrun, disconnect, reset. Payload shapes are fixed by
// spec.md §6 and are not under this core's control.
//
// Decoding uses github.com/sugawarayuuta/sonnet, a drop-in
// encoding/json replacement already present in the teacher's go.mod —
// the teacher never exercises it directly, so this package is where that
// dependency earns its place rather than riding along unused.
package orchestration

import (
	"fmt"
	"sort"

	"github.com/sugawarayuuta/sonnet"
)

// Transition names the five transitions spec.md §6 names.
type Transition string

const (
	Connect    Transition = "connect"
	Configure  Transition = "configure"
	BeginRun   Transition = "beginrun"
	Disconnect Transition = "disconnect"
	Reset      Transition = "reset"
)

// ConnectInfo mirrors the `connect_info` object nested under each `drp`,
// `teb`, and `meb` entry.
type ConnectInfo struct {
	NicIP     string `json:"nic_ip"`
	MaxTrSize uint64 `json:"max_tr_size,omitempty"`
	MaxEvSize uint64 `json:"max_ev_size,omitempty"`
}

// DetInfo mirrors a `drp` entry's `det_info` object.
type DetInfo struct {
	Readout int `json:"readout"`
}

// DRP is one data-reduction-pipeline (contributor) entry under `drp.*`.
type DRP struct {
	DrpID       int         `json:"drp_id"`
	DetInfo     DetInfo     `json:"det_info"`
	ConnectInfo ConnectInfo `json:"connect_info"`
}

// TEB is one event-builder peer entry under `teb.*`.
type TEB struct {
	TebID       int         `json:"teb_id"`
	ConnectInfo ConnectInfo `json:"connect_info"`
}

// MEB is one monitor/fan-out peer entry under `meb.*`.
type MEB struct {
	MebID       int         `json:"meb_id"`
	ConnectInfo ConnectInfo `json:"connect_info"`
}

// Payload is the decoded body of one transition message.
type Payload struct {
	Drp map[string]DRP `json:"drp"`
	Teb map[string]TEB `json:"teb"`
	Meb map[string]MEB `json:"meb"`
}

// ErrInfo is the failure reply shape spec.md §6 names: "Replies carry
// err_info on failure."
type ErrInfo struct {
	Message string `json:"err_info"`
}

// Decode parses raw as a Payload for the named transition.
func Decode(t Transition, raw []byte) (Payload, error) {
	var p Payload
	if err := sonnet.Unmarshal(raw, &p); err != nil {
		return Payload{}, fmt.Errorf("orchestration: decode %s payload: %w", t, err)
	}
	return p, nil
}

// EncodeError marshals a failure reply carrying err_info.
func EncodeError(msg string) ([]byte, error) {
	out, err := sonnet.Marshal(ErrInfo{Message: msg})
	if err != nil {
		return nil, fmt.Errorf("orchestration: encode err_info: %w", err)
	}
	return out, nil
}

// ReadoutGroupMask returns the bitmask of readout groups this DRP entry
// belongs to, derived from det_info.readout (spec.md §6, §3).
func (d DRP) ReadoutGroupMask() uint32 {
	return 1 << uint(d.DetInfo.Readout)
}

// PeerAddrs returns every TEB peer's nic_ip ordered by ascending teb_id,
// for wiring into internal/fabric.Link. Ordering by teb_id rather than
// map iteration order is required: spec.md §8's round-robin invariant
// (`peer = (batchIndex/MaxEntries) mod numPeers`) assigns peer indices
// positionally, so every contributor decoding the same payload must
// arrive at the same numeric index for the same teb_id — Go map
// iteration order is intentionally randomized and would silently break
// that agreement.
func (p Payload) PeerAddrs() []string {
	tebs := make([]TEB, 0, len(p.Teb))
	for _, t := range p.Teb {
		tebs = append(tebs, t)
	}
	sort.Slice(tebs, func(i, j int) bool { return tebs[i].TebID < tebs[j].TebID })

	addrs := make([]string, 0, len(tebs))
	for _, t := range tebs {
		addrs = append(addrs, t.ConnectInfo.NicIP)
	}
	return addrs
}
