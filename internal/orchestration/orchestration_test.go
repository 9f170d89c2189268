package orchestration

import (
	"testing"

	"github.com/sugawarayuuta/sonnet"
)

const sampleConnect = `{
	"drp": {
		"0": {
			"drp_id": 0,
			"det_info": {"readout": 1},
			"connect_info": {"nic_ip": "10.0.0.1", "max_tr_size": 4096, "max_ev_size": 65536}
		},
		"1": {
			"drp_id": 1,
			"det_info": {"readout": 2},
			"connect_info": {"nic_ip": "10.0.0.2", "max_tr_size": 4096, "max_ev_size": 65536}
		}
	},
	"teb": {
		"0": {"teb_id": 0, "connect_info": {"nic_ip": "10.0.1.1"}},
		"1": {"teb_id": 1, "connect_info": {"nic_ip": "10.0.1.2"}}
	},
	"meb": {
		"0": {"meb_id": 0, "connect_info": {"nic_ip": "10.0.2.1"}}
	}
}`

func TestDecodeConnectPayload(t *testing.T) {
	p, err := Decode(Connect, []byte(sampleConnect))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(p.Drp) != 2 {
		t.Fatalf("len(Drp) = %d, want 2", len(p.Drp))
	}
	if len(p.Teb) != 2 {
		t.Fatalf("len(Teb) = %d, want 2", len(p.Teb))
	}
	if len(p.Meb) != 1 {
		t.Fatalf("len(Meb) = %d, want 1", len(p.Meb))
	}
	drp0 := p.Drp["0"]
	if drp0.DrpID != 0 || drp0.DetInfo.Readout != 1 || drp0.ConnectInfo.NicIP != "10.0.0.1" {
		t.Fatalf("drp.0 decoded wrong: %+v", drp0)
	}
	if drp0.ConnectInfo.MaxTrSize != 4096 || drp0.ConnectInfo.MaxEvSize != 65536 {
		t.Fatalf("drp.0 connect_info sizes wrong: %+v", drp0.ConnectInfo)
	}
}

func TestReadoutGroupMask(t *testing.T) {
	p, err := Decode(Connect, []byte(sampleConnect))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	drp1 := p.Drp["1"]
	if mask := drp1.ReadoutGroupMask(); mask != 1<<2 {
		t.Fatalf("ReadoutGroupMask() = %#x, want %#x", mask, uint32(1<<2))
	}
}

func TestPeerAddrsCoversEveryTeb(t *testing.T) {
	p, err := Decode(Connect, []byte(sampleConnect))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	addrs := p.PeerAddrs()
	if len(addrs) != 2 {
		t.Fatalf("PeerAddrs() returned %d entries, want 2", len(addrs))
	}
}

// TestPeerAddrsOrderedByTebID checks spec.md §8's round-robin invariant
// requirement that every contributor agree on the same numeric index for
// the same teb_id: PeerAddrs must order by teb_id, not by the payload's
// (randomized) map key order. The sample payload's "teb" map keys are
// already teb_id-ordered, so use a payload whose JSON object key order
// disagrees with teb_id order to catch a map-iteration-order regression.
func TestPeerAddrsOrderedByTebID(t *testing.T) {
	const reordered = `{
		"drp": {}, "meb": {},
		"teb": {
			"z": {"teb_id": 1, "connect_info": {"nic_ip": "second"}},
			"a": {"teb_id": 0, "connect_info": {"nic_ip": "first"}}
		}
	}`
	p, err := Decode(Connect, []byte(reordered))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	addrs := p.PeerAddrs()
	if len(addrs) != 2 || addrs[0] != "first" || addrs[1] != "second" {
		t.Fatalf("PeerAddrs() = %v, want [first second] ordered by teb_id", addrs)
	}
}

func TestEncodeError(t *testing.T) {
	raw, err := EncodeError("bad readout group")
	if err != nil {
		t.Fatalf("EncodeError: %v", err)
	}
	var decoded ErrInfo
	if err := sonnet.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded.Message != "bad readout group" {
		t.Fatalf("err_info = %q, want %q", decoded.Message, "bad readout group")
	}
}
