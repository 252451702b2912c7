package redirect

import (
	"testing"

	"github.com/usbredirhost/usbredirhost/protocol"
)

func TestTransferRegistryAppendRemoveByID(t *testing.T) {
	r := newTransferRegistry()
	if !r.empty() {
		t.Fatal("new registry should be empty")
	}

	a := &transferRecord{id: 1}
	b := &transferRecord{id: 2}
	r.append(a)
	r.append(b)

	if r.empty() {
		t.Fatal("registry with two records should not be empty")
	}
	if got, ok := r.byPeerID(2); !ok || got != b {
		t.Fatalf("byPeerID(2) = %v, %v; want b, true", got, ok)
	}
	if _, ok := r.byPeerID(99); ok {
		t.Fatal("byPeerID(99) should miss")
	}

	var walked []uint32
	r.walk(func(t *transferRecord) { walked = append(walked, t.id) })
	if len(walked) != 2 || walked[0] != 1 || walked[1] != 2 {
		t.Fatalf("walk order = %v, want [1 2]", walked)
	}

	r.remove(a)
	if _, ok := r.byPeerID(1); ok {
		t.Fatal("byPeerID(1) should miss after remove")
	}
	r.remove(b)
	if !r.empty() {
		t.Fatal("registry should be empty after removing both records")
	}
}

func TestTransferRegistryWalkOnInterface(t *testing.T) {
	h := &Host{}
	h.endpoints[EP2I(0x81)].iface = 3
	h.endpoints[EP2I(0x02)].iface = 5

	r := newTransferRegistry()
	onIface3 := &transferRecord{id: 1, kind: packetKindBulk, bulk: protocol.BulkPacketHeader{Endpoint: 0x81}}
	onIface5 := &transferRecord{id: 2, kind: packetKindBulk, bulk: protocol.BulkPacketHeader{Endpoint: 0x02}}
	r.append(onIface3)
	r.append(onIface5)

	var matched []uint32
	r.walkOnInterface(h, 3, func(t *transferRecord) { matched = append(matched, t.id) })
	if len(matched) != 1 || matched[0] != 1 {
		t.Fatalf("walkOnInterface(3) = %v, want [1]", matched)
	}
}
