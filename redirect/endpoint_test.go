package redirect

import "testing"

func TestEP2IRoundTrip(t *testing.T) {
	for _, addr := range []uint8{0x00, 0x01, 0x0f, 0x80, 0x81, 0x8f} {
		i := EP2I(addr)
		if i < 0 || i >= maxEndpoints {
			t.Fatalf("EP2I(0x%02x) = %d, out of [0,%d)", addr, i, maxEndpoints)
		}
		if got := I2EP(i); got != addr {
			t.Errorf("I2EP(EP2I(0x%02x)) = 0x%02x, want 0x%02x", addr, got, addr)
		}
	}
}

func TestEP2IDirectionSeparation(t *testing.T) {
	for n := uint8(0); n < 16; n++ {
		if EP2I(n) == EP2I(n|0x80) {
			t.Fatalf("endpoint %d: IN and OUT collide at index %d", n, EP2I(n))
		}
	}
}

func TestMaxPacketSizeMultiplier(t *testing.T) {
	cases := []struct {
		raw  uint16
		want uint16
	}{
		{0x0040, 64},
		{0x0840, 128},
		{0x1040, 192},
	}
	for _, c := range cases {
		if got := maxPacketSize(c.raw); got != c.want {
			t.Errorf("maxPacketSize(0x%04x) = %d, want %d", c.raw, got, c.want)
		}
	}
}

func TestNewEndpointTableControlSlots(t *testing.T) {
	tbl := newEndpointTable()
	if tbl[EP2I(0x00)].typ != 0 {
		t.Errorf("EP0 OUT should be control (0), got %v", tbl[EP2I(0x00)].typ)
	}
	if tbl[EP2I(0x80)].typ != 0 {
		t.Errorf("EP0 IN should be control (0), got %v", tbl[EP2I(0x80)].typ)
	}
	for i, slot := range tbl {
		if i == EP2I(0x00) || i == EP2I(0x80) {
			continue
		}
		if slot.typ == 0 {
			t.Errorf("slot %d should start invalid, not control", i)
		}
	}
}
