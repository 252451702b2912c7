package protocol

import "testing"

func TestStatusString(t *testing.T) {
	cases := []struct {
		s    Status
		want string
	}{
		{StatusSuccess, "success"},
		{StatusCancelled, "cancelled"},
		{StatusInval, "inval"},
		{StatusIOError, "ioerror"},
		{StatusStall, "stall"},
		{StatusTimeout, "timeout"},
		{StatusBabble, "babble"},
		{Status(99), "unknown"},
	}
	for _, c := range cases {
		if got := c.s.String(); got != c.want {
			t.Errorf("Status(%d).String() = %q, want %q", c.s, got, c.want)
		}
	}
}

func TestCapabilityBitsIndependent(t *testing.T) {
	all := []Capability{
		CapConnectDeviceVersion,
		CapFilter,
		CapDeviceDisconnectAck,
		CapEPInfoMaxPacketSize,
		CapBulkStreams,
	}
	var combined Capability
	for i, c := range all {
		if combined&c != 0 {
			t.Fatalf("capability %d (0x%x) overlaps an earlier bit", i, c)
		}
		combined |= c
	}

	// A peer that only advertised CapFilter|CapBulkStreams must not read as
	// having CapConnectDeviceVersion.
	peer := CapFilter | CapBulkStreams
	if peer&CapConnectDeviceVersion != 0 {
		t.Fatal("unset capability bit read as set")
	}
	if peer&CapFilter == 0 || peer&CapBulkStreams == 0 {
		t.Fatal("set capability bits not observed")
	}
}

func TestEndpointTypeInvalidIsDistinct(t *testing.T) {
	for _, typ := range []EndpointType{EndpointTypeControl, EndpointTypeIso, EndpointTypeBulk, EndpointTypeInterrupt} {
		if typ == EndpointTypeInvalid {
			t.Fatalf("real endpoint type %v collides with EndpointTypeInvalid", typ)
		}
	}
}
