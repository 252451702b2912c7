package redirect

import (
	"time"

	"github.com/usbredirhost/usbredirhost/nativeusb"
	"github.com/usbredirhost/usbredirhost/protocol"
)

// resetSettleDelay is how long Reset() sleeps after a successful device
// reset, for devices that need time to come back (spec.md §4.6, "Reset").
const resetSettleDelay = 100 * time.Millisecond

// claim fetches the active configuration descriptor, claims every
// interface (detaching kernel drivers along the way), and reparses the
// endpoint table. On any claim failure it releases/reattaches whatever
// it already claimed and returns an error (spec.md §4.6, "Claim").
func (h *Host) claim() error {
	h.lock.Lock()
	defer h.lock.Unlock()

	if h.claimed {
		return errAlreadyClaimed
	}

	cfgValue, err := h.activeConfigValue()
	if err != nil {
		return err
	}
	cfg, err := h.handle.GetConfigDescriptor(uint8(cfgValue))
	if err != nil {
		return err
	}
	if len(cfg.Interfaces) > maxInterfaces {
		return errTooManyIfaces
	}

	h.altSet = [maxInterfaces]uint8{}

	claimed := make([]uint8, 0, len(cfg.Interfaces))
	for _, iface := range cfg.Interfaces {
		ifaceNum := uint8(iface.Number())
		if err := h.handle.DetachKernelDriver(ifaceNum); err != nil && err != nativeusb.ErrNotFound {
			h.log("detach kernel driver failed", "interface", ifaceNum, "err", err)
		}
		if err := h.handle.ClaimInterface(ifaceNum); err != nil {
			for _, prev := range claimed {
				h.handle.ReleaseInterface(prev)
				h.handle.AttachKernelDriver(prev)
			}
			return err
		}
		claimed = append(claimed, ifaceNum)
	}

	h.cfgDesc = cfg
	h.activeConfig = cfgValue
	h.claimed = true
	h.reparseEndpoints(cfg)
	h.log("claimed device",
		"vendor", nativeusb.VendorName(h.devDesc.VendorID),
		"product", nativeusb.ProductName(h.devDesc.VendorID, h.devDesc.ProductID),
		"class", nativeusb.ClassName(h.devDesc.DeviceClass),
		"interfaces", len(cfg.Interfaces))
	return nil
}

// activeConfigValue reads back the device's current bConfigurationValue.
// On first claim (no cached value yet) it asks the device with a
// GET_CONFIGURATION request, trusting the device's current setting rather
// than forcing a particular configuration.
func (h *Host) activeConfigValue() (int, error) {
	if h.activeConfig != 0 {
		return h.activeConfig, nil
	}
	var buf [1]byte
	setup := nativeusb.SetupPacket{
		RequestType: nativeusb.RequestTypeIn | nativeusb.RecipientDevice,
		Request:     nativeusb.RequestGetConfiguration,
		Length:      1,
	}
	n, err := h.handle.ControlTransferSync(setup, buf[:], 5000)
	if err != nil {
		return 0, err
	}
	if n < 1 {
		return 0, nativeusb.ErrIO
	}
	return int(buf[0]), nil
}

// reparseEndpoints rebuilds the endpoint table from cfg: EP0 stays
// control, everything else starts invalid, then every endpoint of every
// interface's *current* alt setting is filled in (spec.md §4.6, "Claim").
// Caller must hold h.lock.
func (h *Host) reparseEndpoints(cfg nativeusb.ConfigDescriptor) {
	h.endpoints = newEndpointTable()
	for _, iface := range cfg.Interfaces {
		alt := h.altSet[iface.Number()]
		h.applyInterfaceAlt(iface, alt)
	}
}

func (h *Host) applyInterfaceAlt(iface nativeusb.Interface, alt uint8) {
	for _, as := range iface.AltSettings {
		if as.AlternateSetting != alt {
			continue
		}
		for _, ep := range as.Endpoints {
			i := EP2I(ep.Address)
			h.endpoints[i].typ = peerEndpointType(ep.Type())
			h.endpoints[i].interval = ep.Interval
			h.endpoints[i].iface = uint8(iface.Number())
			h.endpoints[i].maxPacketSize = maxPacketSize(ep.MaxPacketSize)
		}
	}
}

func peerEndpointType(t nativeusb.TransferType) protocol.EndpointType {
	switch t {
	case nativeusb.TransferTypeControl:
		return protocol.EndpointTypeControl
	case nativeusb.TransferTypeIsochronous:
		return protocol.EndpointTypeIso
	case nativeusb.TransferTypeBulk:
		return protocol.EndpointTypeBulk
	case nativeusb.TransferTypeInterrupt:
		return protocol.EndpointTypeInterrupt
	default:
		return protocol.EndpointTypeInvalid
	}
}

// SetConfiguration implements protocol.CommandHandlers.
func (h *Host) SetConfiguration(req protocol.SetConfigurationHeader) {
	h.lock.Lock()
	if h.disconnected {
		h.lock.Unlock()
		h.parser.SendConfigurationStatus(protocol.ConfigurationStatusHeader{
			Status: protocol.StatusIOError, Configuration: req.Configuration,
		})
		return
	}
	if int(req.Configuration) == h.activeConfig {
		h.lock.Unlock()
		h.parser.SendConfigurationStatus(protocol.ConfigurationStatusHeader{
			Status: protocol.StatusSuccess, Configuration: req.Configuration,
		})
		return
	}
	h.lock.Unlock()

	h.cancelAllPending()
	h.drainPending()

	h.lock.Lock()
	for iface := range h.claimedInterfaceNumbers() {
		h.handle.ReleaseInterface(iface)
	}
	h.claimed = false
	h.lock.Unlock()

	if err := h.handle.SetConfiguration(int(req.Configuration)); err != nil {
		h.markDeviceLost()
		h.parser.SendConfigurationStatus(protocol.ConfigurationStatusHeader{
			Status: protocol.StatusIOError, Configuration: req.Configuration,
		})
		return
	}

	h.lock.Lock()
	h.activeConfig = int(req.Configuration)
	h.lock.Unlock()

	if err := h.claim(); err != nil {
		h.markDeviceLost()
		h.parser.SendConfigurationStatus(protocol.ConfigurationStatusHeader{
			Status: protocol.StatusIOError, Configuration: req.Configuration,
		})
		return
	}

	h.sendInterfaceAndEndpointInfo()
	h.parser.SendConfigurationStatus(protocol.ConfigurationStatusHeader{
		Status: protocol.StatusSuccess, Configuration: req.Configuration,
	})
}

// GetConfiguration implements protocol.CommandHandlers. usbredirhost
// answers get_configuration the same way as set_configuration to the
// same value: a configuration_status reply, since there's no separate
// "current configuration" packet in the protocol.
func (h *Host) GetConfiguration() {
	h.lock.Lock()
	cfg := h.activeConfig
	h.lock.Unlock()
	h.parser.SendConfigurationStatus(protocol.ConfigurationStatusHeader{
		Status: protocol.StatusSuccess, Configuration: uint8(cfg),
	})
}

// SetAltSetting implements protocol.CommandHandlers (spec.md §4.6,
// "Set-alt-setting"). The open question about which index the original
// tests against (compact interface index vs endpoint index) is resolved
// here by testing the endpoint's own owning-interface field directly,
// which is unambiguous (SPEC_FULL.md / Design Notes, "alt-setting table
// indexing").
func (h *Host) SetAltSetting(req protocol.SetAltSettingHeader) {
	h.lock.Lock()
	if h.disconnected {
		h.lock.Unlock()
		h.parser.SendAltSettingStatus(protocol.AltSettingStatusHeader{
			Status: protocol.StatusIOError, Interface: req.Interface, AltSetting: req.AltSetting,
		})
		return
	}
	h.lock.Unlock()

	h.cancelOnInterface(req.Interface)
	h.drainPending()

	if err := h.handle.SetInterfaceAltSetting(req.Interface, req.AltSetting); err != nil {
		h.parser.SendAltSettingStatus(protocol.AltSettingStatusHeader{
			Status: protocol.StatusIOError, Interface: req.Interface, AltSetting: req.AltSetting,
		})
		return
	}

	h.lock.Lock()
	for j := range h.endpoints {
		if h.endpoints[j].iface != req.Interface {
			continue
		}
		addr := I2EP(j)
		if addr == 0x00 || addr == 0x80 {
			h.endpoints[j].typ = protocol.EndpointTypeControl
		} else {
			h.endpoints[j].typ = protocol.EndpointTypeInvalid
		}
		h.endpoints[j].interval = 0
		h.endpoints[j].iface = 0
	}
	h.altSet[req.Interface] = req.AltSetting
	for _, iface := range h.cfgDesc.Interfaces {
		if uint8(iface.Number()) == req.Interface {
			h.applyInterfaceAlt(iface, req.AltSetting)
			break
		}
	}
	h.lock.Unlock()

	h.parser.SendAltSettingStatus(protocol.AltSettingStatusHeader{
		Status: protocol.StatusSuccess, Interface: req.Interface, AltSetting: req.AltSetting,
	})
}

// GetAltSetting implements protocol.CommandHandlers.
func (h *Host) GetAltSetting(req protocol.GetAltSettingHeader) {
	h.lock.Lock()
	alt := h.altSet[req.Interface]
	h.lock.Unlock()
	h.parser.SendAltSettingStatus(protocol.AltSettingStatusHeader{
		Status: protocol.StatusSuccess, Interface: req.Interface, AltSetting: alt,
	})
}

// Reset implements protocol.CommandHandlers (spec.md §4.6, "Reset").
func (h *Host) Reset() {
	if err := h.handle.Reset(); err != nil {
		h.handleDisconnect()
		return
	}
	time.Sleep(resetSettleDelay)
}

func (h *Host) claimedInterfaceNumbers() map[uint8]struct{} {
	m := map[uint8]struct{}{}
	for _, iface := range h.cfgDesc.Interfaces {
		m[uint8(iface.Number())] = struct{}{}
	}
	return m
}

// markDeviceLost sets the sticky read_status the next ReadGuestData call
// surfaces, then tears the device down (spec.md §7, "Claim/configuration
// failures... set sticky read_status = device-lost, clear device").
func (h *Host) markDeviceLost() {
	h.lock.Lock()
	h.readStatus = protocol.ReadStatusDeviceLost
	h.lock.Unlock()
	h.clearDevice()
}

// clearDevice drains all in-flight work, releases interfaces (reattaching
// kernel drivers), closes the handle, and notifies the peer (spec.md
// §4.6, "Clear-device").
func (h *Host) clearDevice() {
	h.lock.Lock()
	handle := h.handle
	h.lock.Unlock()
	if handle == nil {
		return
	}

	h.cancelAllPending()
	h.drainPending()

	h.lock.Lock()
	for iface := range h.claimedInterfaceNumbers() {
		handle.ReleaseInterface(iface)
		handle.AttachKernelDriver(iface)
	}
	h.cfgDesc = nativeusb.ConfigDescriptor{}
	h.claimed = false
	h.handle = nil
	h.usbCtx = nil
	h.lock.Unlock()

	handle.Close()
	h.handleDisconnect()
}

// handleDisconnect sends a one-shot device-disconnect notice to the peer
// the first time the device is observed gone (spec.md §4.6, "Disconnect
// handling"). Guarded by disconnectLock, which is taken first; lock is
// only taken briefly inside it, and callers must not hold lock, so a
// completion callback observing no-device and a peer-command-thread
// caller of the same function cannot both send the notice.
func (h *Host) handleDisconnect() {
	h.disconnectLock.Lock()
	defer h.disconnectLock.Unlock()

	h.lock.Lock()
	already := h.disconnected
	h.lock.Unlock()
	if already {
		return
	}

	h.parser.SendDeviceDisconnect()

	h.lock.Lock()
	h.waitDiscon = h.parser.PeerHasCapability(protocol.CapDeviceDisconnectAck)
	h.disconnected = true
	h.lock.Unlock()
}

// DeviceDisconnectAck implements protocol.CommandHandlers.
func (h *Host) DeviceDisconnectAck() {
	h.lock.Lock()
	h.waitDiscon = false
	pending := h.connPending
	h.lock.Unlock()
	if pending {
		h.sendDeviceConnect()
	}
}

// sendDeviceConnect emits interface-info, endpoint-info, and
// device-connect, deferring if a disconnect-ack is still outstanding
// (spec.md §4.6, "Reconnect"). It does not wait for the peer's hello: if
// the peer's capabilities are not known yet it sends at once, and the
// device-connect goes out in the form without a device version.
func (h *Host) sendDeviceConnect() {
	h.lock.Lock()
	if !h.disconnected {
		h.lock.Unlock()
		h.log("send_device_connect called while already connected")
		return
	}
	if h.waitDiscon {
		h.connPending = true
		h.lock.Unlock()
		return
	}
	h.lock.Unlock()

	h.sendInterfaceAndEndpointInfo()

	full := protocol.DeviceConnectHeader{
		Speed:          uint8(h.deviceSpeed()),
		DeviceClass:    h.devDesc.DeviceClass,
		DeviceSubClass: h.devDesc.DeviceSubClass,
		DeviceProtocol: h.devDesc.DeviceProtocol,
		VendorID:       h.devDesc.VendorID,
		ProductID:      h.devDesc.ProductID,
		DeviceVersion:  h.devDesc.DeviceVersion,
	}
	if h.parser.PeerHasCapability(protocol.CapConnectDeviceVersion) {
		h.parser.SendDeviceConnect(full)
	} else {
		h.parser.SendDeviceConnectCompat(protocol.FromDeviceConnectHeader(full))
	}

	h.lock.Lock()
	h.disconnected = false
	h.connPending = false
	h.lock.Unlock()
}

func (h *Host) deviceSpeed() nativeusb.Speed {
	speed, err := h.handle.Speed()
	if err != nil {
		return nativeusb.SpeedUnknown
	}
	return speed
}

func (h *Host) sendInterfaceAndEndpointInfo() {
	h.lock.Lock()
	var ifaceInfo protocol.InterfaceInfoHeader
	for _, iface := range h.cfgDesc.Interfaces {
		if ifaceInfo.InterfaceCount >= len(ifaceInfo.Interface) {
			break
		}
		alt := h.altSet[iface.Number()]
		for _, as := range iface.AltSettings {
			if as.AlternateSetting != alt {
				continue
			}
			i := ifaceInfo.InterfaceCount
			ifaceInfo.Interface[i] = uint8(iface.Number())
			ifaceInfo.InterfaceClass[i] = as.InterfaceClass
			ifaceInfo.InterfaceSub[i] = as.InterfaceSub
			ifaceInfo.InterfaceProto[i] = as.InterfaceProto
			ifaceInfo.InterfaceCount++
		}
	}

	var epInfo protocol.EndpointInfoHeader
	for i, ep := range h.endpoints {
		epInfo.Type[i] = ep.typ
		epInfo.Interval[i] = ep.interval
		epInfo.Interface[i] = ep.iface
		epInfo.MaxPacketSize[i] = ep.maxPacketSize
	}
	h.lock.Unlock()

	h.parser.SendInterfaceInfo(ifaceInfo)
	h.parser.SendEndpointInfo(epInfo)
}

// CheckDeviceFilter opens dev, reads its configuration with value 1,
// collects every interface's class/subclass/protocol tuple, and asks
// rules for a verdict — usable before a device is ever bound to a Host
// (spec.md §12, usbredirhost_check_device_filter). The device's currently
// active configuration is not queried.
func CheckDeviceFilter(rules protocol.FilterRuleList, dev *nativeusb.Device) (bool, error) {
	handle, err := dev.Open()
	if err != nil {
		return false, err
	}
	defer handle.Close()

	cfg, err := handle.GetConfigDescriptor(1)
	if err != nil {
		return false, err
	}

	desc := handle.GetDeviceDescriptor()
	for _, rule := range rules {
		for _, iface := range cfg.Interfaces {
			if len(iface.AltSettings) == 0 {
				continue
			}
			as := iface.AltSettings[0]
			if matchesFilterRule(rule, desc, as) {
				return rule.Allow, nil
			}
		}
	}
	return false, nil
}

func matchesFilterRule(rule protocol.FilterRule, desc nativeusb.DeviceDescriptor, as nativeusb.AltSetting) bool {
	if rule.DeviceClass >= 0 && uint8(rule.DeviceClass) != as.InterfaceClass {
		return false
	}
	if rule.DeviceSubClass >= 0 && uint8(rule.DeviceSubClass) != as.InterfaceSub {
		return false
	}
	if rule.DeviceProtocol >= 0 && uint8(rule.DeviceProtocol) != as.InterfaceProto {
		return false
	}
	if rule.VendorID >= 0 && uint16(rule.VendorID) != desc.VendorID {
		return false
	}
	if rule.ProductID >= 0 && uint16(rule.ProductID) != desc.ProductID {
		return false
	}
	if rule.DeviceVersion >= 0 && uint16(rule.DeviceVersion) != desc.DeviceVersion {
		return false
	}
	return true
}

// FilterReject implements protocol.CommandHandlers (spec.md §4.7).
func (h *Host) FilterReject(protocol.FilterRejectHeader) {
	h.lock.Lock()
	h.readStatus = protocol.ReadStatusDeviceRejected
	h.lock.Unlock()
}

// FilterFilter implements protocol.CommandHandlers (spec.md §4.7):
// ownership of rules transfers from the parser to the Host.
func (h *Host) FilterFilter(rules protocol.FilterRuleList) {
	h.lock.Lock()
	h.filterRules = rules
	h.lock.Unlock()
}

// Hello implements protocol.CommandHandlers: triggers the deferred
// connect if one is pending (spec.md §4.8).
func (h *Host) Hello(protocol.HelloHeader) {
	h.lock.Lock()
	pending := h.connPending
	h.lock.Unlock()
	if pending {
		h.sendDeviceConnect()
	}
}

// AllocBulkStreams / FreeBulkStreams implement protocol.CommandHandlers
// as accepted no-ops (spec.md §4.8, §12).
func (h *Host) AllocBulkStreams(req protocol.AllocBulkStreamsHeader) {
	h.parser.SendBulkStreamsStatus(protocol.BulkStreamsStatusHeader{
		Status: protocol.StatusSuccess, EndpointCount: req.EndpointCount, Endpoints: req.Endpoints,
	})
}

func (h *Host) FreeBulkStreams(req protocol.FreeBulkStreamsHeader) {
	h.parser.SendBulkStreamsStatus(protocol.BulkStreamsStatusHeader{
		Status: protocol.StatusSuccess, EndpointCount: req.EndpointCount, Endpoints: req.Endpoints,
	})
}
