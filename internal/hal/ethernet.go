package hal

import (
	"context"
	"fmt"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
	"github.com/vishvananda/netlink"

	"github.com/carrierone/redfire-gateway/internal/logger"
)

// EtherTypeLAPD is the (locally administered) EtherType this gateway
// uses to carry a span's raw LAPD octet stream over an Ethernet link,
// per the "E1/T1 carried over Ethernet" deployment spec §9 calls for in
// place of a direct TDM framer binding.
const EtherTypeLAPD = layers.EthernetType(0x88B6)

// EthernetSpan is the production Span: it binds a single host NIC,
// validates it with netlink before use, and carries D-channel octets as
// the payload of EtherTypeLAPD frames captured/injected with gopacket.
type EthernetSpan struct {
	label   string
	iface   string
	srcMAC  []byte
	dstMAC  []byte
	handle  *pcap.Handle
	log     *logger.Logger
}

// NewEthernetSpan validates iface exists and is up (via netlink), then
// opens a live capture/injection handle on it for EtherTypeLAPD frames.
func NewEthernetSpan(label, iface string, dstMAC []byte, log *logger.Logger) (*EthernetSpan, error) {
	if log == nil {
		log = logger.Default()
	}

	link, err := netlink.LinkByName(iface)
	if err != nil {
		return nil, fmt.Errorf("hal: failed to find interface %s for span %s: %w", iface, label, err)
	}
	if link.Attrs().OperState != netlink.OperUp && link.Attrs().OperState != netlink.OperUnknown {
		return nil, fmt.Errorf("hal: interface %s for span %s is not up (state %s)", iface, label, link.Attrs().OperState)
	}
	srcMAC := append([]byte(nil), link.Attrs().HardwareAddr...)

	handle, err := pcap.OpenLive(iface, 1600, false, pcap.BlockForever)
	if err != nil {
		return nil, fmt.Errorf("hal: failed to open capture handle on %s for span %s: %w", iface, label, err)
	}
	filter := fmt.Sprintf("ether proto 0x%04x", uint16(EtherTypeLAPD))
	if err := handle.SetBPFFilter(filter); err != nil {
		handle.Close()
		return nil, fmt.Errorf("hal: failed to install BPF filter on %s: %w", iface, err)
	}

	return &EthernetSpan{
		label:  label,
		iface:  iface,
		srcMAC: srcMAC,
		dstMAC: append([]byte(nil), dstMAC...),
		handle: handle,
		log:    log.With(logger.Ctx{"span": label, "iface": iface}),
	}, nil
}

func (s *EthernetSpan) Label() string { return s.label }

// Send wraps octets (a full Q.921 frame, FCS included) in an Ethernet
// header and transmits it on the bound interface.
func (s *EthernetSpan) Send(octets []byte) error {
	eth := &layers.Ethernet{
		SrcMAC:       s.srcMAC,
		DstMAC:       s.dstMAC,
		EthernetType: EtherTypeLAPD,
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, gopacket.Payload(octets)); err != nil {
		return fmt.Errorf("hal: failed to serialize Ethernet frame for span %s: %w", s.label, err)
	}
	if err := s.handle.WritePacketData(buf.Bytes()); err != nil {
		return fmt.Errorf("hal: failed to write Ethernet frame for span %s: %w", s.label, err)
	}
	return nil
}

// Recv decodes captured Ethernet frames and forwards their payload
// (the raw LAPD octet stream) to out.
func (s *EthernetSpan) Recv(ctx context.Context, out chan<- []byte) {
	defer close(out)
	src := gopacket.NewPacketSource(s.handle, layers.LayerTypeEthernet)
	packets := src.Packets()
	for {
		select {
		case <-ctx.Done():
			return
		case pkt, ok := <-packets:
			if !ok {
				return
			}
			appLayer := pkt.ApplicationLayer()
			if appLayer == nil {
				s.log.Debug("ethernet frame carried no payload, dropping")
				continue
			}
			select {
			case out <- appLayer.Payload():
			case <-ctx.Done():
				return
			}
		}
	}
}

func (s *EthernetSpan) Close() error {
	s.handle.Close()
	return nil
}
