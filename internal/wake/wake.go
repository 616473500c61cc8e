// Package wake sends Wake-on-LAN magic packets to sleeping servers.
package wake

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

// ErrInvalidMAC indicates a MAC address that is not six colon- or
// hyphen-separated hex octets.
var ErrInvalidMAC = errors.New("wake: invalid MAC address")

const wakePort = "9"

// Sender transmits magic packets to a broadcast address fixed at startup.
// It holds no per-call state; each Wake opens and closes its own socket.
type Sender struct {
	broadcast *net.UDPAddr
}

// NewSender resolves the broadcast address once. An unresolvable address is
// a configuration error and should abort startup.
func NewSender(broadcastIP string) (*Sender, error) {
	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(broadcastIP, wakePort))
	if err != nil {
		return nil, fmt.Errorf("resolving broadcast address %q: %w", broadcastIP, err)
	}
	return &Sender{broadcast: addr}, nil
}

// Wake builds the magic packet for mac and sends it as a single broadcast
// datagram. All failures are returned, never panicked, and the call does
// not block beyond a local-network send.
func (s *Sender) Wake(mac string) error {
	hw, err := parseMAC(mac)
	if err != nil {
		return err
	}

	conn, err := net.DialUDP("udp", nil, s.broadcast)
	if err != nil {
		return fmt.Errorf("opening broadcast socket: %w", err)
	}
	defer conn.Close()

	if _, err := conn.Write(magicPacket(hw)); err != nil {
		return fmt.Errorf("sending magic packet: %w", err)
	}
	return nil
}

// magicPacket is 6 bytes of 0xFF followed by the MAC repeated 16 times.
func magicPacket(hw net.HardwareAddr) []byte {
	packet := make([]byte, 6+16*6)
	for i := 0; i < 6; i++ {
		packet[i] = 0xFF
	}
	for i := 6; i < len(packet); i += 6 {
		copy(packet[i:], hw)
	}
	return packet
}

// parseMAC accepts only the 6-octet colon or hyphen forms; net.ParseMAC
// alone would also admit dot groupings and 20-octet addresses.
func parseMAC(mac string) (net.HardwareAddr, error) {
	if !strings.ContainsAny(mac, ":-") {
		return nil, fmt.Errorf("%w: %q", ErrInvalidMAC, mac)
	}
	hw, err := net.ParseMAC(mac)
	if err != nil || len(hw) != 6 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidMAC, mac)
	}
	return hw, nil
}
