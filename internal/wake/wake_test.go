package wake

import (
	"bytes"
	"errors"
	"net"
	"testing"
)

func TestMagicPacketLayout(t *testing.T) {
	hw, err := net.ParseMAC("aa:bb:cc:dd:ee:ff")
	if err != nil {
		t.Fatalf("error parsing test MAC: %s", err)
	}

	packet := magicPacket(hw)
	if len(packet) != 102 {
		t.Fatalf("expected 102 byte packet, got %d", len(packet))
	}
	if !bytes.Equal(packet[:6], []byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}) {
		t.Errorf("expected 6 leading 0xFF bytes, got %v", packet[:6])
	}
	for i := 6; i < len(packet); i += 6 {
		if !bytes.Equal(packet[i:i+6], hw) {
			t.Fatalf("MAC repetition %d corrupt: %v", (i-6)/6, packet[i:i+6])
		}
	}
}

func TestParseMAC(t *testing.T) {
	tests := []struct {
		name    string
		mac     string
		wantErr bool
	}{
		{name: "colon_form", mac: "aa:bb:cc:dd:ee:ff"},
		{name: "hyphen_form", mac: "aa-bb-cc-dd-ee-ff"},
		{name: "uppercase", mac: "AA:BB:CC:DD:EE:FF"},
		{name: "empty", mac: "", wantErr: true},
		{name: "no_separators", mac: "aabbccddeeff", wantErr: true},
		{name: "dot_grouping", mac: "aabb.ccdd.eeff", wantErr: true},
		{name: "too_short", mac: "aa:bb:cc", wantErr: true},
		{name: "infiniband_20_octets", mac: "00:00:00:00:fe:80:00:00:00:00:00:00:02:00:5e:10:00:00:00:01", wantErr: true},
		{name: "non_hex", mac: "zz:bb:cc:dd:ee:ff", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hw, err := parseMAC(tt.mac)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidMAC) {
					t.Errorf("parseMAC(%q) error = %v, want ErrInvalidMAC", tt.mac, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseMAC(%q) error = %s", tt.mac, err)
			}
			if len(hw) != 6 {
				t.Errorf("expected 6 octets, got %d", len(hw))
			}
		})
	}
}

func TestWakeRejectsInvalidMAC(t *testing.T) {
	sender, err := NewSender("192.0.2.255")
	if err != nil {
		t.Fatalf("NewSender() error = %s", err)
	}
	if err := sender.Wake("not-a-mac"); !errors.Is(err, ErrInvalidMAC) {
		t.Errorf("Wake() error = %v, want ErrInvalidMAC", err)
	}
}

func TestWakeSendsDatagram(t *testing.T) {
	listener, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("error opening listener: %s", err)
	}
	defer listener.Close()

	addr := listener.LocalAddr().(*net.UDPAddr)
	sender := &Sender{broadcast: addr}
	if err := sender.Wake("aa:bb:cc:dd:ee:01"); err != nil {
		t.Fatalf("Wake() error = %s", err)
	}

	buf := make([]byte, 256)
	n, _, err := listener.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("error reading datagram: %s", err)
	}
	if n != 102 {
		t.Errorf("expected a 102 byte magic packet, got %d bytes", n)
	}
	if !bytes.Equal(buf[:6], []byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}) {
		t.Errorf("datagram does not start with the magic preamble: %v", buf[:6])
	}
}
