package xnetip

import (
	"net/netip"
	"testing"
)

func Test_LastAddr(t *testing.T) {
	tests := []struct {
		prefix   string
		expected string
	}{
		{"0.0.0.0/0", "255.255.255.255"},
		{"10.0.0.0/8", "10.255.255.255"},
		{"192.168.0.0/16", "192.168.255.255"},
		{"192.168.1.0/24", "192.168.1.255"},
		{"192.168.1.0/25", "192.168.1.127"},
		{"192.168.1.0/30", "192.168.1.3"},
		{"192.168.1.1/32", "192.168.1.1"},
		{"172.16.0.0/12", "172.31.255.255"},
		{"2001:db8::/32", "2001:db8:ffff:ffff:ffff:ffff:ffff:ffff"},
		{"2001:db8:1234:5678::/64", "2001:db8:1234:5678:ffff:ffff:ffff:ffff"},
		{"2001:db8::1/128", "2001:db8::1"},
	}

	for _, tt := range tests {
		t.Run(tt.prefix, func(t *testing.T) {
			prefix := netip.MustParsePrefix(tt.prefix)
			got := LastAddr(prefix)
			want := netip.MustParseAddr(tt.expected)
			if got != want {
				t.Errorf("LastAddr(%s) = %s, want %s", tt.prefix, got, want)
			}
		})
	}
}

func Test_LastAddrContainedInPrefix(t *testing.T) {
	for _, s := range []string{"192.168.1.0/24", "10.0.0.0/16", "2001:db8::/64"} {
		prefix := netip.MustParsePrefix(s)
		if !prefix.Contains(LastAddr(prefix)) {
			t.Errorf("LastAddr(%s) not contained in its own prefix", s)
		}
	}
}
