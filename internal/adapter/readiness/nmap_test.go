package readiness

import (
	"context"
	"testing"

	nmap "github.com/Ullaakut/nmap/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenPorts(t *testing.T) {
	run := &nmap.Run{Hosts: []nmap.Host{
		{
			Addresses: []nmap.Address{{Addr: "10.0.0.1", AddrType: "ipv4"}},
			Ports:     []nmap.Port{{ID: 5985, Protocol: "tcp", State: nmap.State{State: "open"}}},
		},
		{
			Addresses: []nmap.Address{{Addr: "10.0.0.2", AddrType: "ipv4"}},
			Ports:     []nmap.Port{{ID: 5985, Protocol: "tcp", State: nmap.State{State: "filtered"}}},
		},
		{
			Addresses: []nmap.Address{{Addr: "10.9.9.9", AddrType: "ipv4"}},
			Ports:     []nmap.Port{{ID: 5985, Protocol: "tcp", State: nmap.State{State: "open"}}},
		},
	}}

	got := openPorts(run, []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"}, 5985)
	assert.Equal(t, map[string]bool{
		"10.0.0.1": true,
		"10.0.0.2": false,
		"10.0.0.3": false,
	}, got)
}

func TestOpenPorts_OtherPortIgnored(t *testing.T) {
	run := &nmap.Run{Hosts: []nmap.Host{{
		Addresses: []nmap.Address{{Addr: "10.0.0.1"}},
		Ports:     []nmap.Port{{ID: 22, State: nmap.State{State: "open"}}},
	}}}
	assert.False(t, openPorts(run, []string{"10.0.0.1"}, 5985)["10.0.0.1"])
	assert.False(t, openPorts(nil, []string{"10.0.0.1"}, 5985)["10.0.0.1"])
}

func TestSanitize(t *testing.T) {
	assert.Equal(t, []string{"10.0.0.1", "10.0.0.2"}, sanitize([]string{" 10.0.0.1", "", "10.0.0.2", "10.0.0.1"}))
}

func TestProbe_NoAddresses(t *testing.T) {
	_, err := NewNmapProber(0).Probe(context.Background(), []string{" ", ""}, 5985)
	require.Error(t, err)
}
