/*
 * Copyright (c) 2026, Psiphon Inc.
 * All rights reserved.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package stream

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

type testDatagramHandler struct {
	packets  []string
	from     []netip.AddrPort
	closed   int
	onPacket func(d *Datagram, from netip.AddrPort, payload []byte)
}

func (h *testDatagramHandler) OnPacket(d *Datagram, from netip.AddrPort, payload []byte) {
	h.packets = append(h.packets, string(payload))
	h.from = append(h.from, from)
	if h.onPacket != nil {
		h.onPacket(d, from, payload)
	}
}

func (h *testDatagramHandler) OnClosed(d *Datagram) {
	h.closed += 1
}

func TestDatagramEcho(t *testing.T) {

	network := newTestNetwork(t, nil)

	server := &testDatagramHandler{}
	server.onPacket = func(d *Datagram, from netip.AddrPort, payload []byte) {
		require.NoError(t, d.Send(from, payload))
	}
	serverDatagram, err := network.ListenDatagram(
		netip.MustParseAddrPort("127.0.0.1:0"), server)
	require.NoError(t, err)
	serverAddr, err := serverDatagram.LocalAddr()
	require.NoError(t, err)

	client := &testDatagramHandler{}
	clientDatagram, err := network.NewDatagram(unix.AF_INET, client)
	require.NoError(t, err)

	messages := []string{"one", "two", string(make([]byte, 60000))}
	for _, message := range messages {
		require.NoError(t, clientDatagram.Send(serverAddr, []byte(message)))
	}
	require.Equal(t, 60006, clientDatagram.PendingBytes())

	runUntil(t, network, func() bool { return len(client.packets) == len(messages) })

	require.Equal(t, messages, client.packets)
	for _, from := range client.from {
		require.Equal(t, serverAddr, from)
	}
	require.Equal(t, 0, clientDatagram.PendingBytes())

	clientDatagram.Close()
	clientDatagram.Close()
	require.ErrorIs(t, clientDatagram.Send(serverAddr, []byte("late")), ErrClosing)
	serverDatagram.Close()

	require.Equal(t, 0, client.closed)
	runUntil(t, network, func() bool { return client.closed == 1 && server.closed == 1 })
	require.Equal(t, 0, network.ActiveDatagrams())
}

func TestDatagramOversize(t *testing.T) {

	network := newTestNetwork(t, nil)

	receiver := &testDatagramHandler{}
	receiverDatagram, err := network.ListenDatagram(
		netip.MustParseAddrPort("127.0.0.1:0"), receiver)
	require.NoError(t, err)
	defer receiverDatagram.Close()
	addr, err := receiverDatagram.LocalAddr()
	require.NoError(t, err)

	sender := &testDatagramHandler{}
	senderDatagram, err := network.NewDatagram(unix.AF_INET, sender)
	require.NoError(t, err)
	defer senderDatagram.Close()

	// The oversize packet is dropped alone; the packet after it is sent.
	require.NoError(t, senderDatagram.Send(addr, make([]byte, 70000)))
	require.NoError(t, senderDatagram.Send(addr, []byte("after")))

	runUntil(t, network, func() bool { return len(receiver.packets) == 1 })
	require.Equal(t, []string{"after"}, receiver.packets)
	require.Equal(t, int64(1), senderDatagram.PacketsDropped())
}
