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

package rtunnel

import (
	"context"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Psiphon-Labs/rtunnel/rtunnel/common/errors"
	"github.com/Psiphon-Labs/rtunnel/rtunnel/common/stream"
	"github.com/stretchr/testify/require"
)

func TestServices(t *testing.T) {

	echo := startTCPEchoServer(t)

	acceptConfig := &Config{
		AcceptAddresses: []string{"127.0.0.1:0"},
		Obfuscate:       true,
		DNSServers:      []string{"127.0.0.1:1"},
	}
	require.NoError(t, acceptConfig.Commit())

	acceptServices, err := NewServices(acceptConfig, nil)
	require.NoError(t, err)
	defer acceptServices.Close()
	require.Len(t, acceptServices.TCPTunnels(), 1)
	require.Empty(t, acceptServices.UDPTunnels())

	connectConfig := &Config{
		ConnectTuples: []TunnelTuple{{
			From: "127.0.0.1:0",
			Via:  acceptServices.TCPTunnels()[0].Addr().String(),
			To:   echo.addr.String(),
		}},
		Obfuscate:  true,
		DNSServers: []string{"127.0.0.1:1"},
	}
	require.NoError(t, connectConfig.Commit())

	connectServices, err := NewServices(connectConfig, NewMetrics())
	require.NoError(t, err)
	defer connectServices.Close()

	// Exercise the load log before the reactors run.
	acceptServices.logLoad()
	connectServices.logLoad()

	ctx, cancel := context.WithCancel(context.Background())
	runErrs := make(chan error, 2)
	for _, services := range []*Services{acceptServices, connectServices} {
		go func(services *Services) {
			runErrs <- services.Run(ctx)
		}(services)
	}

	select {
	case err := <-echoRoundTrip(connectServices.TCPTunnels()[0].Addr(), []byte("data")):
		require.NoError(t, err)
	case <-time.After(testTimeout):
		t.Fatal("timed out")
	}

	cancel()
	for i := 0; i < 2; i++ {
		require.NoError(t, <-runErrs)
	}
}

type closedCounter struct {
	closed int
}

func (c *closedCounter) OnReceived(_ *stream.Stream, _ []byte) {}

func (c *closedCounter) OnSent(_ *stream.Stream, _ int) {}

func (c *closedCounter) OnClosed(_ *stream.Stream) {
	c.closed += 1
}

func TestServicesCloseLingering(t *testing.T) {

	config := &Config{
		AcceptAddresses: []string{"127.0.0.1:0"},
		DNSServers:      []string{"127.0.0.1:1"},
	}
	require.NoError(t, config.Commit())

	services, err := NewServices(config, nil)
	require.NoError(t, err)

	// The peer accepts and never reads.
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()
	release := make(chan struct{})
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		<-release
		conn.Close()
	}()
	defer close(release)

	handler := &closedCounter{}
	s := services.network.NewStream(handler)
	require.NoError(t, s.Connect(
		listener.Addr().(*net.TCPAddr).AddrPort()))
	runUntil(t, services.network, func() bool { return s.Connected() })

	require.NoError(t, s.Send(make([]byte, 32<<20)))
	for i := 0; i < 10; i++ {
		require.NoError(t, services.Reactor().RunOnce(10*time.Millisecond))
	}

	// Closed with output still queued, the stream lingers.
	s.Close()
	require.NoError(t, services.Reactor().RunOnce(0))
	require.False(t, s.Destroyed())
	require.Greater(t, s.PendingBytes(), 0)

	services.Close()

	require.True(t, s.Destroyed())
	require.Equal(t, 1, handler.closed)
	require.Equal(t, 0, services.network.ActiveStreams())
	require.Equal(t, 0, services.network.ActiveDatagrams())
}

func TestServicesUDP(t *testing.T) {

	config := &Config{
		AcceptAddresses: []string{"127.0.0.1:0", "[::1]:0"},
		UDPMode:         true,
		DNSServers:      []string{"127.0.0.1:1"},
	}
	require.NoError(t, config.Commit())

	services, err := NewServices(config, nil)
	if err != nil {
		// IPv6 may be unavailable.
		config.AcceptAddresses = config.AcceptAddresses[:1]
		require.NoError(t, config.Commit())
		services, err = NewServices(config, nil)
		require.NoError(t, err)
	}
	require.Empty(t, services.TCPTunnels())
	require.Len(t, services.UDPTunnels(), len(config.AcceptAddresses))

	services.Close()
	services.Close()
}

func TestNewServicesErrors(t *testing.T) {

	_, err := NewServices(&Config{AcceptAddresses: []string{"127.0.0.1:0"}}, nil)
	require.Error(t, err)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	config := &Config{
		AcceptAddresses: []string{listener.Addr().String()},
		DNSServers:      []string{"127.0.0.1:1"},
	}
	require.NoError(t, config.Commit())
	_, err = NewServices(config, nil)
	require.Error(t, err)
}

func TestRunServices(t *testing.T) {

	savedLog := log
	defer func() { log = savedLog }()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	metricsAddress := listener.Addr().String()
	listener.Close()

	dir := t.TempDir()
	config := &Config{
		AcceptAddresses:          []string{"127.0.0.1:0"},
		LogFilename:              filepath.Join(dir, "rtunnel.log"),
		LockFilename:             filepath.Join(dir, "rtunnel.lock"),
		MetricsAddress:           metricsAddress,
		DNSServers:               []string{"127.0.0.1:1"},
		LoadMonitorPeriodSeconds: 1,
	}
	require.NoError(t, config.Commit())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runErr := make(chan error, 1)
	go func() {
		runErr <- RunServices(ctx, config)
	}()

	var body string
	deadline := time.Now().Add(testTimeout)
	for {
		require.True(t, time.Now().Before(deadline), "timed out")
		body, err = getMetrics("http://" + metricsAddress + METRICS_PATH)
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.Contains(t, body, "rtunnel_relays_active")

	_, err = AcquireLockFile(config.LockFilename)
	require.True(t, errors.Is(err, ErrAlreadyRunning))

	// A second instance fails while the first holds the lock.
	require.Error(t, RunServices(ctx, config))

	cancel()
	select {
	case err := <-runErr:
		require.NoError(t, err)
	case <-time.After(testTimeout):
		t.Fatal("timed out")
	}

	lockFile, err := AcquireLockFile(config.LockFilename)
	require.NoError(t, err)
	lockFile.Release()

	require.Error(t, RunServices(context.Background(), &Config{}))
}

func getMetrics(url string) (string, error) {
	response, err := http.Get(url)
	if err != nil {
		return "", errors.Trace(err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return "", errors.Tracef("unexpected status: %d", response.StatusCode)
	}
	body, err := io.ReadAll(response.Body)
	if err != nil {
		return "", errors.Trace(err)
	}
	return strings.TrimSpace(string(body)), nil
}
