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
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMetricsHandler(t *testing.T) {

	metrics := NewMetrics()
	metrics.relaysAccepted.WithLabelValues("tcp").Inc()
	metrics.relaysActive.Set(3)
	metrics.udpPacketsDrops.WithLabelValues("corrupt").Add(2)

	server := httptest.NewServer(metrics.Handler())
	defer server.Close()

	response, err := http.Get(server.URL + METRICS_PATH)
	require.NoError(t, err)
	defer response.Body.Close()
	require.Equal(t, http.StatusOK, response.StatusCode)

	body, err := io.ReadAll(response.Body)
	require.NoError(t, err)

	for _, expected := range []string{
		`rtunnel_relays_accepted_total{protocol="tcp"} 1`,
		`rtunnel_relays_active 3`,
		`rtunnel_udp_packets_dropped_total{reason="corrupt"} 2`,
		`rtunnel_relay_duration_seconds_count 0`,
		`go_goroutines`,
	} {
		require.Contains(t, string(body), expected)
	}

	response, err = http.Get(server.URL + "/")
	require.NoError(t, err)
	response.Body.Close()
	require.Equal(t, http.StatusNotFound, response.StatusCode)

	// Each Metrics has its own registry.
	_ = NewMetrics()
}
