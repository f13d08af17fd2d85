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

package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/Psiphon-Labs/rtunnel/rtunnel"
	"github.com/Psiphon-Labs/rtunnel/rtunnel/common"
)

func main() {

	// Define command-line parameters

	var configFilename string
	flag.StringVar(&configFilename, "config", "", "configuration input file")

	var acceptAddresses string
	flag.StringVar(&acceptAddresses, "A", "", "accept side: listen at host:port[/host:port...]")

	var connectTuples string
	flag.StringVar(&connectTuples, "C", "", "connect side: relay from:via:to[/from:via:to...], each host:port")

	var obfuscate bool
	flag.BoolVar(&obfuscate, "O", false, "obfuscate tunnel traffic")

	var udpMode bool
	flag.BoolVar(&udpMode, "u", false, "relay UDP datagrams instead of TCP connections")

	var compress bool
	flag.BoolVar(&compress, "z", false, "compress tunnel traffic")

	var logLevel string
	flag.StringVar(&logLevel, "logLevel", "", "log level: debug, info, warn, error")

	var logFilename string
	flag.StringVar(&logFilename, "logFile", "", "log output file (defaults to stderr)")

	var lockFilename string
	flag.StringVar(&lockFilename, "lockFile", "", "lock file ensuring a single instance")

	var metricsAddress string
	flag.StringVar(&metricsAddress, "metrics", "", "serve Prometheus metrics at host:port")

	var versionDetails bool
	flag.BoolVar(&versionDetails, "version", false, "print build information and exit")
	flag.BoolVar(&versionDetails, "v", false, "print build information and exit")

	flag.Parse()

	if versionDetails {
		printVersion(common.GetBuildInfo())
		os.Exit(0)
	}

	// Load the config file, if any, and then apply overrides from
	// command-line parameters.

	config := &rtunnel.Config{}

	if configFilename != "" {
		configJSON, err := os.ReadFile(configFilename)
		if err != nil {
			fmt.Printf("error loading configuration file: %s\n", err)
			os.Exit(1)
		}
		config, err = rtunnel.LoadConfig(configJSON)
		if err != nil {
			fmt.Printf("error processing configuration file: %s\n", err)
			os.Exit(1)
		}
	}

	if acceptAddresses != "" {
		addresses, err := rtunnel.ParseAcceptAddresses(acceptAddresses)
		if err != nil {
			fmt.Printf("invalid -A: %s\n", err)
			os.Exit(1)
		}
		config.AcceptAddresses = addresses
	}

	if connectTuples != "" {
		tuples, err := rtunnel.ParseConnectTuples(connectTuples)
		if err != nil {
			fmt.Printf("invalid -C: %s\n", err)
			os.Exit(1)
		}
		config.ConnectTuples = tuples
	}

	if obfuscate {
		config.Obfuscate = true
	}
	if udpMode {
		config.UDPMode = true
	}
	if compress {
		config.Compress = true
	}
	if logLevel != "" {
		config.LogLevel = logLevel
	}
	if logFilename != "" {
		config.LogFilename = logFilename
	}
	if lockFilename != "" {
		config.LockFilename = lockFilename
	}
	if metricsAddress != "" {
		config.MetricsAddress = metricsAddress
	}

	err := config.Commit()
	if err != nil {
		fmt.Printf("invalid configuration: %s\n", err)
		flag.Usage()
		os.Exit(1)
	}

	// Run until SIGINT or SIGTERM

	ctx, stop := signal.NotifyContext(
		context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = rtunnel.RunServices(ctx, config)
	if err != nil {
		fmt.Printf("%s\n", err)
		os.Exit(1)
	}
}

func printVersion(b *common.BuildInfo) {

	var printableDependencies bytes.Buffer
	longestPath := 0

	sortedPaths := make([]string, 0, len(b.Dependencies))
	for path := range b.Dependencies {
		if len(path) > longestPath {
			longestPath = len(path)
		}
		sortedPaths = append(sortedPaths, path)
	}
	sort.Strings(sortedPaths)

	for _, path := range sortedPaths {
		printableDependencies.WriteString(
			fmt.Sprintf("    %-*s  %s\n", longestPath, path, b.Dependencies[path]))
	}

	fmt.Printf("rtunnel\n  Build Date: %s\n  Built With: %s\n  Repository: %s\n  Revision: %s\n  Dependencies:\n%s\n",
		b.BuildDate, b.GoVersion, b.BuildRepo, b.BuildRev, printableDependencies.String())
}
