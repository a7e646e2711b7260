package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/grandcat/zeroconf"
)

const mdnsServiceType = "_cannelloni._tcp"

// mdnsInstance names the advertisement of the bridge of bus.
func mdnsInstance(prefix, bus string) string {
	if prefix == "" {
		host, _ := os.Hostname()
		prefix = "vbus-sim-" + host
	}
	return prefix + " " + bus
}

// mdnsTXT carries what a client needs to pick the right bridge.
func mdnsTXT(simID, bus string, fd bool) []string {
	return []string{
		"sim=" + simID,
		"bus=" + bus,
		"fd=" + strconv.FormatBool(fd),
		"version=" + version,
		"commit=" + commit,
	}
}

func listenPort(addr string) (int, error) {
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(p)
}

// startMDNS advertises one TCP bridge until ctx ends or the returned func is
// called.
func startMDNS(ctx context.Context, instance string, port int, txt []string) (func(), error) {
	svc, err := zeroconf.Register(instance, mdnsServiceType, "local.", port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("mdns register: %w", err)
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		svc.Shutdown()
	}()
	return func() { close(done); time.Sleep(50 * time.Millisecond) }, nil
}
