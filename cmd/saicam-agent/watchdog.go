package main

import (
	"context"
	"net"
	"os"
	"strconv"
	"time"
)

// systemd integration over the notify socket. The unit runs with
// Type=notify and WatchdogSec set; heartbeats go out at half the watchdog
// period. Everything here is best effort and inert outside systemd.

func sdNotify(state string) {
	socket := os.Getenv("NOTIFY_SOCKET")
	if socket == "" {
		return
	}
	conn, err := net.DialUnix("unixgram", nil, &net.UnixAddr{Name: socket, Net: "unixgram"})
	if err != nil {
		return
	}
	defer conn.Close()
	_, _ = conn.Write([]byte(state))
}

func notifyReady() {
	sdNotify("READY=1")
}

func watchdogLoop(ctx context.Context) {
	usec, err := strconv.ParseInt(os.Getenv("WATCHDOG_USEC"), 10, 64)
	if err != nil || usec <= 0 {
		return
	}
	interval := time.Duration(usec/2) * time.Microsecond

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sdNotify("WATCHDOG=1")
		}
	}
}
