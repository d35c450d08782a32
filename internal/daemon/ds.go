// Copyright 2024-2026 the Shelly Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package daemon

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/brutella/dnssd"

	"github.com/RRichardsDev/shelly/internal/logging"
)

const (
	dsService = "_shelly._tcp."
	dsDomain  = "local."
	dsRefresh = 60 * time.Second
)

// Advertiser publishes the daemon's service record on the local link
// so clients can browse for it.
type Advertiser struct {
	version string
	port    int
	// connCount is polled into the TXT record on each refresh.
	connCount func() int

	cancel context.CancelFunc
}

// NewAdvertiser builds a DNS-SD advertiser for the plain port.
func NewAdvertiser(version string, port int, connCount func() int) *Advertiser {
	return &Advertiser{version: version, port: port, connCount: connCount}
}

func dsInstanceName() string {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		return "shellyd"
	}
	return strings.SplitN(hostname, ".", 2)[0]
}

// Register announces the service record and keeps its TXT fields
// fresh until Unregister.
func (a *Advertiser) Register() error {
	logging.Debugf("discovery: advertising %s%s on port %d", dsInstanceName(), "."+dsService+dsDomain, a.port)

	resp, err := dnssd.NewResponder()
	if err != nil {
		return fmt.Errorf("discovery: new responder: %w", err)
	}

	txt := map[string]string{
		"version":  a.version,
		"platform": runtime.GOOS,
	}

	cfg := dnssd.Config{
		Name:   dsInstanceName(),
		Type:   dsService,
		Domain: dsDomain,
		Port:   a.port,
		Text:   txt,
	}
	srv, err := dnssd.NewService(cfg)
	if err != nil {
		return fmt.Errorf("discovery: new service: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	go func() {
		// The responder needs a beat before Add is accepted.
		time.Sleep(1 * time.Second)
		handle, err := resp.Add(srv)
		if err != nil {
			logging.Warnf("discovery: add service: %v", err)
			return
		}
		logging.Infof("discovery: registered %s", handle.Service().ServiceInstanceName())

		ticker := time.NewTicker(dsRefresh)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if a.connCount != nil {
					txt["connections"] = strconv.Itoa(a.connCount())
				}
				handle.UpdateText(txt, resp)
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		if err := resp.Respond(ctx); err != nil && ctx.Err() == nil {
			logging.Warnf("discovery: responder: %v", err)
		}
	}()

	return nil
}

// Unregister withdraws the service record.
func (a *Advertiser) Unregister() {
	if a.cancel != nil {
		logging.Debugf("discovery: unregistering")
		a.cancel()
	}
}
