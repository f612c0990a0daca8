/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"flag"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ShaYmez/urfd/callsign"
	"github.com/ShaYmez/urfd/drain"
	"github.com/ShaYmez/urfd/gatekeeper"
	"github.com/ShaYmez/urfd/reflector"
	"github.com/ShaYmez/urfd/stats"
	"github.com/ShaYmez/urfd/urfprotocol"
)

func main() {
	c := &reflector.Config{
		DynamicConfig: reflector.DynamicConfig{
			StreamTimeout:            2 * time.Second,
			KeepAliveInterval:        10 * time.Second,
			PeerTimeout:              30 * time.Second,
			DrainInterval:            30 * time.Second,
			AccessListReloadInterval: 30 * time.Second,
		},
	}

	var ipaddr, ownCallsign string

	flag.StringVar(&c.ConfigFile, "config", "", "Path to a config with dynamic settings")
	flag.StringVar(&c.AccessListDir, "accesslistdir", "/etc/urfd", "Directory holding the trusted/interlink/blacklist text files")
	flag.StringVar(&c.DebugAddr, "pprofaddr", "", "host:port for the pprof to bind")
	flag.StringVar(&c.Interface, "iface", "eth0", "Set the interface")
	flag.StringVar(&ipaddr, "ip", "::", "IP to bind on")
	flag.IntVar(&c.Port, "port", 10017, "UDP port to listen for peer traffic on")
	flag.StringVar(&c.LogLevel, "loglevel", "warning", "Set a log level. Can be: debug, info, warning, error")
	flag.IntVar(&c.MonitoringPort, "monitoringport", 8866, "Port to run the /metrics monitoring server on")
	flag.StringVar(&c.PidFile, "pidfile", "/var/run/urfd.pid", "Pid file location")
	flag.IntVar(&c.QueueSize, "queue", 64, "Depth of each fan-out worker's outbound queue")
	flag.IntVar(&c.FanOutWorkers, "workers", 4, "Number of outbound fan-out workers")
	flag.StringVar(&ownCallsign, "callsign", "", "This reflector's own callsign, advertised to peers")
	flag.Parse()

	switch c.LogLevel {
	case "debug":
		log.SetLevel(log.DebugLevel)
	case "info":
		log.SetLevel(log.InfoLevel)
	case "warning":
		log.SetLevel(log.WarnLevel)
	case "error":
		log.SetLevel(log.ErrorLevel)
	default:
		log.Fatalf("unrecognized log level: %v", c.LogLevel)
	}

	if c.ConfigFile != "" {
		dc, err := reflector.ReadDynamicConfig(c.ConfigFile)
		if err != nil {
			log.Fatal(err)
		}
		c.DynamicConfig = *dc
	}

	if ownCallsign == "" {
		log.Fatal("a -callsign is required")
	}
	urfprotocol.SetLocalCallsign(callsign.New(ownCallsign))

	c.IP = net.ParseIP(ipaddr)
	found, err := c.IfaceHasIP()
	if err != nil {
		log.Fatal(err)
	}
	if !found {
		log.Fatalf("IP '%s' is not found on interface '%s'", c.IP, c.Interface)
	}

	if c.DebugAddr != "" {
		log.Warningf("starting profiler on %s", c.DebugAddr)
		go func() {
			log.Println(http.ListenAndServe(c.DebugAddr, nil))
		}()
	}

	if err := c.CreatePidFile(); err != nil {
		log.Fatalf("failed to write pid file: %v", err)
	}
	defer c.DeletePidFile()

	st := stats.NewJSONStats()
	go st.Start(c.MonitoringPort)

	gk := gatekeeper.New()
	loadAccessLists(gk, c.AccessListDir)
	go reloadAccessLists(gk, c.AccessListReloadInterval, st)

	ref := reflector.New()

	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: c.IP, Port: c.Port})
	if err != nil {
		log.Fatalf("failed to bind %s:%d: %v", c.IP, c.Port, err)
	}
	defer conn.Close()

	fanOut := urfprotocol.NewFanOut(c.FanOutWorkers, c.QueueSize, ref, &urfprotocol.UDPSender{Conn: conn}, st)
	defer fanOut.Close()

	peerProtocol := urfprotocol.New(conn, gk, ref, st, fanOut)

	fd := drain.NewFileDrain()
	fd.Time = c.DrainInterval
	go fd.Start(peerProtocol)
	defer fd.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		log.Info("shutting down")
		cancel()
	}()

	log.Infof("urfd listening on %s:%d", c.IP, c.Port)
	peerProtocol.Run(ctx)
}

// loadAccessLists loads the three well-known access-list files out of
// dir, logging (not failing) on a missing or malformed file so a
// first-run reflector with an empty directory still starts up with
// nothing allowed rather than refusing to start (§7).
func loadAccessLists(gk *gatekeeper.Gatekeeper, dir string) {
	if err := gk.TransmitAllow.LoadFromFile(filepath.Join(dir, "urf_trusted.txt")); err != nil {
		log.Warningf("failed to load transmit-allow list: %v", err)
	}
	if err := gk.NodeAllow.LoadFromFile(filepath.Join(dir, "urf_nodes.txt")); err != nil {
		log.Warningf("failed to load node-allow list: %v", err)
	}
	if err := gk.PeerAllow.LoadFromFile(filepath.Join(dir, "urf_interlink.txt")); err != nil {
		log.Warningf("failed to load peer-allow list: %v", err)
	}
}

func reloadIfChanged(l *gatekeeper.List, name string, st stats.Stats) {
	if !l.NeedReload() {
		return
	}
	if err := l.ReloadIfChanged(); err != nil {
		log.Warningf("%s reload failed: %v", name, err)
		return
	}
	st.IncReload()
}

func reloadAccessLists(gk *gatekeeper.Gatekeeper, interval time.Duration, st stats.Stats) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for range ticker.C {
		reloadIfChanged(gk.TransmitAllow, "transmit-allow", st)
		reloadIfChanged(gk.NodeAllow, "node-allow", st)
		reloadIfChanged(gk.PeerAllow, "peer-allow", st)
	}
}
