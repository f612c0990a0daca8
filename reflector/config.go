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

// Package reflector implements the reflector core: the shared Peer,
// Client, Stream, and last-heard-user collections, and the server
// configuration that binds them to a UDP socket.
package reflector

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v2"
)

// StaticConfig holds options that require a process restart to change.
type StaticConfig struct {
	ConfigFile     string
	AccessListDir  string
	DebugAddr      string
	Interface      string
	IP             net.IP
	Port           int
	LogLevel       string
	MonitoringPort int
	PidFile        string
	QueueSize      int
	FanOutWorkers  int
}

// DynamicConfig holds options reloadable without a restart.
type DynamicConfig struct {
	// StreamTimeout is the configured stream idle timeout. urfprotocol does
	// not read it; its idle-stream sweep uses a fixed 200ms timeout.
	StreamTimeout time.Duration
	// KeepAliveInterval is the configured peer KeepAlive period. urfprotocol
	// does not read it; it sends KeepAlives on a fixed 10s period.
	KeepAliveInterval time.Duration
	// PeerTimeout is the configured peer silence limit. urfprotocol does not
	// read it; it drops a silent peer after a fixed 30s.
	PeerTimeout time.Duration
	// DrainInterval is how often the drain file is polled.
	DrainInterval time.Duration
	// AccessListReloadInterval is how often access-list mtimes are checked.
	AccessListReloadInterval time.Duration
}

// Config is the full reflector configuration.
type Config struct {
	StaticConfig
	DynamicConfig
}

// ReadDynamicConfig parses a YAML DynamicConfig from path.
func ReadDynamicConfig(path string) (*DynamicConfig, error) {
	dc := &DynamicConfig{}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, dc); err != nil {
		return nil, err
	}
	return dc, nil
}

// Write marshals dc back to path as YAML.
func (dc *DynamicConfig) Write(path string) error {
	d, err := yaml.Marshal(dc)
	if err != nil {
		return err
	}
	return os.WriteFile(path, d, 0o644)
}

// IfaceHasIP reports whether c.IP is bound to c.Interface.
func (c *Config) IfaceHasIP() (bool, error) {
	ips, err := ifaceIPs(c.Interface)
	if err != nil {
		return false, err
	}
	for _, ip := range ips {
		if c.IP.Equal(ip) {
			return true, nil
		}
	}
	return false, nil
}

// CreatePidFile writes the running process's pid to c.PidFile.
func (c *Config) CreatePidFile() error {
	return os.WriteFile(c.PidFile, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o644)
}

// DeletePidFile removes c.PidFile.
func (c *Config) DeletePidFile() error {
	return os.Remove(c.PidFile)
}

// ReadPidFile reads a pid previously written by CreatePidFile.
func ReadPidFile(path string) (int, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(content)))
}

func ifaceIPs(iface string) ([]net.IP, error) {
	i, err := net.InterfaceByName(iface)
	if err != nil {
		return nil, err
	}
	addrs, err := i.Addrs()
	if err != nil {
		return nil, err
	}
	res := make([]net.IP, 0, len(addrs)+2)
	for _, addr := range addrs {
		if ipNet, ok := addr.(*net.IPNet); ok {
			res = append(res, ipNet.IP)
		}
	}
	res = append(res, net.IPv6zero, net.IPv4zero)
	return res, nil
}
