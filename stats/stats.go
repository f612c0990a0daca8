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

// Package stats implements statistics collection and reporting for the
// reflector daemon: packet rx/tx counters by kind, peer/stream gauges,
// and worker-queue depths.
package stats

import (
	"fmt"
	"strings"
	"sync"

	"github.com/ShaYmez/urfd/protocol"
)

// Stats is a metric collection interface.
type Stats interface {
	// Start runs a passive reporter (e.g. an HTTP server).
	Start(monitoringPort int)

	// Snapshot copies live counters into the reported view atomically.
	Snapshot()

	// Reset atomically sets all counters to 0.
	Reset()

	IncRX(k protocol.Kind)
	IncTX(k protocol.Kind)
	IncMalformed()
	IncAuthDenied()

	IncPeerConnect()
	IncPeerDisconnect()
	SetLivePeers(n int64)
	SetOpenStreams(n int64)

	SetWorkerQueue(workerID int, depth int64)
	IncReload()
	SetDrain(drain int64)
}

// syncMapInt64 is a mutex-guarded map of counters keyed by an integer
// (here, protocol.Kind or worker id).
type syncMapInt64 struct {
	sync.Mutex
	m map[int]int64
}

func (s *syncMapInt64) init() {
	s.m = make(map[int]int64)
}

func (s *syncMapInt64) keys() []int {
	s.Lock()
	defer s.Unlock()
	keys := make([]int, 0, len(s.m))
	for k := range s.m {
		keys = append(keys, k)
	}
	return keys
}

func (s *syncMapInt64) load(key int) int64 {
	s.Lock()
	defer s.Unlock()
	return s.m[key]
}

func (s *syncMapInt64) inc(key int) {
	s.Lock()
	s.m[key]++
	s.Unlock()
}

func (s *syncMapInt64) store(key int, value int64) {
	s.Lock()
	s.m[key] = value
	s.Unlock()
}

func (s *syncMapInt64) copy(dst *syncMapInt64) {
	for _, k := range s.keys() {
		dst.store(k, s.load(k))
	}
}

func (s *syncMapInt64) reset() {
	s.Lock()
	for k := range s.m {
		s.m[k] = 0
	}
	s.Unlock()
}

type counters struct {
	rx          syncMapInt64
	tx          syncMapInt64
	workerQueue syncMapInt64

	malformed      int64
	authDenied     int64
	peerConnect    int64
	peerDisconnect int64
	livePeers      int64
	openStreams    int64
	reload         int64
	drain          int64
}

func (c *counters) init() {
	c.rx.init()
	c.tx.init()
	c.workerQueue.init()
}

func (c *counters) reset() {
	c.rx.reset()
	c.tx.reset()
	c.workerQueue.reset()
	c.malformed = 0
	c.authDenied = 0
	c.peerConnect = 0
	c.peerDisconnect = 0
	c.livePeers = 0
	c.openStreams = 0
	c.reload = 0
	c.drain = 0
}

func (c *counters) toMap() map[string]int64 {
	res := make(map[string]int64)

	for _, k := range c.rx.keys() {
		res[fmt.Sprintf("rx.%s", strings.ToLower(protocol.Kind(k).String()))] = c.rx.load(k)
	}
	for _, k := range c.tx.keys() {
		res[fmt.Sprintf("tx.%s", strings.ToLower(protocol.Kind(k).String()))] = c.tx.load(k)
	}
	for _, k := range c.workerQueue.keys() {
		res[fmt.Sprintf("worker.%d.queue", k)] = c.workerQueue.load(k)
	}

	res["malformed"] = c.malformed
	res["auth_denied"] = c.authDenied
	res["peer.connect"] = c.peerConnect
	res["peer.disconnect"] = c.peerDisconnect
	res["peers.live"] = c.livePeers
	res["streams.open"] = c.openStreams
	res["reload"] = c.reload
	res["drain"] = c.drain

	return res
}
