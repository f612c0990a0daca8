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

package stats

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"github.com/ShaYmez/urfd/protocol"
)

// JSONStats reports counters via a plain HTTP JSON endpoint.
type JSONStats struct {
	report counters
	counters
}

// NewJSONStats returns an initialized JSONStats.
func NewJSONStats() *JSONStats {
	s := &JSONStats{}
	s.init()
	s.report.init()
	return s
}

// Start runs the HTTP server exposing /metrics.
func (s *JSONStats) Start(monitoringPort int) {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", s.handleRequest)
	addr := fmt.Sprintf(":%d", monitoringPort)
	log.Infof("Starting stats http server on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Fatalf("Failed to start stats listener: %v", err)
	}
}

// Snapshot copies live counters into the reported view.
func (s *JSONStats) Snapshot() {
	s.rx.copy(&s.report.rx)
	s.tx.copy(&s.report.tx)
	s.workerQueue.copy(&s.report.workerQueue)
	s.report.malformed = atomic.LoadInt64(&s.malformed)
	s.report.authDenied = atomic.LoadInt64(&s.authDenied)
	s.report.peerConnect = atomic.LoadInt64(&s.peerConnect)
	s.report.peerDisconnect = atomic.LoadInt64(&s.peerDisconnect)
	s.report.livePeers = atomic.LoadInt64(&s.livePeers)
	s.report.openStreams = atomic.LoadInt64(&s.openStreams)
	s.report.reload = atomic.LoadInt64(&s.reload)
	s.report.drain = atomic.LoadInt64(&s.drain)
}

func (s *JSONStats) handleRequest(w http.ResponseWriter, _ *http.Request) {
	s.Snapshot()
	js, err := json.Marshal(s.report.toMap())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write(js); err != nil {
		log.Errorf("Failed to reply: %v", err)
	}
}

// Reset atomically sets all counters to 0.
func (s *JSONStats) Reset() {
	s.reset()
	atomic.StoreInt64(&s.malformed, 0)
	atomic.StoreInt64(&s.authDenied, 0)
	atomic.StoreInt64(&s.peerConnect, 0)
	atomic.StoreInt64(&s.peerDisconnect, 0)
	atomic.StoreInt64(&s.livePeers, 0)
	atomic.StoreInt64(&s.openStreams, 0)
	atomic.StoreInt64(&s.reload, 0)
	atomic.StoreInt64(&s.drain, 0)
}

// IncRX atomically increments the rx counter for packet kind k.
func (s *JSONStats) IncRX(k protocol.Kind) { s.rx.inc(int(k)) }

// IncTX atomically increments the tx counter for packet kind k.
func (s *JSONStats) IncTX(k protocol.Kind) { s.tx.inc(int(k)) }

// IncMalformed atomically increments the malformed-packet counter.
func (s *JSONStats) IncMalformed() { atomic.AddInt64(&s.malformed, 1) }

// IncAuthDenied atomically increments the authorization-denied counter.
func (s *JSONStats) IncAuthDenied() { atomic.AddInt64(&s.authDenied, 1) }

// IncPeerConnect atomically increments the peer-connect counter.
func (s *JSONStats) IncPeerConnect() { atomic.AddInt64(&s.peerConnect, 1) }

// IncPeerDisconnect atomically increments the peer-disconnect counter.
func (s *JSONStats) IncPeerDisconnect() { atomic.AddInt64(&s.peerDisconnect, 1) }

// SetLivePeers atomically sets the live-peer gauge.
func (s *JSONStats) SetLivePeers(n int64) { atomic.StoreInt64(&s.livePeers, n) }

// SetOpenStreams atomically sets the open-stream gauge.
func (s *JSONStats) SetOpenStreams(n int64) { atomic.StoreInt64(&s.openStreams, n) }

// SetWorkerQueue atomically sets the queue-depth gauge for workerID.
func (s *JSONStats) SetWorkerQueue(workerID int, depth int64) { s.workerQueue.store(workerID, depth) }

// IncReload atomically increments the access-list reload counter.
func (s *JSONStats) IncReload() { atomic.AddInt64(&s.reload, 1) }

// SetDrain atomically sets the drain-status gauge.
func (s *JSONStats) SetDrain(drain int64) { atomic.StoreInt64(&s.drain, drain) }
