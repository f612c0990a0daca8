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

// Package drain implements a maintenance-mode kill switch: while
// engaged, the peer protocol stops attempting new peer links
// (handle_peer_links skips reconnection, §4.4) without tearing down
// streams already in flight.
package drain

// Drainable is anything that can be told to pause or resume accepting
// new peer links. urfprotocol.PeerProtocol implements it.
type Drainable interface {
	Drain()
	Undrain()
}

// Drain is a drain-check strategy: Start blocks, periodically deciding
// whether d should be drained or undrained.
type Drain interface {
	Start(d Drainable)
}
