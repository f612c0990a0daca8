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

package reflector

import (
	"sync"
	"time"

	"github.com/ShaYmez/urfd/callsign"
)

// Heard is one last-heard record: a callsign keyed up on a module at a
// point in time.
type Heard struct {
	Callsign callsign.Callsign
	Module   byte
	At       time.Time
}

// defaultUsersCapacity bounds the in-memory last-heard ring; there is
// no persistence (Non-goal).
const defaultUsersCapacity = 100

// Users is a capacity-bounded, locked ring of last-heard records. It
// has no disk-backed store: the oldest record is evicted once the
// ring is full.
type Users struct {
	mu       sync.Mutex
	records  []Heard
	capacity int
}

// NewUsers returns an empty Users ring with the default capacity.
func NewUsers() *Users {
	return &Users{capacity: defaultUsersCapacity}
}

// Hearing records cs keying up on module now. Mirrors the original
// implementation's Hearing() call made on every new stream open.
func (u *Users) Hearing(cs callsign.Callsign, module byte) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.records = append(u.records, Heard{Callsign: cs, Module: module, At: time.Now()})
	if len(u.records) > u.capacity {
		u.records = u.records[len(u.records)-u.capacity:]
	}
}

// Recent returns a snapshot of the last-heard records, most recent last.
func (u *Users) Recent() []Heard {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]Heard, len(u.records))
	copy(out, u.records)
	return out
}
