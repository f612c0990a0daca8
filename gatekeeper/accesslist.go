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

// Package gatekeeper implements callsign/module access control: a
// text-file-backed list of (callsign, module-mask) entries with
// wildcard matching and mtime-triggered reload, plus the combined
// may-link/may-transmit policy built on top of it.
package gatekeeper

import (
	"bufio"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/ShaYmez/urfd/callsign"
)

// Item is one line of an access list: a callsign (possibly wildcarded
// with a trailing '*'), the set of modules it is permitted to use, and
// an optionally DNS-resolved IP for dynamic peers (§3).
type Item struct {
	Callsign callsign.Callsign
	Modules  string
	IP       net.IP
}

// ResolveIP re-queries DNS for this item's callsign (treated as a
// hostname, the convention used by dynamic-IP peer entries) and
// updates IP. Mirrors the original implementation's per-item
// ResolveIp() call made before every reconnection attempt.
func (i *Item) ResolveIP() error {
	addrs, err := net.LookupIP(i.Callsign.String())
	if err != nil {
		return err
	}
	if len(addrs) > 0 {
		i.IP = addrs[0]
	}
	return nil
}

// HasSameCallsignWithWildcard reports whether cs matches this item's
// callsign pattern.
func (i Item) HasSameCallsignWithWildcard(cs callsign.Callsign) bool {
	return cs.HasSameCallsignWithWildcard(i.Callsign)
}

// HasSameCallsign reports an exact (non-wildcard) match.
func (i Item) HasSameCallsign(cs callsign.Callsign) bool {
	return cs.HasSameCallsign(i.Callsign)
}

// HasModuleListed reports whether module is present in this item's
// module mask, or the mask is the wildcard "*".
func (i Item) HasModuleListed(module byte) bool {
	if i.Modules == "*" {
		return true
	}
	return strings.IndexByte(i.Modules, module) >= 0
}

// List is a mutex-guarded, file-backed collection of access-list Items,
// reloaded whenever the backing file's mtime advances. Grounded on the
// original implementation's CCallsignList (strtok-on-" ,\t" line format,
// '#'-comment lines, default wildcard module mask) reimplemented with
// bufio.Scanner in the style of ntpcheck's line-oriented parsers.
type List struct {
	mu       sync.Mutex
	items    []Item
	filename string
	modTime  time.Time
}

// NewList returns an empty, unbound List.
func NewList() *List {
	return &List{}
}

// LoadFromFile replaces the list's contents with the entries parsed
// from filename, and remembers filename for future reloads.
func (l *List) LoadFromFile(filename string) error {
	items, modTime, err := loadItems(filename)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.items = items
	l.filename = filename
	l.modTime = modTime
	return nil
}

// ReloadFromFile re-reads the previously loaded file. It is a no-op
// returning nil if LoadFromFile was never called.
func (l *List) ReloadFromFile() error {
	l.mu.Lock()
	filename := l.filename
	l.mu.Unlock()
	if filename == "" {
		return nil
	}
	return l.LoadFromFile(filename)
}

// NeedReload reports whether the backing file's mtime has advanced
// since the last successful load.
func (l *List) NeedReload() bool {
	l.mu.Lock()
	filename := l.filename
	known := l.modTime
	l.mu.Unlock()
	if filename == "" {
		return false
	}
	info, err := os.Stat(filename)
	if err != nil {
		return false
	}
	return !info.ModTime().Equal(known)
}

// ReloadIfChanged reloads the list iff NeedReload reports true.
func (l *List) ReloadIfChanged() error {
	if !l.NeedReload() {
		return nil
	}
	return l.ReloadFromFile()
}

// IsCallsignListedWithWildcard reports whether cs matches any entry,
// ignoring module masks entirely.
func (l *List) IsCallsignListedWithWildcard(cs callsign.Callsign) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, it := range l.items {
		if it.HasSameCallsignWithWildcard(cs) {
			return true
		}
	}
	return false
}

// IsCallsignListedWithWildcardModule reports whether cs matches any
// entry whose module mask includes module (module == ' ' matches any
// entry regardless of mask, mirroring the original's "no module
// specified" behavior).
func (l *List) IsCallsignListedWithWildcardModule(cs callsign.Callsign, module byte) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, it := range l.items {
		if it.HasSameCallsignWithWildcard(cs) && (module == ' ' || it.HasModuleListed(module)) {
			return true
		}
	}
	return false
}

// IsCallsignListed reports an exact callsign match with the given
// module present in its mask.
func (l *List) IsCallsignListed(cs callsign.Callsign, module byte) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, it := range l.items {
		if it.HasSameCallsign(cs) && it.HasModuleListed(module) {
			return true
		}
	}
	return false
}

// Find returns the first item with an exact callsign match, and
// whether one was found.
func (l *List) Find(cs callsign.Callsign) (Item, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, it := range l.items {
		if it.HasSameCallsign(cs) {
			return it, true
		}
	}
	return Item{}, false
}

// Snapshot returns a copy of every loaded entry, for callers that need
// to iterate without holding the list's lock across other work (e.g.
// per-item DNS resolution and network sends).
func (l *List) Snapshot() []Item {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Item, len(l.items))
	copy(out, l.items)
	return out
}

// ResolveIP re-resolves the IP of the entry matching cs in place,
// mirroring the original implementation's per-peer ResolveIp() call
// made before every reconnection attempt on a dynamic-IP peer.
func (l *List) ResolveIP(cs callsign.Callsign) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.items {
		if l.items[i].HasSameCallsign(cs) {
			return l.items[i].ResolveIP()
		}
	}
	return nil
}

// SetIP overrides the resolved IP of the entry matching cs in place,
// for statically-addressed peers that should not wait on a DNS round
// trip before their first reconnection attempt.
func (l *List) SetIP(cs callsign.Callsign, ip net.IP) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.items {
		if l.items[i].HasSameCallsign(cs) {
			l.items[i].IP = ip
			return true
		}
	}
	return false
}

// Len reports the number of loaded entries.
func (l *List) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.items)
}

func loadItems(filename string) ([]Item, time.Time, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, time.Time{}, err
	}
	defer f.Close()

	var items []Item
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || line[0] == '#' {
			continue
		}
		fields := strings.FieldsFunc(line, func(r rune) bool {
			return r == ' ' || r == '\t' || r == ','
		})
		if len(fields) == 0 {
			continue
		}
		modules := "*"
		if len(fields) > 1 {
			modules = strings.ToUpper(fields[1])
		}
		items = append(items, Item{
			Callsign: callsign.New(fields[0]),
			Modules:  modules,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, time.Time{}, err
	}

	info, err := os.Stat(filename)
	if err != nil {
		return nil, time.Time{}, err
	}
	return items, info.ModTime(), nil
}
