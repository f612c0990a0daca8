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

package drain

import (
	"os"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	looptime   = 30 * time.Second
	killswitch = "/var/tmp/kill_urfd"
)

// FileDrain drains the reflector while its kill-switch file exists on
// disk, polled on a fixed interval.
type FileDrain struct {
	Time time.Duration
	File string

	stop chan struct{}
}

// NewFileDrain returns a FileDrain watching the default kill-switch path.
func NewFileDrain() *FileDrain {
	return &FileDrain{
		Time: looptime,
		File: killswitch,
		stop: make(chan struct{}),
	}
}

// Start polls f.File until Stop is called, draining/undraining d
// according to whether the file exists.
func (f *FileDrain) Start(d Drainable) {
	ticker := time.NewTicker(f.Time)
	defer ticker.Stop()
	for {
		if _, err := os.Stat(f.File); err == nil {
			d.Drain()
			log.Warning("killswitch engaged, pausing new peer links")
		} else {
			d.Undrain()
		}

		select {
		case <-f.stop:
			return
		case <-ticker.C:
		}
	}
}

// Stop ends a running Start loop.
func (f *FileDrain) Stop() {
	close(f.stop)
}
