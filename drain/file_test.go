package drain

import (
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeDrainable struct {
	mu     sync.Mutex
	drains int
	undrains int
}

func (f *fakeDrainable) Drain() {
	f.mu.Lock()
	f.drains++
	f.mu.Unlock()
}

func (f *fakeDrainable) Undrain() {
	f.mu.Lock()
	f.undrains++
	f.mu.Unlock()
}

func (f *fakeDrainable) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.drains, f.undrains
}

func TestFileDrainEngagesWhenFilePresent(t *testing.T) {
	file, err := os.CreateTemp("", "urfd-killswitch")
	require.NoError(t, err)
	defer os.Remove(file.Name())

	fd := &FileDrain{Time: 5 * time.Millisecond, File: file.Name(), stop: make(chan struct{})}
	fake := &fakeDrainable{}
	go fd.Start(fake)
	defer fd.Stop()

	require.Eventually(t, func() bool {
		d, _ := fake.counts()
		return d > 0
	}, time.Second, time.Millisecond)
}

func TestFileDrainUndrainsWhenFileAbsent(t *testing.T) {
	fd := &FileDrain{Time: 5 * time.Millisecond, File: "/nonexistent/urfd-killswitch", stop: make(chan struct{})}
	fake := &fakeDrainable{}
	go fd.Start(fake)
	defer fd.Stop()

	require.Eventually(t, func() bool {
		_, u := fake.counts()
		return u > 0
	}, time.Second, time.Millisecond)
}
