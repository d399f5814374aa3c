package metrics

import (
	"sync"
	"time"
)

// minElapsedSeconds keeps throughput finite right after start.
const minElapsedSeconds = 1e-6

// Snapshot is a point-in-time view of the recorder.
type Snapshot struct {
	Count          uint64  `json:"count"`
	ElapsedSeconds float64 `json:"elapsed_seconds"`
	Throughput     float64 `json:"throughput"`
}

// Recorder counts applied transactions and derives throughput from the time
// elapsed since it was created.
type Recorder struct {
	mu    sync.Mutex
	count uint64
	start time.Time
	now   func() time.Time
}

// NewRecorder starts a recorder at the current (monotonic) time.
func NewRecorder() *Recorder {
	return newRecorderWithClock(time.Now)
}

func newRecorderWithClock(now func() time.Time) *Recorder {
	return &Recorder{start: now(), now: now}
}

// Record adds n applied transactions. Non-positive n is ignored.
func (r *Recorder) Record(n int) {
	if n <= 0 {
		return
	}
	r.mu.Lock()
	r.count += uint64(n)
	r.mu.Unlock()
}

// Count returns the number of transactions recorded so far.
func (r *Recorder) Count() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Elapsed returns the time since the recorder started.
func (r *Recorder) Elapsed() time.Duration {
	return r.now().Sub(r.start)
}

func (r *Recorder) Snapshot() Snapshot {
	r.mu.Lock()
	count := r.count
	r.mu.Unlock()

	return NewSnapshot(count, r.Elapsed())
}

// NewSnapshot derives throughput for count transactions over elapsed.
func NewSnapshot(count uint64, elapsed time.Duration) Snapshot {
	seconds := elapsed.Seconds()
	return Snapshot{
		Count:          count,
		ElapsedSeconds: seconds,
		Throughput:     float64(count) / max(seconds, minElapsedSeconds),
	}
}
