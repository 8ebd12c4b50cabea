package broadcast

// DefaultBufferSize is the default capacity of the replay ring buffer.
const DefaultBufferSize = 100

// ring is a fixed-capacity FIFO of the most recent progress updates.
// When full, appending evicts the oldest entry. Not safe for concurrent
// use; the Broadcaster serializes access under its own mutex.
type ring struct {
	buf   []*ProgressUpdate
	start int
	size  int
}

func newRing(capacity int) *ring {
	if capacity <= 0 {
		capacity = DefaultBufferSize
	}
	return &ring{buf: make([]*ProgressUpdate, capacity)}
}

// add appends an update, evicting the oldest when at capacity.
func (r *ring) add(u *ProgressUpdate) {
	if r.size < len(r.buf) {
		r.buf[(r.start+r.size)%len(r.buf)] = u
		r.size++
		return
	}
	r.buf[r.start] = u
	r.start = (r.start + 1) % len(r.buf)
}

// snapshot returns the buffered updates in arrival order, oldest first.
func (r *ring) snapshot() []*ProgressUpdate {
	out := make([]*ProgressUpdate, 0, r.size)
	for i := range r.size {
		out = append(out, r.buf[(r.start+i)%len(r.buf)])
	}
	return out
}

func (r *ring) len() int { return r.size }
