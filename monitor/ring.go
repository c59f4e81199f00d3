package monitor

// ring is a fixed-capacity buffer of samples. When full, the oldest sample
// is overwritten. It is not safe for concurrent use; Monitor guards it.
type ring struct {
	samples []Sample
	next    int
	count   int
}

func newRing(capacity int) *ring {
	if capacity <= 0 {
		capacity = DefaultHistorySize
	}
	return &ring{
		samples: make([]Sample, capacity),
	}
}

// push appends a sample, evicting the oldest when the buffer is full.
func (r *ring) push(s Sample) {
	r.samples[r.next] = s
	r.next = (r.next + 1) % len(r.samples)
	if r.count < len(r.samples) {
		r.count++
	}
}

// latest returns the most recently pushed sample, if any.
func (r *ring) latest() (Sample, bool) {
	if r.count == 0 {
		return Sample{}, false
	}
	idx := (r.next - 1 + len(r.samples)) % len(r.samples)
	return r.samples[idx], true
}

// snapshot returns the retained samples in oldest-first order.
func (r *ring) snapshot() []Sample {
	out := make([]Sample, 0, r.count)
	start := r.next - r.count
	if start < 0 {
		start += len(r.samples)
	}
	for i := 0; i < r.count; i++ {
		out = append(out, r.samples[(start+i)%len(r.samples)])
	}
	return out
}
