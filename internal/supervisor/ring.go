package supervisor

// ring keeps the most recent lines of dev-server output.
type ring struct {
	buf   []string
	start int
	n     int
}

func newRing(size int) *ring {
	if size <= 0 {
		size = 200
	}
	return &ring{buf: make([]string, size)}
}

func (r *ring) push(line string) {
	if r.n < len(r.buf) {
		r.buf[(r.start+r.n)%len(r.buf)] = line
		r.n++
		return
	}
	r.buf[r.start] = line
	r.start = (r.start + 1) % len(r.buf)
}

// lines returns a copy, oldest first.
func (r *ring) lines() []string {
	out := make([]string, r.n)
	for i := 0; i < r.n; i++ {
		out[i] = r.buf[(r.start+i)%len(r.buf)]
	}
	return out
}
