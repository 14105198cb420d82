package containerd

import (
	"strings"
	"sync"
)

type logCapture struct {
	stdout *ringBuffer
	stderr *ringBuffer
}

// resetLogCapture installs fresh buffers for a new task of the container.
func (r *Runtime) resetLogCapture(name string, size int) *logCapture {
	if size <= 0 {
		size = defaultLogBufferBytes
	}
	capture := &logCapture{stdout: newRingBuffer(size), stderr: newRingBuffer(size)}
	r.logsMu.Lock()
	r.logs[name] = capture
	r.logsMu.Unlock()
	return capture
}

func (r *Runtime) dropLogCapture(name string) {
	r.logsMu.Lock()
	delete(r.logs, name)
	r.logsMu.Unlock()
}

func tailLines(data []byte, limit int) []string {
	if len(data) == 0 {
		return nil
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if limit > 0 && len(lines) > limit {
		lines = lines[len(lines)-limit:]
	}
	return lines
}

// ringBuffer keeps the most recent size bytes written to it.
type ringBuffer struct {
	mu     sync.Mutex
	buf    []byte
	size   int
	start  int
	length int
}

func newRingBuffer(size int) *ringBuffer {
	if size < 0 {
		size = 0
	}
	return &ringBuffer{size: size}
}

func (r *ringBuffer) Write(p []byte) (int, error) {
	if r.size == 0 {
		return len(p), nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.buf == nil {
		r.buf = make([]byte, r.size)
	}
	if len(p) >= r.size {
		copy(r.buf, p[len(p)-r.size:])
		r.start = 0
		r.length = r.size
		return len(p), nil
	}
	for _, b := range p {
		if r.length < r.size {
			r.buf[(r.start+r.length)%r.size] = b
			r.length++
			continue
		}
		r.buf[r.start] = b
		r.start = (r.start + 1) % r.size
	}
	return len(p), nil
}

func (r *ringBuffer) Snapshot() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.length == 0 {
		return nil
	}
	out := make([]byte, r.length)
	if r.start+r.length <= r.size {
		copy(out, r.buf[r.start:r.start+r.length])
		return out
	}
	n := r.size - r.start
	copy(out, r.buf[r.start:])
	copy(out[n:], r.buf[:r.length-n])
	return out
}
