package session

import "sync"

// defaultBufferLimit bounds the retained output tail per session. The tail
// is what gets replayed on restore, so it only needs the recent screenful.
const defaultBufferLimit = 100 * 1024

// tailBuffer keeps the last limit bytes of appended output.
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	data  []byte
}

func newTailBuffer(limit int) *tailBuffer {
	if limit <= 0 {
		limit = defaultBufferLimit
	}
	return &tailBuffer{limit: limit}
}

func (b *tailBuffer) Append(chunk string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(chunk) >= b.limit {
		b.data = append(b.data[:0], chunk[len(chunk)-b.limit:]...)
		return
	}
	b.data = append(b.data, chunk...)
	if over := len(b.data) - b.limit; over > 0 {
		b.data = append(b.data[:0], b.data[over:]...)
	}
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.data)
}
