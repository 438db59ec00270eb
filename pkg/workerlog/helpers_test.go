package workerlog

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/modoterra/nodelog/pkg/core"
)

const testTopic = "node.test.worker.w1.on_log"

type published struct {
	topic   string
	payload string
}

// recorder is both the sink and the publisher of a test worker.
type recorder struct {
	mu        sync.Mutex
	emitted   []core.Emission
	published []published
}

func (r *recorder) Emit(e core.Emission) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.emitted = append(r.emitted, e)
}

func (r *recorder) Publish(topic, payload string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.published = append(r.published, published{topic, payload})
}

func (r *recorder) emissions() []core.Emission {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]core.Emission(nil), r.emitted...)
}

func (r *recorder) texts() []string {
	var out []string
	for _, e := range r.emissions() {
		out = append(out, e.Text)
	}
	return out
}

func (r *recorder) payloads() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.published))
	for _, p := range r.published {
		out = append(out, p.payload)
	}
	return out
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestWorker(t *testing.T, opts ...func(*Config)) (*Worker, *recorder) {
	t.Helper()
	rec := &recorder{}
	cfg := Config{
		ID:        "w1",
		Who:       "test",
		Kind:      core.KindGuest,
		Topic:     testTopic,
		Sink:      rec,
		Publisher: rec,
	}
	for _, o := range opts {
		o(&cfg)
	}
	return New(cfg), rec
}

// records frames JSON objects the way a structured child does.
func records(objs ...string) string {
	var b strings.Builder
	for _, o := range objs {
		b.WriteString(o)
		b.WriteByte(RecordSeparator)
	}
	return b.String()
}

func entryTexts(entries []core.LogEntry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Text)
	}
	return out
}
