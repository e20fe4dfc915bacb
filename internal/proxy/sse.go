package proxy

import (
	"bytes"
	"encoding/json"

	"github.com/rawblock/inference-gateway/pkg/models"
)

// sseTailBytes bounds how much stream tail is kept for usage harvesting.
// Providers emit the usage block in the final events, so the last 64KiB is
// plenty even for verbose streams.
const sseTailBytes = 64 << 10

// tailBuffer keeps the last n bytes written to it.
type tailBuffer struct {
	limit int
	buf   []byte
}

func newTailBuffer(limit int) *tailBuffer {
	return &tailBuffer{limit: limit}
}

func (t *tailBuffer) Write(p []byte) {
	if len(p) >= t.limit {
		t.buf = append(t.buf[:0], p[len(p)-t.limit:]...)
		return
	}
	if overflow := len(t.buf) + len(p) - t.limit; overflow > 0 {
		t.buf = t.buf[overflow:]
	}
	t.buf = append(t.buf, p...)
}

func (t *tailBuffer) Bytes() []byte { return t.buf }

// harvestStream scans an SSE tail for settlement inputs: the usage block
// (providers send it exactly once, in one of the final events) and the last
// model name seen. The first line of the tail may be a truncated event and
// is skipped unless it parses cleanly.
func harvestStream(tail []byte) (*models.Usage, string) {
	var usage *models.Usage
	var lastModel string

	for _, line := range bytes.Split(tail, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if !bytes.HasPrefix(line, []byte("data:")) {
			continue
		}
		payload := bytes.TrimSpace(line[len("data:"):])
		if len(payload) == 0 || bytes.Equal(payload, []byte("[DONE]")) {
			continue
		}
		var event struct {
			Model string        `json:"model"`
			Usage *models.Usage `json:"usage"`
		}
		if err := json.Unmarshal(payload, &event); err != nil {
			continue
		}
		if event.Model != "" {
			lastModel = event.Model
		}
		if event.Usage != nil {
			usage = event.Usage
		}
	}
	return usage, lastModel
}
