package relay

import (
	"encoding/json"
	"time"

	"github.com/valyala/bytebufferpool"

	"AppRuntime/internal/eventbus"
)

type envelope struct {
	Topic       string    `json:"topic"`
	Payload     any       `json:"payload"`
	PublishedAt time.Time `json:"published_at"`
}

// encodeEnvelope renders evt as a single JSON document. The returned slice is
// owned by the caller.
func encodeEnvelope(evt eventbus.Event) ([]byte, error) {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	if err := json.NewEncoder(buf).Encode(envelope{
		Topic:       evt.Topic,
		Payload:     evt.Payload,
		PublishedAt: evt.PublishedAt,
	}); err != nil {
		return nil, err
	}
	out := buf.B
	if n := len(out); n > 0 && out[n-1] == '\n' {
		out = out[:n-1]
	}
	return append([]byte(nil), out...), nil
}
