package llm

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/user/quorum/pkg/llm/sse"
)

// jobEventBuffer bounds how far the stream reader may run ahead of the consumer.
const jobEventBuffer = 64

// JobDecoder turns one server-sent event into job events. done reports that
// the provider has finished the stream.
type JobDecoder func(ev sse.Event) (events []JobEvent, done bool, err error)

// PumpJobEvents reads body on its own goroutine and delivers decoded events
// on the returned channel. A read or decode failure is delivered as a single
// EventError before the channel closes. body is closed when the pump exits.
func PumpJobEvents(ctx context.Context, body io.ReadCloser, decode JobDecoder) <-chan JobEvent {
	out := make(chan JobEvent, jobEventBuffer)

	go func() {
		defer close(out)
		defer body.Close()

		send := func(ev JobEvent) bool {
			select {
			case out <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		reader := sse.NewReader(body)
		for {
			raw, err := reader.Next()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				send(JobEvent{Kind: EventError, Err: fmt.Errorf("read stream: %w", err)})
				return
			}
			if raw.Done() {
				return
			}

			events, done, err := decode(raw)
			if err != nil {
				send(JobEvent{Kind: EventError, Err: err})
				return
			}
			for _, ev := range events {
				if !send(ev) {
					return
				}
			}
			if done {
				return
			}
		}
	}()

	return out
}
