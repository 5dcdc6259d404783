package protocol

import (
	"fmt"
	"regexp"

	"github.com/Trafexofive/Cortex-MK1-sub002/internal/engine/errs"
	"github.com/Trafexofive/Cortex-MK1-sub002/internal/engine/event"
	"github.com/Trafexofive/Cortex-MK1-sub002/internal/engine/variables"
)

// responseChunk is one queued segment of a <response> body awaiting
// variable resolution.
type responseChunk struct {
	text  string
	final bool
}

// responseBuffer implements the progressive-response rule in spec §4.9: a
// per-stream FIFO that holds a chunk referencing an unready $name and
// flushes strictly in arrival order as variables become available (or a
// placeholder once the producing action has failed).
type responseBuffer struct {
	vars    *variables.Store
	emitter *event.Emitter
	queue   chan responseChunk
	done    chan struct{}
}

func newResponseBuffer(vars *variables.Store, emitter *event.Emitter) *responseBuffer {
	rb := &responseBuffer{
		vars:    vars,
		emitter: emitter,
		queue:   make(chan responseChunk, 256),
		done:    make(chan struct{}),
	}
	go rb.worker()
	return rb
}

// push enqueues a chunk. Ordering across chunks is preserved by the single
// worker goroutine draining the queue serially.
func (rb *responseBuffer) push(text string, final bool) {
	rb.queue <- responseChunk{text: text, final: final}
}

// close stops accepting further chunks once the queue drains.
func (rb *responseBuffer) close() {
	close(rb.queue)
	<-rb.done
}

func (rb *responseBuffer) worker() {
	defer close(rb.done)
	for chunk := range rb.queue {
		rb.flush(chunk)
	}
}

// flush blocks until every variable referenced in chunk.text is either
// resolved or has failed, substituting a placeholder for failed ones, then
// emits exactly one response_chunk event.
func (rb *responseBuffer) flush(chunk responseChunk) {
	text := chunk.text
	for {
		resolved, unresolved := rb.vars.ResolveString(text)
		if len(unresolved) == 0 {
			rb.emitter.Emit(event.TypeResponseChunk, event.ResponseChunkPayload{Text: resolved, Final: chunk.final})
			return
		}

		name := unresolved[0]
		if msg, failed := rb.vars.Failed(name); failed {
			text = replaceToken(text, name, fmt.Sprintf("[unresolved:%s]", name))
			rb.emitter.Emit(event.TypeSoftError, event.SoftErrorPayload{
				Code:    string(errs.CodeUnresolvedVariable),
				Message: fmt.Sprintf("variable %q failed: %s", name, msg),
				Detail:  map[string]any{"variable": name},
			})
			continue
		}

		<-rb.vars.Subscribe(name)
	}
}

func replaceToken(text, name, replacement string) string {
	pattern := regexp.MustCompile(`\$\{` + regexp.QuoteMeta(name) + `\}|\$` + regexp.QuoteMeta(name) + `\b`)
	return pattern.ReplaceAllString(text, replacement)
}
