// Package protocol implements the Incremental Protocol Parser (spec C1,
// §4.1): a resumable state machine that tokenizes the LLM's streamed
// output into thought/response/action/context_feed/metadata segments,
// executing side effects (dispatching actions, updating context feeds,
// applying metadata) at tag boundaries while the producer is still
// generating.
//
// Grounded on reasoning/chain_of_thought.go's channel-fed iterative
// consumption loop for the "process a stream incrementally, react at
// natural boundaries" shape, generalized from "accumulate then parse one
// whole message" to a true resumable tag scanner that tolerates a tag
// splitting across two Feed calls.
package protocol

import (
	"strings"

	"github.com/google/uuid"

	"github.com/Trafexofive/Cortex-MK1-sub002/internal/engine/action"
	"github.com/Trafexofive/Cortex-MK1-sub002/internal/engine/dag"
	"github.com/Trafexofive/Cortex-MK1-sub002/internal/engine/errs"
	"github.com/Trafexofive/Cortex-MK1-sub002/internal/engine/event"
	"github.com/Trafexofive/Cortex-MK1-sub002/internal/engine/variables"
)

type state int

const (
	stateOutside state = iota
	stateInThought
	stateInResponse
	stateInAction
	stateInActionInThought
	stateInContextFeed
	stateInMetadata
	stateSkipping
)

// ActionSubmitter is the narrow surface of dispatch.Dispatcher the parser
// needs: hand a freshly parsed descriptor to the DAG/dispatcher pair.
type ActionSubmitter interface {
	Submit(desc *action.Descriptor) *dag.CycleError
}

// ContextFeedUpdater is the narrow surface of contextfeed.Manager the
// parser needs for a <context_feed> body override.
type ContextFeedUpdater interface {
	UpdateFeedFromBody(id, rawBody string) error
}

// MetadataReceiver is the narrow surface of metadata.Engine the parser
// needs for a <metadata> payload.
type MetadataReceiver interface {
	ApplyMetadata(fields map[string]any)
}

// Parser is one iteration's incremental protocol parser instance. Not safe
// for reuse across iterations.
type Parser struct {
	state           state
	actionReturn    state // state to resume after a nested/top-level action closes
	skipName        string
	skipReturn      state

	pending string // unconsumed input carried across Feed calls

	actionBody strings.Builder
	feedID     string
	feedBody   strings.Builder
	metaBody   strings.Builder

	curKind action.Kind
	curMode action.Mode
	curID   string

	curFinal bool
	sawFinal bool

	creationIndex int

	emitter    *event.Emitter
	vars       *variables.Store
	dispatcher ActionSubmitter
	feeds      ContextFeedUpdater
	metadata   MetadataReceiver

	respBuf *responseBuffer

	fatal *errs.IterationFatalError
}

// New builds a parser for one iteration.
func New(emitter *event.Emitter, vars *variables.Store, dispatcher ActionSubmitter, feeds ContextFeedUpdater, metadata MetadataReceiver) *Parser {
	return &Parser{
		state:      stateOutside,
		emitter:    emitter,
		vars:       vars,
		dispatcher: dispatcher,
		feeds:      feeds,
		metadata:   metadata,
		respBuf:    newResponseBuffer(vars, emitter),
	}
}

// Fatal returns the iteration-fatal condition raised while parsing, if any
// (currently only a DAG cycle detected at action-submit time).
func (p *Parser) Fatal() *errs.IterationFatalError {
	return p.fatal
}

// FinalResponseSeen reports whether a `<response final="true">` segment was
// observed this iteration, the Iteration Controller's signal to stop
// looping (spec §4.8 state table, "stream end with final=true" -> DONE).
func (p *Parser) FinalResponseSeen() bool {
	return p.sawFinal
}

// Feed consumes the next chunk of LLM-streamed text, driving the state
// machine forward as far as the buffered input allows.
func (p *Parser) Feed(chunk string) {
	p.pending += chunk
	for p.step() {
	}
}

// Close finalizes the stream: an unterminated tag at stream end is a soft
// error and is force-closed (§4.1), and the response buffer is drained so
// anything left waiting resolves or flushes a placeholder.
func (p *Parser) Close() {
	if p.state != stateOutside {
		p.softError(errs.CodeMalformedTag, "stream ended inside an open tag", map[string]any{"state": int(p.state)})
		p.state = stateOutside
	}
	p.respBuf.close()
}

func isActionState(s state) bool {
	return s == stateInAction || s == stateInActionInThought
}

func isThoughtState(s state) bool {
	return s == stateInThought
}

// step performs one unit of progress and reports whether more progress is
// possible without additional input.
func (p *Parser) step() bool {
	switch {
	case p.state == stateOutside:
		return p.stepOutside()
	case isThoughtState(p.state):
		return p.stepThought()
	case p.state == stateInResponse:
		return p.stepResponse()
	case isActionState(p.state):
		return p.stepAction()
	case p.state == stateInContextFeed:
		return p.stepBodyCapture("</context_feed>", &p.feedBody, p.finishContextFeed)
	case p.state == stateInMetadata:
		return p.stepBodyCapture("</metadata>", &p.metaBody, func(body string) { p.finishMetadata(body) })
	case p.state == stateSkipping:
		return p.stepSkipping()
	}
	return false
}

func (p *Parser) stepOutside() bool {
	idx := strings.IndexByte(p.pending, '<')
	if idx == -1 {
		if strings.TrimSpace(p.pending) != "" {
			p.softError(errs.CodeOutsideTagContent, "content outside of any tag", map[string]any{"text": truncateForLog(p.pending)})
		}
		p.pending = ""
		return false
	}
	if idx > 0 {
		text := p.pending[:idx]
		if strings.TrimSpace(text) != "" {
			p.softError(errs.CodeOutsideTagContent, "content outside of any tag", map[string]any{"text": truncateForLog(text)})
		}
		p.pending = p.pending[idx:]
	}

	end := strings.IndexByte(p.pending, '>')
	if end == -1 {
		return false // tag straddles chunk boundary; wait for more
	}
	name, attrs, closing := parseTag(p.pending[1:end])
	consumed := end + 1

	if closing {
		p.softError(errs.CodeMalformedTag, "closing tag with no matching open tag", map[string]any{"tag": name})
		p.pending = p.pending[consumed:]
		return true
	}

	p.pending = p.pending[consumed:]

	switch name {
	case "thought":
		p.state = stateInThought
	case "response":
		p.curFinal = attrs["final"] != "false"
		if p.curFinal {
			p.sawFinal = true
		}
		p.state = stateInResponse
	case "action":
		p.openAction(attrs, stateOutside)
	case "context_feed":
		id, ok := attrs["id"]
		if !ok || id == "" {
			p.softError(errs.CodeMalformedTag, "context_feed tag missing required \"id\" attribute", nil)
			p.beginSkip("context_feed", stateOutside)
			return true
		}
		p.feedID = id
		p.feedBody.Reset()
		p.state = stateInContextFeed
	case "metadata":
		p.metaBody.Reset()
		p.state = stateInMetadata
	default:
		p.softError(errs.CodeUnknownTag, "unrecognized tag", map[string]any{"tag": name})
		p.beginSkip(name, stateOutside)
	}
	return true
}

func (p *Parser) stepThought() bool {
	idx := strings.IndexByte(p.pending, '<')
	if idx == -1 {
		if len(p.pending) > 0 {
			p.emitter.Emit(event.TypeThoughtChunk, event.ThoughtChunkPayload{Text: p.pending})
			p.pending = ""
		}
		return false
	}
	if idx > 0 {
		p.emitter.Emit(event.TypeThoughtChunk, event.ThoughtChunkPayload{Text: p.pending[:idx]})
		p.pending = p.pending[idx:]
	}

	end := strings.IndexByte(p.pending, '>')
	if end == -1 {
		return false
	}
	name, attrs, closing := parseTag(p.pending[1:end])
	consumed := end + 1
	p.pending = p.pending[consumed:]

	switch {
	case closing && name == "thought":
		p.state = stateOutside
	case !closing && name == "action":
		p.openAction(attrs, stateInThought)
	default:
		label := name
		if closing {
			label = "/" + name
		}
		p.softError(errs.CodeNestedDisallowedTag, "tag not allowed inside thought", map[string]any{"tag": label})
		p.beginSkip(name, stateInThought)
	}
	return true
}

func (p *Parser) stepResponse() bool {
	idx := strings.IndexByte(p.pending, '<')
	if idx == -1 {
		if len(p.pending) > 0 {
			p.respBuf.push(p.pending, p.curFinal)
			p.pending = ""
		}
		return false
	}
	if idx > 0 {
		p.respBuf.push(p.pending[:idx], p.curFinal)
		p.pending = p.pending[idx:]
	}

	end := strings.IndexByte(p.pending, '>')
	if end == -1 {
		return false
	}
	name, _, closing := parseTag(p.pending[1:end])
	consumed := end + 1
	p.pending = p.pending[consumed:]

	if closing && name == "response" {
		p.state = stateOutside
		return true
	}

	p.softError(errs.CodeNestedDisallowedTag, "tag not allowed inside response", map[string]any{"tag": name})
	p.beginSkip(name, stateInResponse)
	return true
}

func (p *Parser) openAction(attrs map[string]string, returnState state) {
	kind := action.Kind(attrs["type"])
	mode := action.Mode(attrs["mode"])
	if mode == "" {
		mode = action.ModeSync
	}
	if !kind.Valid() || !mode.Valid() {
		p.softError(errs.CodeMalformedTag, "action tag has invalid type/mode attribute", map[string]any{"type": attrs["type"], "mode": attrs["mode"]})
		p.beginSkip("action", returnState)
		return
	}

	p.curKind = kind
	p.curMode = mode
	p.curID = attrs["id"]
	p.actionBody.Reset()
	p.actionReturn = returnState
	if returnState == stateInThought {
		p.state = stateInActionInThought
	} else {
		p.state = stateInAction
	}
}

func (p *Parser) stepAction() bool {
	const closeTag = "</action>"
	closeIdx := strings.Index(p.pending, closeTag)
	if closeIdx == -1 {
		guard := len(closeTag) - 1
		if len(p.pending) > guard {
			p.actionBody.WriteString(p.pending[:len(p.pending)-guard])
			p.pending = p.pending[len(p.pending)-guard:]
		}
		return false
	}

	p.actionBody.WriteString(p.pending[:closeIdx])
	p.pending = p.pending[closeIdx+len(closeTag):]

	body := p.actionBody.String()
	p.actionBody.Reset()

	origin := action.OriginTopLevel
	if p.actionReturn == stateInThought {
		origin = action.OriginInsideThought
	}
	p.finishAction(body, origin)

	p.state = p.actionReturn
	return true
}

func (p *Parser) finishAction(rawBody string, origin action.Origin) {
	parsed, err := decodeActionBody(rawBody)
	if err != nil {
		p.softError(errs.CodeMalformedActionJSON, err.Error(), map[string]any{"body": truncateForLog(rawBody)})
		return
	}

	id := p.curID
	if id == "" {
		id = uuid.NewString()
	}

	p.creationIndex++
	desc := parsed.toDescriptor(id, p.curKind, p.curMode, origin, p.creationIndex)

	if cycleErr := p.dispatcher.Submit(desc); cycleErr != nil && p.fatal == nil {
		p.fatal = &errs.IterationFatalError{Reason: "cycle"}
	}
}

// stepBodyCapture accumulates text into acc until closeTag is found, then
// invokes finish with the captured body and returns to OUTSIDE.
func (p *Parser) stepBodyCapture(closeTag string, acc *strings.Builder, finish func(string)) bool {
	idx := strings.Index(p.pending, closeTag)
	if idx == -1 {
		guard := len(closeTag) - 1
		if len(p.pending) > guard {
			acc.WriteString(p.pending[:len(p.pending)-guard])
			p.pending = p.pending[len(p.pending)-guard:]
		}
		return false
	}
	acc.WriteString(p.pending[:idx])
	p.pending = p.pending[idx+len(closeTag):]
	body := acc.String()
	acc.Reset()
	finish(body)
	p.state = stateOutside
	return true
}

func (p *Parser) finishContextFeed(body string) {
	if err := p.feeds.UpdateFeedFromBody(p.feedID, body); err != nil {
		p.softError(errs.CodeMalformedTag, "context_feed update rejected: "+err.Error(), map[string]any{"feed_id": p.feedID})
		return
	}
	p.emitter.Emit(event.TypeContextFeedUpdate, event.ContextFeedUpdatePayload{FeedID: p.feedID, Truncated: false})
}

func (p *Parser) finishMetadata(body string) {
	fields, err := decodeMetadataBody(body)
	if err != nil {
		p.softError(errs.CodeMalformedMetadataPayload, err.Error(), nil)
		return
	}
	p.metadata.ApplyMetadata(fields)
}

func (p *Parser) beginSkip(tagName string, returnState state) {
	p.skipName = tagName
	p.skipReturn = returnState
	p.state = stateSkipping
}

func (p *Parser) stepSkipping() bool {
	closeTag := "</" + p.skipName + ">"
	idx := strings.Index(p.pending, closeTag)
	if idx == -1 {
		guard := len(closeTag) - 1
		if len(p.pending) > guard {
			p.pending = p.pending[len(p.pending)-guard:]
		}
		return false
	}
	p.pending = p.pending[idx+len(closeTag):]
	p.state = p.skipReturn
	return true
}

func (p *Parser) softError(code errs.SoftErrorCode, message string, detail map[string]any) {
	p.emitter.Emit(event.TypeSoftError, event.SoftErrorPayload{Code: string(code), Message: message, Detail: detail})
}

func truncateForLog(s string) string {
	const max = 200
	if len(s) <= max {
		return s
	}
	return s[:max] + "...[truncated]"
}
