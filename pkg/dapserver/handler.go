package dapserver

import (
	"fmt"
	"sync"

	"github.com/google/go-dap"
	log "github.com/sirupsen/logrus"

	"github.com/willibrandon/chronodump/pkg/capsule"
	"github.com/willibrandon/chronodump/pkg/linecache"
	"github.com/willibrandon/chronodump/pkg/record"
	"github.com/willibrandon/chronodump/pkg/replay"
)

// Scope references embed the frame ID: ref = base + frameID. References
// from valueBase up name container values handed out by allocRef.
const (
	scopeLocalBase    = 1000
	scopeGlobalBase   = 3000
	scopeReceiverBase = 5000
	valueBase         = 10000
)

const resumeRefused = "post-mortem session: the program has already crashed"

// errorID identifies the ErrorMessage of every failed response.
const errorID = 1

// handler dispatches incoming DAP messages to the appropriate method.
type handler struct {
	server *Server
	dump   *capsule.Capsule
	frames []*record.FrameRecord // call order, outermost first
	lines  []int

	mu      sync.Mutex
	refs    map[int]*record.Value
	refOf   map[*record.Value]int
	sources []string
	srcRef  map[string]int
}

func newHandler(s *Server, c *capsule.Capsule) *handler {
	h := &handler{
		server: s,
		dump:   c,
		refs:   make(map[int]*record.Value),
		refOf:  make(map[*record.Value]int),
		srcRef: make(map[string]int),
	}
	for _, l := range c.Stack.Links() {
		h.frames = append(h.frames, l.Frame)
		h.lines = append(h.lines, l.Line)
	}
	return h
}

func (h *handler) send(msg dap.Message) {
	if err := h.server.send(msg); err != nil {
		log.Warnf("dap: send error: %v", err)
	}
}

func (h *handler) handle(msg dap.Message) {
	switch req := msg.(type) {
	case *dap.InitializeRequest:
		h.onInitialize(req)
	case *dap.LaunchRequest:
		resp := &dap.LaunchResponse{}
		resp.Response = h.newResponse(req.Seq, req.Command)
		h.send(resp)
	case *dap.AttachRequest:
		resp := &dap.AttachResponse{}
		resp.Response = h.newResponse(req.Seq, req.Command)
		h.send(resp)
	case *dap.SetBreakpointsRequest:
		h.onSetBreakpoints(req)
	case *dap.SetExceptionBreakpointsRequest:
		resp := &dap.SetExceptionBreakpointsResponse{}
		resp.Response = h.newResponse(req.Seq, req.Command)
		h.send(resp)
	case *dap.ConfigurationDoneRequest:
		h.onConfigurationDone(req)
	case *dap.ThreadsRequest:
		h.onThreads(req)
	case *dap.StackTraceRequest:
		h.onStackTrace(req)
	case *dap.ScopesRequest:
		h.onScopes(req)
	case *dap.VariablesRequest:
		h.onVariables(req)
	case *dap.SourceRequest:
		h.onSource(req)
	case *dap.EvaluateRequest:
		h.onEvaluate(req)
	case *dap.ExceptionInfoRequest:
		h.onExceptionInfo(req)
	case *dap.ContinueRequest, *dap.NextRequest, *dap.StepInRequest, *dap.StepOutRequest, *dap.PauseRequest:
		h.refuse(msg.(dap.RequestMessage).GetRequest())
	case *dap.DisconnectRequest:
		h.onDisconnect(req)
	default:
		log.Debugf("dap: unhandled message type: %T", msg)
	}
}

func (h *handler) onInitialize(req *dap.InitializeRequest) {
	resp := &dap.InitializeResponse{}
	resp.Response = h.newResponse(req.Seq, req.Command)
	resp.Body = dap.Capabilities{
		SupportsConfigurationDoneRequest: true,
		SupportsEvaluateForHovers:        true,
		SupportsExceptionInfoRequest:     true,
	}
	h.send(resp)

	h.send(&dap.InitializedEvent{
		Event: h.newEvent("initialized"),
	})
}

// Breakpoints are acknowledged but never verified: nothing runs again.
func (h *handler) onSetBreakpoints(req *dap.SetBreakpointsRequest) {
	resp := &dap.SetBreakpointsResponse{}
	resp.Response = h.newResponse(req.Seq, req.Command)
	resp.Body.Breakpoints = make([]dap.Breakpoint, len(req.Arguments.Breakpoints))
	for i, bp := range req.Arguments.Breakpoints {
		resp.Body.Breakpoints[i] = dap.Breakpoint{
			Line:    bp.Line,
			Message: resumeRefused,
		}
	}
	h.send(resp)
}

// The client is done configuring; report the crash as the reason the
// only thread is stopped.
func (h *handler) onConfigurationDone(req *dap.ConfigurationDoneRequest) {
	resp := &dap.ConfigurationDoneResponse{}
	resp.Response = h.newResponse(req.Seq, req.Command)
	h.send(resp)

	evt := &dap.StoppedEvent{
		Event: h.newEvent("stopped"),
	}
	evt.Body.Reason = "exception"
	evt.Body.Description = "panic"
	evt.Body.Text = h.dump.Message
	evt.Body.ThreadId = threadID
	evt.Body.AllThreadsStopped = true
	h.send(evt)
}

func (h *handler) onThreads(req *dap.ThreadsRequest) {
	resp := &dap.ThreadsResponse{}
	resp.Response = h.newResponse(req.Seq, req.Command)
	resp.Body.Threads = []dap.Thread{
		{Id: threadID, Name: threadName(h.frames)},
	}
	h.send(resp)
}

func (h *handler) onStackTrace(req *dap.StackTraceRequest) {
	resp := &dap.StackTraceResponse{}
	resp.Response = h.newResponse(req.Seq, req.Command)

	frames := translateStackFrames(h.frames, h.lines, h.sourceRef)
	resp.Body.TotalFrames = len(frames)

	start := req.Arguments.StartFrame
	if start > len(frames) {
		start = len(frames)
	}
	end := len(frames)
	if req.Arguments.Levels > 0 && start+req.Arguments.Levels < end {
		end = start + req.Arguments.Levels
	}
	resp.Body.StackFrames = frames[start:end]
	h.send(resp)
}

func (h *handler) onScopes(req *dap.ScopesRequest) {
	resp := &dap.ScopesResponse{}
	resp.Response = h.newResponse(req.Seq, req.Command)

	f := h.frame(req.Arguments.FrameId)
	if f == nil {
		h.sendError(&req.Request, fmt.Sprintf("unknown frame %d", req.Arguments.FrameId))
		return
	}
	frameID := req.Arguments.FrameId
	resp.Body.Scopes = []dap.Scope{
		{
			Name:               "Locals",
			PresentationHint:   "locals",
			VariablesReference: scopeLocalBase + frameID,
			NamedVariables:     len(f.Locals),
		},
		{
			Name:               "Globals",
			VariablesReference: scopeGlobalBase + frameID,
			NamedVariables:     len(globalNames(f)),
			Expensive:          true,
		},
	}
	if recv := f.Locals[f.Receiver]; f.Receiver != "" && recv != nil {
		resp.Body.Scopes = append(resp.Body.Scopes, dap.Scope{
			Name:               "Receiver",
			VariablesReference: scopeReceiverBase + frameID,
			NamedVariables:     recv.Len(),
		})
	}
	h.send(resp)
}

func (h *handler) onVariables(req *dap.VariablesRequest) {
	resp := &dap.VariablesResponse{}
	resp.Response = h.newResponse(req.Seq, req.Command)
	resp.Body.Variables = []dap.Variable{}

	ref := req.Arguments.VariablesReference
	switch {
	case ref >= valueBase:
		if v := h.value(ref); v != nil {
			resp.Body.Variables = expandValue(v, h.allocRef)
		}
	case ref >= scopeReceiverBase:
		if f := h.frame(ref - scopeReceiverBase); f != nil && f.Receiver != "" {
			resp.Body.Variables = receiverVariables(f.Receiver, f.Locals[f.Receiver], h.allocRef)
		}
	case ref >= scopeGlobalBase:
		if f := h.frame(ref - scopeGlobalBase); f != nil {
			resp.Body.Variables = translateBindings(globalNames(f), f.Globals, h.allocRef)
		}
	case ref >= scopeLocalBase:
		if f := h.frame(ref - scopeLocalBase); f != nil {
			resp.Body.Variables = translateBindings(f.LocalNames(), f.Locals, h.allocRef)
		}
	}
	h.send(resp)
}

func (h *handler) onSource(req *dap.SourceRequest) {
	resp := &dap.SourceResponse{}
	resp.Response = h.newResponse(req.Seq, req.Command)

	path := h.sourcePath(req.Arguments.SourceReference)
	text, ok := h.dump.Files[path]
	if !ok && path != "" {
		text, ok = linecache.Default.Source(path)
	}
	if !ok {
		h.sendError(&req.Request, fmt.Sprintf("no source for reference %d", req.Arguments.SourceReference))
		return
	}
	resp.Body.Content = text
	resp.Body.MimeType = "text/x-go"
	h.send(resp)
}

func (h *handler) onEvaluate(req *dap.EvaluateRequest) {
	resp := &dap.EvaluateResponse{}
	resp.Response = h.newResponse(req.Seq, req.Command)

	nav := replay.NewNavigator(h.dump.Stack)
	if req.Arguments.FrameId > 0 {
		if err := nav.JumpTo(h.index(req.Arguments.FrameId)); err != nil {
			h.sendError(&req.Request, fmt.Sprintf("unknown frame %d", req.Arguments.FrameId))
			return
		}
	}

	v, err := nav.Lookup(req.Arguments.Expression)
	if err != nil {
		h.sendError(&req.Request, err.Error())
		return
	}
	resp.Body.Result = v.String()
	resp.Body.Type = v.Type
	resp.Body.VariablesReference = h.allocRef(v)
	h.send(resp)
}

func (h *handler) onExceptionInfo(req *dap.ExceptionInfoRequest) {
	resp := &dap.ExceptionInfoResponse{}
	resp.Response = h.newResponse(req.Seq, req.Command)
	resp.Body.ExceptionId = "panic"
	if h.dump.Error != nil && h.dump.Error.Type != "" {
		resp.Body.ExceptionId = h.dump.Error.Type
	}
	resp.Body.Description = h.dump.Message
	resp.Body.BreakMode = "unhandled"
	h.send(resp)
}

func (h *handler) onDisconnect(req *dap.DisconnectRequest) {
	resp := &dap.DisconnectResponse{}
	resp.Response = h.newResponse(req.Seq, req.Command)
	h.send(resp)

	h.send(&dap.TerminatedEvent{
		Event: h.newEvent("terminated"),
	})
	h.server.close()
}

// index converts a frame ID, 1 for the innermost frame, to a call order
// index.
func (h *handler) index(frameID int) int {
	return len(h.frames) - frameID
}

func (h *handler) frame(frameID int) *record.FrameRecord {
	i := h.index(frameID)
	if frameID < 1 || i < 0 {
		return nil
	}
	return h.frames[i]
}

// allocRef hands out a stable reference for a container value with
// children, and 0 for anything else.
func (h *handler) allocRef(v *record.Value) int {
	if v == nil || !v.Kind.Container() || v.Len() == 0 {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if ref, ok := h.refOf[v]; ok {
		return ref
	}
	ref := valueBase + len(h.refs)
	h.refs[ref] = v
	h.refOf[v] = ref
	return ref
}

func (h *handler) value(ref int) *record.Value {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.refs[ref]
}

// sourceRef returns the reference clients use to fetch a file through
// the server, or 0 when its text is not available.
func (h *handler) sourceRef(path string) int {
	if _, ok := h.dump.Files[path]; !ok {
		if _, ok := linecache.Default.Source(path); !ok || path == "" {
			return 0
		}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if ref, ok := h.srcRef[path]; ok {
		return ref
	}
	h.sources = append(h.sources, path)
	h.srcRef[path] = len(h.sources)
	return len(h.sources)
}

func (h *handler) sourcePath(ref int) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ref < 1 || ref > len(h.sources) {
		return ""
	}
	return h.sources[ref-1]
}

// refuse answers a request that would resume the program.
func (h *handler) refuse(req *dap.Request) {
	h.sendError(req, resumeRefused)
}

// sendError answers req with an ErrorResponse, the only shape a failed
// response decodes to on the client side.
func (h *handler) sendError(req *dap.Request, message string) {
	resp := &dap.ErrorResponse{}
	resp.Response = h.newResponse(req.Seq, req.Command)
	resp.Success = false
	resp.Message = message
	resp.Body.Error = &dap.ErrorMessage{Id: errorID, Format: message, ShowUser: true}
	h.send(resp)
}

func (h *handler) newResponse(reqSeq int, command string) dap.Response {
	return dap.Response{
		ProtocolMessage: dap.ProtocolMessage{Seq: h.server.nextSeq(), Type: "response"},
		RequestSeq:      reqSeq,
		Success:         true,
		Command:         command,
	}
}

func (h *handler) newEvent(event string) dap.Event {
	return dap.Event{
		ProtocolMessage: dap.ProtocolMessage{Seq: h.server.nextSeq(), Type: "event"},
		Event:           event,
	}
}
