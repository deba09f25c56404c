package capbridge

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ggoodman/capbridge-go/internal/jsonrpc"
)

// Methods multiplexed on a session channel.
const (
	MethodInvoke  = "capabilities/invoke"
	MethodDeclare = "capabilities/declare"
	MethodCancel  = "capabilities/cancel"
)

// InvokeRequest asks a client to run one capability. It is immutable once sent.
type InvokeRequest struct {
	ID       string          `json:"-"`
	Name     string          `json:"name"`
	Args     json.RawMessage `json:"args,omitempty"`
	Deadline time.Time       `json:"deadline"`
}

// InvokeResult is the client's answer to an InvokeRequest with the same ID.
type InvokeResult struct {
	ID    string          `json:"-"`
	OK    bool            `json:"ok"`
	Value json.RawMessage `json:"value,omitempty"`
	Error *Error          `json:"error,omitempty"`
}

// ResultFromOutcome converts an Outcome into the wire result for id.
func ResultFromOutcome(id string, o Outcome) InvokeResult {
	if o.Error != nil {
		return InvokeResult{ID: id, Error: o.Error}
	}
	return InvokeResult{ID: id, OK: true, Value: Ok(o.Value).Value}
}

// Outcome converts a client result into the Outcome seen by the agent. Clients
// may only report rejected or unavailable failures; timeout and unsendable are
// decided by the server, so any other shape becomes a rejection.
func (r InvokeResult) Outcome() Outcome {
	if r.OK {
		if r.Error != nil {
			return Fail(KindRejected, "malformed result: ok with error")
		}
		return Ok(r.Value)
	}
	if r.Error == nil {
		return Fail(KindRejected, "malformed result: missing error")
	}
	switch r.Error.Kind {
	case KindRejected, KindUnavailable:
		return Fail(r.Error.Kind, r.Error.Message)
	default:
		return Fail(KindRejected, r.Error.Message)
	}
}

// Declaration advertises one client capability to the server.
type Declaration struct {
	Name            string          `json:"name"`
	Description     string          `json:"description,omitempty"`
	ParameterSchema json.RawMessage `json:"parameterSchema,omitempty"`
}

type declareParams struct {
	Capabilities []Declaration `json:"capabilities"`
}

type cancelParams struct {
	ID string `json:"id"`
}

// EnvelopeKind tags a decoded Envelope.
type EnvelopeKind int

const (
	EnvelopeInvoke EnvelopeKind = iota + 1
	EnvelopeResult
	EnvelopeDeclare
	EnvelopeCancel
)

func (k EnvelopeKind) String() string {
	switch k {
	case EnvelopeInvoke:
		return "invoke"
	case EnvelopeResult:
		return "result"
	case EnvelopeDeclare:
		return "declare"
	case EnvelopeCancel:
		return "cancel"
	}
	return "unknown"
}

// Envelope is one decoded bridge message. Only the field matching Kind is set.
type Envelope struct {
	Kind         EnvelopeKind
	Request      *InvokeRequest
	Result       *InvokeResult
	Declarations []Declaration
	CancelID     string
}

// EncodeInvokeRequest frames req as a JSON-RPC request.
func EncodeInvokeRequest(req InvokeRequest) ([]byte, error) {
	if req.ID == "" {
		return nil, fmt.Errorf("%w: invoke request without id", ErrMalformedMessage)
	}
	msg, err := jsonrpc.NewRequest(jsonrpc.NewRequestID(req.ID), MethodInvoke, req)
	if err != nil {
		return nil, err
	}
	return jsonrpc.Encode(msg)
}

// EncodeInvokeResult frames res as a JSON-RPC response.
func EncodeInvokeResult(res InvokeResult) ([]byte, error) {
	if res.ID == "" {
		return nil, fmt.Errorf("%w: invoke result without id", ErrMalformedMessage)
	}
	msg, err := jsonrpc.NewResultResponse(jsonrpc.NewRequestID(res.ID), res)
	if err != nil {
		return nil, err
	}
	return jsonrpc.Encode(msg)
}

// EncodeDeclare frames the full set of a client's capabilities as a notification.
func EncodeDeclare(decls []Declaration) ([]byte, error) {
	if decls == nil {
		decls = []Declaration{}
	}
	msg, err := jsonrpc.NewNotification(MethodDeclare, declareParams{Capabilities: decls})
	if err != nil {
		return nil, err
	}
	return jsonrpc.Encode(msg)
}

// EncodeCancel frames a best-effort cancellation for an in-flight invocation.
func EncodeCancel(id string) ([]byte, error) {
	msg, err := jsonrpc.NewNotification(MethodCancel, cancelParams{ID: id})
	if err != nil {
		return nil, err
	}
	return jsonrpc.Encode(msg)
}

// DecodeEnvelope parses one bridge message. Failures wrap ErrMalformedMessage.
func DecodeEnvelope(data []byte) (Envelope, error) {
	msg, err := jsonrpc.Decode(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	if res := msg.AsResponse(); res != nil {
		out := InvokeResult{ID: res.ID.String()}
		if res.Error != nil {
			out.Error = &Error{Kind: KindRejected, Message: res.Error.Message}
			return Envelope{Kind: EnvelopeResult, Result: &out}, nil
		}
		if err := json.Unmarshal(res.Result, &out); err != nil {
			return Envelope{}, fmt.Errorf("%w: invalid result: %v", ErrMalformedMessage, err)
		}
		out.ID = res.ID.String()
		return Envelope{Kind: EnvelopeResult, Result: &out}, nil
	}

	switch msg.Method {
	case MethodInvoke:
		if msg.ID.IsNil() {
			return Envelope{}, fmt.Errorf("%w: invoke without id", ErrMalformedMessage)
		}
		var req InvokeRequest
		if err := json.Unmarshal(msg.Params, &req); err != nil {
			return Envelope{}, fmt.Errorf("%w: invalid invoke params: %v", ErrMalformedMessage, err)
		}
		if req.Name == "" {
			return Envelope{}, fmt.Errorf("%w: invoke without capability name", ErrMalformedMessage)
		}
		req.ID = msg.ID.String()
		return Envelope{Kind: EnvelopeInvoke, Request: &req}, nil
	case MethodDeclare:
		var p declareParams
		if err := json.Unmarshal(msg.Params, &p); err != nil {
			return Envelope{}, fmt.Errorf("%w: invalid declare params: %v", ErrMalformedMessage, err)
		}
		return Envelope{Kind: EnvelopeDeclare, Declarations: p.Capabilities}, nil
	case MethodCancel:
		var p cancelParams
		if err := json.Unmarshal(msg.Params, &p); err != nil || p.ID == "" {
			return Envelope{}, fmt.Errorf("%w: invalid cancel params", ErrMalformedMessage)
		}
		return Envelope{Kind: EnvelopeCancel, CancelID: p.ID}, nil
	}

	return Envelope{}, fmt.Errorf("%w: unexpected method %q", ErrMalformedMessage, msg.Method)
}
