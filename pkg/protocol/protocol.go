// Package protocol defines the messages exchanged between the host and a
// worker process. Every message is one CBOR envelope carried in one frame.
//
// A worker sends exactly one Handshake as its first message. After that
// the host sends requests and the worker answers each with exactly one
// response of the matching kind.
package protocol

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/cuemby/vfhost/pkg/framing"
	"github.com/cuemby/vfhost/pkg/security"
	"github.com/cuemby/vfhost/pkg/types"
)

var (
	// ErrUnexpectedMessage is returned when a peer sends a message kind
	// that is not valid in the current protocol state.
	ErrUnexpectedMessage = errors.New("protocol: unexpected message")

	// ErrMalformed is returned for frames that do not decode.
	ErrMalformed = errors.New("protocol: malformed message")
)

// Kind tags the body of an Envelope.
type Kind string

const (
	KindHandshake       Kind = "handshake"
	KindPrepareRequest  Kind = "prepare_request"
	KindPrepareResponse Kind = "prepare_response"
	KindExecuteRequest  Kind = "execute_request"
	KindExecuteResponse Kind = "execute_response"
)

// RequestKind returns the request kind served by a pool.
func RequestKind(pool types.PoolKind) Kind {
	if pool == types.PoolExecute {
		return KindExecuteRequest
	}
	return KindPrepareRequest
}

// ResponseKind returns the response kind produced by a pool.
func ResponseKind(pool types.PoolKind) Kind {
	if pool == types.PoolExecute {
		return KindExecuteResponse
	}
	return KindPrepareResponse
}

// Envelope is the unit carried in one frame.
type Envelope struct {
	Kind Kind            `cbor:"kind"`
	Body cbor.RawMessage `cbor:"body"`
}

// Handshake is the first message a worker sends.
type Handshake struct {
	SecurityStatus security.Status `cbor:"security_status"`
}

// PrepareRequest asks a prepare worker to compile Code.
type PrepareRequest struct {
	Code        []byte `cbor:"code"`
	MaxCodeSize uint64 `cbor:"max_code_size"`
}

// PrepareResponse carries the compiled artifact, or a compilation error
// caused by the code itself.
type PrepareResponse struct {
	Artifact []byte        `cbor:"artifact,omitempty"`
	Version  string        `cbor:"version"`
	Duration time.Duration `cbor:"duration"`
	Error    string        `cbor:"error,omitempty"`
}

// ExecuteRequest asks an execute worker to run Artifact on Input.
type ExecuteRequest struct {
	Artifact    []byte        `cbor:"artifact"`
	Input       []byte        `cbor:"input"`
	Timeout     time.Duration `cbor:"timeout"`
	MemoryPages uint32        `cbor:"memory_pages"`
}

// ExecuteResponse reports how the code behaved. Internal is set when the
// worker itself failed, which the host treats as a worker failure rather
// than an outcome.
type ExecuteResponse struct {
	Result   types.ExecResult    `cbor:"result"`
	Output   []byte              `cbor:"output,omitempty"`
	Message  string              `cbor:"message,omitempty"`
	Limit    types.ResourceLimit `cbor:"limit,omitempty"`
	Internal string              `cbor:"internal,omitempty"`
}

// Encode wraps body into an envelope of the given kind.
func Encode(kind Kind, body any) ([]byte, error) {
	raw, err := Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding %s body: %w", kind, err)
	}
	data, err := Marshal(Envelope{Kind: kind, Body: raw})
	if err != nil {
		return nil, fmt.Errorf("encoding %s envelope: %w", kind, err)
	}
	return data, nil
}

// Decode parses an envelope without decoding its body.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Kind == "" {
		return Envelope{}, fmt.Errorf("%w: missing kind", ErrMalformed)
	}
	return env, nil
}

// Expect decodes the body into v if the envelope has the wanted kind.
func (e Envelope) Expect(want Kind, v any) error {
	if e.Kind != want {
		return fmt.Errorf("%w: got %s, want %s", ErrUnexpectedMessage, e.Kind, want)
	}
	if err := Unmarshal(e.Body, v); err != nil {
		return fmt.Errorf("%w: %s body: %v", ErrMalformed, e.Kind, err)
	}
	return nil
}

// Write sends one message over a blocking channel.
func Write(w io.Writer, kind Kind, body any) error {
	data, err := Encode(kind, body)
	if err != nil {
		return err
	}
	return framing.Send(w, data)
}

// Read receives one message from a blocking channel.
func Read(r io.Reader, limits framing.Limits) (Envelope, error) {
	data, err := framing.Receive(r, limits)
	if err != nil {
		return Envelope{}, err
	}
	return Decode(data)
}

// Send sends one message over a Conn.
func Send(ctx context.Context, c *framing.Conn, kind Kind, body any) error {
	data, err := Encode(kind, body)
	if err != nil {
		return err
	}
	return c.Send(ctx, data)
}

// Receive receives one message from a Conn.
func Receive(ctx context.Context, c *framing.Conn) (Envelope, error) {
	data, err := c.Receive(ctx)
	if err != nil {
		return Envelope{}, err
	}
	return Decode(data)
}

// SendHandshake is called by a worker once, right after hardening.
func SendHandshake(w io.Writer, status security.Status) error {
	return Write(w, KindHandshake, Handshake{SecurityStatus: status})
}

// ReceiveHandshake reads the first message of a fresh worker channel. Any
// other kind is a protocol violation and the channel must be discarded.
func ReceiveHandshake(ctx context.Context, c *framing.Conn) (security.Status, error) {
	env, err := Receive(ctx, c)
	if err != nil {
		return security.Status{}, fmt.Errorf("receiving handshake: %w", err)
	}
	var hs Handshake
	if err := env.Expect(KindHandshake, &hs); err != nil {
		return security.Status{}, err
	}
	return hs.SecurityStatus, nil
}
