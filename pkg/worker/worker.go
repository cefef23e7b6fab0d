package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/vfhost/pkg/engine"
	"github.com/cuemby/vfhost/pkg/framing"
	"github.com/cuemby/vfhost/pkg/log"
	"github.com/cuemby/vfhost/pkg/protocol"
	"github.com/cuemby/vfhost/pkg/security"
	"github.com/cuemby/vfhost/pkg/types"
)

// Exit codes of a worker process that failed before serving jobs. The
// host treats the first two as configuration errors.
const (
	ExitOK                  = 0
	ExitFailure             = 1
	ExitSecurityUnavailable = 66
	ExitVersionMismatch     = 67
	ExitProtocol            = 68
)

// ErrVersionMismatch is returned when the host expects a logical version
// other than the one this binary was built with.
var ErrVersionMismatch = errors.New("worker: logical version mismatch")

// Config is what a worker needs to know at startup.
type Config struct {
	Pool types.PoolKind

	// ExpectedVersion is the host's logical version. Version is the one
	// this binary was built with; they must be equal.
	ExpectedVersion string
	Version         string

	SecureValidatorMode bool

	// Dir becomes the worker's root directory when namespaces work.
	Dir string

	Limits      framing.Limits
	MaxCodeSize uint64
}

// Worker serves jobs from one host over one channel.
type Worker struct {
	cfg    Config
	conn   io.ReadWriter
	engine engine.Engine
	prober security.Prober
	logger zerolog.Logger

	status security.Status
}

// New creates a worker. conn is the channel to the host.
func New(cfg Config, conn io.ReadWriter, eng engine.Engine, prober security.Prober) *Worker {
	return &Worker{
		cfg:    cfg,
		conn:   conn,
		engine: eng,
		prober: prober,
		logger: log.WithPool(string(cfg.Pool)),
	}
}

// Status returns the security status found at startup.
func (w *Worker) Status() security.Status {
	return w.status
}

// Run performs startup and then serves jobs until the host closes the
// channel, which returns nil.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.Start(); err != nil {
		return err
	}
	for {
		if err := w.serveOne(ctx); err != nil {
			if errors.Is(err, io.EOF) {
				w.logger.Debug().Msg("Host closed channel")
				return nil
			}
			return err
		}
	}
}

// Start checks the version, applies hardening and sends the handshake.
// Nothing is sent to the host when startup fails.
func (w *Worker) Start() error {
	if w.cfg.ExpectedVersion != w.cfg.Version {
		return fmt.Errorf("%w: host expects %s, worker is %s",
			ErrVersionMismatch, w.cfg.ExpectedVersion, w.cfg.Version)
	}

	status, causes := security.Detect(w.prober, w.cfg.SecureValidatorMode, w.cfg.Dir)
	for feature, cause := range causes {
		w.logger.Warn().Err(cause).Str("feature", feature).Msg("Hardening feature unavailable")
	}
	if err := security.Enforce(status, causes); err != nil {
		return err
	}
	w.status = status

	if err := protocol.SendHandshake(w.conn, status); err != nil {
		return fmt.Errorf("sending handshake: %w", err)
	}
	w.logger.Debug().Stringer("security", status).Msg("Handshake sent")
	return nil
}

func (w *Worker) serveOne(ctx context.Context) error {
	env, err := protocol.Read(w.conn, w.cfg.Limits)
	if err != nil {
		return err
	}

	var (
		kind protocol.Kind
		resp any
	)
	switch w.cfg.Pool {
	case types.PoolPrepare:
		var req protocol.PrepareRequest
		if err := env.Expect(protocol.KindPrepareRequest, &req); err != nil {
			return err
		}
		kind = protocol.KindPrepareResponse
		resp, err = w.prepare(ctx, req)
	case types.PoolExecute:
		var req protocol.ExecuteRequest
		if err := env.Expect(protocol.KindExecuteRequest, &req); err != nil {
			return err
		}
		kind = protocol.KindExecuteResponse
		resp = w.execute(ctx, req)
	default:
		return fmt.Errorf("unknown pool %q", w.cfg.Pool)
	}
	if err != nil {
		return err
	}

	return protocol.Write(w.conn, kind, resp)
}

func (w *Worker) prepare(ctx context.Context, req protocol.PrepareRequest) (protocol.PrepareResponse, error) {
	maxCodeSize := req.MaxCodeSize
	if maxCodeSize == 0 {
		maxCodeSize = w.cfg.MaxCodeSize
	}

	start := time.Now()
	artifact, err := w.engine.Prepare(ctx, req.Code, maxCodeSize)
	resp := protocol.PrepareResponse{Version: w.cfg.Version, Duration: time.Since(start)}

	var compileErr *engine.CompileError
	switch {
	case errors.As(err, &compileErr):
		resp.Error = compileErr.Reason
		w.logger.Info().Str("reason", compileErr.Reason).Msg("Code failed to compile")
	case err != nil:
		return resp, fmt.Errorf("preparing: %w", err)
	default:
		resp.Artifact = artifact
		w.logger.Debug().Int("size", len(artifact)).Dur("duration", resp.Duration).Msg("Prepared artifact")
	}
	return resp, nil
}

func (w *Worker) execute(ctx context.Context, req protocol.ExecuteRequest) protocol.ExecuteResponse {
	res, err := w.engine.Execute(ctx, req.Artifact, req.Input, engine.Limits{
		Timeout:     req.Timeout,
		MemoryPages: req.MemoryPages,
	})
	if err != nil {
		w.logger.Error().Err(err).Msg("Execution failed inside worker")
		return protocol.ExecuteResponse{Internal: err.Error()}
	}

	w.logger.Debug().Str("result", string(res.Kind)).Msg("Executed artifact")
	return protocol.ExecuteResponse{
		Result:  res.Kind,
		Output:  res.Output,
		Message: res.Message,
		Limit:   res.Limit,
	}
}

// ExitCode maps an error returned by Run to the process exit status.
func ExitCode(err error) int {
	var reqErr *security.RequirementsError
	switch {
	case err == nil:
		return ExitOK
	case errors.As(err, &reqErr):
		return ExitSecurityUnavailable
	case errors.Is(err, ErrVersionMismatch):
		return ExitVersionMismatch
	case errors.Is(err, protocol.ErrUnexpectedMessage),
		errors.Is(err, protocol.ErrMalformed),
		errors.Is(err, framing.ErrFrameTooLarge),
		errors.Is(err, framing.ErrShortFrame):
		return ExitProtocol
	default:
		return ExitFailure
	}
}
