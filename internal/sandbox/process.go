package sandbox

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agentoven/agentoven/control-plane/pkg/model"
)

// ipcRequest is one newline-delimited JSON request sent to a model
// subprocess's stdin.
type ipcRequest struct {
	Op    string          `json:"op"` // "preprocess" | "infer" | "postprocess" | "warmup"
	Input json.RawMessage `json:"input,omitempty"`
}

// ipcResponse is the matching reply read from stdout.
type ipcResponse struct {
	OK     bool            `json:"ok"`
	Output json.RawMessage `json:"output,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Process is one isolated OS subprocess hosting exactly one loaded
// (model_id, version)'s entry-point code. Grounded on the teacher's
// process.LocalExecutor.Start — exec.CommandContext, a stdout ready-
// signal scan, context-based cancellation, SIGINT-then-kill stop —
// adapted from HTTP-based agent RPC to a single-connection newline-JSON
// stdin/stdout protocol because the spec calls for direct per-stage
// invocation rather than a long-lived HTTP server per model.
type Process struct {
	key    model.VersionKey
	cmd    *exec.Cmd
	cancel context.CancelFunc
	stdin  *bufio.Writer
	stdout *bufio.Scanner

	mu       sync.Mutex // serializes request/response pairs
	poisoned bool
}

// readySignal is the line a conforming entry-point process writes to
// stdout once import, callable resolution, and weight loading finish.
const readySignal = "MODEL_READY"

// Spawn starts the subprocess for desc's inference entry-point and waits
// for its ready signal. It does not run warmup — that is the loader's
// job, issued as ordinary "warmup" IPC requests once the process is
// live.
func Spawn(ctx context.Context, desc model.Descriptor, readyTimeout time.Duration) (*Process, error) {
	pythonBin := findPython()
	if pythonBin == "" {
		return nil, fmt.Errorf("python3 not found in PATH")
	}

	procCtx, cancel := context.WithCancel(context.Background())
	entryPath := filepath.Join(desc.Path, desc.InferEntry)
	cmd := exec.CommandContext(procCtx, pythonBin, entryPath)
	cmd.Env = append(os.Environ(),
		fmt.Sprintf("MODEL_ID=%s", desc.ModelID),
		fmt.Sprintf("MODEL_VERSION=%s", desc.Version),
		fmt.Sprintf("WEIGHTS_DIR=%s", desc.WeightsDir),
	)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, err
	}
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, err
	}

	p := &Process{
		key:    model.VersionKey{ModelID: desc.ModelID, Version: desc.Version},
		cmd:    cmd,
		cancel: cancel,
		stdin:  bufio.NewWriter(stdin),
		stdout: bufio.NewScanner(stdout),
	}
	p.stdout.Buffer(make([]byte, 64*1024), 16*1024*1024)

	readyCh := make(chan bool, 1)
	go func() {
		for p.stdout.Scan() {
			if p.stdout.Text() == readySignal {
				readyCh <- true
				return
			}
		}
		readyCh <- false
	}()

	select {
	case ready := <-readyCh:
		if !ready {
			p.Kill()
			return nil, fmt.Errorf("model process exited before becoming ready")
		}
	case <-time.After(readyTimeout):
		p.Kill()
		return nil, fmt.Errorf("model process did not signal ready within %s", readyTimeout)
	case <-ctx.Done():
		p.Kill()
		return nil, fmt.Errorf("spawn canceled before model process became ready: %w", ctx.Err())
	}

	log.Info().Str("model_id", desc.ModelID).Str("version", desc.Version).
		Int("pid", cmd.Process.Pid).Msg("sandbox: model process ready")
	return p, nil
}

// Call issues one IPC request and waits for its reply, or for ctx to
// expire. On timeout the process is marked poisoned: the reply is
// discarded and the next caller gets a fresh subprocess rather than
// waiting on or sharing a half-answered one (spec.md §9's resolution of
// the forced-cancellation open question).
func (p *Process) Call(ctx context.Context, op string, input json.RawMessage) (json.RawMessage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.poisoned {
		return nil, fmt.Errorf("process poisoned by a prior timeout")
	}

	req := ipcRequest{Op: op, Input: input}
	line, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	if _, err := p.stdin.Write(append(line, '\n')); err != nil {
		p.poisoned = true
		return nil, err
	}
	if err := p.stdin.Flush(); err != nil {
		p.poisoned = true
		return nil, err
	}

	type result struct {
		resp ipcResponse
		err  error
	}
	resCh := make(chan result, 1)
	go func() {
		if !p.stdout.Scan() {
			resCh <- result{err: fmt.Errorf("process closed stdout: %w", p.stdout.Err())}
			return
		}
		var resp ipcResponse
		if err := json.Unmarshal(p.stdout.Bytes(), &resp); err != nil {
			resCh <- result{err: err}
			return
		}
		resCh <- result{resp: resp}
	}()

	select {
	case <-ctx.Done():
		p.poisoned = true
		return nil, ctx.Err()
	case r := <-resCh:
		if r.err != nil {
			p.poisoned = true
			return nil, r.err
		}
		if !r.resp.OK {
			return nil, fmt.Errorf("%s", r.resp.Error)
		}
		return r.resp.Output, nil
	}
}

// Poisoned reports whether a prior call timed out or errored this
// process into an unusable state.
func (p *Process) Poisoned() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.poisoned
}

// Kill forcibly terminates the subprocess. Safe to call multiple times.
func (p *Process) Kill() {
	p.cancel()
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
	go func() { _ = p.cmd.Wait() }()
}

func findPython() string {
	for _, name := range []string{"python3", "python"} {
		if path, err := exec.LookPath(name); err == nil {
			return path
		}
	}
	return ""
}
