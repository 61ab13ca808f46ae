package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"
	"time"

	"github.com/ovictorfarias/pegasus/internal/kernel"
	"github.com/ovictorfarias/pegasus/internal/log"
	"github.com/ovictorfarias/pegasus/internal/model"
)

// interruptTimeout bounds the best-effort interrupt on cancellation so
// cancelling never blocks the coordinator.
const interruptTimeout = 5 * time.Second

// executionTask runs one code submission to completion inside a kernel,
// streaming partial output as it arrives.
type executionTask struct {
	engine   kernel.Engine
	kernelID string
	sender   sender
	logger   log.Logger
}

// run executes the submission and emits its events. It never returns an
// error: every failure surfaces as a stderr event so the coordinator is never
// crashed by an execution.
func (t *executionTask) run(ctx context.Context, code string) {
	// The filesystem hint concludes every execution, whatever the outcome.
	defer func() {
		_ = t.sender.Send(model.FilesystemUpdateEvent{Content: "Execution finished, refresh the workspace files."})
	}()

	cmd := model.ClassifyCode(code)
	t.logger.Debugf("Running %s execution in kernel %s", cmd.Kind, t.kernelID)

	stream, err := t.engine.ExecStream(ctx, t.kernelID, cmd.ShellCommand())
	if err != nil {
		_ = t.sender.Send(model.StderrEvent{Content: fmt.Sprintf("Could not start execution: %s", err)})
		return
	}
	defer stream.Close()

	chunks := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		defer close(chunks)
		buf := make([]byte, 4096)
		for {
			n, err := stream.Output().Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				select {
				case chunks <- chunk:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				if !errors.Is(err, io.EOF) {
					readErr <- err
				}
				return
			}
		}
	}()

loop:
	for {
		select {
		case <-ctx.Done():
			t.interrupt()
			_ = t.sender.Send(model.StderrEvent{Content: "Execution interrupted."})
			return

		case chunk, ok := <-chunks:
			if !ok {
				break loop
			}
			_ = t.sender.Send(model.StreamEvent{Content: string(chunk)})
			// Yield between chunks so control actions stay responsive.
			runtime.Gosched()
		}
	}

	select {
	case err := <-readErr:
		_ = t.sender.Send(model.StderrEvent{Content: fmt.Sprintf("Error reading execution output: %s", err)})
		return
	default:
	}

	exitCode, err := stream.ExitCode(ctx)
	if err != nil {
		if ctx.Err() != nil {
			t.interrupt()
			_ = t.sender.Send(model.StderrEvent{Content: "Execution interrupted."})
			return
		}
		_ = t.sender.Send(model.StderrEvent{Content: fmt.Sprintf("Could not inspect execution result: %s", err)})
		return
	}

	if exitCode == 0 {
		_ = t.sender.Send(model.StdoutEvent{Content: "Execution completed successfully (exit code 0)."})
	} else {
		_ = t.sender.Send(model.StderrEvent{Content: fmt.Sprintf("Execution failed (exit code %d).", exitCode)})
	}
}

// interrupt attempts a best-effort interrupt of the live execution. Failures
// are logged, the host not supporting it is not fatal.
func (t *executionTask) interrupt() {
	ctx, cancel := context.WithTimeout(context.Background(), interruptTimeout)
	defer cancel()

	if err := t.engine.Interrupt(ctx, t.kernelID); err != nil {
		t.logger.Warningf("Could not interrupt execution in kernel %s: %v", t.kernelID, err)
	}
}
