package channel

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/ovictorfarias/pegasus/internal/kernel"
	"github.com/ovictorfarias/pegasus/internal/kernel/kernelmock"
	"github.com/ovictorfarias/pegasus/internal/log"
	"github.com/ovictorfarias/pegasus/internal/model"
)

type recordingSender struct {
	mu     sync.Mutex
	events []model.Event
}

func (s *recordingSender) Send(e model.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func (s *recordingSender) Close(code int, reason string) error { return nil }

func (s *recordingSender) Events() []model.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Event{}, s.events...)
}

type fakeExecStream struct {
	out      io.Reader
	exitCode int
	exitErr  error
}

func (s *fakeExecStream) Output() io.Reader { return s.out }
func (s *fakeExecStream) ExitCode(ctx context.Context) (int, error) {
	return s.exitCode, s.exitErr
}
func (s *fakeExecStream) Close() error { return nil }

func TestExecutionTaskRun(t *testing.T) {
	tests := map[string]struct {
		code      string
		mock      func(m *kernelmock.MockEngine)
		expEvents []model.Event
	}{
		"A successful execution should stream the output, a success summary and a filesystem hint.": {
			code: "print(1+1)",
			mock: func(m *kernelmock.MockEngine) {
				stream := &fakeExecStream{out: strings.NewReader("2\n")}
				m.On("ExecStream", mock.Anything, "kernel-1", mock.Anything).Once().Return(stream, nil)
			},
			expEvents: []model.Event{
				model.StreamEvent{Content: "2\n"},
				model.StdoutEvent{Content: "Execution completed successfully (exit code 0)."},
				model.FilesystemUpdateEvent{Content: "Execution finished, refresh the workspace files."},
			},
		},

		"A failing execution should end with a stderr summary.": {
			code: "import sys; sys.exit(3)",
			mock: func(m *kernelmock.MockEngine) {
				stream := &fakeExecStream{out: strings.NewReader(""), exitCode: 3}
				m.On("ExecStream", mock.Anything, "kernel-1", mock.Anything).Once().Return(stream, nil)
			},
			expEvents: []model.Event{
				model.StderrEvent{Content: "Execution failed (exit code 3)."},
				model.FilesystemUpdateEvent{Content: "Execution finished, refresh the workspace files."},
			},
		},

		"Shell submissions should run through the shell translation.": {
			code: "!apt-get update\n!apt-get install -y curl",
			mock: func(m *kernelmock.MockEngine) {
				expCmd := []string{"/bin/sh", "-c", "export DEBIAN_FRONTEND=noninteractive; apt-get update && apt-get install -y curl"}
				stream := &fakeExecStream{out: strings.NewReader("done\n")}
				m.On("ExecStream", mock.Anything, "kernel-1", expCmd).Once().Return(stream, nil)
			},
			expEvents: []model.Event{
				model.StreamEvent{Content: "done\n"},
				model.StdoutEvent{Content: "Execution completed successfully (exit code 0)."},
				model.FilesystemUpdateEvent{Content: "Execution finished, refresh the workspace files."},
			},
		},

		"Failing to start the execution should surface on stderr.": {
			code: "print(1)",
			mock: func(m *kernelmock.MockEngine) {
				m.On("ExecStream", mock.Anything, "kernel-1", mock.Anything).Once().Return(nil, errors.New("something"))
			},
			expEvents: []model.Event{
				model.StderrEvent{Content: "Could not start execution: something"},
				model.FilesystemUpdateEvent{Content: "Execution finished, refresh the workspace files."},
			},
		},

		"Failing to inspect the execution result should surface on stderr.": {
			code: "print(1)",
			mock: func(m *kernelmock.MockEngine) {
				stream := &fakeExecStream{out: strings.NewReader(""), exitErr: errors.New("something")}
				m.On("ExecStream", mock.Anything, "kernel-1", mock.Anything).Once().Return(stream, nil)
			},
			expEvents: []model.Event{
				model.StderrEvent{Content: "Could not inspect execution result: something"},
				model.FilesystemUpdateEvent{Content: "Execution finished, refresh the workspace files."},
			},
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)

			me := &kernelmock.MockEngine{}
			test.mock(me)

			sender := &recordingSender{}
			task := &executionTask{
				engine:   me,
				kernelID: "kernel-1",
				sender:   sender,
				logger:   log.Noop,
			}
			task.run(context.Background(), test.code)

			assert.Equal(test.expEvents, sender.Events())
			me.AssertExpectations(t)
		})
	}
}

func TestExecutionTaskRunCancellation(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	// An output pipe that never ends simulates a long running execution.
	pr, pw := io.Pipe()
	defer pw.Close()

	me := &kernelmock.MockEngine{}
	me.On("ExecStream", mock.Anything, "kernel-1", mock.Anything).Once().Return(kernel.ExecStream(&fakeExecStream{out: pr}), nil)
	me.On("Interrupt", mock.Anything, "kernel-1").Once().Return(nil)

	sender := &recordingSender{}
	task := &executionTask{
		engine:   me,
		kernelID: "kernel-1",
		sender:   sender,
		logger:   log.Noop,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		task.run(ctx, "while True: pass")
	}()

	_, err := pw.Write([]byte("tick"))
	require.NoError(err)
	require.Eventually(func() bool {
		return len(sender.Events()) > 0
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		require.FailNow("execution task did not stop after cancellation")
	}

	events := sender.Events()
	require.GreaterOrEqual(len(events), 3)
	assert.Equal(model.StreamEvent{Content: "tick"}, events[0])
	assert.Equal(model.StderrEvent{Content: "Execution interrupted."}, events[len(events)-2])
	assert.Equal(model.FilesystemUpdateEvent{Content: "Execution finished, refresh the workspace files."}, events[len(events)-1])
	me.AssertExpectations(t)
}
