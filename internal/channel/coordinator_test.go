package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/ovictorfarias/pegasus/internal/kernel"
	"github.com/ovictorfarias/pegasus/internal/kernel/kernelmock"
	"github.com/ovictorfarias/pegasus/internal/model"
	"github.com/ovictorfarias/pegasus/internal/session"
	"github.com/ovictorfarias/pegasus/internal/storage/memory"
)

type staticVerifier map[string]string

func (v staticVerifier) Verify(token string) (string, error) {
	identity, ok := v[token]
	if !ok {
		return "", fmt.Errorf("unknown token")
	}
	return identity, nil
}

func testKernel(id, identity string) *model.Kernel {
	return &model.Kernel{
		ID:          id,
		Identity:    identity,
		ContainerID: id,
		Tier:        model.TierBaseline,
		Status:      model.KernelStatusRunning,
		Config: model.KernelConfig{
			Image:             "python:3.11-slim",
			HostWorkspacePath: "/srv/workspaces/" + identity,
			MountPath:         "/data",
		},
	}
}

// newTestChannel spins up a coordinator over a real websocket server and a
// real registry, with only the kernel engine mocked.
func newTestChannel(t *testing.T, me *kernelmock.MockEngine) (*websocket.Conn, *memory.Repository) {
	t.Helper()

	// Telemetry stays quiet so event order is deterministic.
	me.On("DiskUsage", mock.Anything, mock.Anything, mock.Anything).Maybe().Return(nil, errors.New("no telemetry"))
	me.On("Stats", mock.Anything, mock.Anything).Maybe().Return(nil, errors.New("no telemetry"))

	repo, err := memory.NewRepository(memory.RepositoryConfig{})
	require.NoError(t, err)

	registry, err := session.NewRegistry(session.RegistryConfig{
		Engine:     me,
		Repository: repo,
		KernelConfig: model.KernelConfig{
			Image:             "python:3.11-slim",
			HostWorkspacePath: "/srv/workspaces",
			MountPath:         "/data",
		},
	})
	require.NoError(t, err)

	coordinator, err := NewCoordinator(CoordinatorConfig{
		Verifier:          staticVerifier{"good-token": "user1"},
		Registry:          registry,
		Engine:            me,
		TelemetryInterval: time.Minute,
	})
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(coordinator.Handle))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?token=good-token"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return conn, repo
}

type recvEvent struct {
	Type    model.EventType `json:"type"`
	Content json.RawMessage `json:"content"`
}

func readEvent(t *testing.T, conn *websocket.Conn) recvEvent {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var ev recvEvent
	require.NoError(t, json.Unmarshal(data, &ev))
	return ev
}

func readTextEvent(t *testing.T, conn *websocket.Conn) (model.EventType, string) {
	t.Helper()

	ev := readEvent(t, conn)
	var content string
	require.NoError(t, json.Unmarshal(ev.Content, &content))
	return ev.Type, content
}

func requireReleased(t *testing.T, repo *memory.Repository) {
	t.Helper()

	require.Eventually(t, func() bool {
		_, err := repo.GetKernelByIdentity(context.Background(), "user1")
		return errors.Is(err, model.ErrNotFound)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCoordinatorAuthFailure(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	me := &kernelmock.MockEngine{}
	repo, err := memory.NewRepository(memory.RepositoryConfig{})
	require.NoError(err)
	registry, err := session.NewRegistry(session.RegistryConfig{
		Engine:     me,
		Repository: repo,
		KernelConfig: model.KernelConfig{
			Image:             "python:3.11-slim",
			HostWorkspacePath: "/srv/workspaces",
			MountPath:         "/data",
		},
	})
	require.NoError(err)
	coordinator, err := NewCoordinator(CoordinatorConfig{
		Verifier: staticVerifier{"good-token": "user1"},
		Registry: registry,
		Engine:   me,
	})
	require.NoError(err)

	srv := httptest.NewServer(http.HandlerFunc(coordinator.Handle))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?token=bad-token"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(err)
	defer conn.Close()

	require.NoError(conn.SetReadDeadline(time.Now().Add(2 * time.Second)))
	_, _, err = conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(err, &closeErr)
	assert.Equal(websocket.ClosePolicyViolation, closeErr.Code)

	// No kernel was ever bound.
	me.AssertNotCalled(t, "Create", mock.Anything, mock.Anything, mock.Anything)
}

func TestCoordinatorExecuteFlow(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	me := &kernelmock.MockEngine{}
	me.On("Create", mock.Anything, "user1", mock.Anything).Once().Return(testKernel("k1", "user1"), nil)
	stream := &fakeExecStream{out: strings.NewReader("2\n")}
	me.On("ExecStream", mock.Anything, "k1", mock.Anything).Once().Return(kernel.ExecStream(stream), nil)
	me.On("Stop", mock.Anything, "k1").Once().Return(nil)
	me.On("Remove", mock.Anything, "k1").Once().Return(nil)

	conn, repo := newTestChannel(t, me)

	evType, content := readTextEvent(t, conn)
	assert.Equal(model.EventTypeStatus, evType)
	assert.Equal("Kernel ready (tier: baseline).", content)

	require.NoError(conn.WriteJSON(ClientMessage{Action: ActionExecute, Code: "print(1+1)"}))

	evType, content = readTextEvent(t, conn)
	assert.Equal(model.EventTypeStream, evType)
	assert.Equal("2\n", content)

	evType, content = readTextEvent(t, conn)
	assert.Equal(model.EventTypeStdout, evType)
	assert.Equal("Execution completed successfully (exit code 0).", content)

	evType, _ = readTextEvent(t, conn)
	assert.Equal(model.EventTypeFilesystemUpdate, evType)

	// Disconnecting tears the kernel down.
	conn.Close()
	requireReleased(t, repo)
	me.AssertExpectations(t)
}

func TestCoordinatorShellExecution(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	me := &kernelmock.MockEngine{}
	me.On("Create", mock.Anything, "user1", mock.Anything).Once().Return(testKernel("k1", "user1"), nil)
	stream := &fakeExecStream{out: strings.NewReader("hi\nbye\n")}
	me.On("ExecStream", mock.Anything, "k1", mock.MatchedBy(func(command []string) bool {
		return len(command) == 3 && strings.Contains(command[2], "echo hi && echo bye")
	})).Once().Return(kernel.ExecStream(stream), nil)
	me.On("Stop", mock.Anything, "k1").Return(nil)
	me.On("Remove", mock.Anything, "k1").Return(nil)

	conn, repo := newTestChannel(t, me)

	evType, _ := readTextEvent(t, conn)
	assert.Equal(model.EventTypeStatus, evType)

	require.NoError(conn.WriteJSON(ClientMessage{Action: ActionExecute, Code: "!echo hi\n!echo bye"}))

	evType, content := readTextEvent(t, conn)
	assert.Equal(model.EventTypeStream, evType)
	assert.Equal("hi\nbye\n", content)

	evType, content = readTextEvent(t, conn)
	assert.Equal(model.EventTypeStdout, evType)
	assert.Equal("Execution completed successfully (exit code 0).", content)

	conn.Close()
	requireReleased(t, repo)
	me.AssertExpectations(t)
}

func TestCoordinatorBusyRejection(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	pr, pw := io.Pipe()
	defer pw.Close()

	me := &kernelmock.MockEngine{}
	me.On("Create", mock.Anything, "user1", mock.Anything).Once().Return(testKernel("k1", "user1"), nil)
	me.On("ExecStream", mock.Anything, "k1", mock.Anything).Once().Return(kernel.ExecStream(&fakeExecStream{out: pr}), nil)
	me.On("Interrupt", mock.Anything, "k1").Return(nil)
	me.On("Stop", mock.Anything, "k1").Return(nil)
	me.On("Remove", mock.Anything, "k1").Return(nil)

	conn, repo := newTestChannel(t, me)

	evType, _ := readTextEvent(t, conn)
	assert.Equal(model.EventTypeStatus, evType)

	require.NoError(conn.WriteJSON(ClientMessage{Action: ActionExecute, Code: "while True: pass"}))
	require.NoError(conn.WriteJSON(ClientMessage{Action: ActionExecute, Code: "print(1)"}))

	evType, content := readTextEvent(t, conn)
	assert.Equal(model.EventTypeStderr, evType)
	assert.Equal("An execution is already in progress, stop it before submitting more code.", content)

	// Stopping cancels the running execution.
	require.NoError(conn.WriteJSON(ClientMessage{Action: ActionStopExecution}))

	evType, content = readTextEvent(t, conn)
	assert.Equal(model.EventTypeStderr, evType)
	assert.Equal("Execution interrupted.", content)

	evType, _ = readTextEvent(t, conn)
	assert.Equal(model.EventTypeFilesystemUpdate, evType)

	conn.Close()
	requireReleased(t, repo)
}

func TestCoordinatorStopWhileIdle(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	me := &kernelmock.MockEngine{}
	me.On("Create", mock.Anything, "user1", mock.Anything).Once().Return(testKernel("k1", "user1"), nil)
	me.On("Stop", mock.Anything, "k1").Return(nil)
	me.On("Remove", mock.Anything, "k1").Return(nil)

	conn, repo := newTestChannel(t, me)

	evType, _ := readTextEvent(t, conn)
	assert.Equal(model.EventTypeStatus, evType)

	require.NoError(conn.WriteJSON(ClientMessage{Action: ActionStopExecution}))

	evType, content := readTextEvent(t, conn)
	assert.Equal(model.EventTypeStatus, evType)
	assert.Equal("No execution in progress, nothing to stop.", content)

	conn.Close()
	requireReleased(t, repo)
}

func TestCoordinatorRestart(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	me := &kernelmock.MockEngine{}
	me.On("Create", mock.Anything, "user1", mock.Anything).Once().Return(testKernel("k1", "user1"), nil)
	me.On("Stop", mock.Anything, "k1").Once().Return(nil)
	me.On("Remove", mock.Anything, "k1").Once().Return(nil)

	conn, repo := newTestChannel(t, me)

	evType, _ := readTextEvent(t, conn)
	assert.Equal(model.EventTypeStatus, evType)

	require.NoError(conn.WriteJSON(ClientMessage{Action: ActionRestartKernel}))

	evType, content := readTextEvent(t, conn)
	assert.Equal(model.EventTypeStatus, evType)
	assert.Equal("Kernel is restarting.", content)

	require.NoError(conn.SetReadDeadline(time.Now().Add(2 * time.Second)))
	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(err, &closeErr)
	assert.Equal(websocket.CloseNormalClosure, closeErr.Code)
	assert.Equal("restarting", closeErr.Text)

	requireReleased(t, repo)
	me.AssertExpectations(t)
}

func TestCoordinatorReprovisionUnhealthy(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	me := &kernelmock.MockEngine{}
	me.On("DiskUsage", mock.Anything, mock.Anything, mock.Anything).Maybe().Return(nil, errors.New("no telemetry"))
	me.On("Stats", mock.Anything, mock.Anything).Maybe().Return(nil, errors.New("no telemetry"))
	me.On("Status", mock.Anything, "old").Once().Return(&model.Kernel{
		ID:     "old",
		Status: model.KernelStatusStopped,
	}, nil)
	me.On("Stop", mock.Anything, "old").Once().Return(nil)
	me.On("Remove", mock.Anything, "old").Once().Return(nil)
	me.On("Create", mock.Anything, "user1", mock.Anything).Once().Return(testKernel("k2", "user1"), nil)
	me.On("Stop", mock.Anything, "k2").Return(nil)
	me.On("Remove", mock.Anything, "k2").Return(nil)

	repo, err := memory.NewRepository(memory.RepositoryConfig{})
	require.NoError(err)
	// A stale record from a previous run makes the bind go through the
	// health check first.
	require.NoError(repo.CreateKernel(context.Background(), *testKernel("old", "user1")))

	registry, err := session.NewRegistry(session.RegistryConfig{
		Engine:     me,
		Repository: repo,
		KernelConfig: model.KernelConfig{
			Image:             "python:3.11-slim",
			HostWorkspacePath: "/srv/workspaces",
			MountPath:         "/data",
		},
	})
	require.NoError(err)

	coordinator, err := NewCoordinator(CoordinatorConfig{
		Verifier:          staticVerifier{"good-token": "user1"},
		Registry:          registry,
		Engine:            me,
		TelemetryInterval: time.Minute,
	})
	require.NoError(err)

	srv := httptest.NewServer(http.HandlerFunc(coordinator.Handle))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?token=good-token"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(err)
	defer conn.Close()

	evType, content := readTextEvent(t, conn)
	assert.Equal(model.EventTypeStatus, evType)
	assert.Equal("Previous kernel was unhealthy, a fresh one has been provisioned.", content)

	evType, content = readTextEvent(t, conn)
	assert.Equal(model.EventTypeStatus, evType)
	assert.Equal("Kernel ready (tier: baseline).", content)

	conn.Close()
	me.AssertExpectations(t)
}
