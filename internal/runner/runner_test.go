package runner

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/dioptra/internal/log"
	"github.com/mattjoyce/dioptra/internal/plugin"
	"github.com/mattjoyce/dioptra/internal/protocol"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR") // Suppress logs in tests
	os.Exit(m.Run())
}

var testPath = plugin.MustParseModulePath("dioptra_custom.noise.gaussian")

func writeTask(t *testing.T, name, script string, params ...plugin.ParamType) plugin.TaskSpec {
	t.Helper()
	entrypoint := filepath.Join(t.TempDir(), name+".sh")
	require.NoError(t, os.WriteFile(entrypoint, []byte(script), 0755))

	spec := plugin.TaskSpec{Name: name, Entrypoint: entrypoint}
	for _, p := range params {
		spec.Params = append(spec.Params, plugin.Param{Type: p})
	}
	return spec
}

func TestInvokeEchoesRequest(t *testing.T) {
	task := writeTask(t, "echo", `#!/bin/sh
input=$(cat)
printf '{"status":"ok","outputs":[%s, 2],"logs":[{"level":"debug","message":"hi"}]}' "$input"
`, plugin.ParamString, plugin.ParamFloat)

	inv, err := New(0).Invoker(testPath, task)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(inv.Identity(), IdentityPrefix))

	ctx := protocol.WithInvocationID(context.Background(), "inv-1")
	out, err := inv.Invoke(ctx, []any{"mnist", 0.5})
	require.NoError(t, err)
	require.Len(t, out, 2)

	req, ok := out[0].(map[string]any)
	require.True(t, ok, "first output is the echoed request, got %T", out[0])
	assert.Equal(t, "inv-1", req["invocation_id"])
	assert.Equal(t, "dioptra_custom.noise.gaussian", req["module"])
	assert.Equal(t, "echo", req["task"])
	assert.Equal(t, []any{"mnist", 0.5}, req["args"])
	assert.Equal(t, float64(2), out[1])
}

func TestInvokeArity(t *testing.T) {
	task := writeTask(t, "two", "#!/bin/sh\ncat >/dev/null\necho '{\"status\":\"ok\"}'\n", plugin.ParamInt, plugin.ParamInt)
	inv, err := New(0).Invoker(testPath, task)
	require.NoError(t, err)

	_, err = inv.Invoke(context.Background(), []any{1})
	assert.ErrorIs(t, err, plugin.ErrInvalidArguments)

	out, err := inv.Invoke(context.Background(), []any{1, 2})
	require.NoError(t, err)
	assert.Equal(t, []any{}, out)
}

func TestInvokeTaskError(t *testing.T) {
	task := writeTask(t, "fail", `#!/bin/sh
cat >/dev/null
echo "diagnostic" >&2
echo '{"status":"error","error":"estimator not fitted"}'
exit 1
`)
	inv, err := New(0).Invoker(testPath, task)
	require.NoError(t, err)

	_, err = inv.Invoke(context.Background(), nil)
	require.Error(t, err)
	var taskErr *TaskError
	require.ErrorAs(t, err, &taskErr)
	assert.Equal(t, "estimator not fitted", taskErr.Message)
	assert.Contains(t, taskErr.Stderr, "diagnostic")
}

func TestInvokeBadOutput(t *testing.T) {
	tests := []struct {
		name   string
		script string
	}{
		{name: "no output", script: "#!/bin/sh\ncat >/dev/null\n"},
		{name: "not json", script: "#!/bin/sh\ncat >/dev/null\necho hello\n"},
		{name: "bad status", script: "#!/bin/sh\ncat >/dev/null\necho '{\"status\":\"maybe\"}'\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inv, err := New(0).Invoker(testPath, writeTask(t, "bad", tt.script))
			require.NoError(t, err)
			_, err = inv.Invoke(context.Background(), nil)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "decode response")
		})
	}
}

func TestInvokeTimeout(t *testing.T) {
	task := writeTask(t, "slow", "#!/bin/sh\nexec sleep 30\n")
	task.Timeout = 200 * time.Millisecond

	r := New(0)
	r.GracePeriod = 200 * time.Millisecond
	inv, err := r.Invoker(testPath, task)
	require.NoError(t, err)

	start := time.Now()
	_, err = inv.Invoke(context.Background(), nil)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestInvokeIgnoresSIGTERMThenKilled(t *testing.T) {
	task := writeTask(t, "stubborn", "#!/bin/sh\ntrap '' TERM\nwhile :; do sleep 0.05; done\n")
	task.Timeout = 100 * time.Millisecond

	r := New(0)
	r.GracePeriod = 100 * time.Millisecond
	inv, err := r.Invoker(testPath, task)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := inv.Invoke(context.Background(), nil)
		done <- err
	}()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrTimeout)
	case <-time.After(15 * time.Second):
		t.Fatal("task was not killed")
	}
}

func TestInvokeCancelled(t *testing.T) {
	task := writeTask(t, "slow", "#!/bin/sh\nexec sleep 30\n")
	r := New(time.Minute)
	r.GracePeriod = 200 * time.Millisecond
	inv, err := r.Invoker(testPath, task)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	_, err = inv.Invoke(ctx, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, errors.Is(err, ErrTimeout))
}

func TestIdentityTracksContent(t *testing.T) {
	task := writeTask(t, "id", "#!/bin/sh\necho one\n")
	r := New(0)

	a, err := r.Invoker(testPath, task)
	require.NoError(t, err)
	b, err := r.Invoker(testPath, task)
	require.NoError(t, err)
	assert.Equal(t, a.Identity(), b.Identity())

	require.NoError(t, os.WriteFile(task.Entrypoint, []byte("#!/bin/sh\necho two\n"), 0755))
	c, err := r.Invoker(testPath, task)
	require.NoError(t, err)
	assert.NotEqual(t, a.Identity(), c.Identity())

	_, err = r.Invoker(testPath, plugin.TaskSpec{Name: "missing", Entrypoint: "/nonexistent/run.sh"})
	assert.Error(t, err)
}

func TestTruncateStderr(t *testing.T) {
	long := strings.Repeat("x", maxStderrBytes+10)
	assert.Len(t, truncateStderr(long), maxStderrBytes)
	assert.Equal(t, "short", truncateStderr("short"))
}
