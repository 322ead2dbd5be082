package runner_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"

	"github.com/elkir0/homenichat-serv/watchdog/runner"
)

func newTestRunner() (*runner.Shell, *test.Hook) {
	logger, hook := test.NewNullLogger()
	return runner.New(logger), hook
}

func TestRunReturnsTrimmedOutputOnSuccess(t *testing.T) {
	r, _ := newTestRunner()
	out := r.Run(context.Background(), "echo hello", time.Second)
	assert.Equal(t, "hello", out)
}

func TestRunTagsNonZeroExit(t *testing.T) {
	r, _ := newTestRunner()
	out := r.Run(context.Background(), "exit 1", time.Second)
	assert.True(t, strings.HasPrefix(out, "Error: "), "got %q", out)
}

func TestRunTagsTimeout(t *testing.T) {
	r, _ := newTestRunner()
	out := r.Run(context.Background(), "sleep 1", 10*time.Millisecond)
	assert.True(t, strings.HasPrefix(out, "Error: Command timed out after"), "got %q", out)
}

func TestSendATDirectTagsOpenFailure(t *testing.T) {
	r, _ := newTestRunner()
	out := r.SendATDirect("/dev/does-not-exist", "AT", 100*time.Millisecond)
	assert.True(t, strings.HasPrefix(out, "Error: "), "got %q", out)
}
