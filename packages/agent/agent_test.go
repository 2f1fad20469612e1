package agent

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gabaker/thorium/packages/models"
)

func TestBuildArgvRendersEachDiscipline(t *testing.T) {
	claim := models.ClaimToken{ReactionID: "r1", StageIdx: 2, Image: "clamav"}
	l := NewLayout(claim)
	args := models.ArgsConfig{
		JobID:          models.ArgDiscipline{Mode: models.ArgKwarg, Flag: "--job-id"},
		Results:        models.ArgDiscipline{Mode: models.ArgAppend},
		ResultFilesDir: models.ArgDiscipline{Mode: models.ArgNone},
		InputPath:      models.ArgDiscipline{Mode: models.ArgAppend},
	}

	argv := BuildArgv("/bin/clamav", args, claim, "/tmp/thorium/in/sample.bin", l)

	require.Equal(t, []string{
		"/bin/clamav",
		"/tmp/thorium/in/sample.bin",
		"--job-id", "r1/2/clamav",
		l.Results,
	}, argv)
}

func TestBuildArgvNoneIsOmitted(t *testing.T) {
	claim := models.ClaimToken{ReactionID: "r1", StageIdx: 0, Image: "yara"}
	l := NewLayout(claim)
	args := models.ArgsConfig{}

	argv := BuildArgv("/bin/yara", args, claim, "in.bin", l)

	assert.Equal(t, []string{"/bin/yara"}, argv)
}

type recordingReporter struct {
	successes []map[string][]string
	children  [][]ChildSample
	failures  []models.FailureReason
	sleeps    []models.WakePredicate
	sleepKids [][]ChildSample
}

func (r *recordingReporter) ReportSuccess(ctx context.Context, claim models.ClaimToken, tags map[string][]string, children []ChildSample) error {
	r.successes = append(r.successes, tags)
	r.children = append(r.children, children)
	return nil
}

func (r *recordingReporter) ReportFailure(ctx context.Context, claim models.ClaimToken, reason models.FailureReason, cause error) error {
	r.failures = append(r.failures, reason)
	return nil
}

func (r *recordingReporter) ReportSleep(ctx context.Context, claim models.ClaimToken, wake models.WakePredicate, tags map[string][]string, children []ChildSample) error {
	r.sleeps = append(r.sleeps, wake)
	r.sleepKids = append(r.sleepKids, children)
	return nil
}

func TestCollectTagsAndChildren(t *testing.T) {
	dir := t.TempDir()
	claim := models.ClaimToken{ReactionID: "r9", StageIdx: 0, Image: "echo-tool"}
	l := Layout{
		Root:        dir,
		Inputs:      filepath.Join(dir, "inputs"),
		Results:     filepath.Join(dir, "results"),
		ResultFiles: filepath.Join(dir, "result-files"),
		Children:    filepath.Join(dir, "children"),
		Tags:        filepath.Join(dir, "tags"),
		Logs:        filepath.Join(dir, "logs"),
	}
	require.NoError(t, l.Materialize())
	require.NoError(t, os.WriteFile(l.Tags, []byte(`{"malware_family": ["trojan"], "score": "7"}`), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(l.Children, "carved"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(l.Children, "carved", "a.bin"), []byte("x"), 0o644))

	reporter := &recordingReporter{}
	a := New(slog.New(slog.NewTextHandler(io.Discard, nil)), reporter)

	tags, err := a.collectTags(l)
	require.NoError(t, err)
	assert.Equal(t, []string{"trojan"}, tags["malware_family"])
	assert.Equal(t, []string{"7"}, tags["score"])

	children, err := a.collectChildren(l)
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, "carved", children[0].OriginKind)
}

func TestRunReportsSleepForGeneratorImage(t *testing.T) {
	claim := models.ClaimToken{ReactionID: "r-gen", StageIdx: 0, Image: "unpacker"}
	// Run always works in NewLayout(claim), so the children are staged there.
	l := NewLayout(claim)
	t.Cleanup(func() { _ = os.RemoveAll(l.Root) })
	require.NoError(t, l.Materialize())
	require.NoError(t, os.MkdirAll(filepath.Join(l.Children, "carved"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(l.Children, "carved", "a.bin"), []byte("x"), 0o644))

	reporter := &recordingReporter{}
	a := New(slog.New(slog.NewTextHandler(io.Discard, nil)), reporter)

	img := models.Image{
		Container: "/bin/true",
		Generator: true,
		Args:      models.ArgsConfig{InputPath: models.ArgDiscipline{Mode: models.ArgAppend}},
	}
	deadline := time.Now().Add(time.Second)

	err := a.Run(context.Background(), claim, img, "sample.bin", deadline)
	require.NoError(t, err)
	require.Empty(t, reporter.successes)
	require.Len(t, reporter.sleeps, 1)
	assert.True(t, reporter.sleeps[0].AllChildrenTerminal)
	require.Len(t, reporter.sleepKids, 1)
	assert.Len(t, reporter.sleepKids[0], 1)
}

func TestRunFailsClosedOnDeadlineExceeded(t *testing.T) {
	dir := t.TempDir()
	claim := models.ClaimToken{ReactionID: "r-slow", StageIdx: 0, Image: "sleeper"}
	l := Layout{
		Root: dir, Inputs: filepath.Join(dir, "inputs"), Results: filepath.Join(dir, "results"),
		ResultFiles: filepath.Join(dir, "result-files"), Children: filepath.Join(dir, "children"),
		Tags: filepath.Join(dir, "tags"), Logs: filepath.Join(dir, "logs"),
	}
	require.NoError(t, l.Materialize())

	reporter := &recordingReporter{}
	a := New(slog.New(slog.NewTextHandler(io.Discard, nil)), reporter)

	img := models.Image{
		Container: "/bin/sleep",
		Args:      models.ArgsConfig{InputPath: models.ArgDiscipline{Mode: models.ArgAppend}},
	}
	deadline := time.Now().Add(10 * time.Millisecond)

	err := a.Run(context.Background(), claim, img, "5", deadline)
	require.Error(t, err)
	require.Len(t, reporter.failures, 1)
	assert.Equal(t, models.FailureSLAExpired, reporter.failures[0])
}
