// Package agent implements the in-pod executor (§4.7): it claims a stage,
// stages inputs under the fixed working-tree layout (§6), launches the
// tool binary with the image's declared argument discipline, captures
// results/children/tags under a wall-clock cap, and reports a terminal
// status back to the scheduler.
package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gabaker/thorium/packages/code"
	"github.com/gabaker/thorium/packages/models"
)

// Root is the fixed per-job working tree root, bit-stable per §6.
const Root = "/tmp/thorium"

// Layout is one job's materialized working tree paths.
type Layout struct {
	Root        string
	Inputs      string
	Results     string
	ResultFiles string
	Children    string
	Tags        string
	Logs        string
}

// NewLayout builds the fixed §6 directory layout rooted at Root, one
// level per claim so concurrent agents on the same host never collide.
func NewLayout(claim models.ClaimToken) Layout {
	root := filepath.Join(Root, fmt.Sprintf("%s-%d-%s", claim.ReactionID, claim.StageIdx, claim.Image))
	return Layout{
		Root:        root,
		Inputs:      filepath.Join(root, "inputs"),
		Results:     filepath.Join(root, "results"),
		ResultFiles: filepath.Join(root, "result-files"),
		Children:    filepath.Join(root, "children"),
		Tags:        filepath.Join(root, "tags"),
		Logs:        filepath.Join(root, "logs"),
	}
}

// Materialize creates the three directories of the tool contract (§6):
// inputs/, result-files/ and children/. results, tags and logs are plain
// files at the layout's root and are not created here.
func (l Layout) Materialize() error {
	for _, dir := range []string{l.Inputs, l.ResultFiles, l.Children} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("materialize working tree: %w", err)
		}
	}
	return nil
}

// Reporter is the narrow interface the Agent uses to post terminal status
// back to the scheduler; implemented by whatever collaborator API client
// the binary is wired with.
type Reporter interface {
	ReportSuccess(ctx context.Context, claim models.ClaimToken, tags map[string][]string, children []ChildSample) error
	ReportFailure(ctx context.Context, claim models.ClaimToken, reason models.FailureReason, cause error) error
	ReportSleep(ctx context.Context, claim models.ClaimToken, wake models.WakePredicate, tags map[string][]string, children []ChildSample) error
}

// ChildSample is one entry materialized under children/<origin-kind>/...,
// registered as a new sample with origin metadata (§4.7 step 5).
type ChildSample struct {
	OriginKind string
	Path       string
}

// Agent runs a single worker's lifecycle: one claim, one tool invocation,
// one terminal report. It is single-shot by design (§5: "mostly
// sequential, one child process under watch").
type Agent struct {
	logger   *slog.Logger
	reporter Reporter
}

// New constructs an Agent.
func New(logger *slog.Logger, reporter Reporter) *Agent {
	return &Agent{logger: logger, reporter: reporter}
}

// Run executes the full §4.7 lifecycle for one claimed image within one
// stage: stage inputs, build argv, exec under the deadline, collect
// outputs, and report. input is the path to the already-fetched sample
// the tool should consume; deadline is min(image.timeout, remaining SLA)
// per §5.
func (a *Agent) Run(ctx context.Context, claim models.ClaimToken, img models.Image, input string, deadline time.Time) error {
	layout := NewLayout(claim)
	if err := layout.Materialize(); err != nil {
		return a.fail(ctx, claim, models.FailureToolFailure, err)
	}

	argv := BuildArgv(img.Container, img.Args, claim, input, layout)

	runCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	exitCode, runErr := a.exec(runCtx, argv, layout)
	if runCtx.Err() == context.DeadlineExceeded {
		a.cleanup(ctx, claim, img, layout)
		return a.fail(ctx, claim, models.FailureSLAExpired, fmt.Errorf("tool exceeded wall-clock cap"))
	}
	if ctx.Err() != nil {
		// Outer cancellation (reaction-level cancel): run cleanup then
		// always report a terminal status (§4.7 cleanup clause).
		a.cleanup(ctx, claim, img, layout)
		return a.fail(ctx, claim, models.FailureWorkerLost, fmt.Errorf("cancelled: %w", ctx.Err()))
	}
	if runErr != nil {
		kind, retryable := code.ExitCodeKind(exitCode)
		a.logger.Warn("tool exited non-zero",
			slog.Int("exit_code", exitCode), slog.String("kind", string(kind)), slog.Bool("retryable", retryable))
		return a.fail(ctx, claim, models.FailureToolFailure, runErr)
	}

	tags, err := a.collectTags(layout)
	if err != nil {
		return a.fail(ctx, claim, models.FailureBadOutput, err)
	}
	children, err := a.collectChildren(layout)
	if err != nil {
		return a.fail(ctx, claim, models.FailureBadOutput, err)
	}

	// A generator image's run produces children to expand into sub-reactions
	// rather than a direct result, so it reports Sleep with those children
	// and an all-children-terminal wake predicate instead of Completed
	// (§4.4 "Generators", §4.7 step 5).
	if img.Generator {
		wake := models.WakePredicate{AllChildrenTerminal: true, Deadline: deadline}
		if err := a.reporter.ReportSleep(ctx, claim, wake, tags, children); err != nil {
			a.logger.Error("report sleep failed", slog.Any("error", err))
			return err
		}
		return nil
	}

	if err := a.reporter.ReportSuccess(ctx, claim, tags, children); err != nil {
		a.logger.Error("report success failed", slog.Any("error", err))
		return err
	}
	return nil
}

func (a *Agent) fail(ctx context.Context, claim models.ClaimToken, reason models.FailureReason, cause error) error {
	if err := a.reporter.ReportFailure(ctx, claim, reason, cause); err != nil {
		a.logger.Error("report failure failed", slog.Any("error", err))
	}
	return cause
}

// BuildArgv assembles argv per §4.7 step 3 and §6's argument discipline:
// the binary path and input path first, then job id / results / result
// files dir each rendered per the image's declared ArgDiscipline.
func BuildArgv(bin string, args models.ArgsConfig, claim models.ClaimToken, input string, l Layout) []string {
	argv := []string{bin}
	argv = append(argv, renderArg(args.InputPath, input)...)
	argv = append(argv, renderArg(args.JobID, fmt.Sprintf("%s/%d/%s", claim.ReactionID, claim.StageIdx, claim.Image))...)
	argv = append(argv, renderArg(args.Results, l.Results)...)
	argv = append(argv, renderArg(args.ResultFilesDir, l.ResultFiles)...)
	return argv
}

func renderArg(d models.ArgDiscipline, value string) []string {
	switch d.Mode {
	case models.ArgNone:
		return nil
	case models.ArgAppend:
		return []string{value}
	case models.ArgKwarg:
		return []string{d.Flag, value}
	default:
		return nil
	}
}

// exec launches argv and waits for it to exit, while the stdout drain,
// the stderr drain and the heartbeat loop each run as their own errgroup
// task so a slow log drain never delays the heartbeat (§5: "a dedicated
// task for stdout/stderr and another for heartbeat").
func (a *Agent) exec(ctx context.Context, argv []string, l Layout) (exitCode int, err error) {
	if len(argv) == 0 {
		return -1, fmt.Errorf("empty argv")
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	applyResourceLimits(cmd)

	logFile, err := os.Create(l.Logs)
	if err != nil {
		return -1, fmt.Errorf("open log file: %w", err)
	}
	defer logFile.Close()

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return -1, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return -1, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return -1, fmt.Errorf("start tool: %w", err)
	}

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()

	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error { return drainLog(stdout, logFile) })
	g.Go(func() error { return drainLog(stderr, logFile) })
	g.Go(func() error { return a.heartbeat(hbCtx) })

	waitErr := cmd.Wait()
	stopHeartbeat()
	_ = g.Wait()

	if waitErr != nil {
		var exitErr *exec.ExitError
		if ok := asExitError(waitErr, &exitErr); ok {
			return exitErr.ExitCode(), waitErr
		}
		return -1, waitErr
	}
	return 0, nil
}

func asExitError(err error, target **exec.ExitError) bool {
	ee, ok := err.(*exec.ExitError)
	if ok {
		*target = ee
	}
	return ok
}

func drainLog(r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		fmt.Fprintln(w, scanner.Text())
	}
	return scanner.Err()
}

// heartbeat runs for the lifetime of a tool invocation, ticking until its
// context is cancelled, which exec does once the tool process exits. Each
// tick only writes a debug log line; nothing is sent to the scheduler, and
// Reporter has no heartbeat method.
func (a *Agent) heartbeat(ctx context.Context) error {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			a.logger.Debug("agent heartbeat")
		}
	}
}

// collectTags parses tags (§4.7 step 5) as a JSON object of key to
// value(s); a missing file is not an error, an empty tag set is valid.
func (a *Agent) collectTags(l Layout) (map[string][]string, error) {
	data, err := os.ReadFile(l.Tags)
	if os.IsNotExist(err) {
		return map[string][]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read tags: %w", err)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("tags is not a JSON object: %w", err)
	}
	out := make(map[string][]string, len(raw))
	for k, v := range raw {
		var list []string
		if err := json.Unmarshal(v, &list); err == nil {
			out[k] = list
			continue
		}
		var single string
		if err := json.Unmarshal(v, &single); err != nil {
			return nil, fmt.Errorf("tag %q value is neither a string nor a string list", k)
		}
		out[k] = []string{single}
	}
	return out, nil
}

// collectChildren walks children/<origin-kind>/... and registers each
// entry found with its origin-kind metadata (§4.7 step 5).
func (a *Agent) collectChildren(l Layout) ([]ChildSample, error) {
	var out []ChildSample
	entries, err := os.ReadDir(l.Children)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read children dir: %w", err)
	}
	for _, originDir := range entries {
		if !originDir.IsDir() {
			continue
		}
		origin := originDir.Name()
		sub := filepath.Join(l.Children, origin)
		err := filepath.WalkDir(sub, func(path string, d os.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return err
			}
			out = append(out, ChildSample{OriginKind: origin, Path: path})
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("walk children/%s: %w", origin, err)
		}
	}
	return out, nil
}

// cleanup invokes the image's declared cleanup script, if any, under the
// same argument discipline used for the main invocation (§4.7 "Cleanup").
// Failures are logged, not propagated: a cleanup failure must not prevent
// the terminal status from being sent.
func (a *Agent) cleanup(ctx context.Context, claim models.ClaimToken, img models.Image, l Layout) {
	if img.Cleanup == nil {
		return
	}
	argv := BuildArgv(img.Cleanup.Script, img.Cleanup.Args, claim, "", l)
	cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	cmd := exec.CommandContext(cleanupCtx, argv[0], argv[1:]...)
	if err := cmd.Run(); err != nil {
		a.logger.Warn("cleanup script failed", slog.String("script", img.Cleanup.Script), slog.Any("error", err))
	}
}
