// Command agent runs the in-pod executor for a single claimed image
// (§4.7): it is the process a spawned worker actually runs, reporting its
// terminal status back to the scaler over HTTP.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/gabaker/thorium/packages/agent"
	"github.com/gabaker/thorium/packages/models"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		reactionID       string
		stageIdx         int
		imageName        string
		manifestPath     string
		inputPath        string
		reportURL        string
		timeout          time.Duration
		reactionDeadline string
	)

	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Execute one claimed image under the Thorium agent contract",
		RunE: func(cmd *cobra.Command, args []string) error {
			claim := models.ClaimToken{ReactionID: reactionID, StageIdx: stageIdx, Image: imageName}

			data, err := os.ReadFile(manifestPath)
			if err != nil {
				return fmt.Errorf("read image manifest: %w", err)
			}
			var img models.Image
			if err := json.Unmarshal(data, &img); err != nil {
				return fmt.Errorf("decode image manifest: %w", err)
			}

			logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
			reporter := &httpReporter{url: reportURL, client: &http.Client{Timeout: 10 * time.Second}}
			a := agent.New(logger, reporter)

			deadline, err := computeDeadline(time.Now(), img, timeout, reactionDeadline)
			if err != nil {
				return err
			}
			return a.Run(context.Background(), claim, img, inputPath, deadline)
		},
	}

	cmd.Flags().StringVar(&reactionID, "reaction-id", "", "owning reaction id")
	cmd.Flags().IntVar(&stageIdx, "stage-idx", 0, "stage index within the reaction")
	cmd.Flags().StringVar(&imageName, "image", "", "image name within the stage")
	cmd.Flags().StringVar(&manifestPath, "image-manifest", "", "path to the resolved image JSON manifest")
	cmd.Flags().StringVar(&inputPath, "input", "", "path to the staged sample input")
	cmd.Flags().StringVar(&reportURL, "report-url", "http://localhost:8080/agent/report", "scaler endpoint reports are POSTed to")
	cmd.Flags().DurationVar(&timeout, "timeout", 15*time.Minute, "wall-clock cap for this claim")
	cmd.Flags().StringVar(&reactionDeadline, "reaction-deadline", "", "RFC3339 reaction SLA deadline; the tighter of this and --timeout wins")
	_ = cmd.MarkFlagRequired("reaction-id")
	_ = cmd.MarkFlagRequired("image")
	_ = cmd.MarkFlagRequired("image-manifest")

	return cmd
}

// computeDeadline picks the tighter of the image's own declared timeout and
// the reaction's remaining SLA, falling back to --timeout when neither
// narrows it (§5: "min(image.timeout, remaining SLA)").
func computeDeadline(now time.Time, img models.Image, timeout time.Duration, reactionDeadline string) (time.Time, error) {
	deadline := now.Add(timeout)
	if img.TimeoutSeconds > 0 {
		if d := now.Add(time.Duration(img.TimeoutSeconds) * time.Second); d.Before(deadline) {
			deadline = d
		}
	}
	if reactionDeadline != "" {
		parsed, err := time.Parse(time.RFC3339, reactionDeadline)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse --reaction-deadline: %w", err)
		}
		if parsed.Before(deadline) {
			deadline = parsed
		}
	}
	return deadline, nil
}

// reportEnvelope is the wire shape POSTed to the scaler on a terminal
// outcome, since the agent-to-scaler transport itself is a collaborator
// concern at the network level; only the client side lives here.
type reportEnvelope struct {
	Claim    models.ClaimToken      `json:"claim"`
	Outcome  string                 `json:"outcome"`
	Reason   models.FailureReason   `json:"reason,omitempty"`
	Error    string                 `json:"error,omitempty"`
	Tags     map[string][]string    `json:"tags,omitempty"`
	Children []agent.ChildSample    `json:"children,omitempty"`
	Wake     *models.WakePredicate  `json:"wake,omitempty"`
}

type httpReporter struct {
	url    string
	client *http.Client
}

func (r *httpReporter) post(ctx context.Context, env reportEnvelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build report request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("send report: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("report rejected with status %d", resp.StatusCode)
	}
	return nil
}

func (r *httpReporter) ReportSuccess(ctx context.Context, claim models.ClaimToken, tags map[string][]string, children []agent.ChildSample) error {
	return r.post(ctx, reportEnvelope{Claim: claim, Outcome: "success", Tags: tags, Children: children})
}

func (r *httpReporter) ReportFailure(ctx context.Context, claim models.ClaimToken, reason models.FailureReason, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return r.post(ctx, reportEnvelope{Claim: claim, Outcome: "failure", Reason: reason, Error: msg})
}

func (r *httpReporter) ReportSleep(ctx context.Context, claim models.ClaimToken, wake models.WakePredicate, tags map[string][]string, children []agent.ChildSample) error {
	return r.post(ctx, reportEnvelope{Claim: claim, Outcome: "sleep", Wake: &wake, Tags: tags, Children: children})
}
