package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"clipforge/internal/httpapi/handlers"
	"clipforge/internal/models"
	"clipforge/internal/pkg/logger"
	"clipforge/internal/poller"
	"clipforge/internal/submitter"
)

func newUploadCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "upload <file>",
		Short: "Upload a source video and print its source_ref",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			ref, err := client.Upload(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("upload %s: %w", args[0], err)
			}
			return ctx.output(cmd, map[string]string{"source_ref": ref}, func() error {
				fmt.Fprintln(cmd.OutOrStdout(), ref)
				return nil
			})
		},
	}
}

func newSubmitCommand(ctx *commandContext) *cobra.Command {
	var (
		source   string
		file     string
		clips    []string
		options  string
		wait     bool
		interval time.Duration
		maxWait  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit clips of a source video for rendering",
		Example: `  clipctl submit --file talk.mp4 --clip 0:15s:0.8 --clip 1m:1m30s:0.6:Closing --wait
  clipctl submit --source sources/me/src_ab12.mp4 --clip 12000:41000:0.9`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if (source == "") == (file == "") {
				return errors.New("pass exactly one of --source or --file")
			}
			if len(clips) == 0 {
				return errors.New("at least one --clip is required")
			}
			client, err := ctx.client()
			if err != nil {
				return err
			}

			req := submitter.Request{SourceRef: source}
			for _, raw := range clips {
				c, err := parseClip(raw)
				if err != nil {
					return err
				}
				req.Clips = append(req.Clips, c)
			}
			if options != "" {
				if !json.Valid([]byte(options)) {
					return errors.New("--options is not valid JSON")
				}
				req.Options = json.RawMessage(options)
			}

			if file != "" {
				ref, err := client.Upload(cmd.Context(), file)
				if err != nil {
					return fmt.Errorf("upload %s: %w", file, err)
				}
				req.SourceRef = ref
			}

			view, err := client.Submit(cmd.Context(), req)
			if err != nil {
				return fmt.Errorf("submit: %w", err)
			}
			if !wait {
				return ctx.output(cmd, view, func() error {
					fmt.Fprint(cmd.OutOrStdout(), viewText(view))
					return nil
				})
			}
			return watchJob(cmd, ctx, client, view.Job.ID, interval, maxWait)
		},
	}

	f := cmd.Flags()
	f.StringVar(&source, "source", "", "source_ref of an uploaded video")
	f.StringVar(&file, "file", "", "Upload this file first and use it as the source")
	f.StringArrayVar(&clips, "clip", nil, "Clip as start:end:score[:title]; times in ms or Go durations")
	f.StringVar(&options, "options", "", "Rendering options as a JSON object")
	f.BoolVar(&wait, "wait", false, "Poll until the job finishes")
	f.DurationVar(&interval, "interval", poller.DefaultInterval, "Poll interval with --wait")
	f.DurationVar(&maxWait, "max-wait", 0, "Give up waiting after this long (0 waits forever)")
	return cmd
}

func newGetCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "get <job-id>",
		Short: "Show a job and its clips",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			view, err := client.View(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return ctx.output(cmd, view, func() error {
				fmt.Fprint(cmd.OutOrStdout(), viewText(view))
				return nil
			})
		},
	}
}

func newListCommand(ctx *commandContext) *cobra.Command {
	var status string
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List your render jobs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			jobs, err := client.ListJobs(cmd.Context(), status, limit)
			if err != nil {
				return err
			}
			return ctx.output(cmd, jobs, func() error {
				if len(jobs) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No render jobs")
					return nil
				}
				fmt.Fprintln(cmd.OutOrStdout(), jobsTable(jobs))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "Filter by status (pending, processing, completed, failed)")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum jobs to list (server default 50)")
	return cmd
}

func newWatchCommand(ctx *commandContext) *cobra.Command {
	var interval, maxWait time.Duration

	cmd := &cobra.Command{
		Use:   "watch <job-id>",
		Short: "Poll a job until it completes or fails",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			return watchJob(cmd, ctx, client, args[0], interval, maxWait)
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", poller.DefaultInterval, "Poll interval")
	cmd.Flags().DurationVar(&maxWait, "max-wait", 0, "Give up after this long (0 waits forever)")
	return cmd
}

// watchJob prints a progress line whenever the job changes and the final
// clip table once it is terminal. Interrupting only stops watching; the
// job keeps rendering.
func watchJob(cmd *cobra.Command, ctx *commandContext, client *apiClient, jobID string, interval, maxWait time.Duration) error {
	log := logger.New(logger.Config{Level: "warn", Format: "text", Output: cmd.ErrOrStderr()})
	p := poller.New(client, poller.Config{Interval: interval, MaxWait: maxWait, Log: log})

	// Progress goes to stderr so --json output stays parseable.
	out := cmd.ErrOrStderr()
	var last string
	snap, err := p.Wait(cmd.Context(), jobID, func(s poller.Snapshot) {
		line := progressLine(s)
		if line != last {
			fmt.Fprintln(out, line)
			last = line
		}
	})

	switch {
	case errors.Is(err, poller.ErrTimeout):
		return fmt.Errorf("job %s still running after %s; check later with: clipctl get %s", jobID, maxWait, jobID)
	case err != nil && snap.Job == nil:
		return err
	}

	view := handlers.JobView{Job: snap.Job, Artifacts: snap.Artifacts}
	if perr := ctx.output(cmd, view, func() error {
		fmt.Fprint(cmd.OutOrStdout(), viewText(view))
		return nil
	}); perr != nil {
		return perr
	}
	return err
}

func progressLine(s poller.Snapshot) string {
	var ready, failed int
	for _, a := range s.Artifacts {
		switch a.Status {
		case models.ArtifactReady:
			ready++
		case models.ArtifactFailed:
			failed++
		}
	}
	return fmt.Sprintf("%s  %s  %d%%  ready %d  failed %d  of %d",
		s.Job.ID, s.Job.Status, s.Job.ProgressPercent, ready, failed, s.Job.TotalArtifacts)
}

// parseClip reads "start:end:score[:title]". Times are milliseconds or Go
// durations such as 1m30s.
func parseClip(raw string) (submitter.Clip, error) {
	parts := strings.SplitN(raw, ":", 4)
	if len(parts) < 3 {
		return submitter.Clip{}, fmt.Errorf("clip %q: want start:end:score[:title]", raw)
	}
	start, err := parseMillis(parts[0])
	if err != nil {
		return submitter.Clip{}, fmt.Errorf("clip %q start: %w", raw, err)
	}
	end, err := parseMillis(parts[1])
	if err != nil {
		return submitter.Clip{}, fmt.Errorf("clip %q end: %w", raw, err)
	}
	score, err := strconv.ParseFloat(parts[2], 64)
	if err != nil {
		return submitter.Clip{}, fmt.Errorf("clip %q score: %w", raw, err)
	}
	c := submitter.Clip{StartMS: start, EndMS: end, Score: score}
	if len(parts) == 4 {
		c.Title = parts[3]
	}
	return c, nil
}

func parseMillis(s string) (int64, error) {
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return ms, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	return d.Milliseconds(), nil
}
