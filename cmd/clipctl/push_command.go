package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"clipforge/internal/config"
	contracts "clipforge/internal/contracts/renderer/v1"
	"clipforge/internal/webhook"
)

// newPushCommand replays a rendering-service status push, signed the way the
// service signs it. Useful against a local API with no rendering service.
func newPushCommand(ctx *commandContext) *cobra.Command {
	var (
		p      contracts.WebhookPayload
		secret string
		durMS  int64
		size   int64
	)

	cmd := &cobra.Command{
		Use:   "push",
		Short: "Send a signed render status push to the webhook endpoint",
		Example: `  clipctl push --id job_ab12-r0 --status done --url https://cdn.example/clip.mp4
  clipctl push --id job_ab12-r1 --status failed --error "decoder crashed"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if durMS > 0 {
				p.DurationMS = &durMS
			}
			if size > 0 {
				p.SizeBytes = &size
			}
			body, err := json.Marshal(p)
			if err != nil {
				return err
			}

			hdr := http.Header{}
			if secret != "" {
				sig, ts := webhook.Sign(secret, time.Now(), body)
				hdr.Set(webhook.SignatureHeader, sig)
				hdr.Set(webhook.TimestampHeader, ts)
			}

			client := newAPIClient(ctx.apiURL, ctx.owner, ctx.timeout)
			out, err := client.Push(cmd.Context(), body, hdr)
			if err != nil {
				return fmt.Errorf("push: %w", err)
			}
			return ctx.output(cmd, out, func() error {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s: %v\n", p.ID, p.Status, out["outcome"])
				return nil
			})
		},
	}

	f := cmd.Flags()
	f.StringVar(&p.ID, "id", "", "Render id")
	f.StringVar(&p.Status, "status", contracts.StatusDone, "queued, fetching, rendering, done or failed")
	f.StringVar(&p.URL, "url", "", "Output URL for done")
	f.StringVar(&p.Error, "error", "", "Error message for failed")
	f.Int64Var(&durMS, "duration-ms", 0, "Render duration")
	f.Int64Var(&size, "size-bytes", 0, "Output size")
	f.StringVar(&secret, "secret", config.Env("WEBHOOK_SECRET", ""), "Signing secret (unsigned when empty)")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}
