package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	contracts "clipforge/internal/contracts/renderer/v1"
	"clipforge/internal/httpkit"
	"clipforge/internal/metrics"
	"clipforge/internal/reconciler"

	apperrors "clipforge/internal/pkg/errors"
)

const maxWebhookBody = 1 << 20

// RenderWebhook receives a status push from the rendering service.
//
// 401 for a bad signature, 400 when the push has no render id, 503 when the
// store could not apply it (the service retries). Every other push,
// including unknown renders and replays, is acknowledged with 200.
func (h *Handler) RenderWebhook(w http.ResponseWriter, r *http.Request) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody+1))
	if err != nil {
		return apperrors.BadRequest("could not read body")
	}
	if len(body) > maxWebhookBody {
		return apperrors.BadRequest("body too large")
	}

	if err := h.verifier.Verify(r.Header, body); err != nil {
		metrics.RecordWebhook("", metrics.WebhookUnauthorized)
		return apperrors.WrapWithCode(err, apperrors.CodeUnauthorized, "handlers.render_webhook", err.Error())
	}

	var p contracts.WebhookPayload
	if err := json.Unmarshal(body, &p); err != nil {
		metrics.RecordWebhook("", metrics.WebhookInvalid)
		return apperrors.BadRequest("invalid json body")
	}

	res, err := h.reconciler.Handle(r.Context(), p)
	if errors.Is(err, reconciler.ErrInvalidPayload) {
		return apperrors.ValidationField("id", "render id is required")
	}
	if err != nil {
		return err
	}

	httpkit.WriteJSON(w, http.StatusOK, map[string]any{
		"ok":      true,
		"outcome": res.Outcome,
	})
	return nil
}
