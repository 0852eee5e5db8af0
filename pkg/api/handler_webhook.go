package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ST33ZEmachine/printshop/pkg/models"
)

// maxPayloadBytes bounds a single notification body.
const maxPayloadBytes = 1 << 20

// ReceiveNotification handles POST on the callback URL.
// The response is the acknowledgement: nothing is written synchronously, the
// parsed notification is handed to the dispatcher and 200 goes back before
// any downstream work runs. Internal failures never surface as non-2xx, since
// Trello would retry and flood the queue.
func (s *Server) ReceiveNotification(c *gin.Context) {
	// 1. Read the raw body; it is stored verbatim in the audit trail.
	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, maxPayloadBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}

	// 2. Parse and validate the required identity fields.
	var payload models.WebhookPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed JSON"})
		return
	}
	if payload.Action.ID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "action.id is required"})
		return
	}
	if payload.Action.Data.Card == nil || payload.Action.Data.Card.ID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "action.data.card.id is required"})
		return
	}

	// 3. Hand off to the dispatcher. A full buffer is logged and still
	// acknowledged: Trello retries, and idempotency absorbs the replay.
	n := &models.Notification{
		EventID:    payload.Action.ID,
		ActionType: payload.Action.Type,
		ActionDate: payload.Action.ActionDate(),
		CardID:     payload.Action.Data.Card.ID,
		Payload:    &payload,
		RawPayload: raw,
		ReceivedAt: time.Now().UTC(),
	}
	if !s.intake.Submit(n) {
		slog.Warn("Intake buffer full, dropping notification for source retry",
			"event_id", n.EventID, "card_id", n.CardID, "action_type", n.ActionType)
	}

	// 4. Acknowledge.
	c.Status(http.StatusOK)
}
