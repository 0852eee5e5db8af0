package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ST33ZEmachine/printshop/pkg/models"
)

type fakeIntake struct {
	submitted []*models.Notification
	full      bool
}

func (f *fakeIntake) Submit(n *models.Notification) bool {
	if f.full {
		return false
	}
	f.submitted = append(f.submitted, n)
	return true
}

func newTestRouter(intake Intake) *gin.Engine {
	gin.SetMode(gin.TestMode)
	return NewServer(intake).Router()
}

const validPayload = `{
	"action": {
		"id": "evt-1",
		"type": "updateCard",
		"date": "2026-03-01T12:00:00.000Z",
		"memberCreator": {"id": "m1", "username": "jo"},
		"data": {
			"board": {"id": "b1", "name": "Orders"},
			"card": {"id": "card-1", "name": "Acme | signs", "desc": "1x Sign $100", "idList": "l2"},
			"listBefore": {"id": "l1", "name": "Todo"},
			"listAfter": {"id": "l2", "name": "In Progress"}
		}
	},
	"model": {"id": "b1"}
}`

func TestLivenessProbe(t *testing.T) {
	router := newTestRouter(&fakeIntake{})

	for _, method := range []string{http.MethodHead, http.MethodGet} {
		req := httptest.NewRequest(method, "/webhook/trello", nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code, method)
		assert.Empty(t, rec.Body.String(), method)
	}
}

func TestReceiveNotification(t *testing.T) {
	intake := &fakeIntake{}
	router := newTestRouter(intake)

	req := httptest.NewRequest(http.MethodPost, "/webhook/trello", strings.NewReader(validPayload))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, intake.submitted, 1)

	n := intake.submitted[0]
	assert.Equal(t, "evt-1", n.EventID)
	assert.Equal(t, "updateCard", n.ActionType)
	assert.Equal(t, "card-1", n.CardID)
	assert.False(t, n.ActionDate.IsZero())
	assert.JSONEq(t, validPayload, string(n.RawPayload))
	require.NotNil(t, n.Payload)
	assert.True(t, n.Payload.Action.Data.IsListTransition())
}

func TestReceiveNotificationMalformedJSON(t *testing.T) {
	intake := &fakeIntake{}
	router := newTestRouter(intake)

	req := httptest.NewRequest(http.MethodPost, "/webhook/trello", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, intake.submitted)
}

func TestReceiveNotificationMissingActionID(t *testing.T) {
	intake := &fakeIntake{}
	router := newTestRouter(intake)

	body := `{"action": {"type": "updateCard", "data": {"card": {"id": "c1"}}}}`
	req := httptest.NewRequest(http.MethodPost, "/webhook/trello", strings.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, intake.submitted)
}

func TestReceiveNotificationMissingCardID(t *testing.T) {
	intake := &fakeIntake{}
	router := newTestRouter(intake)

	body := `{"action": {"id": "evt-2", "type": "updateBoard", "data": {}}}`
	req := httptest.NewRequest(http.MethodPost, "/webhook/trello", strings.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, intake.submitted)
}

func TestReceiveNotificationFullIntakeStillAcks(t *testing.T) {
	router := newTestRouter(&fakeIntake{full: true})

	req := httptest.NewRequest(http.MethodPost, "/webhook/trello", strings.NewReader(validPayload))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}
