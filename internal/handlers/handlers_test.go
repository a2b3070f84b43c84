package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"nearby-safety-backend/internal/services"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{services.ErrInvalidLocation, http.StatusBadRequest},
		{fmt.Errorf("%w: radius", services.ErrInvalidRadius), http.StatusBadRequest},
		{services.ErrInvalidTrigger, http.StatusBadRequest},
		{services.ErrInvalidDuration, http.StatusBadRequest},
		{services.ErrSelfContact, http.StatusBadRequest},
		{services.ErrLocationUnavailable, http.StatusUnprocessableEntity},
		{services.ErrForbidden, http.StatusForbidden},
		{services.ErrNotFound, http.StatusNotFound},
		{services.ErrNoActiveIncident, http.StatusNotFound},
		{services.ErrLimitExceeded, http.StatusConflict},
		{errors.New("connection refused"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(tt.err))
		})
	}
}

func TestRespondServiceErrorHidesInternalErrors(t *testing.T) {
	rec := httptest.NewRecorder()
	respondServiceError(rec, errors.New("pq: password authentication failed"))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "Internal server error", decode(t, rec)["error"])
}

func TestLocationHandler(t *testing.T) {
	s := newServer(t)
	h := NewLocationHandler(s.locations, s.engine, s.settings, stubProfiles{}, 5000)

	t.Run("update requires coordinates", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.UpdateLocation(rec, request(t, http.MethodPost, "/api/v1/location/update", `{"latitude":40}`, "a", false))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("update rejects invalid coordinates", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.UpdateLocation(rec, request(t, http.MethodPost, "/api/v1/location/update", `{"latitude":95,"longitude":0}`, "a", false))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("update accepted", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.UpdateLocation(rec, request(t, http.MethodPost, "/api/v1/location/update",
			`{"latitude":40,"longitude":-74,"accuracy":8,"isSharing":true}`, "a", false))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, true, decode(t, rec)["accepted"])
	})

	t.Run("nearby users", func(t *testing.T) {
		s.share(t, "b", 40.0001, -74.0)

		rec := httptest.NewRecorder()
		h.NearbyUsers(rec, request(t, http.MethodGet, "/api/v1/location/nearby-users?radius=500", "", "a", false))
		require.Equal(t, http.StatusOK, rec.Code)

		users := decode(t, rec)["nearbyUsers"].([]interface{})
		require.Len(t, users, 1)
		first := users[0].(map[string]interface{})
		assert.Equal(t, "b", first["userId"])
		assert.Equal(t, "user_b", first["username"])
	})

	t.Run("nearby users radius out of range", func(t *testing.T) {
		for _, q := range []string{"-1", "0", "5001", "far"} {
			rec := httptest.NewRecorder()
			h.NearbyUsers(rec, request(t, http.MethodGet, "/api/v1/location/nearby-users?radius="+q, "", "a", false))
			assert.Equal(t, http.StatusBadRequest, rec.Code, q)
		}
	})

	t.Run("nearby users without location", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.NearbyUsers(rec, request(t, http.MethodGet, "/api/v1/location/nearby-users", "", "nobody", false))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, decode(t, rec)["nearbyUsers"])
	})

	t.Run("settings", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.GetSettings(rec, request(t, http.MethodGet, "/api/v1/location/settings", "", "a", false))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, 1000.0, decode(t, rec)["radius_meters"])

		rec = httptest.NewRecorder()
		h.UpdateSettings(rec, request(t, http.MethodPut, "/api/v1/location/settings", `{"radius_meters":10}`, "a", false))
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		rec = httptest.NewRecorder()
		h.UpdateSettings(rec, request(t, http.MethodPut, "/api/v1/location/settings",
			`{"radius_meters":2000,"alert_frequency":"once","user_id":"someone-else"}`, "a", false))
		require.Equal(t, http.StatusOK, rec.Code)
		body := decode(t, rec)
		assert.Equal(t, "a", body["user_id"])
		assert.Equal(t, 2000.0, body["radius_meters"])
		assert.Equal(t, true, body["show_on_map"])
	})
}

func TestContactHandler(t *testing.T) {
	s := newServer(t)
	h := NewContactHandler(s.contacts, s.engine)

	add := func(contactID string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		h.Add(rec, request(t, http.MethodPost, "/api/v1/users/trusted-contacts", `{"userId":"`+contactID+`"}`, "owner", false))
		return rec
	}

	assert.Equal(t, http.StatusCreated, add("c1").Code)
	assert.Equal(t, http.StatusOK, add("c1").Code)
	assert.Equal(t, http.StatusBadRequest, add("owner").Code)
	assert.Equal(t, http.StatusBadRequest, add("").Code)

	for _, id := range []string{"c2", "c3", "c4", "c5"} {
		require.Equal(t, http.StatusCreated, add(id).Code)
	}
	rec := add("c6")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = httptest.NewRecorder()
	h.List(rec, request(t, http.MethodGet, "/api/v1/users/trusted-contacts", "", "owner", false))
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Len(t, body["contacts"], 5)
	assert.Equal(t, float64(services.MaxTrustedContacts), body["limit"])

	remove := func(contactID string) *httptest.ResponseRecorder {
		req := request(t, http.MethodDelete, "/api/v1/users/trusted-contacts/"+contactID, "", "owner", false)
		rctx := chi.NewRouteContext()
		rctx.URLParams.Add("id", contactID)
		req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
		rec := httptest.NewRecorder()
		h.Remove(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusNoContent, remove("c3").Code)
	assert.Equal(t, http.StatusNotFound, remove("c3").Code)
	assert.Equal(t, http.StatusCreated, add("c6").Code)
}

func TestSOSHandler(t *testing.T) {
	s := newServer(t)
	h := NewSOSHandler(s.sos)
	s.share(t, "victim", 40, -74)

	rec := httptest.NewRecorder()
	h.Activate(rec, request(t, http.MethodPost, "/api/v1/location/sos-activate", `{"triggeredBy":"timer-expiry"}`, "victim", false))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	h.Activate(rec, request(t, http.MethodPost, "/api/v1/location/sos-activate", "", "victim", false))
	require.Equal(t, http.StatusOK, rec.Code)
	activated := decode(t, rec)
	incidentID := activated["incidentId"].(string)
	assert.Equal(t, "active", activated["state"])
	assert.Equal(t, false, activated["dryRun"])

	rec = httptest.NewRecorder()
	h.Activate(rec, request(t, http.MethodPost, "/api/v1/location/sos-activate", `{"triggeredBy":"manual"}`, "victim", false))
	require.Equal(t, http.StatusConflict, rec.Code)
	conflict := decode(t, rec)
	assert.Equal(t, incidentID, conflict["incidentId"])
	assert.Equal(t, true, conflict["alreadyActive"])

	rec = httptest.NewRecorder()
	h.Status(rec, request(t, http.MethodGet, "/api/v1/location/sos-status", "", "victim", false))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode(t, rec)["isActive"])

	rec = httptest.NewRecorder()
	h.Cancel(rec, request(t, http.MethodPost, "/api/v1/location/sos-cancel", `{"userId":"victim"}`, "stranger", false))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = httptest.NewRecorder()
	h.Cancel(rec, request(t, http.MethodPost, "/api/v1/location/sos-cancel", "", "victim", false))
	require.Equal(t, http.StatusOK, rec.Code)
	cancelled := decode(t, rec)
	assert.Equal(t, true, cancelled["cancelled"])
	assert.Equal(t, incidentID, cancelled["incidentId"])

	rec = httptest.NewRecorder()
	h.Cancel(rec, request(t, http.MethodPost, "/api/v1/location/sos-cancel", "", "victim", false))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decode(t, rec)["cancelled"])

	rec = httptest.NewRecorder()
	h.History(rec, request(t, http.MethodGet, "/api/v1/location/sos-history?limit=5", "", "victim", false))
	require.Equal(t, http.StatusOK, rec.Code)
	incidents := decode(t, rec)["incidents"].([]interface{})
	require.Len(t, incidents, 1)
}

func TestSOSHandlerAdminCancel(t *testing.T) {
	s := newServer(t)
	h := NewSOSHandler(s.sos)

	rec := httptest.NewRecorder()
	h.Activate(rec, request(t, http.MethodPost, "/api/v1/location/sos-activate",
		`{"triggeredBy":"test","location":{"latitude":40,"longitude":-74}}`, "victim", false))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode(t, rec)["dryRun"])

	rec = httptest.NewRecorder()
	h.Cancel(rec, request(t, http.MethodPost, "/api/v1/location/sos-cancel", `{"userId":"victim"}`, "ops", true))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode(t, rec)["cancelled"])
}

func TestSafetyTimerHandler(t *testing.T) {
	s := newServer(t)
	h := NewSafetyTimerHandler(s.watchdog)

	rec := httptest.NewRecorder()
	h.Status(rec, request(t, http.MethodGet, "/api/v1/location/safety-timer", "", "walker", false))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decode(t, rec)["active"])

	rec = httptest.NewRecorder()
	h.Arm(rec, request(t, http.MethodPost, "/api/v1/location/safety-timer", `{"durationSeconds":5}`, "walker", false))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	h.Arm(rec, request(t, http.MethodPost, "/api/v1/location/safety-timer", `{"durationSeconds":1800}`, "walker", false))
	require.Equal(t, http.StatusOK, rec.Code)
	armed := decode(t, rec)
	assert.Equal(t, "walker", armed["user_id"])
	assert.Equal(t, true, armed["active"])

	rec = httptest.NewRecorder()
	h.Status(rec, request(t, http.MethodGet, "/api/v1/location/safety-timer", "", "walker", false))
	assert.Equal(t, true, decode(t, rec)["active"])

	rec = httptest.NewRecorder()
	h.CheckIn(rec, request(t, http.MethodPost, "/api/v1/location/safety-timer/check-in", "", "walker", false))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode(t, rec)["checkedIn"])

	rec = httptest.NewRecorder()
	h.Cancel(rec, request(t, http.MethodDelete, "/api/v1/location/safety-timer", "", "walker", false))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decode(t, rec)["cancelled"])
}

func TestNearbyHandler(t *testing.T) {
	s := newServer(t)
	h := NewNearbyHandler(s.nearby)

	post := func(userID, body string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		h.Post(rec, request(t, http.MethodPost, "/api/v1/location/nearby-message", body, userID, false))
		return rec
	}

	assert.Equal(t, http.StatusUnprocessableEntity, post("sender", `{"message":"hello","radius":500}`).Code)

	s.share(t, "sender", 40, -74)
	s.share(t, "reader", 40.001, -74)

	assert.Equal(t, http.StatusBadRequest, post("sender", `{"message":"   ","radius":500}`).Code)
	assert.Equal(t, http.StatusBadRequest, post("sender", `{"message":"hello","radius":0}`).Code)
	assert.Equal(t, http.StatusBadRequest, post("sender", `{"message":"hello","radius":500,"visibility":"everyone"}`).Code)

	rec := post("sender", `{"message":"hello","radius":500}`)
	require.Equal(t, http.StatusOK, rec.Code)
	posted := decode(t, rec)
	assert.Equal(t, float64(1), posted["recipients"])
	assert.NotEmpty(t, posted["messageId"])

	rec = httptest.NewRecorder()
	h.Recent(rec, request(t, http.MethodGet, "/api/v1/location/nearby-messages?radius=1000", "", "reader", false))
	require.Equal(t, http.StatusOK, rec.Code)
	messages := decode(t, rec)["messages"].([]interface{})
	require.Len(t, messages, 1)
	assert.Equal(t, "hello", messages[0].(map[string]interface{})["text"])

	rec = httptest.NewRecorder()
	h.Recent(rec, request(t, http.MethodGet, "/api/v1/location/nearby-messages?radius=wide", "", "reader", false))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	h.PresignMedia(rec, request(t, http.MethodPost, "/api/v1/location/nearby-message/media", `{}`, "sender", false))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSOSHandlerReportsCountAfterCountdown(t *testing.T) {
	s := newServerWithCountdown(t, 50*time.Millisecond)
	h := NewSOSHandler(s.sos)
	s.connect("c1", "c2")
	for _, id := range []string{"c1", "c2"} {
		_, _, err := s.contacts.Add(context.Background(), "victim", id)
		require.NoError(t, err)
	}

	rec := httptest.NewRecorder()
	h.Activate(rec, request(t, http.MethodPost, "/api/v1/location/sos-activate", "", "victim", false))
	require.Equal(t, http.StatusOK, rec.Code)
	activated := decode(t, rec)
	assert.Equal(t, "arming", activated["state"])
	assert.Equal(t, float64(0), activated["contactsNotified"])

	var status map[string]interface{}
	require.Eventually(t, func() bool {
		rec := httptest.NewRecorder()
		h.Status(rec, request(t, http.MethodGet, "/api/v1/location/sos-status", "", "victim", false))
		status = decode(t, rec)
		return status["state"] == "active"
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, activated["incidentId"], status["incidentId"])
	assert.Equal(t, float64(2), status["contactsNotified"])
	assert.Equal(t, false, status["partialFailure"])
}

func TestSOSHandlerTestTriggerDoesNotBlockRealOne(t *testing.T) {
	s := newServer(t)
	h := NewSOSHandler(s.sos)
	s.connect("c1")
	_, _, err := s.contacts.Add(context.Background(), "victim", "c1")
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	h.Activate(rec, request(t, http.MethodPost, "/api/v1/location/sos-activate", `{"triggeredBy":"test"}`, "victim", false))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.Activate(rec, request(t, http.MethodPost, "/api/v1/location/sos-activate", `{"triggeredBy":"voice"}`, "victim", false))
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, false, body["dryRun"])
	assert.Equal(t, float64(1), body["contactsNotified"])
}
