package crmhttp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harunnryd/concierge/pkg/business"
	"github.com/harunnryd/concierge/pkg/errorsx"
	"github.com/harunnryd/concierge/pkg/resilience"
)

func newClient(t *testing.T, mux *http.ServeMux) *Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer crm-key", r.Header.Get("Authorization"))
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)
	c, err := New(Settings{BaseURL: srv.URL + "/", APIKey: "crm-key"})
	require.NoError(t, err)
	return c.WithHTTPClient(srv.Client())
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func TestNewRequiresBaseURL(t *testing.T) {
	_, err := New(Settings{})
	require.Error(t, err)
	assert.True(t, errorsx.HasReason(err, errorsx.ReasonProviderInit))
}

func TestLookupAndVerify(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /customers", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "+14155550142", r.URL.Query().Get("phone"))
		writeJSON(w, map[string]any{"customers": []business.CustomerMatch{{ID: "cust_001", Name: "Dana"}}})
	})
	mux.HandleFunc("POST /customers/cust_001/verify", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		writeJSON(w, map[string]bool{"verified": body["zip"] == "94107"})
	})
	c := newClient(t, mux)
	ctx := context.Background()

	matches, err := c.LookupCustomerByPhone(ctx, "+14155550142")
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "cust_001", matches[0].ID)

	ok, err := c.VerifyAccount(ctx, "cust_001", "94107")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = c.VerifyAccount(ctx, "cust_001", "10001")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAppointmentsAndSlots(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /customers/cust_001/appointments", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "3", r.URL.Query().Get("limit"))
		writeJSON(w, map[string]any{"appointments": []business.Appointment{{ID: "appt_001", Date: "2026-10-20"}}})
	})
	mux.HandleFunc("GET /slots", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "2026-10-15T09:00:00Z", r.URL.Query().Get("from"))
		writeJSON(w, map[string]any{"slots": []business.Slot{{ID: "slot_101"}}})
	})
	mux.HandleFunc("POST /appointments/appt_001/reschedule", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "slot_101", body["slotId"])
		writeJSON(w, business.RescheduleResult{OK: true, Appointment: &business.Appointment{ID: "appt_001", Date: "2026-10-21"}})
	})
	c := newClient(t, mux)
	ctx := context.Background()

	appts, err := c.ListUpcomingAppointments(ctx, "cust_001", 3)
	require.NoError(t, err)
	assert.Equal(t, "appt_001", appts[0].ID)

	now := time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)
	slots, err := c.GetAvailableSlots(ctx, "cust_001", business.DefaultSlotWindow(now))
	require.NoError(t, err)
	assert.Equal(t, "slot_101", slots[0].ID)

	res, err := c.RescheduleAppointment(ctx, "appt_001", "slot_101")
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, "2026-10-21", res.Appointment.Date)
}

func TestErrorsCarryAdapterReason(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /appointments/appt_001/cancel", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "appointment locked", http.StatusConflict)
	})
	mux.HandleFunc("GET /policies/warranty", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})
	mux.HandleFunc("POST /escalations", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("{not json"))
	})
	c := newClient(t, mux)
	ctx := context.Background()

	_, err := c.CancelAppointment(ctx, "appt_001")
	require.Error(t, err)
	assert.True(t, errorsx.HasReason(err, errorsx.ReasonAdapterCall))
	assert.Contains(t, err.Error(), "409")

	_, err = c.GetServicePolicy(ctx, "warranty")
	require.Error(t, err)
	assert.True(t, resilience.IsRateLimit(err))

	_, err = c.Escalate(ctx, business.EscalationInput{Reason: "no heat"})
	require.Error(t, err)
	assert.True(t, errorsx.HasReason(err, errorsx.ReasonAdapterCall))
}
