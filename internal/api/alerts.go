package api

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/wardenlabs/hostguard/internal/alert"
)

// handleListAlerts serves GET /api/hostguard/alerts. All filters arrive
// as query parameters; timestamps are RFC 3339.
func (d *Dependencies) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	f := alert.Filter{
		ExtensionID: q.Get("extension_id"),
		MinSeverity: alert.Severity(q.Get("min_severity")),
	}
	for _, c := range q["category"] {
		f.Categories = append(f.Categories, alert.Category(c))
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "since must be RFC 3339"})
			return
		}
		f.Since = t
	}
	if v := q.Get("until"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "until must be RFC 3339"})
			return
		}
		f.Until = t
	}

	alerts := d.Alerts.Query(f)
	if alerts == nil {
		alerts = []alert.Alert{}
	}
	writeJSON(w, http.StatusOK, AlertListResp{
		CorrelationID: uuid.New().String(),
		Alerts:        alerts,
		Total:         len(alerts),
	})
}
