package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/subtalk/talklog/backend/stats"
	"github.com/subtalk/talklog/backend/store"
	"github.com/subtalk/talklog/backend/telemetry"
)

type statsResponse struct {
	stats.Report
	TopBar   []stats.SenderStat `json:"top_bar"`
	TopShare []stats.SenderStat `json:"top_share"`
}

// HandleStats computes the per-sender leaderboard for a time range. Query
// failures surface as 503 with an error body rather than an empty report.
func (h *Handlers) HandleStats(w http.ResponseWriter, r *http.Request) {
	rng, err := stats.ParseRange(r.URL.Query().Get("range"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	now := time.Now()
	var snapshot []store.Message
	var qerr error
	telemetry.TimeFunc(telemetry.QueryDuration, func() {
		snapshot, qerr = h.store.Query(r.Context(), store.QueryOptions{
			CreatedAfter: now.Add(-rng.Lookback()),
			Order:        store.Ascending,
		})
	})
	if qerr != nil {
		slog.Error("stats query failed", slog.String("range", string(rng)), slog.Any("err", qerr))
		writeError(w, http.StatusServiceUnavailable, "stats unavailable")
		return
	}

	report := stats.Compute(snapshot, rng, now)
	writeJSON(w, http.StatusOK, statsResponse{
		Report:   report,
		TopBar:   report.Top(10),
		TopShare: report.Top(8),
	})
}
