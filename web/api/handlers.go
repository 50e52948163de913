package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/scopevis/scopevis/internal/export"
	"github.com/scopevis/scopevis/internal/track"
	"github.com/scopevis/scopevis/internal/tree"
)

// StatsResponse is the API response for pipeline statistics
type StatsResponse struct {
	Producer string `json:"producer,omitempty"`

	Applied    uint64 `json:"applied"`
	Malformed  uint64 `json:"malformed"`
	Duplicates uint64 `json:"duplicates"`
	Dropped    uint64 `json:"dropped"`

	Repairs      uint64 `json:"repairs"`
	Placeholders uint64 `json:"placeholders"`
	Anomalies    uint64 `json:"anomalies"`

	Version       uint64 `json:"version"`
	Nodes         int    `json:"nodes"`
	TotalTasks    int    `json:"total_tasks"`
	LiveTasks     int    `json:"live_tasks"`
	OpenNurseries int    `json:"open_nurseries"`

	Finalized bool `json:"finalized"`
}

// AnomalyResponse is the API response for one recorded anomaly
type AnomalyResponse struct {
	Kind    string    `json:"kind"`
	Subject string    `json:"subject"`
	Seq     uint64    `json:"seq,omitempty"`
	Time    time.Time `json:"time,omitzero"`
	Msg     string    `json:"msg"`
}

func statsToResponse(st track.Stats, producer string) StatsResponse {
	return StatsResponse{
		Producer:      producer,
		Applied:       st.Applied,
		Malformed:     st.Malformed,
		Duplicates:    st.Duplicates,
		Dropped:       st.Dropped,
		Repairs:       st.Repairs,
		Placeholders:  st.Placeholders,
		Anomalies:     st.Anomalies,
		Version:       st.Version,
		Nodes:         st.Nodes,
		TotalTasks:    st.TotalTasks,
		LiveTasks:     st.LiveTasks,
		OpenNurseries: st.OpenNurseries,
		Finalized:     st.Finalized,
	}
}

func anomalyToResponse(a tree.Anomaly) AnomalyResponse {
	return AnomalyResponse{
		Kind:    string(a.Kind),
		Subject: string(a.Subject),
		Seq:     a.Seq,
		Time:    a.Time,
		Msg:     a.Msg,
	}
}

// snapshotHandler serves the current tree as a nested frame. An optional
// version query pulls a retained historical snapshot instead.
func (s *Server) snapshotHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		snap := s.tracker.Current()
		if q := r.URL.Query().Get("version"); q != "" {
			version, err := strconv.ParseUint(q, 10, 64)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid version")
				return
			}
			past, ok := s.tracker.At(version)
			if !ok {
				writeError(w, http.StatusNotFound, "version no longer retained")
				return
			}
			snap = past
		}

		writeJSON(w, export.Build(snap, s.opts))
	}
}

func (s *Server) statsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		writeJSON(w, statsToResponse(s.tracker.Stats(), s.producer()))
	}
}

func (s *Server) anomaliesHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		anoms := s.tracker.Anomalies()
		resp := make([]AnomalyResponse, len(anoms))
		for i, a := range anoms {
			resp[i] = anomalyToResponse(a)
		}
		writeJSON(w, resp)
	}
}
