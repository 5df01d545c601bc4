package serve

import (
	"encoding/json"
	"net/http"
	"strconv"

	"camfeed/store"
)

type SessionLister interface {
	RecentSessions(limit int) ([]SessionEntry, error)
}

// LedgerLister reads sessions from the database ledger.
type LedgerLister struct {
	Ledger *store.Ledger
}

func (l LedgerLister) RecentSessions(limit int) ([]SessionEntry, error) {
	rs, err := l.Ledger.Recent(limit)
	if err != nil {
		return nil, err
	}
	out := make([]SessionEntry, 0, len(rs))
	for _, r := range rs {
		e := SessionEntry{
			ID:         r.SessionID,
			RemoteAddr: r.RemoteAddr,
			SourceID:   r.SourceID,
			Started:    r.StartedAt.Unix(),
			Frames:     r.Frames,
			Bytes:      r.Bytes,
			Reason:     r.CloseReason,
			Error:      r.CloseMessage,
		}
		if r.EndedAt != nil {
			e.Ended = r.EndedAt.Unix()
		}
		out = append(out, e)
	}
	return out, nil
}

type SessionsResponse struct {
	Items      []SessionEntry
	ItemsCount int
}

type SessionServer struct {
	Sessions SessionLister
}

func (s *SessionServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	limit := 20
	if v := r.Form.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	items, err := s.Sessions.RecentSessions(limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	js, err := json.Marshal(&SessionsResponse{Items: items, ItemsCount: len(items)})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write(js)
}
