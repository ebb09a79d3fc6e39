package fixture

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"strings"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/driftsync/engine/internal/transport"
)

// NewHTTPServer wraps Server in a real httptest.Server routed with
// gorilla/mux, so tests can exercise transport.Client end-to-end over the
// loopback interface instead of calling the in-process fixture directly.
func NewHTTPServer(s *Server) *httptest.Server {
	r := mux.NewRouter()

	r.HandleFunc("/info/collections", s.handleInfoCollections).Methods(http.MethodGet)
	r.HandleFunc("/storage/meta/global", s.handleMetaGlobal).Methods(http.MethodGet)
	r.HandleFunc("/storage/crypto/keys", s.handleCryptoKeys).Methods(http.MethodGet)
	r.HandleFunc("/storage/{collection}", s.handleCollection).Methods(http.MethodGet, http.MethodPost, http.MethodDelete)

	logged := handlers.LoggingHandler(os.Stderr, r)

	return httptest.NewServer(logged)
}

func (s *Server) handleInfoCollections(w http.ResponseWriter, r *http.Request) {
	info, _ := s.InfoCollections(r.Context())

	out := make(map[string]int64, len(info))
	for _, ci := range info {
		out[ci.Name] = ci.LastModified
	}

	writeJSON(w, out)
}

func (s *Server) handleMetaGlobal(w http.ResponseWriter, r *http.Request) {
	payload, _, _ := s.FetchMetaGlobal(r.Context())
	writeJSON(w, bsoEnvelope{ID: "global", Payload: payload})
}

func (s *Server) handleCryptoKeys(w http.ResponseWriter, r *http.Request) {
	payload, _ := s.FetchCryptoKeys(r.Context())
	writeJSON(w, bsoEnvelope{ID: "keys", Payload: payload})
}

// bsoEnvelope is the wire shape of one BSO: {id, modified, payload, ttl?,
// sortindex?}.
type bsoEnvelope struct {
	ID        string `json:"id"`
	Modified  int64  `json:"modified"`
	Payload   string `json:"payload"`
	TTL       *int64 `json:"ttl,omitempty"`
	SortIndex *int   `json:"sortindex,omitempty"`
}

func (s *Server) handleCollection(w http.ResponseWriter, r *http.Request) {
	collection := mux.Vars(r)["collection"]

	switch r.Method {
	case http.MethodGet:
		s.serveFetchPage(w, r, collection)
	case http.MethodPost:
		s.servePutBatch(w, r, collection)
	case http.MethodDelete:
		s.serveDelete(w, r, collection)
	}
}

func (s *Server) serveFetchPage(w http.ResponseWriter, r *http.Request, collection string) {
	since, _ := strconv.ParseInt(r.URL.Query().Get("newer"), 10, 64)
	token := r.URL.Query().Get("offset")

	page, _, err := s.FetchPage(r.Context(), collection, since, token)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	out := make([]bsoEnvelope, len(page))
	for i, rec := range page {
		out[i] = bsoEnvelope{ID: rec.ID, Modified: rec.Modified, Payload: rec.Payload, TTL: rec.TTL, SortIndex: rec.SortIndex}
	}

	writeJSON(w, out)
}

func (s *Server) servePutBatch(w http.ResponseWriter, r *http.Request, collection string) {
	var envelopes []bsoEnvelope

	if err := json.NewDecoder(r.Body).Decode(&envelopes); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	records := make([]transport.BSO, len(envelopes))
	for i, e := range envelopes {
		records[i] = transport.BSO{ID: e.ID, Modified: e.Modified, Payload: e.Payload, TTL: e.TTL, SortIndex: e.SortIndex}
	}

	result, err := s.PutBatch(r.Context(), collection, transport.Batch{Records: records})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, map[string]any{"success": result.Success, "failed": result.Failed})
}

func (s *Server) serveDelete(w http.ResponseWriter, r *http.Request, collection string) {
	var ids []string

	if raw := r.URL.Query().Get("ids"); raw != "" {
		ids = strings.Split(raw, ",")
	}

	if err := s.Delete(r.Context(), collection, ids); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")

	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
