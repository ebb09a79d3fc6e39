// Package fixture implements an in-memory BSO-protocol server for
// integration and end-to-end tests, so the sync loop driver can be
// exercised without a real server.
package fixture

import (
	"context"
	"sort"
	"sync"

	"github.com/driftsync/engine/internal/transport"
)

// Server is an in-memory BSOTransport that also implements the server
// side of the same contract directly (no actual HTTP round trip), for
// fast deterministic tests. A second constructor, NewHTTPServer, wraps
// this in a real gorilla/mux-routed http.Server for tests that need wire
// compatibility.
type Server struct {
	mu          sync.Mutex
	collections map[string][]transport.BSO // kept sorted by Modified
	syncID      string
	metaGlobal  string
	cryptoKeys  string
}

var _ transport.BSOTransport = (*Server)(nil)

// New creates an empty fixture server.
func New() *Server {
	return &Server{
		collections: make(map[string][]transport.BSO),
		syncID:      "fixture-sync-id-1",
		metaGlobal:  `{"syncID":"fixture-sync-id-1","storageVersion":5}`,
		cryptoKeys:  `{"default":["fixture-key-material"]}`,
	}
}

// SetSyncID changes the server's sync_id, simulating another device
// resetting the collection (used by the sync_id-mismatch test scenario).
func (s *Server) SetSyncID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.syncID = id
	s.metaGlobal = `{"syncID":"` + id + `","storageVersion":5}`
}

func (s *Server) InfoCollections(_ context.Context) ([]transport.CollectionInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []transport.CollectionInfo

	for name, records := range s.collections {
		if len(records) == 0 {
			continue
		}

		out = append(out, transport.CollectionInfo{Name: name, LastModified: records[len(records)-1].Modified})
	}

	return out, nil
}

func (s *Server) FetchMetaGlobal(_ context.Context) (string, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.metaGlobal, s.syncID, nil
}

func (s *Server) FetchCryptoKeys(_ context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.cryptoKeys, nil
}

const fixturePageSize = 100

func (s *Server) FetchPage(_ context.Context, collection string, since int64, token string) ([]transport.BSO, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := s.collections[collection]

	start := 0

	if token != "" {
		for i, r := range all {
			if formatToken(r.Modified, r.ID) == token {
				start = i + 1
				break
			}
		}
	}

	var page []transport.BSO

	for i := start; i < len(all) && len(page) < fixturePageSize; i++ {
		if all[i].Modified <= since {
			continue
		}

		page = append(page, all[i])
	}

	nextToken := ""
	if len(page) == fixturePageSize {
		last := page[len(page)-1]
		nextToken = formatToken(last.Modified, last.ID)
	}

	return page, nextToken, nil
}

func formatToken(modified int64, id string) string {
	return id + "@" + itoa(modified)
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}

	neg := n < 0
	if neg {
		n = -n
	}

	var buf [20]byte

	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}

	if neg {
		i--
		buf[i] = '-'
	}

	return string(buf[i:])
}

func (s *Server) PutBatch(_ context.Context, collection string, batch transport.Batch) (transport.BatchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := transport.BatchResult{Failed: make(map[string]string)}

	existing := s.collections[collection]
	byID := make(map[string]int, len(existing))

	for i, r := range existing {
		byID[r.ID] = i
	}

	for _, rec := range batch.Records {
		if rec.ID == "" {
			result.Failed[rec.ID] = "missing id"
			continue
		}

		if idx, ok := byID[rec.ID]; ok {
			existing[idx] = rec
		} else {
			existing = append(existing, rec)
			byID[rec.ID] = len(existing) - 1
		}

		result.Success = append(result.Success, rec.ID)
	}

	sort.SliceStable(existing, func(i, j int) bool { return existing[i].Modified < existing[j].Modified })

	s.collections[collection] = existing

	return result, nil
}

func (s *Server) Delete(_ context.Context, collection string, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(ids) == 0 {
		delete(s.collections, collection)
		return nil
	}

	toDelete := make(map[string]bool, len(ids))
	for _, id := range ids {
		toDelete[id] = true
	}

	existing := s.collections[collection]
	kept := existing[:0]

	for _, r := range existing {
		if !toDelete[r.ID] {
			kept = append(kept, r)
		}
	}

	s.collections[collection] = kept

	return nil
}
