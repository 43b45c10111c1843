// Package rest is the thin JSON-over-HTTP shell of the RPC surface.
package rest

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/perchsearch/perch/index"
	"github.com/perchsearch/perch/node"
	"github.com/perchsearch/perch/rpc"
	"github.com/perchsearch/perch/search"
)

// maxDocumentLine bounds one NDJSON document on the bulk endpoints.
const maxDocumentLine = 1 << 20

// Server serves the HTTP API over an in-process node service.
type Server struct {
	service *node.Service
	server  *http.Server
}

// NewServer builds the HTTP server bound to |addr|.
func NewServer(addr string, service *node.Service) *Server {
	var s = &Server{service: service}

	var router = chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)

	router.Route("/indices/{name}", func(r chi.Router) {
		r.Put("/", s.createIndex)
		r.Get("/", s.getIndex)
		r.Post("/", s.modifyIndex)
		r.Delete("/", s.deleteIndex)

		r.Put("/documents", s.putDocuments)
		r.Delete("/documents", s.deleteDocuments)
		r.Get("/commit", s.commit)
		r.Get("/rollback", s.rollback)
		r.Post("/search", s.search)
	})
	router.Get("/cluster/nodes", s.nodes)
	router.Get("/healthcheck/livez", s.livez)
	router.Get("/healthcheck/readyz", s.readyz)
	router.Handle("/metrics", promhttp.Handler())

	s.server = &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Serve blocks serving HTTP until the context is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		var shutdownCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(shutdownCtx)
	}()

	log.WithField("addr", s.server.Addr).Info("HTTP server listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving HTTP on %s: %w", s.server.Addr, err)
	}
	return nil
}

// status maps RPC error codes onto HTTP statuses.
func status(err error) int {
	switch rpc.CodeOf(err) {
	case rpc.CodeNotFound:
		return http.StatusNotFound
	case rpc.CodeAlreadyExists:
		return http.StatusConflict
	case rpc.CodeInvalidArgument:
		return http.StatusBadRequest
	case rpc.CodeFailedPrecondition:
		return http.StatusConflict
	case rpc.CodeUnavailable:
		return http.StatusServiceUnavailable
	case rpc.CodeDeadlineExceeded:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, status(err), map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.WithField("err", err).Warn("writing HTTP response failed")
	}
}

// createIndexBody is the request body of PUT /indices/{name}.
type createIndexBody struct {
	Schema          index.Schema                    `json:"schema"`
	Analyzers       map[string]index.AnalyzerConfig `json:"analyzers,omitempty"`
	WriterThreads   int                             `json:"writer_threads"`
	WriterHeapBytes int64                           `json:"writer_heap_bytes"`
	NumShards       int                             `json:"num_shards"`
	NumReplicas     int                             `json:"num_replicas"`
}

func (s *Server) createIndex(w http.ResponseWriter, r *http.Request) {
	var body = createIndexBody{
		WriterThreads:   2,
		WriterHeapBytes: 128 << 20,
		NumShards:       1,
		NumReplicas:     1,
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, rpc.Errorf(rpc.CodeInvalidArgument, "decoding request body: %v", err))
		return
	}

	var meta, err = index.NewMetadata(chi.URLParam(r, "name"), body.Schema, body.Analyzers,
		body.WriterThreads, body.WriterHeapBytes, body.NumShards, body.NumReplicas)
	if err != nil {
		writeError(w, rpc.Errorf(rpc.CodeInvalidArgument, "%v", err))
		return
	}

	if err = s.service.CreateIndex(&rpc.CreateIndexRequest{Meta: meta}, &rpc.EmptyResponse{}); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, meta)
}

func (s *Server) getIndex(w http.ResponseWriter, r *http.Request) {
	var reply rpc.GetIndexResponse
	if err := s.service.GetIndex(&rpc.GetIndexRequest{Name: chi.URLParam(r, "name")}, &reply); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reply.Meta)
}

func (s *Server) modifyIndex(w http.ResponseWriter, r *http.Request) {
	var meta index.Metadata
	if err := json.NewDecoder(r.Body).Decode(&meta); err != nil {
		writeError(w, rpc.Errorf(rpc.CodeInvalidArgument, "decoding request body: %v", err))
		return
	}
	meta.Name = chi.URLParam(r, "name")

	if err := s.service.ModifyIndex(&rpc.ModifyIndexRequest{Meta: &meta}, &rpc.EmptyResponse{}); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

func (s *Server) deleteIndex(w http.ResponseWriter, r *http.Request) {
	if err := s.service.DeleteIndex(&rpc.DeleteIndexRequest{Name: chi.URLParam(r, "name")}, &rpc.EmptyResponse{}); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// putDocuments accepts NDJSON: one document object per line.
func (s *Server) putDocuments(w http.ResponseWriter, r *http.Request) {
	var docs, err = readDocumentLines(r.Body)
	if err != nil {
		writeError(w, rpc.Errorf(rpc.CodeInvalidArgument, "%v", err))
		return
	}

	var reply rpc.PutDocumentsResponse
	if err = s.service.PutDocuments(&rpc.PutDocumentsRequest{
		Index: chi.URLParam(r, "name"),
		Docs:  docs,
	}, &reply); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"count": reply.Count})
}

// deleteDocuments accepts NDJSON: one document id per line.
func (s *Server) deleteDocuments(w http.ResponseWriter, r *http.Request) {
	var lines, err = readDocumentLines(r.Body)
	if err != nil {
		writeError(w, rpc.Errorf(rpc.CodeInvalidArgument, "%v", err))
		return
	}
	var ids = make([]string, 0, len(lines))
	for _, line := range lines {
		ids = append(ids, string(line))
	}

	var reply rpc.DeleteDocumentsResponse
	if err = s.service.DeleteDocuments(&rpc.DeleteDocumentsRequest{
		Index: chi.URLParam(r, "name"),
		IDs:   ids,
	}, &reply); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"count": reply.Count})
}

func readDocumentLines(body io.Reader) ([][]byte, error) {
	var out [][]byte
	var scanner = bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64<<10), maxDocumentLine)
	for scanner.Scan() {
		var line = scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		out = append(out, append([]byte(nil), line...))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading request body: %w", err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("request body holds no documents")
	}
	return out, nil
}

func (s *Server) commit(w http.ResponseWriter, r *http.Request) {
	if err := s.service.Commit(&rpc.CommitRequest{Index: chi.URLParam(r, "name")}, &rpc.EmptyResponse{}); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) rollback(w http.ResponseWriter, r *http.Request) {
	if err := s.service.Rollback(&rpc.RollbackRequest{Index: chi.URLParam(r, "name")}, &rpc.EmptyResponse{}); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) search(w http.ResponseWriter, r *http.Request) {
	var req search.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, rpc.Errorf(rpc.CodeInvalidArgument, "decoding request body: %v", err))
		return
	}

	var reply rpc.SearchResponse
	if err := s.service.Search(&rpc.SearchRequest{
		Index:   chi.URLParam(r, "name"),
		Request: req,
	}, &reply); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reply.Result)
}

func (s *Server) nodes(w http.ResponseWriter, r *http.Request) {
	var reply rpc.NodesResponse
	if err := s.service.Nodes(&rpc.NodesRequest{}, &reply); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reply.Members)
}

func (s *Server) livez(w http.ResponseWriter, r *http.Request) {
	var reply rpc.HealthResponse
	if err := s.service.Liveness(&rpc.HealthRequest{}, &reply); err != nil || !reply.Healthy {
		writeJSON(w, http.StatusServiceUnavailable, map[string]bool{"alive": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"alive": true})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	var reply rpc.HealthResponse
	if err := s.service.Readiness(&rpc.HealthRequest{}, &reply); err != nil || !reply.Healthy {
		writeJSON(w, http.StatusServiceUnavailable, map[string]bool{"ready": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ready": true})
}
