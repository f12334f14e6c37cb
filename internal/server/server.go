package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/golang/glog"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"docsync/internal/auth"
	"docsync/internal/bootstrap"
	"docsync/internal/crdt"
	"docsync/internal/peer"
	"docsync/internal/repo"
	"docsync/internal/transport"
)

// NodeAccess answers whether a user may work on a node.
type NodeAccess interface {
	CanAccessNode(ctx context.Context, userID int, nodeUUID string) (bool, error)
}

type Bootstrapper interface {
	GetOrCreate(ctx context.Context, nodeUUID string) (repo.DocumentID, error)
}

type Config struct {
	Repo   *repo.Repo
	Policy repo.SharePolicy
	Tokens auth.TokenResolver
	Nodes  NodeAccess
	// Bootstrap may be nil, in which case the node route is not served.
	Bootstrap Bootstrapper
	// AdminToken guards the admin routes. Empty disables them.
	AdminToken string
	Conn       *transport.Settings
}

// Server is the HTTP face of the sync engine: the websocket endpoint and a
// small JSON API around the repository.
type Server struct {
	ctx    context.Context
	cfg    Config
	router *mux.Router

	upgrader websocket.Upgrader
}

// New builds the router. ctx bounds the work started on behalf of
// connections and must outlive them.
func New(ctx context.Context, cfg Config) *Server {
	s := &Server{
		ctx: ctx,
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// browsers from the platform origin authenticate by cookie; the
			// token check below is the gate
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.health).Methods(http.MethodGet)
	r.HandleFunc("/sync", s.sync).Methods(http.MethodGet)
	api := r.PathPrefix("/v1").Subrouter()
	if cfg.Bootstrap != nil {
		api.HandleFunc("/nodes/{uuid}/document", s.nodeDocument).Methods(http.MethodPost)
	}
	api.HandleFunc("/documents/{id}", s.getDocument).Methods(http.MethodGet)
	if cfg.AdminToken != "" {
		api.HandleFunc("/admin/documents/{id}", s.purgeDocument).Methods(http.MethodDelete)
	}
	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte("ok"))
}

func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (*auth.Identity, bool) {
	ident, err := s.cfg.Tokens.ResolveToken(r.Context(), auth.TokenFromRequest(r))
	if err != nil {
		glog.V(1).Infof("[server]%s %s unauthenticated = %s\n", r.Method, r.URL.Path, err)
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return nil, false
	}
	return ident, true
}

// sync upgrades an authenticated request to a sync connection. A request
// that fails authentication never gets a websocket.
func (s *Server) sync(w http.ResponseWriter, r *http.Request) {
	ident, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Infof("[server]upgrade error = %s\n", err)
		return
	}

	conn := transport.NewConn(peer.New(ident.UserID), ws, s.cfg.Conn)
	glog.Infof("[server]user %d connected as %s\n", ident.UserID, conn.ID())
	s.cfg.Repo.AddPeer(conn)
	conn.Run(s.ctx, s.cfg.Repo)
	glog.Infof("[server]%s disconnected\n", conn.ID())
}

type nodeDocumentResponse struct {
	DocumentID repo.DocumentID `json:"documentId"`
}

func (s *Server) nodeDocument(w http.ResponseWriter, r *http.Request) {
	ident, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	nodeUUID := mux.Vars(r)["uuid"]
	allowed, err := s.cfg.Nodes.CanAccessNode(r.Context(), ident.UserID, nodeUUID)
	if err != nil {
		glog.Warningf("[server]node access %s for %d error = %s\n", nodeUUID, ident.UserID, err)
		writeError(w, http.StatusServiceUnavailable, "try again later")
		return
	}
	if !allowed {
		writeError(w, http.StatusNotFound, "node not found")
		return
	}

	id, err := s.cfg.Bootstrap.GetOrCreate(r.Context(), nodeUUID)
	if err != nil {
		glog.Warningf("[server]bootstrap %s error = %s\n", nodeUUID, err)
		var be *bootstrap.Error
		if errors.As(err, &be) {
			writeError(w, http.StatusBadGateway, "could not initialize document")
			return
		}
		writeError(w, http.StatusServiceUnavailable, "try again later")
		return
	}
	writeJSON(w, http.StatusOK, &nodeDocumentResponse{DocumentID: id})
}

type documentResponse struct {
	DocumentID repo.DocumentID `json:"documentId"`
	Clock      crdt.Clock      `json:"clock"`
	Value      map[string]any  `json:"value"`
}

// getDocument serves a document's current value under the same share policy
// that guards sync. Denied and missing documents both answer 404.
func (s *Server) getDocument(w http.ResponseWriter, r *http.Request) {
	ident, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	id := repo.DocumentID(mux.Vars(r)["id"])
	if !s.cfg.Policy.MayShare(r.Context(), peer.New(ident.UserID), string(id)) {
		writeError(w, http.StatusNotFound, "document not found")
		return
	}

	h, err := s.cfg.Repo.Find(r.Context(), id)
	switch {
	case errors.Is(err, repo.ErrDocumentNotFound):
		writeError(w, http.StatusNotFound, "document not found")
		return
	case err != nil:
		glog.Warningf("[server]find %s error = %s\n", id, err)
		writeError(w, http.StatusServiceUnavailable, "try again later")
		return
	}
	value, err := h.Value(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "try again later")
		return
	}
	writeJSON(w, http.StatusOK, &documentResponse{
		DocumentID: id,
		Clock:      h.Clock(),
		Value:      value,
	})
}

func (s *Server) purgeDocument(w http.ResponseWriter, r *http.Request) {
	token, _ := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AdminToken)) != 1 {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	id := repo.DocumentID(mux.Vars(r)["id"])
	if err := s.cfg.Repo.Purge(r.Context(), id); err != nil {
		glog.Errorf("[server]purge %s error = %s\n", id, err)
		writeError(w, http.StatusInternalServerError, "purge failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, &errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		glog.V(1).Infof("[server]write response error = %s\n", err)
	}
}
