package httpserver

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/blackmichael/diaspora-node/internal/config"
	"github.com/blackmichael/diaspora-node/internal/discovery"
	"github.com/blackmichael/diaspora-node/internal/domain"
)

// maxEnvelopeBytes bounds the size of an inbound envelope.
const maxEnvelopeBytes = 4 << 20

// Store is the read side of the repository the server needs.
type Store interface {
	ContactByID(ctx context.Context, id int64) (*domain.Contact, error)
	UserByGUID(ctx context.Context, guid string) (*domain.User, error)
	UserByHandle(ctx context.Context, handle string) (*domain.User, error)
}

// Queue accepts inbound envelopes for later processing.
type Queue interface {
	Enqueue(ctx context.Context, userID int64, body []byte) (*domain.QueueItem, error)
}

// Streamer serves the websocket stream for a tag.
type Streamer interface {
	ServeTag(w http.ResponseWriter, r *http.Request, tag string)
}

// Server is the HTTP server that serves the federation endpoints of the node.
type Server struct {
	cfg        *config.Config
	store      Store
	queue      Queue
	streamer   Streamer
	logger     *slog.Logger
	httpServer *http.Server
}

// NewServer creates a new HTTP server.
func NewServer(cfg *config.Config, store Store, queue Queue, streamer Streamer, logger *slog.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		store:    store,
		queue:    queue,
		streamer: streamer,
		logger:   logger,
	}

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      withLogging(logger, s.routes()),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /.well-known/host-meta", s.handleHostMeta)
	mux.HandleFunc("GET /webfinger", s.handleWebFinger)
	mux.HandleFunc("GET /hcard/users/{guid}", s.handleHCard)
	mux.HandleFunc("POST /receive/users/{guid}", s.handleReceiveUser)
	mux.HandleFunc("POST /receive/public", s.handleReceivePublic)
	mux.HandleFunc("GET /contacts/{id}/avatar", s.handleAvatar)
	mux.HandleFunc("GET /tags/{name}/stream", s.handleTagStream)
	mux.HandleFunc("GET /health", s.handleHealth)
	return mux
}

// Handler returns the routed handler, including request logging.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins listening for HTTP requests. It blocks until the server is
// shut down or an error occurs.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleHostMeta(w http.ResponseWriter, _ *http.Request) {
	doc := discovery.HostMeta(s.cfg.BaseURL() + "webfinger?q={uri}")
	writeXML(w, doc.WriteTo)
}

func (s *Server) handleWebFinger(w http.ResponseWriter, r *http.Request) {
	handle := strings.TrimPrefix(r.URL.Query().Get("q"), "acct:")
	if handle == "" {
		writeError(w, http.StatusBadRequest, "InvalidRequest", "q parameter is required")
		return
	}

	user, ok := s.lookupUser(w, r, handle, s.store.UserByHandle)
	if !ok {
		return
	}

	base := s.cfg.BaseURL()
	doc := discovery.WebFinger(discovery.Profile{
		Handle:       user.Contact.Handle(),
		HCardURL:     base + "hcard/users/" + user.GUID,
		SeedLocation: base,
		GUID:         user.GUID,
		PublicKey:    &user.PrivateKey.PublicKey,
	})
	writeXML(w, doc.WriteTo)
}

func (s *Server) handleHCard(w http.ResponseWriter, r *http.Request) {
	user, ok := s.lookupUser(w, r, r.PathValue("guid"), s.store.UserByGUID)
	if !ok {
		return
	}

	base := s.cfg.BaseURL()
	card := discovery.HCard{
		FullName:   user.Contact.RealName,
		URL:        base,
		Searchable: true,
	}
	if user.Contact.Avatar != nil {
		card.PhotoURL = base + "contacts/" + strconv.FormatInt(user.Contact.ID, 10) + "/avatar"
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := discovery.WriteHCard(w, card); err != nil {
		s.logger.Error("failed to write hcard", "guid", user.GUID, "error", err)
	}
}

func (s *Server) handleReceiveUser(w http.ResponseWriter, r *http.Request) {
	user, ok := s.lookupUser(w, r, r.PathValue("guid"), s.store.UserByGUID)
	if !ok {
		return
	}
	s.receive(w, r, user.ID)
}

func (s *Server) handleReceivePublic(w http.ResponseWriter, r *http.Request) {
	s.receive(w, r, 0)
}

// receive stores the envelope and acknowledges it. The sender learns nothing
// about whether the message will be accepted.
func (s *Server) receive(w http.ResponseWriter, r *http.Request, userID int64) {
	body, err := readEnvelope(w, r)
	if err != nil {
		s.logger.Warn("unreadable envelope", "user_id", userID, "error", err)
		writeError(w, http.StatusBadRequest, "InvalidRequest", "envelope is required")
		return
	}

	item, err := s.queue.Enqueue(r.Context(), userID, body)
	if err != nil {
		s.logger.Error("failed to enqueue envelope", "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "InternalError", "failed to store message")
		return
	}

	s.logger.Info("envelope received", "user_id", userID, "item_id", item.ID)
	w.WriteHeader(http.StatusAccepted)
}

// readEnvelope accepts either the xml form field or the raw request body.
func readEnvelope(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxEnvelopeBytes)

	var body []byte
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/x-www-form-urlencoded") {
		if err := r.ParseForm(); err != nil {
			return nil, err
		}
		body = []byte(r.PostForm.Get("xml"))
	} else {
		var err error
		body, err = io.ReadAll(r.Body)
		if err != nil {
			return nil, err
		}
	}

	if len(strings.TrimSpace(string(body))) == 0 {
		return nil, errors.New("empty envelope")
	}
	return body, nil
}

func (s *Server) handleAvatar(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "InvalidRequest", "invalid contact id")
		return
	}

	contact, err := s.store.ContactByID(r.Context(), id)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		s.logger.Error("failed to load contact", "contact_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "InternalError", "failed to load contact")
		return
	}
	if contact == nil || contact.Avatar == nil {
		writeError(w, http.StatusNotFound, "NotFound", "no avatar")
		return
	}

	w.Header().Set("Content-Type", contact.Avatar.MimeType)
	w.Header().Set("Content-Length", strconv.Itoa(len(contact.Avatar.Body)))
	w.WriteHeader(http.StatusOK)
	w.Write(contact.Avatar.Body)
}

func (s *Server) handleTagStream(w http.ResponseWriter, r *http.Request) {
	tags := domain.NormalizeTags([]string{r.PathValue("name")})
	if len(tags) == 0 {
		writeError(w, http.StatusBadRequest, "InvalidRequest", "invalid tag")
		return
	}
	s.streamer.ServeTag(w, r, tags[0])
}

// lookupUser loads a local user by key, writing a 404 or 500 response and
// returning false if that fails.
func (s *Server) lookupUser(
	w http.ResponseWriter,
	r *http.Request,
	key string,
	find func(context.Context, string) (*domain.User, error),
) (*domain.User, bool) {
	user, err := find(r.Context(), key)
	if errors.Is(err, domain.ErrNotFound) {
		writeError(w, http.StatusNotFound, "NotFound", "no such user")
		return nil, false
	}
	if err != nil {
		s.logger.Error("failed to load user", "key", key, "error", err)
		writeError(w, http.StatusInternalServerError, "InternalError", "failed to load user")
		return nil, false
	}
	return user, true
}

func writeXML(w http.ResponseWriter, write func(io.Writer) (int64, error)) {
	w.Header().Set("Content-Type", "application/xrd+xml; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	write(w)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, errType, message string) {
	writeJSON(w, status, map[string]string{
		"error":   errType,
		"message": message,
	})
}

func withLogging(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"duration", time.Since(start),
		)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Hijack lets websocket upgrades through the logging middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return http.NewResponseController(w.ResponseWriter).Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
