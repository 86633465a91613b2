package httpserver

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blackmichael/diaspora-node/internal/config"
	"github.com/blackmichael/diaspora-node/internal/discovery"
	"github.com/blackmichael/diaspora-node/internal/domain"
	"github.com/blackmichael/diaspora-node/internal/sqlite"
)

type enqueued struct {
	userID int64
	body   string
}

type recordingQueue struct {
	mu    sync.Mutex
	items []enqueued
}

func (q *recordingQueue) Enqueue(_ context.Context, userID int64, body []byte) (*domain.QueueItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, enqueued{userID, string(body)})
	return &domain.QueueItem{ID: int64(len(q.items)), UserID: userID, Body: body}, nil
}

func (q *recordingQueue) received() []enqueued {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]enqueued(nil), q.items...)
}

type tagRecorder struct {
	mu   sync.Mutex
	tags []string
}

func (s *tagRecorder) served() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.tags...)
}

func (s *tagRecorder) ServeTag(w http.ResponseWriter, _ *http.Request, tag string) {
	s.mu.Lock()
	s.tags = append(s.tags, tag)
	s.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

type testServer struct {
	*httptest.Server
	repo     *sqlite.Repository
	alice    *domain.User
	queue    *recordingQueue
	streamer *tagRecorder
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ctx := context.Background()
	repo, err := sqlite.NewRepository(ctx, filepath.Join(t.TempDir(), "node.db"))
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	key, err := rsa.GenerateKey(rand.Reader, 1024)
	require.NoError(t, err)
	alice := &domain.User{
		GUID:       "alice-guid",
		PrivateKey: key,
		Contact: &domain.Contact{
			RealName: "Alice Liddell",
			Identity: &domain.Identity{Handle: "alice@pod.example", Server: "https://pod.example/"},
		},
	}
	require.NoError(t, repo.CreateUser(ctx, alice))

	cfg := &config.Config{Hostname: "pod.example", Scheme: "https", Port: 0}
	q := &recordingQueue{}
	streamer := &tagRecorder{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	server := httptest.NewServer(NewServer(cfg, repo, q, streamer, logger).Handler())
	t.Cleanup(server.Close)

	return &testServer{Server: server, repo: repo, alice: alice, queue: q, streamer: streamer}
}

func (s *testServer) get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(s.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, body
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	resp, body := s.get(t, "/health")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))
}

func TestHostMeta(t *testing.T) {
	s := newTestServer(t)
	resp, body := s.get(t, "/.well-known/host-meta")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	template, err := discovery.LRDDTemplate(body)
	require.NoError(t, err)
	assert.Equal(t, "https://pod.example/webfinger?q={uri}", template)
}

func TestWebFinger(t *testing.T) {
	s := newTestServer(t)

	resp, body := s.get(t, "/webfinger?q="+url.QueryEscape("acct:alice@pod.example"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "application/xrd+xml")

	profile, err := discovery.ParseWebFinger(body)
	require.NoError(t, err)
	assert.Equal(t, "alice@pod.example", profile.Handle)
	assert.Equal(t, "alice-guid", profile.GUID)
	assert.Equal(t, "https://pod.example/", profile.SeedLocation)
	assert.Equal(t, "https://pod.example/hcard/users/alice-guid", profile.HCardURL)
	assert.True(t, s.alice.PrivateKey.PublicKey.Equal(profile.PublicKey))

	resp, _ = s.get(t, "/webfinger?q=acct:nobody@pod.example")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = s.get(t, "/webfinger")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHCard(t *testing.T) {
	s := newTestServer(t)

	resp, body := s.get(t, "/hcard/users/alice-guid")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	card, err := discovery.ParseHCard(strings.NewReader(string(body)))
	require.NoError(t, err)
	assert.Equal(t, "Alice Liddell", card.FullName)
	assert.Empty(t, card.PhotoURL)

	contact := s.alice.Contact
	contact.Avatar = &domain.Part{MimeType: "image/png", Body: []byte("png"), Inline: true}
	require.NoError(t, s.repo.UpdateProfile(context.Background(), contact))

	_, body = s.get(t, "/hcard/users/alice-guid")
	card, err = discovery.ParseHCard(strings.NewReader(string(body)))
	require.NoError(t, err)
	assert.Regexp(t, `^https://pod\.example/contacts/\d+/avatar$`, card.PhotoURL)

	resp, _ = s.get(t, "/hcard/users/missing")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAvatar(t *testing.T) {
	s := newTestServer(t)
	path := "/contacts/" + strconv.FormatInt(s.alice.ContactID(), 10) + "/avatar"

	resp, _ := s.get(t, path)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	contact := s.alice.Contact
	contact.Avatar = &domain.Part{MimeType: "image/png", Body: []byte("png-bytes"), Inline: true}
	require.NoError(t, s.repo.UpdateProfile(context.Background(), contact))

	resp, body := s.get(t, path)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))
	assert.Equal(t, "png-bytes", string(body))

	resp, _ = s.get(t, "/contacts/9999/avatar")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = s.get(t, "/contacts/abc/avatar")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestReceive(t *testing.T) {
	s := newTestServer(t)

	resp, err := http.PostForm(s.URL+"/receive/users/alice-guid", url.Values{"xml": {"<diaspora/>"}})
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp, err = http.Post(s.URL+"/receive/public", "application/magic-envelope+xml", strings.NewReader("<me:env/>"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	items := s.queue.received()
	require.Len(t, items, 2)
	assert.Equal(t, enqueued{s.alice.ID, "<diaspora/>"}, items[0])
	assert.Equal(t, enqueued{0, "<me:env/>"}, items[1])
}

func TestReceiveRejects(t *testing.T) {
	s := newTestServer(t)

	resp, err := http.PostForm(s.URL+"/receive/users/nobody", url.Values{"xml": {"<diaspora/>"}})
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Post(s.URL+"/receive/public", "text/xml", strings.NewReader("  "))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(s.URL + "/receive/public")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	assert.Empty(t, s.queue.received())
}

func TestTagStreamNormalizesTag(t *testing.T) {
	s := newTestServer(t)

	resp, _ := s.get(t, "/tags/GoLang/stream")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, []string{"golang"}, s.streamer.served())

	resp, _ = s.get(t, "/tags/no-dash/stream")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
