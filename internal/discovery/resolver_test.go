package discovery

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blackmichael/diaspora-node/internal/domain"
	"github.com/blackmichael/diaspora-node/internal/media"
	"github.com/blackmichael/diaspora-node/internal/sqlite"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// remoteNode serves the discovery documents for a single user "bob".
type remoteNode struct {
	server     *httptest.Server
	key        *rsa.PrivateKey
	webfingers atomic.Int32
}

func newRemoteNode(t *testing.T) *remoteNode {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 1024)
	require.NoError(t, err)

	n := &remoteNode{key: key}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /.well-known/host-meta", func(w http.ResponseWriter, r *http.Request) {
		doc := HostMeta(n.server.URL + "/webfinger?q={uri}")
		doc.WriteTo(w)
	})
	mux.HandleFunc("GET /webfinger", func(w http.ResponseWriter, r *http.Request) {
		n.webfingers.Add(1)
		if r.URL.Query().Get("q") != "acct:"+n.handle() {
			http.NotFound(w, r)
			return
		}
		doc := WebFinger(Profile{
			Handle:       n.handle(),
			HCardURL:     n.server.URL + "/hcard/users/bob-guid",
			SeedLocation: n.server.URL + "/",
			GUID:         "bob-guid",
			PublicKey:    &key.PublicKey,
		})
		doc.WriteTo(w)
	})
	mux.HandleFunc("GET /hcard/users/bob-guid", func(w http.ResponseWriter, r *http.Request) {
		WriteHCard(w, HCard{FullName: "Bob Builder", URL: n.server.URL + "/", PhotoURL: "/avatar.png", Searchable: true})
	})
	mux.HandleFunc("GET /avatar.png", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte("\x89PNG"))
	})
	n.server = httptest.NewServer(mux)
	t.Cleanup(n.server.Close)
	return n
}

func (n *remoteNode) handle() string {
	return "bob@" + strings.TrimPrefix(n.server.URL, "http://")
}

func newTestResolver(t *testing.T) (*Resolver, *sqlite.Repository) {
	t.Helper()
	repo, err := sqlite.NewRepository(context.Background(), filepath.Join(t.TempDir(), "node.db"))
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	r := NewResolver(repo, media.NewFetcher(nil), discardLogger, Options{Scheme: "http", Timeout: 5 * time.Second})
	return r, repo
}

func TestResolveDiscoversAndStores(t *testing.T) {
	node := newRemoteNode(t)
	r, repo := newTestResolver(t)
	ctx := context.Background()

	c, err := r.Resolve(ctx, node.handle())
	require.NoError(t, err)
	assert.NotZero(t, c.ID)
	assert.Equal(t, "Bob Builder", c.RealName)
	assert.Equal(t, "bob-guid", c.Identity.GUID)
	assert.Equal(t, node.server.URL+"/", c.Identity.Server)
	assert.True(t, node.key.PublicKey.Equal(c.Identity.PublicKey))
	require.NotNil(t, c.Avatar)
	assert.Equal(t, "image/png", c.Avatar.MimeType)
	assert.Equal(t, "(picture for Bob Builder)", c.Avatar.TextPreview)

	stored, err := repo.ContactByHandle(ctx, node.handle())
	require.NoError(t, err)
	assert.Equal(t, c.ID, stored.ID)
}

func TestResolveIsCacheFirst(t *testing.T) {
	node := newRemoteNode(t)
	r, _ := newTestResolver(t)
	ctx := context.Background()

	first, err := r.Resolve(ctx, node.handle())
	require.NoError(t, err)
	second, err := r.Resolve(ctx, node.handle())
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, int32(1), node.webfingers.Load())
}

func TestResolveConcurrentCallersShareOneIdentity(t *testing.T) {
	node := newRemoteNode(t)
	r, _ := newTestResolver(t)

	const callers = 8
	ids := make([]int64, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := r.Resolve(context.Background(), node.handle())
			if assert.NoError(t, err) {
				ids[i] = c.ID
			}
		}()
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	assert.Equal(t, int32(1), node.webfingers.Load())
}

func TestResolveFailureIsDiscoveryError(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer server.Close()

	r, repo := newTestResolver(t)
	handle := "carol@" + strings.TrimPrefix(server.URL, "http://")

	_, err := r.Resolve(context.Background(), handle)
	assert.ErrorIs(t, err, domain.ErrDiscovery)
	assert.Equal(t, int32(2), hits.Load(), "one retry")

	_, err = repo.ContactByHandle(context.Background(), handle)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestResolveRejectsBadHandle(t *testing.T) {
	r, _ := newTestResolver(t)
	_, err := r.Resolve(context.Background(), "no-at-sign")
	assert.ErrorIs(t, err, domain.ErrDiscovery)
}

func TestWebFingerRoundTrip(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 1024)
	require.NoError(t, err)
	in := Profile{
		Handle:       "alice@node.example",
		HCardURL:     "https://node.example/hcard/users/g",
		SeedLocation: "https://node.example/",
		GUID:         "g",
		PublicKey:    &key.PublicKey,
	}

	raw, err := WebFinger(in).WriteToBytes()
	require.NoError(t, err)
	out, err := ParseWebFinger(raw)
	require.NoError(t, err)
	assert.Equal(t, in.Handle, out.Handle)
	assert.Equal(t, in.GUID, out.GUID)
	assert.Equal(t, in.HCardURL, out.HCardURL)
	assert.True(t, key.PublicKey.Equal(out.PublicKey))

	_, err = ParseWebFinger([]byte(`<XRD xmlns="` + XRDNS + `"><Subject>acct:a@b</Subject></XRD>`))
	assert.Error(t, err)
}

func TestHostMetaTemplate(t *testing.T) {
	raw, err := HostMeta("https://node.example/webfinger?q={uri}").WriteToBytes()
	require.NoError(t, err)
	template, err := LRDDTemplate(raw)
	require.NoError(t, err)
	assert.Equal(t, "https://node.example/webfinger?q={uri}", template)

	_, err = LRDDTemplate([]byte(`<XRD/>`))
	assert.Error(t, err)
}

func TestHCardRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteHCard(&buf, HCard{
		FullName:   "Alice <Admin>",
		URL:        "https://node.example/",
		PhotoURL:   "https://node.example/contacts/1/avatar",
		Searchable: true,
	}))

	card, err := ParseHCard(&buf)
	require.NoError(t, err)
	assert.Equal(t, "Alice <Admin>", card.FullName)
	assert.Equal(t, "https://node.example/contacts/1/avatar", card.PhotoURL)
	assert.True(t, card.Searchable)

	_, err = ParseHCard(strings.NewReader("<p>nothing here</p>"))
	assert.Error(t, err)
}
