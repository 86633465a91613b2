package queue

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/beevik/etree"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blackmichael/diaspora-node/internal/discovery"
	"github.com/blackmichael/diaspora-node/internal/domain"
	"github.com/blackmichael/diaspora-node/internal/envelope"
	"github.com/blackmichael/diaspora-node/internal/federation"
	"github.com/blackmichael/diaspora-node/internal/sqlite"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type mapResolver map[string]*domain.Contact

func (r mapResolver) Resolve(_ context.Context, handle string) (*domain.Contact, error) {
	if c, ok := r[handle]; ok {
		return c, nil
	}
	return nil, fmt.Errorf("%w: %s unreachable", domain.ErrDiscovery, handle)
}

type recordingPublisher struct {
	mu    sync.Mutex
	posts []*domain.Post
}

func (r *recordingPublisher) Publish(p *domain.Post) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.posts = append(r.posts, p)
}

type fixture struct {
	ctx    context.Context
	repo   *sqlite.Repository
	alice  *domain.User
	bob    *domain.Contact
	bobKey *rsa.PrivateKey
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	repo, err := sqlite.NewRepository(ctx, filepath.Join(t.TempDir(), "node.db"))
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	aliceKey, err := rsa.GenerateKey(rand.Reader, 1024)
	require.NoError(t, err)
	alice := &domain.User{
		GUID:       "alice-guid",
		PrivateKey: aliceKey,
		Contact: &domain.Contact{
			RealName: "Alice",
			Identity: &domain.Identity{Handle: "alice@local.example", Server: "https://local.example/"},
		},
	}
	require.NoError(t, repo.CreateUser(ctx, alice))

	bobKey, err := rsa.GenerateKey(rand.Reader, 1024)
	require.NoError(t, err)
	bob, err := repo.CreateRemoteContact(ctx, &domain.Contact{
		RealName: "Bob",
		Identity: &domain.Identity{
			Handle:    "bob@remote.example",
			GUID:      "bob-guid",
			Server:    "https://remote.example/",
			PublicKey: &bobKey.PublicKey,
		},
	})
	require.NoError(t, err)

	return &fixture{ctx: ctx, repo: repo, alice: alice, bob: bob, bobKey: bobKey}
}

func (fx *fixture) processor(resolver envelope.Resolver, opts Options) *Processor {
	return NewProcessor(fx.repo, resolver, federation.NewDispatcher(federation.NewRegistry()), discardLogger, opts)
}

func statusMessage(guid, text, author string, public bool) *etree.Element {
	el := etree.NewElement("status_message")
	el.CreateElement("raw_message").SetText(text)
	el.CreateElement("guid").SetText(guid)
	el.CreateElement("diaspora_handle").SetText(author)
	el.CreateElement("public").SetText(fmt.Sprint(public))
	el.CreateElement("created_at").SetText(time.Now().UTC().Format(federation.TimeLayout))
	return el
}

// private builds an envelope from bob addressed to alice.
func (fx *fixture) private(t *testing.T, el *etree.Element) []byte {
	t.Helper()
	raw, err := envelope.Build(el, "bob@remote.example", fx.bobKey).Marshal(&fx.alice.PrivateKey.PublicKey)
	require.NoError(t, err)
	return raw
}

func TestDrainSkipsMalformedItem(t *testing.T) {
	fx := newFixture(t)
	p := fx.processor(mapResolver{"bob@remote.example": fx.bob}, Options{})

	first, err := p.Enqueue(fx.ctx, fx.alice.ID, fx.private(t, statusMessage("g1", "one", "bob@remote.example", false)))
	require.NoError(t, err)
	second, err := p.Enqueue(fx.ctx, fx.alice.ID, []byte("<diaspora>garbage"))
	require.NoError(t, err)
	third, err := p.Enqueue(fx.ctx, fx.alice.ID, fx.private(t, statusMessage("g3", "three", "bob@remote.example", false)))
	require.NoError(t, err)

	stats, err := p.Drain(fx.ctx, fx.alice)
	require.NoError(t, err)
	assert.Equal(t, Stats{Processed: 2, Failed: 1}, stats)

	for id, want := range map[int64]string{
		first.ID:  domain.StatusProcessed,
		second.ID: domain.StatusFailed,
		third.ID:  domain.StatusProcessed,
	} {
		item, err := fx.repo.QueueItem(fx.ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want, item.Status, "item %d", id)
	}

	for _, guid := range []string{"g1", "g3"} {
		post, err := fx.repo.PostByGUID(fx.ctx, guid)
		require.NoError(t, err)
		assert.True(t, post.SharedWith(fx.alice.ContactID()))
	}
}

func TestDrainAppliesInReceiptOrder(t *testing.T) {
	fx := newFixture(t)
	p := fx.processor(mapResolver{"bob@remote.example": fx.bob}, Options{})

	root := &domain.Post{GUID: "root", AuthorID: fx.bob.ID}
	bob := &domain.User{Contact: fx.bob, PrivateKey: fx.bobKey}
	comment, ok := federation.NewRegistry().Lookup(federation.TypeComment)
	require.True(t, ok)
	reply, err := comment.Generate(federation.GenerateInput{
		From: bob,
		Post: &domain.Post{GUID: "reply"},
		Root: root,
		Text: "first!",
	})
	require.NoError(t, err)

	_, err = p.Enqueue(fx.ctx, fx.alice.ID, fx.private(t, statusMessage("root", "root", "bob@remote.example", false)))
	require.NoError(t, err)
	_, err = p.Enqueue(fx.ctx, fx.alice.ID, fx.private(t, reply))
	require.NoError(t, err)

	stats, err := p.Drain(fx.ctx, fx.alice)
	require.NoError(t, err)
	assert.Equal(t, Stats{Processed: 2}, stats)

	post, err := fx.repo.PostByGUID(fx.ctx, "reply")
	require.NoError(t, err)
	parent, err := fx.repo.PostByGUID(fx.ctx, "root")
	require.NoError(t, err)
	assert.Equal(t, parent.ID, post.ParentID)
}

func TestDrainRetriesDiscoveryFailures(t *testing.T) {
	fx := newFixture(t)
	p := fx.processor(mapResolver{}, Options{MaxAttempts: 2})

	item, err := p.Enqueue(fx.ctx, fx.alice.ID, fx.private(t, statusMessage("g1", "x", "bob@remote.example", false)))
	require.NoError(t, err)

	stats, err := p.Drain(fx.ctx, fx.alice)
	require.NoError(t, err)
	assert.Equal(t, Stats{Retried: 1}, stats)

	got, err := fx.repo.QueueItem(fx.ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.Contains(t, got.LastError, "unreachable")

	stats, err = p.Drain(fx.ctx, fx.alice)
	require.NoError(t, err)
	assert.Equal(t, Stats{Failed: 1}, stats)

	got, err = fx.repo.QueueItem(fx.ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, got.Status)
}

func TestDrainMarksTrustFailures(t *testing.T) {
	fx := newFixture(t)
	p := fx.processor(mapResolver{"bob@remote.example": fx.bob}, Options{})

	spoofed := fx.private(t, statusMessage("g1", "x", "alice@local.example", false))
	item, err := p.Enqueue(fx.ctx, fx.alice.ID, spoofed)
	require.NoError(t, err)

	stats, err := p.Drain(fx.ctx, fx.alice)
	require.NoError(t, err)
	assert.Equal(t, Stats{Failed: 1}, stats)

	got, err := fx.repo.QueueItem(fx.ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.Contains(t, got.LastError, domain.ErrTrust.Error())

	_, err = fx.repo.PostByGUID(fx.ctx, "g1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestDrainAllHandlesEveryQueue(t *testing.T) {
	fx := newFixture(t)
	pub := &recordingPublisher{}
	p := fx.processor(mapResolver{"bob@remote.example": fx.bob}, Options{Publisher: pub})

	raw, err := envelope.Build(statusMessage("pub", "hi #all", "bob@remote.example", true), "bob@remote.example", fx.bobKey).Marshal(nil)
	require.NoError(t, err)
	_, err = p.Enqueue(fx.ctx, 0, raw)
	require.NoError(t, err)
	_, err = p.Enqueue(fx.ctx, fx.alice.ID, fx.private(t, statusMessage("priv", "psst", "bob@remote.example", false)))
	require.NoError(t, err)

	stats, err := p.DrainAll(fx.ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Processed: 2}, stats)

	owners, err := fx.repo.PendingOwners(fx.ctx)
	require.NoError(t, err)
	assert.Empty(t, owners)

	require.Len(t, pub.posts, 1)
	assert.Equal(t, "pub", pub.posts[0].GUID)
}

func TestStartDrainJobStopsOnCancel(t *testing.T) {
	fx := newFixture(t)
	p := fx.processor(mapResolver{"bob@remote.example": fx.bob}, Options{})
	_, err := p.Enqueue(fx.ctx, fx.alice.ID, fx.private(t, statusMessage("g1", "x", "bob@remote.example", false)))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(fx.ctx)
	done := make(chan struct{})
	go func() {
		p.StartDrainJob(ctx, time.Hour)
		close(done)
	}()

	require.Eventually(t, func() bool {
		_, err := fx.repo.PostByGUID(fx.ctx, "g1")
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("drain job did not stop")
	}
}

// TestPublicStatusMessageEndToEnd sends a public post from a node that is
// only known through discovery.
func TestPublicStatusMessageEndToEnd(t *testing.T) {
	fx := newFixture(t)

	aliceKey, err := rsa.GenerateKey(rand.Reader, 1024)
	require.NoError(t, err)
	var node1 *httptest.Server
	handle := func() string { return "alice@" + strings.TrimPrefix(node1.URL, "http://") }

	mux := http.NewServeMux()
	mux.HandleFunc("GET /.well-known/host-meta", func(w http.ResponseWriter, r *http.Request) {
		discovery.HostMeta(node1.URL + "/webfinger?q={uri}").WriteTo(w)
	})
	mux.HandleFunc("GET /webfinger", func(w http.ResponseWriter, r *http.Request) {
		discovery.WebFinger(discovery.Profile{
			Handle:       handle(),
			HCardURL:     node1.URL + "/hcard/users/a1",
			SeedLocation: node1.URL + "/",
			GUID:         "a1",
			PublicKey:    &aliceKey.PublicKey,
		}).WriteTo(w)
	})
	mux.HandleFunc("GET /hcard/users/a1", func(w http.ResponseWriter, r *http.Request) {
		discovery.WriteHCard(w, discovery.HCard{FullName: "Alice One", URL: node1.URL + "/"})
	})
	node1 = httptest.NewServer(mux)
	defer node1.Close()

	resolver := discovery.NewResolver(fx.repo, nil, discardLogger, discovery.Options{Scheme: "http"})
	pub := &recordingPublisher{}
	p := fx.processor(resolver, Options{Publisher: pub})

	raw, err := envelope.Build(statusMessage("g1", "hello #world", handle(), true), handle(), aliceKey).Marshal(nil)
	require.NoError(t, err)
	_, err = p.Enqueue(fx.ctx, 0, raw)
	require.NoError(t, err)

	stats, err := p.Drain(fx.ctx, nil)
	require.NoError(t, err)
	require.Equal(t, Stats{Processed: 1}, stats)

	post, err := fx.repo.PostByGUID(fx.ctx, "g1")
	require.NoError(t, err)
	author, err := fx.repo.ContactByID(fx.ctx, post.AuthorID)
	require.NoError(t, err)
	assert.Equal(t, handle(), author.Handle())
	assert.Equal(t, "Alice One", author.RealName)
	assert.Equal(t, []string{"world"}, post.Tags)
	assert.Equal(t, []domain.Share{{ContactID: author.ID, ShowOnWall: true}}, post.Shares)
	assert.Equal(t, domain.VisibilityPublic, post.Visibility)
	require.Len(t, pub.posts, 1)
}
