package federation

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"path/filepath"
	"testing"
	"time"

	"github.com/beevik/etree"
	"github.com/stretchr/testify/require"

	"github.com/blackmichael/diaspora-node/internal/domain"
	"github.com/blackmichael/diaspora-node/internal/sqlite"
)

type fixture struct {
	ctx   context.Context
	repo  *sqlite.Repository
	alice *domain.User
	bob   *domain.Contact

	// bobUser lets tests generate messages as bob.
	bobUser *domain.User
	media   *stubImporter
}

type stubImporter struct {
	urls []string
}

func (s *stubImporter) Import(_ context.Context, rawURL string) (*domain.Part, error) {
	s.urls = append(s.urls, rawURL)
	return &domain.Part{MimeType: "image/png", Body: []byte("png:" + rawURL)}, nil
}

func testKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 1024)
	require.NoError(t, err)
	return key
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	repo, err := sqlite.NewRepository(ctx, filepath.Join(t.TempDir(), "node.db"))
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	alice := &domain.User{
		GUID:       "alice-guid",
		PrivateKey: testKey(t),
		Contact: &domain.Contact{
			RealName: "Alice",
			Identity: &domain.Identity{Handle: "alice@local.example", Server: "https://local.example/"},
		},
	}
	require.NoError(t, repo.CreateUser(ctx, alice))

	bobKey := testKey(t)
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

	return &fixture{
		ctx:     ctx,
		repo:    repo,
		alice:   alice,
		bob:     bob,
		bobUser: &domain.User{GUID: "bob-guid", Contact: bob, PrivateKey: bobKey},
		media:   &stubImporter{},
	}
}

// payload wraps a message element the way a decoded envelope presents it.
func payload(el *etree.Element) *etree.Document {
	doc := etree.NewDocument()
	doc.CreateElement("XML").CreateElement("post").AddChild(el)
	return doc
}

func (fx *fixture) message(el *etree.Element, user *domain.User) *Message {
	return &Message{
		Doc:    payload(el),
		Sender: fx.bob,
		User:   user,
		Store:  fx.repo,
		Media:  fx.media,
	}
}

// element builds <name> with the given children in order.
func element(name string, pairs ...string) *etree.Element {
	el := etree.NewElement(name)
	appendFields(el, pairs...)
	return el
}

// storePost stores a post by author shared with the given contacts.
func (fx *fixture) storePost(t *testing.T, guid string, authorID int64, visibility string, shareWith ...int64) *domain.Post {
	t.Helper()
	p := &domain.Post{
		AuthorID:   authorID,
		CreatedAt:  time.Now().UTC(),
		Parts:      []domain.Part{markdownPart("root text")},
		GUID:       guid,
		Visibility: visibility,
	}
	p.ShareWith(visibility == domain.VisibilityPublic, shareWith...)
	require.NoError(t, fx.repo.CreatePost(fx.ctx, p))
	return p
}
