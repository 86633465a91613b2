// Package discovery resolves federation handles to contacts by way of
// host-meta, WebFinger and hCard documents, and renders those documents for
// local users.
package discovery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/blackmichael/diaspora-node/internal/domain"
)

// DefaultTimeout bounds each remote fetch.
const DefaultTimeout = 10 * time.Second

// maxDocumentSize caps host-meta, WebFinger and hCard bodies.
const maxDocumentSize = 1 << 20

// Store is the subset of persistence the resolver needs.
type Store interface {
	ContactByHandle(ctx context.Context, handle string) (*domain.Contact, error)
	CreateRemoteContact(ctx context.Context, c *domain.Contact) (*domain.Contact, error)
}

// Importer downloads avatar images.
type Importer interface {
	Import(ctx context.Context, rawURL string) (*domain.Part, error)
}

// Options configures a Resolver. Zero values select the defaults.
type Options struct {
	HTTPClient *http.Client

	// Timeout bounds each fetch attempt.
	Timeout time.Duration

	// Scheme is used to reach host-meta, "https" unless set.
	Scheme string
}

// Resolver finds the contact behind a handle, consulting the store before
// the network. It is safe for concurrent use; concurrent lookups of the same
// handle share one fetch.
type Resolver struct {
	store      Store
	media      Importer
	httpClient *http.Client
	timeout    time.Duration
	scheme     string
	logger     *slog.Logger
	group      singleflight.Group
}

// NewResolver creates a Resolver. media may be nil, in which case avatars are
// not imported.
func NewResolver(store Store, media Importer, logger *slog.Logger, opts Options) *Resolver {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Scheme == "" {
		opts.Scheme = "https"
	}
	return &Resolver{
		store:      store,
		media:      media,
		httpClient: opts.HTTPClient,
		timeout:    opts.Timeout,
		scheme:     opts.Scheme,
		logger:     logger,
	}
}

// Resolve returns the contact for handle. A stored identity is returned
// without touching the network. Otherwise the identity is discovered,
// stored and returned. Network and remote-format failures wrap
// domain.ErrDiscovery.
func (r *Resolver) Resolve(ctx context.Context, handle string) (*domain.Contact, error) {
	c, err := r.store.ContactByHandle(ctx, handle)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	v, err, _ := r.group.Do(handle, func() (any, error) {
		return r.discover(ctx, handle)
	})
	if err != nil {
		return nil, err
	}
	return v.(*domain.Contact), nil
}

func (r *Resolver) discover(ctx context.Context, handle string) (*domain.Contact, error) {
	// Another caller may have stored it while we waited for the group.
	if c, err := r.store.ContactByHandle(ctx, handle); err == nil {
		return c, nil
	}

	_, host, err := domain.SplitHandle(handle)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrDiscovery, err)
	}

	profile, err := r.webFinger(ctx, host, handle)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", domain.ErrDiscovery, handle, err)
	}

	hcardBody, err := r.fetch(ctx, profile.HCardURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: hcard: %w", domain.ErrDiscovery, handle, err)
	}
	card, err := ParseHCard(bytes.NewReader(hcardBody))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", domain.ErrDiscovery, handle, err)
	}

	c := &domain.Contact{
		RealName: card.FullName,
		Identity: &domain.Identity{
			Handle:    handle,
			GUID:      profile.GUID,
			Server:    profile.SeedLocation,
			PublicKey: profile.PublicKey,
		},
	}
	if card.PhotoURL != "" && r.media != nil {
		c.Avatar = r.importAvatar(ctx, profile.HCardURL, card)
	}

	stored, err := r.store.CreateRemoteContact(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("store contact %s: %w", handle, err)
	}
	r.logger.Info("discovered contact", "handle", handle, "contact_id", stored.ID)
	return stored, nil
}

func (r *Resolver) webFinger(ctx context.Context, host, handle string) (*Profile, error) {
	hostMeta, err := r.fetch(ctx, r.scheme+"://"+host+"/.well-known/host-meta")
	if err != nil {
		return nil, fmt.Errorf("host-meta: %w", err)
	}
	template, err := LRDDTemplate(hostMeta)
	if err != nil {
		return nil, err
	}

	target := strings.ReplaceAll(template, "{uri}", url.QueryEscape("acct:"+handle))
	body, err := r.fetch(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("webfinger: %w", err)
	}
	profile, err := ParseWebFinger(body)
	if err != nil {
		return nil, err
	}
	if profile.Handle != "" && !strings.EqualFold(profile.Handle, handle) {
		return nil, fmt.Errorf("webfinger subject %q does not match", profile.Handle)
	}
	return profile, nil
}

// importAvatar fetches the hCard photo. A failure leaves the contact without
// an avatar.
func (r *Resolver) importAvatar(ctx context.Context, base string, card *HCard) *domain.Part {
	src, err := resolveReference(base, card.PhotoURL)
	if err != nil {
		r.logger.Warn("bad avatar url", "url", card.PhotoURL, "error", err)
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	part, err := r.media.Import(ctx, src)
	if err != nil {
		r.logger.Warn("failed to import avatar", "url", src, "error", err)
		return nil
	}
	part.TextPreview = fmt.Sprintf("(picture for %s)", card.FullName)
	return part
}

// fetch GETs rawURL, retrying once after a network error or server error.
func (r *Resolver) fetch(ctx context.Context, rawURL string) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		body, retry, err := r.fetchOnce(ctx, rawURL)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if !retry || ctx.Err() != nil {
			break
		}
		r.logger.Debug("retrying fetch", "url", rawURL, "error", err)
	}
	return nil, lastErr
}

func (r *Resolver) fetchOnce(ctx context.Context, rawURL string) ([]byte, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, false, fmt.Errorf("create request: %w", err)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, true, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, resp.StatusCode >= 500, fmt.Errorf("fetch %s: status %d", rawURL, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentSize))
	if err != nil {
		return nil, true, fmt.Errorf("read %s: %w", rawURL, err)
	}
	return body, false, nil
}

func resolveReference(base, ref string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	u, err := url.Parse(ref)
	if err != nil {
		return "", err
	}
	return b.ResolveReference(u).String(), nil
}
