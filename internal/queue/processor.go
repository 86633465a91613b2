// Package queue stores incoming envelopes and applies them later, one local
// user at a time.
package queue

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/blackmichael/diaspora-node/internal/domain"
	"github.com/blackmichael/diaspora-node/internal/envelope"
	"github.com/blackmichael/diaspora-node/internal/federation"
)

// DefaultMaxAttempts is how many retryable failures an item may have before
// it is marked failed.
const DefaultMaxAttempts = 10

// Publisher is notified of public posts after they are committed.
type Publisher interface {
	Publish(post *domain.Post)
}

// Stats counts the outcomes of a drain.
type Stats struct {
	Processed int
	Failed    int
	Retried   int
}

func (s *Stats) add(o Stats) {
	s.Processed += o.Processed
	s.Failed += o.Failed
	s.Retried += o.Retried
}

// Options configures a Processor. Zero values select the defaults.
type Options struct {
	MaxAttempts int
	Media       federation.Importer
	Publisher   Publisher
}

// Processor drains incoming queues. Each owner's queue is drained by at most
// one goroutine at a time; different owners drain in parallel.
type Processor struct {
	repo        domain.Repository
	resolver    envelope.Resolver
	dispatcher  *federation.Dispatcher
	media       federation.Importer
	publisher   Publisher
	maxAttempts int
	logger      *slog.Logger

	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

func NewProcessor(
	repo domain.Repository,
	resolver envelope.Resolver,
	dispatcher *federation.Dispatcher,
	logger *slog.Logger,
	opts Options,
) *Processor {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	return &Processor{
		repo:        repo,
		resolver:    resolver,
		dispatcher:  dispatcher,
		media:       opts.Media,
		publisher:   opts.Publisher,
		maxAttempts: opts.MaxAttempts,
		logger:      logger,
		locks:       make(map[int64]*sync.Mutex),
	}
}

// Enqueue stores body as a pending item for userID. A zero userID places it
// in the public queue.
func (p *Processor) Enqueue(ctx context.Context, userID int64, body []byte) (*domain.QueueItem, error) {
	item := &domain.QueueItem{
		Direction:  domain.DirectionIncoming,
		UserID:     userID,
		Body:       body,
		ReceivedAt: time.Now().UTC(),
		Status:     domain.StatusPending,
	}
	if err := p.repo.Enqueue(ctx, item); err != nil {
		return nil, err
	}
	p.logger.Debug("enqueued message", "item_id", item.ID, "user_id", userID, "bytes", len(body))
	return item, nil
}

// Drain applies the pending items of user in the order they were received.
// A nil user drains the public queue. Items that fail for good are marked
// failed and skipped; items that may succeed later stay pending.
//
// The set of items is fixed when the drain starts. If ctx is cancelled the
// drain stops between items and the rest stay pending.
func (p *Processor) Drain(ctx context.Context, user *domain.User) (Stats, error) {
	var owner int64
	if user != nil {
		owner = user.ID
	}

	lock := p.lockFor(owner)
	lock.Lock()
	defer lock.Unlock()

	items, err := p.repo.PendingItems(ctx, owner)
	if err != nil {
		return Stats{}, fmt.Errorf("load queue of user %d: %w", owner, err)
	}

	var stats Stats
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		stats.add(p.handle(ctx, item, user))
	}

	if len(items) > 0 {
		p.logger.Info("drained queue",
			"user_id", owner,
			"processed", stats.Processed,
			"failed", stats.Failed,
			"retried", stats.Retried,
		)
	}
	return stats, nil
}

// DrainAll drains every queue that has pending items.
func (p *Processor) DrainAll(ctx context.Context) (Stats, error) {
	owners, err := p.repo.PendingOwners(ctx)
	if err != nil {
		return Stats{}, err
	}

	var (
		mu    sync.Mutex
		total Stats
	)
	g, ctx := errgroup.WithContext(ctx)
	for _, owner := range owners {
		g.Go(func() error {
			var user *domain.User
			if owner != 0 {
				u, err := p.repo.UserByID(ctx, owner)
				if err != nil {
					return fmt.Errorf("load user %d: %w", owner, err)
				}
				user = u
			}
			stats, err := p.Drain(ctx, user)
			mu.Lock()
			total.add(stats)
			mu.Unlock()
			return err
		})
	}
	err = g.Wait()
	return total, err
}

// StartDrainJob drains all queues immediately and then at every interval
// until ctx is cancelled.
func (p *Processor) StartDrainJob(ctx context.Context, interval time.Duration) {
	p.runDrain(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.runDrain(ctx)
		}
	}
}

func (p *Processor) runDrain(ctx context.Context) {
	if _, err := p.DrainAll(ctx); err != nil && !errors.Is(err, context.Canceled) {
		p.logger.Error("queue drain failed", "error", err)
	}
}

func (p *Processor) lockFor(owner int64) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.locks[owner]
	if !ok {
		l = &sync.Mutex{}
		p.locks[owner] = l
	}
	return l
}

// handle processes one item and records its outcome.
func (p *Processor) handle(ctx context.Context, item domain.QueueItem, user *domain.User) Stats {
	log := p.logger.With("item_id", item.ID, "user_id", item.UserID)

	name, published, err := p.apply(ctx, item, user)
	if err == nil {
		log.Info("processed message", "type", name)
		for _, post := range published {
			if p.publisher != nil {
				p.publisher.Publish(post)
			}
		}
		return Stats{Processed: 1}
	}

	if domain.IsTerminal(err) {
		if errors.Is(err, domain.ErrTrust) {
			log.Warn("rejected message", "type", name, "error", err, "security", true)
		} else {
			log.Warn("rejected message", "type", name, "error", err)
		}
		if markErr := p.repo.MarkFailed(ctx, item.ID, err.Error()); markErr != nil {
			log.Error("failed to mark item failed", "error", markErr)
		}
		return Stats{Failed: 1}
	}

	attempts, markErr := p.repo.RecordAttempt(ctx, item.ID, err.Error())
	if markErr != nil {
		log.Error("failed to record attempt", "error", markErr)
		return Stats{Retried: 1}
	}
	if attempts >= p.maxAttempts {
		log.Warn("giving up on message", "type", name, "attempts", attempts, "error", err)
		if markErr := p.repo.MarkFailed(ctx, item.ID, err.Error()); markErr != nil {
			log.Error("failed to mark item failed", "error", markErr)
		}
		return Stats{Failed: 1}
	}
	log.Info("will retry message", "type", name, "attempts", attempts, "error", err)
	return Stats{Retried: 1}
}

// apply decodes, dispatches and receives the item. The handler's writes and
// the processed mark are committed together.
func (p *Processor) apply(ctx context.Context, item domain.QueueItem, user *domain.User) (string, []*domain.Post, error) {
	var key *rsa.PrivateKey
	if user != nil {
		key = user.PrivateKey
	}

	doc, sender, err := envelope.Decode(ctx, item.Body, key, p.resolver)
	if err != nil {
		return "", nil, err
	}
	reg, err := p.dispatcher.Dispatch(doc)
	if err != nil {
		return "", nil, err
	}

	m := &federation.Message{
		Doc:    doc,
		Sender: sender,
		User:   user,
		Media:  p.media,
	}
	err = p.repo.WithTx(ctx, func(tx domain.Store) error {
		m.Store = tx
		if err := reg.Handler.Receive(ctx, m); err != nil {
			return err
		}
		return tx.MarkProcessed(ctx, item.ID)
	})
	if err != nil {
		return reg.Name, nil, err
	}
	return reg.Name, m.Published(), nil
}
