package service

import (
	"context"
	"log"
	"time"

	"posledger/backend/internal/cache"
	"posledger/backend/internal/domain"
	"posledger/backend/internal/store"
	"posledger/backend/internal/xid"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

// Service is the ledger's application layer. It validates request shape, hands each operation to
// the repository as one atomic unit, keeps the transaction read cache coherent and records audit rows.
type Service struct {
	repo            store.Repository
	txCache         cache.TransactionCache
	cacheTTL        time.Duration
	defaultBranchID string
}

func New(repo store.Repository, txCache cache.TransactionCache, cacheTTL time.Duration, defaultBranchID string) *Service {
	if txCache == nil {
		txCache = cache.NoopTransactionCache{}
	}
	if cacheTTL <= 0 {
		cacheTTL = 30 * time.Second
	}
	if defaultBranchID == "" {
		defaultBranchID = "main-branch"
	}

	return &Service{
		repo:            repo,
		txCache:         txCache,
		cacheTTL:        cacheTTL,
		defaultBranchID: defaultBranchID,
	}
}

func (s *Service) ListAuditLogs(ctx context.Context, branchID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if to.IsZero() {
		to = time.Now().UTC().Add(time.Minute)
	}
	if from.IsZero() {
		from = to.Add(-24 * time.Hour)
	}
	if !from.Before(to) {
		return nil, domain.Invalid("from", "must be before to")
	}
	if limit < 1 {
		limit = 100
	}
	return s.repo.ListAuditLogs(ctx, branchID, from, to, limit)
}

func (s *Service) logAudit(ctx context.Context, branchID string, action string, entityType string, entityID string, detail string) {
	if branchID == "" {
		branchID = s.defaultBranchID
	}

	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}

	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:            xid.New("audit"),
		BranchID:      branchID,
		ActorUsername: actor.Username,
		ActorRole:     actor.Role,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		Detail:        detail,
		CreatedAt:     time.Now().UTC(),
	}); err != nil {
		log.Printf("[audit] WARN: failed to write audit log action=%s entity=%s/%s: %v", action, entityType, entityID, err)
	}
}

// transactionView serves GetTransaction and GetReturnsByTransaction. Cache failures degrade to a
// storage read.
func (s *Service) transactionView(ctx context.Context, transactionID string) (*domain.TransactionReturnsResponse, error) {
	cached, ok, err := s.txCache.Get(ctx, transactionID)
	if err != nil {
		log.Printf("[cache] WARN: read transaction=%s: %v", transactionID, err)
	} else if ok {
		return cached, nil
	}

	tx, err := s.repo.FindTransactionByID(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	view := buildView(*tx)
	if err := s.txCache.Set(ctx, transactionID, view, s.cacheTTL); err != nil {
		log.Printf("[cache] WARN: store transaction=%s: %v", transactionID, err)
	}
	return view, nil
}

// publish stores the view a writer just committed. A reader that loaded the transaction before the
// commit then cannot replace it, since the cache keeps the newer UpdatedAt.
func (s *Service) publish(ctx context.Context, tx *domain.Transaction) {
	err := s.txCache.Set(ctx, tx.ID, buildView(*tx), s.cacheTTL)
	if err == nil {
		return
	}
	log.Printf("[cache] WARN: publish transaction=%s: %v", tx.ID, err)
	s.invalidate(ctx, tx.ID)
}

func (s *Service) invalidate(ctx context.Context, transactionID string) {
	if err := s.txCache.Delete(ctx, transactionID); err != nil {
		log.Printf("[cache] WARN: invalidate transaction=%s: %v", transactionID, err)
	}
}

func buildView(tx domain.Transaction) *domain.TransactionReturnsResponse {
	returns := tx.Returns
	if returns == nil {
		returns = []domain.Return{}
	}
	return &domain.TransactionReturnsResponse{
		Transaction: tx,
		Returns:     returns,
		Summary:     domain.SummarizeReturns(tx),
	}
}
