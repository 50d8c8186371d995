// Package worker provides async statement batch processing.
package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"cloud.google.com/go/civil"

	"github.com/opensource-finance/shrike/internal/domain"
	"github.com/opensource-finance/shrike/internal/service"
)

// Worker consumes ingested statement batches from the EventBus and runs
// each line through classify-and-price. Persistence and result/review
// publication happen inside the facade, so the worker only orchestrates.
type Worker struct {
	bus    domain.EventBus
	facade *service.Service

	concurrency   int
	subscriptions []domain.Subscription
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
}

// Config holds worker configuration.
type Config struct {
	// TenantIDs is the list of tenants to process (empty = all via wildcard if supported)
	TenantIDs []string

	// Concurrency bounds how many lines of one batch run in parallel
	Concurrency int
}

// NewWorker creates a new async worker.
func NewWorker(bus domain.EventBus, facade *service.Service, concurrency int) *Worker {
	if concurrency < 1 {
		concurrency = 4
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:         bus,
		facade:      facade,
		concurrency: concurrency,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start begins processing statement batches for the given tenants.
func (w *Worker) Start(cfg Config) error {
	if len(cfg.TenantIDs) == 0 {
		return w.startGlobalWorker()
	}

	for _, tenantID := range cfg.TenantIDs {
		if err := w.startTenantWorker(tenantID); err != nil {
			slog.Error("failed to start worker for tenant",
				"tenant_id", tenantID,
				"error", err,
			)
			continue
		}
	}

	slog.Info("workers started",
		"tenant_count", len(cfg.TenantIDs),
	)

	return nil
}

// startGlobalWorker starts a worker that processes all tenants (for testing/dev).
func (w *Worker) startGlobalWorker() error {
	sub, err := w.bus.Subscribe(w.ctx, "_global", domain.TopicStatementIngested, w.handleMessage)
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)

	slog.Info("global worker started")
	return nil
}

// startTenantWorker starts a worker for a specific tenant.
func (w *Worker) startTenantWorker(tenantID string) error {
	sub, err := w.bus.Subscribe(w.ctx, tenantID, domain.TopicStatementIngested, func(ctx context.Context, msg *domain.Message) error {
		return w.processBatch(ctx, tenantID, msg)
	})
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)

	slog.Info("tenant worker started",
		"tenant_id", tenantID,
		"topic", domain.TopicStatementIngested,
	)

	return nil
}

// handleMessage handles messages from the global subscription.
func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	return w.processBatch(ctx, msg.TenantID, msg)
}

// StatementLine is one raw transaction line inside an ingested batch.
type StatementLine struct {
	Text      string     `json:"text"`
	ValueDate civil.Date `json:"valueDate"`
}

// StatementMessage is the message payload for statement batch processing.
type StatementMessage struct {
	BatchID   string            `json:"batchId"`
	TenantID  string            `json:"tenantId"`
	BankID    string            `json:"bankId"`
	ProfileID string            `json:"profileId"`
	Series    domain.SeriesName `json:"series"`
	Lines     []StatementLine   `json:"lines"`
}

// processBatch classifies and prices every line of one statement batch.
func (w *Worker) processBatch(ctx context.Context, tenantID string, msg *domain.Message) error {
	start := time.Now()

	var stmt StatementMessage
	if err := json.Unmarshal(msg.Payload, &stmt); err != nil {
		slog.Error("failed to parse statement message",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	// Use message tenant if provided
	if stmt.TenantID != "" {
		tenantID = stmt.TenantID
	}

	slog.Debug("processing statement batch",
		"batch_id", stmt.BatchID,
		"tenant_id", tenantID,
		"bank_id", stmt.BankID,
		"lines", len(stmt.Lines),
	)

	reqs := make([]*service.PriceRequest, len(stmt.Lines))
	for i, line := range stmt.Lines {
		reqs[i] = &service.PriceRequest{
			Text:      line.Text,
			BankID:    stmt.BankID,
			ProfileID: stmt.ProfileID,
			Series:    stmt.Series,
			ValueDate: line.ValueDate,
		}
	}

	results, err := w.facade.ClassifyAndPriceBatch(ctx, tenantID, reqs, w.concurrency)
	if err != nil {
		slog.Error("statement batch failed",
			"batch_id", stmt.BatchID,
			"tenant_id", tenantID,
			"error", err,
		)
		return err
	}

	classified, priced := 0, 0
	for _, res := range results {
		if res.ClassificationStatus == domain.StatusClassified {
			classified++
		}
		if res.PricingStatus == domain.StatusPriced {
			priced++
		}
	}

	slog.Info("statement batch processed",
		"batch_id", stmt.BatchID,
		"tenant_id", tenantID,
		"lines", len(results),
		"classified", classified,
		"priced", priced,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return nil
}

// Stop gracefully stops all workers.
func (w *Worker) Stop() error {
	w.cancel()

	// Unsubscribe all
	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	w.wg.Wait()

	slog.Info("workers stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}
