package abtest

import (
	"context"
	"log/slog"
	"time"

	"github.com/foxzi/campaigner/internal/models"
	"github.com/foxzi/campaigner/internal/repository"
)

// WinnerFunc is invoked when a test with automatic winner selection reaches
// significance. The campaign orchestrator supplies it so that the actual
// cutover stays a lifecycle transition, not a side effect in here.
type WinnerFunc func(ctx context.Context, test *models.ABTest, variantID string) error

// Evaluator periodically re-evaluates running tests and logs advisory
// recommendations.
type Evaluator struct {
	repo     *repository.ABTestRepository
	interval time.Duration
	onWinner WinnerFunc
	logger   *slog.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

func NewEvaluator(repo *repository.ABTestRepository, interval time.Duration, onWinner WinnerFunc, logger *slog.Logger) *Evaluator {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{
		repo:     repo,
		interval: interval,
		onWinner: onWinner,
		logger:   logger.With("component", "abtest_evaluator"),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

func (e *Evaluator) Start(ctx context.Context) {
	go e.run(ctx)
}

func (e *Evaluator) Stop() {
	close(e.stopCh)
	<-e.doneCh
}

func (e *Evaluator) run(ctx context.Context) {
	defer close(e.doneCh)

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.evaluateAll(ctx)
		}
	}
}

func (e *Evaluator) evaluateAll(ctx context.Context) {
	tests, err := e.repo.ListRunning()
	if err != nil {
		e.logger.Error("failed to list running tests", "error", err)
		return
	}

	for _, test := range tests {
		ev, err := e.EvaluateTest(test)
		if err != nil {
			e.logger.Error("evaluation failed", "test_id", test.ID, "error", err)
			continue
		}

		if !ev.WinnerDeclarable {
			continue
		}
		e.logger.Info("winner declarable",
			"test_id", test.ID,
			"variant_id", ev.RecommendedVariantID,
			"metric", ev.Metric)

		if test.AutomaticWinner && e.onWinner != nil {
			if err := e.onWinner(ctx, test, ev.RecommendedVariantID); err != nil {
				e.logger.Error("automatic winner selection failed", "test_id", test.ID, "error", err)
			}
		}
	}
}

// EvaluateTest loads counters for one test and runs the statistical pass.
func (e *Evaluator) EvaluateTest(test *models.ABTest) (*Evaluation, error) {
	variants, err := e.repo.GetVariants(test.ID)
	if err != nil {
		return nil, err
	}

	counters := make(map[string]*models.Counters, len(variants))
	for _, v := range variants {
		c, err := e.repo.GetCounters(v.ID)
		if err != nil {
			return nil, err
		}
		counters[v.ID] = c
	}
	return Evaluate(test, variants, counters), nil
}
