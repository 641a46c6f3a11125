// Package orchestrator drives projects through the test lifecycle:
// ingest, generate, run, heal and re-run. It owns the lifecycle state of
// every project and is the only writer of it.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"regexp"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/mpataki/testorch/internal/gateway"
	"github.com/mpataki/testorch/internal/logging"
	"github.com/mpataki/testorch/internal/models"
	"github.com/mpataki/testorch/internal/observability"
	"github.com/mpataki/testorch/internal/storage"
)

type Config struct {
	LeaseTTL        time.Duration
	MaxHealAttempts int
	GenerateTimeout time.Duration
	RunTimeout      time.Duration
	HealTimeout     time.Duration
	// GatewayRatePerMinute throttles gateway invocations across all
	// projects. Zero disables throttling.
	GatewayRatePerMinute int
}

func DefaultConfig() Config {
	return Config{
		LeaseTTL:        30 * time.Minute,
		MaxHealAttempts: 1,
		GenerateTimeout: 10 * time.Minute,
		RunTimeout:      10 * time.Minute,
		HealTimeout:     10 * time.Minute,
	}
}

type Orchestrator struct {
	store    storage.Store
	ledger   storage.Ledger
	gateways gateway.Set
	cfg      Config

	metrics  *observability.Metrics
	logger   *log.Logger
	tracer   trace.Tracer
	limiter  *rate.Limiter
	validate *validator.Validate
	now      func() time.Time
	newID    func() string
}

type Option func(*Orchestrator)

func WithMetrics(m *observability.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

func WithLogger(l *log.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithTracerProvider routes engine spans to tp instead of the global
// provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *Orchestrator) { o.tracer = observability.TracerFrom(tp) }
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithIDGenerator replaces uuid generation for artifacts, runs, healing
// attempts and lease holders.
func WithIDGenerator(newID func() string) Option {
	return func(o *Orchestrator) { o.newID = newID }
}

func New(store storage.Store, ledger storage.Ledger, gateways gateway.Set, cfg Config, opts ...Option) *Orchestrator {
	defaults := DefaultConfig()
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = defaults.LeaseTTL
	}
	if cfg.MaxHealAttempts <= 0 {
		cfg.MaxHealAttempts = defaults.MaxHealAttempts
	}

	o := &Orchestrator{
		store:    store,
		ledger:   ledger,
		gateways: gateways,
		cfg:      cfg,
		tracer:   observability.Tracer(),
		validate: newValidator(),
		now:      time.Now,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.metrics == nil {
		o.metrics = observability.NewMetrics(prometheus.NewRegistry())
	}
	if o.logger == nil {
		o.logger = logging.Discard()
	}
	if cfg.GatewayRatePerMinute > 0 {
		o.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.GatewayRatePerMinute)), 1)
	}
	return o
}

var projectIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterValidation("projectid", func(fl validator.FieldLevel) bool {
		return projectIDPattern.MatchString(fl.Field().String())
	})
	return v
}

func (o *Orchestrator) check(op, projectID string, req any) error {
	err := o.validate.Struct(req)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return validationError(op, projectID, "%v", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s failed %s=%s", fe.Namespace(), fe.Tag(), fe.Param()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
		}
	}
	return validationError(op, projectID, "%s", strings.Join(msgs, "; "))
}

// startOp opens the tracing span for an engine operation. The returned
// finish func records metrics and closes the span.
func (o *Orchestrator) startOp(ctx context.Context, op, projectID string) (context.Context, func(error)) {
	ctx, span := o.tracer.Start(ctx, "orchestrator."+op,
		trace.WithAttributes(attribute.String("project", projectID)))
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, string(KindOf(err)))
		}
		if KindOf(err) != KindConflict {
			o.metrics.RecordOperation(op, err)
		}
		span.End()
	}
}

// Project returns the current record for id.
func (o *Orchestrator) Project(ctx context.Context, id string) (*models.Project, error) {
	p, err := o.store.GetProject(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, newError(KindNotFound, "project", id, "project not found", err)
	}
	return p, err
}

func (o *Orchestrator) Projects(ctx context.Context) ([]*models.Project, error) {
	return o.store.ListProjects(ctx)
}

// History lists recorded runs, most recent first. Each range over the
// returned sequence reads the ledger again.
func (o *Orchestrator) History(ctx context.Context, q models.HistoryQuery) iter.Seq2[*models.HistoryRecord, error] {
	return o.ledger.List(ctx, q)
}

// DashboardStats folds the whole ledger into aggregate counters.
func (o *Orchestrator) DashboardStats(ctx context.Context) (*models.Stats, error) {
	ctx, finish := o.startOp(ctx, "stats", "")
	var err error
	defer func() { finish(err) }()

	stats := &models.Stats{}
	projects := make(map[string]struct{})
	var rewardSum float64
	for rec, lerr := range o.ledger.List(ctx, models.HistoryQuery{}) {
		if lerr != nil {
			err = fmt.Errorf("failed to read history: %w", lerr)
			return nil, err
		}
		stats.TotalRuns++
		if rec.Passed() {
			stats.PassedRuns++
		}
		rewardSum += rec.Reward
		projects[rec.ProjectID] = struct{}{}
	}
	if stats.TotalRuns > 0 {
		stats.AvgReward = rewardSum / float64(stats.TotalRuns)
	}
	stats.ActiveProjects = len(projects)
	return stats, nil
}
