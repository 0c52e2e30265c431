// Package engine wires the full pipeline together:
//
//	adapters → ingest router → shard dispatcher → position engine
//	                                   │
//	                 applied events ───┴→ refdata / inventory / limits /
//	                                      locate → publisher → sink
//
// The engine is the shard observer: every applied envelope and its derived
// position events pass through Applied, which updates the downstream read
// models, triggers availability recomputation, and forwards everything to
// the batching publisher. The synchronous surfaces (order validation,
// locate requests, projections) hang off the same struct.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"ims-engine/internal/config"
	"ims-engine/internal/events"
	"ims-engine/internal/ingest"
	"ims-engine/internal/inventory"
	"ims-engine/internal/limits"
	"ims-engine/internal/locate"
	"ims-engine/internal/position"
	"ims-engine/internal/publish"
	"ims-engine/internal/refdata"
	"ims-engine/internal/shard"
	"ims-engine/internal/validate"
	"ims-engine/pkg/types"
)

// Engine owns every subsystem and their lifecycles.
type Engine struct {
	cfg    *config.Config
	logger *slog.Logger

	refdata    *refdata.Store
	inventory  *inventory.Calculator
	clients    *limits.Book
	aus        *limits.Book
	validator  *validate.Validator
	locates    *locate.Workflow
	sink       *publish.Sink
	publisher  *publish.Publisher
	dispatcher *shard.Dispatcher
	router     *ingest.Router
	adapters   []ingest.Adapter
}

// New builds a fully wired engine from config.
func New(cfg *config.Config, logger *slog.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	e := &Engine{cfg: cfg, logger: logger.With("component", "engine")}

	sink, err := publish.OpenSink(cfg.Publish.SinkPath, logger)
	if err != nil {
		return nil, err
	}
	e.sink = sink
	e.publisher = publish.NewPublisher(cfg.Publish, sink, logger)

	e.refdata = refdata.NewStore(cfg.Ingest.ReferencePriority, cfg.Ingest.StalenessWindow, logger)

	marketRules, err := inventory.NewRuleTable(cfg.Rules.Path)
	if err != nil {
		return nil, err
	}
	e.inventory = inventory.NewCalculator(e.refdata, marketRules, logger)

	e.clients = limits.NewBook(logger)
	e.aus = limits.NewBook(logger)
	e.validator = validate.NewValidator(cfg.Validation, e.clients, e.aus, e.refdata, e.inventory, logger)

	locateRules, err := locate.NewCatalog(cfg.Rules.Path, locate.DefaultRules(cfg.Locate))
	if err != nil {
		return nil, err
	}
	e.locates = locate.NewWorkflow(cfg.Locate, locateRules, e.inventory, e.refdata, e.onLocateDecided, logger)

	e.dispatcher, err = shard.NewDispatcher(*cfg, e, logger)
	if err != nil {
		return nil, err
	}

	e.router = ingest.NewRouter(cfg.Ingest, e.dispatcher, sink, logger)
	e.dispatcher.SetPressureFunc(e.router.SetPressure)
	return e, nil
}

// AddAdapter registers a vendor adapter before Run.
func (e *Engine) AddAdapter(a ingest.Adapter) {
	e.adapters = append(e.adapters, a)
}

// Sink exposes the projection store for read-only queries.
func (e *Engine) Sink() *publish.Sink { return e.sink }

// Dispatcher exposes the shard pool for offline inspection and replay.
func (e *Engine) Dispatcher() *shard.Dispatcher { return e.dispatcher }

// Run starts every subsystem and blocks until ctx is done or a fatal shard
// error occurs.
func (e *Engine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return e.dispatcher.Run(ctx) })
	g.Go(func() error { return e.publisher.Run(ctx) })
	g.Go(func() error { return e.locates.Run(ctx) })
	for _, a := range e.adapters {
		a := a
		g.Go(func() error { return e.router.RunAdapter(ctx, a) })
	}

	e.logger.Info("engine started",
		"shards", e.cfg.Shards.Count,
		"adapters", len(e.adapters),
		"journal_dir", e.cfg.Journal.Dir)

	err := g.Wait()
	if closeErr := e.sink.Close(); closeErr != nil {
		e.logger.Error("sink close failed", "error", closeErr)
	}
	return err
}

// ValidateOrder is the synchronous order validation entry point.
func (e *Engine) ValidateOrder(ctx context.Context, req validate.Request) types.OrderValidation {
	out := e.validator.Validate(ctx, req)
	e.emit(events.TypeOrderValidated, string(req.Security), e.validator.BusinessDate(), &events.OrderValidated{Validation: out})
	return out
}

// RequestLocate is the synchronous locate entry point.
func (e *Engine) RequestLocate(ctx context.Context, req *events.LocateRequested) (types.LocateRequest, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.Locate.Deadline)
	defer cancel()
	return e.locates.Submit(ctx, req)
}

// DecideLocate applies a manual reviewer's verdict.
func (e *Engine) DecideLocate(locateID string, approve bool, reason string) (types.LocateRequest, error) {
	return e.locates.Decide(locateID, approve, reason)
}

// QueryPosition reads one projected position row.
func (e *Engine) QueryPosition(book types.BookID, security types.SecurityID, date types.BusinessDate) (*publish.PositionRow, error) {
	return e.sink.QueryPosition(book, security, date)
}

// QueryInventory reads the projected availability rows for a security.
func (e *Engine) QueryInventory(security types.SecurityID, date types.BusinessDate) ([]publish.InventoryRow, error) {
	return e.sink.QueryInventory(security, date)
}

// QueryLimit reads one projected limit row.
func (e *Engine) QueryLimit(key types.LimitKey) (*publish.LimitRow, error) {
	return e.sink.QueryLimit(key)
}

// Applied is the shard observer hook: it runs on shard loop goroutines for
// every journaled envelope.
func (e *Engine) Applied(shardID int, env *events.Envelope, derived []position.Event) {
	for _, ev := range derived {
		e.emit(ev.Type, ev.Key, ev.Date, ev.Payload)
		if pc, ok := ev.Payload.(*events.PositionChanged); ok {
			e.inventory.OnPositionChanged(pc.Position)
			e.recomputeInventory(pc.Position.Key.Security, pc.Position.Key.Date)
		}
	}

	switch p := env.Payload.(type) {
	case *events.ReferenceDataUpsert:
		e.refdata.Upsert(env.Source, env.IngestTime, p.Security)

	case *events.ContractOpened:
		e.inventory.OnContractOpened(p.Contract)
		e.recomputeInventory(p.Contract.Security, env.BusinessDate)

	case *events.ContractClosed:
		e.inventory.OnContractClosed(p.Security, p.ContractID)
		e.recomputeInventory(p.Security, env.BusinessDate)

	case *events.SettlementAdvance:
		e.validator.SetBusinessDate(p.Date)
		e.locates.SetBusinessDate(p.Date)

	case *events.LocateRequested:
		if _, err := e.locates.Submit(context.Background(), p); err != nil {
			e.logger.Warn("locate submit failed", "locate_id", p.LocateID, "error", err)
		}

	case *events.LocateDecided:
		// Manual reviewer verdicts arriving through the event stream.
		if p.State == types.LocateManualApproved || p.State == types.LocateManualRejected {
			approve := p.State == types.LocateManualApproved
			if _, err := e.locates.Decide(p.LocateID, approve, p.Reason); err != nil {
				e.logger.Warn("locate decide failed", "locate_id", p.LocateID, "error", err)
			}
		}

	case *events.OrderValidateRequested:
		// Replay form of the RPC path.
		e.ValidateOrder(context.Background(), validate.Request{
			OrderID:         p.OrderID,
			Security:        p.Security,
			Client:          p.Client,
			AggregationUnit: p.AggregationUnit,
			OrderType:       p.OrderType,
			Quantity:        p.Quantity,
		})

	case *events.LimitOverride:
		e.applyLimitOverride(p)

	case *events.GapDetected:
		// Gap markers have no position effect; forward them so the
		// projection's marker table records the data-quality incident.
		e.publisher.Emit(env)
	}
}

func (e *Engine) applyLimitOverride(p *events.LimitOverride) {
	book := e.clients
	if p.Key.Kind == types.EntityAggregationUnit {
		book = e.aus
	}
	updated := book.Override(p.Key, p.LongSellLimit, p.ShortSellLimit)
	e.emit(events.TypeLimitChanged, p.Key.String(), p.Key.Date, &events.LimitChanged{Limit: updated})
}

// recomputeInventory publishes fresh availability rows for a security.
func (e *Engine) recomputeInventory(security types.SecurityID, date types.BusinessDate) {
	for _, av := range e.inventory.Compute(security, date, time.Now()) {
		e.emit(events.TypeInventoryChanged, string(security), date, &events.InventoryChanged{Availability: av})
	}
}

func (e *Engine) onLocateDecided(r types.LocateRequest) {
	e.emit(events.TypeLocateDecided, string(r.Security), e.validator.BusinessDate(), &events.LocateDecided{
		LocateID:      r.LocateID,
		Security:      r.Security,
		Client:        r.Client,
		Quantity:      r.Quantity,
		State:         r.State,
		Reason:        r.Reason,
		ReservationID: r.ReservationID,
	})
}

func (e *Engine) emit(t events.EventType, key string, date types.BusinessDate, payload any) {
	env := events.NewEnvelope(t, "ENGINE", key, date, 0, payload)
	e.publisher.Emit(&env)
}
