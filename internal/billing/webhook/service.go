package webhook

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/radbridge/internal/audit/domain"
	"github.com/smallbiznis/radbridge/internal/billing/cascade"
	"github.com/smallbiznis/radbridge/internal/billing/credit"
	"github.com/smallbiznis/radbridge/internal/billing/dedupe"
	"github.com/smallbiznis/radbridge/internal/billing/domain"
	"github.com/smallbiznis/radbridge/internal/billing/ledger"
	"github.com/smallbiznis/radbridge/internal/billing/notify"
	"github.com/smallbiznis/radbridge/internal/billing/statemachine"
	"github.com/smallbiznis/radbridge/internal/billing/tier"
	"github.com/smallbiznis/radbridge/internal/clock"
	obscontext "github.com/smallbiznis/radbridge/internal/observability/context"
	obslogger "github.com/smallbiznis/radbridge/internal/observability/logger"
	"github.com/smallbiznis/radbridge/internal/observability/metrics"
	orgdomain "github.com/smallbiznis/radbridge/internal/organization/domain"
	pkgdb "github.com/smallbiznis/radbridge/pkg/db"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	auditActionStatusChanged = "organization.status_changed"
	auditActionTierChanged   = "organization.tier_changed"
)

// errAlreadyClaimed rolls back a transaction that lost the ledger insert race.
var errAlreadyClaimed = errors.New("ledger_already_claimed")

// Notifier delivers post-commit status notices.
type Notifier interface {
	Dispatch(ctx context.Context, notice notify.Notice) notify.Report
}

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	GenID       *snowflake.Node
	Clock       clock.Clock
	Catalog     tier.Catalog
	OrgRepo     orgdomain.Repository
	Ledger      ledger.Repository
	Replenisher credit.Replenisher
	Cascader    cascade.Cascader
	Audit       auditdomain.Service
	Notifier    Notifier
	Cache       dedupe.Cache
	Metrics     *metrics.Metrics `optional:"true"`
}

type Service struct {
	db          *gorm.DB
	log         *zap.Logger
	genID       *snowflake.Node
	clock       clock.Clock
	catalog     tier.Catalog
	orgRepo     orgdomain.Repository
	ledger      ledger.Repository
	replenisher credit.Replenisher
	cascader    cascade.Cascader
	audit       auditdomain.Service
	notifier    Notifier
	cache       dedupe.Cache
	metrics     *metrics.Metrics
	tracer      trace.Tracer

	pending sync.WaitGroup
}

func NewService(p Params) *Service {
	cache := p.Cache
	if cache == nil {
		cache = dedupe.NoopCache{}
	}
	return &Service{
		db:          p.DB,
		log:         p.Log.Named("billing.webhook"),
		genID:       p.GenID,
		clock:       p.Clock,
		catalog:     p.Catalog,
		orgRepo:     p.OrgRepo,
		ledger:      p.Ledger,
		replenisher: p.Replenisher,
		cascader:    p.Cascader,
		audit:       p.Audit,
		notifier:    p.Notifier,
		cache:       cache,
		metrics:     p.Metrics,
		tracer:      otel.Tracer("radbridge/billing"),
	}
}

// outcome captures what a committed transaction did.
type outcome struct {
	duplicate     bool
	org           orgdomain.Organization
	decision      statemachine.Decision
	balance       int64
	relationships int64
}

func (s *Service) Route(ctx context.Context, event domain.Event) (domain.Result, error) {
	start := time.Now()
	ctx = obscontext.WithEvent(ctx, event.ID, event.Type)
	ctx, span := s.tracer.Start(ctx, "billing.route", trace.WithAttributes(
		attribute.String("billing.event_id", event.ID),
		attribute.String("billing.event_type", event.Type),
	))
	defer span.End()
	log := obslogger.WithContext(ctx, s.log)

	rt, ok := routes[event.Type]
	if !ok {
		log.Debug("ignoring unsupported event type")
		s.metrics.RecordBillingEvent(ctx, event.Type, metrics.OutcomeIgnored, time.Since(start))
		return domain.Result{Success: true, Message: domain.MessageReceived}, nil
	}

	if strings.TrimSpace(event.ID) == "" {
		err := &domain.MalformedEventError{Field: "id"}
		return s.fail(ctx, span, log, event, "", err, start)
	}

	payload, err := rt.decode(event)
	if err != nil {
		return s.fail(ctx, span, log, event, "", err, start)
	}
	ref := payload.BillingReference()

	if seen, err := s.cache.Seen(ctx, event.ID); err != nil {
		log.Warn("processed-event cache lookup failed", zap.Error(err))
	} else if seen {
		s.metrics.RecordBillingEvent(ctx, event.Type, metrics.OutcomeDuplicate, time.Since(start))
		return domain.Result{Success: true, Message: domain.MessageDuplicate}, nil
	}

	out, err := s.apply(ctx, event, rt.kind, payload)
	if err != nil {
		return s.fail(ctx, span, log, event, ref, err, start)
	}

	if err := s.cache.MarkProcessed(ctx, event.ID); err != nil {
		log.Warn("processed-event cache write failed", zap.Error(err))
	}

	if out.duplicate {
		log.Info("event already processed")
		s.metrics.RecordBillingEvent(ctx, event.Type, metrics.OutcomeDuplicate, time.Since(start))
		span.SetAttributes(attribute.Bool("billing.duplicate", true))
		return domain.Result{Success: true, Message: domain.MessageDuplicate}, nil
	}

	d := out.decision
	fields := []zap.Field{
		zap.String("org_id", out.org.ID.String()),
		zap.String("description", d.Description),
	}
	if d.StatusChanged() {
		fields = append(fields,
			zap.String("from_status", string(d.From)),
			zap.String("to_status", string(d.To)),
			zap.Int64("relationships", out.relationships),
		)
		s.metrics.RecordTransition(ctx, string(d.From), string(d.To))
	}
	if d.Replenish() {
		fields = append(fields, zap.Int64("credit_balance", out.balance))
		s.metrics.RecordCreditReplenishment(ctx, string(d.ReplenishTier))
	}
	log.Info("billing event applied", fields...)
	s.metrics.RecordBillingEvent(ctx, event.Type, metrics.OutcomeApplied, time.Since(start))

	if d.StatusChanged() {
		s.notifyAsync(ctx, notify.Notice{
			Organization: out.org,
			From:         d.From,
			To:           d.To,
			EventID:      event.ID,
			Reason:       d.Description,
		})
	}

	return domain.Result{Success: true, Message: domain.MessageProcessed}, nil
}

// Wait blocks until in-flight notifications finish.
func (s *Service) Wait() {
	s.pending.Wait()
}

func (s *Service) notifyAsync(ctx context.Context, notice notify.Notice) {
	if s.notifier == nil {
		return
	}
	nctx := context.WithoutCancel(ctx)
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		s.notifier.Dispatch(nctx, notice)
	}()
}

func (s *Service) apply(ctx context.Context, event domain.Event, kind statemachine.Kind, payload domain.Payload) (outcome, error) {
	var out outcome
	ref := payload.BillingReference()

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ledgerRepo := s.ledger.WithTx(tx)
		orgRepo := s.orgRepo.WithTx(tx)

		exists, err := ledgerRepo.Exists(ctx, event.ID)
		if err != nil {
			return domain.WrapDatabase("ledger.exists", err)
		}
		if exists {
			out.duplicate = true
			return nil
		}

		org, err := orgRepo.LockByBillingReference(ctx, ref)
		if errors.Is(err, orgdomain.ErrNotFound) {
			return &domain.OrganizationNotFoundError{EventID: event.ID, BillingReference: ref}
		}
		if err != nil {
			return domain.WrapDatabase("organization.lock", err)
		}
		out.org = *org

		decision := statemachine.Decide(*org, s.trigger(kind, payload))
		out.decision = decision

		amount, currency := ledgerAmount(payload)
		orgID := org.ID
		claimed, err := ledgerRepo.Claim(ctx, &domain.LedgerEntry{
			ID:             s.genID.Generate(),
			OrganizationID: &orgID,
			StripeEventID:  event.ID,
			EventType:      event.Type,
			Amount:         amount,
			Currency:       currency,
			Description:    decision.Description,
			Payload:        datatypes.JSON(event.Data.Object),
			CreatedAt:      s.clock.Now(),
		})
		if err != nil {
			return domain.WrapDatabase("ledger.claim", err)
		}
		if !claimed {
			return errAlreadyClaimed
		}

		return s.applyDecision(ctx, tx, event, *org, decision, &out)
	})
	if errors.Is(err, errAlreadyClaimed) {
		return outcome{duplicate: true}, nil
	}
	if err != nil {
		return outcome{}, domain.WrapDatabase("transaction", err)
	}
	if !out.duplicate {
		out.org.Status = out.decision.To
	}
	return out, nil
}

func (s *Service) applyDecision(ctx context.Context, tx *gorm.DB, event domain.Event, org orgdomain.Organization, d statemachine.Decision, out *outcome) error {
	if d.NoOp() {
		return nil
	}
	now := s.clock.Now()
	orgRepo := s.orgRepo.WithTx(tx)

	if d.TierChanged {
		if err := orgRepo.UpdateSubscriptionTier(ctx, org.ID, d.NewTier.Ptr(), now); err != nil {
			return domain.WrapDatabase("organization.update_tier", err)
		}
	}
	if d.Replenish() {
		balance, err := s.replenisher.ReplenishCreditsForTier(ctx, tx, org.ID, d.ReplenishTier)
		switch {
		case errors.Is(err, credit.ErrUnknownTier):
			// Possible when the catalog reloads between Decide and here.
			obslogger.WithContext(ctx, s.log).Warn("tier has no credit quota, balance left unchanged",
				zap.String("org_id", org.ID.String()),
				zap.String("tier", string(d.ReplenishTier)),
			)
			d.ReplenishTier = ""
			out.decision.ReplenishTier = ""
		case err != nil:
			return domain.WrapDatabase("credit.replenish", err)
		default:
			out.balance = balance
		}
	}

	if d.StatusChanged() {
		if err := orgRepo.UpdateStatus(ctx, org.ID, d.To, now); err != nil {
			return domain.WrapDatabase("organization.update_status", err)
		}
		n, err := s.cascader.Cascade(ctx, tx, org.ID, d.From, d.To)
		if err != nil {
			return domain.WrapDatabase("relationship.cascade", err)
		}
		out.relationships = n
	}

	if d.OpenPurgatoryReason != "" {
		if _, err := orgRepo.OpenPurgatoryEvent(ctx, orgdomain.PurgatoryEvent{
			ID:             s.genID.Generate(),
			OrganizationID: org.ID,
			Reason:         d.OpenPurgatoryReason,
			TriggeredBy:    event.ID,
			CreatedAt:      now,
		}); err != nil {
			return domain.WrapDatabase("purgatory.open", err)
		}
	}
	if d.ResolvePurgatory {
		if _, err := orgRepo.ResolveOpenPurgatoryEvents(ctx, org.ID, now); err != nil {
			return domain.WrapDatabase("purgatory.resolve", err)
		}
	}

	return s.writeAudit(ctx, tx, event, org, d, out)
}

func (s *Service) writeAudit(ctx context.Context, tx *gorm.DB, event domain.Event, org orgdomain.Organization, d statemachine.Decision, out *outcome) error {
	if s.audit == nil {
		return nil
	}
	orgID := org.ID
	base := map[string]any{
		"event_type":        event.Type,
		"billing_reference": derefString(org.BillingReference),
		"description":       d.Description,
	}
	record := func(action string, extra map[string]any) error {
		metadata := make(map[string]any, len(base)+len(extra))
		for k, v := range base {
			metadata[k] = v
		}
		for k, v := range extra {
			metadata[k] = v
		}
		err := s.audit.Record(ctx, tx, auditdomain.Entry{
			OrgID:      &orgID,
			ActorType:  auditdomain.ActorTypeWebhook,
			ActorID:    event.ID,
			Action:     action,
			TargetType: auditdomain.TargetTypeOrganization,
			TargetID:   orgID.String(),
			Metadata:   metadata,
		})
		return domain.WrapDatabase("audit.record", err)
	}

	if d.StatusChanged() {
		if err := record(auditActionStatusChanged, map[string]any{
			"from_status":   string(d.From),
			"to_status":     string(d.To),
			"relationships": out.relationships,
		}); err != nil {
			return err
		}
	}
	if d.TierChanged {
		extra := map[string]any{
			"from_tier": org.Tier(),
			"to_tier":   string(d.NewTier),
		}
		if d.Replenish() {
			extra["credit_balance"] = out.balance
		}
		if err := record(auditActionTierChanged, extra); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) trigger(kind statemachine.Kind, payload domain.Payload) statemachine.Trigger {
	t := statemachine.Trigger{Kind: kind, HasQuota: s.hasQuota}
	if sub, ok := payload.(*domain.SubscriptionUpdated); ok {
		t.SubscriptionStatus = sub.Status
		if mapped, ok := s.catalog.MapPriceIDToTier(sub.PriceID()); ok {
			t.Tier = mapped
		}
	}
	return t
}

func (s *Service) hasQuota(t tier.Tier) bool {
	_, ok := s.catalog.QuotaForTier(t)
	return ok
}

func derefString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func ledgerAmount(payload domain.Payload) (int64, string) {
	switch p := payload.(type) {
	case *domain.InvoicePaymentSucceeded:
		return p.AmountPaid, strings.ToLower(p.Currency)
	case *domain.InvoicePaymentFailed:
		return p.AmountDue, strings.ToLower(p.Currency)
	default:
		return 0, ""
	}
}

func (s *Service) fail(ctx context.Context, span trace.Span, log *zap.Logger, event domain.Event, ref string, err error, start time.Time) (domain.Result, error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	fields := []zap.Field{zap.Error(err)}
	if ref != "" {
		fields = append(fields, zap.String("billing_reference", ref))
	}

	outcome := metrics.OutcomeFailed
	switch {
	case errors.Is(err, domain.ErrMalformedEvent):
		outcome = metrics.OutcomeMalformed
		log.Warn("malformed billing event", fields...)
	case errors.Is(err, domain.ErrOrganizationNotFound):
		outcome = metrics.OutcomeOrgNotFound
		log.Warn("no organization for billing reference", fields...)
	default:
		fields = append(fields, zap.Bool("retryable", pkgdb.IsRetryable(err)))
		log.Error("billing event failed", fields...)
	}
	s.metrics.RecordBillingEvent(ctx, event.Type, outcome, time.Since(start))

	return domain.Result{Success: false, Message: err.Error()}, err
}
