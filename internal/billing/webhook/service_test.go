package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/bwmarrin/snowflake"
	redis "github.com/redis/go-redis/v9"
	auditrepo "github.com/smallbiznis/radbridge/internal/audit/repository"
	auditservice "github.com/smallbiznis/radbridge/internal/audit/service"
	"github.com/smallbiznis/radbridge/internal/billing/billingtest"
	"github.com/smallbiznis/radbridge/internal/billing/cascade"
	"github.com/smallbiznis/radbridge/internal/billing/credit"
	"github.com/smallbiznis/radbridge/internal/billing/dedupe"
	"github.com/smallbiznis/radbridge/internal/billing/domain"
	"github.com/smallbiznis/radbridge/internal/billing/ledger"
	"github.com/smallbiznis/radbridge/internal/billing/notify"
	"github.com/smallbiznis/radbridge/internal/billing/tier"
	"github.com/smallbiznis/radbridge/internal/clock"
	"github.com/smallbiznis/radbridge/internal/config"
	orgdomain "github.com/smallbiznis/radbridge/internal/organization/domain"
	orgrepo "github.com/smallbiznis/radbridge/internal/organization/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type recordingNotifier struct {
	mu      sync.Mutex
	notices []notify.Notice
}

func (n *recordingNotifier) Dispatch(ctx context.Context, notice notify.Notice) notify.Report {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notices = append(n.notices, notice)
	return notify.Report{}
}

func (n *recordingNotifier) all() []notify.Notice {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notify.Notice(nil), n.notices...)
}

type failingReplenisher struct{}

func (failingReplenisher) ReplenishCreditsForTier(ctx context.Context, tx *gorm.DB, orgID snowflake.ID, t tier.Tier) (int64, error) {
	return 0, errors.New("credit store unavailable")
}

type retiredTierReplenisher struct{}

func (retiredTierReplenisher) ReplenishCreditsForTier(ctx context.Context, tx *gorm.DB, orgID snowflake.ID, t tier.Tier) (int64, error) {
	return 0, fmt.Errorf("%w: %s", credit.ErrUnknownTier, t)
}

type harness struct {
	db       *gorm.DB
	node     *snowflake.Node
	svc      *Service
	notifier *recordingNotifier
}

type option func(*Params)

func withReplenisher(r credit.Replenisher) option { return func(p *Params) { p.Replenisher = r } }
func withCache(c dedupe.Cache) option             { return func(p *Params) { p.Cache = c } }
func withCascadePolicy(policy cascade.Policy) option {
	return func(p *Params) { p.Cascader = cascade.New(zap.NewNop(), policy, p.Clock) }
}
func withNotifier(n Notifier) option { return func(p *Params) { p.Notifier = n } }

func newHarness(t *testing.T, opts ...option) *harness {
	t.Helper()
	db := billingtest.NewDB(t)
	node := billingtest.NewNode(t)
	return newHarnessWithDB(t, db, node, opts...)
}

func newHarnessWithDB(t *testing.T, db *gorm.DB, node *snowflake.Node, opts ...option) *harness {
	t.Helper()

	holder, err := config.NewStaticBillingConfigHolder(config.DefaultBillingConfig())
	require.NoError(t, err)
	catalog := tier.NewCatalog(holder)
	clk := clock.NewFakeClock(time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC))
	orgs := orgrepo.NewRepository(db)
	notifier := &recordingNotifier{}

	params := Params{
		DB:      db,
		Log:     zap.NewNop(),
		GenID:   node,
		Clock:   clk,
		Catalog: catalog,
		OrgRepo: orgs,
		Ledger:  ledger.NewRepository(db),
		Replenisher: credit.NewReplenisher(credit.Params{
			Log:     zap.NewNop(),
			Catalog: catalog,
			OrgRepo: orgs,
			Clock:   clk,
		}),
		Cascader: cascade.New(zap.NewNop(), cascade.PolicyMirror, clk),
		Audit: auditservice.NewService(auditservice.Params{
			DB:    db,
			Log:   zap.NewNop(),
			GenID: node,
			Repo:  auditrepo.Provide(),
			Clock: clk,
		}),
		Notifier: notifier,
		Cache:    dedupe.NoopCache{},
	}
	for _, opt := range opts {
		opt(&params)
	}

	return &harness{db: db, node: node, svc: NewService(params), notifier: notifier}
}

func (h *harness) route(t *testing.T, event domain.Event) (domain.Result, error) {
	t.Helper()
	res, err := h.svc.Route(context.Background(), event)
	h.svc.Wait()
	return res, err
}

func makeEvent(t *testing.T, id, typ string, object map[string]any) domain.Event {
	t.Helper()
	raw, err := json.Marshal(object)
	require.NoError(t, err)
	return domain.Event{ID: id, Type: typ, Data: domain.EventData{Object: raw}}
}

func subscriptionUpdated(t *testing.T, id, customer, status, priceID string) domain.Event {
	return makeEvent(t, id, domain.EventSubscriptionUpdated, map[string]any{
		"id":       "sub_1",
		"customer": customer,
		"status":   status,
		"items": map[string]any{"data": []any{
			map[string]any{"id": "si_1", "price": map[string]any{"id": priceID}},
		}},
	})
}

func subscriptionDeleted(t *testing.T, id, customer string) domain.Event {
	return makeEvent(t, id, domain.EventSubscriptionDeleted, map[string]any{
		"id":       "sub_1",
		"customer": customer,
		"status":   "canceled",
	})
}

func invoicePaid(t *testing.T, id, customer string, amount int64) domain.Event {
	return makeEvent(t, id, domain.EventInvoicePaymentSucceeded, map[string]any{
		"id":           "in_1",
		"customer":     customer,
		"subscription": "sub_1",
		"amount_paid":  amount,
		"currency":     "USD",
	})
}

type tableCounts struct {
	organizations, relationships, purgatory, ledger, audit int64
}

func counts(t *testing.T, db *gorm.DB) tableCounts {
	return tableCounts{
		organizations: billingtest.Count(t, db, "organizations", ""),
		relationships: billingtest.Count(t, db, "organization_relationships", ""),
		purgatory:     billingtest.Count(t, db, "purgatory_events", ""),
		ledger:        billingtest.Count(t, db, "billing_events", ""),
		audit:         billingtest.Count(t, db, "audit_logs", ""),
	}
}

func TestIdempotentReplay(t *testing.T) {
	h := newHarness(t)
	orgID := billingtest.SeedOrganization(t, h.db, h.node, billingtest.OrgSeed{
		Type: orgdomain.TypeReferringPractice, Tier: "tier_1", CreditBalance: 12, BillingReference: "cus_replay",
	})
	partner := billingtest.SeedOrganization(t, h.db, h.node, billingtest.OrgSeed{Type: orgdomain.TypeRadiologyGroup})
	relID := billingtest.SeedRelationship(t, h.db, h.node, orgID, partner, orgdomain.StatusActive)

	event := subscriptionUpdated(t, "evt_replay", "cus_replay", "past_due", "price_tier_2_monthly")

	first, err := h.route(t, event)
	require.NoError(t, err)
	assert.Equal(t, domain.Result{Success: true, Message: domain.MessageProcessed}, first)
	afterFirst := billingtest.Organization(t, h.db, orgID)
	relAfterFirst := billingtest.RelationshipStatus(t, h.db, relID)
	countsAfterFirst := counts(t, h.db)

	second, err := h.route(t, event)
	require.NoError(t, err)
	assert.Equal(t, domain.Result{Success: true, Message: domain.MessageDuplicate}, second)

	assert.Equal(t, afterFirst, billingtest.Organization(t, h.db, orgID))
	assert.Equal(t, relAfterFirst, billingtest.RelationshipStatus(t, h.db, relID))
	assert.Equal(t, countsAfterFirst, counts(t, h.db))
	assert.Equal(t, int64(1), billingtest.Count(t, h.db, "billing_events", "stripe_event_id = ?", "evt_replay"))
	assert.Len(t, h.notifier.all(), 1)

	assert.Equal(t, orgdomain.StatusPurgatory, afterFirst.Status)
	assert.Equal(t, "tier_2", afterFirst.Tier())
	assert.Equal(t, int64(500), afterFirst.CreditBalance)
}

func TestReplayAfterStateDriftDoesNotUndoNewerState(t *testing.T) {
	h := newHarness(t)
	orgID := billingtest.SeedOrganization(t, h.db, h.node, billingtest.OrgSeed{Tier: "tier_1", BillingReference: "cus_drift"})

	deleted := subscriptionDeleted(t, "evt_old", "cus_drift")
	_, err := h.route(t, deleted)
	require.NoError(t, err)
	_, err = h.route(t, invoicePaid(t, "evt_new", "cus_drift", 100))
	require.NoError(t, err)
	require.Equal(t, orgdomain.StatusActive, billingtest.Organization(t, h.db, orgID).Status)

	res, err := h.route(t, deleted)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, orgdomain.StatusActive, billingtest.Organization(t, h.db, orgID).Status)
}

func TestConcurrentDuplicateDeliveriesApplyOnce(t *testing.T) {
	h := newHarness(t)
	orgID := billingtest.SeedOrganization(t, h.db, h.node, billingtest.OrgSeed{
		Type: orgdomain.TypeReferringPractice, Tier: "tier_1", CreditBalance: 3, BillingReference: "cus_race",
	})
	event := subscriptionUpdated(t, "evt_race", "cus_race", "active", "price_tier_3_yearly")

	var wg sync.WaitGroup
	results := make([]domain.Result, 4)
	errs := make([]error, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = h.svc.Route(context.Background(), event)
		}(i)
	}
	wg.Wait()
	h.svc.Wait()

	processed := 0
	for i := range results {
		require.NoError(t, errs[i])
		assert.True(t, results[i].Success)
		if results[i].Message == domain.MessageProcessed {
			processed++
		}
	}
	assert.Equal(t, 1, processed)
	assert.Equal(t, int64(1), billingtest.Count(t, h.db, "billing_events", "stripe_event_id = ?", "evt_race"))
	assert.Equal(t, int64(2000), billingtest.Organization(t, h.db, orgID).CreditBalance)
}

func TestProcessedCacheShortCircuitsReplays(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	h := newHarness(t, withCache(dedupe.NewRedisCache(client, time.Hour)))
	billingtest.SeedOrganization(t, h.db, h.node, billingtest.OrgSeed{BillingReference: "cus_cache"})
	event := subscriptionDeleted(t, "evt_cached", "cus_cache")

	_, err := h.route(t, event)
	require.NoError(t, err)
	assert.True(t, mr.Exists("billing:event:processed:evt_cached"))

	// Remove the ledger row: a cache hit must not reach the database.
	require.NoError(t, h.db.Exec(`DELETE FROM billing_events`).Error)
	res, err := h.route(t, event)
	require.NoError(t, err)
	assert.Equal(t, domain.MessageDuplicate, res.Message)
	assert.Zero(t, billingtest.Count(t, h.db, "billing_events", ""))
}

func TestReplenisherFailureRollsBackEverything(t *testing.T) {
	h := newHarness(t, withReplenisher(failingReplenisher{}))
	orgID := billingtest.SeedOrganization(t, h.db, h.node, billingtest.OrgSeed{
		Type: orgdomain.TypeReferringPractice, Tier: "tier_1", CreditBalance: 37, BillingReference: "cus_atomic",
	})
	before := counts(t, h.db)

	res, err := h.route(t, subscriptionUpdated(t, "evt_atomic", "cus_atomic", "active", "price_tier_2_monthly"))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrDatabaseOperation)
	assert.False(t, res.Success)

	org := billingtest.Organization(t, h.db, orgID)
	assert.Equal(t, "tier_1", org.Tier())
	assert.Equal(t, int64(37), org.CreditBalance)
	assert.Equal(t, before, counts(t, h.db))
	assert.Empty(t, h.notifier.all())

	// The provider redelivers once the fault clears.
	healthy := newHarnessWithDB(t, h.db, h.node)
	res, err = healthy.route(t, subscriptionUpdated(t, "evt_atomic", "cus_atomic", "active", "price_tier_2_monthly"))
	require.NoError(t, err)
	assert.Equal(t, domain.MessageProcessed, res.Message)
	assert.Equal(t, int64(500), billingtest.Organization(t, h.db, orgID).CreditBalance)
}

func TestSubscriptionDeletedMovesToPurgatory(t *testing.T) {
	h := newHarness(t)
	orgID := billingtest.SeedOrganization(t, h.db, h.node, billingtest.OrgSeed{
		Type: orgdomain.TypeReferringPractice, Tier: "tier_1", CreditBalance: 80, BillingReference: "cus_del",
	})

	res, err := h.route(t, subscriptionDeleted(t, "evt_del", "cus_del"))
	require.NoError(t, err)
	assert.True(t, res.Success)

	org := billingtest.Organization(t, h.db, orgID)
	assert.Equal(t, orgdomain.StatusPurgatory, org.Status)
	assert.Nil(t, org.SubscriptionTier)
	assert.Equal(t, int64(80), org.CreditBalance)
	assert.Equal(t, int64(1), billingtest.Count(t, h.db, "purgatory_events",
		"organization_id = ? AND reason = ? AND status = ? AND triggered_by = ?",
		orgID, orgdomain.PurgatoryReasonSubscriptionDeleted, orgdomain.PurgatoryEventOpen, "evt_del"))
	assert.Equal(t, int64(2), billingtest.Count(t, h.db, "audit_logs", "org_id = ?", orgID))

	notices := h.notifier.all()
	require.Len(t, notices, 1)
	assert.Equal(t, orgdomain.StatusActive, notices[0].From)
	assert.Equal(t, orgdomain.StatusPurgatory, notices[0].To)
	assert.Equal(t, orgdomain.StatusPurgatory, notices[0].Organization.Status)
}

func TestSubscriptionDeletedLeavesTerminatedAlone(t *testing.T) {
	h := newHarness(t)
	orgID := billingtest.SeedOrganization(t, h.db, h.node, billingtest.OrgSeed{
		Status: orgdomain.StatusTerminated, Tier: "tier_2", BillingReference: "cus_term",
	})

	res, err := h.route(t, subscriptionDeleted(t, "evt_term", "cus_term"))
	require.NoError(t, err)
	assert.True(t, res.Success)

	org := billingtest.Organization(t, h.db, orgID)
	assert.Equal(t, orgdomain.StatusTerminated, org.Status)
	assert.Equal(t, "tier_2", org.Tier())
	assert.Zero(t, billingtest.Count(t, h.db, "purgatory_events", ""))
	assert.Equal(t, int64(1), billingtest.Count(t, h.db, "billing_events", ""))
	assert.Empty(t, h.notifier.all())
}

func TestPaymentSucceededResolvesAllOpenPurgatoryEvents(t *testing.T) {
	h := newHarness(t)
	orgID := billingtest.SeedOrganization(t, h.db, h.node, billingtest.OrgSeed{
		Type: orgdomain.TypeRadiologyGroup, Status: orgdomain.StatusPurgatory, Tier: "tier_1", CreditBalance: 4, BillingReference: "cus_paid",
	})
	first := billingtest.SeedOpenPurgatoryEvent(t, h.db, h.node, orgID, orgdomain.PurgatoryReasonPaymentPastDue)
	second := billingtest.SeedOpenPurgatoryEvent(t, h.db, h.node, orgID, orgdomain.PurgatoryReasonSubscriptionDeleted)

	res, err := h.route(t, invoicePaid(t, "evt_paid", "cus_paid", 4900))
	require.NoError(t, err)
	assert.True(t, res.Success)

	org := billingtest.Organization(t, h.db, orgID)
	assert.Equal(t, orgdomain.StatusActive, org.Status)
	assert.Equal(t, int64(4), org.CreditBalance)

	events, err := orgrepo.NewRepository(h.db).ListPurgatoryEvents(context.Background(), orgID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	for _, e := range events {
		assert.Contains(t, []snowflake.ID{first, second}, e.ID)
		assert.Equal(t, orgdomain.PurgatoryEventResolved, e.Status)
		assert.NotNil(t, e.ResolvedAt)
	}

	entry, err := ledger.NewRepository(h.db).FindByEventID(context.Background(), "evt_paid")
	require.NoError(t, err)
	assert.Equal(t, int64(4900), entry.Amount)
	assert.Equal(t, "usd", entry.Currency)
	require.NotNil(t, entry.OrganizationID)
	assert.Equal(t, orgID, *entry.OrganizationID)
}

func TestPaymentSucceededReplenishesReferringPractice(t *testing.T) {
	h := newHarness(t)
	orgID := billingtest.SeedOrganization(t, h.db, h.node, billingtest.OrgSeed{
		Type: orgdomain.TypeReferringPractice, Tier: "tier_2", CreditBalance: 3, BillingReference: "cus_cycle",
	})

	_, err := h.route(t, invoicePaid(t, "evt_cycle", "cus_cycle", 9900))
	require.NoError(t, err)

	org := billingtest.Organization(t, h.db, orgID)
	assert.Equal(t, orgdomain.StatusActive, org.Status)
	assert.Equal(t, int64(500), org.CreditBalance)
	assert.Empty(t, h.notifier.all())
}

func TestPastDueThenReactivation(t *testing.T) {
	h := newHarness(t)
	orgID := billingtest.SeedOrganization(t, h.db, h.node, billingtest.OrgSeed{
		Type: orgdomain.TypeRadiologyGroup, Tier: "tier_1", BillingReference: "cus_cycle",
	})

	_, err := h.route(t, subscriptionUpdated(t, "evt_pd", "cus_cycle", "past_due", "price_tier_1_monthly"))
	require.NoError(t, err)
	assert.Equal(t, orgdomain.StatusPurgatory, billingtest.Organization(t, h.db, orgID).Status)
	assert.Equal(t, int64(1), billingtest.Count(t, h.db, "purgatory_events",
		"organization_id = ? AND reason = ? AND status = ?", orgID, orgdomain.PurgatoryReasonPaymentPastDue, orgdomain.PurgatoryEventOpen))

	// A deletion while on hold must not open a second record.
	_, err = h.route(t, subscriptionDeleted(t, "evt_del2", "cus_cycle"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), billingtest.Count(t, h.db, "purgatory_events", "organization_id = ? AND status = ?", orgID, orgdomain.PurgatoryEventOpen))

	_, err = h.route(t, subscriptionUpdated(t, "evt_back", "cus_cycle", "active", "price_tier_1_monthly"))
	require.NoError(t, err)
	org := billingtest.Organization(t, h.db, orgID)
	assert.Equal(t, orgdomain.StatusActive, org.Status)
	assert.Equal(t, "tier_1", org.Tier())
	assert.Zero(t, billingtest.Count(t, h.db, "purgatory_events", "organization_id = ? AND status = ?", orgID, orgdomain.PurgatoryEventOpen))
	assert.Len(t, h.notifier.all(), 2)
}

func TestRelationshipCascadeIsUnilateral(t *testing.T) {
	h := newHarness(t)
	a := billingtest.SeedOrganization(t, h.db, h.node, billingtest.OrgSeed{Tier: "tier_1", BillingReference: "cus_a"})
	b := billingtest.SeedOrganization(t, h.db, h.node, billingtest.OrgSeed{Type: orgdomain.TypeRadiologyGroup, BillingReference: "cus_b"})
	rel := billingtest.SeedRelationship(t, h.db, h.node, b, a, orgdomain.StatusActive)

	_, err := h.route(t, subscriptionDeleted(t, "evt_cascade", "cus_a"))
	require.NoError(t, err)

	assert.Equal(t, orgdomain.StatusPurgatory, billingtest.RelationshipStatus(t, h.db, rel))
	assert.Equal(t, orgdomain.StatusActive, billingtest.Organization(t, h.db, b).Status)
}

func TestCascadeRecoveryRespectsPartnerPolicy(t *testing.T) {
	for _, tc := range []struct {
		policy cascade.Policy
		want   orgdomain.Status
	}{
		{cascade.PolicyMirror, orgdomain.StatusActive},
		{cascade.PolicyRequirePartnerActive, orgdomain.StatusPurgatory},
	} {
		t.Run(string(tc.policy), func(t *testing.T) {
			h := newHarness(t, withCascadePolicy(tc.policy))
			a := billingtest.SeedOrganization(t, h.db, h.node, billingtest.OrgSeed{Status: orgdomain.StatusPurgatory, BillingReference: "cus_a"})
			b := billingtest.SeedOrganization(t, h.db, h.node, billingtest.OrgSeed{Type: orgdomain.TypeRadiologyGroup, Status: orgdomain.StatusPurgatory})
			rel := billingtest.SeedRelationship(t, h.db, h.node, a, b, orgdomain.StatusPurgatory)

			_, err := h.route(t, invoicePaid(t, "evt_recover", "cus_a", 100))
			require.NoError(t, err)
			assert.Equal(t, tc.want, billingtest.RelationshipStatus(t, h.db, rel))
		})
	}
}

func TestTierChangeReplenishmentIsGatedByOrgType(t *testing.T) {
	h := newHarness(t)
	radiology := billingtest.SeedOrganization(t, h.db, h.node, billingtest.OrgSeed{
		Type: orgdomain.TypeRadiologyGroup, Tier: "tier_1", CreditBalance: 7, BillingReference: "cus_rad",
	})
	referring := billingtest.SeedOrganization(t, h.db, h.node, billingtest.OrgSeed{
		Type: orgdomain.TypeReferringPractice, Tier: "tier_1", CreditBalance: 7, BillingReference: "cus_ref",
	})
	partnerRel := billingtest.SeedRelationship(t, h.db, h.node, radiology, referring, orgdomain.StatusActive)

	_, err := h.route(t, subscriptionUpdated(t, "evt_rad", "cus_rad", "active", "price_tier_2_monthly"))
	require.NoError(t, err)
	_, err = h.route(t, subscriptionUpdated(t, "evt_ref", "cus_ref", "active", "price_tier_2_monthly"))
	require.NoError(t, err)

	rad := billingtest.Organization(t, h.db, radiology)
	assert.Equal(t, "tier_2", rad.Tier())
	assert.Equal(t, int64(7), rad.CreditBalance)

	ref := billingtest.Organization(t, h.db, referring)
	assert.Equal(t, "tier_2", ref.Tier())
	assert.Equal(t, int64(500), ref.CreditBalance)

	assert.Equal(t, orgdomain.StatusActive, billingtest.RelationshipStatus(t, h.db, partnerRel))
	assert.Empty(t, h.notifier.all())
}

func TestUnknownPriceIsNotATierChange(t *testing.T) {
	h := newHarness(t)
	orgID := billingtest.SeedOrganization(t, h.db, h.node, billingtest.OrgSeed{Tier: "tier_1", CreditBalance: 9, BillingReference: "cus_unknown"})

	res, err := h.route(t, subscriptionUpdated(t, "evt_unknown_price", "cus_unknown", "active", "price_legacy"))
	require.NoError(t, err)
	assert.True(t, res.Success)

	org := billingtest.Organization(t, h.db, orgID)
	assert.Equal(t, "tier_1", org.Tier())
	assert.Equal(t, int64(9), org.CreditBalance)
	assert.Equal(t, int64(1), billingtest.Count(t, h.db, "billing_events", ""))
	assert.Zero(t, billingtest.Count(t, h.db, "audit_logs", ""))
}

func TestUnknownEventTypeIsAcknowledged(t *testing.T) {
	h := newHarness(t)
	billingtest.SeedOrganization(t, h.db, h.node, billingtest.OrgSeed{BillingReference: "cus_x"})
	before := counts(t, h.db)

	res, err := h.route(t, makeEvent(t, "evt_unknown", "some.unrecognized.event", map[string]any{"customer": "cus_x"}))
	require.NoError(t, err)
	assert.Equal(t, domain.Result{Success: true, Message: domain.MessageReceived}, res)
	assert.Equal(t, before, counts(t, h.db))
	assert.False(t, Supported("some.unrecognized.event"))

	res, err = h.route(t, makeEvent(t, "evt_untyped", "", map[string]any{"customer": "cus_x"}))
	require.NoError(t, err)
	assert.Equal(t, domain.MessageReceived, res.Message)
	assert.Equal(t, before, counts(t, h.db))
}

func TestPaymentFailedIsRecordedOnly(t *testing.T) {
	h := newHarness(t)
	orgID := billingtest.SeedOrganization(t, h.db, h.node, billingtest.OrgSeed{Tier: "tier_1", CreditBalance: 2, BillingReference: "cus_fail"})

	res, err := h.route(t, makeEvent(t, "evt_failed", domain.EventInvoicePaymentFailed, map[string]any{
		"customer": "cus_fail", "amount_due": 4900, "currency": "eur",
	}))
	require.NoError(t, err)
	assert.True(t, res.Success)

	org := billingtest.Organization(t, h.db, orgID)
	assert.Equal(t, orgdomain.StatusActive, org.Status)
	assert.Equal(t, int64(2), org.CreditBalance)

	entry, err := ledger.NewRepository(h.db).FindByEventID(context.Background(), "evt_failed")
	require.NoError(t, err)
	assert.Equal(t, int64(4900), entry.Amount)
	assert.Equal(t, "eur", entry.Currency)
}

func TestUnknownBillingReference(t *testing.T) {
	h := newHarness(t)
	before := counts(t, h.db)

	res, err := h.route(t, subscriptionDeleted(t, "evt_orphan", "cus_missing"))
	require.Error(t, err)
	assert.False(t, res.Success)

	var notFound *domain.OrganizationNotFoundError
	require.True(t, errors.As(err, &notFound))
	assert.Equal(t, "cus_missing", notFound.BillingReference)
	assert.Equal(t, "evt_orphan", notFound.EventID)
	assert.Equal(t, before, counts(t, h.db))
}

func TestMalformedEvents(t *testing.T) {
	h := newHarness(t)
	billingtest.SeedOrganization(t, h.db, h.node, billingtest.OrgSeed{BillingReference: "cus_m"})
	before := counts(t, h.db)

	cases := []domain.Event{
		makeEvent(t, "evt_m1", domain.EventSubscriptionDeleted, map[string]any{"status": "canceled"}),
		makeEvent(t, "evt_m2", domain.EventSubscriptionUpdated, map[string]any{"customer": "cus_m"}),
		makeEvent(t, "", domain.EventSubscriptionDeleted, map[string]any{"customer": "cus_m"}),
		{ID: "evt_m3", Type: domain.EventInvoicePaymentSucceeded},
	}
	for _, ev := range cases {
		res, err := h.route(t, ev)
		assert.ErrorIs(t, err, domain.ErrMalformedEvent, ev.ID)
		assert.False(t, res.Success)
	}
	assert.Equal(t, before, counts(t, h.db))
}

func TestNotificationFailureDoesNotFailDelivery(t *testing.T) {
	db := billingtest.NewDB(t)
	node := billingtest.NewNode(t)
	orgID := billingtest.SeedOrganization(t, db, node, billingtest.OrgSeed{Tier: "tier_1", BillingReference: "cus_mail"})
	billingtest.SeedAdmin(t, db, node, orgID, "admin@clinic.example", orgdomain.RoleAdminReferring)

	sender := &failingSender{}
	dispatcher := notify.NewDispatcher(notify.Params{
		Log:     zap.NewNop(),
		OrgRepo: orgrepo.NewRepository(db),
		Sender:  sender,
		Config:  config.Config{Billing: config.BillingRuntimeConfig{NotifyTimeout: time.Second, NotifyConcurrency: 2}},
	})
	h := newHarnessWithDB(t, db, node, withNotifier(dispatcher))

	res, err := h.route(t, subscriptionDeleted(t, "evt_mail", "cus_mail"))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 1, sender.calls())
	assert.Equal(t, orgdomain.StatusPurgatory, billingtest.Organization(t, db, orgID).Status)
}

type failingSender struct {
	mu sync.Mutex
	n  int
}

func (s *failingSender) SendNotificationEmail(ctx context.Context, to, subject, body string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return errors.New("smtp unavailable")
}

func (s *failingSender) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.n
}

func TestStorageFailureIsDatabaseOperationError(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{Logger: logger.Discard})
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT COUNT\(1\) FROM billing_events`).WillReturnError(errors.New("connection reset by peer"))
	mock.ExpectRollback()

	h := newHarnessWithDB(t, db, billingtest.NewNode(t))
	res, err := h.route(t, subscriptionDeleted(t, "evt_db", "cus_db"))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrDatabaseOperation)
	assert.False(t, res.Success)

	var dbErr *domain.DatabaseOperationError
	require.True(t, errors.As(err, &dbErr))
	assert.Equal(t, "ledger.exists", dbErr.Op)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPaymentSucceededWithRetiredTierStillReleasesHold(t *testing.T) {
	h := newHarness(t)
	orgID := billingtest.SeedOrganization(t, h.db, h.node, billingtest.OrgSeed{
		Type: orgdomain.TypeReferringPractice, Status: orgdomain.StatusPurgatory, Tier: "legacy_gold", CreditBalance: 7, BillingReference: "cus_legacy",
	})
	billingtest.SeedOpenPurgatoryEvent(t, h.db, h.node, orgID, orgdomain.PurgatoryReasonPaymentPastDue)

	res, err := h.route(t, invoicePaid(t, "evt_legacy", "cus_legacy", 1200))
	require.NoError(t, err)
	assert.Equal(t, domain.MessageProcessed, res.Message)

	org := billingtest.Organization(t, h.db, orgID)
	assert.Equal(t, orgdomain.StatusActive, org.Status)
	assert.Equal(t, "legacy_gold", org.Tier())
	assert.Equal(t, int64(7), org.CreditBalance)
	assert.Equal(t, int64(1), billingtest.Count(t, h.db, "billing_events", "stripe_event_id = ?", "evt_legacy"))
	assert.Equal(t, int64(0), billingtest.Count(t, h.db, "purgatory_events", "organization_id = ? AND status = ?", orgID, orgdomain.PurgatoryEventOpen))

	res, err = h.route(t, invoicePaid(t, "evt_legacy", "cus_legacy", 1200))
	require.NoError(t, err)
	assert.Equal(t, domain.MessageDuplicate, res.Message)
}

func TestReplenisherUnknownTierDoesNotFailDelivery(t *testing.T) {
	h := newHarness(t, withReplenisher(retiredTierReplenisher{}))
	orgID := billingtest.SeedOrganization(t, h.db, h.node, billingtest.OrgSeed{
		Type: orgdomain.TypeReferringPractice, Status: orgdomain.StatusPurgatory, Tier: "tier_1", CreditBalance: 2, BillingReference: "cus_reload",
	})
	billingtest.SeedOpenPurgatoryEvent(t, h.db, h.node, orgID, orgdomain.PurgatoryReasonSubscriptionDeleted)

	res, err := h.route(t, invoicePaid(t, "evt_reload", "cus_reload", 900))
	require.NoError(t, err)
	assert.True(t, res.Success)

	org := billingtest.Organization(t, h.db, orgID)
	assert.Equal(t, orgdomain.StatusActive, org.Status)
	assert.Equal(t, int64(2), org.CreditBalance)
}

func TestTierChangeOnTerminatedOrganizationKeepsBalance(t *testing.T) {
	h := newHarness(t)
	orgID := billingtest.SeedOrganization(t, h.db, h.node, billingtest.OrgSeed{
		Type: orgdomain.TypeReferringPractice, Status: orgdomain.StatusTerminated, Tier: "tier_1", CreditBalance: 0, BillingReference: "cus_closed",
	})

	_, err := h.route(t, subscriptionUpdated(t, "evt_closed", "cus_closed", "active", "price_tier_3_monthly"))
	require.NoError(t, err)

	org := billingtest.Organization(t, h.db, orgID)
	assert.Equal(t, orgdomain.StatusTerminated, org.Status)
	assert.Equal(t, "tier_3", org.Tier())
	assert.Equal(t, int64(0), org.CreditBalance)
}
