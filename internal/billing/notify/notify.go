// Package notify emails organization admins after a committed status change.
// Delivery is best-effort: failures are logged and counted, never returned.
package notify

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"html/template"
	"sync"
	"time"

	"github.com/smallbiznis/radbridge/internal/billing/domain"
	"github.com/smallbiznis/radbridge/internal/config"
	"github.com/smallbiznis/radbridge/internal/observability/metrics"
	orgdomain "github.com/smallbiznis/radbridge/internal/organization/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

//go:embed templates/*.html
var templateFS embed.FS

var statusTemplate = template.Must(template.ParseFS(templateFS, "templates/status_changed.html"))

// NotificationSender delivers one email to one address.
type NotificationSender interface {
	SendNotificationEmail(ctx context.Context, to, subject, body string) error
}

// Notice describes a committed status change.
type Notice struct {
	Organization orgdomain.Organization
	From         orgdomain.Status
	To           orgdomain.Status
	EventID      string
	Reason       string
}

type Report struct {
	Recipients int
	Sent       int
	Failures   []*domain.NotificationError
}

type Params struct {
	fx.In

	Log     *zap.Logger
	OrgRepo orgdomain.Repository
	Sender  NotificationSender
	Config  config.Config
	Metrics *metrics.Metrics `optional:"true"`
}

type Dispatcher struct {
	log         *zap.Logger
	orgRepo     orgdomain.Repository
	sender      NotificationSender
	metrics     *metrics.Metrics
	timeout     time.Duration
	concurrency int
}

func NewDispatcher(p Params) *Dispatcher {
	return &Dispatcher{
		log:         p.Log.Named("billing.notify"),
		orgRepo:     p.OrgRepo,
		sender:      p.Sender,
		metrics:     p.Metrics,
		timeout:     p.Config.Billing.NotifyTimeout,
		concurrency: p.Config.Billing.NotifyConcurrency,
	}
}

// Dispatch sends one email per admin of the organization. It must run after
// the state change committed.
func (d *Dispatcher) Dispatch(ctx context.Context, notice Notice) Report {
	var report Report
	if d == nil || d.sender == nil {
		return report
	}
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	log := d.log.With(
		zap.String("org_id", notice.Organization.ID.String()),
		zap.String("event_id", notice.EventID),
		zap.String("to_status", string(notice.To)),
	)

	admins, err := d.orgRepo.ListAdmins(ctx, notice.Organization.ID, notice.Organization.AdminRole())
	if err != nil {
		log.Warn("failed to resolve notification recipients", zap.Error(err))
		d.metrics.RecordNotificationFailure(ctx, "recipients")
		return report
	}
	report.Recipients = len(admins)
	if len(admins) == 0 {
		log.Info("no admins to notify")
		return report
	}

	subject := Subject(notice)
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	if d.concurrency > 0 {
		g.SetLimit(d.concurrency)
	}
	for _, admin := range admins {
		g.Go(func() error {
			body, err := Render(notice, admin)
			if err == nil {
				err = d.sender.SendNotificationEmail(gctx, admin.Email, subject, body)
			}

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				nerr := &domain.NotificationError{To: admin.Email, Err: err}
				report.Failures = append(report.Failures, nerr)
				log.Warn("notification failed", zap.String("recipient_id", admin.ID.String()), zap.Error(nerr))
				d.metrics.RecordNotificationFailure(gctx, "send")
				return nil
			}
			report.Sent++
			return nil
		})
	}
	_ = g.Wait()

	log.Info("notifications dispatched",
		zap.Int("recipients", report.Recipients),
		zap.Int("sent", report.Sent),
		zap.Int("failed", len(report.Failures)),
	)
	return report
}

func Subject(notice Notice) string {
	name := notice.Organization.Name
	switch notice.To {
	case orgdomain.StatusPurgatory:
		return fmt.Sprintf("Action required: %s account on hold", name)
	case orgdomain.StatusActive:
		return fmt.Sprintf("%s account restored", name)
	default:
		return fmt.Sprintf("%s account status changed", name)
	}
}

func Render(notice Notice, admin orgdomain.AdminUser) (string, error) {
	var buf bytes.Buffer
	err := statusTemplate.Execute(&buf, map[string]any{
		"RecipientName":    admin.DisplayName(),
		"OrganizationName": notice.Organization.Name,
		"From":             string(notice.From),
		"To":               string(notice.To),
		"Reason":           notice.Reason,
		"EventID":          notice.EventID,
	})
	if err != nil {
		return "", err
	}
	return buf.String(), nil
}
