package billing

import (
	"context"

	"github.com/smallbiznis/radbridge/internal/billing/cascade"
	"github.com/smallbiznis/radbridge/internal/billing/credit"
	"github.com/smallbiznis/radbridge/internal/billing/dedupe"
	"github.com/smallbiznis/radbridge/internal/billing/ledger"
	"github.com/smallbiznis/radbridge/internal/billing/notify"
	"github.com/smallbiznis/radbridge/internal/billing/tier"
	"github.com/smallbiznis/radbridge/internal/billing/webhook"
	"github.com/smallbiznis/radbridge/internal/providers/email"
	"go.uber.org/fx"
)

var Module = fx.Module("billing",
	fx.Provide(tier.NewCatalog),
	fx.Provide(ledger.NewRepository),
	fx.Provide(credit.NewReplenisher),
	fx.Provide(cascade.NewCascader),
	fx.Provide(dedupe.NewCache),
	fx.Provide(func(s *email.NotificationSender) notify.NotificationSender { return s }),
	fx.Provide(notify.NewDispatcher),
	fx.Provide(func(d *notify.Dispatcher) webhook.Notifier { return d }),
	fx.Provide(webhook.NewService),
	fx.Provide(func(s *webhook.Service) webhook.Router { return s }),
	fx.Invoke(func(lc fx.Lifecycle, s *webhook.Service) {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				done := make(chan struct{})
				go func() {
					s.Wait()
					close(done)
				}()
				select {
				case <-done:
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			},
		})
	}),
)
