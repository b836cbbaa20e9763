package payment

import (
	"context"

	"github.com/smallbiznis/saasbilling/internal/config"
	"github.com/smallbiznis/saasbilling/internal/payment/adapters/stripe"
	"github.com/smallbiznis/saasbilling/internal/payment/domain"
	"github.com/smallbiznis/saasbilling/internal/payment/repository"
	"github.com/smallbiznis/saasbilling/internal/payment/router"
	"github.com/smallbiznis/saasbilling/internal/payment/webhook"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("payment.service",
	fx.Provide(repository.Provide),
	fx.Provide(stripe.NewGateway),
	fx.Provide(newVerifier),
	fx.Provide(func() domain.Parser { return stripe.NewParser() }),
	fx.Provide(router.NewRouter),
	fx.Provide(webhook.NewService),
	fx.Provide(webhook.NewPurger),
	fx.Invoke(runPurger),
)

func newVerifier(cfg config.Config, log *zap.Logger) domain.Verifier {
	verifier := stripe.NewVerifier(cfg.Stripe.WebhookSecrets, cfg.Stripe.WebhookTolerance)
	if !verifier.Configured() {
		log.Warn("STRIPE_WEBHOOK_SECRET is empty, every webhook delivery will be rejected")
	}
	return verifier
}

func runPurger(lc fx.Lifecycle, p *webhook.Purger) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				p.Run(ctx)
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
			case <-stopCtx.Done():
			}
			return nil
		},
	})
}
