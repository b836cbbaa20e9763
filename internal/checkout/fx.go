package checkout

import (
	"github.com/smallbiznis/saasbilling/internal/billingprovisioning"
	"github.com/smallbiznis/saasbilling/internal/checkout/domain"
	"github.com/smallbiznis/saasbilling/internal/checkout/service"
	"go.uber.org/fx"
)

var Module = fx.Module("checkout.service",
	fx.Provide(func(p *billingprovisioning.Provisioner) domain.CustomerProvisioner { return p }),
	fx.Provide(service.NewService),
)
