package billingprovisioning

import "go.uber.org/fx"

var Module = fx.Module("billing.provisioning",
	fx.Provide(NewProvisioner),
)
