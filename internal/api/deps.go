package api

import (
	"github.com/sentry-messenger/d1plane/internal/domain/account"
	"github.com/sentry-messenger/d1plane/internal/domain/prekey"
	"github.com/sentry-messenger/d1plane/internal/store"
	"github.com/sentry-messenger/d1plane/pkg/config"
	"github.com/sentry-messenger/d1plane/pkg/telemetry"
)

// Deps bundles everything a handler needs: the shared store, the Account
// Resolver and Prekey Engine (the two components with process-lifetime
// state beyond the store itself), config, the logger, and the in-process
// operational counters surfaced at /d1/metrics.
type Deps struct {
	Store   *store.Store
	Account *account.Resolver
	Prekey  *prekey.Engine
	Cfg     config.Config
	Log     *telemetry.Logger
	Metrics *telemetry.Counters
}
