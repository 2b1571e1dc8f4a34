// Package apikey issues and verifies the keys callers use to act on their
// own Claude tokens.
package apikey

import (
	"github.com/smallbiznis/claudeauth/internal/apikey/repository"
	"github.com/smallbiznis/claudeauth/internal/apikey/service"
	"go.uber.org/fx"
)

var Module = fx.Module("apikey.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
