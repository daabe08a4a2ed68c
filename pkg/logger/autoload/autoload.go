// Package autoload initializes the global logger from LOG_* environment variables on import.
package autoload

import (
	configx "github.com/tanpawarit/Chative-Customer-Service-Orchestrator/pkg/config"
	logx "github.com/tanpawarit/Chative-Customer-Service-Orchestrator/pkg/logger"
)

func init() {
	cfg := configx.MustNew[logx.Config]("LOG")
	logx.Init(*cfg)
}
