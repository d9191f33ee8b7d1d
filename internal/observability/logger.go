package observability

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	logs "github.com/danmuck/psbcast/internal/logging"
)

// InitLogger derives an app-tagged logger from the process logger and installs
// it as zerolog's global logger.
func InitLogger(app string) zerolog.Logger {
	logger := logs.Logger().With().Str("app", app).Logger()
	log.Logger = logger
	return logger
}
