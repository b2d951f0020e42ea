package observability

import (
	"github.com/danmuck/meshvmail/internal/logging"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// InitLogger installs the global logger for the runtime profile, tagged with app.
func InitLogger(app string) zerolog.Logger {
	logging.ConfigureRuntime()
	logger := logging.NewLogger(logging.Current()).With().Str("app", app).Logger()
	log.Logger = logger
	return logger
}
