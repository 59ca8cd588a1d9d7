package ess

import (
	"log/slog"

	"github.com/raterudder/optimshine/pkg/log"
)

func init() {
	log.SetDefaultLogLevel(slog.LevelError)
}
