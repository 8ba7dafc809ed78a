package workflow

import (
	"bitbucket.org/mmdatafocus/records_backend/config"
	"bitbucket.org/mmdatafocus/records_backend/ledger"
	"bitbucket.org/mmdatafocus/records_backend/metrics"
	"bitbucket.org/mmdatafocus/records_backend/notify"
	"github.com/bsm/redislock"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// FromConfig builds the engine the server and the sweep binary share. locker may be nil.
func FromConfig(cfg config.Config, db *gorm.DB, logger *logrus.Logger, m *metrics.Metrics, locker *redislock.Client) *Engine {
	return NewEngine(Deps{
		DB:                   db,
		Logger:               logger,
		Metrics:              m,
		Ledger:               ledger.New(db, logger, cfg.StockCASMaxRetries, m),
		Notifier:             notify.NewRelay(db, logger, m, cfg.Notify),
		Locker:               locker,
		TransitionMaxRetries: cfg.TransitionMaxRetries,
		ActionTimeout:        cfg.AutomationActionTimeout,
		LowStockRole:         cfg.Notify.LowStockRole,
	})
}
