// Package service wires the store, sandbox manager, reaper and ingestor into
// the orchestrator's operations.
package service

import (
	"github.com/karl-digi/manaflow-sub006/internal/config"
	"github.com/karl-digi/manaflow-sub006/internal/ingest"
	"github.com/karl-digi/manaflow-sub006/internal/reaper"
	"github.com/karl-digi/manaflow-sub006/internal/sandbox"
	"github.com/karl-digi/manaflow-sub006/internal/store"
)

type Service struct {
	store     store.Store
	sandboxes *sandbox.Manager
	reaper    *reaper.Reaper
	ingestor  *ingest.Ingestor
	config    *config.Config
	sessions  SessionFactory
}

func New(st store.Store, sandboxes *sandbox.Manager, rp *reaper.Reaper, ing *ingest.Ingestor, cfg *config.Config) *Service {
	return &Service{
		store:     st,
		sandboxes: sandboxes,
		reaper:    rp,
		ingestor:  ing,
		config:    cfg,
	}
}
