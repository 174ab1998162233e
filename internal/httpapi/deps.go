package httpapi

import (
	"github.com/pdfreader/sticker-engine/internal/contextjob"
	"github.com/pdfreader/sticker-engine/internal/generator"
	"github.com/pdfreader/sticker-engine/internal/monitoring"
	"github.com/pdfreader/sticker-engine/internal/quota"
	"github.com/pdfreader/sticker-engine/internal/scheduler"
	"github.com/pdfreader/sticker-engine/internal/session"
	"github.com/pdfreader/sticker-engine/internal/stickercache"
	"github.com/pdfreader/sticker-engine/internal/store"
)

// Deps collects every collaborator the HTTP boundary calls into. All
// fields are required except Collector, which is optional.
type Deps struct {
	Store      store.Store
	Cache      *stickercache.Service
	Quota      *quota.Service
	Sessions   *session.Service
	Generator  *generator.Service
	ContextJob *contextjob.Service
	Collector  *monitoring.Collector // optional; nil skips metrics recording

	SchedulerConfig scheduler.Config
}

// Handler implements the sticker engine's HTTP boundary (spec.md §6). One
// Handler runs a single scheduler shared across every window session, each
// distinguished by session id.
type Handler struct {
	deps      Deps
	resolver  *windowPageResolver
	scheduler *scheduler.Scheduler
}

// NewHandler builds a Handler over deps, wiring its window-mode scheduler.
func NewHandler(deps Deps) *Handler {
	resolver := newWindowPageResolver(deps.Store, deps.Cache, deps.Quota)
	sched := scheduler.New(deps.Sessions, deps.Generator, resolver, deps.SchedulerConfig, nil)
	return &Handler{deps: deps, resolver: resolver, scheduler: sched}
}
