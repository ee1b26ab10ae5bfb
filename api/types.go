package api

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/ericbjones/clean-invaders/catalog"
	"github.com/ericbjones/clean-invaders/domain"
	"github.com/ericbjones/clean-invaders/hub"
)

// Storage abstracts persistence for handlers.
type Storage interface {
	UpsertProgress(ctx context.Context, key domain.Key, progress int) (int, error)
	UpsertAssignment(ctx context.Context, key domain.Key, assignment int) (int, error)
	ToggleRoomHidden(ctx context.Context, floor, room string) (bool, error)
	ResetRoomProgress(ctx context.Context, floor, room string) error
	ResetAll(ctx context.Context, keys []domain.Key) error
	ResetAllHidden(ctx context.Context) error
	Snapshot(ctx context.Context) (domain.Snapshot, error)
	Ping(ctx context.Context) error
}

// CatalogSource loads the current room catalog from configuration.
type CatalogSource interface {
	Load() (*catalog.Catalog, error)
}

// Notifier receives every persisted change.
type Notifier interface {
	Notify(change domain.Change)
}

// Deps groups what the routes need. Notifier and Relay are optional.
type Deps struct {
	Store     Storage
	Catalogs  CatalogSource
	Hub       *hub.Hub
	Notifier  Notifier
	Relay     hub.Publisher
	StaticDir string
	Log       *log.Logger
}
