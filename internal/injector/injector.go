//go:build wireinject
// +build wireinject

// The build tag makes sure the stub is not built in the final build.

package injector

import (
	"context"

	"github.com/google/wire"

	"github.com/vantagenotes/notesync/internal/config"
	"github.com/vantagenotes/notesync/internal/server"
)

func InitializeServer(ctx context.Context, cfg config.Config) (*server.Server, func(), error) {
	wire.Build(ProviderSet)
	return nil, nil, nil
}
