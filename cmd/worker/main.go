package main

import (
	"go.uber.org/fx"

	"github.com/jrjohn/engage-cloud-go/internal/di"
)

func main() {
	// Pools, scheduler and the ops server start and stop through the
	// lifecycle hooks of the jobs and server modules
	fx.New(di.AppModule).Run()
}
