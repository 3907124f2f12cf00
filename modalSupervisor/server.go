// Package main is the Viam module serving the mode-switching differential
// drive base.
package main

import (
	"context"

	"go.viam.com/rdk/components/base"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/module"
	goutils "go.viam.com/utils"

	"modalsupervisor/supervisorbase"
)

// Version number
var version = "1.0.0"

func main() {
	goutils.ContextualMain(mainWithArgs, logging.NewDebugLogger("modalSupervisorModule"))
}

func mainWithArgs(ctx context.Context, args []string, logger logging.Logger) (err error) {
	logger.Infow("starting module", "version", version, "model", supervisorbase.Model)

	modalModule, err := module.NewModuleFromArgs(ctx, logger)
	if err != nil {
		return err
	}
	if err := modalModule.AddModelFromRegistry(ctx, base.API, supervisorbase.Model); err != nil {
		return err
	}

	err = modalModule.Start(ctx)
	defer modalModule.Close(ctx)

	if err != nil {
		return err
	}
	<-ctx.Done()
	return nil
}
