package main

import (
	"context"
	"log"
	"os"

	"github.com/dmitrijs2005/purchasesync/internal/buildinfo"
	"github.com/dmitrijs2005/purchasesync/internal/devserver"
	"github.com/dmitrijs2005/purchasesync/internal/devserver/config"
)

func main() {

	buildinfo.PrintBuildData(os.Stderr)

	ctx := context.Background()
	cfg := config.LoadConfig()
	app, err := devserver.NewApp(cfg)

	if err != nil {
		log.Fatalf("%v", err)
	}

	if err := app.Run(ctx); err != nil {
		log.Fatalf("%v", err)
	}

}
