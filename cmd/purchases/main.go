package main

import (
	"context"
	"log"
	"os"

	"github.com/dmitrijs2005/purchasesync/internal/buildinfo"
	"github.com/dmitrijs2005/purchasesync/internal/client/cli"
	"github.com/dmitrijs2005/purchasesync/internal/client/config"
)

func main() {

	buildinfo.PrintBuildData(os.Stderr)

	ctx := context.Background()
	cfg := config.LoadConfig()
	app, err := cli.NewApp(ctx, cfg, os.Stdout)

	if err != nil {
		log.Fatalf("%v", err)
	}

	if err := app.Run(ctx, os.Args[1:]); err != nil {
		log.Fatalf("%v", err)
	}

}
