package main

import (
	"context"
	"log"
	"os"

	"github.com/jmoiron/sqlx"

	"github.com/trezcool/tathmini/apps/shared"
	"github.com/trezcool/tathmini/core"
	emailsvc "github.com/trezcool/tathmini/services/email"
	logsvc "github.com/trezcool/tathmini/services/logger"
	"github.com/trezcool/tathmini/storage/database"
)

func main() {
	conf, err := core.NewConfig()
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger := logsvc.NewRollbarLogger(log.New(os.Stderr, "ADMIN : ", log.LstdFlags|log.Lmicroseconds|log.Lshortfile), conf)
	logger.Enable(!conf.Debug)

	// set up DB, migrations are left to the `migrate` command
	var db *sqlx.DB
	if conf.StoreEngine != shared.StoreMemory {
		errAndDie(logger, database.CreateIfNotExist(conf))
		db, err = database.Open(conf)
		errAndDie(logger, err)
		defer db.Close()
	}

	ctx := context.Background()
	stores, err := shared.NewStores(ctx, conf, db)
	errAndDie(logger, err)
	defer stores.Close()

	transcriber, grader, err := shared.NewProviders(conf, logger)
	errAndDie(logger, err)

	core.ParseEmailTemplates(logger)
	sessSvc, _, err := shared.NewServices(shared.ServicesDeps{
		Conf:        conf,
		Logger:      logger,
		Stores:      stores,
		MailSvc:     emailsvc.NewConsoleService(conf, logger),
		Transcriber: transcriber,
		Grader:      grader,
		Clock:       core.SystemClock,
	})
	errAndDie(logger, err)

	// start CLI
	cli := commandLine{
		db:      db,
		conf:    conf,
		sessSvc: sessSvc,
		out:     os.Stdout,
	}
	if err := cli.run(ctx, os.Args); err != nil {
		if err != errHelp {
			logger.Error("admin command failed: "+err.Error(), err)
		}
		stores.Close()
		if db != nil {
			db.Close()
		}
		os.Exit(1)
	}
}

func errAndDie(logger core.Logger, err error) {
	if err != nil {
		logger.Fatal(err.Error(), err)
	}
}
