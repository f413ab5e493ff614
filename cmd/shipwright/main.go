package main

import (
	"log"
	"os"

	"github.com/seantiz/shipwright/internal/api"
	"github.com/seantiz/shipwright/internal/config"
	"github.com/seantiz/shipwright/internal/generator"
	"github.com/seantiz/shipwright/internal/hosting"
	"github.com/seantiz/shipwright/internal/notify"
	"github.com/seantiz/shipwright/internal/pipeline"
	"github.com/seantiz/shipwright/internal/store"
)

func main() {
	if err := config.LoadDotEnv(".env"); err != nil {
		log.Fatalf("failed to load .env: %v", err)
	}
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("shipwright: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"store_driver", cfg.StoreDriver,
		"max_in_flight", cfg.MaxInFlight,
	)

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	var artifacts store.ArtifactStore = db
	if cfg.StoreDriver == config.StoreDriverFile {
		fs, err := store.NewFileStore(cfg.MappingFile, logger)
		if err != nil {
			log.Fatalf("failed to open mapping file: %v", err)
		}
		defer fs.Close()
		artifacts = fs
	}

	gen := generator.New(generator.Config{
		URL:     cfg.LLMURL,
		APIKey:  cfg.LLMAPIKey,
		Model:   cfg.LLMModel,
		Timeout: cfg.LLMTimeout,
	})
	host := hosting.New(hosting.Config{
		APIURL:        cfg.GitHubAPIURL,
		Token:         cfg.GitHubToken,
		Owner:         cfg.GitHubOwner,
		LicenseHolder: cfg.LicenseHolder,
		Timeout:       cfg.GitHubTimeout,
	})
	notifier := notify.New(notify.Config{
		Timeout:    cfg.NotifyTimeout,
		MaxRetries: cfg.NotifyRetries,
	})

	p := pipeline.New(gen, host, notifier, artifacts, logger, pipeline.Options{
		UnknownTaskPolicy: cfg.UnknownTaskPolicy,
	})
	eng, err := pipeline.NewEngine(db, p, logger, pipeline.EngineOptions{
		MaxInFlight: cfg.MaxInFlight,
	})
	if err != nil {
		log.Fatalf("failed to create engine: %v", err)
	}

	srv := api.NewServer(cfg.ListenAddr, cfg.Secret, db, artifacts, eng, logger)

	if err := srv.Run(); err != nil {
		log.Fatalf("server error: %v", err)
	}

	logger.Info("waiting for in-flight runs")
	eng.Wait()
}
