package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"hls-downloader/internal/api"
	"hls-downloader/internal/auth"
	"hls-downloader/internal/config"
	"hls-downloader/internal/database"
	"hls-downloader/internal/httpx"
	"hls-downloader/internal/job"
	"hls-downloader/internal/server"
)

// credentialFile holds the bearer token inside the data directory.
const credentialFile = "bearer.txt"

func main() {
	configPath := flag.String("config", "config.json", "path to the JSON configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if err := os.MkdirAll(cfg.DownloadDir, 0755); err != nil {
		log.Fatalf("Failed to create download directory: %v", err)
	}

	db, err := database.Init(cfg.DataDir)
	if err != nil {
		log.Fatalf("Failed to init db: %v", err)
	}
	defer db.Close()

	repo, err := job.NewRepository(db)
	if err != nil {
		log.Fatalf("Failed to init job tables: %v", err)
	}

	client := httpx.NewClient(cfg)
	if cfg.Intranet.Enabled {
		log.Printf("Intranet mode: %s -> %s, %s -> %s",
			httpx.VideoHost, cfg.Intranet.VideoServerIP, httpx.APIHost, cfg.Intranet.APIServerIP)
	}

	reload := auth.FileReloader(filepath.Join(cfg.DataDir, credentialFile))
	creds := auth.NewProvider(auth.Options{
		Client:     client,
		APIBaseURL: cfg.APIBaseURL,
		Secret:     cfg.Secret,
		Reload:     reload,
	})
	if bearer := reload(); bearer != "" {
		creds.SetBearer(bearer)
	}

	manager, err := job.NewManager(repo, client, creds, job.Defaults{
		Dir:             cfg.DownloadDir,
		Workers:         cfg.Workers,
		Retries:         cfg.Retries,
		KeyRetries:      cfg.KeyRetries,
		RefreshInterval: cfg.RefreshInterval(),
		FFmpegPath:      cfg.FFmpegPath,
	})
	if err != nil {
		log.Fatalf("Failed to init job manager: %v", err)
	}
	defer manager.Close()

	courses := api.NewClient(cfg.APIBaseURL, client, creds)
	srv := server.New(fmt.Sprintf(":%d", cfg.ListenPort), manager, courses, creds)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := srv.Start(ctx); err != nil {
		log.Fatal(err)
	}
	log.Printf("Shutting down, stopping running jobs")
}
