package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"brivet/internal/config"
	"brivet/internal/logger"
	"brivet/internal/model"
	"brivet/internal/repository/sqlite"
	"brivet/internal/service/storage"
)

// migrate indexes capture images that are on disk but missing from the
// database, for example after restoring a backup of the captures directory.
func main() {
	cfg := config.Load()

	capturesDir := flag.String("captures", cfg.CapturesDir, "Directory containing capture images")
	dbPath := flag.String("db", cfg.DatabasePath, "Database path")
	prune := flag.Bool("prune", false, "Also delete records whose image file is gone")
	flag.Parse()

	cfg.CapturesDir = *capturesDir
	cfg.DatabasePath = *dbPath

	fmt.Printf("Indexing captures from %s into database %s\n", cfg.CapturesDir, cfg.DatabasePath)

	// Ensure database directory exists
	if err := os.MkdirAll(filepath.Dir(cfg.DatabasePath), 0755); err != nil {
		log.Fatalf("Failed to create database directory: %v", err)
	}

	db, err := sqlite.New(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	captureRepo := sqlite.NewCaptureRepository(db)
	store := storage.NewStore(cfg, logger.NewLogger(cfg), captureRepo, sqlite.NewDetectionRepository(db))
	if err := store.Init(); err != nil {
		log.Fatalf("Failed to prepare directories: %v", err)
	}

	added, err := store.Reindex()
	if err != nil {
		log.Fatalf("Failed to index captures: %v", err)
	}
	if added == 0 {
		fmt.Println("No new images found to index")
	} else {
		fmt.Printf("✅ Indexed %d images\n", added)
	}

	if *prune {
		removed, err := store.Prune()
		if err != nil {
			log.Fatalf("Failed to prune records: %v", err)
		}
		fmt.Printf("🧹 Removed %d records without an image\n", removed)
	}

	// Show stats
	total, err := captureRepo.GetTotalCount(&model.CaptureFilter{})
	if err == nil {
		failed, _ := captureRepo.GetTotalCount(&model.CaptureFilter{Status: model.StatusFailed})
		fmt.Printf("\n📊 Database Statistics:\n")
		fmt.Printf("   Total captures: %d\n", total)
		fmt.Printf("   Failed captures: %d\n", failed)
	}
}
