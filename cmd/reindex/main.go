package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"detectserver/internal/config"
	"detectserver/internal/logger"
	"detectserver/internal/model"
	"detectserver/internal/repository/sqlite"
	"detectserver/internal/service/storage"
)

func main() {
	cfg := config.Load()

	feedbackDir := flag.String("dir", cfg.FeedbackDirectory, "Directory containing feedback records")
	dbPath := flag.String("db", cfg.FeedbackDatabase, "Database path")
	reset := flag.Bool("reset", false, "Drop every indexed record before scanning")
	flag.Parse()

	fmt.Printf("Indexing feedback records from %s into %s\n", *feedbackDir, *dbPath)

	if _, err := os.Stat(*feedbackDir); err != nil {
		log.Fatalf("Failed to read feedback directory: %v", err)
	}

	db, err := sqlite.New(*dbPath)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	records := sqlite.NewRecordRepository(db)
	if *reset {
		if err := records.DeleteAll(); err != nil {
			log.Fatalf("Failed to reset index: %v", err)
		}
		fmt.Println("Index cleared")
	}

	store := storage.NewStore(*feedbackDir, nil, logger.NewDiscard())

	indexed, skipped := 0, 0
	err = store.Walk(func(rec *model.FeedbackRecord) error {
		exists, err := records.Exists(rec.ID)
		if err != nil {
			return err
		}
		if exists {
			skipped++
			return nil
		}
		if err := records.Insert(rec); err != nil {
			log.Printf("⚠️  Skipping %s: %v", rec.ID, err)
			skipped++
			return nil
		}
		indexed++
		return nil
	})
	if err != nil {
		log.Fatalf("Failed to index records: %v", err)
	}

	fmt.Printf("✅ Indexed %d records\n", indexed)
	if skipped > 0 {
		fmt.Printf("⚠️  Skipped %d records (already indexed or invalid)\n", skipped)
	}

	// Show stats
	stats, err := records.GetStats()
	if err == nil {
		fmt.Printf("\n📊 Index Statistics:\n")
		fmt.Printf("   Total records: %d\n", stats.TotalRecords)
		fmt.Printf("   Total size: %d bytes\n", stats.TotalSizeBytes)
		for source, count := range stats.PerSource {
			fmt.Printf("      - %s: %d records\n", source, count)
		}
	}
}
