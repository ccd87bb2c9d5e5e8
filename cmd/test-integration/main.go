package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"flarelocate/internal/config"
	"flarelocate/internal/logging"
	"flarelocate/internal/pipeline"
	"flarelocate/internal/render"
	"flarelocate/internal/storage"
)

// Runs the offline stages against an existing data root and prints what the
// store recorded. Set FLARELOCATE_CONFIG to point at the data root.
func main() {
	fmt.Println("🔍 Testing flarelocate stages against", os.Getenv("FLARELOCATE_CONFIG"))

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load config:", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal("Invalid config:", err)
	}

	store, err := storage.New("test_integration.db")
	if err != nil {
		log.Fatal("Failed to create storage:", err)
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()

	defer render.Shutdown()
	pipe := pipeline.New(ctx, cfg, logging.Discard(), store)
	defer pipe.Stop()

	for _, stage := range []pipeline.JobType{pipeline.JobCheck, pipeline.JobAvailable} {
		start := time.Now()
		res, err := pipe.SubmitAndWait(ctx, pipeline.NewJob(stage, "", map[string]any{"source": "integration"}))
		if err != nil {
			log.Fatalf("%s failed: %v", stage, err)
		}
		fmt.Printf("✅ %s in %v: %v\n", stage, time.Since(start).Round(time.Millisecond), res.Meta)
	}

	events, err := store.Events()
	if err != nil {
		log.Fatal("Failed to read events:", err)
	}
	fmt.Printf("📊 Stored events: %d\n", len(events))
	for _, ev := range events {
		counts, err := store.DownloadCounts(ev.ID)
		if err != nil {
			continue
		}
		fmt.Printf("   %s downloads: %v\n", ev.ID, counts)
	}

	reports, err := store.AlignReports()
	if err != nil {
		log.Fatal("Failed to read align reports:", err)
	}
	fmt.Printf("📐 Align reports: %d\n", len(reports))
	for _, r := range reports {
		fmt.Printf("   %s %s %v\n", r.EventID, r.Status, r.Counts)
	}
}
