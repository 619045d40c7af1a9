package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli"

	"github.com/haramkhor2011-ship-it/claims-app-sub010/claims/ack"
	"github.com/haramkhor2011-ship-it/claims-app-sub010/claims/audit"
	"github.com/haramkhor2011-ship-it/claims-app-sub010/claims/auth"
	"github.com/haramkhor2011-ship-it/claims-app-sub010/claims/constants"
	"github.com/haramkhor2011-ship-it/claims-app-sub010/claims/database"
	"github.com/haramkhor2011-ship-it/claims-app-sub010/claims/fetcher"
	"github.com/haramkhor2011-ship-it/claims-app-sub010/claims/models"
	"github.com/haramkhor2011-ship-it/claims-app-sub010/claims/models/postgres"
	"github.com/haramkhor2011-ship-it/claims-app-sub010/claims/parser"
	"github.com/haramkhor2011-ship-it/claims-app-sub010/claims/persistence"
	"github.com/haramkhor2011-ship-it/claims-app-sub010/claims/staging"
	"github.com/haramkhor2011-ship-it/claims-app-sub010/claimsworker"
	"github.com/haramkhor2011-ship-it/claims-app-sub010/log"
)

func main() {
	app := cli.NewApp()
	app.Name = "claimsd"
	app.Usage = "DHPO claims ingestion service CLI"
	app.Version = constants.Version
	app.Commands = []cli.Command{
		{
			Name:  "start",
			Usage: "Start polling, processing and acknowledgement loops",
			Action: func(c *cli.Context) error {
				return runStart()
			},
		},
		{
			Name:  "import-file",
			Usage: "Ingest one transaction file from disk, bypassing the post office",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "facility", Usage: "facility code the file belongs to"},
				cli.StringFlag{Name: "path", Usage: "path to the XML file"},
			},
			Action: func(c *cli.Context) error {
				return runImportFile(c.String("facility"), c.String("path"))
			},
		},
		{
			Name:  "sweep-staging",
			Usage: "Delete staged payloads of acknowledged files past retention",
			Action: func(c *cli.Context) error {
				return runSweep()
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Worker.Fatal(err)
	}
}

func runStart() error {
	db := database.Connection()
	defer db.Close()

	repo := postgres.NewRepository(db)
	recorder := audit.NewRecorder(repo)

	credentials, err := auth.NewCredentialStore()
	if err != nil {
		return err
	}
	store, err := staging.NewStoreFromEnv()
	if err != nil {
		return err
	}

	coordinator, err := fetcher.NewCoordinator(repo, credentials, store, recorder)
	if err != nil {
		return err
	}
	worker := claimsworker.NewWorker(repo, store, persistence.NewService(db), recorder)
	orchestrator, err := claimsworker.NewOrchestrator(repo, worker)
	if err != nil {
		return err
	}
	sender, err := ack.NewSender(repo, credentials, recorder)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go pollLoop(ctx, coordinator)
	go ackLoop(ctx, sender, coordinator.PollInterval())
	go sweepLoop(ctx, repo, store)

	fmt.Println("Starting claimsd...")
	orchestrator.Run(ctx)
	return nil
}

func pollLoop(ctx context.Context, coordinator *fetcher.Coordinator) {
	ticker := time.NewTicker(coordinator.PollInterval())
	defer ticker.Stop()

	for {
		if err := coordinator.Poll(ctx); err != nil && ctx.Err() == nil {
			log.Fetcher.WithError(err).Warn("poll pass failed")
		}
		if err := coordinator.Backfill(ctx); err != nil && ctx.Err() == nil {
			log.Fetcher.WithError(err).Warn("backfill pass failed")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func ackLoop(ctx context.Context, sender *ack.Sender, interval time.Duration) {
	// Acks run more often than polling so verified files do not linger.
	if interval > time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := sender.Pass(ctx); err != nil && ctx.Err() == nil {
			log.DHPO.WithError(err).Warn("acknowledgement pass failed")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func sweepLoop(ctx context.Context, repo models.Repository, store staging.Store) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if _, err := sweepStaging(ctx, repo, store); err != nil && ctx.Err() == nil {
			log.Worker.WithError(err).Warn("retention sweep failed")
		}
	}
}

// runImportFile stages a local file as if the post office had delivered it
// and runs it through the worker pipeline synchronously. The file still ends
// VERIFIED, not ACKNOWLEDGED; there is nothing to acknowledge upstream.
func runImportFile(facilityCode, path string) error {
	if facilityCode == "" || path == "" {
		return fmt.Errorf("both --facility and --path are required")
	}

	db := database.Connection()
	defer db.Close()

	repo := postgres.NewRepository(db)
	recorder := audit.NewRecorder(repo)
	ctx := context.Background()

	facilities, err := repo.GetEnabledFacilities(ctx)
	if err != nil {
		return err
	}
	var facility *models.Facility
	for _, f := range facilities {
		if f.Code == facilityCode {
			facility = f
			break
		}
	}
	if facility == nil {
		return fmt.Errorf("no enabled facility with code %q", facilityCode)
	}

	payload, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	// Parse up front so an unreadable file is rejected before any rows exist.
	fileID := fmt.Sprintf("import-%d", time.Now().Unix())
	if _, err = parser.Parse(fileID, bytes.NewReader(payload)); err != nil {
		return err
	}

	fingerprint := staging.Fingerprint(payload)
	if dup, err := repo.GetStagedFileByFingerprint(ctx, facility.ID, fingerprint); err != nil {
		return err
	} else if dup != nil {
		return fmt.Errorf("payload already ingested as file %s", dup.FileID)
	}

	store, err := staging.NewStoreFromEnv()
	if err != nil {
		return err
	}

	discoveredAt := time.Now().UTC()
	key := staging.Key(facilityCode, fileID, discoveredAt)
	if err = store.Put(key, payload); err != nil {
		return err
	}

	id, err := repo.CreateStagedFile(ctx, models.StagedFile{
		FacilityID:   facility.ID,
		FacilityCode: facilityCode,
		FileID:       fileID,
		FileName:     path,
		Fingerprint:  fingerprint,
		StorageKey:   key,
		DiscoveredAt: discoveredAt,
		State:        constants.StateStaged,
	})
	if err != nil {
		return err
	}

	file, err := repo.GetStagedFileByID(ctx, id)
	if err != nil {
		return err
	}

	worker := claimsworker.NewWorker(repo, store, persistence.NewService(db), recorder)
	worker.Process(ctx, file)

	final, err := repo.GetStagedFileByID(ctx, id)
	if err != nil {
		return err
	}
	fmt.Printf("file %s finished in state %s\n", fileID, final.State)
	return nil
}

func runSweep() error {
	db := database.Connection()
	defer db.Close()

	repo := postgres.NewRepository(db)
	ctx := context.Background()

	store, err := staging.NewStoreFromEnv()
	if err != nil {
		return err
	}

	swept, err := sweepStaging(ctx, repo, store)
	if err != nil {
		return err
	}
	fmt.Printf("swept %d acknowledged files\n", swept)
	return nil
}

// sweepStaging deletes the staged payloads and tracking rows of acknowledged
// files past the retention window. Failed files are never swept.
func sweepStaging(ctx context.Context, repo models.Repository, store staging.Store) (int, error) {
	cutoff, err := staging.RetentionCutoff(time.Now())
	if err != nil {
		return 0, err
	}

	var swept int
	for {
		files, err := repo.GetSweepableStagedFiles(ctx, cutoff, 100)
		if err != nil {
			return swept, err
		}
		if len(files) == 0 {
			return swept, nil
		}

		progress := 0
		for _, file := range files {
			if file.StorageKey != "" {
				if err := store.Delete(file.StorageKey); err != nil {
					log.Worker.WithError(err).Warnf("cannot delete payload of file %s", file.FileID)
					continue
				}
			}
			if err := repo.DeleteStagedFile(ctx, file.ID); err != nil {
				return swept, err
			}
			progress++
		}
		swept += progress
		if progress == 0 {
			return swept, nil
		}
	}
}
