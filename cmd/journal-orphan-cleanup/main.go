package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/mmdatafocus/recoveries_backend/config"
	"github.com/mmdatafocus/recoveries_backend/models"
	"github.com/sirupsen/logrus"
)

// journal-orphan-cleanup detaches recoveries whose journalID points at a
// journal that no longer exists (left behind by deletes that kept member
// references). Each detached recovery gets a "Removed from Journal N" audit.
//
// Dry-run (default): list only
//
//	go run ./cmd/journal-orphan-cleanup
//
// Execute:
//
//	go run ./cmd/journal-orphan-cleanup -dry-run=false -confirm=CLEAR
func main() {
	dryRun := flag.Bool("dry-run", true, "List only (no writes)")
	confirm := flag.String("confirm", "", "Type CLEAR to proceed when dry-run=false")
	user := flag.String("user", "journal-orphan-cleanup", "Name written to the audit entries")
	flag.Parse()

	if !*dryRun && strings.TrimSpace(*confirm) != "CLEAR" {
		fmt.Fprintln(os.Stderr, "set --confirm=CLEAR to proceed")
		os.Exit(1)
	}

	ctx := context.Background()
	db := config.ConnectDatabaseWithRetry()
	logger := config.GetLogger()

	orphans, err := models.FindOrphanedRecoveries(ctx, db)
	if err != nil {
		fmt.Fprintf(os.Stderr, "scan failed: %v\n", err)
		os.Exit(1)
	}
	for _, rec := range orphans {
		fmt.Printf("recoveryID=%d journalID=%d status=%q\n", rec.RecoveryID, *rec.JournalID, rec.Status)
	}
	fmt.Printf("%d orphaned recoveries\n", len(orphans))
	if *dryRun || len(orphans) == 0 {
		return
	}

	if err := models.InstallGuards(db); err != nil {
		fmt.Fprintf(os.Stderr, "install guards: %v\n", err)
		os.Exit(1)
	}
	cleared, err := models.ClearOrphanedRecoveries(ctx, db, *user)
	if err != nil {
		config.LogError(logger, "journal-orphan-cleanup", "main", "ClearOrphanedRecoveries", nil, err)
		fmt.Fprintf(os.Stderr, "cleanup failed: %v\n", err)
		os.Exit(1)
	}
	logger.WithFields(logrus.Fields{"cleared": cleared}).Warn("detached orphaned recoveries")
	fmt.Printf("cleared %d recoveries\n", cleared)
}
