// Package cli implements the retain CLI commands.
package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/notekeep/retain/internal/merge"
	"github.com/notekeep/retain/internal/notes"
	"github.com/notekeep/retain/internal/provider"
	"github.com/notekeep/retain/internal/push"
	"github.com/notekeep/retain/internal/store"
)

var (
	dbPath    string
	modelFlag string

	maxActive  int
	dueWindow  time.Duration
	threshold  float64
	langFlag   string
)

// RootCmd is the top-level command.
var RootCmd = &cobra.Command{
	Use:   "retain",
	Short: "Spaced-repetition reviews for knowledge extracted from notes",
	Long: "retain schedules spaced-repetition reviews of knowledge chunks extracted " +
		"from free-form notes. SQLite-backed, single binary.",
}

func init() {
	RootCmd.PersistentFlags().StringVarP(&dbPath, "db", "d", "", "Database path (default: $RETAIN_DB or ~/.retain/retain.db)")
	RootCmd.PersistentFlags().StringVar(&modelFlag, "model", "", "OpenAI model (default: "+provider.DefaultModel+")")
	RootCmd.PersistentFlags().IntVar(&maxActive, "max-active", 5, "Open push cap")
	RootCmd.PersistentFlags().DurationVar(&dueWindow, "due-window", 24*time.Hour, "Push lifetime before expiry")
	RootCmd.PersistentFlags().Float64Var(&threshold, "threshold", 2, "Minimum chunk score for push selection")
	RootCmd.PersistentFlags().StringVar(&langFlag, "language", "English", "Tutoring language")
}

func getDBPath() string {
	if dbPath != "" {
		return dbPath
	}
	if env := os.Getenv("RETAIN_DB"); env != "" {
		return env
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".retain", "retain.db")
}

// engine bundles the wired store and scheduler for one command invocation.
type engine struct {
	sql    *store.SQLiteStore
	chunks *store.ChunkStore
	pushes *push.Scheduler
}

func openEngine(ctx context.Context) (*engine, error) {
	sql, err := store.NewSQLiteStore(getDBPath())
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	chunks, err := store.Open(ctx, sql)
	if err != nil {
		sql.Close()
		return nil, err
	}

	// Tutoring is optional: without an API key the scheduler still
	// refreshes and grades manually.
	var tutor push.Tutor
	if client, err := newProvider(); err == nil {
		tutor = client
	}

	pushes, err := push.New(ctx, push.Config{
		MaxActive:      maxActive,
		DueWindow:      dueWindow,
		ScoreThreshold: threshold,
		Language:       langFlag,
	}, chunks, sql, tutor)
	if err != nil {
		sql.Close()
		return nil, err
	}
	return &engine{sql: sql, chunks: chunks, pushes: pushes}, nil
}

func (e *engine) Close() {
	e.sql.Close()
}

func newProvider() (*provider.Client, error) {
	return provider.New(provider.Config{
		APIKey: os.Getenv("OPENAI_API_KEY"),
		Model:  modelFlag,
	})
}

// newExtractor returns the OpenAI extractor when credentials are present,
// falling back to the offline paragraph splitter.
func newExtractor() merge.Extractor {
	if client, err := newProvider(); err == nil {
		return client
	}
	return notes.Splitter{}
}

func exitErr(msg string, err error) {
	fmt.Fprintf(os.Stderr, "error: %s: %v\n", msg, err)
	os.Exit(1)
}
