package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/kalamazoo/listai/internal/engine"
	"github.com/kalamazoo/listai/internal/logging"
	"github.com/kalamazoo/listai/internal/match"
	"github.com/kalamazoo/listai/internal/s3util"
	"github.com/kalamazoo/listai/internal/store"
	"github.com/kalamazoo/listai/internal/transform"
)

// CLI flags
var (
	portFlag    int
	batchFlag   string
	tableFlag   string
	bucketFlag  string
	offlineFlag bool
)

// session is the one working batch this server edits. The engine
// serializes access internally.
var session *engine.BatchSession

// photoFetch downloads photo bytes for export bundles.
var photoFetch func(ctx context.Context, url string) ([]byte, string, error)

var rootCmd = &cobra.Command{
	Use:   "listing-web",
	Short: "Web API for organizing listing photo batches",
	Long: `Listing Web serves the batch editing API: load a photo batch, partition
it into listing groups, reorder, run AI matching, and apply bulk transforms.

Examples:
  listing-web --batch batch-42
  listing-web --batch batch-42 --port 9090
  listing-web --batch local-test --offline`,
	Run: runMain,
}

func init() {
	rootCmd.Flags().IntVar(&portFlag, "port", 8080, "Port to listen on")
	rootCmd.Flags().StringVar(&batchFlag, "batch", "", "Batch id to serve (required)")
	rootCmd.Flags().StringVar(&tableFlag, "table", logging.EnvOrDefault("LISTAI_TABLE", "listai-batches"), "DynamoDB table name")
	rootCmd.Flags().StringVar(&bucketFlag, "bucket", logging.EnvOrDefault("LISTAI_BUCKET", ""), "S3 bucket for photo objects")
	rootCmd.Flags().BoolVar(&offlineFlag, "offline", false, "Use an in-memory store, no AWS or Gemini calls")
	rootCmd.MarkFlagRequired("batch")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runMain(cmd *cobra.Command, args []string) {
	logging.Init()
	start := time.Now()
	ctx := context.Background()

	cfg := engine.Config{BatchID: batchFlag}

	if offlineFlag {
		cfg.Store = store.NewMemoryStore()
		photoFetch = fetchHTTP
	} else {
		awsCfg, err := config.LoadDefaultConfig(ctx)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to load AWS config")
		}
		cfg.Store = store.NewDynamoStore(dynamodb.NewFromConfig(awsCfg), tableFlag)

		apiKey := os.Getenv("GEMINI_API_KEY")
		if apiKey == "" {
			log.Fatal().Msg("GEMINI_API_KEY not set")
		}
		matcher, err := match.NewGeminiMatcher(ctx, apiKey)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create Gemini matcher")
		}
		cfg.Matcher = matcher

		if bucketFlag == "" {
			log.Fatal().Msg("--bucket (or LISTAI_BUCKET) is required outside offline mode")
		}
		objects := s3util.NewObjectStore(s3.NewFromConfig(awsCfg), bucketFlag, batchFlag)
		cfg.Transforms = transform.NewPipeline(transform.NewGeminiEditor(apiKey), objects)
		photoFetch = objects.Fetch
	}

	session = engine.NewBatchSession(cfg)
	if err := session.Reload(ctx, false); err != nil {
		log.Fatal().Err(err).Str("batch", batchFlag).Msg("Failed to load batch")
	}

	logging.NewStartupLogger("listing-web").
		DynamoTable("batches", tableFlag).
		S3Bucket("photos", bucketFlag).
		Feature("offline", offlineFlag).
		Config("batch", batchFlag).
		InitDuration(time.Since(start)).
		Log()

	mux := http.NewServeMux()
	mux.HandleFunc("/api/batch/reload", handleReload)
	mux.HandleFunc("/api/batch/state", handleState)
	mux.HandleFunc("/api/groups/chunk", handleChunk)
	mux.HandleFunc("/api/groups/move", handleMove)
	mux.HandleFunc("/api/groups/reorder", handleReorder)
	mux.HandleFunc("/api/groups/delete", handleDeleteGroup)
	mux.HandleFunc("/api/groups/merge", handleMerge)
	mux.HandleFunc("/api/groups/promote", handlePromote)
	mux.HandleFunc("/api/groups/select", handleSelect)
	mux.HandleFunc("/api/groups/export", handleExportZip)
	mux.HandleFunc("/api/images/delete", handleDeleteImages)
	mux.HandleFunc("/api/images/export", handleSetExport)
	mux.HandleFunc("/api/match", handleMatch)
	mux.HandleFunc("/api/undo", handleUndo)
	mux.HandleFunc("/api/undo/major", handleUndoMajor)
	mux.HandleFunc("/api/jobs/start", handleJobStart)
	mux.HandleFunc("/api/jobs/", handleJobRoutes)

	handler := withLogging(withCORS(mux))

	addr := fmt.Sprintf(":%d", portFlag)
	srv := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Info().Msg("Shutting down...")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}()

	log.Info().Int("port", portFlag).Str("batch", batchFlag).Msg("Starting web server")

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("Server failed")
	}
}

// --- Middleware ---

func withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		if strings.HasPrefix(r.URL.Path, "/api/") {
			log.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Dur("duration", time.Since(start)).
				Msg("API request")
		}
	})
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Only allow localhost origins; the dashboard runs locally.
		origin := r.Header.Get("Origin")
		if origin != "" && (strings.HasPrefix(origin, "http://localhost:") || strings.HasPrefix(origin, "http://127.0.0.1:")) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
