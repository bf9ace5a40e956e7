package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/kalamazoo/listai/internal/engine"
	"github.com/kalamazoo/listai/internal/export"
	"github.com/kalamazoo/listai/internal/imaging"
	"github.com/kalamazoo/listai/internal/logging"
	"github.com/kalamazoo/listai/internal/match"
	"github.com/kalamazoo/listai/internal/s3util"
	"github.com/kalamazoo/listai/internal/store"
)

// CLI flags
var (
	batchFlag  string
	tableFlag  string
	bucketFlag string
	sizeFlag   int
	groupFlag  string
	outputFlag string
)

var rootCmd = &cobra.Command{
	Use:   "listing-cli",
	Short: "One-shot batch operations for listing photo management",
	Long: `Listing CLI runs batch operations against a photo batch without the web
server: partition the pool into groups, run AI matching, generate missing
thumbnails, or export a group's photos as a ZIP.

Examples:
  listing-cli chunk --batch batch-42 --size 9
  listing-cli match --batch batch-42 --size 6
  listing-cli thumbs --batch batch-42
  listing-cli export --batch batch-42 --group 7f3a... -o listing.zip`,
}

var chunkCmd = &cobra.Command{
	Use:   "chunk",
	Short: "Partition the pool into groups of a fixed size",
	Run:   runChunk,
}

var matchCmd = &cobra.Command{
	Use:   "match",
	Short: "Group the pool with the AI matcher",
	Run:   runMatch,
}

var thumbsCmd = &cobra.Command{
	Use:   "thumbs",
	Short: "Generate missing grid thumbnails",
	Run:   runThumbs,
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write one group's exportable photos to a ZIP",
	Run:   runExport,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&batchFlag, "batch", "", "Batch id (required)")
	rootCmd.PersistentFlags().StringVar(&tableFlag, "table", logging.EnvOrDefault("LISTAI_TABLE", "listai-batches"), "DynamoDB table name")
	rootCmd.PersistentFlags().StringVar(&bucketFlag, "bucket", logging.EnvOrDefault("LISTAI_BUCKET", ""), "S3 bucket for photo objects")
	rootCmd.MarkPersistentFlagRequired("batch")

	chunkCmd.Flags().IntVar(&sizeFlag, "size", 9, "Images per group")
	matchCmd.Flags().IntVar(&sizeFlag, "size", 6, "Target images per listing")
	exportCmd.Flags().StringVar(&groupFlag, "group", "", "Group id to export (required)")
	exportCmd.Flags().StringVarP(&outputFlag, "output", "o", "", "Output ZIP path (default: listing-<seq>-photos.zip)")
	exportCmd.MarkFlagRequired("group")

	rootCmd.AddCommand(chunkCmd, matchCmd, thumbsCmd, exportCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// setup loads AWS config and a populated session for the batch.
func setup(ctx context.Context, withMatcher bool) (*engine.BatchSession, *s3util.ObjectStore) {
	logging.Init()

	awsCfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load AWS config")
	}

	cfg := engine.Config{
		BatchID: batchFlag,
		Store:   store.NewDynamoStore(dynamodb.NewFromConfig(awsCfg), tableFlag),
	}
	if withMatcher {
		apiKey := os.Getenv("GEMINI_API_KEY")
		if apiKey == "" {
			log.Fatal().Msg("GEMINI_API_KEY not set")
		}
		matcher, err := match.NewGeminiMatcher(ctx, apiKey)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create Gemini matcher")
		}
		cfg.Matcher = matcher
	}

	var objects *s3util.ObjectStore
	if bucketFlag != "" {
		objects = s3util.NewObjectStore(s3.NewFromConfig(awsCfg), bucketFlag, batchFlag)
	}

	session := engine.NewBatchSession(cfg)
	if err := session.Reload(ctx, false); err != nil {
		log.Fatal().Err(err).Str("batch", batchFlag).Msg("Failed to load batch")
	}
	return session, objects
}

func runChunk(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	session, _ := setup(ctx, false)

	if err := session.ChunkPool(ctx, sizeFlag); err != nil {
		log.Fatal().Err(err).Msg("Chunk failed")
	}
	tbl := session.Table()
	fmt.Printf("Partitioned batch %s into %d groups\n", batchFlag, len(tbl.Groups))
	for _, g := range tbl.Groups {
		fmt.Printf("  listing %d: %d photos (%s)\n", g.Sequence, len(g.ImageIDs), g.ID)
	}
}

func runMatch(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	session, _ := setup(ctx, true)

	before := len(session.Table().Groups)
	if err := session.SmartMatch(ctx, sizeFlag); err != nil {
		log.Fatal().Err(err).Msg("Match failed")
	}
	tbl := session.Table()
	fmt.Printf("Matcher created %d groups, %d photos left pooled\n", len(tbl.Groups)-before, len(tbl.Pool))
}

func runThumbs(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	session, objects := setup(ctx, false)
	if objects == nil {
		log.Fatal().Msg("--bucket (or LISTAI_BUCKET) is required for thumbnail generation")
	}

	generated := 0
	for _, it := range session.Items() {
		if it.Deleted || it.ThumbURL != "" {
			continue
		}
		data, mimeType, err := objects.Fetch(ctx, it.URL)
		if err != nil {
			log.Warn().Err(err).Str("image", it.ID).Msg("Fetch failed, skipping")
			continue
		}
		thumb, thumbMIME, err := imaging.Thumbnail(data, mimeType, imaging.DefaultMaxDimension)
		if err != nil {
			log.Warn().Err(err).Str("image", it.ID).Msg("Thumbnail failed, skipping")
			continue
		}
		url, err := objects.Store(ctx, fmt.Sprintf("thumbs/%s.jpg", it.ID), thumb, thumbMIME)
		if err != nil {
			log.Warn().Err(err).Str("image", it.ID).Msg("Upload failed, skipping")
			continue
		}
		if err := session.SetThumb(ctx, it.ID, url); err != nil {
			log.Warn().Err(err).Str("image", it.ID).Msg("Record update failed")
			continue
		}
		generated++
	}
	fmt.Printf("Generated %d thumbnails\n", generated)
}

func runExport(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	session, objects := setup(ctx, false)
	if objects == nil {
		log.Fatal().Msg("--bucket (or LISTAI_BUCKET) is required for export")
	}

	g, ok := session.Group(groupFlag)
	if !ok {
		log.Fatal().Str("group", groupFlag).Msg("Group not found")
	}
	path := outputFlag
	if path == "" {
		path = export.ZipName(g)
	}

	f, err := os.Create(path)
	if err != nil {
		log.Fatal().Err(err).Str("path", path).Msg("Cannot create output file")
	}
	defer f.Close()

	arena := session.ExportArena()
	start := time.Now()
	n, err := export.WriteGroupZip(ctx, f, objects.Fetch, arena, g)
	if err != nil {
		log.Fatal().Err(err).Msg("Export failed")
	}
	fmt.Printf("Wrote %d photos to %s in %s\n", n, path, time.Since(start).Round(time.Millisecond))
}
