package main

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"

	"receiptpipe/internal/aggregate"
	"receiptpipe/internal/extraction"
	"receiptpipe/internal/pipeline"
)

//go:embed VERSION.txt
var versionFile string

var version = strings.TrimSpace(versionFile)

func main() {
	fs := ff.NewFlagSet("receipt-pipeline")
	var (
		blobDir          = fs.StringLong("blobs", "./documents", "Directory of receipt documents to process")
		dbPath           = fs.StringLong("db", "receipt-pipeline.db", "Database file path")
		outputDir        = fs.StringLong("output", "./runs", "Base directory for per-run artifacts")
		mode             = fs.StringLong("mode", "all", "Dispatch mode: 'all' or 'quality-routed'")
		geminiKey        = fs.StringLong("gemini-key", "", "Google Gemini API key (or set GEMINI_API_KEY env var)")
		geminiModel      = fs.StringLong("gemini-model", "gemini-2.5-pro", "Gemini model for vision extraction")
		qualityModel     = fs.StringLong("quality-model", "gemini-2.5-flash", "Gemini model for image quality routing")
		docIntelEndpoint = fs.StringLong("docintel-endpoint", "", "Document Intelligence endpoint URL")
		docIntelKey      = fs.StringLong("docintel-key", "", "Document Intelligence API key")
		ocrEndpoint      = fs.StringLong("ocr-endpoint", "", "Document OCR endpoint URL")
		ocrKey           = fs.StringLong("ocr-key", "", "Document OCR API key")
		ocrModel         = fs.StringLong("ocr-model", "mistral-document-ai-2505", "Document OCR model name")
		concurrency      = fs.IntLong("concurrency", 4, "Documents processed in parallel")
		limit            = fs.IntLong("limit", 0, "Maximum documents to process (0 = all)")
		showVersion      = fs.BoolLong("version", "Show version information")
	)

	if err := ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("RECEIPT_PIPELINE"),
	); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	apiKey := *geminiKey
	if apiKey == "" {
		apiKey = os.Getenv("GEMINI_API_KEY")
	}

	// Build whichever sources are configured; the merge engine copes with
	// any non-empty subset.
	var sources []extraction.Source

	if *docIntelEndpoint != "" && *docIntelKey != "" {
		src, err := extraction.NewDocIntelClient(*docIntelEndpoint, *docIntelKey)
		if err != nil {
			slog.Error("Failed to initialize structured extraction source", "error", err)
			os.Exit(1)
		}
		sources = append(sources, src)
	} else {
		slog.Warn("Structured extraction source not configured, skipping")
	}

	if *ocrEndpoint != "" && *ocrKey != "" {
		src, err := extraction.NewOCRClient(*ocrEndpoint, *ocrKey, *ocrModel, extraction.RegexParser{})
		if err != nil {
			slog.Error("Failed to initialize OCR source", "error", err)
			os.Exit(1)
		}
		sources = append(sources, src)
	} else {
		slog.Warn("OCR source not configured, skipping")
	}

	if apiKey != "" {
		src, err := extraction.NewVisionClient(apiKey, *geminiModel)
		if err != nil {
			slog.Error("Failed to initialize vision extraction source", "error", err)
			os.Exit(1)
		}
		sources = append(sources, src)
	} else {
		slog.Warn("Vision extraction source not configured, skipping")
	}

	if len(sources) == 0 {
		slog.Error("No extraction sources configured")
		os.Exit(1)
	}
	defer func() {
		for _, src := range sources {
			src.Close()
		}
	}()

	var policy pipeline.Policy
	switch *mode {
	case "all":
		policy = pipeline.NewAllSourcesPolicy(sources...)
	case "quality-routed":
		var structured, ocr extraction.Source
		for _, src := range sources {
			switch src.Name() {
			case extraction.SourceStructured:
				structured = src
			case extraction.SourceOCR:
				ocr = src
			}
		}
		if structured == nil || ocr == nil {
			slog.Error("Quality-routed mode requires both the structured extraction and OCR sources")
			os.Exit(1)
		}
		if apiKey == "" {
			slog.Error("Quality-routed mode requires a Gemini API key for the quality classifier")
			os.Exit(1)
		}
		classifier, err := extraction.NewGeminiQualityClassifier(apiKey, *qualityModel)
		if err != nil {
			slog.Error("Failed to initialize quality classifier", "error", err)
			os.Exit(1)
		}
		defer classifier.Close()
		policy = pipeline.NewQualityRoutedPolicy(classifier, structured, ocr, sources...)
	default:
		slog.Error("Invalid dispatch mode", "mode", *mode, "valid", "all or quality-routed")
		os.Exit(1)
	}

	slog.Info("Initializing blob store...", "path", *blobDir)
	blobs, err := pipeline.NewLocalBlobStore(*blobDir)
	if err != nil {
		slog.Error("Failed to initialize blob store", "error", err)
		os.Exit(1)
	}

	slog.Info("Initializing record store...", "path", *dbPath)
	store, err := pipeline.NewBoltStore(*dbPath)
	if err != nil {
		slog.Error("Failed to initialize record store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	runID := pipeline.NewRunID()
	artifacts, err := pipeline.NewArtifactWriter(*outputDir, runID)
	if err != nil {
		slog.Error("Failed to initialize artifact writer", "error", err)
		os.Exit(1)
	}

	service := pipeline.NewService(pipeline.Config{
		Blobs:       blobs,
		Policy:      policy,
		Accumulator: aggregate.NewAccumulator(aggregate.NewMerger()),
		Store:       store,
		Artifacts:   artifacts,
		Concurrency: *concurrency,
		Limit:       *limit,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	summary, err := service.Run(ctx, runID)
	if err != nil {
		slog.Error("Pipeline run failed", "error", err)
		os.Exit(1)
	}

	slog.Info("All outputs saved", "dir", artifacts.RunDir())
	if summary.Failed > 0 {
		os.Exit(1)
	}
}
