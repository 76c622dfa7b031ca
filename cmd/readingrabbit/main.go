package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Warner231936/readingrabbit/config"
	"github.com/Warner231936/readingrabbit/llm"
	"github.com/Warner231936/readingrabbit/logutil"
	"github.com/Warner231936/readingrabbit/monitor"
	"github.com/Warner231936/readingrabbit/ocr"
	"github.com/Warner231936/readingrabbit/pipeline"
	"github.com/Warner231936/readingrabbit/status"
	"github.com/Warner231936/readingrabbit/store"
	"github.com/Warner231936/readingrabbit/video"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// llmVerifier adapts the llm package to the pipeline's Verifier contract.
type llmVerifier struct{}

func (llmVerifier) Verify(ctx context.Context, text string) (string, error) {
	return llm.VerifyText(ctx, text)
}

func run() error {
	configPath := flag.String("config", "config.yaml", "Path to config.yaml")
	videoPath := flag.String("video", "", "Video file (overrides config)")
	outputPath := flag.String("output", "", "Transcript file (overrides config)")
	statusAddr := flag.String("status", "", "Status endpoint address (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if *videoPath != "" {
		cfg.VideoPath = *videoPath
	}
	if *outputPath != "" {
		cfg.OutputTextPath = *outputPath
	}
	if *statusAddr != "" {
		cfg.StatusAddr = *statusAddr
	}

	logutil.Setup(cfg.LogPath, cfg.LogLevel)

	if err := cfg.Validate(); err != nil {
		return err
	}

	llm.Init(&llm.Config{
		APIKey:         cfg.APIKey,
		Model:          cfg.LLMModel,
		PromptTemplate: cfg.PromptTemplate,
		Providers:      cfg.Providers,
		BaseURL:        cfg.APIBaseURL,
	})
	log.Printf("ReadingRabbit initialized")
	log.Printf("Video: %s", cfg.VideoPath)
	log.Printf("Model: %s (key %s)", cfg.LLMModel, logutil.RedactKey(cfg.APIKey))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Optional transcript database
	var db *store.Store
	var runID int64
	if cfg.TranscriptDBPath != "" {
		db, err = store.Open(cfg.TranscriptDBPath)
		if err != nil {
			return fmt.Errorf("failed to open transcript store: %w", err)
		}
		defer db.Close()
		runID, err = db.BeginRun(ctx, cfg.VideoPath)
		if err != nil {
			return fmt.Errorf("failed to begin run: %w", err)
		}
	}

	// Optional resource monitor
	var mon *monitor.Monitor
	var monDone chan struct{}
	monCtx, stopMonitor := context.WithCancel(context.Background())
	defer stopMonitor()
	if cfg.ShowResourceUsage {
		interval := time.Duration(cfg.MonitorInterval * float64(time.Second))
		gpuIndex := -1
		if cfg.UseGPU {
			gpuIndex = cfg.GPUIndex
		}
		mon = monitor.New(monitor.Config{
			Interval:        interval,
			GPUIndex:        gpuIndex,
			LogPath:         cfg.ResourceLogPath,
			SummaryPath:     cfg.ResourceSummaryPath,
			AlertLogPath:    cfg.AlertLogPath,
			AlertThresholds: cfg.ResourceAlerts,
			AlertCooldown:   time.Duration(cfg.AlertCooldownSeconds * float64(time.Second)),
			HistorySize:     int(float64(cfg.ResourceHistorySeconds) / interval.Seconds()),
			OnAlert: func(metric string, value float64) {
				log.Printf("ALERT: %s usage reached %.1f%%", metric, value)
				if db != nil {
					if err := db.RecordAlert(context.Background(), runID, metric, value); err != nil {
						log.Printf("Failed to record alert: %v", err)
					}
				}
			},
		})
		monDone = make(chan struct{})
		go func() {
			mon.Run(monCtx)
			close(monDone)
		}()
	}

	// Optional status endpoint
	var srv *status.Server
	if cfg.StatusAddr != "" {
		srv = status.New(mon)
		srv.Listen(cfg.StatusAddr)
		defer srv.Shutdown()
	}

	result, runErr := processVideo(ctx, cfg, db, runID, srv)

	if db != nil {
		if err := db.FinishRun(context.Background(), runID, result.Frames, result.Lines); err != nil {
			log.Printf("Failed to finish run record: %v", err)
		}
	}

	if mon != nil {
		stopMonitor()
		<-monDone
		if text := mon.SummaryText(); text != "" {
			fmt.Println(text)
		}
	}

	if runErr != nil {
		if srv != nil {
			srv.FinishRun(status.StateError)
		}
		return runErr
	}
	if result.Cancelled {
		fmt.Printf("Cancelled after %d frames (%d lines written)\n", result.Frames, result.Lines)
		return nil
	}
	fmt.Printf("Completed: %d frames, %d lines, %d cache hits in %s\n",
		result.Frames, result.Lines, result.CacheHits, result.Elapsed.Round(time.Millisecond))
	fmt.Printf("Transcript: %s\n", cfg.OutputTextPath)
	return nil
}

func processVideo(ctx context.Context, cfg *config.Config, db *store.Store, runID int64, srv *status.Server) (pipeline.Result, error) {
	var onLine pipeline.LineFunc
	if db != nil {
		onLine = func(frameIndex int, ts time.Duration, raw, verified string) {
			line := store.Line{
				RunID:      runID,
				FrameIndex: frameIndex,
				Timestamp:  ts,
				RawText:    raw,
				Verified:   verified,
			}
			if err := db.AppendLine(context.Background(), line); err != nil {
				log.Printf("Failed to store line: %v", err)
			}
		}
	}

	lastDecile := -1
	onProgress := func(p pipeline.Progress) {
		if srv != nil {
			srv.UpdateProgress(p)
		}
		if decile := int(p.Percent / 10); decile > lastDecile {
			lastDecile = decile
			log.Printf("Processing... %.1f%% (frame %d/%d, %.1f fps, eta %.0fs)",
				p.Percent, p.FrameIndex, p.TotalFrames, p.FPS, p.ETASeconds)
		}
	}

	proc, err := pipeline.New(pipeline.Options{
		Source:     video.NewFFmpegSource(cfg.VideoPath, cfg.FrameStep),
		Engine:     ocr.NewVisionEngine(cfg.OCRLanguages),
		Verifier:   llmVerifier{},
		Workers:    cfg.Threads,
		Step:       cfg.FrameStep,
		OutputPath: cfg.OutputTextPath,
		OnProgress: onProgress,
		OnLine:     onLine,
	})
	if err != nil {
		return pipeline.Result{}, err
	}

	if srv != nil {
		srv.StartRun(cfg.VideoPath)
	}
	result, err := proc.Run(ctx)
	if srv != nil {
		switch {
		case err != nil:
			srv.FinishRun(status.StateError)
		case result.Cancelled:
			srv.FinishRun(status.StateCancelled)
		default:
			srv.FinishRun(status.StateCompleted)
		}
	}
	return result, err
}
