// Command openneuro-transfer mirrors OpenNeuro datasets into an S3 bucket.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/openneuro-tools/transfer"
	"github.com/openneuro-tools/transfer/metrics"
	"github.com/openneuro-tools/transfer/transfertypes"
)

// fileConfig is the optional YAML configuration file. Flags override it.
type fileConfig struct {
	Bucket              string `yaml:"bucket"`
	Prefix              string `yaml:"prefix"`
	Region              string `yaml:"region"`
	Endpoint            string `yaml:"endpoint"`
	Profile             string `yaml:"profile"`
	StageDir            string `yaml:"stage_dir"`
	MemoryCeilingMB     int64  `yaml:"memory_ceiling_mb"`
	SubjectConcurrency  int    `yaml:"subject_concurrency"`
	MaxAttempts         int    `yaml:"max_attempts"`
	MaxRecoveryAttempts int    `yaml:"max_recovery_attempts"`
}

var (
	flagConfig   string
	flagBucket   string
	flagPrefix   string
	flagRegion   string
	flagEndpoint string
	flagProfile  string
	flagStageDir string
	flagCeiling  int64
	flagSubjects int
	flagDebug    bool
)

var rootCmd = &cobra.Command{
	Use:   "openneuro-transfer <dataset-id>...",
	Short: "Stream OpenNeuro datasets into S3 with bounded memory",
	Long: `openneuro-transfer lists a dataset's files through the OpenNeuro API and
streams them into an S3 bucket. Metadata moves first, then task definitions,
then subject data in memory-bounded batches, then derivatives. After the
transfer the staged metadata is validated and repairable problems are
refetched automatically.

Examples:
  # Mirror two datasets
  openneuro-transfer ds000001 ds000247 --bucket my-datasets

  # Use a named AWS profile and a key prefix
  openneuro-transfer ds000001 --bucket my-datasets --prefix openneuro --profile research`,
	Args: cobra.MinimumNArgs(1),
	RunE: run,
}

func init() {
	f := rootCmd.Flags()
	f.StringVar(&flagConfig, "config", "", "Path to a YAML configuration file")
	f.StringVar(&flagBucket, "bucket", "", "Destination S3 bucket (required unless set in config)")
	f.StringVar(&flagPrefix, "prefix", "", "Key prefix for destination objects")
	f.StringVar(&flagRegion, "region", "", "AWS region of the destination bucket")
	f.StringVar(&flagEndpoint, "endpoint", "", "Custom S3 endpoint (LocalStack, MinIO)")
	f.StringVar(&flagProfile, "profile", "", "AWS shared config profile")
	f.StringVar(&flagStageDir, "stage-dir", "", "Local directory for staged metadata")
	f.Int64Var(&flagCeiling, "memory-ceiling-mb", 0, "Chunk memory ceiling in MiB")
	f.IntVar(&flagSubjects, "subject-concurrency", 0, "Concurrent subject transfers")
	f.BoolVar(&flagDebug, "debug", false, "Enable debug logging")
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Bucket == "" {
		return fmt.Errorf("a destination bucket is required (--bucket or config file)")
	}

	level := slog.LevelInfo
	if flagDebug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := []transfertypes.Option{
		transfer.WithBucket(cfg.Bucket),
		transfer.WithPrefix(cfg.Prefix),
		transfer.WithMetrics(metrics.NewLogSink(logger)),
	}
	if cfg.Region != "" {
		opts = append(opts, transfer.WithRegion(cfg.Region))
	}
	if cfg.Endpoint != "" {
		opts = append(opts, transfer.WithEndpoint(cfg.Endpoint), transfer.WithForcePathStyle(true))
	}
	if cfg.StageDir != "" {
		opts = append(opts, transfer.WithStageDir(cfg.StageDir))
	}
	if cfg.MemoryCeilingMB > 0 {
		opts = append(opts, transfer.WithMemoryCeiling(cfg.MemoryCeilingMB<<20))
	}
	if cfg.SubjectConcurrency > 0 {
		opts = append(opts, transfer.WithSubjectConcurrency(cfg.SubjectConcurrency))
	}
	if cfg.MaxAttempts > 0 {
		opts = append(opts, transfer.WithMaxAttempts(cfg.MaxAttempts))
	}
	if cfg.MaxRecoveryAttempts > 0 {
		opts = append(opts, transfer.WithMaxRecoveryAttempts(cfg.MaxRecoveryAttempts))
	}
	if cfg.Profile != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
			awsconfig.WithSharedConfigProfile(cfg.Profile))
		if err != nil {
			return fmt.Errorf("loading AWS profile %s: %w", cfg.Profile, err)
		}
		opts = append(opts, transfer.WithAWSConfig(&awsCfg))
	}

	client, err := transfer.New(opts...)
	if err != nil {
		return err
	}
	defer client.Close()

	failed := 0
	for _, datasetID := range args {
		start := time.Now()
		result, err := client.TransferDataset(ctx, datasetID)
		if err != nil {
			failed++
			color.Red("✗ %s: %v", datasetID, err)
			if result != nil {
				printSummary(result)
			}
			if ctx.Err() != nil {
				break
			}
			continue
		}
		color.Green("✓ %s: %d files, %s in %s",
			datasetID, len(result.Entries),
			formatBytes(result.BytesTransferred),
			time.Since(start).Round(time.Second))
		printSummary(result)
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d datasets failed", failed, len(args))
	}
	return nil
}

func loadConfig() (fileConfig, error) {
	var cfg fileConfig
	if flagConfig != "" {
		raw, err := os.ReadFile(flagConfig)
		if err != nil {
			return cfg, fmt.Errorf("reading config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("parsing config: %w", err)
		}
	}
	if flagBucket != "" {
		cfg.Bucket = flagBucket
	}
	if flagPrefix != "" {
		cfg.Prefix = flagPrefix
	}
	if flagRegion != "" {
		cfg.Region = flagRegion
	}
	if flagEndpoint != "" {
		cfg.Endpoint = flagEndpoint
	}
	if flagProfile != "" {
		cfg.Profile = flagProfile
	}
	if flagStageDir != "" {
		cfg.StageDir = flagStageDir
	}
	if flagCeiling > 0 {
		cfg.MemoryCeilingMB = flagCeiling
	}
	if flagSubjects > 0 {
		cfg.SubjectConcurrency = flagSubjects
	}
	return cfg, nil
}

func printSummary(result *transfertypes.RunResult) {
	var ok, fatal, retried int
	for _, e := range result.Entries {
		switch e.Status {
		case transfertypes.StatusSucceeded:
			ok++
			if e.Attempts > 1 {
				retried++
			}
		case transfertypes.StatusFailedFatal:
			fatal++
		}
	}
	fmt.Printf("  %d succeeded (%d after retry), %d failed\n", ok, retried, fatal)
	if result.Validation != nil {
		fmt.Printf("  validation: %s", result.Validation.State)
		if result.Validation.RecoveryAttempts > 0 {
			fmt.Printf(" after %d recovery attempts", result.Validation.RecoveryAttempts)
		}
		fmt.Println()
	}
}

func formatBytes(n int64) string {
	switch {
	case n >= 1<<30:
		return fmt.Sprintf("%.1f GiB", float64(n)/(1<<30))
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MiB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KiB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%d B", n)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
