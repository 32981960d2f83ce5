package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"energy-metrics-monitor/internal/alerts"
	"energy-metrics-monitor/internal/api"
	"energy-metrics-monitor/internal/config"
	"energy-metrics-monitor/internal/db"
	"energy-metrics-monitor/internal/export"
	"energy-metrics-monitor/internal/logger"
	"energy-metrics-monitor/internal/models"
	"energy-metrics-monitor/internal/parser"
	"energy-metrics-monitor/internal/predict"
	"energy-metrics-monitor/internal/provider"
	"energy-metrics-monitor/internal/state"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	configPath string
	dbPath     string
	cfg        *config.Config
	log        *logger.Logger
	database   *db.Database
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "energy-monitor",
		Short: "Energy Metrics Monitor - energy meter aggregation and analysis",
		Long: `A CLI tool for importing, aggregating and analyzing energy meter readings.
Computes billing, CO2 emissions, period reports and consumption peaks over
imported files or generated data, with SQLite storage and REST API access.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig(cmd)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if log != nil {
				log.Sync()
			}
		},
	}

	// Global flags
	rootCmd.PersistentFlags().StringVar(&configPath, "config", ".", "Directory containing config.yaml")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "Path to SQLite database (overrides config)")

	// Add commands
	rootCmd.AddCommand(serverCmd())
	rootCmd.AddCommand(importCmd())
	rootCmd.AddCommand(generateCmd())
	rootCmd.AddCommand(summaryCmd())
	rootCmd.AddCommand(reportCmd())
	rootCmd.AddCommand(peaksCmd())
	rootCmd.AddCommand(environmentCmd())
	rootCmd.AddCommand(exportCmd())
	rootCmd.AddCommand(devicesCmd())
	rootCmd.AddCommand(importsCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(predictCmd())
	rootCmd.AddCommand(askCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// initConfig loads configuration and the logger
func initConfig(cmd *cobra.Command) error {
	var err error
	cfg, err = config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	if dbPath != "" {
		cfg.Database.Path = dbPath
	}

	base, err := logger.NewLogger(cfg.Log)
	if err != nil {
		return fmt.Errorf("logger error: %w", err)
	}
	log = base.With(zap.String("command", cmd.Name()))
	for _, w := range cfg.Warnings {
		log.Warn("configuration adjusted", zap.Error(w))
	}
	return nil
}

// initDB initializes database connection
func initDB() error {
	var err error
	database, err = db.New(cfg.Database.Path)
	return err
}

// serverCmd starts the REST API server
func serverCmd() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Start the REST API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := initDB(); err != nil {
				return fmt.Errorf("database error: %w", err)
			}
			defer database.Close()

			if cmd.Flags().Changed("port") {
				cfg.Server.Port = port
			}

			publisher, err := alerts.NewPublisher(cfg.Alerts, log.Logger)
			if err != nil {
				return fmt.Errorf("alerts error: %w", err)
			}
			defer publisher.Close()

			server := api.NewServer(database, api.Options{
				Tariff:        cfg.Tariff(),
				Multiplier:    cfg.Anomaly.ThresholdMultiplier,
				Thresholds:    cfg.Emission,
				AllowEstimate: cfg.Report.AllowEstimate,
				MaxBytes:      cfg.Import.MaxBytes,
				Production:    cfg.Server.IsProduction(),
				Logger:        log.Logger,
				State:         state.NewStore(cfg.Pricing.PricePerUnit),
				Alerts:        publisher,
				Predictor:     predict.NewClient(cfg.Predictor.URL, cfg.Predictor.Timeout, log.Logger),
				Synthetic:     provider.NewSynthetic(time.Now().UnixNano(), time.Now()),
			})

			srv := &http.Server{
				Addr:         cfg.Server.Address(),
				Handler:      server.Handler(),
				ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
				WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
				IdleTimeout:  time.Duration(cfg.Server.IdleTimeout) * time.Second,
			}

			fmt.Printf("⚡ Energy Metrics Monitor API Server\n")
			fmt.Printf("   Listening on http://%s\n", srv.Addr)
			fmt.Printf("   Database: %s\n\n", cfg.Database.Path)
			fmt.Println("Available endpoints:")
			fmt.Println("  GET    /health")
			fmt.Println("  GET    /api/v1/devices")
			fmt.Println("  POST   /api/v1/devices")
			fmt.Println("  GET    /api/v1/devices/{id}")
			fmt.Println("  GET    /api/v1/imports")
			fmt.Println("  POST   /api/v1/imports")
			fmt.Println("  GET    /api/v1/imports/{id}")
			fmt.Println("  DELETE /api/v1/imports/{id}")
			fmt.Println("  GET    /api/v1/imports/{id}/{samples|summary|report|peaks|environment|recommendations|export.csv}")
			fmt.Println("  GET    /api/v1/synthetic/{device_id}/{samples|summary|report|peaks|environment|recommendations|export.csv}")
			fmt.Println("  GET    /api/v1/state")
			fmt.Println("  POST   /api/v1/state")
			fmt.Println("  POST   /api/v1/predict")
			fmt.Println("  GET    /api/v1/stats")
			fmt.Println()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			errCh := make(chan error, 1)
			go func() {
				log.Info("server starting", zap.String("addr", srv.Addr))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}

			log.Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 8080, "Server port (overrides config)")
	return cmd
}

// importCmd stores energy files as imports
func importCmd() *cobra.Command {
	var format string
	var deviceID string
	var price float64

	cmd := &cobra.Command{
		Use:   "import [file...]",
		Short: "Import energy readings from CSV, JSON or XLSX files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := initDB(); err != nil {
				return fmt.Errorf("database error: %w", err)
			}
			defer database.Close()

			tariff := cfg.Tariff()
			if cmd.Flags().Changed("price") {
				var err error
				if tariff, err = models.NewTariff(price); err != nil {
					log.Warn("price clamped", zap.Error(err))
				}
			}

			p := parser.NewParser(format).WithDevice(deviceID).WithMaxBytes(cfg.Import.MaxBytes)
			importLog := log.Named("import")
			totalRecords := 0
			totalErrors := 0

			for _, file := range args {
				fmt.Printf("Processing %s...\n", file)
				start := time.Now()

				res, err := p.ParseFile(file)
				if err != nil {
					fmt.Printf("  Error: %v\n", err)
					totalErrors++
					continue
				}
				for _, w := range res.Warnings {
					importLog.Warn("row skipped", zap.String("file", file), zap.String("reason", w))
				}
				if len(res.Samples) == 0 {
					fmt.Printf("  Error: no valid rows (%d skipped)\n", res.Skipped)
					totalErrors++
					continue
				}

				imp := models.Import{
					DeviceID:     deviceID,
					Filename:     file,
					PricePerUnit: tariff.PricePerUnit,
					Records:      res.Records,
					Skipped:      res.Skipped,
				}
				if err := database.CreateImport(&imp, res.Samples); err != nil {
					fmt.Printf("  Database error: %v\n", err)
					totalErrors++
					continue
				}

				elapsed := time.Since(start)
				fmt.Printf("  ✓ Import %s: %d samples, %d skipped in %v\n",
					imp.ID, len(res.Samples), res.Skipped, elapsed)
				totalRecords += len(res.Samples)
			}

			fmt.Printf("\nTotal: %d samples imported", totalRecords)
			if totalErrors > 0 {
				fmt.Printf(", %d errors", totalErrors)
			}
			fmt.Println()

			return nil
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", "auto", "File format (auto, csv, json, xlsx)")
	cmd.Flags().StringVarP(&deviceID, "device", "d", "", "Device id for rows without one")
	cmd.Flags().Float64Var(&price, "price", models.DefaultPricePerUnit, "Price per kWh stored with the import")
	return cmd
}

// generateCmd generates synthetic readings
func generateCmd() *cobra.Command {
	var deviceCount int
	var seed int64
	var date string
	var output string
	var store bool

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate a day of synthetic hourly readings",
		RunE: func(cmd *cobra.Command, args []string) error {
			base := time.Now()
			if date != "" {
				var err error
				if base, err = time.Parse("2006-01-02", date); err != nil {
					return fmt.Errorf("invalid date (use YYYY-MM-DD): %w", err)
				}
			}
			if seed == 0 {
				seed = time.Now().UnixNano()
			}

			gen := provider.NewSynthetic(seed, base)
			var samples models.SampleSequence
			for i := 1; i <= deviceCount; i++ {
				seq, err := gen.Samples(fmt.Sprintf("device-%03d", i))
				if err != nil {
					return err
				}
				samples = append(samples, seq...)
			}
			fmt.Printf("Generated %d samples for %d devices (seed %d)\n", len(samples), deviceCount, seed)

			if store {
				if err := initDB(); err != nil {
					return fmt.Errorf("database error: %w", err)
				}
				defer database.Close()

				imp := models.Import{
					Filename:     fmt.Sprintf("synthetic-%d", seed),
					PricePerUnit: cfg.Pricing.PricePerUnit,
					Records:      len(samples),
				}
				if err := database.CreateImport(&imp, samples); err != nil {
					return fmt.Errorf("database error: %w", err)
				}
				fmt.Printf("✓ Stored as import %s\n", imp.ID)
			}

			if output != "" {
				file, err := os.Create(output)
				if err != nil {
					return fmt.Errorf("error creating output file: %w", err)
				}
				defer file.Close()

				if err := export.ToCSV(file, samples, nil, cfg.Tariff()); err != nil {
					return fmt.Errorf("error writing csv: %w", err)
				}
				fmt.Printf("Data exported to %s\n", output)
			}

			return nil
		},
	}

	cmd.Flags().IntVarP(&deviceCount, "devices", "n", 1, "Number of devices to generate")
	cmd.Flags().Int64Var(&seed, "seed", 0, "Random seed (0 picks one)")
	cmd.Flags().StringVar(&date, "date", "", "Day to generate (YYYY-MM-DD, default today)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Export generated data to a CSV file")
	cmd.Flags().BoolVar(&store, "store", false, "Store the generated data as an import")
	return cmd
}

// devicesCmd manages devices
func devicesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "devices",
		Short: "Device management commands",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List all devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := initDB(); err != nil {
				return fmt.Errorf("database error: %w", err)
			}
			defer database.Close()

			devices, err := database.ListDevices()
			if err != nil {
				return fmt.Errorf("error listing devices: %w", err)
			}

			if len(devices) == 0 {
				fmt.Println("No devices found. Use 'energy-monitor import' or 'energy-monitor generate --store' first.")
				return nil
			}

			fmt.Printf("%-16s %-24s %-20s\n", "ID", "Name", "Location")
			fmt.Println(strings.Repeat("-", 62))
			for _, d := range devices {
				fmt.Printf("%-16s %-24s %-20s\n", d.ID, d.Name, d.Location)
			}

			return nil
		},
	}

	var name, location string
	addCmd := &cobra.Command{
		Use:   "add [device_id]",
		Short: "Register a device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := initDB(); err != nil {
				return fmt.Errorf("database error: %w", err)
			}
			defer database.Close()

			d := models.Device{ID: args[0], Name: name, Location: location}
			if err := database.InsertDevice(&d); err != nil {
				return fmt.Errorf("error adding device: %w", err)
			}
			fmt.Printf("✓ Device %s registered\n", d.ID)
			return nil
		},
	}
	addCmd.Flags().StringVar(&name, "name", "", "Display name")
	addCmd.Flags().StringVar(&location, "location", "", "Installation location")

	cmd.AddCommand(listCmd, addCmd)
	return cmd
}

// importsCmd manages stored imports
func importsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "imports",
		Short: "Stored import commands",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List stored imports",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := initDB(); err != nil {
				return fmt.Errorf("database error: %w", err)
			}
			defer database.Close()

			imports, err := database.ListImports()
			if err != nil {
				return fmt.Errorf("error listing imports: %w", err)
			}
			if len(imports) == 0 {
				fmt.Println("No imports found.")
				return nil
			}

			fmt.Printf("%-36s %-24s %-12s %8s %8s %8s\n", "ID", "File", "Device", "Price", "Records", "Skipped")
			fmt.Println(strings.Repeat("-", 101))
			for _, imp := range imports {
				fmt.Printf("%-36s %-24s %-12s %8.2f %8d %8d\n",
					imp.ID, truncate(imp.Filename, 24), imp.DeviceID, imp.PricePerUnit, imp.Records, imp.Skipped)
			}
			return nil
		},
	}

	deleteCmd := &cobra.Command{
		Use:   "delete [import_id]",
		Short: "Discard an import and its samples",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := initDB(); err != nil {
				return fmt.Errorf("database error: %w", err)
			}
			defer database.Close()

			if err := database.DeleteImport(args[0]); err != nil {
				return fmt.Errorf("error deleting import: %w", err)
			}
			fmt.Printf("✓ Import %s discarded\n", args[0])
			return nil
		},
	}

	cmd.AddCommand(listCmd, deleteCmd)
	return cmd
}

// statsCmd shows database statistics
func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show database statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := initDB(); err != nil {
				return fmt.Errorf("database error: %w", err)
			}
			defer database.Close()

			stats, err := database.GetStats()
			if err != nil {
				return fmt.Errorf("error getting stats: %w", err)
			}

			fmt.Println("📊 Energy Metrics Monitor Statistics")
			fmt.Println("====================================")
			fmt.Printf("  Devices:            %v\n", stats["total_devices"])
			fmt.Printf("  Imports:            %v\n", stats["total_imports"])
			fmt.Printf("  Samples:            %v\n", stats["total_samples"])
			fmt.Printf("  Active Energy:      %.2f kWh\n", stats["total_active_energy"])
			fmt.Printf("  Database:           %s\n", cfg.Database.Path)

			return nil
		},
	}
}

// predictCmd sends a file to the prediction service
func predictCmd() *cobra.Command {
	var local bool
	var outputFormat string

	cmd := &cobra.Command{
		Use:   "predict [file]",
		Short: "Get a 24h consumption prediction and recommendations for a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if local {
				res, err := parser.NewParser("").WithMaxBytes(cfg.Import.MaxBytes).ParseFile(args[0])
				if err != nil {
					return err
				}
				recs, err := predict.Recommend(res.Samples)
				if err != nil {
					return err
				}
				fmt.Println("Recommendations:")
				for _, r := range recs {
					fmt.Printf("  • %s\n", r)
				}
				return nil
			}

			file, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("failed to open file: %w", err)
			}
			defer file.Close()

			client := predict.NewClient(cfg.Predictor.URL, cfg.Predictor.Timeout, log.Logger)
			pred, err := client.Upload(cmd.Context(), filepath.Base(args[0]), file)
			if err != nil {
				return err
			}
			flags, err := pred.Peaks(cfg.Anomaly.ThresholdMultiplier)
			if err != nil {
				return err
			}

			if outputFormat == "json" {
				return printJSON(map[string]interface{}{"prediction": pred, "peaks": flags})
			}

			fmt.Printf("Prediction for %s (%s)\n\n", pred.Filename, pred.Status)
			for h, v := range pred.Next24h {
				marker := ""
				if flags[h] {
					marker = "  ▲ peak"
				}
				fmt.Printf("  %02d:00  %8.2f kWh%s\n", h, v, marker)
			}
			fmt.Println("\nRecommendations:")
			for _, r := range pred.Recommendations {
				fmt.Printf("  • %s\n", r)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&local, "local", false, "Compute recommendations locally instead of calling the service")
	cmd.Flags().StringVarP(&outputFormat, "output", "o", "table", "Output format (table, json)")
	return cmd
}

// askCmd sends a question with optional documents to the assistant
func askCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ask [question] [file...]",
		Short: "Ask the SparkCheck assistant about consumption documents",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			files := make(map[string]io.Reader)
			for _, path := range args[1:] {
				f, err := os.Open(path)
				if err != nil {
					return fmt.Errorf("failed to open file: %w", err)
				}
				defer f.Close()
				files[filepath.Base(path)] = f
			}

			client := predict.NewClient(cfg.Predictor.URL, cfg.Predictor.Timeout, log.Logger)
			ans, err := client.Ask(cmd.Context(), args[0], files)
			if err != nil {
				return err
			}
			fmt.Println(ans.Response)
			return nil
		},
	}
}

// truncate keeps the last n runes of s, marking the cut with an ellipsis.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return "…" + string(r[len(r)-n+1:])
}
