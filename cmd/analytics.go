package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"energy-metrics-monitor/internal/aggregate"
	"energy-metrics-monitor/internal/alerts"
	"energy-metrics-monitor/internal/anomaly"
	"energy-metrics-monitor/internal/environment"
	"energy-metrics-monitor/internal/export"
	"energy-metrics-monitor/internal/models"
	"energy-metrics-monitor/internal/provider"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// sourceFlags selects the samples an analytics command runs on
type sourceFlags struct {
	importID     string
	file         string
	device       string
	shift        string
	price        float64
	seed         int64
	outputFormat string
}

func (f *sourceFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.importID, "import", "", "Stored import id")
	cmd.Flags().StringVar(&f.file, "file", "", "Read samples from a CSV, JSON or XLSX file")
	cmd.Flags().StringVarP(&f.device, "device", "d", "", "Device id (generated data when no import or file is given)")
	cmd.Flags().StringVar(&f.shift, "shift", "all", "Shift filter (all, morning, afternoon, night)")
	cmd.Flags().Float64Var(&f.price, "price", models.DefaultPricePerUnit, "Price per kWh")
	cmd.Flags().Int64Var(&f.seed, "seed", 0, "Seed for generated data (0 picks one)")
	cmd.Flags().StringVarP(&f.outputFormat, "output", "o", "table", "Output format (table, json)")
}

// load resolves the provider, applies the shift filter and returns the tariff
// to bill with. The returned cleanup closes the database when one was opened.
func (f *sourceFlags) load(cmd *cobra.Command) (string, models.SampleSequence, models.Tariff, func(), error) {
	cleanup := func() {}
	tariff := cfg.Tariff()

	var p provider.Provider
	var source string
	switch {
	case f.importID != "" && f.file != "":
		return "", nil, tariff, cleanup, fmt.Errorf("--import and --file are mutually exclusive")
	case f.importID != "":
		if err := initDB(); err != nil {
			return "", nil, tariff, cleanup, fmt.Errorf("database error: %w", err)
		}
		cleanup = func() { database.Close() }
		imp, err := database.GetImport(f.importID)
		if err != nil {
			return "", nil, tariff, cleanup, err
		}
		tariff = models.Tariff{PricePerUnit: imp.PricePerUnit}
		p = &provider.Store{DB: database, ImportID: imp.ID}
		source = "import:" + imp.ID
	case f.file != "":
		file := provider.NewFile(f.file)
		file.Parser = file.Parser.WithMaxBytes(cfg.Import.MaxBytes)
		p = file
		source = "file:" + f.file
	default:
		if f.device == "" {
			f.device = "device-001"
		}
		seed := f.seed
		if seed == 0 {
			seed = time.Now().UnixNano()
		}
		p = provider.NewSynthetic(seed, time.Now())
		source = "synthetic:" + f.device
	}

	if cmd.Flags().Changed("price") {
		var err error
		if tariff, err = models.NewTariff(f.price); err != nil {
			log.Warn("price clamped", zap.Error(err))
		}
	}

	samples, err := p.Samples(f.device)
	if err != nil {
		return source, nil, tariff, cleanup, err
	}
	shift, err := aggregate.ParseShift(f.shift)
	if err != nil {
		return source, nil, tariff, cleanup, err
	}
	samples, err = aggregate.FilterShift(samples, shift)
	return source, samples, tariff, cleanup, err
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// summaryCmd prints aggregate statistics
func summaryCmd() *cobra.Command {
	var src sourceFlags

	cmd := &cobra.Command{
		Use:   "summary",
		Short: "Show totals, averages, billing and device shares",
		RunE: func(cmd *cobra.Command, args []string) error {
			source, samples, tariff, cleanup, err := src.load(cmd)
			defer cleanup()
			if err != nil {
				return err
			}

			sum, err := aggregate.Summarize(samples, tariff)
			if err != nil {
				return err
			}
			sum = aggregate.RoundSummary(sum)
			shares, err := aggregate.DeviceShares(aggregate.TotalsByDevice(samples))
			if err != nil {
				return err
			}

			if src.outputFormat == "json" {
				return printJSON(map[string]interface{}{"summary": sum, "tariff": tariff, "devices": shares})
			}

			fmt.Printf("⚡ Summary for %s\n", source)
			fmt.Println("====================================")
			fmt.Printf("  Samples:              %d\n", sum.Count)
			fmt.Printf("  Active Energy:        %.2f kWh\n", sum.TotalActiveEnergy)
			fmt.Printf("  Apparent Energy:      %.2f kVAh\n", sum.TotalApparentEnergy)
			fmt.Printf("  Reactive (lag/lead):  %.2f / %.2f kVARh\n", sum.TotalReactiveLag, sum.TotalReactiveLead)
			fmt.Printf("  Average Power:        %.2f kW\n", sum.AverageActivePower)
			fmt.Printf("  Peak Power:           %.2f kW\n", sum.PeakActivePower)
			fmt.Printf("  Average PF:           %.2f\n", sum.AveragePowerFactor)
			fmt.Printf("  Billing:              %.2f (at %.2f/kWh)\n", sum.TotalBilling, tariff.PricePerUnit)
			fmt.Printf("  CO2:                  %.2f kg\n", sum.TotalCO2)

			if len(shares) > 1 {
				fmt.Printf("\n%-16s %12s %8s\n", "Device", "kWh", "Share")
				fmt.Println(strings.Repeat("-", 38))
				for _, s := range shares {
					fmt.Printf("%-16s %12.2f %7.1f%%\n", s.DeviceID, s.Consumption, s.Percent)
				}
			}
			return nil
		},
	}

	src.register(cmd)
	return cmd
}

// reportCmd prints the period report
func reportCmd() *cobra.Command {
	var src sourceFlags
	var estimate bool

	cmd := &cobra.Command{
		Use:   "report",
		Short: "Show the Today / Yesterday / This Month / Latest report",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, samples, tariff, cleanup, err := src.load(cmd)
			defer cleanup()
			if err != nil {
				return err
			}

			allow := cfg.Report.AllowEstimate
			if cmd.Flags().Changed("estimate") {
				allow = estimate
			}
			rows, err := aggregate.Report(samples, aggregate.PeriodOptions{
				Now:           time.Now(),
				Tariff:        tariff,
				AllowEstimate: allow,
			})
			if err != nil {
				return err
			}
			for i := range rows {
				rows[i] = aggregate.RoundPeriod(rows[i])
			}

			switch src.outputFormat {
			case "json":
				return printJSON(rows)
			case "csv":
				return export.ReportCSV(os.Stdout, rows)
			}

			fmt.Printf("%-12s %8s %12s %12s %10s %6s %10s %-12s\n",
				"Period", "Samples", "kWh", "Billing", "Peak kW", "PF", "CO2 kg", "Status")
			fmt.Println(strings.Repeat("-", 90))
			for _, r := range rows {
				status := r.Status
				if r.Estimated {
					status += " (est.)"
				}
				fmt.Printf("%-12s %8d %12.2f %12.2f %10.2f %6.2f %10.2f %-12s\n",
					r.Period, r.Samples, r.TotalEnergy, r.TotalBilling, r.PeakActivePower,
					r.AveragePowerFactor, r.TotalCO2, status)
			}
			return nil
		},
	}

	src.register(cmd)
	cmd.Flags().BoolVar(&estimate, "estimate", false, "Estimate periods for undated samples")
	return cmd
}

// peaksCmd flags consumption peaks
func peaksCmd() *cobra.Command {
	var src sourceFlags
	var field string
	var multiplier float64
	var publish bool

	cmd := &cobra.Command{
		Use:   "peaks",
		Short: "Detect values above mean times multiplier",
		RunE: func(cmd *cobra.Command, args []string) error {
			source, samples, _, cleanup, err := src.load(cmd)
			defer cleanup()
			if err != nil {
				return err
			}

			f, err := anomaly.ParseField(field)
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("multiplier") {
				multiplier = cfg.Anomaly.ThresholdMultiplier
			}
			if multiplier <= 0 {
				multiplier = anomaly.DefaultMultiplier
			}

			peaks, err := anomaly.Peaks(samples, f, multiplier)
			if err != nil {
				return err
			}

			published := 0
			if publish {
				publisher, err := alerts.NewPublisher(cfg.Alerts, log.Logger)
				if err != nil {
					return fmt.Errorf("alerts error: %w", err)
				}
				defer publisher.Close()
				if published, err = publisher.Publish(cmd.Context(), source, peaks); err != nil {
					return err
				}
			}

			if src.outputFormat == "json" {
				return printJSON(map[string]interface{}{
					"field":      f,
					"multiplier": multiplier,
					"peaks":      peaks,
					"published":  published,
				})
			}

			if len(peaks) == 0 {
				fmt.Printf("No %s peaks above %.2fx mean in %d samples\n", f, multiplier, len(samples))
				return nil
			}
			fmt.Printf("🔺 %d %s peaks (threshold %.2f)\n\n", len(peaks), f, peaks[0].Threshold)
			fmt.Printf("%6s %-16s %-26s %12s\n", "Index", "Device", "Time", "Value")
			fmt.Println(strings.Repeat("-", 64))
			for _, p := range peaks {
				fmt.Printf("%6d %-16s %-26s %12.2f\n", p.Index, p.DeviceID, p.Label, p.Value)
			}
			if publish {
				fmt.Printf("\n%d alerts published\n", published)
			}
			return nil
		},
	}

	src.register(cmd)
	cmd.Flags().StringVar(&field, "field", string(anomaly.FieldActiveEnergy), "Field to scan (kwh, kw, kva, kvah, pf)")
	cmd.Flags().Float64Var(&multiplier, "multiplier", anomaly.DefaultMultiplier, "Threshold multiplier over the mean")
	cmd.Flags().BoolVar(&publish, "publish", false, "Publish detected peaks to the alerts topic")
	return cmd
}

// environmentCmd prints the CO2 impact panel
func environmentCmd() *cobra.Command {
	var src sourceFlags

	cmd := &cobra.Command{
		Use:   "environment",
		Short: "Show CO2 emissions, tree equivalent and emission level",
		RunE: func(cmd *cobra.Command, args []string) error {
			source, samples, tariff, cleanup, err := src.load(cmd)
			defer cleanup()
			if err != nil {
				return err
			}

			sum, err := aggregate.Summarize(samples, tariff)
			if err != nil {
				return err
			}
			impact := environment.Assess(sum, cfg.Emission)

			if src.outputFormat == "json" {
				return printJSON(impact)
			}

			fmt.Printf("🌱 Environmental impact for %s\n", source)
			fmt.Println("====================================")
			fmt.Printf("  Active Energy:        %.2f kWh\n", impact.TotalActiveEnergy)
			fmt.Printf("  Emission Factor:      %.2f kg/kWh\n", impact.EmissionFactor)
			fmt.Printf("  Total CO2:            %.2f kg\n", impact.TotalCO2)
			fmt.Printf("  Average CO2 / hour:   %.2f kg\n", impact.AverageCO2PerHour)
			fmt.Printf("  Trees Equivalent:     %.2f\n", impact.TreesEquivalent)
			fmt.Printf("  Level:                %s\n", impact.Level)
			return nil
		},
	}

	src.register(cmd)
	return cmd
}

// exportCmd writes samples as CSV
func exportCmd() *cobra.Command {
	var src sourceFlags
	var columns string
	var output string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export samples with billing to CSV",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, samples, tariff, cleanup, err := src.load(cmd)
			defer cleanup()
			if err != nil {
				return err
			}

			cols, err := export.ParseColumns(columns)
			if err != nil {
				return err
			}

			w := os.Stdout
			if output != "" {
				file, err := os.Create(output)
				if err != nil {
					return fmt.Errorf("error creating output file: %w", err)
				}
				defer file.Close()
				w = file
			}

			if err := export.ToCSV(w, samples, cols, tariff); err != nil {
				return err
			}
			if output != "" {
				fmt.Printf("Exported %d samples to %s\n", len(samples), output)
			}
			return nil
		},
	}

	src.register(cmd)
	cmd.Flags().StringVar(&columns, "columns", "", "Comma separated columns (deviceId,timestamp,kvah,billing,kva,kw,kwh,pf)")
	cmd.Flags().StringVar(&output, "out", "", "Output file (default stdout)")
	return cmd
}
