package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/kynex/loadforecast/internal/config"
	"github.com/kynex/loadforecast/internal/model"
	"github.com/kynex/loadforecast/internal/modelstore"
	"github.com/kynex/loadforecast/internal/scheduler"
)

// --- train ---

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Run one retrain cycle in this process",
	Long: `Run one retrain cycle in this process.

The same freshness gates as the scheduler apply unless --force is given.

Examples:
  loadforecast train
  loadforecast train --force`,
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		a, err := openApp(cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		printStep("Training on the last %d days of telemetry...", cfg.Training.Days)
		res := a.train(cmd.Context(), force)
		return reportResult(res)
	},
}

func init() {
	trainCmd.Flags().Bool("force", false, "ignore the recent-model and new-data gates")
}

func reportResult(res scheduler.Result) error {
	switch {
	case !res.OK:
		return fmt.Errorf("retrain failed: %s", res.Error)
	case res.Skipped:
		printWarning("Retrain skipped: %s", res.Reason)
	default:
		printSuccess("Promoted %s model trained on %d samples", res.ModelType, res.Samples)
		if res.Metrics != nil {
			printStatus("Held-out", "%s", formatMetrics(res.Metrics.MAE, res.Metrics.RMSE, res.Metrics.R2))
		}
		printStatus("Model", "%s", res.ModelPath)
	}
	return nil
}

// --- retrain (remote) ---

var retrainCmd = &cobra.Command{
	Use:   "retrain",
	Short: "Ask the running server to retrain now",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		resp, err := newAPIClient(cfg).post(cmd.Context(), "/retrain")
		if err != nil {
			return err
		}
		var out map[string]string
		if err := decodeJSON(resp, &out); err != nil {
			return err
		}
		printSuccess("Retrain %s; check progress with `loadforecast status`", out["status"])
		return nil
	},
}

// --- status ---

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the current model, retrain metadata and recent runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("runs")

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		a, err := openApp(cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		return showStatus(cmd.Context(), a, limit, time.Now())
	},
}

func init() {
	statusCmd.Flags().Int("runs", 5, "number of recent retrain runs to show")
}

func showStatus(ctx context.Context, a *app, limit int, now time.Time) error {
	fmt.Fprintln(os.Stderr, colorize(colorBold, "Model"))
	current, err := a.models.Load()
	switch {
	case errors.Is(err, modelstore.ErrNoModel):
		printStatus("Current", "none, run `loadforecast train`")
	case err != nil:
		printStatus("Current", "%s", colorize(colorRed, err.Error()))
	default:
		printStatus("Current", "%s trained %s", current.Kind(), formatAge(now.Sub(current.Trained())))
		if q := current.Quality(); q != nil {
			printStatus("Held-out", "%s", formatMetrics(q.MAE, q.RMSE, q.R2))
		}
		if r, ok := current.(*model.RidgeModel); ok {
			printStatus("Lambda", "%g of %v", r.L2, r.L2Candidates)
		}
	}

	meta, ok, err := a.models.Metadata()
	if err != nil {
		printStatus("Metadata", "%s", colorize(colorRed, err.Error()))
	} else if ok {
		printStatus("Samples", "%d", meta.Samples)
		if meta.LastTelemetryTS != nil {
			printStatus("Last telemetry", "%s", meta.LastTelemetryTS.Format(time.RFC3339))
		}
	}

	if versions, err := a.models.Versions(); err == nil {
		printStatus("Versions", "%d", len(versions))
	}

	runs, err := a.store.RecentRetrainRuns(ctx, limit)
	if err != nil {
		return fmt.Errorf("listing retrain runs: %w", err)
	}
	fmt.Fprintln(os.Stderr, colorize(colorBold, "Recent runs"))
	if len(runs) == 0 {
		fmt.Fprintln(os.Stderr, "  none")
	}
	for _, r := range runs {
		detail := r.ModelType
		switch {
		case r.Error != "":
			detail = colorize(colorRed, r.Error)
		case r.Reason != "":
			detail = r.Reason
		}
		fmt.Fprintf(os.Stderr, "  %s  %-20s %s\n", r.StartedAt.Local().Format("2006-01-02 15:04:05"), r.Outcome, detail)
	}
	printStatus("Data dir", "%s", a.cfg.Storage.DataDir)
	return nil
}

// --- seed ---

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Generate synthetic customers and telemetry",
	Long: `Generate synthetic customers and 15-minute telemetry ending now.

Output is deterministic for a given training.seed. Re-running only adds the
telemetry that is missing since the last run.

Examples:
  loadforecast seed
  loadforecast seed --customers 50 --days 30`,
	RunE: func(cmd *cobra.Command, args []string) error {
		customers, _ := cmd.Flags().GetInt("customers")
		days, _ := cmd.Flags().GetInt("days")
		if customers <= 0 || days <= 0 {
			return fmt.Errorf("--customers and --days must be positive")
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		a, err := openApp(cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		printStep("Generating %d customers with seed %d...", customers, cfg.Training.Seed)
		sum, err := a.seed(cmd.Context(), uint64(cfg.Training.Seed), customers, days, time.Now())
		if err != nil {
			return err
		}
		printSuccess("Seeded %d customers, %d telemetry samples", sum.Customers, sum.Samples)
		return nil
	},
}

func init() {
	seedCmd.Flags().Int("customers", 25, "number of customers")
	seedCmd.Flags().Int("days", 14, "days of history to generate")
}

// --- telemetry ---

var telemetryCmd = &cobra.Command{
	Use:   "telemetry",
	Short: "Inspect stored telemetry",
}

var telemetryCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Show the latest sample per customer and flag stale feeds",
	RunE: func(cmd *cobra.Command, args []string) error {
		customerID, _ := cmd.Flags().GetString("customer")

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		a, err := openApp(cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		statuses, err := a.checkTelemetry(cmd.Context(), customerID, time.Now())
		if err != nil {
			return err
		}
		if len(statuses) == 0 {
			printWarning("No customers found. Run `loadforecast seed` first.")
			return nil
		}

		stale := 0
		for _, st := range statuses {
			label := st.CustomerID
			if st.Name != "" {
				label = fmt.Sprintf("%s (%s)", st.Name, st.CustomerID)
			}
			switch {
			case st.Latest == nil:
				stale++
				printWarning("%s: no telemetry", label)
			case st.Stale:
				stale++
				printWarning("%s: last sample %s, gap %s", label, st.Latest.Format(time.RFC3339), st.Gap.Round(time.Minute))
			default:
				printStatus(label, "last sample %s, gap %s", st.Latest.Format(time.RFC3339), st.Gap.Round(time.Minute))
			}
		}
		if stale > 0 {
			printWarning("%d of %d customers have no sample in the last %s", stale, len(statuses), staleAfter)
		} else {
			printSuccess("All %d customers reporting", len(statuses))
		}
		return nil
	},
}

func init() {
	telemetryCheckCmd.Flags().String("customer", "", "check a single customer id")
	telemetryCmd.AddCommand(telemetryCheckCmd)
}

// --- model ---

var modelCmd = &cobra.Command{
	Use:   "model",
	Short: "Inspect model artifacts",
}

var modelProbeCmd = &cobra.Command{
	Use:   "probe [artifact.json]",
	Short: "Load an artifact and run a synthetic prediction",
	Long: `Load an artifact and run a synthetic prediction.

Without an argument the current promoted model is probed.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var a model.Artifact
		if len(args) == 1 {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("reading artifact: %w", err)
			}
			if a, err = model.Decode(data); err != nil {
				return err
			}
		} else {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if a, err = modelstore.New(cfg.Storage.DataDir).Load(); err != nil {
				return err
			}
		}

		watts, err := modelstore.Probe(a)
		if err != nil {
			return err
		}
		printSuccess("%s model OK, probe prediction %.1f W", a.Kind(), watts)
		return nil
	},
}

var modelVersionsCmd = &cobra.Command{
	Use:   "versions",
	Short: "List archived model versions",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		versions, err := modelstore.New(cfg.Storage.DataDir).Versions()
		if err != nil {
			return err
		}
		if len(versions) == 0 {
			fmt.Println("No model versions.")
			return nil
		}
		for _, v := range versions {
			fmt.Printf("%-15s %s\n", v.Kind, v.Name)
		}
		return nil
	},
}

var modelRecommendPowerCmd = &cobra.Command{
	Use:   "recommend-power",
	Short: "Fit the power recommender and suggest a contracted kVA per customer",
	Long: `Fit the power recommender and suggest a contracted kVA per customer.

Features come from each customer's profile and the peak and mean load of its
last 30 days of telemetry. At least 10 customers with telemetry are needed.
The fitted model is saved next to the forecast model as power_model.json.

Examples:
  loadforecast model recommend-power
  loadforecast model recommend-power --customer C_0007 --json
  loadforecast model recommend-power --l2 4`,
	RunE: func(cmd *cobra.Command, args []string) error {
		customerID, _ := cmd.Flags().GetString("customer")
		asJSON, _ := cmd.Flags().GetBool("json")

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		l2 := cfg.Power.L2
		if cmd.Flags().Changed("l2") {
			l2, _ = cmd.Flags().GetFloat64("l2")
			if l2 < 0 {
				return fmt.Errorf("--l2 must be non-negative")
			}
		}
		a, err := openApp(cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		rep, err := a.recommendPower(cmd.Context(), l2, customerID, time.Now())
		if err != nil {
			return err
		}
		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(rep.Recommendations)
		}

		printSuccess("Power model fitted on %d customers (l2=%g)", rep.Model.Customers, rep.Model.L2)
		printStatus("In-sample", "%s", formatMetrics(rep.Model.Metrics.MAE, rep.Model.Metrics.RMSE, rep.Model.Metrics.R2))
		printStatus("Model", "%s", rep.Path)
		fmt.Printf("%-40s %-12s %9s %12s %8s\n", "CUSTOMER", "SEGMENT", "CURRENT", "RECOMMENDED", "CHANGE")
		for _, r := range rep.Recommendations {
			change := fmt.Sprintf("%+.1f", r.Delta())
			switch {
			case r.Delta() > 0:
				change = colorize(colorYellow, change)
			case r.Delta() < 0:
				change = colorize(colorCyan, change)
			}
			fmt.Printf("%-40s %-12s %9.2f %12.1f %8s\n", r.CustomerID, r.Segment, r.CurrentKVA, r.RecommendedKVA, change)
		}
		return nil
	},
}

func init() {
	modelRecommendPowerCmd.Flags().String("customer", "", "only show this customer id")
	modelRecommendPowerCmd.Flags().Float64("l2", 0, "ridge penalty (default power.l2)")
	modelRecommendPowerCmd.Flags().Bool("json", false, "print recommendations as JSON")

	modelCmd.AddCommand(modelProbeCmd)
	modelCmd.AddCommand(modelVersionsCmd)
	modelCmd.AddCommand(modelRecommendPowerCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")

		cfg, err := config.Load()
		if err != nil {
			return err
		}

		keys := config.ShowAll(cfg)
		if asJSON {
			out := make(map[string]string, len(keys))
			for _, k := range keys {
				out[k.Key] = k.Value
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		}
		for _, k := range keys {
			fmt.Printf("  %s = %s  %s\n", colorize(colorBold, k.Key), k.Value, colorize(colorCyan, "("+k.EnvVar+")"))
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Remove a stored value and fall back to the default",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.UnsetKey(args[0]); err != nil {
			return err
		}
		printSuccess("Unset %s", args[0])
		return nil
	},
}

func init() {
	configShowCmd.Flags().Bool("json", false, "print as a JSON object")
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configUnsetCmd)
}
