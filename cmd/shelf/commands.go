package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/shelf/internal/config"
)

// --- stats ---

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show storage and resilience statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/stats")
		if err != nil {
			return err
		}

		var stats struct {
			Storage struct {
				RecordCount int64 `json:"record_count"`
				TotalBytes  int64 `json:"total_bytes"`
				TotalFiles  int64 `json:"total_files"`
				DiskFree    int64 `json:"disk_free"`
			} `json:"storage"`
			Sweeps struct {
				TotalSweeps      int64     `json:"total_sweeps"`
				ArtifactsRemoved int64     `json:"artifacts_removed"`
				OrphanedFiles    int64     `json:"orphaned_files"`
				BytesFreed       int64     `json:"bytes_freed"`
				LastSweepTime    time.Time `json:"last_sweep_time"`
			} `json:"sweeps"`
		}
		if err := decodeJSON(resp, &stats); err != nil {
			return err
		}

		printStatus("Attachments", "%d records, %d files", stats.Storage.RecordCount, stats.Storage.TotalFiles)
		printStatus("Stored bytes", "%s", humanBytes(stats.Storage.TotalBytes))
		printStatus("Disk free", "%s", humanBytes(stats.Storage.DiskFree))
		printStatus("Sweeps", "%d (removed %d expired, %d orphans, freed %s)",
			stats.Sweeps.TotalSweeps, stats.Sweeps.ArtifactsRemoved,
			stats.Sweeps.OrphanedFiles, humanBytes(stats.Sweeps.BytesFreed))
		if !stats.Sweeps.LastSweepTime.IsZero() {
			printStatus("Last sweep", "%s", stats.Sweeps.LastSweepTime.Local().Format(time.RFC822))
		}
		return nil
	},
}

// --- cleanup ---

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Run an expiry sweep and orphan reconciliation now",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		printStep("Sweeping expired attachments and orphaned files...")
		resp, err := client.post(cmd.Context(), "/cleanup", nil)
		if err != nil {
			return err
		}

		var res struct {
			ExpiredRemoved int   `json:"expired_removed"`
			OrphanedFiles  int   `json:"orphaned_files"`
			BytesFreed     int64 `json:"bytes_freed"`
			Failures       int   `json:"failures"`
		}
		if err := decodeJSON(resp, &res); err != nil {
			return err
		}

		printSuccess("Removed %d expired, %d orphans, freed %s",
			res.ExpiredRemoved, res.OrphanedFiles, humanBytes(res.BytesFreed))
		if res.Failures > 0 {
			printWarning("%d records could not be cleaned; they will be retried next sweep", res.Failures)
		}
		return nil
	},
}

// --- upload ---

var uploadCmd = &cobra.Command{
	Use:   "upload <file>...",
	Short: "Upload attachments",
	Long: `Upload one or more files as attachments.

Examples:
  shelf upload --owner conv-42 photo.png
  shelf upload --owner conv-42 --parent msg-7 report.pdf diagram.png`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		owner, _ := cmd.Flags().GetString("owner")
		parent, _ := cmd.Flags().GetString("parent")
		if owner == "" {
			return fmt.Errorf("--owner is required")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.upload(cmd.Context(), owner, parent, args)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		// 422 still carries per-file outcomes.
		if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusUnprocessableEntity {
			body, _ := io.ReadAll(resp.Body)
			return fmt.Errorf("server returned %d: %s", resp.StatusCode, string(body))
		}

		var result struct {
			Attachments []struct {
				Filename string   `json:"filename"`
				ID       string   `json:"id"`
				Stored   bool     `json:"stored"`
				Errors   []string `json:"errors"`
				Warnings []string `json:"warnings"`
			} `json:"attachments"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}

		failed := 0
		for _, a := range result.Attachments {
			if a.Stored {
				printSuccess("%s → %s", a.Filename, a.ID)
				for _, w := range a.Warnings {
					printWarning("%s: %s", a.Filename, w)
				}
			} else {
				failed++
				printError("%s: %s", a.Filename, strings.Join(a.Errors, "; "))
			}
		}
		if failed == len(result.Attachments) {
			return fmt.Errorf("no files were stored")
		}
		return nil
	},
}

// --- get ---

var getCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Download an attachment",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/attachments/"+args[0])
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			return fmt.Errorf("server returned %d: %s", resp.StatusCode, string(body))
		}

		out := os.Stdout
		if output != "" {
			f, err := os.Create(output)
			if err != nil {
				return fmt.Errorf("creating %s: %w", output, err)
			}
			defer f.Close()
			out = f
		}
		n, err := io.Copy(out, resp.Body)
		if err != nil {
			return fmt.Errorf("writing attachment: %w", err)
		}
		if output != "" {
			printSuccess("Wrote %s (%s)", output, humanBytes(n))
		}
		return nil
	},
}

// --- list ---

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List attachments for an owner or parent",
	RunE: func(cmd *cobra.Command, args []string) error {
		owner, _ := cmd.Flags().GetString("owner")
		parent, _ := cmd.Flags().GetString("parent")
		if owner == "" && parent == "" {
			return fmt.Errorf("one of --owner or --parent is required")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := "/attachments?owner=" + owner
		if parent != "" {
			path = "/attachments?parent=" + parent
		}
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}

		var result struct {
			Attachments []struct {
				ID        string    `json:"id"`
				Filename  string    `json:"filename"`
				MimeType  string    `json:"mime_type"`
				ByteSize  int64     `json:"byte_size"`
				CreatedAt time.Time `json:"created_at"`
				ExpiresAt time.Time `json:"expires_at"`
			} `json:"attachments"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if len(result.Attachments) == 0 {
			fmt.Println("no attachments")
			return nil
		}
		for _, a := range result.Attachments {
			fmt.Printf("%s  %-24s %-12s %8s  expires %s\n",
				a.ID, a.Filename, a.MimeType, humanBytes(a.ByteSize),
				a.ExpiresAt.Local().Format("2006-01-02"))
		}
		return nil
	},
}

// --- rm ---

var rmCmd = &cobra.Command{
	Use:   "rm <id>",
	Short: "Delete an attachment",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.delete(cmd.Context(), "/attachments/"+args[0])
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Deleted %s", args[0])
		return nil
	},
}

// --- describe ---

var describeCmd = &cobra.Command{
	Use:   "describe <id>...",
	Short: "Describe image attachments with the vision model",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		prompt, _ := cmd.Flags().GetString("prompt")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/attachments/describe", map[string]any{
			"ids":    args,
			"prompt": prompt,
		})
		if err != nil {
			return err
		}

		var result struct {
			Text     string   `json:"text"`
			Degraded bool     `json:"degraded"`
			Skipped  []string `json:"skipped"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if result.Degraded {
			printWarning("vision model unavailable, degraded response")
		}
		for _, id := range result.Skipped {
			printWarning("skipped %s (not a loadable image)", id)
		}
		fmt.Println(result.Text)
		return nil
	},
}

func init() {
	uploadCmd.Flags().String("owner", "", "owning conversation id (required)")
	uploadCmd.Flags().String("parent", "", "parent message id")
	getCmd.Flags().String("output", "", "output file path (default: stdout)")
	listCmd.Flags().String("owner", "", "owning conversation id")
	listCmd.Flags().String("parent", "", "parent message id")
	describeCmd.Flags().String("prompt", "", "prompt to steer the description")
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
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
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

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
