package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/yanver/vistore/internal/config"
)

// --- check ---

var checkCmd = &cobra.Command{
	Use:   "check <media-id>",
	Short: "Run the consistency checks for a media item",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		var report struct {
			Passed bool `json:"passed"`
			Checks []struct {
				Name    string `json:"name"`
				Passed  bool   `json:"passed"`
				Message string `json:"message"`
			} `json:"checks"`
			Recommendations []string `json:"recommendations"`
		}
		if err := client.getJSON("/media/"+args[0]+"/consistency", &report); err != nil {
			return err
		}

		for _, c := range report.Checks {
			if c.Passed {
				printSuccess("%s: %s", c.Name, c.Message)
			} else {
				printError("%s: %s", c.Name, c.Message)
			}
		}
		for _, rec := range report.Recommendations {
			printWarning("recommendation: %s", rec)
		}
		if !report.Passed {
			return fmt.Errorf("consistency defects found for %s", args[0])
		}
		return nil
	},
}

// --- lineage ---

var lineageCmd = &cobra.Command{
	Use:   "lineage <media-id>",
	Short: "Show the audit trail for a media item",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		var entries []struct {
			Operation string `json:"operation"`
			RecordID  string `json:"record_id"`
			ToolName  string `json:"tool_name"`
			Actor     string `json:"actor"`
			CreatedAt string `json:"created_at"`
		}
		if err := client.getJSON("/media/"+args[0]+"/lineage", &entries); err != nil {
			return err
		}

		if len(entries) == 0 {
			printWarning("no lineage entries for %s", args[0])
			return nil
		}
		for _, e := range entries {
			label := e.Operation
			if e.ToolName != "" {
				label += " (" + e.ToolName + ")"
			}
			printStatus(e.CreatedAt, "%s by %s", label, e.Actor)
		}
		return nil
	},
}

// --- stats ---

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show cache and query statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		var cacheStats struct {
			L1 struct {
				Hits     uint64  `json:"hits"`
				Misses   uint64  `json:"misses"`
				Size     int     `json:"size"`
				HitRatio float64 `json:"hit_ratio"`
			} `json:"l1"`
			L2Available bool `json:"l2_available"`
		}
		if err := client.getJSON("/cache/stats", &cacheStats); err != nil {
			return err
		}
		printStatus("L1", "%d entries, %.0f%% hit ratio (%d hits / %d misses)",
			cacheStats.L1.Size, cacheStats.L1.HitRatio*100, cacheStats.L1.Hits, cacheStats.L1.Misses)
		if cacheStats.L2Available {
			printStatus("L2", "available")
		} else {
			printStatus("L2", "not configured")
		}

		var queryStats map[string]struct {
			Count int64   `json:"count"`
			AvgMS float64 `json:"avg_ms"`
			MaxMS float64 `json:"max_ms"`
		}
		if err := client.getJSON("/query/stats", &queryStats); err != nil {
			return err
		}
		for name, s := range queryStats {
			printStatus(name, "%d calls, avg %.1fms, max %.1fms", s.Count, s.AvgMS, s.MaxMS)
		}
		return nil
	},
}

// --- HTTP client against the running server ---

type apiClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

var newAPIClient = func() (*apiClient, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return &apiClient{
		baseURL:    fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port),
		token:      cfg.Server.APIToken,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func (c *apiClient) getJSON(path string, out any) error {
	req, err := http.NewRequest(http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("is the server running? %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, body)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
