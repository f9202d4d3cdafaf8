package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var (
	apiAddr string
	apiKey  string
)

var campaignCmd = &cobra.Command{
	Use:   "campaign",
	Short: "Campaign lifecycle commands (talk to a running daemon)",
}

var campaignActivateCmd = &cobra.Command{
	Use:   "activate <campaign_id>",
	Short: "Activate a campaign",
	Args:  cobra.ExactArgs(1),
	RunE:  lifecycleRunner("activate"),
}

var campaignPauseCmd = &cobra.Command{
	Use:   "pause <campaign_id>",
	Short: "Pause a sending campaign",
	Args:  cobra.ExactArgs(1),
	RunE:  lifecycleRunner("pause"),
}

var campaignResumeCmd = &cobra.Command{
	Use:   "resume <campaign_id>",
	Short: "Resume a paused campaign",
	Args:  cobra.ExactArgs(1),
	RunE:  lifecycleRunner("resume"),
}

var campaignCancelCmd = &cobra.Command{
	Use:   "cancel <campaign_id>",
	Short: "Cancel a campaign",
	Args:  cobra.ExactArgs(1),
	RunE:  lifecycleRunner("cancel"),
}

var campaignFailuresCmd = &cobra.Command{
	Use:   "failures <campaign_id>",
	Short: "Show a campaign's failure summary",
	Args:  cobra.ExactArgs(1),
	RunE:  runCampaignFailures,
}

var abtestStatsCmd = &cobra.Command{
	Use:   "abtest-stats <test_id>",
	Short: "Show A/B test statistics",
	Args:  cobra.ExactArgs(1),
	RunE:  runABTestStats,
}

func init() {
	campaignCmd.PersistentFlags().StringVar(&apiAddr, "api", "http://127.0.0.1:8080", "API base URL")
	campaignCmd.PersistentFlags().StringVar(&apiKey, "api-key", "", "API key")

	campaignCmd.AddCommand(campaignActivateCmd, campaignPauseCmd, campaignResumeCmd,
		campaignCancelCmd, campaignFailuresCmd, abtestStatsCmd)
	rootCmd.AddCommand(campaignCmd)
}

func apiRequest(method, path string) ([]byte, error) {
	url := strings.TrimRight(apiAddr, "/") + path
	req, err := http.NewRequest(method, url, nil)
	if err != nil {
		return nil, err
	}
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return nil, fmt.Errorf("%s (HTTP %d)", apiErr.Error, resp.StatusCode)
		}
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}

func lifecycleRunner(action string) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		body, err := apiRequest(http.MethodPost, "/api/v1/campaigns/"+args[0]+"/"+action)
		if err != nil {
			return err
		}

		var resp struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return err
		}
		fmt.Printf("Campaign %s: %s\n", resp.ID, resp.Status)
		return nil
	}
}

func runCampaignFailures(cmd *cobra.Command, args []string) error {
	body, err := apiRequest(http.MethodGet, "/api/v1/campaigns/"+args[0]+"/failures")
	if err != nil {
		return err
	}

	var sum struct {
		CampaignID string `json:"campaign_id"`
		Failed     int64  `json:"failed"`
		Sent       int64  `json:"sent"`
		LastError  string `json:"last_error"`
	}
	if err := json.Unmarshal(body, &sum); err != nil {
		return err
	}

	fmt.Printf("Campaign: %s\n", sum.CampaignID)
	fmt.Printf("  Sent:   %d\n", sum.Sent)
	fmt.Printf("  Failed: %d\n", sum.Failed)
	if sum.LastError != "" {
		fmt.Printf("  Last error: %s\n", sum.LastError)
	}
	return nil
}

func runABTestStats(cmd *cobra.Command, args []string) error {
	body, err := apiRequest(http.MethodGet, "/api/v1/abtests/"+args[0]+"/stats")
	if err != nil {
		return err
	}

	var ev struct {
		TestID   string `json:"test_id"`
		Metric   string `json:"metric"`
		Variants []struct {
			VariantID       string  `json:"variant_id"`
			Name            string  `json:"name"`
			Sent            int64   `json:"sent"`
			Successes       int64   `json:"successes"`
			Rate            float64 `json:"rate"`
			PValue          float64 `json:"p_value"`
			Lift            float64 `json:"lift"`
			ProbabilityBest float64 `json:"probability_best"`
		} `json:"variants"`
		WinnerDeclarable     bool   `json:"winner_declarable"`
		RecommendedVariantID string `json:"recommended_variant_id"`
	}
	if err := json.Unmarshal(body, &ev); err != nil {
		return err
	}

	fmt.Printf("Test: %s (metric: %s)\n\n", ev.TestID, ev.Metric)
	for _, v := range ev.Variants {
		fmt.Printf("  %-12s sent=%-6d successes=%-6d rate=%.4f lift=%+.2f%% p=%.4f\n",
			v.Name, v.Sent, v.Successes, v.Rate, v.Lift*100, v.PValue)
	}
	if ev.WinnerDeclarable {
		fmt.Printf("\nWinner declarable: %s\n", ev.RecommendedVariantID)
	} else {
		fmt.Println("\nNo statistically significant winner yet")
	}
	return nil
}
