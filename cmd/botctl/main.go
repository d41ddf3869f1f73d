// botctl drives a running engine over its control API: pause and resume
// trading, force a reconciliation, trigger an emergency sync, or dump status
// and drift history.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"multibroker-trading-bot/internal/api"
)

var (
	baseURL string
	secret  string
	timeout time.Duration
)

func main() {
	root := &cobra.Command{
		Use:           "botctl",
		Short:         "Operator CLI for the trading engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&baseURL, "url", envOr("BOTCTL_URL", "http://localhost:8080"), "engine API base URL")
	root.PersistentFlags().StringVar(&secret, "secret", os.Getenv("API_JWT_SECRET"), "JWT secret shared with the engine")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second, "request timeout")

	root.AddCommand(
		getCmd("status", "Show engine status", "/api/status"),
		getCmd("state", "Show the account snapshot", "/api/state"),
		getCmd("drift", "Show reconciliation drift history", "/api/drift"),
		pauseCmd(),
		postCmd("resume", "Resume trading after a pause", "/api/resume", nil),
		postCmd("reconcile-now", "Force an immediate reconciliation", "/api/reconcile-now", nil),
		postCmd("emergency-sync", "Overwrite local state with venue truth", "/api/emergency-sync", nil),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "botctl:", err)
		os.Exit(1)
	}
}

func getCmd(use, short, path string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(http.MethodGet, path, nil)
		},
	}
}

func postCmd(use, short, path string, body any) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(http.MethodPost, path, body)
		},
	}
}

func pauseCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "pause",
		Short: "Pause trading",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(http.MethodPost, "/api/pause", map[string]string{"reason": reason})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "operator request", "reason recorded with the pause")
	return cmd
}

func call(method, path string, body any) error {
	var payload io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		payload = strings.NewReader(string(data))
	}

	req, err := http.NewRequest(method, strings.TrimRight(baseURL, "/")+path, payload)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if secret != "" {
		token, err := api.IssueToken(secret, "botctl", 2*time.Minute)
		if err != nil {
			return fmt.Errorf("mint token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	client := &http.Client{Timeout: timeout}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(data)))
	}
	fmt.Println(prettyJSON(data))
	return nil
}

func prettyJSON(data []byte) string {
	var out bytes.Buffer
	if err := json.Indent(&out, data, "", "  "); err != nil {
		return string(data)
	}
	return out.String()
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
