package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	serverURL  string
	apiKey     string
	kind       string
	paramsJSON string
	timezone   string
	weekStart  string
	evalDate   string
	valuesJSON string
)

func main() {
	root := &cobra.Command{
		Use:   "querysandbox-cli",
		Short: "CLI client for okr-query-sandbox",
	}

	root.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "Server URL")
	root.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("QUERYSANDBOX_API_KEY"), "API key")

	// Execute command
	execCmd := &cobra.Command{
		Use:   "exec [code]",
		Short: "Run a JavaScript query (reads stdin when no argument)",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runExec,
	}
	execCmd.Flags().StringVarP(&kind, "kind", "k", "query", "Query kind (query, progress, widget, metric)")
	execCmd.Flags().StringVar(&paramsJSON, "params", "", "Query parameters as a JSON object")
	execCmd.Flags().StringVar(&timezone, "timezone", "", "IANA timezone for date helpers")
	execCmd.Flags().StringVar(&weekStart, "week-start", "", "First day of the week (monday, sunday, saturday)")
	root.AddCommand(execCmd)

	// Execute from file
	execFileCmd := &cobra.Command{
		Use:   "exec-file [file]",
		Short: "Run a JavaScript query from a file",
		Args:  cobra.ExactArgs(1),
		RunE:  runExecFile,
	}
	execFileCmd.Flags().StringVarP(&kind, "kind", "k", "query", "Query kind (query, progress, widget, metric)")
	execFileCmd.Flags().StringVar(&paramsJSON, "params", "", "Query parameters as a JSON object")
	execFileCmd.Flags().StringVar(&timezone, "timezone", "", "IANA timezone for date helpers")
	execFileCmd.Flags().StringVar(&weekStart, "week-start", "", "First day of the week (monday, sunday, saturday)")
	root.AddCommand(execFileCmd)

	// Evaluate a computed-metric template
	evalCmd := &cobra.Command{
		Use:   "eval [template.json]",
		Short: "Evaluate a computed-metric template file",
		Args:  cobra.ExactArgs(1),
		RunE:  runEval,
	}
	evalCmd.Flags().StringVar(&evalDate, "date", "", "Evaluation date (YYYY-MM-DD, defaults to today)")
	evalCmd.Flags().StringVar(&valuesJSON, "values", "", "Recorded metric values as a JSON object")
	root.AddCommand(evalCmd)

	// Health check
	root.AddCommand(&cobra.Command{
		Use:   "health",
		Short: "Check server health",
		RunE:  runHealth,
	})

	// List executions
	root.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List recent query executions",
		RunE:  runList,
	})

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runExec(cmd *cobra.Command, args []string) error {
	var code string

	if len(args) > 0 {
		code = args[0]
	} else {
		// Read from stdin
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("reading stdin: %w", err)
		}
		code = string(data)
	}

	return executeQuery(code)
}

func runExecFile(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading file: %w", err)
	}
	return executeQuery(string(data))
}

func executeQuery(code string) error {
	payload := map[string]any{
		"code": code,
		"kind": kind,
	}
	if paramsJSON != "" {
		var params map[string]any
		if err := json.Unmarshal([]byte(paramsJSON), &params); err != nil {
			return fmt.Errorf("parsing --params: %w", err)
		}
		payload["params"] = params
	}
	if timezone != "" || weekStart != "" {
		payload["settings"] = map[string]any{
			"timezone":   timezone,
			"week_start": weekStart,
		}
	}

	result, err := postJSON("/api/query", payload)
	if err != nil {
		return err
	}

	formatted, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(formatted))

	// Non-zero exit when the script failed
	if errMsg, ok := result["error"].(string); ok && errMsg != "" {
		os.Exit(1)
	}
	return nil
}

func runEval(_ *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading template: %w", err)
	}

	var metrics []map[string]any
	if err := json.Unmarshal(data, &metrics); err != nil {
		return fmt.Errorf("parsing template: %w", err)
	}

	payload := map[string]any{"metrics": metrics}
	if evalDate != "" {
		payload["date"] = evalDate
	}
	if valuesJSON != "" {
		var values map[string]any
		if err := json.Unmarshal([]byte(valuesJSON), &values); err != nil {
			return fmt.Errorf("parsing --values: %w", err)
		}
		payload["values"] = values
	}

	result, err := postJSON("/api/metrics/eval", payload)
	if err != nil {
		return err
	}

	formatted, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(formatted))
	return nil
}

func postJSON(path string, payload map[string]any) (map[string]any, error) {
	body, _ := json.Marshal(payload)

	req, err := http.NewRequest("POST", serverURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	var result map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return result, nil
}

func runHealth(_ *cobra.Command, _ []string) error {
	resp, err := http.Get(serverURL + "/health")
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	var result map[string]any
	json.NewDecoder(resp.Body).Decode(&result)
	formatted, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(formatted))
	return nil
}

func runList(_ *cobra.Command, _ []string) error {
	req, _ := http.NewRequest("GET", serverURL+"/api/executions", nil)
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	var result any
	json.NewDecoder(resp.Body).Decode(&result)
	formatted, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(formatted))
	return nil
}
