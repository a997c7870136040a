// policygate-run drives a sequence of order intents through a PolicyEngine
// and a broker, evolving portfolio and execution state across the run, and
// writes a RunSummary on completion.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/pflag"

	"policygate-capital/internal/audit"
	"policygate-capital/internal/broker"
	"policygate-capital/internal/broker/alpaca"
	"policygate-capital/internal/broker/sim"
	"policygate-capital/internal/broker/tradier"
	"policygate-capital/internal/engine"
	"policygate-capital/internal/execevent"
	"policygate-capital/internal/model"
	"policygate-capital/internal/runner"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	flags := pflag.NewFlagSet("policygate-run", pflag.ContinueOnError)
	policyPath := flags.String("policy", "", "path to the capital policy YAML file")
	intentsPath := flags.String("intents", "", "path to a JSONL file of order intents")
	portfolioArg := flags.String("portfolio", "", "portfolio state JSON, or @path")
	marketArg := flags.String("market", "", "market snapshot JSON, or @path")
	executionArg := flags.String("execution", "", "execution state JSON, or @path")
	auditLogPath := flags.String("audit-log", "", "append audit events to this JSONL file")
	execLogPath := flags.String("exec-log", "", "append execution events to this JSONL file")
	brokerName := flags.String("broker", "sim", "execution venue: sim, alpaca, or tradier")
	summaryPath := flags.String("summary", "", "write the resulting RunSummary JSON to this file (stdout if empty)")

	if err := flags.Parse(args); err != nil {
		return 2
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	if *policyPath == "" || *intentsPath == "" {
		fmt.Fprintln(os.Stderr, "policygate-run: --policy and --intents are required")
		return 2
	}

	eng, err := engine.New(*policyPath, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "policygate-run: %v\n", err)
		return 2
	}

	intents, err := readIntentsJSONL(*intentsPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "policygate-run: --intents: %v\n", err)
		return 2
	}

	var portfolio model.PortfolioState
	var market model.MarketSnapshot
	var execution model.ExecutionState
	for _, field := range []struct {
		name string
		raw  string
		dst  any
	}{
		{"portfolio", *portfolioArg, &portfolio},
		{"market", *marketArg, &market},
		{"execution", *executionArg, &execution},
	} {
		if err := decodeJSONArg(field.raw, field.dst); err != nil {
			fmt.Fprintf(os.Stderr, "policygate-run: --%s: %v\n", field.name, err)
			return 2
		}
	}

	brk, err := selectBroker(*brokerName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "policygate-run: %v\n", err)
		return 2
	}

	var auditLog *audit.Writer
	if *auditLogPath != "" {
		auditLog, err = audit.NewWriter(*auditLogPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "policygate-run: audit log: %v\n", err)
			return 2
		}
		defer auditLog.Close()
	}

	var execLog *execevent.Writer
	if *execLogPath != "" {
		execLog, err = execevent.NewWriter(*execLogPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "policygate-run: exec log: %v\n", err)
			return 2
		}
		defer execLog.Close()
	}

	r := runner.New(eng, brk, auditLog, execLog, logger)
	summary, err := r.Run(context.Background(), intents, &portfolio, &market, &execution)
	if err != nil {
		fmt.Fprintf(os.Stderr, "policygate-run: %v\n", err)
		return 2
	}

	if err := writeSummary(summary, *summaryPath); err != nil {
		fmt.Fprintf(os.Stderr, "policygate-run: write summary: %v\n", err)
		return 2
	}
	return 0
}

func selectBroker(name string) (broker.Broker, error) {
	switch name {
	case "sim":
		return sim.New(), nil
	case "alpaca":
		return alpaca.New(alpaca.Config{
			BaseURL:   os.Getenv("ALPACA_BASE_URL"),
			KeyID:     os.Getenv("ALPACA_API_KEY_ID"),
			SecretKey: os.Getenv("ALPACA_API_SECRET_KEY"),
		}), nil
	case "tradier":
		return tradier.New(tradier.Config{
			Token:     os.Getenv("TRADIER_TOKEN"),
			AccountID: os.Getenv("TRADIER_ACCOUNT_ID"),
			Env:       os.Getenv("TRADIER_ENV"),
		}), nil
	default:
		return nil, fmt.Errorf("unknown broker %q (want sim, alpaca, or tradier)", name)
	}
}

func readIntentsJSONL(path string) ([]model.OrderIntent, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var intents []model.OrderIntent
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var intent model.OrderIntent
		if err := json.Unmarshal([]byte(line), &intent); err != nil {
			return nil, fmt.Errorf("decode json line: %w", err)
		}
		intents = append(intents, intent)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return intents, nil
}

// decodeJSONArg decodes raw into dst. An empty raw leaves dst at its zero
// value. A leading '@' reads the JSON from the named file instead of the
// flag's literal value.
func decodeJSONArg(raw string, dst any) error {
	if raw == "" {
		return nil
	}
	src := []byte(raw)
	if raw[0] == '@' {
		data, err := os.ReadFile(raw[1:])
		if err != nil {
			return fmt.Errorf("read %s: %w", raw[1:], err)
		}
		src = data
	}
	if err := json.Unmarshal(src, dst); err != nil {
		return fmt.Errorf("decode json: %w", err)
	}
	return nil
}

func writeSummary(summary runner.RunSummary, path string) error {
	out, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return err
	}
	if path == "" {
		_, err := fmt.Println(string(out))
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(out); err != nil {
		return err
	}
	_, err = io.WriteString(f, "\n")
	return err
}
