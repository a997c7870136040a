// policygate-eval evaluates a single order intent against a capital policy
// and prints the resulting Decision — a single-shot, stateless companion to
// policygate-run's streaming pipeline.
//
// Exit codes: 0 for ALLOW/MODIFY, 1 for DENY, 2 for any error (bad policy,
// bad input, internal failure).
package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/pflag"

	"policygate-capital/internal/audit"
	"policygate-capital/internal/engine"
	"policygate-capital/internal/model"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	flags := pflag.NewFlagSet("policygate-eval", pflag.ContinueOnError)
	policyPath := flags.String("policy", "", "path to the capital policy YAML file")
	intentArg := flags.String("intent", "", "order intent JSON, or @path to read from a file")
	portfolioArg := flags.String("portfolio", "", "portfolio state JSON, or @path")
	marketArg := flags.String("market", "", "market snapshot JSON, or @path")
	executionArg := flags.String("execution", "", "execution state JSON, or @path")
	auditLogPath := flags.String("audit-log", "", "append the resulting audit event to this JSONL file")
	pretty := flags.Bool("pretty", false, "pretty-print the decision JSON")

	if err := flags.Parse(args); err != nil {
		return 2
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	if *policyPath == "" {
		fmt.Fprintln(os.Stderr, "policygate-eval: --policy is required")
		return 2
	}

	eng, err := engine.New(*policyPath, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "policygate-eval: %v\n", err)
		return 2
	}

	var intent model.OrderIntent
	var portfolio model.PortfolioState
	var market model.MarketSnapshot
	var execution model.ExecutionState

	for _, field := range []struct {
		name string
		raw  string
		dst  any
	}{
		{"intent", *intentArg, &intent},
		{"portfolio", *portfolioArg, &portfolio},
		{"market", *marketArg, &market},
		{"execution", *executionArg, &execution},
	} {
		if err := decodeJSONArg(field.raw, field.dst); err != nil {
			fmt.Fprintf(os.Stderr, "policygate-eval: --%s: %v\n", field.name, err)
			return 2
		}
	}

	decision, err := eng.Evaluate(intent, portfolio, market, execution)
	if err != nil {
		fmt.Fprintf(os.Stderr, "policygate-eval: %v\n", err)
		return 2
	}

	if *auditLogPath != "" {
		if err := writeAuditEvent(*auditLogPath, eng.PolicyHash(), intent, portfolio, market, execution, decision); err != nil {
			fmt.Fprintf(os.Stderr, "policygate-eval: write audit log: %v\n", err)
			return 2
		}
	}

	if err := printDecision(decision, *pretty); err != nil {
		fmt.Fprintf(os.Stderr, "policygate-eval: %v\n", err)
		return 2
	}

	if decision.Decision == model.VerdictDeny {
		return 1
	}
	return 0
}

// decodeJSONArg decodes raw into dst. An empty raw leaves dst at its zero
// value — callers may omit an argument when its default is meaningful
// (e.g. an empty execution state with no open positions). A leading '@'
// reads the JSON from the named file instead of the flag's literal value.
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

func writeAuditEvent(path, policyHash string, intent model.OrderIntent, portfolio model.PortfolioState, market model.MarketSnapshot, execution model.ExecutionState, decision model.Decision) error {
	w, err := audit.NewWriter(path)
	if err != nil {
		return err
	}
	defer w.Close()
	return w.Write(audit.Event{
		PolicyHash: policyHash,
		Intent:     intent,
		Portfolio:  portfolio,
		Market:     market,
		Execution:  execution,
		Decision:   decision,
	})
}

func printDecision(decision model.Decision, pretty bool) error {
	var out []byte
	var err error
	if pretty {
		out, err = json.MarshalIndent(decision, "", "  ")
	} else {
		out, err = json.Marshal(decision)
	}
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
