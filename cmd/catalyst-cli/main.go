// Package main is a read-only operator console for the Catalyst Trading
// Engine: it calls the HTTP operator surface (internal/server) and renders
// cycle status, open positions, and recent risk events as tables.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
)

type envelope struct {
	Data json.RawMessage `json:"data"`
}

func main() {
	baseURL := flag.String("url", "http://localhost:8090", "base URL of the catalyst-server API")
	cycleID := flag.String("cycle", "", "cycle ID to inspect (required for the cycle view)")
	limit := flag.Int("limit", 20, "max risk events to list")
	view := flag.String("view", "cycle", "view to render: cycle | risk-events")
	flag.Parse()

	client := &http.Client{Timeout: 10 * time.Second}

	switch *view {
	case "cycle":
		if *cycleID == "" {
			fmt.Fprintln(os.Stderr, "catalyst-cli: -cycle is required for the cycle view")
			os.Exit(1)
		}
		if err := printCycle(client, *baseURL, *cycleID); err != nil {
			fmt.Fprintf(os.Stderr, "catalyst-cli: %v\n", err)
			os.Exit(1)
		}
	case "risk-events":
		if err := printRiskEvents(client, *baseURL, *limit); err != nil {
			fmt.Fprintf(os.Stderr, "catalyst-cli: %v\n", err)
			os.Exit(1)
		}
	default:
		fmt.Fprintf(os.Stderr, "catalyst-cli: unknown view %q (want cycle or risk-events)\n", *view)
		os.Exit(1)
	}
}

func fetch(client *http.Client, url string, out any) error {
	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("calling %s: %w", url, err)
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("decoding response from %s: %w", url, err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%s returned %d: %s", url, resp.StatusCode, env.Data)
	}
	return json.Unmarshal(env.Data, out)
}

// cycleDTO and positionDTO mirror the JSON the server emits by encoding
// domain.TradingCycle/domain.Position directly (no json tags on those
// types, so the wire field names are the Go field names verbatim).
type cycleDTO struct {
	ID              string
	Mode            string
	Status          string
	MaxPositions    int
	RiskLevel       float64
	ScanCadenceSecs int
}

type positionDTO struct {
	ID            string
	SecurityID    int64
	Side          string
	Quantity      float64
	EntryPrice    float64
	UnrealizedPnL float64
	Status        string
}

func printCycle(client *http.Client, baseURL, cycleID string) error {
	var body struct {
		Cycle         cycleDTO      `json:"cycle"`
		OpenPositions []positionDTO `json:"open_positions"`
	}
	if err := fetch(client, fmt.Sprintf("%s/api/cycles/%s", baseURL, cycleID), &body); err != nil {
		return err
	}

	c := body.Cycle
	fmt.Printf("cycle %s  mode=%s  status=%s  max_positions=%d  risk_level=%.2f  scan_cadence=%ds\n\n",
		c.ID, c.Mode, c.Status, c.MaxPositions, c.RiskLevel, c.ScanCadenceSecs)

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Position", "Security", "Side", "Qty", "Entry", "Unrealized PnL", "Status")
	for _, p := range body.OpenPositions {
		table.Append(
			p.ID,
			fmt.Sprintf("%d", p.SecurityID),
			p.Side,
			fmt.Sprintf("%.2f", p.Quantity),
			fmt.Sprintf("$%.2f", p.EntryPrice),
			fmt.Sprintf("$%.2f", p.UnrealizedPnL),
			p.Status,
		)
	}
	return table.Render()
}

type riskEventDTO struct {
	Type      string
	Severity  string
	CycleID   *string
	CreatedAt time.Time
}

func printRiskEvents(client *http.Client, baseURL string, limit int) error {
	var events []riskEventDTO
	if err := fetch(client, fmt.Sprintf("%s/api/risk/events?limit=%d", baseURL, limit), &events); err != nil {
		return err
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Time", "Cycle", "Type", "Severity")
	for _, e := range events {
		cycle := "-"
		if e.CycleID != nil {
			cycle = *e.CycleID
		}
		table.Append(e.CreatedAt.Format("2006-01-02 15:04:05"), cycle, e.Type, e.Severity)
	}
	return table.Render()
}
