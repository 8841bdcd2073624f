// Demo agent that walks the full compliance loop against a local server:
// record actions, open a verification task, confirm it with evidence, and
// read the trust score back.
//
//	KONTEXT_API_KEY=kontext_test_key go run ./scripts
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/kontext/backend/pkg/kontext"
)

func main() {
	apiKey := os.Getenv("KONTEXT_API_KEY")
	if apiKey == "" {
		apiKey = "kontext_test_key"
	}

	client := kontext.NewClient(kontext.Config{
		BaseURL:   "http://localhost:8080",
		ProjectID: "proj_demo",
		APIKey:    apiKey,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	agentID := "agent-treasury-01"
	fmt.Printf("Agent starting: %s\n", agentID)

	// 1. Record routine activity so the agent has history.
	fmt.Println("Recording routine activity...")
	for i := 0; i < 5; i++ {
		_, err := client.RecordAction(ctx, kontext.Action{
			Type:        "transaction",
			AgentID:     agentID,
			Description: fmt.Sprintf("Recurring vendor payment #%d", i+1),
			Amount:      420.50,
			Token:       "USDC",
			Chain:       "base",
			TxHash:      fmt.Sprintf("0xdemo%032d", i),
		})
		if err != nil {
			log.Fatalf("Record failed: %v", err)
		}
	}
	fmt.Println("5 actions recorded.")

	// 2. A large transfer: open a verification task before executing.
	fmt.Println("\nLarge transfer pending. Opening verification task...")
	task, err := client.CreateTask(ctx, kontext.TaskRequest{
		Description:      "Transfer 60,000 USDC to new counterparty",
		AgentID:          agentID,
		RequiredEvidence: []string{"txHash", "approver"},
	})
	if err != nil {
		log.Fatalf("Task creation failed: %v", err)
	}
	fmt.Printf("Task opened: %s (expires %s)\n", task.ID, task.ExpiresAt.Format(time.RFC3339))

	// 3. Screen the transfer against the anomaly rules.
	eval, err := client.EvaluateTransaction(ctx, map[string]interface{}{
		"agentId": agentID,
		"amount":  60000,
		"txHash":  "0xdemobigtransfer000000000000000001",
	})
	if err != nil {
		log.Fatalf("Evaluation failed: %v", err)
	}
	for _, a := range eval.Anomalies {
		fmt.Printf("Flagged: %s (%s) %s\n", a.Type, a.Severity, a.Description)
	}

	// 4. Record the transfer itself.
	result, err := client.RecordAction(ctx, kontext.Action{
		Type:        "transaction",
		AgentID:     agentID,
		Description: "Transfer 60,000 USDC to new counterparty",
		Amount:      60000,
		Token:       "USDC",
		Chain:       "base",
		TxHash:      "0xdemobigtransfer000000000000000001",
	})
	if err != nil {
		log.Fatalf("Record failed: %v", err)
	}
	if result.LimitExceeded {
		fmt.Printf("Plan limit exceeded: %s\n", result.Message)
	}

	// 5. Confirm the task with the evidence it asked for.
	fmt.Println("Confirming task with evidence...")
	task, err = client.ConfirmTask(ctx, task.ID, map[string]interface{}{
		"txHash":   "0xdemobigtransfer000000000000000001",
		"approver": "ops@example.com",
	})
	if err != nil {
		log.Fatalf("Confirmation failed: %v", err)
	}
	fmt.Printf("Task %s is %s.\n", task.ID, task.Status)

	// 6. Read the trust score back.
	score, err := client.GetTrustScore(ctx, agentID)
	if err != nil {
		log.Fatalf("Trust lookup failed: %v", err)
	}
	fmt.Printf("\nTrust score: %d (%s)\n", score.Score, score.Level)
	for _, f := range score.Factors {
		fmt.Printf("  %-18s %.0f (weight %.1f) %s\n", f.Name, f.Score, f.Weight, f.Description)
	}

	// 7. And the usage snapshot.
	usage, err := client.GetUsage(ctx)
	if err != nil {
		log.Fatalf("Usage lookup failed: %v", err)
	}
	if usage.Limit < 0 {
		fmt.Printf("Usage: %d events this period (unlimited plan)\n", usage.EventCount)
	} else {
		fmt.Printf("Usage: %d/%d events this period (%.2f%%)\n", usage.EventCount, usage.Limit, usage.UsagePercentage)
	}
}
