// Command gateway-sim plays the role of a payment gateway for local testing:
// it records a payment against the billing service and then reports its
// settlement outcome, exactly as a real gateway callback would.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

func main() {
	var (
		baseURL      = flag.String("base-url", getenv("BASE_URL", "http://localhost:8082"), "billing service base url")
		tenant       = flag.String("tenant", getenv("TENANT_ID", ""), "tenant id")
		member       = flag.String("member-id", getenv("MEMBER_ID", ""), "member id")
		subscription = flag.String("subscription-id", getenv("SUBSCRIPTION_ID", ""), "subscription to settle against (optional)")
		amount       = flag.Int64("amount-cents", 12990, "payment amount in cents")
		method       = flag.String("method", "card", "payment method")
		outcome      = flag.String("outcome", "completed", "settlement outcome: completed or failed")
	)
	flag.Parse()

	if strings.TrimSpace(*tenant) == "" {
		fatal("TENANT_ID is required")
	}
	if strings.TrimSpace(*member) == "" {
		fatal("MEMBER_ID is required")
	}
	if *outcome != "completed" && *outcome != "failed" {
		fatal("outcome must be completed or failed")
	}

	client := &http.Client{Timeout: 10 * time.Second}
	base := strings.TrimRight(*baseURL, "/")

	created, err := post(client, base+"/api/v1/payments", *tenant, map[string]any{
		"member_id":       *member,
		"invoice_ref":     fmt.Sprintf("inv-sim-%d", time.Now().UTC().Unix()),
		"amount_cents":    *amount,
		"method":          *method,
		"transaction_id":  fmt.Sprintf("txn_sim_%d", time.Now().UTC().UnixNano()),
		"subscription_id": *subscription,
	})
	if err != nil {
		fatal(err.Error())
	}
	paymentID, _ := created["id"].(string)
	if paymentID == "" {
		fatal(fmt.Sprintf("no payment id in response: %v", created))
	}
	fmt.Printf("payment recorded id=%s status=%v\n", paymentID, created["status"])

	settled, err := post(client, base+"/api/v1/payments/"+paymentID+"/status", *tenant, map[string]any{
		"status": *outcome,
	})
	if err != nil {
		fatal(err.Error())
	}
	fmt.Printf("payment settled id=%s status=%v\n", paymentID, settled["status"])
}

func post(client *http.Client, url, tenant string, body map[string]any) (map[string]any, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tenant-Id", tenant)

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%s returned %d: %s", url, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(2)
}
