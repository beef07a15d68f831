package quote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestGetQuote(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/quote" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("inputMint") != SOLMint || q.Get("outputMint") != "MINT" {
			t.Errorf("unexpected mints: %v", q)
		}
		if q.Get("amount") != "1000000000" || q.Get("slippageBps") != "50" {
			t.Errorf("unexpected amount/slippage: %v", q)
		}
		if r.Header.Get("x-api-key") == "" {
			t.Error("missing api key header")
		}
		json.NewEncoder(w).Encode(Quote{
			InputMint:      SOLMint,
			OutputMint:     "MINT",
			OutAmount:      "5000000",
			PriceImpactPct: "0.42",
		})
	}))
	defer server.Close()

	c := NewClient(server.URL, 5*time.Second, []string{"k1", "k2"})
	quote, err := c.GetQuote(context.Background(), Request{
		InputMint:   SOLMint,
		OutputMint:  "MINT",
		Amount:      1_000_000_000,
		SlippageBps: 50,
		Mode:        "buy",
	})
	if err != nil {
		t.Fatalf("GetQuote: %v", err)
	}
	if quote.OutAmountLamports() != 5_000_000 {
		t.Fatalf("OutAmountLamports = %d", quote.OutAmountLamports())
	}
	if quote.Impact() != 0.42 {
		t.Fatalf("Impact = %v", quote.Impact())
	}
	if quote.Latency <= 0 {
		t.Fatal("latency not recorded")
	}
}

func TestGetQuoteErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no route found", http.StatusBadRequest)
	}))
	defer server.Close()

	c := NewClient(server.URL, 5*time.Second, []string{"k"})
	if _, err := c.GetQuote(context.Background(), Request{OutputMint: "M"}); err == nil {
		t.Fatal("expected error on 400")
	}
}

func TestBuildSwapTransaction(t *testing.T) {
	var body map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/swap" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		body = map[string]any{}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		json.NewEncoder(w).Encode(SwapResponse{
			SwapTransaction:           "dHg=",
			PrioritizationFeeLamports: 900_000,
		})
	}))
	defer server.Close()

	c := NewClient(server.URL, 5*time.Second, []string{"k"})
	quote := &Quote{InputMint: SOLMint, OutputMint: "MINT", OutAmount: "1"}

	resp, err := c.BuildSwapTransaction(context.Background(), quote, "PUBKEY", SwapOptions{})
	if err != nil {
		t.Fatalf("BuildSwapTransaction: %v", err)
	}
	if resp.SwapTransaction != "dHg=" {
		t.Fatalf("unexpected tx %q", resp.SwapTransaction)
	}
	if body["userPublicKey"] != "PUBKEY" {
		t.Errorf("user pubkey not forwarded: %v", body["userPublicKey"])
	}
	// Without an explicit CU price the dynamic veryHigh estimate is used.
	if body["prioritizationFeeLamports"] == nil {
		t.Error("dynamic priority fee missing")
	}

	// An explicit CU price replaces the dynamic estimate.
	_, err = c.BuildSwapTransaction(context.Background(), quote, "PUBKEY", SwapOptions{
		ComputeUnitPriceMicroLamports: 7_000,
	})
	if err != nil {
		t.Fatal(err)
	}
	if body["computeUnitPriceMicroLamports"] != float64(7_000) {
		t.Errorf("cu price not forwarded: %v", body["computeUnitPriceMicroLamports"])
	}
	if body["prioritizationFeeLamports"] != nil {
		t.Error("dynamic fee must be omitted when cu price is explicit")
	}
}

func TestBuildSwapTransactionForwardsTip(t *testing.T) {
	var body map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		json.NewEncoder(w).Encode(SwapResponse{SwapTransaction: "dHg="})
	}))
	defer server.Close()

	c := NewClient(server.URL, 5*time.Second, []string{"k"})
	quote := &Quote{InputMint: SOLMint, OutputMint: "MINT", OutAmount: "1"}

	// With an explicit CU price the fee block exists solely for the tip.
	_, err := c.BuildSwapTransaction(context.Background(), quote, "PUBKEY", SwapOptions{
		ComputeUnitPriceMicroLamports: 7_000,
		TipLamports:                   999_999_123,
	})
	if err != nil {
		t.Fatal(err)
	}
	fee, ok := body["prioritizationFeeLamports"].(map[string]any)
	if !ok {
		t.Fatalf("fee block missing: %v", body["prioritizationFeeLamports"])
	}
	if fee["jitoTipLamports"] != float64(999_999_123) {
		t.Fatalf("tip not forwarded: %v", fee["jitoTipLamports"])
	}
	if fee["priorityLevelWithMaxLamports"] != nil {
		t.Error("dynamic level must be omitted when cu price is explicit")
	}

	// Without a CU price the tip rides next to the dynamic estimate.
	if _, err := c.BuildSwapTransaction(context.Background(), quote, "PUBKEY", SwapOptions{
		TipLamports: 50_000,
	}); err != nil {
		t.Fatal(err)
	}
	fee, ok = body["prioritizationFeeLamports"].(map[string]any)
	if !ok {
		t.Fatalf("fee block missing: %v", body["prioritizationFeeLamports"])
	}
	if fee["jitoTipLamports"] != float64(50_000) || fee["priorityLevelWithMaxLamports"] == nil {
		t.Fatalf("fee block = %v", fee)
	}
}
