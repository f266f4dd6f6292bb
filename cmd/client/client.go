// Command client is a thin CLI against the exchange's HTTP edge,
// adapted from the teacher's cmd/client/client.go flag-based dispatch
// (action = place/cancel/log) but speaking JSON-over-HTTP instead of
// the teacher's binary TCP wire protocol.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
)

func main() {
	serverAddr := flag.String("server", "http://127.0.0.1:8080", "Base URL of the exchange HTTP API")
	apiKey := flag.String("key", "", "API key (Authorization: TOKEN <key>); required for place, cancel and balance")
	action := flag.String("action", "place", "Action to perform: ['register', 'place', 'cancel', 'book', 'balance']")

	name := flag.String("name", "", "Name to register (action=register)")
	ticker := flag.String("ticker", "AAPL", "Ticker symbol")
	sideStr := flag.String("side", "buy", "Order side: 'buy' or 'sell'")
	typeStr := flag.String("type", "limit", "Order type: 'limit' or 'market'")
	price := flag.Int64("price", 100, "Limit price, in integer RUB (action=place, type=limit)")
	qty := flag.Int64("qty", 10, "Quantity")

	orderID := flag.String("id", "", "Order id (action=cancel)")

	flag.Parse()

	client := &apiClient{base: *serverAddr, key: *apiKey}

	switch strings.ToLower(*action) {
	case "register":
		if *name == "" {
			fatalUsage("Error: -name is required for action=register")
		}
		var resp map[string]any
		if err := client.do("POST", "/api/v1/public/register", map[string]any{"name": *name}, &resp); err != nil {
			log.Fatalf("register failed: %v", err)
		}
		fmt.Printf("registered: %+v\n", resp)

	case "place":
		body := map[string]any{
			"ticker":    *ticker,
			"direction": strings.ToUpper(*sideStr),
			"qty":       *qty,
		}
		if strings.ToLower(*typeStr) == "limit" {
			body["price"] = *price
		}
		var resp map[string]any
		if err := client.do("POST", "/api/v1/order", body, &resp); err != nil {
			log.Fatalf("place order failed: %v", err)
		}
		fmt.Printf("order placed: %+v\n", resp)

	case "cancel":
		if *orderID == "" {
			fatalUsage("Error: -id is required for action=cancel")
		}
		if err := client.do("DELETE", "/api/v1/order/"+*orderID, nil, nil); err != nil {
			log.Fatalf("cancel failed: %v", err)
		}
		fmt.Printf("cancelled order %s\n", *orderID)

	case "book":
		var resp map[string]any
		if err := client.do("GET", "/api/v1/public/orderbook/"+*ticker, nil, &resp); err != nil {
			log.Fatalf("fetch order book failed: %v", err)
		}
		fmt.Printf("order book for %s: %+v\n", *ticker, resp)

	case "balance":
		var resp map[string]int64
		if err := client.do("GET", "/api/v1/balance", nil, &resp); err != nil {
			log.Fatalf("fetch balance failed: %v", err)
		}
		fmt.Printf("balances: %+v\n", resp)

	default:
		log.Fatalf("Unknown action: %s", *action)
	}
}

func fatalUsage(msg string) {
	fmt.Println(msg)
	flag.Usage()
	os.Exit(1)
}

// apiClient is a minimal JSON-over-HTTP helper for the exchange API.
type apiClient struct {
	base string
	key  string
}

func (c *apiClient) do(method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequest(method, c.base+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.key != "" {
		req.Header.Set("Authorization", "TOKEN "+c.key)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, string(data))
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
