package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
)

func main() {
	mode := flag.String("mode", "api", "Query mode: 'api' to query via HTTP API, 'direct' to query ClickHouse directly.")
	addr := flag.String("addr", "http://localhost:8080", "Base URL of the arpguard API.")
	path := flag.String("path", "stats", "API path under /api/v1 (stats, models, learning, records).")
	method := flag.String("method", http.MethodGet, "HTTP method for api mode.")
	chAddr := flag.String("ch", "localhost:9000", "ClickHouse address for direct mode.")
	chPassword := flag.String("ch-password", "", "ClickHouse password for direct mode.")
	since := flag.Duration("since", 24*time.Hour, "Window of alerts to summarise in direct mode.")
	flag.Parse()

	log.Printf("Running in '%s' mode.", *mode)

	switch *mode {
	case "api":
		queryViaAPI(*method, *addr+"/api/v1/"+*path)
	case "direct":
		directQueryClickHouse(*chAddr, *chPassword, *since)
	default:
		log.Fatalf("Invalid mode: %s. Use 'api' or 'direct'.", *mode)
	}
}

func queryViaAPI(method, url string) {
	req, err := http.NewRequest(method, url, nil)
	if err != nil {
		log.Fatalf("Error building request: %v", err)
	}
	log.Printf("Sending %s %s", method, url)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Fatalf("Error sending request: %v", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		log.Fatalf("Error reading response body: %v", err)
	}
	if resp.StatusCode >= 300 {
		log.Fatalf("API returned status code %d\nResponse: %s", resp.StatusCode, string(respBody))
	}

	var prettyJSON bytes.Buffer
	if err := json.Indent(&prettyJSON, respBody, "", "  "); err != nil {
		log.Printf("Could not prettify JSON, printing raw response:")
		fmt.Println(string(respBody))
		return
	}
	fmt.Println(prettyJSON.String())
}

// directQueryClickHouse summarises recent alerts per source and module.
func directQueryClickHouse(addr, password string, since time.Duration) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: "default",
			Username: "default",
			Password: password,
		},
	})
	if err != nil {
		log.Fatalf("Failed to connect to ClickHouse: %v", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	query := `
		SELECT SrcIP, SrcMAC, Module, count() AS Alerts, max(Severity) AS MaxSeverity, max(Timestamp) AS LastSeen
		FROM arp_records
		WHERE Kind = 'alert' AND Timestamp >= ?
		GROUP BY SrcIP, SrcMAC, Module
		ORDER BY Alerts DESC
		LIMIT 50`

	rows, err := conn.Query(ctx, query, time.Now().Add(-since))
	if err != nil {
		log.Fatalf("Failed to execute query: %v", err)
	}
	defer rows.Close()

	fmt.Printf("%-16s %-18s %-8s %7s %8s  %s\n", "SRC IP", "SRC MAC", "MODULE", "ALERTS", "MAX SEV", "LAST SEEN")
	for rows.Next() {
		var (
			srcIP, srcMAC, module string
			alerts                uint64
			maxSeverity           float64
			lastSeen              time.Time
		)
		if err := rows.Scan(&srcIP, &srcMAC, &module, &alerts, &maxSeverity, &lastSeen); err != nil {
			log.Fatalf("Failed to scan row: %v", err)
		}
		fmt.Printf("%-16s %-18s %-8s %7d %8.2f  %s\n", srcIP, srcMAC, module, alerts, maxSeverity, lastSeen.Format(time.RFC3339))
	}
	if err := rows.Err(); err != nil {
		log.Fatalf("Error iterating rows: %v", err)
	}
}
