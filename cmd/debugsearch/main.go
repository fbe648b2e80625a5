package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/pelagoslabs/pelagos/internal/search"
)

func main() {
	q := "wave energy converters"
	if len(os.Args) > 1 {
		q = os.Args[1]
	}
	var prov search.Provider
	if path := os.Getenv("SEARCH_FILE"); path != "" {
		prov = &search.FileProvider{Path: path}
	} else {
		base := os.Getenv("SEARX_URL")
		if base == "" {
			base = "http://localhost:8888"
		}
		prov = &search.SearxNG{
			BaseURL:    base,
			APIKey:     os.Getenv("SEARX_KEY"),
			UserAgent:  "debugsearch/1.0",
			HTTPClient: &http.Client{Timeout: 20 * time.Second},
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 25*time.Second)
	defer cancel()
	res, err := prov.Search(ctx, q, 5)
	if err != nil {
		fmt.Println("err:", err)
	}
	for i, r := range res {
		fmt.Printf("%d. %s - %s\n", i+1, r.Title, r.URL)
	}
}
