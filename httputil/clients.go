package httputil

import (
	"net/http"
	"time"
)

type Clients struct {
	Scraping *http.Client // target retailer pages
	Robots   *http.Client // robots.txt fetches
}

func NewClients() *Clients {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,
	}

	scraping := &http.Client{
		// Per-request deadlines come from the fetch options; this is the
		// absolute ceiling.
		Timeout:   60 * time.Second,
		Transport: transport,
	}

	return &Clients{
		Scraping: scraping,
		Robots:   &http.Client{Timeout: 10 * time.Second, Transport: transport},
	}
}
