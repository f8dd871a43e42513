// Command healthcheck probes the local /healthz endpoint and exits non-zero when the
// service is unhealthy. It is used as the container HEALTHCHECK.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"strings"
	"time"
)

func main() {
	url := "http://" + localAddr(os.Getenv("HTTP_ADDR"), os.Getenv("PORT")) + "/healthz"
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		os.Exit(1)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Printf("healthcheck %s: %v", url, err)
		os.Exit(1)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			log.Printf("failed to close response body: %v", err)
		}
	}()
	if resp.StatusCode != http.StatusOK {
		log.Printf("healthcheck %s: status %d", url, resp.StatusCode)
		os.Exit(1)
	}
}

// localAddr resolves the listen address the server uses into a dialable host:port.
func localAddr(httpAddr, port string) string {
	addr := httpAddr
	if addr == "" {
		addr = ":8080"
		if port != "" {
			addr = ":" + port
		}
	}
	if strings.HasPrefix(addr, ":") {
		return "localhost" + addr
	}
	return addr
}
