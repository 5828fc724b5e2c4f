// Package main provides a CI-friendly smoke test for the chatlog search endpoint.
//
// It validates:
//   - /healthz and /readyz answer 200
//   - a search streams text/plain with 200
//   - every line has the "[HH:MM:SS] <user> text" shape
//   - the result respects -limit
//   - an oversized limit is rejected with a JSON 400
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var linePattern = regexp.MustCompile(`^\[\d{2}:\d{2}:\d{2}\] <[^;>]+(; deleted at \d{2}:\d{2}:\d{2})?> `)

func main() {
	var (
		baseURL = flag.String("url", "http://127.0.0.1:8080", "chatlog base URL")
		channel = flag.String("channel", "forsen", "channel to search")
		user    = flag.String("user", "", "optional comma separated usernames")
		limit   = flag.Int("limit", 100, "row limit to request")
		maxRows = flag.Int("max-rows", 1_000_000, "server search.max_rows, used for the 400 check")
		timeout = flag.Duration("timeout", 10*time.Second, "per-request timeout")
		verbose = flag.Bool("v", false, "verbose output")
	)
	flag.Parse()

	if err := validateBaseURL(*baseURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	base := strings.TrimRight(*baseURL, "/")
	client := &http.Client{}

	mustStatus(client, base+"/healthz", http.StatusOK, *timeout)
	mustStatus(client, base+"/readyz", http.StatusOK, *timeout)

	q := url.Values{}
	q.Set("limit", strconv.Itoa(*limit))
	if *user != "" {
		q.Set("user", *user)
	}
	n := mustSearch(client, base+"/search/"+url.PathEscape(*channel)+"?"+q.Encode(), *limit, *timeout, *verbose)

	over := url.Values{}
	over.Set("limit", strconv.Itoa(*maxRows+1))
	mustRejectLimit(client, base+"/search/"+url.PathEscape(*channel)+"?"+over.Encode(), *timeout)

	fmt.Printf("OK: channel=%s lines=%d\n", *channel, n)
}

func validateBaseURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	return nil
}

func get(client *http.Client, rawURL string, timeout time.Duration) (*http.Response, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		cancel()
		fatalf("build request %s: %v", rawURL, err)
	}
	resp, err := client.Do(req)
	if err != nil {
		cancel()
		fatalf("GET %s: %v", rawURL, err)
	}
	return resp, cancel
}

func mustStatus(client *http.Client, rawURL string, want int, timeout time.Duration) {
	resp, cancel := get(client, rawURL, timeout)
	defer cancel()
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != want {
		fatalf("GET %s: status=%d want=%d", rawURL, resp.StatusCode, want)
	}
}

func mustSearch(client *http.Client, rawURL string, limit int, timeout time.Duration, verbose bool) int {
	resp, cancel := get(client, rawURL, timeout)
	defer cancel()
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		fatalf("search: status=%d body=%q", resp.StatusCode, body)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		fatalf("search: content-type=%q", ct)
	}

	n := 0
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	for sc.Scan() {
		line := sc.Text()
		if !linePattern.MatchString(line) {
			fatalf("search: malformed line %d: %q", n+1, line)
		}
		if verbose {
			fmt.Println(line)
		}
		n++
	}
	if err := sc.Err(); err != nil {
		fatalf("search: read body: %v", err)
	}
	if n > limit {
		fatalf("search: got %d lines, limit was %d", n, limit)
	}
	return n
}

func mustRejectLimit(client *http.Client, rawURL string, timeout time.Duration) {
	resp, cancel := get(client, rawURL, timeout)
	defer cancel()
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		fatalf("oversized limit: status=%d want=400", resp.StatusCode)
	}
	var body struct {
		Status int    `json:"status"`
		Error  string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		fatalf("oversized limit: decode error body: %v", err)
	}
	if body.Status != http.StatusBadRequest || body.Error == "" {
		fatalf("oversized limit: unexpected body %+v", body)
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
