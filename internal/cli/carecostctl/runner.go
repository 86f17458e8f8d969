package carecostctl

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

type Options struct {
	BaseURL    string
	Timeout    time.Duration
	HTTPClient *http.Client
	Stdout     io.Writer
	Stderr     io.Writer
}

type request struct {
	method string
	path   string
	query  url.Values
	body   []byte
}

func Run(ctx context.Context, args []string, defaults Options) int {
	stdout := defaults.Stdout
	if stdout == nil {
		stdout = io.Discard
	}
	stderr := defaults.Stderr
	if stderr == nil {
		stderr = io.Discard
	}

	fs := flag.NewFlagSet("carecostctl", flag.ContinueOnError)
	fs.SetOutput(stderr)

	baseURL := fs.String("base-url", firstNonEmpty(defaults.BaseURL, "http://localhost:8080"), "carecost API base URL")
	timeout := fs.Duration("timeout", durationOr(defaults.Timeout, 30*time.Second), "HTTP timeout (e.g. 30s)")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() < 1 {
		writeUsage(stderr)
		return 2
	}

	client := defaults.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: *timeout}
	}

	command := strings.TrimSpace(fs.Arg(0))
	req, err := buildRequest(command, fs.Args()[1:], stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "%v\n\n", err)
		writeUsage(stderr)
		return 2
	}

	endpoint := strings.TrimRight(*baseURL, "/") + req.path
	if len(req.query) > 0 {
		endpoint += "?" + req.query.Encode()
	}
	code, responseBody, err := doRequest(ctx, client, req.method, endpoint, req.body)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "request failed: %v\n", err)
		return 1
	}

	if code >= 400 {
		_, _ = fmt.Fprintf(stderr, "http %d: %s\n", code, strings.TrimSpace(string(responseBody)))
		return 1
	}

	if pretty, ok := prettyJSON(responseBody); ok {
		_, _ = fmt.Fprintln(stdout, pretty)
		return 0
	}
	if len(responseBody) > 0 {
		_, _ = fmt.Fprintln(stdout, string(responseBody))
	}
	return 0
}

func buildRequest(command string, args []string, stderr io.Writer) (request, error) {
	switch command {
	case "health":
		return request{method: http.MethodGet, path: "/v1/health"}, nil
	case "ready":
		return request{method: http.MethodGet, path: "/v1/ready"}, nil
	case "search":
		return searchRequest(args, stderr)
	case "provider":
		if len(args) != 1 || strings.TrimSpace(args[0]) == "" {
			return request{}, fmt.Errorf("provider requires exactly one CCN")
		}
		return request{method: http.MethodGet, path: "/v1/providers/" + url.PathEscape(strings.TrimSpace(args[0]))}, nil
	case "suggest":
		text := strings.TrimSpace(strings.Join(args, " "))
		if text == "" {
			return request{}, fmt.Errorf("suggest requires search text")
		}
		return request{method: http.MethodGet, path: "/v1/procedures/suggest", query: url.Values{"q": {text}}}, nil
	case "ask":
		question := strings.TrimSpace(strings.Join(args, " "))
		if question == "" {
			return request{}, fmt.Errorf("ask requires a question")
		}
		body, err := json.Marshal(map[string]string{"question": question})
		if err != nil {
			return request{}, err
		}
		return request{method: http.MethodPost, path: "/v1/ask", body: body}, nil
	default:
		return request{}, fmt.Errorf("unknown command %q", command)
	}
}

func searchRequest(args []string, stderr io.Writer) (request, error) {
	fs := flag.NewFlagSet("search", flag.ContinueOnError)
	fs.SetOutput(stderr)
	drg := fs.String("drg", "", "DRG code or description fragment")
	zip := fs.String("zip", "", "5 digit ZIP code for the search center")
	radius := fs.String("radius-km", "", "search radius in km (requires -zip)")
	state := fs.String("state", "", "two letter state code")
	minRating := fs.String("min-rating", "", "minimum overall rating (0-10)")
	limit := fs.String("limit", "", "maximum results")
	sortBy := fs.String("sort", "", "cost, distance or rating")
	if err := fs.Parse(args); err != nil {
		return request{}, err
	}

	query := url.Values{}
	for key, value := range map[string]string{
		"drg":        *drg,
		"zip":        *zip,
		"radius_km":  *radius,
		"state":      *state,
		"min_rating": *minRating,
		"limit":      *limit,
		"sort":       *sortBy,
	} {
		if value = strings.TrimSpace(value); value != "" {
			query.Set(key, value)
		}
	}
	return request{method: http.MethodGet, path: "/v1/providers", query: query}, nil
}

func doRequest(ctx context.Context, client *http.Client, method, url string, body []byte) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, responseBody, nil
}

func prettyJSON(raw []byte) (string, bool) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return "", false
	}
	var anyValue any
	if err := json.Unmarshal(raw, &anyValue); err != nil {
		return "", false
	}
	formatted, err := json.MarshalIndent(anyValue, "", "  ")
	if err != nil {
		return "", false
	}
	return string(formatted), true
}

func writeUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "usage: carecostctl [flags] <command> [args]")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "commands:")
	_, _ = fmt.Fprintln(w, "  health                 GET /v1/health")
	_, _ = fmt.Fprintln(w, "  ready                  GET /v1/ready")
	_, _ = fmt.Fprintln(w, "  search [search flags]  GET /v1/providers")
	_, _ = fmt.Fprintln(w, "  provider <ccn>         GET /v1/providers/{ccn}")
	_, _ = fmt.Fprintln(w, "  suggest <text>         GET /v1/procedures/suggest")
	_, _ = fmt.Fprintln(w, "  ask <question>         POST /v1/ask")
}

func firstNonEmpty(a, b string) string {
	if strings.TrimSpace(a) != "" {
		return strings.TrimSpace(a)
	}
	return b
}

func durationOr(v, fallback time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return fallback
}
