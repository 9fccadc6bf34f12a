package semsqlctl

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

type Options struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	HTTPClient *http.Client
	Stdin      io.Reader
	Stdout     io.Writer
	Stderr     io.Writer
}

type call struct {
	method string
	path   string
	body   []byte
	// field, when set, is printed raw instead of the whole response.
	field string
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

	fs := flag.NewFlagSet("semsqlctl", flag.ContinueOnError)
	fs.SetOutput(stderr)

	baseURL := fs.String("base-url", firstNonEmpty(defaults.BaseURL, "http://localhost:8080"), "semsql API base URL")
	apiKey := fs.String("api-key", defaults.APIKey, "API key for authenticated requests")
	timeout := fs.Duration("timeout", durationOr(defaults.Timeout, 3*time.Minute), "HTTP timeout (e.g. 90s)")

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
	rest := fs.Args()[1:]
	var (
		req call
		err error
	)
	switch command {
	case "health":
		req = call{method: http.MethodGet, path: "/v1/health"}
	case "ready":
		req = call{method: http.MethodGet, path: "/v1/ready"}
	case "keys":
		req = call{method: http.MethodGet, path: "/v1/keys"}
	case "denials":
		req, err = denialsCall(rest, stderr)
	case "archived":
		req, err = archivedCall(rest)
	case "generate":
		req, err = generateCall(rest, defaults.Stdin, stderr)
	default:
		_, _ = fmt.Fprintf(stderr, "unknown command %q\n\n", command)
		writeUsage(stderr)
		return 2
	}
	if err != nil {
		if err != flag.ErrHelp {
			_, _ = fmt.Fprintf(stderr, "%s: %v\n", command, err)
		}
		return 2
	}

	endpoint := strings.TrimRight(*baseURL, "/") + req.path
	code, responseBody, err := doRequest(ctx, client, req.method, endpoint, *apiKey, req.body)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "request failed: %v\n", err)
		return 1
	}

	if code >= 400 {
		_, _ = fmt.Fprintf(stderr, "http %d: %s\n", code, strings.TrimSpace(string(responseBody)))
		return 1
	}

	if req.field != "" {
		_, _ = fmt.Fprintln(stdout, gjson.GetBytes(responseBody, req.field).String())
		return 0
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

func denialsCall(args []string, stderr io.Writer) (call, error) {
	fs := flag.NewFlagSet("denials", flag.ContinueOnError)
	fs.SetOutput(stderr)
	limit := fs.Int("limit", 0, "maximum records to list (server default when 0)")
	if err := fs.Parse(args); err != nil {
		return call{}, err
	}
	path := "/v1/audit/permission-failures"
	if *limit < 0 {
		return call{}, fmt.Errorf("limit must not be negative")
	}
	if *limit > 0 {
		path += "?" + url.Values{"limit": {strconv.Itoa(*limit)}}.Encode()
	}
	return call{method: http.MethodGet, path: path}, nil
}

func archivedCall(args []string) (call, error) {
	if len(args) != 2 {
		return call{}, fmt.Errorf("usage: archived <YYYY-MM-DD> <id>")
	}
	day := strings.TrimSpace(args[0])
	if _, err := time.Parse(time.DateOnly, day); err != nil {
		return call{}, fmt.Errorf("day must be formatted as YYYY-MM-DD: %q", day)
	}
	id := strings.TrimSpace(args[1])
	if id == "" {
		return call{}, fmt.Errorf("id is required")
	}
	return call{method: http.MethodGet, path: "/v1/audit/archive/" + day + "/" + url.PathEscape(id)}, nil
}

func generateCall(args []string, stdin io.Reader, stderr io.Writer) (call, error) {
	fs := flag.NewFlagSet("generate", flag.ContinueOnError)
	fs.SetOutput(stderr)
	role := fs.String("role", "", "executor role (defaults to the caller's role)")
	modelPath := fs.String("model", "", "semantic model JSON file, or - for stdin")
	sqlOnly := fs.Bool("sql-only", false, "print only the generated SQL")
	if err := fs.Parse(args); err != nil {
		return call{}, err
	}
	question := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if question == "" {
		return call{}, fmt.Errorf("question is required")
	}

	body := []byte(`{}`)
	body, err := sjson.SetBytes(body, "query", question)
	if err != nil {
		return call{}, fmt.Errorf("encode query: %w", err)
	}
	if strings.TrimSpace(*role) != "" {
		if body, err = sjson.SetBytes(body, "executorRole", strings.TrimSpace(*role)); err != nil {
			return call{}, fmt.Errorf("encode role: %w", err)
		}
	}
	if *modelPath != "" {
		model, err := readModel(*modelPath, stdin)
		if err != nil {
			return call{}, err
		}
		if body, err = sjson.SetRawBytes(body, "semanticModel", model); err != nil {
			return call{}, fmt.Errorf("encode semantic model: %w", err)
		}
	}

	req := call{method: http.MethodPost, path: "/v1/sql/generate", body: body}
	if *sqlOnly {
		req.field = "sql"
	}
	return req, nil
}

func readModel(path string, stdin io.Reader) ([]byte, error) {
	var (
		raw []byte
		err error
	)
	if path == "-" {
		if stdin == nil {
			return nil, fmt.Errorf("read semantic model: stdin is not available")
		}
		raw, err = io.ReadAll(stdin)
	} else {
		raw, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read semantic model: %w", err)
	}
	if !gjson.ValidBytes(raw) || !gjson.ParseBytes(raw).IsObject() {
		return nil, fmt.Errorf("semantic model must be a JSON object")
	}
	return raw, nil
}

func doRequest(ctx context.Context, client *http.Client, method, endpoint, apiKey string, body []byte) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if strings.TrimSpace(apiKey) != "" {
		req.Header.Set("X-API-Key", strings.TrimSpace(apiKey))
	}

	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, respBody, nil
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
	_, _ = fmt.Fprintln(w, "usage: semsqlctl [flags] <command> [command flags]")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "commands:")
	_, _ = fmt.Fprintln(w, "  health                                   GET /v1/health")
	_, _ = fmt.Fprintln(w, "  ready                                    GET /v1/ready")
	_, _ = fmt.Fprintln(w, "  keys                                     GET /v1/keys")
	_, _ = fmt.Fprintln(w, "  denials [-limit N]                       GET /v1/audit/permission-failures")
	_, _ = fmt.Fprintln(w, "  archived <YYYY-MM-DD> <id>               GET /v1/audit/archive/{day}/{id}")
	_, _ = fmt.Fprintln(w, "  generate [-role R] [-model F] <question> POST /v1/sql/generate")
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
