package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

func stateCmd(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("state", flag.ContinueOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "server base url")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	return call(http.MethodGet, endpoint(*baseURL, "/admin/v1/state"), nil, 5*time.Second, out)
}

func rebuildCmd(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("rebuild", flag.ContinueOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "server base url")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	return call(http.MethodPost, endpoint(*baseURL, "/admin/v1/rebuild"), nil, 30*time.Second, out)
}

func ticketCmd(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("ticket", flag.ContinueOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "server base url")
	kind := fs.String("kind", "ADD", "ADD, REMOVE or REMOVE_OWNER")
	pos := fs.String("pos", "0,0,0", "cube position x,y,z")
	typ := fs.String("type", "FORCED", "ticket type")
	level := fs.Int("level", 0, "ticket level")
	owner := fs.String("owner", "admin", "ticket owner")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}

	k := strings.ToUpper(strings.TrimSpace(*kind))
	body := map[string]any{"kind": k}
	if k == "REMOVE_OWNER" {
		body["owner"] = *owner
	} else {
		p, err := parseVec3(*pos)
		if err != nil {
			return fmt.Errorf("%w: bad -pos: %v", errUsage, err)
		}
		body["pos"] = p
		body["ticket"] = map[string]any{"type": strings.ToUpper(*typ), "level": *level, "owner": *owner}
	}
	return call(http.MethodPost, endpoint(*baseURL, "/admin/v1/tickets"), body, 5*time.Second, out)
}

func levelsCmd(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("levels", flag.ContinueOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "server base url")
	minPos := fs.String("min", "-1,-1,-1", "box min corner x,y,z")
	maxPos := fs.String("max", "1,1,1", "box max corner x,y,z")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	for _, v := range []string{*minPos, *maxPos} {
		if _, err := parseVec3(v); err != nil {
			return fmt.Errorf("%w: bad box corner: %v", errUsage, err)
		}
	}
	q := url.Values{"min": {*minPos}, "max": {*maxPos}}
	return call(http.MethodGet, endpoint(*baseURL, "/admin/v1/levels")+"?"+q.Encode(), nil, 10*time.Second, out)
}

func endpoint(base, path string) string {
	return strings.TrimRight(strings.TrimSpace(base), "/") + path
}

// call sends body as JSON (when non-nil) and copies the response to out.
// Non-2xx statuses are errors.
func call(method, u string, body any, timeout time.Duration, out io.Writer) error {
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, u, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	cl := &http.Client{Timeout: timeout}
	resp, err := cl.Do(req)
	if err != nil {
		return fmt.Errorf("request: %w", err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	fmt.Fprintln(out, strings.TrimSpace(string(b)))
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("%s %s: %s", method, u, resp.Status)
	}
	return nil
}
