// license-admin drives the administrative endpoints of the license server:
// issuing, revoking, deactivating machines, and listing activations.
//
// Usage:
//
//	license-admin -server http://localhost:3002 create -type standard -company "Acme"
//	license-admin revoke -key STA-XXXXXX-XXXXXX-XXXXXX-XXXXXX
//	license-admin deactivate -key STA-... -fingerprint FP-...
//	license-admin activations -key STA-...
//
// The admin key is read from CALLPULSE_SECURITY_ADMIN_KEY or -admin-key.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"
)

func main() {
	server := flag.String("server", "http://localhost:3002", "license server base URL")
	adminKey := flag.String("admin-key", os.Getenv("CALLPULSE_SECURITY_ADMIN_KEY"), "admin API key")
	flag.Parse()

	if *adminKey == "" {
		slog.Error("admin key required (set CALLPULSE_SECURITY_ADMIN_KEY or -admin-key)")
		os.Exit(1)
	}
	if flag.NArg() < 1 {
		slog.Error("missing command", slog.String("expected", "create | revoke | deactivate | activations"))
		os.Exit(1)
	}

	c := &adminClient{
		base:     strings.TrimRight(*server, "/"),
		adminKey: *adminKey,
		http:     &http.Client{Timeout: 15 * time.Second},
	}

	var err error
	switch cmd := flag.Arg(0); cmd {
	case "create":
		err = runCreate(c, flag.Args()[1:])
	case "revoke":
		err = runRevoke(c, flag.Args()[1:])
	case "deactivate":
		err = runDeactivate(c, flag.Args()[1:])
	case "activations":
		err = runActivations(c, flag.Args()[1:])
	default:
		err = fmt.Errorf("unknown command %q", cmd)
	}
	if err != nil {
		slog.Error("command failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func runCreate(c *adminClient, args []string) error {
	fs := flag.NewFlagSet("create", flag.ExitOnError)
	licType := fs.String("type", "trial", "license tier: trial, standard or enterprise")
	maxAgents := fs.Int("max-agents", 0, "agent seat limit (0 = tier default)")
	maxCalls := fs.Int("max-calls", 0, "monthly call limit (0 = tier default)")
	maxActivations := fs.Int("max-activations", 0, "machine activation limit (0 = default)")
	company := fs.String("company", "", "company name")
	email := fs.String("email", "", "contact email")
	expires := fs.String("expires", "", "expiry date, RFC 3339 (empty = tier default)")
	fs.Parse(args)

	body := map[string]interface{}{"type": *licType}
	if *maxAgents > 0 {
		body["max_agents"] = *maxAgents
	}
	if *maxCalls > 0 {
		body["max_calls_per_month"] = *maxCalls
	}
	if *maxActivations > 0 {
		body["max_activations"] = *maxActivations
	}
	if *company != "" {
		body["company_name"] = *company
	}
	if *email != "" {
		body["contact_email"] = *email
	}
	if *expires != "" {
		t, err := time.Parse(time.RFC3339, *expires)
		if err != nil {
			return fmt.Errorf("parse -expires: %w", err)
		}
		body["expires_at"] = t
	}

	decoded, err := c.post("/api/license/create", body)
	if err != nil {
		return err
	}

	lic, _ := decoded["license"].(map[string]interface{})
	key, _ := lic["license_key"].(string)
	fmt.Println("license created")
	fmt.Printf("  key:  %s\n", key)
	fmt.Printf("  id:   %v\n", lic["id"])
	fmt.Printf("  type: %v\n", lic["type"])
	fmt.Println("store the key now; it cannot be retrieved again")
	return nil
}

func runRevoke(c *adminClient, args []string) error {
	fs := flag.NewFlagSet("revoke", flag.ExitOnError)
	key := fs.String("key", "", "license key to revoke")
	fs.Parse(args)
	if *key == "" {
		return fmt.Errorf("-key is required")
	}

	if _, err := c.post("/api/license/revoke", map[string]interface{}{"license_key": *key}); err != nil {
		return err
	}
	fmt.Println("license revoked")
	return nil
}

func runDeactivate(c *adminClient, args []string) error {
	fs := flag.NewFlagSet("deactivate", flag.ExitOnError)
	key := fs.String("key", "", "license key")
	fp := fs.String("fingerprint", "", "machine fingerprint to release")
	fs.Parse(args)
	if *key == "" || *fp == "" {
		return fmt.Errorf("-key and -fingerprint are required")
	}

	if _, err := c.post("/api/license/deactivate", map[string]interface{}{
		"license_key":         *key,
		"machine_fingerprint": *fp,
	}); err != nil {
		return err
	}
	fmt.Println("machine deactivated")
	return nil
}

func runActivations(c *adminClient, args []string) error {
	fs := flag.NewFlagSet("activations", flag.ExitOnError)
	key := fs.String("key", "", "license key")
	fs.Parse(args)
	if *key == "" {
		return fmt.Errorf("-key is required")
	}

	decoded, err := c.get("/api/license/activations/" + *key)
	if err != nil {
		return err
	}

	acts, _ := decoded["activations"].([]interface{})
	fmt.Printf("%d activation(s)\n", len(acts))
	for _, raw := range acts {
		a, _ := raw.(map[string]interface{})
		fmt.Printf("  %v  status=%v  activated=%v  last_heartbeat=%v\n",
			a["machine_fingerprint"], a["status"], a["activated_at"], a["last_heartbeat"])
	}
	return nil
}

type adminClient struct {
	base     string
	adminKey string
	http     *http.Client
}

func (c *adminClient) post(path string, body map[string]interface{}) (map[string]interface{}, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequest(http.MethodPost, c.base+path, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

func (c *adminClient) get(path string) (map[string]interface{}, error) {
	req, err := http.NewRequest(http.MethodGet, c.base+path, nil)
	if err != nil {
		return nil, err
	}
	return c.do(req)
}

func (c *adminClient) do(req *http.Request) (map[string]interface{}, error) {
	req.Header.Set("X-Admin-Key", c.adminKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call license server: %w", err)
	}
	defer resp.Body.Close()

	var decoded map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if resp.StatusCode >= 400 {
		if msg, ok := decoded["error"].(string); ok {
			return nil, fmt.Errorf("%s (HTTP %d)", msg, resp.StatusCode)
		}
		if msg, ok := decoded["message"].(string); ok {
			return nil, fmt.Errorf("%s (HTTP %d)", msg, resp.StatusCode)
		}
		return nil, fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return decoded, nil
}
