// Command hivectl is the operator CLI for a running hived instance: it
// drives the operator RPC surface over HTTP, handling the one-time
// passphrase unlock itself so routine commands only need a reachable
// API address. Exit code 0 on success, 1 on a typed failure reported by
// the API, 2 on an unrecognized command or missing argument.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/lightning-goats/cl-hive-sub002/cmd/internal/passphrase"
	"github.com/lightning-goats/cl-hive-sub002/settlement"
	"github.com/lightning-goats/cl-hive-sub002/store"
)

const (
	exitOK        = 0
	exitFailure   = 1
	exitUsage     = 2
	passphraseEnv = "HIVE_KEYSTORE_PASSPHRASE"
	tokenEnv      = "HIVE_SESSION_TOKEN"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	root := flag.NewFlagSet("hivectl", flag.ContinueOnError)
	apiAddr := root.String("api", envOrDefault("HIVE_API_ADDR", "http://127.0.0.1:8790"), "operator RPC base URL")
	token := root.String("token", os.Getenv(tokenEnv), "bearer session token; unlocks the keystore if empty")
	root.SetOutput(os.Stderr)
	if err := root.Parse(args); err != nil {
		return exitUsage
	}

	rest := root.Args()
	if len(rest) == 0 {
		fmt.Fprint(os.Stderr, usage())
		return exitUsage
	}

	c := &client{baseURL: strings.TrimRight(*apiAddr, "/"), token: *token}
	cmd, rest := rest[0], rest[1:]

	switch cmd {
	case "status":
		return c.authed(runStatus, rest)
	case "members":
		return c.authed(runMembers, rest)
	case "topology":
		return c.authed(runTopology, rest)
	case "vouch":
		return c.authed(runVouch, rest)
	case "ban":
		return c.authed(runBan, rest)
	case "ban-vote":
		return c.authed(runBanVote, rest)
	case "intent-list":
		return c.authed(runIntentList, rest)
	case "settlement-status":
		return c.authed(runSettlementStatus, rest)
	case "settlement-propose":
		return c.authed(runSettlementPropose, rest)
	case "fee-reports":
		return c.authed(runFeeReports, rest)
	case "remove-member":
		return c.authed(runRemoveMember, rest)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		fmt.Fprint(os.Stderr, usage())
		return exitUsage
	}
}

// authed resolves a session token (unlocking the keystore over the wire if
// one wasn't already supplied) and then hands off to the command body, so
// every subcommand below this point can assume c.token is usable.
func (c *client) authed(fn func(*client, []string) int, args []string) int {
	if c.token == "" {
		if err := c.unlock(); err != nil {
			fmt.Fprintf(os.Stderr, "unlock failed: %v\n", err)
			return exitFailure
		}
	}
	return fn(c, args)
}

func runStatus(c *client, args []string) int {
	var status map[string]any
	if err := c.get("/v1/status", &status); err != nil {
		return reportErr(err)
	}
	return printJSON(status)
}

func runMembers(c *client, args []string) int {
	fs := flag.NewFlagSet("members", flag.ContinueOnError)
	tier := fs.String("tier", "", "filter by tier (neophyte|member)")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	path := "/v1/members"
	if *tier != "" {
		path += "?tier=" + *tier
	}
	var members []store.Member
	if err := c.get(path, &members); err != nil {
		return reportErr(err)
	}
	return printJSON(members)
}

func runTopology(c *client, args []string) int {
	var records []store.StateRecord
	if err := c.get("/v1/topology", &records); err != nil {
		return reportErr(err)
	}
	return printJSON(records)
}

func runVouch(c *client, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: hivectl vouch <pubkey>")
		return exitUsage
	}
	var resp map[string]string
	if err := c.post("/v1/vouch", map[string]string{"subject": args[0]}, &resp); err != nil {
		return reportErr(err)
	}
	return printJSON(resp)
}

func runBan(c *client, args []string) int {
	if len(args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: hivectl ban <pubkey> <reason>")
		return exitUsage
	}
	var resp map[string]string
	body := map[string]string{"target": args[0], "reason": args[1]}
	if err := c.post("/v1/ban", body, &resp); err != nil {
		return reportErr(err)
	}
	return printJSON(resp)
}

func runBanVote(c *client, args []string) int {
	fs := flag.NewFlagSet("ban-vote", flag.ContinueOnError)
	approve := fs.Bool("approve", true, "vote to approve (false rejects)")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: hivectl ban-vote [--approve=false] <pubkey>")
		return exitUsage
	}
	var resp map[string]bool
	body := map[string]any{"target": fs.Arg(0), "approve": *approve}
	if err := c.post("/v1/ban/vote", body, &resp); err != nil {
		return reportErr(err)
	}
	return printJSON(resp)
}

func runIntentList(c *client, args []string) int {
	fs := flag.NewFlagSet("intent-list", flag.ContinueOnError)
	state := fs.String("state", "", "filter by lifecycle state")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	path := "/v1/intents"
	if *state != "" {
		path += "?state=" + *state
	}
	var intents []store.Intent
	if err := c.get(path, &intents); err != nil {
		return reportErr(err)
	}
	return printJSON(intents)
}

func runSettlementStatus(c *client, args []string) int {
	period := currentPeriodOr(args)
	var resp map[string]any
	if err := c.get("/v1/settlement/"+period, &resp); err != nil {
		return reportErr(err)
	}
	return printJSON(resp)
}

// runSettlementPropose computes a period's pool against the Members
// currently on the roster. An operator who wants to settle against a
// narrower or historical participant set should use the API directly;
// the CLI's default matches the common case of "settle against whoever
// is a Member right now".
func runSettlementPropose(c *client, args []string) int {
	period := currentPeriodOr(args)
	var members []store.Member
	if err := c.get("/v1/members?tier=member", &members); err != nil {
		return reportErr(err)
	}
	active := make([]string, 0, len(members))
	for _, m := range members {
		if !m.Banned {
			active = append(active, m.NodeID)
		}
	}
	body := map[string]any{"period_id": period, "active_members": active}
	var pool map[string]any
	if err := c.post("/v1/settlement/propose", body, &pool); err != nil {
		return reportErr(err)
	}
	return printJSON(pool)
}

func runFeeReports(c *client, args []string) int {
	fs := flag.NewFlagSet("fee-reports", flag.ContinueOnError)
	export := fs.Bool("export", false, "trigger a Parquet archival export instead of listing a period")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if *export {
		var result map[string]any
		if err := c.post("/v1/export", map[string]any{}, &result); err != nil {
			return reportErr(err)
		}
		return printJSON(result)
	}
	period := currentPeriodOr(fs.Args())
	var reports []store.FeeReport
	if err := c.get("/v1/fee-reports/"+period, &reports); err != nil {
		return reportErr(err)
	}
	return printJSON(reports)
}

func runRemoveMember(c *client, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: hivectl remove-member <pubkey>")
		return exitUsage
	}
	var resp map[string]string
	if err := c.delete("/v1/members/"+args[0], &resp); err != nil {
		return reportErr(err)
	}
	return printJSON(resp)
}

func currentPeriodOr(args []string) string {
	if len(args) > 0 && args[0] != "" {
		return args[0]
	}
	return settlement.ForTime(time.Now())
}

func reportErr(err error) int {
	fmt.Fprintf(os.Stderr, "hivectl: %v\n", err)
	return exitFailure
}

func printJSON(v any) int {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return reportErr(err)
	}
	fmt.Println(string(data))
	return exitOK
}

// client is a thin REST wrapper around a single hived instance's operator
// API, mirroring the corpus's habit of a small unauthenticated-by-default
// HTTP helper with a bearer token attached once available.
type client struct {
	baseURL string
	token   string
	http    http.Client
}

func (c *client) unlock() error {
	pass, err := passphrase.NewSource(passphraseEnv).Get()
	if err != nil {
		return err
	}
	var resp struct {
		Token string `json:"token"`
	}
	if err := c.post("/v1/session", map[string]string{"passphrase": pass}, &resp); err != nil {
		return err
	}
	c.token = resp.Token
	return nil
}

func (c *client) get(path string, out any) error {
	return c.do(http.MethodGet, path, nil, out)
}

func (c *client) post(path string, body, out any) error {
	return c.do(http.MethodPost, path, body, out)
}

func (c *client) delete(path string, out any) error {
	return c.do(http.MethodDelete, path, nil, out)
}

func (c *client) do(method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequest(method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.http.Timeout == 0 {
		c.http.Timeout = 15 * time.Second
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func envOrDefault(name, fallback string) string {
	if v, ok := os.LookupEnv(name); ok && v != "" {
		return v
	}
	return fallback
}

func usage() string {
	return `hivectl usage:
  hivectl [--api URL] [--token TOKEN] <command> [args]

Commands:
  status                                 Fleet status summary
  members [--tier neophyte|member]       List roster members
  topology                               Gossiped state records
  vouch <pubkey>                         Vouch for a neophyte
  ban <pubkey> <reason>                  Propose a ban
  ban-vote [--approve=false] <pubkey>    Vote on an open ban proposal
  intent-list [--state S]                List intent locks
  settlement-status [period]             Show a settlement round's status
  settlement-propose [period]            Propose settlement for a period
  fee-reports [period]                   List fee reports for a period
  fee-reports --export                   Archive settled periods to Parquet
  remove-member <pubkey>                 Break-glass local ban override
`
}
