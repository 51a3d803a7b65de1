// slipwayctl drives the slipway control plane from the command line: start
// and inspect pipeline runs, resolve approvals, shift endpoint traffic, and
// manage deployments.
//
// The API address comes from -addr or SLIPWAY_API; credentials from
// SLIPWAY_TOKEN (bearer) or SLIPWAY_DEBUG_TOKEN (dev setups).
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/slipway-ml/slipway/internal/auth"
)

func fail(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}

func usage() {
	fmt.Fprintf(os.Stderr, `usage: slipwayctl [-addr URL] <command> [flags]

commands:
  run start      -model NAME -dataset REF [-experiment E] [-hyperparams JSON] [-artifact URI]
  run status     -id RUNID
  run list       [-model NAME] [-phase PHASE] [-limit N]
  run approve    -id RUNID [-by WHO] [-reason TEXT]
  run deny       -id RUNID [-by WHO] [-reason TEXT]
  run cancel     -id RUNID
  models         [-name NAME] [-limit N]
  traffic show   -endpoint EP
  traffic apply  -endpoint EP -policy POLICY [-stable NAME] [-candidate NAME] [-shares JSON]
  deploy ensure  -endpoint EP -name NAME -model-version V [-instance-type T] [-count N]
  deploy delete  -endpoint EP -name NAME
  deploy probe   -endpoint EP -name NAME [-payload JSON]
  token mint     -secret SECRET [-subject SUB] [-ttl DUR]
`)
	os.Exit(2)
}

type client struct {
	base       string
	token      string
	debugToken string
	http       *http.Client
}

func newClient(addr string) *client {
	if addr == "" {
		addr = os.Getenv("SLIPWAY_API")
	}
	if addr == "" {
		addr = "http://localhost:8070"
	}
	return &client{
		base:       addr,
		token:      os.Getenv("SLIPWAY_TOKEN"),
		debugToken: os.Getenv("SLIPWAY_DEBUG_TOKEN"),
		http:       &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *client) do(method, path string, body interface{}) (int, []byte) {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			fail("encode request: %v", err)
		}
		reader = bytes.NewReader(buf)
	}
	req, err := http.NewRequest(method, c.base+path, reader)
	if err != nil {
		fail("build request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.debugToken != "" {
		req.Header.Set("X-Debug-Token", c.debugToken)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		fail("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	if err != nil {
		fail("read response: %v", err)
	}
	return resp.StatusCode, out
}

func printJSON(raw []byte) {
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		fmt.Println(string(raw))
		return
	}
	pretty, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Println(string(raw))
		return
	}
	fmt.Println(string(pretty))
}

func expectStatus(code int, body []byte, want ...int) {
	for _, w := range want {
		if code == w {
			return
		}
	}
	fail("unexpected status %d: %s", code, bytes.TrimSpace(body))
}

func main() {
	addr := flag.String("addr", "", "control plane address (default SLIPWAY_API or http://localhost:8070)")
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) < 1 {
		usage()
	}
	c := newClient(*addr)

	switch args[0] {
	case "run":
		if len(args) < 2 {
			usage()
		}
		runCommand(c, args[1], args[2:])
	case "models":
		modelsCommand(c, args[1:])
	case "traffic":
		if len(args) < 2 {
			usage()
		}
		trafficCommand(c, args[1], args[2:])
	case "deploy":
		if len(args) < 2 {
			usage()
		}
		deployCommand(c, args[1], args[2:])
	case "token":
		if len(args) < 2 || args[1] != "mint" {
			usage()
		}
		tokenMint(args[2:])
	default:
		usage()
	}
}

func runCommand(c *client, sub string, args []string) {
	switch sub {
	case "start":
		fs := flag.NewFlagSet("run start", flag.ExitOnError)
		model := fs.String("model", "", "model name")
		dataset := fs.String("dataset", "", "input dataset reference")
		experiment := fs.String("experiment", "", "experiment name")
		hyperparams := fs.String("hyperparams", "", "hyperparameters JSON")
		artifact := fs.String("artifact", "", "artifact destination URI")
		_ = fs.Parse(args)
		if *model == "" || *dataset == "" {
			fail("run start requires -model and -dataset")
		}
		body := map[string]interface{}{
			"modelName":  *model,
			"datasetRef": *dataset,
		}
		if *experiment != "" {
			body["experiment"] = *experiment
		}
		if *hyperparams != "" {
			body["hyperparams"] = json.RawMessage(*hyperparams)
		}
		if *artifact != "" {
			body["artifactUri"] = *artifact
		}
		code, out := c.do(http.MethodPost, "/v1/runs", body)
		expectStatus(code, out, http.StatusCreated)
		printJSON(out)

	case "status":
		fs := flag.NewFlagSet("run status", flag.ExitOnError)
		id := fs.String("id", "", "run id")
		_ = fs.Parse(args)
		if *id == "" {
			fail("run status requires -id")
		}
		code, out := c.do(http.MethodGet, "/v1/runs/"+*id, nil)
		expectStatus(code, out, http.StatusOK)
		printJSON(out)

	case "list":
		fs := flag.NewFlagSet("run list", flag.ExitOnError)
		model := fs.String("model", "", "filter by model name")
		phase := fs.String("phase", "", "filter by phase")
		limit := fs.Int("limit", 0, "max rows")
		_ = fs.Parse(args)
		path := "/v1/runs?"
		if *model != "" {
			path += "model=" + *model + "&"
		}
		if *phase != "" {
			path += "phase=" + *phase + "&"
		}
		if *limit > 0 {
			path += fmt.Sprintf("limit=%d&", *limit)
		}
		code, out := c.do(http.MethodGet, path, nil)
		expectStatus(code, out, http.StatusOK)
		printJSON(out)

	case "approve", "deny":
		fs := flag.NewFlagSet("run "+sub, flag.ExitOnError)
		id := fs.String("id", "", "run id")
		by := fs.String("by", "", "decider identity")
		reason := fs.String("reason", "", "decision reason")
		_ = fs.Parse(args)
		if *id == "" {
			fail("run %s requires -id", sub)
		}
		body := map[string]interface{}{
			"approved":  sub == "approve",
			"decidedBy": *by,
			"reason":    *reason,
		}
		code, out := c.do(http.MethodPost, "/v1/runs/"+*id+"/approval", body)
		expectStatus(code, out, http.StatusAccepted)
		printJSON(out)

	case "cancel":
		fs := flag.NewFlagSet("run cancel", flag.ExitOnError)
		id := fs.String("id", "", "run id")
		_ = fs.Parse(args)
		if *id == "" {
			fail("run cancel requires -id")
		}
		code, out := c.do(http.MethodPost, "/v1/runs/"+*id+"/cancel", nil)
		expectStatus(code, out, http.StatusOK, http.StatusAccepted)
		printJSON(out)

	default:
		usage()
	}
}

func modelsCommand(c *client, args []string) {
	fs := flag.NewFlagSet("models", flag.ExitOnError)
	name := fs.String("name", "", "filter by model name")
	limit := fs.Int("limit", 0, "max rows")
	_ = fs.Parse(args)
	path := "/v1/models?"
	if *name != "" {
		path += "name=" + *name + "&"
	}
	if *limit > 0 {
		path += fmt.Sprintf("limit=%d&", *limit)
	}
	code, out := c.do(http.MethodGet, path, nil)
	expectStatus(code, out, http.StatusOK)
	printJSON(out)
}

func trafficCommand(c *client, sub string, args []string) {
	switch sub {
	case "show":
		fs := flag.NewFlagSet("traffic show", flag.ExitOnError)
		endpoint := fs.String("endpoint", "", "endpoint name")
		_ = fs.Parse(args)
		if *endpoint == "" {
			fail("traffic show requires -endpoint")
		}
		code, out := c.do(http.MethodGet, "/v1/endpoints/"+*endpoint+"/traffic", nil)
		expectStatus(code, out, http.StatusOK)
		printJSON(out)

	case "apply":
		fs := flag.NewFlagSet("traffic apply", flag.ExitOnError)
		endpoint := fs.String("endpoint", "", "endpoint name")
		policy := fs.String("policy", "", "cutover|canary_start|quarter_shift|even_split|rollback|zero_solitary|custom")
		stable := fs.String("stable", "", "stable deployment name")
		candidate := fs.String("candidate", "", "candidate deployment name")
		shares := fs.String("shares", "", "explicit shares JSON for custom plans")
		_ = fs.Parse(args)
		if *endpoint == "" || *policy == "" {
			fail("traffic apply requires -endpoint and -policy")
		}
		body := map[string]interface{}{
			"policy":    *policy,
			"stable":    *stable,
			"candidate": *candidate,
		}
		if *shares != "" {
			var m map[string]int
			if err := json.Unmarshal([]byte(*shares), &m); err != nil {
				fail("decode -shares: %v", err)
			}
			body["shares"] = m
		}
		code, out := c.do(http.MethodPost, "/v1/endpoints/"+*endpoint+"/traffic", body)
		expectStatus(code, out, http.StatusOK)
		printJSON(out)

	default:
		usage()
	}
}

func deployCommand(c *client, sub string, args []string) {
	fs := flag.NewFlagSet("deploy "+sub, flag.ExitOnError)
	endpoint := fs.String("endpoint", "", "endpoint name")
	name := fs.String("name", "", "deployment name")
	modelVersion := fs.String("model-version", "", "model version to serve")
	instanceType := fs.String("instance-type", "", "instance type")
	count := fs.Int("count", 0, "instance count")
	payload := fs.String("payload", "", "probe payload JSON")
	_ = fs.Parse(args)
	if *endpoint == "" || *name == "" {
		fail("deploy %s requires -endpoint and -name", sub)
	}
	path := "/v1/endpoints/" + *endpoint + "/deployments/" + *name

	switch sub {
	case "ensure":
		if *modelVersion == "" {
			fail("deploy ensure requires -model-version")
		}
		body := map[string]interface{}{
			"modelVersion":  *modelVersion,
			"instanceType":  *instanceType,
			"instanceCount": *count,
		}
		code, out := c.do(http.MethodPut, path, body)
		expectStatus(code, out, http.StatusOK)
		printJSON(out)

	case "delete":
		code, out := c.do(http.MethodDelete, path, nil)
		expectStatus(code, out, http.StatusOK)
		printJSON(out)

	case "probe":
		var body interface{}
		if *payload != "" {
			body = json.RawMessage(*payload)
		}
		code, out := c.do(http.MethodPost, path+"/probe", body)
		expectStatus(code, out, http.StatusOK)
		printJSON(out)

	default:
		usage()
	}
}

func tokenMint(args []string) {
	fs := flag.NewFlagSet("token mint", flag.ExitOnError)
	secret := fs.String("secret", "", "HMAC signing secret (default SLIPWAY_AUTH_SECRET)")
	subject := fs.String("subject", "slipwayctl", "token subject")
	ttl := fs.Duration("ttl", 12*time.Hour, "token lifetime")
	_ = fs.Parse(args)

	s := *secret
	if s == "" {
		s = os.Getenv("SLIPWAY_AUTH_SECRET")
	}
	if s == "" {
		fail("token mint requires -secret or SLIPWAY_AUTH_SECRET")
	}
	token, err := auth.MintToken([]byte(s), *subject, auth.WriteScope, *ttl)
	if err != nil {
		fail("mint token: %v", err)
	}
	fmt.Println(token)
}
