package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"text/tabwriter"
)

var version = "dev"

func main() {
	addr := flag.String("addr", "http://localhost:8080", "stratakvd API address")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	switch args[0] {
	case "version":
		fmt.Printf("strata-ctl %s\n", version)
	case "status":
		cmdStatus(*addr)
	case "stats":
		cmdStats(*addr)
	case "classes":
		cmdClasses(*addr)
	case "violations":
		limit := "50"
		if len(args) > 1 {
			limit = args[1]
		}
		cmdViolations(*addr, limit)
	case "score":
		cmdScore(*addr)
	case "keys":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: strata-ctl keys <class> [prefix]")
			os.Exit(1)
		}
		prefix := ""
		if len(args) > 2 {
			prefix = args[2]
		}
		cmdKeys(*addr, args[1], prefix)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `strata-ctl - tiered storage management CLI

Usage:
  strata-ctl [flags] <command> [args]

Commands:
  status                  Show backend health and class count
  stats                   Show cache and backend statistics
  classes                 List storage class bindings
  violations [limit]      Show recent guard violations
  score                   Show the composite health assessment
  keys <class> [prefix]   List keys in a storage class
  version                 Show version

Flags:
  -addr string   API address (default "http://localhost:8080")`)
}

func cmdStatus(addr string) {
	resp, err := http.Get(addr + "/v1/status")
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	printJSON(resp.Body)
}

func cmdStats(addr string) {
	resp, err := http.Get(addr + "/v1/stats")
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	printJSON(resp.Body)
}

func cmdClasses(addr string) {
	resp, err := http.Get(addr + "/v1/classes")
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	var classes []map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&classes); err != nil {
		fmt.Fprintf(os.Stderr, "error decoding response: %v\n", err)
		os.Exit(1)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CLASS\tPRIMARY\tFALLBACK\tDUAL_READ")
	for _, c := range classes {
		fb := c["fallback"]
		if fb == nil {
			fb = "-"
		}
		fmt.Fprintf(w, "%v\t%v\t%v\t%v\n", c["class"], c["primary"], fb, c["dual_read"])
	}
	w.Flush()
}

func cmdViolations(addr, limit string) {
	resp, err := http.Get(addr + "/v1/violations?limit=" + url.QueryEscape(limit))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	var violations []map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&violations); err != nil {
		fmt.Fprintf(os.Stderr, "error decoding response: %v\n", err)
		os.Exit(1)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tCLASS\tOP\tTYPE\tSEVERITY\tACTION\tKEY")
	for _, v := range violations {
		fmt.Fprintf(w, "%v\t%v\t%v\t%v\t%v\t%v\t%v\n",
			v["timestamp"], v["storage_class"], v["operation"],
			v["violation_type"], v["severity"], v["action"], v["key"])
	}
	w.Flush()
}

func cmdScore(addr string) {
	resp, err := http.Get(addr + "/v1/health/score")
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	printJSON(resp.Body)
}

func cmdKeys(addr, class, prefix string) {
	u := addr + "/v1/keys/" + url.PathEscape(class)
	if prefix != "" {
		u += "?prefix=" + url.QueryEscape(prefix)
	}
	resp, err := http.Get(u)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	var out struct {
		Class   string   `json:"class"`
		Adapter string   `json:"adapter"`
		Count   int      `json:"count"`
		Keys    []string `json:"keys"`
		Error   string   `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		fmt.Fprintf(os.Stderr, "error decoding response: %v\n", err)
		os.Exit(1)
	}
	if out.Error != "" {
		fmt.Fprintf(os.Stderr, "error: %s\n", out.Error)
		os.Exit(1)
	}

	fmt.Printf("class %s via %s (%d keys)\n", out.Class, out.Adapter, out.Count)
	for _, k := range out.Keys {
		fmt.Println(k)
	}
}

func printJSON(r io.Reader) {
	var v interface{}
	if err := json.NewDecoder(r).Decode(&v); err != nil {
		fmt.Fprintf(os.Stderr, "error decoding response: %v\n", err)
		return
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}
