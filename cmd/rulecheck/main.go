// Package main provides rulecheck, a validation tool for clinical ruleset
// files. It parses the ruleset, reports every structural defect, and exits
// non-zero when the file would be rejected by the server.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/precise-hbr-cdss/internal/ruleset"
)

func main() {
	path := flag.String("ruleset", "ruleset.json", "path to the clinical ruleset file")
	flag.Parse()
	if flag.NArg() > 0 {
		*path = flag.Arg(0)
	}

	os.Exit(run(*path, os.Stdout, os.Stderr))
}

func run(path string, stdout, stderr *os.File) int {
	data, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(stderr, "rulecheck: %v\n", err)
		return 1
	}

	var rs ruleset.Ruleset
	if err := json.Unmarshal(data, &rs); err != nil {
		fmt.Fprintf(stderr, "rulecheck: parse %s: %v\n", path, err)
		return 1
	}

	problems := rs.Problems()
	if len(problems) == 0 {
		fmt.Fprintf(stdout, "%s: ok (version %s)\n", path, rs.Version)
		return 0
	}

	for _, p := range problems {
		fmt.Fprintf(stderr, "%s: %v\n", path, p)
	}
	fmt.Fprintf(stderr, "%s: %d defect(s) found\n", path, len(problems))
	return 1
}
