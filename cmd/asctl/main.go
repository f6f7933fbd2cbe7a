// Command asctl validates and inspects a policy file offline, without
// standing up the daemon -- the same role the teacher's cmd/verify
// plays for its own system, but against a policy file instead of a
// live deployment.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/google/uuid"

	"github.com/epics-asg/accessd/internal/asdump"
	"github.com/epics-asg/accessd/internal/asparser"
)

func main() {
	var (
		format      = flag.String("format", "text", "dump format: text or json")
		useClientIP = flag.Bool("use-client-ip", false, "resolve hostnames instead of treating HAG entries as literals")
	)
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [flags] <policy-file>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	path := flag.Arg(0)
	data, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "asctl: %v\n", err)
		os.Exit(1)
	}

	opts := asparser.Options{UseClientIP: *useClientIP}
	snap, err := asparser.Parse(string(data), opts, uuid.NewString())
	if err != nil {
		fmt.Fprintf(os.Stderr, "asctl: %s: %v\n", path, err)
		os.Exit(1)
	}

	switch *format {
	case "json":
		out, err := asdump.JSON(snap)
		if err != nil {
			fmt.Fprintf(os.Stderr, "asctl: failed to render dump: %v\n", err)
			os.Exit(1)
		}
		os.Stdout.Write(out)
		fmt.Println()
	case "text":
		fmt.Print(asdump.Text(snap))
	default:
		fmt.Fprintf(os.Stderr, "asctl: unknown format %q\n", *format)
		os.Exit(2)
	}
}
