// Command meshfetch is a small demonstration driver for httpasync: it
// fetches a single URL, following redirects only if told to, and writes
// the response body to stdout or a file.
package main

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/mbenkmann/golib/argv"
	"github.com/mbenkmann/golib/util"

	"github.com/mbenkmann/gtkg-transport/bio"
	"github.com/mbenkmann/gtkg-transport/httpasync"
)

const (
	UNKNOWN = iota
	HELP
	OUTPUT
	TIMEOUT
	REDIRECT
	VERBOSE
)

var usage = argv.Usage{
	{UNKNOWN, 1, "", "", argv.ArgUnknown, `NAME
    meshfetch - fetch a single HTTP URL through httpasync

SYNOPSIS
    meshfetch [OPTIONS] <url>

OPTIONS
`},
	{HELP, 1, "", "help", argv.ArgNone, "    --help \tPrint usage and exit.\n"},
	{OUTPUT, 1, "o", "output", argv.ArgRequired, "    -o file, --output=file \tWrite the response body to file instead of stdout.\n"},
	{TIMEOUT, 1, "", "timeout", argv.ArgInt, "    --timeout=seconds \tGeneral I/O timeout in seconds. Default 90.\n"},
	{REDIRECT, 1, "", "follow-redirects", argv.ArgNone, "    --follow-redirects \tFollow a single 301/302/303/307 hop.\n"},
	{VERBOSE, 1, "v", "verbose", argv.ArgNone, "    -v, --verbose \tIncrease verbosity of log output. More -v switches mean more verbosity.\n"},
}

func check(what string, err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v: %v\n", what, err)
		os.Exit(1)
	}
}

func main() {
	util.LogLevel = 1

	options, extra, err, _ := argv.Parse(os.Args[1:], usage, "gnu -perl --abb")
	check("parse command line", err)

	util.LogLevel = options[VERBOSE].Count()

	if options[HELP].Is(1) {
		fmt.Fprintf(os.Stdout, "%v\n", usage)
		os.Exit(0)
	}

	if len(extra) != 1 {
		fmt.Fprintln(os.Stderr, "usage: meshfetch [OPTIONS] <url>")
		os.Exit(1)
	}
	url := extra[0]

	out := io.Writer(os.Stdout)
	if options[OUTPUT].Count() > 0 {
		f, err := os.Create(options[OUTPUT].Last().Arg)
		check("creating output file", err)
		defer f.Close()
		out = f
	}

	timeout := 90 * time.Second
	if options[TIMEOUT].Count() > 0 {
		timeout = time.Duration(options[TIMEOUT].Last().Value.(int)) * time.Second
	}

	scheduler, err := bio.NewBandwidthScheduler(0, 0, time.Now, nil)
	check("creating bandwidth scheduler", err)

	engine := httpasync.NewEngine(scheduler, nil)
	engine.SetTimeouts(30*time.Second, timeout)

	done := make(chan struct{})
	var exitCode int

	headerInd := func(req *httpasync.Request, header http.Header, code int, message string) httpasync.Verdict {
		util.Log(1, "HTTP %d %s", code, message)
		for k, vs := range header {
			for _, v := range vs {
				util.Log(2, "%s: %s", k, v)
			}
		}
		return httpasync.Continue
	}
	dataInd := func(req *httpasync.Request, data []byte) {
		if data == nil {
			close(done)
			return
		}
		out.Write(data)
	}
	errorInd := func(req *httpasync.Request, typ httpasync.ErrType, detail interface{}) {
		httpasync.DefaultLogger(req, typ, detail)
		if typ != httpasync.ErrTypeAsync || detail != httpasync.Closed {
			exitCode = 1
		}
		select {
		case <-done:
		default:
			close(done)
		}
	}

	req, err := engine.Get(url, headerInd, dataInd, errorInd)
	check("starting request", err)
	req.AllowRedirects(options[REDIRECT].Count() > 0)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			os.Exit(exitCode)
		case now := <-ticker.C:
			engine.Tick(now)
		}
	}
}
