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
)

func main() {
	addrFlag := flag.String("addr", "127.0.0.1:7411", "daemon control API address")
	jsonFlag := flag.Bool("json", false, "output raw JSON")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	c := &ctl{
		base:    "http://" + *addrFlag,
		client:  &http.Client{Timeout: 10 * time.Second},
		jsonOut: *jsonFlag,
	}

	switch args[0] {
	case "poll":
		c.post("/poll", nil)
	case "status":
		c.get("/status")
	case "messages":
		c.get("/messages")
	case "retry":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: relayctl retry <message-id>")
			os.Exit(1)
		}
		c.post("/retry/"+args[1], nil)
	case "bind":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: relayctl bind <url> [label]")
			os.Exit(1)
		}
		body := map[string]string{"url": args[1]}
		if len(args) > 2 {
			body["label"] = args[2]
		}
		c.post("/bind", body)
	case "unbind":
		c.post("/unbind", nil)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: relayctl [--addr <host:port>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  poll                 Run a sync cycle now")
	fmt.Fprintln(os.Stderr, "  status               Show daemon status")
	fmt.Fprintln(os.Stderr, "  messages             List the message window")
	fmt.Fprintln(os.Stderr, "  retry <message-id>   Retry delivery of a message")
	fmt.Fprintln(os.Stderr, "  bind <url> [label]   Bind the delivery destination")
	fmt.Fprintln(os.Stderr, "  unbind               Unbind the delivery destination")
}

type ctl struct {
	base    string
	client  *http.Client
	jsonOut bool
}

func (c *ctl) get(path string) {
	resp, err := c.client.Get(c.base + path)
	if err != nil {
		fail(err)
	}
	c.render(resp)
}

func (c *ctl) post(path string, body any) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			fail(err)
		}
		reader = bytes.NewReader(data)
	}
	resp, err := c.client.Post(c.base+path, "application/json", reader)
	if err != nil {
		fail(err)
	}
	c.render(resp)
}

func (c *ctl) render(resp *http.Response) {
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		fail(err)
	}

	if c.jsonOut {
		fmt.Println(string(data))
	} else {
		var pretty bytes.Buffer
		if json.Indent(&pretty, data, "", "  ") == nil {
			fmt.Println(pretty.String())
		} else {
			fmt.Println(string(data))
		}
	}

	if resp.StatusCode >= 400 {
		os.Exit(1)
	}
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "error: cannot reach daemon: %v\n", err)
	os.Exit(1)
}
