package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/celerix-dev/archivist/pkg/sdk"
)

type cli struct {
	base   string
	actor  string
	client *retryablehttp.Client
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		return
	}

	addr := os.Getenv("ARCHIVIST_HTTP_ADDR")
	if addr == "" {
		addr = "http://localhost:7002"
	}
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.Logger = nil
	c := &cli{base: strings.TrimSuffix(addr, "/") + "/api", actor: os.Getenv("ARCHIVIST_ACTOR"), client: rc}

	command := strings.ToUpper(os.Args[1])
	args := os.Args[2:]

	switch command {
	case "TOPICS":
		c.do("GET", "/topics", nil, nil)

	case "GET":
		if len(args) < 2 {
			log.Fatal("Usage: archivist GET <topic> <field=value>...")
		}
		c.do("GET", "/topics/"+args[0], query(args[1:]), nil)

	case "LIST":
		if len(args) < 1 {
			log.Fatal("Usage: archivist LIST <topic> [field=value]...")
		}
		c.do("GET", "/topics/"+args[0]+"/list", query(args[1:]), nil)

	case "SET", "ADD":
		if len(args) < 3 {
			log.Fatalf("Usage: archivist %s <topic> <value> <field=value>...", command)
		}
		var val any
		if err := json.Unmarshal([]byte(args[1]), &val); err != nil {
			// If not valid JSON, treat as string
			val = args[1]
		}
		method := "PUT"
		if command == "ADD" {
			method = "POST"
		}
		c.do(method, "/topics/"+args[0], query(args[2:]), val)

	case "DIFF":
		if len(args) < 3 {
			log.Fatal("Usage: archivist DIFF <topic> <json-patch> <field=value>...")
		}
		c.do("PATCH", "/topics/"+args[0], query(args[2:]), json.RawMessage(args[1]))

	case "TOUCH":
		if len(args) < 3 {
			log.Fatal("Usage: archivist TOUCH <topic> <ttl> <field=value>...")
		}
		q := query(args[2:])
		q.Set("ttl", args[1])
		c.do("POST", "/topics/"+args[0]+"/touch", q, nil)

	case "DEL":
		if len(args) < 2 {
			log.Fatal("Usage: archivist DEL <topic> <field=value>...")
		}
		c.do("DELETE", "/topics/"+args[0], query(args[1:]), nil)

	case "MGET":
		if len(args) < 1 {
			log.Fatal(`Usage: archivist MGET '[{"topic":"t","index":{"id":1}}]'`)
		}
		c.do("POST", "/mget", nil, map[string]any{"refs": json.RawMessage(args[0]), "optional": true})

	case "MIGRATE":
		if len(args) < 3 {
			log.Fatal("Usage: archivist MIGRATE <topic> <fromVault> <toVault>")
		}
		c.do("POST", "/migrate", nil, map[string]string{"topic": args[0], "from": args[1], "to": args[2]})

	case "WATCH":
		if len(args) < 1 {
			log.Fatal("Usage: archivist WATCH <actorID>")
		}
		watch(args[0])

	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
	}
}

// query turns field=value arguments into index query parameters.
func query(pairs []string) url.Values {
	q := url.Values{}
	for _, p := range pairs {
		name, val, ok := strings.Cut(p, "=")
		if !ok {
			log.Fatalf("invalid index field %q, expected field=value", p)
		}
		q.Set(name, val)
	}
	return q
}

func (c *cli) do(method, path string, q url.Values, body any) {
	var raw []byte
	if body != nil {
		var err error
		if raw, err = json.Marshal(body); err != nil {
			log.Fatal(err)
		}
	}

	target := c.base + path
	if len(q) > 0 {
		target += "?" + q.Encode()
	}
	req, err := retryablehttp.NewRequest(method, target, bytes.NewReader(raw))
	if err != nil {
		log.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.actor != "" {
		req.Header.Set("X-Actor-Id", c.actor)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		log.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		log.Fatal(err)
	}
	if resp.StatusCode == http.StatusNoContent {
		fmt.Println("(none)")
		return
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		fmt.Println(string(data))
	} else {
		printJSON(out)
	}
	if resp.StatusCode >= 400 {
		os.Exit(1)
	}
}

// watch prints every push event addressed to actorID until interrupted.
func watch(actorID string) {
	addr := os.Getenv("ARCHIVIST_PUSH_ADDR")
	if addr == "" {
		addr = "localhost:7001"
	}

	client, err := sdk.Connect(addr, actorID)
	if err != nil {
		log.Fatalf("Failed to connect to %s: %v", addr, err)
	}
	defer client.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	for {
		ev, err := client.Next(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.Print(err)
			}
			return
		}
		printJSON(ev)
	}
}

func printUsage() {
	fmt.Println("Archivist CLI - Interface for the archivist daemon")
	fmt.Println("\nUsage:")
	fmt.Println("  archivist TOPICS")
	fmt.Println("  archivist GET <topic> <field=value>...")
	fmt.Println("  archivist LIST <topic> [field=value]...")
	fmt.Println("  archivist SET <topic> <value> <field=value>...")
	fmt.Println("  archivist ADD <topic> <value> <field=value>...")
	fmt.Println("  archivist DIFF <topic> <json-patch> <field=value>...")
	fmt.Println("  archivist TOUCH <topic> <ttl> <field=value>...")
	fmt.Println("  archivist DEL <topic> <field=value>...")
	fmt.Println("  archivist MGET <refs-json>")
	fmt.Println("  archivist MIGRATE <topic> <fromVault> <toVault>")
	fmt.Println("  archivist WATCH <actorID>")
	fmt.Println("\nEnvironment Variables:")
	fmt.Println("  ARCHIVIST_HTTP_ADDR    Address of the HTTP API (default: http://localhost:7002)")
	fmt.Println("  ARCHIVIST_PUSH_ADDR    Address of the push channel (default: localhost:7001)")
	fmt.Println("  ARCHIVIST_ACTOR        Actor ID sent with every request")
	fmt.Println("  ARCHIVIST_DISABLE_TLS  Set to true to disable TLS on the push channel")
}

func printJSON(v any) {
	bytes, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Println(v)
		return
	}
	fmt.Println(string(bytes))
}
