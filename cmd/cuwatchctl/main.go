// cuwatchctl is a small operator CLI for the cuwatch-web API.
//
// Usage:
//
//	cuwatchctl [-url http://localhost:8000] devices
//	cuwatchctl samples <device> [-limit 20]
//	cuwatchctl runs <device>
//	cuwatchctl control <device> '{"threshold": 2048}'
//	cuwatchctl session start <device> <duration_s>
//	cuwatchctl session stop <device>
//	cuwatchctl session status <device>
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
)

func main() {
	baseURL := flag.String("url", envOr("CUWATCH_URL", "http://localhost:8000"), "cuwatch-web base URL")
	limit := flag.Int("limit", 20, "sample/run listing limit")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
	}

	client := resty.New().
		SetBaseURL(*baseURL).
		SetTimeout(10 * time.Second).
		SetHeader("Accept", "application/json")

	var err error
	switch args[0] {
	case "devices":
		err = get(client, "/api/devices")
	case "samples":
		requireArgs(args, 2)
		err = get(client, fmt.Sprintf("/api/samples/%s?limit=%d", args[1], *limit))
	case "runs":
		requireArgs(args, 2)
		err = get(client, fmt.Sprintf("/api/runs/%s?limit=%d", args[1], *limit))
	case "control":
		requireArgs(args, 3)
		var payload map[string]interface{}
		if err := json.Unmarshal([]byte(args[2]), &payload); err != nil {
			fatal(fmt.Errorf("payload must be a JSON object: %w", err))
		}
		err = post(client, "/api/control/"+args[1], payload)
	case "session":
		requireArgs(args, 3)
		switch args[1] {
		case "start":
			requireArgs(args, 4)
			durationS, convErr := strconv.Atoi(args[3])
			if convErr != nil {
				fatal(fmt.Errorf("duration_s must be an integer: %w", convErr))
			}
			err = post(client, fmt.Sprintf("/api/session/%s/start", args[2]),
				map[string]interface{}{"duration_s": durationS})
		case "stop":
			err = post(client, fmt.Sprintf("/api/session/%s/stop", args[2]), nil)
		case "status":
			err = get(client, "/api/session/"+args[2])
		default:
			usage()
		}
	default:
		usage()
	}

	if err != nil {
		fatal(err)
	}
}

func get(client *resty.Client, path string) error {
	resp, err := client.R().Get(path)
	return report(resp, err)
}

func post(client *resty.Client, path string, body interface{}) error {
	req := client.R().SetHeader("Content-Type", "application/json")
	if body == nil {
		body = map[string]interface{}{}
	}
	resp, err := req.SetBody(body).Post(path)
	return report(resp, err)
}

func report(resp *resty.Response, err error) error {
	if err != nil {
		return err
	}
	fmt.Println(string(resp.Body()))
	if resp.IsError() {
		return fmt.Errorf("server returned %s", resp.Status())
	}
	return nil
}

func requireArgs(args []string, n int) {
	if len(args) < n {
		usage()
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: cuwatchctl [-url URL] devices | samples <device> | runs <device> | control <device> <json> | session start|stop|status <device> [duration_s]")
	os.Exit(2)
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "cuwatchctl:", err)
	os.Exit(1)
}
