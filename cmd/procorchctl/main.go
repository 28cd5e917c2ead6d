// procorchctl is the operator CLI for procorchd's HTTP control plane: start,
// pause, stop, and clear pipelines, enqueue images or whole folders, and
// print pipeline status.
//
// Usage:
//
//	procorchctl status
//	procorchctl start <pipeline>
//	procorchctl pause <pipeline>
//	procorchctl stop <pipeline>
//	procorchctl clear <pipeline>
//	procorchctl enqueue <pipeline> <image_id> [image_id...]
//	procorchctl enqueue-folder <pipeline> <folder> [--recursive]
//	procorchctl start-all | pause-all | stop-all | clear-all
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"
	flag "github.com/spf13/pflag"

	"github.com/codeready-toolchain/procorch/pkg/version"
)

func main() {
	addr := flag.StringP("addr", "a", getEnv("PROCORCHCTL_ADDR", "http://localhost:8080"), "procorchd control-plane address")
	recursive := flag.Bool("recursive", true, "recurse into subfolders (enqueue-folder only)")
	priority := flag.Int("priority", 0, "queue priority (higher claims first)")
	noColor := flag.Bool("no-color", false, "disable colored output")
	flag.Parse()

	if *noColor || os.Getenv("NO_COLOR") != "" {
		color.NoColor = true
	}

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(1)
	}

	client := &controlClient{addr: *addr, http: &http.Client{Timeout: 30 * time.Second}}
	cmd, rest := args[0], args[1:]

	var err error
	switch cmd {
	case "version":
		fmt.Println(version.Full())
		return
	case "status":
		err = client.status()
	case "start":
		err = client.pipelineOp(rest, "start")
	case "pause":
		err = client.pipelineOp(rest, "pause")
	case "stop":
		err = client.pipelineOp(rest, "stop")
	case "clear":
		err = client.pipelineOp(rest, "clear")
	case "start-all":
		err = client.allOp("start_all")
	case "pause-all":
		err = client.allOp("pause_all")
	case "stop-all":
		err = client.allOp("stop_all")
	case "clear-all":
		err = client.allOp("clear_all")
	case "enqueue":
		err = client.enqueue(rest, *priority)
	case "enqueue-folder":
		err = client.enqueueFolder(rest, *recursive, *priority)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("error: %v", err))
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprint(os.Stderr, `Usage:
  procorchctl version
  procorchctl status
  procorchctl start <pipeline>
  procorchctl pause <pipeline>
  procorchctl stop <pipeline>
  procorchctl clear <pipeline>
  procorchctl start-all | pause-all | stop-all | clear-all
  procorchctl enqueue <pipeline> <image_id> [image_id...] [--priority N]
  procorchctl enqueue-folder <pipeline> <folder> [--recursive] [--priority N]

Pipelines: tagging, captioning, embedding, face_detection

Global flags:
  -a, --addr string   procorchd control-plane address (default "http://localhost:8080")
      --no-color      disable colored output
`)
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

// controlClient is a thin wrapper over procorchd's HTTP control plane.
type controlClient struct {
	addr string
	http *http.Client
}

func (c *controlClient) get(path string, out any) error {
	req, err := http.NewRequest(http.MethodGet, c.addr+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", version.Full())
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decodeOrError(resp, out)
}

func (c *controlClient) post(path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(buf)
	}
	req, err := http.NewRequest(http.MethodPost, c.addr+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", version.Full())
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decodeOrError(resp, out)
}

func decodeOrError(resp *http.Response, out any) error {
	if resp.StatusCode >= 400 {
		var body struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&body)
		if body.Error == "" {
			body.Error = resp.Status
		}
		return fmt.Errorf("%s", body.Error)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *controlClient) status() error {
	var resp struct {
		Pipelines map[string]string `json:"pipelines"`
	}
	if err := c.get("/status", &resp); err != nil {
		return err
	}
	for _, p := range []string{"tagging", "captioning", "embedding", "face_detection"} {
		state, ok := resp.Pipelines[p]
		if !ok {
			continue
		}
		fmt.Printf("%-16s %s\n", p, colorForState(state)(state))
	}
	return nil
}

func colorForState(state string) func(format string, a ...interface{}) string {
	switch state {
	case "running":
		return color.GreenString
	case "paused", "pausing", "stopping", "starting":
		return color.YellowString
	case "stopped":
		return color.New(color.FgHiBlack).SprintfFunc()
	default:
		return color.WhiteString
	}
}

func requirePipeline(args []string) (string, []string, error) {
	if len(args) == 0 {
		return "", nil, fmt.Errorf("expected a pipeline name")
	}
	return args[0], args[1:], nil
}

func (c *controlClient) pipelineOp(args []string, op string) error {
	pipeline, _, err := requirePipeline(args)
	if err != nil {
		return err
	}
	var resp struct {
		Status string `json:"status"`
	}
	if err := c.post(fmt.Sprintf("/pipelines/%s/%s", pipeline, op), nil, &resp); err != nil {
		return err
	}
	fmt.Println(color.CyanString("%s: %s", pipeline, resp.Status))
	return nil
}

func (c *controlClient) allOp(op string) error {
	var resp struct {
		Status string `json:"status"`
	}
	if err := c.post("/control/"+op, nil, &resp); err != nil {
		return err
	}
	fmt.Println(color.CyanString(resp.Status))
	return nil
}

func (c *controlClient) enqueue(args []string, priority int) error {
	pipeline, rest, err := requirePipeline(args)
	if err != nil {
		return err
	}
	if len(rest) == 0 {
		return fmt.Errorf("expected at least one image_id")
	}
	ids := make([]int64, 0, len(rest))
	for _, a := range rest {
		id, err := strconv.ParseInt(a, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid image_id %q: %w", a, err)
		}
		ids = append(ids, id)
	}

	body := struct {
		ImageIDs []int64 `json:"image_ids"`
		Priority int     `json:"priority"`
	}{ImageIDs: ids, Priority: priority}

	var resp struct {
		Enqueued int `json:"enqueued"`
	}
	if err := c.post(fmt.Sprintf("/pipelines/%s/enqueue", pipeline), body, &resp); err != nil {
		return err
	}
	fmt.Println(color.GreenString("enqueued %d image(s) for %s", resp.Enqueued, pipeline))
	return nil
}

func (c *controlClient) enqueueFolder(args []string, recursive bool, priority int) error {
	pipeline, rest, err := requirePipeline(args)
	if err != nil {
		return err
	}
	if len(rest) == 0 {
		return fmt.Errorf("expected a folder path")
	}
	folder := rest[0]

	bar := progressbar.NewOptions(-1,
		progressbar.OptionSetDescription(fmt.Sprintf("scanning %s", folder)),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionSetWriter(os.Stderr),
	)
	stopSpin := make(chan struct{})
	go func() {
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				_ = bar.Add(1)
			case <-stopSpin:
				return
			}
		}
	}()
	defer func() {
		close(stopSpin)
		_ = bar.Finish()
		fmt.Fprintln(os.Stderr)
	}()

	body := struct {
		Folder    string `json:"folder"`
		Recursive bool   `json:"recursive"`
		Priority  int    `json:"priority"`
	}{Folder: folder, Recursive: recursive, Priority: priority}

	var resp struct {
		Enqueued int `json:"enqueued"`
	}
	if err := c.post(fmt.Sprintf("/pipelines/%s/enqueue_folder", pipeline), body, &resp); err != nil {
		return err
	}
	fmt.Println(color.GreenString("enqueued %d image(s) for %s from %s", resp.Enqueued, pipeline, folder))
	return nil
}
