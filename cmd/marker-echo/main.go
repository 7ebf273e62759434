// marker-echo: prints marker poses published by a node.
//
//	marker-echo -url ws://localhost:8090/ws/markers
//	marker-echo -status http://localhost:8090
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/teslashibe/go-fiducial/internal/httpc"
	"github.com/teslashibe/go-fiducial/internal/log"
	"github.com/teslashibe/go-fiducial/pkg/ingest"
	"github.com/teslashibe/go-fiducial/pkg/protocol"
)

var (
	url     = flag.String("url", "ws://localhost:8090/ws/markers", "node markers topic")
	asJSON  = flag.Bool("json", false, "print raw JSON payloads")
	verbose = flag.Bool("v", false, "log connection events")
	status  = flag.String("status", "", "print /api/status of the node at this base URL and exit")
)

func main() {
	flag.Parse()
	level := "warn"
	if *verbose {
		level = "debug"
	}
	log.Init(level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *status != "" {
		if err := printStatus(ctx, *status); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	client := ingest.NewClient(*url, log.Component("marker-echo"))
	client.OnMessage = func(msg *protocol.Message) {
		if *asJSON {
			fmt.Println(string(msg.Data))
			return
		}
		switch msg.Type {
		case protocol.TypeMarkers:
			printMarkers(msg)
		case protocol.TypeTF:
			printTF(msg)
		default:
			fmt.Printf("%s (%d bytes)\n", msg.Type, len(msg.Data))
		}
	}
	client.OnError = func(err error) {
		log.Error("connection error", "error", err)
	}

	if err := client.Connect(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer client.Close()

	select {
	case <-ctx.Done():
	case <-client.Done():
	}
}

func printMarkers(msg *protocol.Message) {
	data, err := msg.GetMarkerArray()
	if err != nil {
		log.Warn("bad markers payload", "error", err)
		return
	}
	fmt.Printf("seq=%d frame=%s markers=%d\n", data.Seq, data.FrameID, len(data.Markers))
	for _, m := range data.Markers {
		p := m.Pose.Position
		fmt.Printf("  id=%-4d xyz=(%+.4f %+.4f %+.4f) dist=%.4f\n",
			m.ID, p.X, p.Y, p.Z, math.Sqrt(p.X*p.X+p.Y*p.Y+p.Z*p.Z))
	}
}

func printTF(msg *protocol.Message) {
	data, err := msg.GetTFData()
	if err != nil {
		log.Warn("bad tf payload", "error", err)
		return
	}
	for _, t := range data.Transforms {
		b, _ := json.Marshal(t.Translation)
		fmt.Printf("tf %s -> %s %s\n", t.FrameID, t.ChildFrameID, b)
	}
}

func printStatus(ctx context.Context, base string) error {
	var status map[string]any
	if err := httpc.GetJSON(ctx, strings.TrimRight(base, "/")+"/api/status", &status); err != nil {
		return err
	}
	out, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
