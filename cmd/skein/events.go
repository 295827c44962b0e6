package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/skein-sh/skein/pkg/types"
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Stream cluster lifecycle events",
	Long: `Stream lifecycle events from the control plane.

Connects to the server's HTTP endpoint and prints instance, group and
node events as they happen, until interrupted.`,
	RunE: runEvents,
}

func init() {
	eventsCmd.Flags().String("addr", "127.0.0.1:7422", "Server HTTP address")
	eventsCmd.Flags().StringSlice("type", nil, "Only show matching event types (prefix match)")
}

func runEvents(cmd *cobra.Command, args []string) error {
	addr, _ := cmd.Flags().GetString("addr")
	prefixes, _ := cmd.Flags().GetStringSlice("type")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		cancel()
	}()

	target := "http://" + addr + "/events"
	if len(prefixes) > 0 {
		q := url.Values{"type": prefixes}
		target += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %v", addr, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("event stream refused: %s", resp.Status)
	}

	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev types.Event
		if err := json.Unmarshal([]byte(line[len("data: "):]), &ev); err != nil {
			continue
		}
		printEvent(&ev)
	}
	if err := sc.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("event stream ended: %v", err)
	}
	return nil
}

func printEvent(ev *types.Event) {
	var parts []string
	if ev.InstanceID != "" {
		parts = append(parts, "instance="+ev.InstanceID)
	}
	if ev.GroupID != "" {
		parts = append(parts, "group="+ev.GroupID)
	}
	if ev.NodeID != "" {
		parts = append(parts, "node="+ev.NodeID)
	}
	if ev.Message != "" {
		parts = append(parts, ev.Message)
	}
	fmt.Printf("%s  %-18s %s\n",
		ev.Timestamp.Format("15:04:05"), ev.Type, strings.Join(parts, " "))
}
