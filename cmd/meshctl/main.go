// Command meshctl inspects a running mesh RPC peer over its
// observability endpoint (SPEC_FULL.md §A.5): the live service
// catalogue, trusted key store, and per-peer queue depths.
//
// Adapted from the teacher's cmd/pilotctl, repointed at the RPC
// runtime's HTTP debug surface instead of pkg/driver's Unix-socket IPC
// (see DESIGN.md, "Dropped teacher modules"). Built on
// github.com/urfave/cli/v2, grounded on viamrobotics-rdk/cli/app.go's
// App/Command/Subcommand structure rather than the teacher's own
// hand-rolled os.Args switch.
package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sort"

	"github.com/urfave/cli/v2"

	"github.com/meshrpc/meshrpc/pkg/observe"
)

func main() {
	app := &cli.App{
		Name:            "meshctl",
		Usage:           "inspect a running meshrpc peer",
		HideHelpCommand: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "addr",
				Value: "http://127.0.0.1:8090",
				Usage: "base URL of the peer's observability endpoint",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "peers",
				Usage:  "list connected peers and their outbound queue depth",
				Action: peersAction,
			},
			{
				Name:   "catalogue",
				Usage:  "list services and the peers hosting each one",
				Action: catalogueAction,
			},
			{
				Name:   "trust",
				Usage:  "list trusted peer names",
				Action: trustAction,
			},
			{
				Name:   "stats",
				Usage:  "print the full observability snapshot as JSON",
				Action: statsAction,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "meshctl:", err)
		os.Exit(1)
	}
}

func fetchSnapshot(c *cli.Context) (observe.Snapshot, error) {
	resp, err := http.Get(c.String("addr") + "/stats")
	if err != nil {
		return observe.Snapshot{}, fmt.Errorf("fetch snapshot: %w", err)
	}
	defer resp.Body.Close()

	var snap observe.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return observe.Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, nil
}

func peersAction(c *cli.Context) error {
	snap, err := fetchSnapshot(c)
	if err != nil {
		return err
	}
	names := append([]string(nil), snap.Peers...)
	sort.Strings(names)
	for _, p := range names {
		fmt.Printf("%s\tqueue=%d\n", p, snap.QueueDepths[p])
	}
	return nil
}

func catalogueAction(c *cli.Context) error {
	snap, err := fetchSnapshot(c)
	if err != nil {
		return err
	}
	services := make([]string, 0, len(snap.Catalogue))
	for s := range snap.Catalogue {
		services = append(services, s)
	}
	sort.Strings(services)
	for _, s := range services {
		fmt.Printf("%s\t%v\n", s, snap.Catalogue[s])
	}
	return nil
}

func trustAction(c *cli.Context) error {
	snap, err := fetchSnapshot(c)
	if err != nil {
		return err
	}
	names := append([]string(nil), snap.TrustedKeys...)
	sort.Strings(names)
	for _, n := range names {
		fmt.Println(n)
	}
	return nil
}

func statsAction(c *cli.Context) error {
	snap, err := fetchSnapshot(c)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(snap)
}
