package main

import (
	"encoding/json"
	"fmt"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/agent462/fleetrun/internal/discover"
	"github.com/agent462/fleetrun/internal/executor"
	"github.com/agent462/fleetrun/internal/logging"
	"github.com/agent462/fleetrun/internal/step"
)

type hostRow struct {
	Name      string `json:"name"`
	Hostname  string `json:"hostname"`
	User      string `json:"user,omitempty"`
	Port      int    `json:"port"`
	ProxyJump string `json:"proxy_jump,omitempty"`
}

func newHostsCmd(a *app) *cobra.Command {
	var (
		t    target
		scan string
		port int
	)
	cmd := &cobra.Command{
		Use:   "hosts",
		Short: "List the hosts a round would dispatch to",
		Long: `List the hosts a round would dispatch to.

With --scan, probe a subnet instead and list the addresses that accept
connections on the SSH port, for seeding an inventory group.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var (
				hosts []executor.Host
				err   error
			)
			if scan != "" {
				hosts, err = discover.Scan(cmd.Context(), scan, discover.Options{
					Port:    port,
					Timeout: time.Second,
					Logger:  logging.FromContext(cmd.Context()),
				})
				if err != nil {
					return step.Fatalf("scan", err)
				}
			} else {
				hosts, err = a.resolve(t)
				if err != nil {
					return err
				}
			}

			rows := make([]hostRow, len(hosts))
			for i, h := range hosts {
				rows[i] = hostRow{Name: h.Name, Hostname: h.Address(), User: h.User, Port: h.Port, ProxyJump: h.ProxyJump}
			}

			if a.outputFormat() == "json" {
				enc := json.NewEncoder(a.stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(rows)
			}

			w := tabwriter.NewWriter(a.stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tHOSTNAME\tUSER\tPORT\tPROXYJUMP")
			for _, r := range rows {
				fmt.Fprintln(w, r.Name+"\t"+r.Hostname+"\t"+dash(r.User)+"\t"+strconv.Itoa(r.Port)+"\t"+dash(r.ProxyJump))
			}
			return w.Flush()
		},
	}
	targetFlags(cmd, &t)
	cmd.Flags().StringVar(&scan, "scan", "", "probe this IPv4 CIDR for SSH servers instead of reading the inventory")
	cmd.Flags().IntVar(&port, "port", 22, "port probed by --scan")
	return cmd
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
