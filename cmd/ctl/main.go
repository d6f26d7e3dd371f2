package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

type client struct {
	baseURL string
	http    *http.Client
}

func newRootCommand() *cobra.Command {
	c := &client{http: &http.Client{Timeout: 15 * time.Second}}
	root := &cobra.Command{
		Use:          "harnessctl",
		Short:        "Inspect a cluster harness coordinator",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&c.baseURL, "url", getenvDefault("HARNESS_URL", "http://127.0.0.1:8080"), "coordinator HTTP API")

	root.AddCommand(
		newNodesCommand(c),
		newNodeCommand(c),
		newFilesCommand(c),
		newStateCommand(c),
	)
	return root
}

func newNodesCommand(c *client) *cobra.Command {
	return &cobra.Command{
		Use:   "nodes",
		Short: "List the agents connected to the hub",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.get(cmd.OutOrStdout(), "/nodes")
		},
	}
}

func newNodeCommand(c *client) *cobra.Command {
	return &cobra.Command{
		Use:   "node <nodeID>",
		Short: "Show one connected agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.get(cmd.OutOrStdout(), "/nodes/"+url.PathEscape(args[0]))
		},
	}
}

func newFilesCommand(c *client) *cobra.Command {
	return &cobra.Command{
		Use:   "files <nodeID> <path>",
		Short: "List the files and folders of a directory on an agent",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.get(cmd.OutOrStdout(), fmt.Sprintf("/nodes/%s/files?path=%s", url.PathEscape(args[0]), url.QueryEscape(args[1])))
		},
	}
}

func newStateCommand(c *client) *cobra.Command {
	return &cobra.Command{
		Use:   "state <nodeID> <instanceID> <server>",
		Short: "Show the state of a server installed on an agent",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.get(cmd.OutOrStdout(), fmt.Sprintf("/nodes/%s/instances/%s/servers/%s/state",
				url.PathEscape(args[0]), url.PathEscape(args[1]), url.PathEscape(args[2])))
		},
	}
}

func getenvDefault(k, def string) string {
	v := os.Getenv(k)
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

// get prints the pretty JSON body and fails on an error status.
func (c *client) get(out io.Writer, path string) error {
	res, err := c.http.Get(strings.TrimRight(c.baseURL, "/") + path)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, prettyJSON(body))
	if res.StatusCode >= 400 {
		return fmt.Errorf("coordinator answered %s", res.Status)
	}
	return nil
}

func prettyJSON(b []byte) string {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return string(b)
	}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return string(b)
	}
	return string(out)
}
