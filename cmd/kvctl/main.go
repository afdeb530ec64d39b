// Command kvctl is a thin client for issuing PUT/GET/DELETE requests
// against a running kvnode from a shell.
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/you/kvcluster/internal/kv"
)

func main() {
	var addr string

	root := &cobra.Command{
		Use:           "kvctl",
		Short:         "Talk to a kvcluster node",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.PersistentFlags().StringVar(&addr, "node", "127.0.0.1:8888", "node main-listener address (host:port)")

	root.AddCommand(getCmd(&addr))
	root.AddCommand(putCmd(&addr))
	root.AddCommand(deleteCmd(&addr))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func call(addr string, req kv.Request) (kv.Response, error) {
	return kv.NewTransport().Call(addr, req)
}

func printResponse(resp kv.Response) error {
	out, err := json.MarshalIndent(resp, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	if resp.Status == kv.StatusError {
		os.Exit(1)
	}
	return nil
}

func getCmd(addr *string) *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Fetch a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := call(*addr, kv.Request{Action: kv.ActionGet, Key: args[0]})
			if err != nil {
				return err
			}
			return printResponse(resp)
		},
	}
}

func putCmd(addr *string) *cobra.Command {
	return &cobra.Command{
		Use:   "put <key> <value>",
		Short: "Store a key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := call(*addr, kv.Request{Action: kv.ActionPut, Key: args[0], Value: encodeValue(args[1])})
			if err != nil {
				return err
			}
			return printResponse(resp)
		},
	}
}

// encodeValue lets the CLI accept either a bare string ("Hello") or a
// literal JSON document ('{"a":1}', "42", "true") for <value>: if the
// argument already parses as JSON it's forwarded verbatim, otherwise it's
// quoted into a JSON string.
func encodeValue(arg string) json.RawMessage {
	if json.Valid([]byte(arg)) {
		return json.RawMessage(arg)
	}
	encoded, _ := json.Marshal(arg)
	return encoded
}

func deleteCmd(addr *string) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <key>",
		Short: "Delete a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := call(*addr, kv.Request{Action: kv.ActionDelete, Key: args[0]})
			if err != nil {
				return err
			}
			return printResponse(resp)
		},
	}
}
