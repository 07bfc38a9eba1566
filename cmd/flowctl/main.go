// Command flowctl is a thin operator CLI over the RPC lifecycle surface:
// start flows, list registered classes, and watch the state-machine feed.
package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	flags "github.com/jessevdk/go-flags"

	"github.com/ledgerflow/flow/rpc"
)

var green = color.New(color.FgGreen).SprintFunc()
var yellow = color.New(color.FgYellow).SprintFunc()
var red = color.New(color.FgRed).SprintFunc()

type rootOpts struct {
	Addr  string `long:"addr" env:"FLOW_RPC_ADDR" default:"localhost:7070" description:"node RPC address"`
	Token string `long:"token" env:"FLOW_TOKEN" required:"true" description:"bearer token for the StartFlow.* permission gate"`
}

type cmdStart struct {
	rootOpts
	Class string `long:"class" required:"true" description:"fully-qualified flow class name"`
	Args  string `long:"args" default:"{}" description:"JSON-encoded constructor arguments"`
}

func (c *cmdStart) Execute(_ []string) error {
	client, closer, err := dial(c.rootOpts)
	if err != nil {
		return err
	}
	defer closer()

	resp, err := client.StartFlow(context.Background(), &rpc.StartFlowRequest{ClassName: c.Class, ArgsJSON: []byte(c.Args)})
	if err != nil {
		return err
	}
	fmt.Println(green("started"), resp.RunID)
	return nil
}

type cmdTrack struct {
	rootOpts
	Class string `long:"class" required:"true" description:"fully-qualified flow class name"`
	Args  string `long:"args" default:"{}" description:"JSON-encoded constructor arguments"`
}

func (c *cmdTrack) Execute(_ []string) error {
	client, closer, err := dial(c.rootOpts)
	if err != nil {
		return err
	}
	defer closer()

	stream, err := client.StartTrackedFlow(context.Background(), &rpc.StartFlowRequest{ClassName: c.Class, ArgsJSON: []byte(c.Args)})
	if err != nil {
		return err
	}

	var handle rpc.FlowHandle
	if err := stream.RecvMsg(&handle); err != nil {
		return err
	}
	fmt.Println(green("started"), handle.RunID)

	for {
		var update rpc.ProgressUpdate
		if err := stream.RecvMsg(&update); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		if update.Done {
			if update.Error != "" {
				fmt.Println(red("failed:"), update.Error)
			} else {
				fmt.Println(green("completed"))
			}
			return nil
		}
		fmt.Println(yellow("progress:"), update.Step)
	}
}

type cmdList struct {
	rootOpts
}

func (c *cmdList) Execute(_ []string) error {
	client, closer, err := dial(c.rootOpts)
	if err != nil {
		return err
	}
	defer closer()

	resp, err := client.RegisteredFlows(context.Background())
	if err != nil {
		return err
	}
	for _, name := range resp.ClassNames {
		fmt.Println(name)
	}
	return nil
}

type cmdWatch struct {
	rootOpts
}

func (c *cmdWatch) Execute(_ []string) error {
	client, closer, err := dial(c.rootOpts)
	if err != nil {
		return err
	}
	defer closer()

	stream, err := client.StateMachinesFeed(context.Background())
	if err != nil {
		return err
	}
	for {
		var update rpc.StateMachineUpdate
		if err := stream.RecvMsg(&update); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		switch {
		case update.Added != nil:
			fmt.Println(green("+"), update.Added.RunID, update.Added.ClassName)
		case update.Removed != nil:
			if update.Removed.Error != "" {
				fmt.Println(red("-"), update.Removed.RunID, update.Removed.Error)
			} else {
				fmt.Println(yellow("-"), update.Removed.RunID)
			}
		}
	}
}

func dial(opts rootOpts) (*rpc.Client, func(), error) {
	conn, err := rpc.DialInsecure(opts.Addr)
	if err != nil {
		return nil, nil, fmt.Errorf("dialing %s: %w", opts.Addr, err)
	}
	return rpc.NewClient(conn, opts.Token), func() { _ = conn.Close() }, nil
}

func main() {
	parser := flags.NewParser(nil, flags.HelpFlag|flags.PassDoubleDash)

	if _, err := parser.AddCommand("start", "Start a flow", "Start a flow and print its run-id.", &cmdStart{}); err != nil {
		panic(err)
	}
	if _, err := parser.AddCommand("track", "Start a flow and stream its progress", "Start a flow and print progress updates until it terminates.", &cmdTrack{}); err != nil {
		panic(err)
	}
	if _, err := parser.AddCommand("list", "List registered flow classes", "List every RPC-startable flow class.", &cmdList{}); err != nil {
		panic(err)
	}
	if _, err := parser.AddCommand("watch", "Watch the state-machine feed", "Stream flow Added/Removed events as they happen.", &cmdWatch{}); err != nil {
		panic(err)
	}

	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, red(err.Error()))
		os.Exit(1)
	}
}
