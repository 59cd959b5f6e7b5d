// Command modemctl is a thin client for the gateway control protocol.
//
//	modemctl status
//	modemctl place_call +15551234567
//	modemctl answer | hangup | sim_status | ping
//	modemctl watch [category ...]
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"os"

	"github.com/google/uuid"
	flags "github.com/jessevdk/go-flags"

	"github.com/jaracil/modemgw/proto"
)

type options struct {
	Addr string `short:"a" long:"addr" description:"Gateway control address" default:"127.0.0.1:5555"`
	Args struct {
		Command string   `positional-arg-name:"command" required:"yes"`
		Rest    []string `positional-arg-name:"args"`
	} `positional-args:"yes"`
}

func main() {
	var opts options
	if _, err := flags.Parse(&opts); err != nil {
		os.Exit(1)
	}
	if err := run(opts); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(opts options) error {
	conn, err := net.Dial("tcp", opts.Addr)
	if err != nil {
		return err
	}
	defer conn.Close()
	rd := bufio.NewReader(conn)

	cmd := opts.Args.Command
	req := proto.Request{Command: cmd, RequestID: uuid.NewString()}

	switch cmd {
	case proto.CmdPlaceCall:
		if len(opts.Args.Rest) != 1 {
			return fmt.Errorf("usage: modemctl place_call <number>")
		}
		req.Params = mustParams(proto.PlaceCallParams{Number: opts.Args.Rest[0]})
	case "watch":
		req.Command = proto.CmdSubscribe
		req.Params = mustParams(proto.SubscribeParams{Events: opts.Args.Rest})
	case proto.CmdStatus, proto.CmdAnswer, proto.CmdHangup, proto.CmdSimStatus, proto.CmdPing:
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}

	if err := send(conn, req); err != nil {
		return err
	}
	line, err := rd.ReadBytes('\n')
	if err != nil {
		return err
	}
	printLine(line)

	if cmd != "watch" {
		var resp proto.Response
		if json.Unmarshal(line, &resp) == nil && resp.Status == proto.StatusError {
			os.Exit(1)
		}
		return nil
	}

	for {
		line, err := rd.ReadBytes('\n')
		if err != nil {
			return err
		}
		printLine(line)
	}
}

func mustParams(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func send(conn net.Conn, req proto.Request) error {
	b, err := json.Marshal(req)
	if err != nil {
		return err
	}
	_, err = conn.Write(append(b, '\n'))
	return err
}

// printLine re-indents a response line for the terminal, falling back to
// raw output for anything that does not parse.
func printLine(line []byte) {
	var obj map[string]any
	if err := json.Unmarshal(line, &obj); err != nil {
		os.Stdout.Write(line)
		return
	}
	out, err := json.MarshalIndent(obj, "", "  ")
	if err != nil {
		os.Stdout.Write(line)
		return
	}
	fmt.Println(string(out))
}
