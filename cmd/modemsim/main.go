// Command modemsim exposes a simulated modem on a pseudo-terminal so the
// gateway daemon can be run without hardware:
//
//	modemsim --pin 1234 --pin-required --dial "+15550001111=busy"
//	modemgw --device <printed pty path>
//
// A small stdin console drives the remote side: ring, dtmf, hangup, status.
package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/aymanbagabas/go-pty"
	flags "github.com/jessevdk/go-flags"

	"github.com/jaracil/modemgw/simulator"
)

type options struct {
	PIN          string   `long:"pin" description:"SIM PIN (empty disables the lock)"`
	PinRequired  bool     `long:"pin-required" description:"Start with the SIM locked"`
	Retries      int      `long:"retries" description:"Initial PIN attempt budget" default:"3"`
	RingInterval int      `long:"ring-interval" description:"Milliseconds between RING bursts" default:"2000"`
	Dial         []string `long:"dial" description:"Dial plan entry number=answer|busy|no-carrier|no-answer"`
}

func parseDialPlan(entries []string) (map[string]simulator.DialOutcome, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	plan := make(map[string]simulator.DialOutcome, len(entries))
	for _, e := range entries {
		number, outcome, ok := strings.Cut(e, "=")
		if !ok {
			return nil, fmt.Errorf("bad dial plan entry %q", e)
		}
		switch outcome {
		case "answer":
			plan[number] = simulator.DialAnswer
		case "busy":
			plan[number] = simulator.DialBusy
		case "no-carrier":
			plan[number] = simulator.DialNoCarrier
		case "no-answer":
			plan[number] = simulator.DialNoAnswer
		default:
			return nil, fmt.Errorf("bad dial outcome %q", outcome)
		}
	}
	return plan, nil
}

func main() {
	var opts options
	if _, err := flags.Parse(&opts); err != nil {
		os.Exit(1)
	}
	plan, err := parseDialPlan(opts.Dial)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	tty, err := pty.New()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer tty.Close()
	fmt.Printf("modem pty: %s\n", tty.Name())

	sim, err := simulator.New(&simulator.Config{
		TTY:          tty,
		DialPlan:     plan,
		RingInterval: time.Duration(opts.RingInterval) * time.Millisecond,
		PIN:          opts.PIN,
		PinRequired:  opts.PinRequired,
		Retries:      opts.Retries,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer sim.CloseSync()

	fmt.Println("commands: ring <number> | dtmf <digit> | hangup | status | quit")
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "ring":
			if len(fields) != 2 {
				fmt.Println("usage: ring <number>")
				continue
			}
			if err := sim.RingSync(fields[1]); err != nil {
				fmt.Println("ring:", err)
			}
		case "dtmf":
			if len(fields) != 2 {
				fmt.Println("usage: dtmf <digit>")
				continue
			}
			if err := sim.DigitSync(fields[1]); err != nil {
				fmt.Println("dtmf:", err)
			}
		case "hangup":
			sim.RemoteHangupSync()
		case "status":
			fmt.Println(sim.StatusSync())
		case "quit", "exit":
			return
		default:
			fmt.Println("unknown command:", fields[0])
		}
	}
}
