package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/shaunagostinho/obd-dash/internal/ecu"
	"github.com/shaunagostinho/obd-dash/internal/elm"
	"github.com/shaunagostinho/obd-dash/internal/obd"
	"github.com/shaunagostinho/obd-dash/internal/serialport"
)

// dial loads the config and opens the adapter for a one-shot command.
func dial() (*elm.Channel, ecu.AdapterConfig, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, ecu.AdapterConfig{}, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	ch, err := ecu.Dial(ctx, cfg.Adapter)
	if err != nil {
		return nil, cfg.Adapter, err
	}
	fmt.Fprintf(os.Stderr, "Adapter: %s\n", ch.Banner())
	return ch, cfg.Adapter, nil
}

func newQueryCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "query <command>...",
		Short: "Send raw commands to the adapter and print the replies",
		Example: `  obddash query ATRV ATDP
  obddash query 0100 --timeout 5s`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ch, _, err := dial()
			if err != nil {
				return err
			}
			defer ch.Close()

			for _, c := range args {
				resp, err := execute(ch, strings.ToUpper(c), timeout)
				if err != nil {
					fmt.Printf("%s: %v\n", c, err)
					continue
				}
				fmt.Printf("%s: %s\n", c, strings.Join(strings.Fields(strings.ReplaceAll(string(resp), "\r", "\n")), " | "))
			}
			return nil
		},
	}
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 2*time.Second, "Per-command timeout")
	return cmd
}

// execute runs one command and waits for its handler.
func execute(ch *elm.Channel, cmd string, timeout time.Duration) ([]byte, error) {
	type result struct {
		resp []byte
		err  error
	}
	done := make(chan result, 1)
	ch.Execute(cmd, timeout, func(resp []byte, err error) { done <- result{resp, err} })
	r := <-done
	return r.resp, r.err
}

// readPID reads one PID and waits for the callback.
func readPID(p *obd.Poller, pid int) (obd.Reading, error) {
	type result struct {
		r   obd.Reading
		err error
	}
	done := make(chan result, 1)
	p.ReadOnce(pid, func(r obd.Reading, err error) { done <- result{r, err} })
	res := <-done
	return res.r, res.err
}

func printReading(r obd.Reading) {
	name := r.Name
	if name == "" {
		name = "-"
	}
	if r.Converted {
		fmt.Printf("%04X  %-18s %10.2f %-5s (% X)\n", r.PID, name, r.Value, r.Unit, r.Data)
		return
	}
	fmt.Printf("%04X  %-18s %16s (% X)\n", r.PID, name, "", r.Data)
}

func newReadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "read <pid>...",
		Short: "Read PIDs once and print decoded values",
		Long: `Read PIDs once and print decoded values.

A PID is a table name (rpm, speed, coolant_temp, ...) or a four-digit hex
code such as 010C.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pids := make([]int, 0, len(args))
			for _, a := range args {
				pid, err := obd.ParsePID(a)
				if err != nil {
					return err
				}
				pids = append(pids, pid)
			}

			ch, adapter, err := dial()
			if err != nil {
				return err
			}
			defer ch.Close()

			p := obd.NewPoller(ch, nil)
			if adapter.CommandTimeoutMs > 0 {
				p.SetTimeout(time.Duration(adapter.CommandTimeoutMs) * time.Millisecond)
			}
			for _, pid := range pids {
				r, err := readPID(p, pid)
				if err != nil {
					fmt.Printf("%04X  %v\n", pid, err)
					continue
				}
				printReading(r)
			}
			return nil
		},
	}
}

func newSampleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sample",
		Short: "Read every known PID once",
		RunE: func(cmd *cobra.Command, args []string) error {
			ch, _, err := dial()
			if err != nil {
				return err
			}
			defer ch.Close()

			all := obd.All()
			bar := progressbar.NewOptions(len(all),
				progressbar.OptionSetDescription("Sampling"),
				progressbar.OptionSetWriter(os.Stderr),
				progressbar.OptionSetVisibility(term.IsTerminal(int(os.Stderr.Fd()))),
				progressbar.OptionSetWidth(40),
				progressbar.OptionShowCount(),
				progressbar.OptionClearOnFinish(),
			)

			p := obd.NewPoller(ch, nil)
			var readings []obd.Reading
			var failed int
			for _, def := range all {
				r, err := readPID(p, int(def.Code))
				if err != nil {
					failed++
				} else {
					readings = append(readings, r)
				}
				bar.Add(1)
			}
			bar.Finish()

			for _, r := range readings {
				printReading(r)
			}
			fmt.Printf("\n%d of %d PIDs answered\n", len(readings), len(all))
			if failed > 0 && len(readings) == 0 {
				return fmt.Errorf("no PID answered")
			}
			return nil
		},
	}
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List available serial ports",
		RunE: func(cmd *cobra.Command, args []string) error {
			ports, err := serialport.List()
			if err != nil {
				return err
			}
			if len(ports) == 0 {
				fmt.Println("No serial ports found")
				return nil
			}
			for _, p := range ports {
				fmt.Println(p)
			}
			return nil
		},
	}
}
