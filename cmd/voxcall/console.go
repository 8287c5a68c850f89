package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/vikas-kashyap97/Voice-changer/call"
	"github.com/vikas-kashyap97/Voice-changer/effect"
	"github.com/vikas-kashyap97/Voice-changer/media"
	"github.com/vikas-kashyap97/Voice-changer/signaling"
)

// errQuit ends the console loop.
var errQuit = errors.New("quit")

const helpText = `commands:
  call <address>   call a peer
  hangup           end the current call
  effect [name]    select a voice effect, or list them
  mute             toggle playback of the peer's audio
  share            print an invitation for your address
  status           show the call state
  help             show this help
  quit             leave`

// console is the line-oriented user surface over a call controller.
type console struct {
	ctrl     *call.Controller
	speaker  *media.Speaker
	shareURL string
	out      io.Writer
}

// run reads commands from in until quit, end of input or ctx is done.
func (c *console) run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	fmt.Fprintln(c.out, "type 'help' for commands")
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			err := c.execute(ctx, line)
			if errors.Is(err, errQuit) {
				return nil
			}
			if err != nil {
				fmt.Fprintf(c.out, "error: %v\n", err)
			}
		}
	}
}

// execute runs one command line.
func (c *console) execute(ctx context.Context, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	cmd, args := strings.ToLower(fields[0]), fields[1:]

	logrus.WithFields(logrus.Fields{
		"function": "execute",
		"command":  cmd,
	}).Debug("Console command")

	switch cmd {
	case "call":
		if len(args) != 1 {
			return errors.New("usage: call <address>")
		}
		if err := c.ctrl.StartCall(ctx, signaling.Address(args[0])); err != nil {
			return err
		}
		fmt.Fprintf(c.out, "calling %s\n", args[0])
	case "hangup", "end":
		if !c.ctrl.IsActive() {
			fmt.Fprintln(c.out, "no active call")
			return nil
		}
		c.ctrl.EndCall()
		fmt.Fprintln(c.out, "call ended")
	case "effect", "effects":
		if len(args) == 0 {
			c.listEffects()
			return nil
		}
		name, err := effect.Parse(args[0])
		if err != nil {
			return err
		}
		if err := c.ctrl.SelectEffect(name); err != nil {
			return err
		}
		fmt.Fprintf(c.out, "effect: %s\n", name.Label())
	case "mute":
		if c.speaker == nil {
			return errors.New("no playback device")
		}
		if c.speaker.ToggleMute() {
			fmt.Fprintln(c.out, "peer muted")
		} else {
			fmt.Fprintln(c.out, "peer unmuted")
		}
	case "share":
		text, err := c.ctrl.ShareText(c.shareURL)
		if err != nil {
			return err
		}
		fmt.Fprintln(c.out, text)
	case "status":
		c.status()
	case "help", "?":
		fmt.Fprintln(c.out, helpText)
	case "quit", "exit":
		return errQuit
	default:
		return fmt.Errorf("unknown command %q, try 'help'", cmd)
	}
	return nil
}

func (c *console) listEffects() {
	selected := c.ctrl.SelectedEffect()
	for _, name := range effect.All() {
		marker := " "
		if name == selected {
			marker = "*"
		}
		fmt.Fprintf(c.out, "%s %-7s %s\n", marker, name, name.Label())
	}
}

func (c *console) status() {
	fmt.Fprintf(c.out, "address: %s\n", c.ctrl.LocalAddress())
	fmt.Fprintf(c.out, "effect:  %s\n", c.ctrl.SelectedEffect())

	s, ok := c.ctrl.Session()
	if !ok {
		fmt.Fprintln(c.out, "call:    idle")
		return
	}
	fmt.Fprintf(c.out, "call:    %s with %s\n", s.Direction, s.Remote)
	fmt.Fprintf(c.out, "sync:    %t\n", s.SideChannel)
	if c.speaker != nil {
		level := c.speaker.LevelDB()
		if math.IsInf(level, -1) {
			fmt.Fprintf(c.out, "level:   silent (muted %t)\n", c.speaker.Muted())
		} else {
			fmt.Fprintf(c.out, "level:   %.1f dBFS (muted %t)\n", level, c.speaker.Muted())
		}
	}
}
