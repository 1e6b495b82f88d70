package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/cwt-line/kanban-agent/internal/kanban"
)

// Exit codes for one-shot commands.
const (
	exitOK      = 0
	exitFailed  = 1
	exitUsage   = 2
	exitAborted = 3
)

// prompter asks the operator to confirm a destructive command.
type prompter interface {
	Confirm(question string) (bool, error)
}

// errNoTerminal is returned when confirmation is needed but stdin is not
// interactive.
var errNoTerminal = errors.New("confirmation needs an interactive terminal, pass -yes to skip it")

// termPrompter reads a single y/n keypress from the controlling terminal.
type termPrompter struct {
	in  *os.File
	out io.Writer
}

func (p termPrompter) Confirm(question string) (bool, error) {
	fd := int(p.in.Fd())
	if !term.IsTerminal(fd) {
		return false, errNoTerminal
	}
	fmt.Fprintf(p.out, "%s [y/N] ", question)

	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return false, err
	}
	buf := make([]byte, 1)
	_, err = p.in.Read(buf)
	term.Restore(fd, oldState)
	fmt.Fprintln(p.out)
	if err != nil {
		return false, err
	}
	return buf[0] == 'y' || buf[0] == 'Y', nil
}

// autoYes confirms everything; used with -yes.
type autoYes struct{}

func (autoYes) Confirm(string) (bool, error) { return true, nil }

// runOneShot executes a card command against st and returns the exit code.
func runOneShot(ctx context.Context, st *kanban.Station, cmd string, args []string, p prompter, out io.Writer) int {
	switch cmd {
	case "readers":
		return listReaders(st, out)
	case "read":
		if len(args) != 0 {
			fmt.Fprintln(out, "usage: kanban-agent read")
			return exitUsage
		}
		return report(out, st, cmd, func() kanban.Result { return st.ReadKanban(ctx) })
	case "write":
		if len(args) != 2 {
			fmt.Fprintln(out, "usage: kanban-agent write <thread1> <thread2>")
			return exitUsage
		}
		thread1, thread2 := strings.TrimSpace(args[0]), strings.TrimSpace(args[1])
		if thread1 == "" || thread2 == "" {
			fmt.Fprintln(out, "Error: both thread codes are required")
			return exitUsage
		}
		return report(out, st, cmd, func() kanban.Result { return st.WriteKanban(ctx, thread1, thread2) })
	case "bypass":
		if code, ok := confirm(p, out, "Write BYPASS to the card on the reader?"); !ok {
			return code
		}
		return report(out, st, cmd, func() kanban.Result { return st.WriteBypass(ctx) })
	case "clear":
		if code, ok := confirm(p, out, "Erase both thread codes on the card on the reader?"); !ok {
			return code
		}
		return report(out, st, cmd, func() kanban.Result { return st.ClearCard(ctx) })
	default:
		fmt.Fprintf(out, "Unknown command: %s\n", cmd)
		return exitUsage
	}
}

func confirm(p prompter, out io.Writer, question string) (int, bool) {
	ok, err := p.Confirm(question)
	if err != nil {
		fmt.Fprintf(out, "Error: %v\n", err)
		return exitUsage, false
	}
	if !ok {
		fmt.Fprintln(out, "Aborted")
		return exitAborted, false
	}
	return exitOK, true
}

func listReaders(st *kanban.Station, out io.Writer) int {
	readers := st.Readers()
	if len(readers) == 0 {
		fmt.Fprintln(out, "No readers found")
		return exitFailed
	}
	for _, r := range readers {
		mark := " "
		if r.Preferred {
			mark = "*"
		}
		fmt.Fprintf(out, "%s %s\n", mark, r.Name)
	}
	return exitOK
}

// report connects the reader, runs op and prints its result.
func report(out io.Writer, st *kanban.Station, cmd string, op func() kanban.Result) int {
	if res := st.ConnectReader(); !res.OK {
		printResult(out, cmd, res)
		return exitFailed
	} else if res.Degraded {
		fmt.Fprintf(out, "Warning: no ACR122U found, using %s\n", res.Reader)
	}

	fmt.Fprintln(out, "Place a card on the reader...")
	res := op()
	printResult(out, cmd, res)
	if !res.OK {
		return exitFailed
	}
	return exitOK
}

func printResult(out io.Writer, cmd string, res kanban.Result) {
	if !res.OK {
		fmt.Fprintf(out, "Error: %s\n", res.Message)
		if res.StatusWord != "" {
			fmt.Fprintf(out, "  status word: %s\n", res.StatusWord)
		}
		if res.Expected != "" || res.Actual != "" {
			fmt.Fprintf(out, "  expected %q, got %q\n", res.Expected, res.Actual)
		}
		return
	}

	fmt.Fprintln(out, res.Message)
	if cmd == "read" {
		fmt.Fprintf(out, "Thread 1: %s\n", res.Thread1)
		fmt.Fprintf(out, "Thread 2: %s\n", res.Thread2)
		if res.Bypass {
			fmt.Fprintln(out, "This is a BYPASS card")
		}
	}
	if res.UID != "" {
		fmt.Fprintf(out, "Card UID: %s\n", res.UID)
	}
}
