package main

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"sync"
	"unicode"
	"unicode/utf8"

	"github.com/fatih/color"
	"github.com/srg/gattlink/internal/session"
	"golang.org/x/term"
)

// printer writes serve output, colored when the destination is a terminal
type printer struct {
	mu  sync.Mutex
	out io.Writer

	addr  *color.Color
	state *color.Color
	warn  *color.Color
}

func newPrinter(out io.Writer) *printer {
	p := &printer{
		out:   out,
		addr:  color.New(color.FgCyan, color.Bold),
		state: color.New(color.FgYellow),
		warn:  color.New(color.FgRed),
	}
	if !isTerminal(out) {
		for _, c := range []*color.Color{p.addr, p.state, p.warn} {
			c.DisableColor()
		}
	}
	return p
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func (p *printer) printf(format string, args ...interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, _ = fmt.Fprintf(p.out, format, args...)
}

func (p *printer) Message(addr string, data []byte) {
	p.printf("%s %s\n", p.addr.Sprintf("[%s]", addr), renderPayload(data))
}

func (p *printer) PeerState(addr string, st session.State) {
	p.printf("%s %s\n", p.addr.Sprintf("[%s]", addr), p.state.Sprintf("state %s", st))
}

func (p *printer) Adapter(enabled bool) {
	if enabled {
		p.printf("%s\n", p.state.Sprint("adapter enabled"))
		return
	}
	p.printf("%s\n", p.warn.Sprint("adapter disabled"))
}

func (p *printer) Error(err error) {
	p.printf("%s\n", p.warn.Sprintf("! %s", FormatUserError(err)))
}

// renderPayload prints text payloads as is and anything else as hex
func renderPayload(data []byte) string {
	if utf8.Valid(data) {
		printable := true
		for _, r := range string(data) {
			if !unicode.IsPrint(r) && !unicode.IsSpace(r) {
				printable = false
				break
			}
		}
		if printable {
			return string(data)
		}
	}
	return "0x" + hex.EncodeToString(data)
}
