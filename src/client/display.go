package client

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/schollz/progressbar/v3"

	"github.com/schollz/sharepeer/src/session"
)

// display shows a transfer to the user.
type display interface {
	Code(code, command, qr string)
	Status(text string)
	Peer(name string)
	Progress(p session.Progress)
	FileDone(name string, size int64)
	Warn(err error)
	Close()
}

// tuiDisplay forwards updates to a running TransferModel.
type tuiDisplay struct {
	program *tea.Program
	done    chan struct{}
	once    sync.Once
}

// newTUIDisplay starts the progress view. interrupt is called if the user
// quits it.
func newTUIDisplay(role session.Role, out io.Writer, logger *slog.Logger, interrupt func()) *tuiDisplay {
	model := NewTransferModel(role)
	d := &tuiDisplay{
		program: tea.NewProgram(model, tea.WithOutput(out)),
		done:    make(chan struct{}),
	}
	go func() {
		defer close(d.done)
		if _, err := d.program.Run(); err != nil {
			logger.Debug("Progress view stopped", "error", err)
		}
		if model.interrupted {
			interrupt()
		}
	}()
	return d
}

func (d *tuiDisplay) Code(code, command, qr string) {
	d.program.Send(codeMsg{code: code, command: command, qr: qr})
}
func (d *tuiDisplay) Status(text string)               { d.program.Send(statusMsg(text)) }
func (d *tuiDisplay) Peer(name string)                 { d.program.Send(peerMsg(name)) }
func (d *tuiDisplay) Progress(p session.Progress)      { d.program.Send(progressMsg(p)) }
func (d *tuiDisplay) FileDone(name string, size int64) { d.program.Send(fileDoneMsg{name: name, size: size}) }
func (d *tuiDisplay) Warn(err error)                   { d.program.Send(warnMsg{err: err}) }

func (d *tuiDisplay) Close() {
	d.once.Do(func() {
		d.program.Quit()
		<-d.done
	})
}

// plainDisplay prints line by line with one progress bar per file.
type plainDisplay struct {
	out    io.Writer
	verb   string
	status string
	bar    *progressbar.ProgressBar
	key    string
}

func newPlainDisplay(role session.Role, out io.Writer) *plainDisplay {
	verb := "Receiving"
	if role == session.RoleSender {
		verb = "Sending"
	}
	return &plainDisplay{out: out, verb: verb}
}

func (d *plainDisplay) Code(code, command, qr string) {
	PrintTitle(d.out, "Pairing code: "+code)
	if qr != "" {
		fmt.Fprint(d.out, qr)
	}
	PrintSubtle(d.out, "On the other computer run:")
	PrintCode(d.out, command)
}

func (d *plainDisplay) Status(text string) {
	if text == "" || text == d.status {
		return
	}
	d.status = text
	d.finishBar()
	PrintInfo(d.out, text)
}

func (d *plainDisplay) Peer(name string) {
	PrintInfo(d.out, "Connected to "+name)
}

func (d *plainDisplay) Progress(p session.Progress) {
	key := fmt.Sprint(p.Index, p.Name)
	if key != d.key {
		d.finishBar()
		d.key = key
		if p.Size > 0 {
			d.bar = progressbar.NewOptions64(
				p.Size,
				progressbar.OptionSetDescription(fmt.Sprintf("%s %s (%d/%d)", d.verb, p.Name, p.Index+1, p.Total)),
				progressbar.OptionSetWriter(d.out),
				progressbar.OptionShowBytes(true),
				progressbar.OptionSetWidth(10),
				progressbar.OptionThrottle(65*time.Millisecond),
				progressbar.OptionShowCount(),
				progressbar.OptionOnCompletion(func() {
					fmt.Fprintln(d.out)
				}),
				progressbar.OptionSpinnerType(14),
				progressbar.OptionFullWidth(),
			)
		}
	}
	if d.bar != nil {
		d.bar.Set64(p.Bytes)
	}
}

func (d *plainDisplay) FileDone(name string, size int64) {
	d.finishBar()
	d.key = ""
	PrintSuccess(d.out, fmt.Sprintf("Received %s (%s)", name, formatBytes(size)))
}

func (d *plainDisplay) Warn(err error) {
	d.finishBar()
	PrintWarning(d.out, "Warning: "+err.Error())
}

func (d *plainDisplay) Close() { d.finishBar() }

func (d *plainDisplay) finishBar() {
	if d.bar != nil {
		if !d.bar.IsFinished() {
			d.bar.Finish()
		}
		d.bar = nil
	}
}
