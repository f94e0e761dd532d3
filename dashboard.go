package main

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/bnt0p/st-poor-webpanel/status"
)

const systemMaxLines = 200

// dashboard renders the console layout when a compatible terminal is
// available: a stats header, the current server table, and the System log.
type dashboard struct {
	app         *tview.Application
	statsView   *tview.TextView
	serversView *tview.TextView
	systemView  *tview.TextView
	systemLines []string
	paneMu      sync.Mutex
	closed      atomic.Bool
	ready       chan struct{}
}

func newDashboard(enable bool) *dashboard {
	if !enable {
		return nil
	}
	makePane := func(title string) *tview.TextView {
		tv := tview.NewTextView().SetDynamicColors(true).SetWrap(false)
		tv.SetBorder(true).SetTitle(title).SetTitleAlign(tview.AlignLeft)
		return tv
	}

	stats := tview.NewTextView().SetDynamicColors(true).SetWrap(false)
	stats.SetTextColor(tcell.ColorYellow)
	servers := makePane(" Servers ")
	system := makePane(" System ")
	system.SetTextColor(tcell.ColorYellow)

	layout := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(stats, 4, 0, false).
		AddItem(servers, 0, 2, false).
		AddItem(system, 0, 1, false)

	app := tview.NewApplication().SetRoot(layout, true).EnableMouse(false)
	ready := make(chan struct{})
	var once sync.Once
	app.SetBeforeDrawFunc(func(screen tcell.Screen) bool {
		once.Do(func() { close(ready) })
		return false
	})
	d := &dashboard{
		app:         app,
		statsView:   stats,
		serversView: servers,
		systemView:  system,
		ready:       ready,
	}
	go func() {
		if err := app.Run(); err != nil {
			fmt.Fprintf(os.Stderr, "dashboard error: %v\n", err)
		}
	}()
	return d
}

func (d *dashboard) Stop() {
	if d == nil || d.app == nil || d.closed.Swap(true) {
		return
	}
	d.app.Stop()
}

func (d *dashboard) WaitReady() {
	if d == nil || d.ready == nil {
		return
	}
	select {
	case <-d.ready:
	case <-time.After(5 * time.Second):
	}
}

func (d *dashboard) SetStats(lines []string) {
	if d == nil || d.closed.Load() {
		return
	}
	text := strings.Join(lines, "\n")
	d.app.QueueUpdateDraw(func() {
		d.statsView.SetText(text)
	})
}

// Publish implements hub.Sink so every broadcast snapshot refreshes the
// servers pane.
func (d *dashboard) Publish(snap *status.Snapshot, _ []byte, _ bool) {
	if d == nil || d.closed.Load() || snap == nil {
		return
	}
	text := formatServerRows(snap)
	d.app.QueueUpdateDraw(func() {
		d.serversView.SetText(text)
	})
}

func formatServerRows(snap *status.Snapshot) string {
	var b strings.Builder
	for _, r := range snap.Servers {
		if r.OK {
			fmt.Fprintf(&b, "[green]UP[-] %-21s %-28s %-18s %d/%d\n",
				fmt.Sprintf("%s:%d", r.Host, r.Port), tview.Escape(r.ServerName), tview.Escape(r.Map),
				r.PlayersConnected, r.TotalPlayers)
			continue
		}
		fmt.Fprintf(&b, "[red]--[-] %-21s %-28s %-18s %s\n",
			fmt.Sprintf("%s:%d", r.Host, r.Port), tview.Escape(r.ServerName), r.Map, r.Error)
	}
	return b.String()
}

// SystemWriter returns an io.Writer that appends to the System pane.
func (d *dashboard) SystemWriter() *paneWriter {
	if d == nil {
		return nil
	}
	return &paneWriter{d: d}
}

type paneWriter struct {
	d *dashboard
}

func (w *paneWriter) Write(p []byte) (int, error) {
	if w == nil || w.d == nil || w.d.closed.Load() {
		return len(p), nil
	}
	d := w.d
	d.paneMu.Lock()
	for _, line := range strings.Split(strings.TrimRight(string(p), "\n"), "\n") {
		d.systemLines = append(d.systemLines, tview.Escape(line))
	}
	if len(d.systemLines) > systemMaxLines {
		d.systemLines = d.systemLines[len(d.systemLines)-systemMaxLines:]
	}
	text := strings.Join(d.systemLines, "\n")
	d.paneMu.Unlock()

	d.app.QueueUpdateDraw(func() {
		d.systemView.SetText(text)
		d.systemView.ScrollToEnd()
	})
	return len(p), nil
}
