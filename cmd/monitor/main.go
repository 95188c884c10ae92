package main

import (
	"bytes"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"agentloom/internal/domain"
)

type embeddedOrchestrator struct {
	cmd *exec.Cmd
}

func main() {
	addr := flag.String("addr", "http://127.0.0.1:8787", "orchestrator base URL")
	interval := flag.Duration("interval", 2*time.Second, "refresh interval")
	embedded := flag.Bool("embedded", false, "start an orchestrator process for the monitor's lifetime")
	orchestratorBinary := flag.String("orchestrator-bin", "", "path to orchestrator binary (embedded mode)")
	dbPath := flag.String("db", "agentloom.db", "sqlite db path for embedded orchestrator")
	workspaceRoot := flag.String("workspace", ".", "workspace root for embedded orchestrator")
	flag.Parse()

	c := newClient(*addr)

	if *embedded {
		proc, err := startEmbeddedOrchestrator(*addr, *orchestratorBinary, *dbPath, *workspaceRoot)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to start embedded orchestrator: %v\n", err)
			os.Exit(1)
		}
		defer proc.Stop()
	}

	if err := waitHealth(c, 30*time.Second); err != nil {
		fmt.Fprintf(os.Stderr, "orchestrator health check failed: %v\n", err)
		os.Exit(1)
	}

	app := tview.NewApplication()
	agentsTable := tview.NewTable().
		SetBorders(false).
		SetSelectable(true, false)
	agentsTable.SetTitle("Agents (Enter select, F5 refresh, F10 quit)").SetBorder(true)

	stateView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(true)
	stateView.SetTitle("Agent State").SetBorder(true)

	eventsView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	eventsView.SetTitle("Events").SetBorder(true)

	questionsView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	questionsView.SetTitle("Pending Questions").SetBorder(true)

	input := tview.NewInputField().
		SetLabel("Chat -> agent: ")
	input.SetBorder(true).SetTitle("Enter = chat, /answer [id:] text = respond")

	statusView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	statusView.SetBorder(true).SetTitle("Status")
	statusView.SetText(fmt.Sprintf(
		"Connected to %s | F10 quit, F5 refresh, Ctrl+T trigger, Ctrl+G run graph, Ctrl+R reconcile, Ctrl+L focus input, Ctrl+A focus agents",
		c.baseURL,
	))

	right := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(stateView, 0, 2, false).
		AddItem(questionsView, 6, 0, false).
		AddItem(eventsView, 0, 3, false)
	mainLayout := tview.NewFlex().
		AddItem(agentsTable, 0, 1, false).
		AddItem(right, 0, 2, false)
	root := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(mainLayout, 0, 12, false).
		AddItem(input, 3, 0, true).
		AddItem(statusView, 3, 0, false)

	var selectedID atomic.Value
	selectedID.Store("")
	var lastAgents atomic.Value
	lastAgents.Store([]domain.AgentState(nil))
	var lastQuestions atomic.Value
	lastQuestions.Store([]domain.PendingQuestion(nil))
	var detailsVersion uint64

	selected := func() string { return selectedID.Load().(string) }
	agents := func() []domain.AgentState { return lastAgents.Load().([]domain.AgentState) }
	questions := func() []domain.PendingQuestion { return lastQuestions.Load().([]domain.PendingQuestion) }

	setStatusUI := func(msg string) {
		statusView.SetText(msg)
	}
	setStatusAsync := func(msg string) {
		app.QueueUpdateDraw(func() {
			statusView.SetText(msg)
		})
	}

	refreshAgents := func() {
		items, err := c.listAgents()
		if err != nil {
			app.QueueUpdateDraw(func() {
				agentsTable.Clear()
				agentsTable.SetCell(0, 0, tview.NewTableCell(fmt.Sprintf("load error: %v", err)).SetTextColor(tview.Styles.ContrastSecondaryTextColor))
			})
			return
		}
		pendingItems, err := c.listQuestions()
		if err != nil {
			pendingItems = nil
		}
		sortAgents(items)
		lastAgents.Store(items)
		lastQuestions.Store(pendingItems)
		pending := make(map[string]int)
		for _, q := range pendingItems {
			pending[q.AgentID]++
		}
		if selected() == "" && len(items) > 0 {
			selectedID.Store(items[0].Identity.ID)
		}
		app.QueueUpdateDraw(func() {
			renderAgentsTable(agentsTable, items, selected(), pending)
			questionsView.SetText(renderQuestions(pendingItems))
		})
	}

	refreshDetailsAsync := func(agentID string) {
		if strings.TrimSpace(agentID) == "" {
			return
		}
		version := atomic.AddUint64(&detailsVersion, 1)
		go func(id string, v uint64) {
			events, err := c.listEvents(id, 0, 300)
			if atomic.LoadUint64(&detailsVersion) != v {
				return
			}
			var state *domain.AgentState
			for _, a := range agents() {
				if a.Identity.ID == id {
					a := a
					state = &a
					break
				}
			}
			app.QueueUpdateDraw(func() {
				if id != selected() {
					return
				}
				if state != nil {
					stateView.SetText(renderAgentState(*state))
				}
				if err != nil {
					eventsView.SetText(fmt.Sprintf("error: %v", err))
					return
				}
				eventsView.SetText(renderEvents(events))
				eventsView.ScrollToBeginning()
			})
		}(agentID, version)
	}

	refreshAll := func() {
		refreshAgents()
		refreshDetailsAsync(selected())
	}

	submit := func(text string) {
		text = strings.TrimSpace(text)
		agentID := selected()
		if text == "" || agentID == "" {
			return
		}
		input.SetText("")
		if prefix, answer, ok := parseAnswer(text); ok {
			q, found := questionFor(questions(), agentID, prefix)
			if !found {
				setStatusUI("No pending question for " + shortID(agentID))
				return
			}
			setStatusUI("Responding to " + shortID(q.MsgID) + "...")
			go func() {
				out, err := c.respond(agentID, q.MsgID, answer)
				switch {
				case err != nil:
					setStatusAsync("Respond failed: " + err.Error())
				case out.Stale:
					setStatusAsync("Question already timed out")
				case out.Duplicate:
					setStatusAsync("Question was already answered: " + out.Answer)
				case out.Turn != nil:
					setStatusAsync(fmt.Sprintf("Resumed turn status=%s", out.Turn.Status))
				default:
					setStatusAsync("Answer recorded")
				}
				refreshAll()
			}()
			return
		}
		setStatusUI("Running chat turn for " + shortID(agentID) + "...")
		go func() {
			res, err := c.chat(agentID, text)
			if err != nil {
				setStatusAsync("Chat failed: " + err.Error())
				return
			}
			setStatusAsync(fmt.Sprintf("Turn %s inbox=%d sent=%d", res.Status, res.InboxCount, len(res.Emitted)))
			refreshAll()
		}()
	}

	input.SetDoneFunc(func(key tcell.Key) {
		if key != tcell.KeyEnter {
			return
		}
		submit(input.GetText())
	})

	agentsTable.SetSelectedFunc(func(row, _ int) {
		items := agents()
		if row <= 0 || row > len(items) {
			return
		}
		selectedID.Store(items[row-1].Identity.ID)
		refreshDetailsAsync(selected())
		app.SetFocus(input)
	})

	app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch event.Key() {
		case tcell.KeyF10:
			app.Stop()
			return nil
		case tcell.KeyF5:
			go refreshAll()
			setStatusUI("Refreshing...")
			return nil
		case tcell.KeyCtrlL:
			app.SetFocus(input)
			return nil
		case tcell.KeyCtrlA:
			app.SetFocus(agentsTable)
			return nil
		case tcell.KeyCtrlT:
			agentID := selected()
			if agentID == "" {
				return nil
			}
			setStatusUI("Triggering " + shortID(agentID) + "...")
			go func() {
				res, err := c.trigger(agentID)
				if err != nil {
					setStatusAsync("Trigger failed: " + err.Error())
					return
				}
				setStatusAsync(fmt.Sprintf("Turn %s inbox=%d", res.Status, res.InboxCount))
				refreshAll()
			}()
			return nil
		case tcell.KeyCtrlG:
			setStatusUI("Executing graph...")
			go func() {
				rep, err := c.executeGraph()
				if err != nil {
					setStatusAsync("Graph failed: " + err.Error())
					return
				}
				counts := make(map[domain.TurnStatus]int)
				for _, st := range rep.Statuses {
					counts[st]++
				}
				setStatusAsync(fmt.Sprintf("Graph %s done halted=%t completed=%d failed=%d skipped=%d pending=%d",
					shortID(rep.ExecutionID), rep.Halted, counts[domain.TurnStatusCompleted], counts[domain.TurnStatusFailed],
					counts[domain.TurnStatusSkipped], counts[domain.TurnStatusPending]))
				refreshAll()
			}()
			return nil
		case tcell.KeyCtrlR:
			setStatusUI("Reconciling...")
			go func() {
				rep, err := c.reconcile()
				if err != nil {
					setStatusAsync("Reconcile failed: " + err.Error())
					return
				}
				setStatusAsync(fmt.Sprintf("Reconciled total=%d spawned=%d orphaned=%d restored=%d",
					rep.Total, len(rep.Spawned), len(rep.Orphaned), len(rep.Restored)))
				refreshAll()
			}()
			return nil
		case tcell.KeyEscape, tcell.KeyTAB:
			if app.GetFocus() == input {
				app.SetFocus(agentsTable)
			} else {
				app.SetFocus(input)
			}
			return nil
		}
		return event
	})

	go func() {
		ticker := time.NewTicker(*interval)
		defer ticker.Stop()
		refreshAll()
		for range ticker.C {
			refreshAll()
		}
	}()

	if err := app.SetRoot(root, true).EnableMouse(true).SetFocus(input).Run(); err != nil {
		fmt.Fprintf(os.Stderr, "monitor failed: %v\n", err)
		os.Exit(1)
	}
}

func waitHealth(c *client, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if err := c.health(); err == nil {
			return nil
		}
		time.Sleep(400 * time.Millisecond)
	}
	return fmt.Errorf("timeout waiting for /healthz")
}

func startEmbeddedOrchestrator(addr string, orchestratorBinary string, dbPath string, workspaceRoot string) (*embeddedOrchestrator, error) {
	parsed, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("parse addr: %w", err)
	}
	port := parsed.Port()
	if port == "" {
		return nil, fmt.Errorf("addr must include explicit port, got %q", addr)
	}
	args := []string{"--addr", "127.0.0.1:" + port, "--db", dbPath, "--workspace", workspaceRoot}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	var cmd *exec.Cmd
	if strings.TrimSpace(orchestratorBinary) != "" {
		cmd = exec.Command(orchestratorBinary, args...)
	} else {
		if self, err := os.Executable(); err == nil {
			sibling := filepath.Join(filepath.Dir(self), "orchestrator")
			if fileExists(sibling) {
				cmd = exec.Command(sibling, args...)
			}
		}
		if cmd == nil {
			cmd = exec.Command("go", append([]string{"run", "./cmd/orchestrator"}, args...)...)
		}
	}

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start orchestrator process: %w", err)
	}
	return &embeddedOrchestrator{cmd: cmd}, nil
}

func (e *embeddedOrchestrator) Stop() {
	if e == nil || e.cmd == nil || e.cmd.Process == nil {
		return
	}
	_ = e.cmd.Process.Kill()
	_, _ = e.cmd.Process.Wait()
}

func fileExists(p string) bool {
	info, err := os.Stat(p)
	if err != nil {
		return false
	}
	return !info.IsDir()
}
