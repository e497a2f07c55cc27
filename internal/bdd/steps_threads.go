package bdd

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/chirino/thread-sync/internal/execution"
	execmemory "github.com/chirino/thread-sync/internal/execution/memory"
	"github.com/chirino/thread-sync/internal/model"
	"github.com/chirino/thread-sync/internal/persistent"
	"github.com/chirino/thread-sync/internal/plugin/localstore/memory"
	"github.com/chirino/thread-sync/internal/session"
	"github.com/chirino/thread-sync/internal/syncstate"
	"github.com/chirino/thread-sync/internal/testutil/cucumber"
	"github.com/chirino/thread-sync/internal/testutil/testrefstore"
	"github.com/cucumber/godog"
)

const (
	waitFor = 5 * time.Second
	tick    = 10 * time.Millisecond
)

func init() {
	cucumber.StepModules = append(cucumber.StepModules, func(ctx *godog.ScenarioContext, s *cucumber.TestScenario) {
		w := &threadWorld{TestScenario: s}
		ctx.Before(w.start)
		ctx.After(w.stop)

		ctx.Step(`^a persisted thread "([^"]*)" linked to execution thread "([^"]*)"$`, w.aPersistedThreadLinkedTo)
		ctx.Step(`^a persisted thread "([^"]*)" with messages:$`, w.aPersistedThreadWithMessages)
		ctx.Step(`^execution thread "([^"]*)" has messages:$`, w.executionThreadHasMessages)
		ctx.Step(`^I open thread "([^"]*)"$`, w.iOpenThread)
		ctx.Step(`^I send "([^"]*)"$`, w.iSend)
		ctx.Step(`^the active execution id should be "([^"]*)"$`, w.theActiveExecutionIDShouldBe)
		ctx.Step(`^the thread should (not )?be read-only$`, w.theThreadShouldBeReadOnly)
		ctx.Step(`^the persistent store should have received (\d+) requests$`, w.thePersistentStoreShouldHaveReceived)
		ctx.Step(`^I should see these messages:$`, w.iShouldSeeTheseMessages)
		ctx.Step(`^I should see these messages from persisted history:$`, w.iShouldSeeTheseMessagesFromHistory)
		ctx.Step(`^a new execution thread should be created as \${([^}]*)}$`, w.aNewExecutionThreadShouldBeCreated)
		ctx.Step(`^execution thread "([^"]*)" should have these messages:$`, w.executionThreadShouldHaveMessages)
		ctx.Step(`^the persisted thread "([^"]*)" should have (\d+) messages$`, w.thePersistedThreadShouldHaveMessages)
	})
}

// threadWorld is one scenario's pair of stores and the session under test.
type threadWorld struct {
	*cucumber.TestScenario

	srv   *testrefstore.Server
	exec  *execmemory.Store
	state *syncstate.Store
	ctl   *session.Controller

	mu      sync.Mutex
	created []string
}

func (w *threadWorld) start(ctx context.Context, _ *godog.Scenario) (context.Context, error) {
	w.srv = testrefstore.Start(w.T())
	w.APIURL = w.srv.URL
	w.exec = execmemory.New(execmemory.EchoResponder)

	state, err := syncstate.New(memory.New(), 100)
	if err != nil {
		return ctx, err
	}
	w.state = state
	w.ctl, err = session.New(session.Options{
		Exec:             w.exec,
		API:              w.srv.Client(w.T()),
		State:            state,
		AssistantID:      "agent",
		Source:           "bdd",
		FileDebounce:     50 * time.Millisecond,
		FileFlushTimeout: 2 * time.Second,
		FallbackRecheck:  50 * time.Millisecond,
		OnThreadIDChanged: func(id string) {
			w.mu.Lock()
			defer w.mu.Unlock()
			w.created = append(w.created, id)
		},
	})
	return ctx, err
}

func (w *threadWorld) stop(ctx context.Context, _ *godog.Scenario, err error) (context.Context, error) {
	if w.ctl != nil {
		_ = w.ctl.Close()
	}
	if w.state != nil {
		w.state.Close()
	}
	return ctx, err
}

func (w *threadWorld) aPersistedThreadLinkedTo(id, executionID string) error {
	w.srv.Store.Seed(persistent.Thread{
		ID:       id,
		Title:    "linked thread",
		Metadata: map[string]any{persistent.MetaLinkedExecutionID: executionID},
	})
	return nil
}

func (w *threadWorld) aPersistedThreadWithMessages(id string, table *godog.Table) error {
	rows, err := messageRows(table)
	if err != nil {
		return err
	}
	t := persistent.Thread{
		ID:    id,
		Title: "imported thread",
		Participants: []persistent.Participant{
			{ID: "p-user", Role: string(model.RoleUser)},
			{ID: "p-agent", Role: string(model.RoleAgent)},
			{ID: "p-tool", Role: string(model.RoleTool)},
		},
	}
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	for i, r := range rows {
		t.Messages = append(t.Messages, persistent.Message{
			ID:            fmt.Sprintf("%s-m%d", id[:8], i),
			ParticipantID: "p-" + r.Role,
			Kind:          persistent.KindText,
			Content:       r.Text,
			CreatedAt:     base.Add(time.Duration(i) * time.Second),
		})
	}
	w.srv.Store.Seed(t)
	return nil
}

func (w *threadWorld) executionThreadHasMessages(id string, table *godog.Table) error {
	rows, err := messageRows(table)
	if err != nil {
		return err
	}
	var msgs []execution.Message
	for i, r := range rows {
		msgs = append(msgs, execution.FromCanonical(model.Message{
			ID:      fmt.Sprintf("%s-%d", id, i),
			Role:    model.Role(r.Role),
			Content: model.TextContent(r.Text),
		}))
	}
	w.exec.Seed(id, execution.State{Messages: msgs})
	return nil
}

func (w *threadWorld) iOpenThread(raw string) error {
	raw, err := w.Expand(raw)
	if err != nil {
		return err
	}
	w.Variables["baseline_requests"] = w.srv.Total()
	return w.ctl.Navigate(context.Background(), raw)
}

func (w *threadWorld) iSend(text string) error {
	return w.ctl.Send(context.Background(), text)
}

func (w *threadWorld) theActiveExecutionIDShouldBe(expected string) error {
	expected, err := w.Expand(expected)
	if err != nil {
		return err
	}
	return eventually(func() error {
		if got := w.ctl.View().ExecutionID; got != expected {
			return fmt.Errorf("expected execution id %q, got %q", expected, got)
		}
		return nil
	})
}

func (w *threadWorld) theThreadShouldBeReadOnly(not string) error {
	want := not == ""
	if got := w.ctl.View().ReadOnly; got != want {
		return fmt.Errorf("expected read-only=%v, got %v", want, got)
	}
	return nil
}

func (w *threadWorld) thePersistentStoreShouldHaveReceived(expected int) error {
	baseline, _ := w.Variables["baseline_requests"].(int)
	if got := w.srv.Total() - baseline; got != expected {
		return fmt.Errorf("expected %d persistent store requests, got %d", expected, got)
	}
	return nil
}

func (w *threadWorld) iShouldSeeTheseMessages(table *godog.Table) error {
	return w.viewShouldMatch(table, false)
}

func (w *threadWorld) iShouldSeeTheseMessagesFromHistory(table *godog.Table) error {
	return w.viewShouldMatch(table, true)
}

func (w *threadWorld) viewShouldMatch(table *godog.Table, fromFallback bool) error {
	expected, err := messageRows(table)
	if err != nil {
		return err
	}
	return eventually(func() error {
		v := w.ctl.View()
		if v.FromFallback != fromFallback {
			return fmt.Errorf("expected messages from persisted history=%v", fromFallback)
		}
		return w.rowsMustMatch(toRows(v.Messages), expected)
	})
}

func (w *threadWorld) aNewExecutionThreadShouldBeCreated(as string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.created) != 1 {
		return fmt.Errorf("expected one new execution thread, got %v", w.created)
	}
	w.Variables[as] = w.created[0]
	return nil
}

func (w *threadWorld) executionThreadShouldHaveMessages(id string, table *godog.Table) error {
	id, err := w.Expand(id)
	if err != nil {
		return err
	}
	expected, err := messageRows(table)
	if err != nil {
		return err
	}
	return eventually(func() error {
		st, err := w.exec.GetState(context.Background(), id)
		if err != nil {
			return err
		}
		return w.rowsMustMatch(toRows(execution.CanonicalMessages(st.Messages)), expected)
	})
}

func (w *threadWorld) thePersistedThreadShouldHaveMessages(id string, expected int) error {
	return eventually(func() error {
		t, err := w.srv.Store.Get(id)
		if err != nil {
			return err
		}
		if len(t.Messages) != expected {
			return fmt.Errorf("expected %d persisted messages, got %d", expected, len(t.Messages))
		}
		return nil
	})
}

type messageRow struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

func messageRows(table *godog.Table) ([]messageRow, error) {
	if len(table.Rows) == 0 {
		return nil, fmt.Errorf("message table is empty")
	}
	header := table.Rows[0].Cells
	if len(header) != 2 || header[0].Value != "role" || header[1].Value != "text" {
		return nil, fmt.Errorf("message table must have columns role and text")
	}
	rows := make([]messageRow, 0, len(table.Rows)-1)
	for _, r := range table.Rows[1:] {
		rows = append(rows, messageRow{Role: r.Cells[0].Value, Text: r.Cells[1].Value})
	}
	return rows, nil
}

func toRows(msgs []model.Message) []messageRow {
	rows := make([]messageRow, 0, len(msgs))
	for _, m := range msgs {
		rows = append(rows, messageRow{Role: string(m.Role), Text: m.Text()})
	}
	return rows
}

func (w *threadWorld) rowsMustMatch(actual, expected []messageRow) error {
	a, err := json.Marshal(actual)
	if err != nil {
		return err
	}
	e, err := json.Marshal(expected)
	if err != nil {
		return err
	}
	return w.JSONMustMatch(string(a), string(e), false)
}

func eventually(check func() error) error {
	deadline := time.Now().Add(waitFor)
	for {
		err := check()
		if err == nil || time.Now().After(deadline) {
			return err
		}
		time.Sleep(tick)
	}
}
