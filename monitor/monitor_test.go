package monitor

import (
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pflow-xyz/go-sbi/train"
)

func recvEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatal("event channel closed")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func TestTrackerPublishSubscribe(t *testing.T) {
	tr := NewTracker(Options{}, nil)
	ch, cancel := tr.Subscribe()
	defer cancel()

	tr.RunStarted("run-1", 2, 3, "posterior")
	tr.RoundStarted(0, train.PriorProposalID)
	tr.SimulationsAdded(0, 500)
	rep := &train.Report{Epochs: 12, BestValLoss: 1.5, Examples: 500, StopReason: "max_epochs"}
	tr.FitFinished(0, rep)
	tr.PosteriorBuilt(0, "direct", math.NaN())
	tr.RunFinished("success")

	ev := recvEvent(t, ch)
	if ev.Type != EventRunStarted || ev.RunID != "run-1" || ev.Round != -1 {
		t.Errorf("run_started = %+v", ev)
	}
	if ev.ThetaDim != 2 || ev.XDim != 3 || ev.Family != "posterior" {
		t.Errorf("run_started dims = %+v", ev)
	}
	ev = recvEvent(t, ch)
	if ev.Type != EventRoundStarted || ev.Round != 0 || ev.Proposal != train.PriorProposalID {
		t.Errorf("round_started = %+v", ev)
	}
	if ev.RunID != "run-1" {
		t.Errorf("round event run ID = %q, want run-1", ev.RunID)
	}
	if ev.Timestamp == 0 {
		t.Error("timestamp not stamped")
	}
	ev = recvEvent(t, ch)
	if ev.Type != EventSimulations || ev.Examples != 500 {
		t.Errorf("simulations_added = %+v", ev)
	}
	ev = recvEvent(t, ch)
	if ev.Type != EventFitFinished || ev.Epoch != 12 || ev.Loss != 1.5 || ev.Status != "max_epochs" {
		t.Errorf("fit_finished = %+v", ev)
	}
	ev = recvEvent(t, ch)
	if ev.Type != EventPosteriorBuilt || ev.Backend != "direct" {
		t.Errorf("posterior_built = %+v", ev)
	}
	if ev.Leakage != -1 {
		t.Errorf("NaN leakage = %v, want -1", ev.Leakage)
	}
	ev = recvEvent(t, ch)
	if ev.Type != EventRunFinished || ev.Status != "success" {
		t.Errorf("run_finished = %+v", ev)
	}

	st := tr.Stats()
	if st.Published != 6 || st.Dropped != 0 || st.Subscribers != 1 {
		t.Errorf("stats = %+v", st)
	}
}

func TestTrackerSlowSubscriberDrops(t *testing.T) {
	tr := NewTracker(Options{Buffer: 2}, nil)
	ch, cancel := tr.Subscribe()
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			tr.RoundStarted(i, "prior")
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on a full subscriber")
	}

	st := tr.Stats()
	if st.Published != 5 {
		t.Errorf("published = %d, want 5", st.Published)
	}
	if st.Dropped != 3 {
		t.Errorf("dropped = %d, want 3", st.Dropped)
	}
	if ev := recvEvent(t, ch); ev.Round != 0 {
		t.Errorf("first retained round = %d, want 0", ev.Round)
	}
	if ev := recvEvent(t, ch); ev.Round != 1 {
		t.Errorf("second retained round = %d, want 1", ev.Round)
	}
}

func TestTrackerReplayRing(t *testing.T) {
	tr := NewTracker(Options{Keep: 3}, nil)
	for i := 0; i < 5; i++ {
		tr.RoundStarted(i, "prior")
	}
	snap := tr.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("snapshot length = %d, want 3", len(snap))
	}
	for i, ev := range snap {
		if ev.Round != i+2 {
			t.Errorf("snapshot[%d].Round = %d, want %d", i, ev.Round, i+2)
		}
	}

	history, ch, cancel := tr.SubscribeWithReplay()
	defer cancel()
	if len(history) != 3 || history[0].Round != 2 {
		t.Errorf("replay history = %+v", history)
	}
	tr.RoundStarted(5, "posterior_round_4")
	if ev := recvEvent(t, ch); ev.Round != 5 {
		t.Errorf("live round after replay = %d, want 5", ev.Round)
	}
}

func TestSubscribeCancelIdempotent(t *testing.T) {
	tr := NewTracker(Options{}, nil)
	ch, cancel := tr.Subscribe()
	cancel()
	cancel()
	if _, ok := <-ch; ok {
		t.Error("channel still open after cancel")
	}
	if st := tr.Stats(); st.Subscribers != 0 {
		t.Errorf("subscribers = %d, want 0", st.Subscribers)
	}
	tr.RoundStarted(0, "prior")
}

func TestServerHealthAndEvents(t *testing.T) {
	tr := NewTracker(Options{}, nil)
	tr.RunStarted("run-health", 1, 1, "posterior")
	srv := httptest.NewServer(NewServer(tr, nil))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d", resp.StatusCode)
	}
	var health map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if health["status"] != "ok" {
		t.Errorf("health status field = %v", health["status"])
	}
	if health["published"].(float64) != 1 {
		t.Errorf("health published = %v, want 1", health["published"])
	}

	resp2, err := http.Get(srv.URL + "/api/events")
	if err != nil {
		t.Fatalf("events request failed: %v", err)
	}
	defer resp2.Body.Close()
	var events []Event
	if err := json.NewDecoder(resp2.Body).Decode(&events); err != nil {
		t.Fatalf("decode events: %v", err)
	}
	if len(events) != 1 || events[0].Type != EventRunStarted {
		t.Errorf("events = %+v", events)
	}

	resp3, err := http.Get(srv.URL + "/nope")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp3.Body.Close()
	if resp3.StatusCode != http.StatusNotFound {
		t.Errorf("unknown path status = %d, want 404", resp3.StatusCode)
	}
}

func TestServerStreamsEvents(t *testing.T) {
	tr := NewTracker(Options{}, nil)
	tr.RunStarted("run-ws", 2, 2, "posterior")
	srv := httptest.NewServer(NewServer(tr, nil))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", wsURL, err)
	}
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	readEvent := func() Event {
		t.Helper()
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read message: %v", err)
		}
		var ev Event
		if err := json.Unmarshal(msg, &ev); err != nil {
			t.Fatalf("unmarshal %s: %v", msg, err)
		}
		return ev
	}

	// The event published before the dial arrives as replay.
	ev := readEvent()
	if ev.Type != EventRunStarted || ev.RunID != "run-ws" {
		t.Errorf("replayed event = %+v", ev)
	}

	tr.FitFinished(0, &train.Report{Epochs: 7, BestValLoss: 0.4, Examples: 100})
	ev = readEvent()
	if ev.Type != EventFitFinished || ev.Epoch != 7 || ev.RunID != "run-ws" {
		t.Errorf("live event = %+v", ev)
	}

	conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}
