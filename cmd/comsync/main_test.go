package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/sweeney/comsync/internal/comline"
	"github.com/sweeney/comsync/internal/gpio"
	"github.com/sweeney/comsync/internal/logic"
	"github.com/sweeney/comsync/internal/mqtt"
	"github.com/sweeney/comsync/internal/status"
)

// TestEnvVarNames verifies the env var constants match what pi-helper writes
// to /run/pi-helper.env. If pi-helper changes its var names, this test fails
// and we update the constants.
func TestEnvVarNames(t *testing.T) {
	want := map[string]string{
		"NETWORK_TYPE":        envNetworkType,
		"NETWORK_IP":          envNetworkIP,
		"NETWORK_STATUS":      envNetworkStatus,
		"NETWORK_GATEWAY":     envNetworkGateway,
		"NETWORK_WIFI_STATUS": envNetworkWifiStatus,
		"NETWORK_WIFI_SSID":   envNetworkWifiSSID,
	}
	for canonical, got := range want {
		if got != canonical {
			t.Errorf("env var constant: got %q, want %q", got, canonical)
		}
	}
}

func TestReadNetworkInfoAllSet(t *testing.T) {
	t.Setenv(envNetworkType, "wifi")
	t.Setenv(envNetworkIP, "192.168.1.100")
	t.Setenv(envNetworkStatus, "connected")
	t.Setenv(envNetworkGateway, "192.168.1.1")
	t.Setenv(envNetworkWifiStatus, "connected")
	t.Setenv(envNetworkWifiSSID, "MyNetwork")

	info := readNetworkInfo()
	if info == nil {
		t.Fatal("expected non-nil NetworkInfo")
	}

	want := status.NetworkInfo{
		Type:       "wifi",
		IP:         "192.168.1.100",
		Status:     "connected",
		Gateway:    "192.168.1.1",
		WifiStatus: "connected",
		SSID:       "MyNetwork",
	}
	if *info != want {
		t.Errorf("got %+v, want %+v", *info, want)
	}
}

func TestReadNetworkInfoNoneSet(t *testing.T) {
	t.Setenv(envNetworkStatus, "")
	info := readNetworkInfo()
	if info != nil {
		t.Errorf("expected nil when NETWORK_STATUS is unset, got %+v", info)
	}
}

func TestReadNetworkInfoPartial(t *testing.T) {
	t.Setenv(envNetworkStatus, "connected")
	t.Setenv(envNetworkType, "")
	t.Setenv(envNetworkIP, "")

	info := readNetworkInfo()
	if info == nil {
		t.Fatal("expected non-nil NetworkInfo when NETWORK_STATUS is set")
	}
	if info.Status != "connected" {
		t.Errorf("Status: got %q, want %q", info.Status, "connected")
	}
	if info.Type != "" || info.IP != "" {
		t.Errorf("expected empty Type and IP, got %q %q", info.Type, info.IP)
	}
}

func TestResolveWSBroker(t *testing.T) {
	tests := []struct {
		ws, broker, want string
	}{
		{"=broker", "tcp://192.168.1.200:1883", "ws://192.168.1.200:9001"},
		{"off", "tcp://192.168.1.200:1883", ""},
		{"ws://10.0.0.1:8080", "tcp://192.168.1.200:1883", "ws://10.0.0.1:8080"},
		{"=broker", "://bad", ""},
	}
	for _, tt := range tests {
		if got := resolveWSBroker(tt.ws, tt.broker); got != tt.want {
			t.Errorf("resolveWSBroker(%q, %q) = %q, want %q", tt.ws, tt.broker, got, tt.want)
		}
	}
}

func TestLevelString(t *testing.T) {
	if levelString(true) != "HIGH" || levelString(false) != "LOW" {
		t.Error("unexpected level strings")
	}
}

// --- runLoop tests ---

// fakeClock returns a function that yields start, start+step, start+2*step, ...
// on successive calls. Not safe for concurrent use (only called from runLoop's goroutine).
func fakeClock(start time.Time, step time.Duration) func() time.Time {
	n := 0
	return func() time.Time {
		t := start.Add(time.Duration(n) * step)
		n++
		return t
	}
}

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// newHandler creates the process's handler over lines with zero-length holds.
func newHandler(t *testing.T, lines gpio.Lines, master bool) *comline.Handler {
	t.Helper()
	h, err := comline.New(lines, comline.WithSleep(func(time.Duration) {}))
	if err != nil {
		t.Fatalf("comline.New: %v", err)
	}
	t.Cleanup(func() { h.Close() })
	if err := h.SetMaster(master); err != nil {
		t.Fatalf("SetMaster: %v", err)
	}
	return h
}

// runRunLoop drives runLoop for nTicks ticks and then delivers signal.
// before(i), if set, runs before tick i is sent.
func runRunLoop(t *testing.T, h *comline.Handler, pub *mqtt.FakePublisher, tracker *status.Tracker, interval, heartbeat time.Duration, clock func() time.Time, nTicks int, before func(i int), signal os.Signal) error {
	t.Helper()
	tick := make(chan time.Time)
	sig := make(chan os.Signal, 1)

	errCh := make(chan error, 1)
	go func() {
		errCh <- runLoop(h, pub, pub, tracker, interval, heartbeat, clock, tick, sig)
	}()

	for i := 0; i < nTicks; i++ {
		if before != nil {
			before(i)
		}
		tick <- time.Time{}
	}
	sig <- signal

	return <-errCh
}

func countEvents(pub *mqtt.FakePublisher, typ logic.EventType) int {
	n := 0
	for _, e := range pub.Events {
		if e.Type == typ {
			n++
		}
	}
	return n
}

func TestRunLoopMasterSignalsEachInterval(t *testing.T) {
	lines := gpio.NewFakeLines()
	h := newHandler(t, lines, true)
	pub := mqtt.NewFakePublisher()
	clock := fakeClock(epoch, 500*time.Millisecond)

	// ticks at 0.5s, 1s, 1.5s, 2s with a 1s interval: two pulses
	err := runRunLoop(t, h, pub, nil, time.Second, 0, clock, 4, nil, syscall.SIGTERM)
	if err != nil {
		t.Fatalf("runLoop returned error: %v", err)
	}

	if len(pub.Events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(pub.Events))
	}
	for i, e := range pub.Events {
		if e.Type != logic.EventSignal {
			t.Errorf("event %d: got %s, want SIGNAL", i, e.Type)
		}
		if e.Role != logic.RoleMaster {
			t.Errorf("event %d: got role %s, want MASTER", i, e.Role)
		}
		if e.Seq != uint64(i+1) {
			t.Errorf("event %d: got seq %d, want %d", i, e.Seq, i+1)
		}
	}
	if !pub.Events[0].Timestamp.Equal(epoch.Add(time.Second)) {
		t.Errorf("first signal at %v, want %v", pub.Events[0].Timestamp, epoch.Add(time.Second))
	}

	// Each pulse is four transitions
	if n := len(lines.Trace()); n != 8 {
		t.Errorf("expected 8 transitions, got %d", n)
	}
	if h.Stats().Pulses != 2 {
		t.Errorf("expected 2 pulses, got %d", h.Stats().Pulses)
	}
}

func TestRunLoopMasterZeroIntervalNeverSignals(t *testing.T) {
	lines := gpio.NewFakeLines()
	h := newHandler(t, lines, true)
	pub := mqtt.NewFakePublisher()
	clock := fakeClock(epoch, time.Minute)

	err := runRunLoop(t, h, pub, nil, 0, 0, clock, 5, nil, syscall.SIGTERM)
	if err != nil {
		t.Fatalf("runLoop returned error: %v", err)
	}
	if len(pub.Events) != 0 {
		t.Errorf("expected no events, got %d", len(pub.Events))
	}
	if len(lines.Trace()) != 0 {
		t.Errorf("expected no transitions, got %v", lines.Trace())
	}
}

func TestRunLoopMasterSignalFailure(t *testing.T) {
	lines := gpio.NewFakeLines()
	h := newHandler(t, lines, true)
	lines.SetError = errors.New("line busy")
	pub := mqtt.NewFakePublisher()
	clock := fakeClock(epoch, time.Second)

	err := runRunLoop(t, h, pub, nil, time.Second, 0, clock, 2, nil, syscall.SIGTERM)
	if err != nil {
		t.Fatalf("runLoop returned error: %v", err)
	}

	if n := countEvents(pub, logic.EventSignalFailed); n != 2 {
		t.Fatalf("expected 2 SIGNAL_FAILED events, got %d", n)
	}
	if pub.Events[0].Error == "" {
		t.Error("expected error text on SIGNAL_FAILED")
	}
	if h.Stats().Pulses != 0 {
		t.Errorf("expected no completed pulses, got %d", h.Stats().Pulses)
	}
}

func TestRunLoopSlavePublishesTrips(t *testing.T) {
	lines := gpio.NewFakeLines()
	h := newHandler(t, lines, false)
	pub := mqtt.NewFakePublisher()
	clock := fakeClock(epoch, 5*time.Millisecond)

	edgeAt := map[int]bool{0: true, 2: true, 4: true}
	before := func(i int) {
		if edgeAt[i] {
			lines.Edge(gpio.COM1)
			lines.Release(gpio.COM1)
		}
	}

	err := runRunLoop(t, h, pub, nil, time.Second, 0, clock, 6, before, syscall.SIGTERM)
	if err != nil {
		t.Fatalf("runLoop returned error: %v", err)
	}

	if len(pub.Events) != 3 {
		t.Fatalf("expected 3 TRIP events, got %d", len(pub.Events))
	}
	for i, e := range pub.Events {
		if e.Type != logic.EventTrip {
			t.Errorf("event %d: got %s, want TRIP", i, e.Type)
		}
		if e.Role != logic.RoleSlave {
			t.Errorf("event %d: got role %s, want SLAVE", i, e.Role)
		}
		if e.Coalesced != 0 {
			t.Errorf("event %d: unexpected coalesced %d", i, e.Coalesced)
		}
	}
	if len(lines.Trace()) != 0 {
		t.Errorf("slave must not drive lines, got %v", lines.Trace())
	}
}

func TestRunLoopSlaveCoalescedTrip(t *testing.T) {
	lines := gpio.NewFakeLines()
	h := newHandler(t, lines, false)
	pub := mqtt.NewFakePublisher()
	clock := fakeClock(epoch, 5*time.Millisecond)

	// Two edges before the first poll are reported as one trip
	before := func(i int) {
		if i == 0 {
			lines.Edge(gpio.COM1)
			lines.Release(gpio.COM1)
			lines.Edge(gpio.COM1)
			lines.Release(gpio.COM1)
		}
	}

	err := runRunLoop(t, h, pub, nil, time.Second, 0, clock, 3, before, syscall.SIGTERM)
	if err != nil {
		t.Fatalf("runLoop returned error: %v", err)
	}

	if len(pub.Events) != 1 {
		t.Fatalf("expected 1 TRIP event, got %d", len(pub.Events))
	}
	if pub.Events[0].Coalesced != 1 {
		t.Errorf("expected coalesced=1, got %d", pub.Events[0].Coalesced)
	}
}

func TestRunLoopSlaveIgnoresInterval(t *testing.T) {
	lines := gpio.NewFakeLines()
	h := newHandler(t, lines, false)
	pub := mqtt.NewFakePublisher()
	clock := fakeClock(epoch, time.Second)

	err := runRunLoop(t, h, pub, nil, time.Second, 0, clock, 5, nil, syscall.SIGTERM)
	if err != nil {
		t.Fatalf("runLoop returned error: %v", err)
	}
	if len(pub.Events) != 0 {
		t.Errorf("slave should not signal, got %d events", len(pub.Events))
	}
}

func TestRunLoopHeartbeat(t *testing.T) {
	lines := gpio.NewFakeLines()
	h := newHandler(t, lines, false)
	pub := mqtt.NewFakePublisher()
	tracker := status.NewTracker(epoch, status.Config{Node: "axis-2"})
	clock := fakeClock(epoch, 5*time.Minute)

	// ticks at 5m, 10m, 15m: the heartbeat fires once at 15m
	before := func(i int) {
		if i == 0 {
			lines.Edge(gpio.COM1)
		}
	}
	err := runRunLoop(t, h, pub, tracker, time.Second, 15*time.Minute, clock, 3, before, syscall.SIGTERM)
	if err != nil {
		t.Fatalf("runLoop returned error: %v", err)
	}

	var heartbeats, shutdowns int
	for _, se := range pub.SystemEvents {
		switch se.Event {
		case "HEARTBEAT":
			heartbeats++
			var parsed status.StatusJSON
			if err := json.Unmarshal(se.RawPayload, &parsed); err != nil {
				t.Fatalf("invalid heartbeat payload: %v", err)
			}
			if parsed.Status.Event != "HEARTBEAT" {
				t.Errorf("payload event: got %q, want HEARTBEAT", parsed.Status.Event)
			}
			if parsed.Status.Role != "SLAVE" {
				t.Errorf("payload role: got %q, want SLAVE", parsed.Status.Role)
			}
			if parsed.Status.Counts.Trips != 1 {
				t.Errorf("payload trips: got %d, want 1", parsed.Status.Counts.Trips)
			}
			if !parsed.Status.Lines.COM1 {
				t.Error("payload should show COM1 high")
			}
		case "SHUTDOWN":
			shutdowns++
		}
	}
	if heartbeats != 1 {
		t.Errorf("expected 1 HEARTBEAT event, got %d", heartbeats)
	}
	if shutdowns != 1 {
		t.Errorf("expected 1 SHUTDOWN event, got %d", shutdowns)
	}
}

func TestRunLoopHeartbeatIncludesNetworkInfo(t *testing.T) {
	t.Setenv(envNetworkStatus, "connected")
	t.Setenv(envNetworkIP, "192.168.1.42")

	h := newHandler(t, gpio.NewFakeLines(), false)
	pub := mqtt.NewFakePublisher()
	tracker := status.NewTracker(epoch, status.Config{})
	clock := fakeClock(epoch, 10*time.Minute)

	err := runRunLoop(t, h, pub, tracker, 0, 15*time.Minute, clock, 2, nil, syscall.SIGTERM)
	if err != nil {
		t.Fatalf("runLoop returned error: %v", err)
	}

	for _, se := range pub.SystemEvents {
		if se.Event != "HEARTBEAT" {
			continue
		}
		var parsed status.StatusJSON
		if err := json.Unmarshal(se.RawPayload, &parsed); err != nil {
			t.Fatalf("invalid heartbeat payload: %v", err)
		}
		if parsed.Status.Network == nil || parsed.Status.Network.IP != "192.168.1.42" {
			t.Errorf("expected network info in heartbeat, got %+v", parsed.Status.Network)
		}
		return
	}
	t.Fatal("expected a HEARTBEAT event")
}

func TestRunLoopPublishError(t *testing.T) {
	lines := gpio.NewFakeLines()
	h := newHandler(t, lines, true)
	pub := mqtt.NewFakePublisher()
	pub.PublishError = fmt.Errorf("broker unavailable")
	clock := fakeClock(epoch, time.Second)

	err := runRunLoop(t, h, pub, nil, time.Second, 0, clock, 3, nil, syscall.SIGTERM)
	if err != nil {
		t.Fatalf("runLoop returned error: %v", err)
	}

	// The pulses are still emitted even though nothing could be published
	if h.Stats().Pulses != 3 {
		t.Errorf("expected 3 pulses, got %d", h.Stats().Pulses)
	}
	if len(pub.Events) != 0 {
		t.Errorf("expected 0 recorded events (publish failed), got %d", len(pub.Events))
	}

	found := false
	for _, se := range pub.SystemEvents {
		if se.Event == "SHUTDOWN" {
			found = true
		}
	}
	if !found {
		t.Error("expected SHUTDOWN system event despite publish errors")
	}
}

func TestRunLoopTrackerUpdated(t *testing.T) {
	lines := gpio.NewFakeLines()
	h := newHandler(t, lines, true)
	pub := mqtt.NewFakePublisher()
	pub.Connected = true
	tracker := status.NewTracker(epoch, status.Config{})
	clock := fakeClock(epoch, time.Second)

	err := runRunLoop(t, h, pub, tracker, time.Second, 0, clock, 2, nil, syscall.SIGTERM)
	if err != nil {
		t.Fatalf("runLoop returned error: %v", err)
	}

	snap := tracker.Snapshot()
	if snap.Role != logic.RoleMaster {
		t.Errorf("Role: got %q, want MASTER", snap.Role)
	}
	if snap.Phase != "IDLE" {
		t.Errorf("Phase: got %q, want IDLE", snap.Phase)
	}
	if snap.Counts.Signals != 2 {
		t.Errorf("Counts.Signals: got %d, want 2", snap.Counts.Signals)
	}
	if !snap.MQTTConnected {
		t.Error("expected MQTTConnected=true")
	}
	if snap.Lines.COM1 || snap.Lines.COM2 {
		t.Errorf("lines should be released after each pulse, got %+v", snap.Lines)
	}
}

func TestRunLoopShutdownSIGINT(t *testing.T) {
	h := newHandler(t, gpio.NewFakeLines(), false)
	pub := mqtt.NewFakePublisher()
	clock := fakeClock(epoch, 100*time.Millisecond)

	err := runRunLoop(t, h, pub, nil, 0, 0, clock, 2, nil, syscall.SIGINT)
	if err != nil {
		t.Fatalf("runLoop returned error: %v", err)
	}

	if len(pub.SystemEvents) != 1 {
		t.Fatalf("expected 1 system event, got %d", len(pub.SystemEvents))
	}
	se := pub.SystemEvents[0]
	if se.Event != "SHUTDOWN" {
		t.Errorf("expected SHUTDOWN, got %q", se.Event)
	}
	if se.Reason != "SIGINT" {
		t.Errorf("expected reason SIGINT, got %q", se.Reason)
	}
	if !se.Retained {
		t.Error("expected Retained=true for SHUTDOWN")
	}
}

func TestRunLoopShutdownSIGTERMWithSnapshot(t *testing.T) {
	h := newHandler(t, gpio.NewFakeLines(), true)
	pub := mqtt.NewFakePublisher()
	tracker := status.NewTracker(epoch, status.Config{Node: "axis-1"})
	clock := fakeClock(epoch, 100*time.Millisecond)

	err := runRunLoop(t, h, pub, tracker, 0, 0, clock, 1, nil, syscall.SIGTERM)
	if err != nil {
		t.Fatalf("runLoop returned error: %v", err)
	}

	if len(pub.SystemEvents) != 1 {
		t.Fatalf("expected 1 system event, got %d", len(pub.SystemEvents))
	}
	se := pub.SystemEvents[0]
	if se.Reason != "SIGTERM" {
		t.Errorf("expected reason SIGTERM, got %q", se.Reason)
	}

	var parsed status.StatusJSON
	if err := json.Unmarshal(se.RawPayload, &parsed); err != nil {
		t.Fatalf("invalid shutdown payload: %v", err)
	}
	if parsed.Status.Event != "SHUTDOWN" || parsed.Status.Reason != "SIGTERM" {
		t.Errorf("unexpected payload event/reason: %q/%q", parsed.Status.Event, parsed.Status.Reason)
	}
	if parsed.Status.Node != "axis-1" || parsed.Status.Role != "MASTER" {
		t.Errorf("unexpected payload node/role: %q/%q", parsed.Status.Node, parsed.Status.Role)
	}
}
