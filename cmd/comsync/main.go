// Command comsync drives or follows the COM line synchronization pulse of a
// motion-control node and publishes line events to MQTT.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sweeney/comsync/internal/comline"
	"github.com/sweeney/comsync/internal/config"
	"github.com/sweeney/comsync/internal/gpio"
	"github.com/sweeney/comsync/internal/logic"
	"github.com/sweeney/comsync/internal/mqtt"
	"github.com/sweeney/comsync/internal/status"
	"github.com/sweeney/comsync/internal/web"
)

func main() {
	cfg := config.Default()
	flags := cfg
	flags.RegisterFlags(flag.CommandLine)
	configPath := flag.String("config", "", "YAML config file (explicit flags override it)")
	printState := flag.Bool("print-state", false, "Print role and line levels and exit")

	flag.Parse()

	if *configPath != "" {
		loaded, err := config.Load(*configPath, cfg)
		if err != nil {
			log.Fatalf("fatal: %v", err)
		}
		cfg = loaded
	}
	config.Overlay(&cfg, flags, flag.CommandLine)
	if err := cfg.Validate(); err != nil {
		log.Fatalf("fatal: %v", err)
	}
	cfg.WSBroker = resolveWSBroker(cfg.WSBroker, cfg.Broker)

	if err := run(cfg, *printState); err != nil {
		log.Fatalf("fatal: %v", err)
	}
}

func run(cfg config.Config, printState bool) error {
	// Initialize GPIO; the handler starts as a slave with no trip pending
	lines, err := gpio.NewRealLines()
	if err != nil {
		return fmt.Errorf("init gpio: %w", err)
	}
	h, err := comline.New(lines, comline.WithHolds(cfg.LeadHold, cfg.TripHold))
	if err != nil {
		lines.Close()
		return fmt.Errorf("init comline: %w", err)
	}
	defer h.Close()

	// Print state mode
	if printState {
		levels, err := lineLevels(h)
		if err != nil {
			return fmt.Errorf("read gpio: %w", err)
		}
		fmt.Printf("role: %s, COM1: %s, COM2: %s, COM3: %s\n",
			logic.RoleOf(cfg.MasterRole()), levelString(levels.COM1), levelString(levels.COM2), levelString(levels.COM3))
		return nil
	}

	if err := h.SetMaster(cfg.MasterRole()); err != nil {
		return fmt.Errorf("set role: %w", err)
	}

	// Initialize MQTT
	publisher, err := mqtt.NewRealPublisher(cfg.Broker, cfg.Node)
	if err != nil {
		return fmt.Errorf("init mqtt: %w", err)
	}
	defer publisher.Close()

	// Initialize status tracker (before STARTUP so snapshot is available)
	tracker := status.NewTracker(time.Now(), status.Config{
		Node:        cfg.Node,
		IntervalMs:  cfg.Interval.Milliseconds(),
		PollMs:      cfg.Poll.Milliseconds(),
		HeartbeatMs: cfg.Heartbeat.Milliseconds(),
		LeadHoldMs:  cfg.LeadHold.Milliseconds(),
		TripHoldMs:  cfg.TripHold.Milliseconds(),
		Broker:      cfg.Broker,
		HTTPPort:    cfg.HTTPAddr,
		WSBroker:    cfg.WSBroker,
	})
	if net := readNetworkInfo(); net != nil {
		tracker.SetNetwork(net)
	}
	levels, _ := lineLevels(h)
	tracker.Update(logic.RoleOf(h.IsMaster()), h.Phase().String(), levels, logic.EventCounts{})
	tracker.SetMQTTConnected(publisher.IsConnected())

	// Publish startup event with full status snapshot
	snap := tracker.Snapshot()
	startupEvent := mqtt.SystemEvent{
		Timestamp:  snap.Now,
		Event:      "STARTUP",
		Retained:   true,
		RawPayload: status.FormatStatusEvent(snap, "STARTUP", ""),
	}
	if err := publisher.PublishSystem(startupEvent); err != nil {
		log.Printf("failed to publish startup event: %v", err)
	} else {
		log.Printf("published startup event")
	}

	// Start HTTP status server
	if cfg.HTTPAddr != "" {
		srv := web.New(cfg.HTTPAddr, tracker)
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("http server error: %v", err)
			}
		}()
		defer srv.Shutdown(context.Background())
		log.Printf("http status server listening on %s", cfg.HTTPAddr)
	}

	log.Printf("started: node=%s role=%s interval=%v poll=%v broker=%s heartbeat=%v",
		cfg.Node, logic.RoleOf(h.IsMaster()), cfg.Interval, cfg.Poll, cfg.Broker, cfg.Heartbeat)

	ticker := time.NewTicker(cfg.Poll)
	defer ticker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	return runLoop(h, publisher, publisher, tracker, cfg.Interval, cfg.Heartbeat, time.Now, ticker.C, sigCh)
}

// runLoop is the node's main loop. A master emits one pulse whenever the
// sequencer says it is due; a slave consumes at most one trip per tick.
func runLoop(h *comline.Handler, publisher mqtt.Publisher, mqttStatus mqtt.ConnectionStatus, tracker *status.Tracker, interval, heartbeat time.Duration, now func() time.Time, tick <-chan time.Time, sig <-chan os.Signal) error {
	startTime := now()
	seq := logic.NewSequencer(logic.RoleOf(h.IsMaster()), interval, startTime)
	var levels status.LineLevels

	for {
		select {
		case s := <-sig:
			log.Printf("received %v, shutting down", s)
			signalName := "UNKNOWN"
			if s == syscall.SIGINT {
				signalName = "SIGINT"
			} else if s == syscall.SIGTERM {
				signalName = "SIGTERM"
			}
			event := mqtt.SystemEvent{
				Timestamp: now(),
				Event:     "SHUTDOWN",
				Reason:    signalName,
				Retained:  true,
			}
			if tracker != nil {
				if mqttStatus != nil {
					tracker.SetMQTTConnected(mqttStatus.IsConnected())
				}
				tracker.Update(seq.Role(), h.Phase().String(), levels, seq.Counts())
				snap := tracker.Snapshot()
				event.RawPayload = status.FormatStatusEvent(snap, "SHUTDOWN", signalName)
			}
			if err := publisher.PublishSystem(event); err != nil {
				log.Printf("failed to publish shutdown event: %v", err)
			} else {
				log.Printf("published shutdown event")
			}
			return nil

		case <-tick:
			t := now()

			var events []logic.Event
			if h.IsMaster() {
				if seq.DueSignal(t) {
					err := h.MasterSignal()
					if err != nil {
						log.Printf("signal error: %v", err)
					}
					events = append(events, seq.RecordSignal(t, err))
				}
			} else if h.SlaveClear() {
				events = append(events, seq.RecordTrip(t, h.Stats().Coalesced))
			}

			for _, event := range events {
				log.Printf("event: %s seq=%d coalesced=%d", event.Type, event.Seq, event.Coalesced)
				if err := publisher.Publish(event); err != nil {
					log.Printf("publish error: %v", err)
					// Don't crash on publish failure
				}
			}

			if l, err := lineLevels(h); err != nil {
				log.Printf("gpio read error: %v", err)
			} else {
				levels = l
			}

			// Check for heartbeat
			if hbData := seq.CheckHeartbeat(t, heartbeat); hbData != nil {
				log.Printf("heartbeat: uptime=%v role=%s signals=%d signal_errors=%d trips=%d coalesced=%d",
					hbData.Uptime, seq.Role(), hbData.Counts.Signals, hbData.Counts.SignalErrors, hbData.Counts.Trips, hbData.Counts.Coalesced)

				hbEvent := mqtt.SystemEvent{
					Timestamp: hbData.Timestamp,
					Event:     "HEARTBEAT",
				}
				if tracker != nil {
					if mqttStatus != nil {
						tracker.SetMQTTConnected(mqttStatus.IsConnected())
					}
					// Refresh network info for heartbeat
					if net := readNetworkInfo(); net != nil {
						tracker.SetNetwork(net)
					}
					tracker.Update(seq.Role(), h.Phase().String(), levels, seq.Counts())
					snap := tracker.Snapshot()
					hbEvent.RawPayload = status.FormatStatusEvent(snap, "HEARTBEAT", "")
				}
				if err := publisher.PublishSystem(hbEvent); err != nil {
					log.Printf("heartbeat publish error: %v", err)
				}
			}

			// Update status tracker for HTTP consumers
			if tracker != nil {
				tracker.Update(seq.Role(), h.Phase().String(), levels, seq.Counts())
				if mqttStatus != nil {
					tracker.SetMQTTConnected(mqttStatus.IsConnected())
				}
			}
		}
	}
}

// lineLevels samples COM1..COM3.
func lineLevels(h *comline.Handler) (status.LineLevels, error) {
	v, err := h.Lines()
	if err != nil {
		return status.LineLevels{}, err
	}
	return status.LineLevels{COM1: v[0], COM2: v[1], COM3: v[2]}, nil
}

func levelString(active bool) string {
	if active {
		return "HIGH"
	}
	return "LOW"
}

// pi-helper env var names (written to /run/pi-helper.env).
const (
	envNetworkType       = "NETWORK_TYPE"
	envNetworkIP         = "NETWORK_IP"
	envNetworkStatus     = "NETWORK_STATUS"
	envNetworkGateway    = "NETWORK_GATEWAY"
	envNetworkWifiStatus = "NETWORK_WIFI_STATUS"
	envNetworkWifiSSID   = "NETWORK_WIFI_SSID"
)

func readNetworkInfo() *status.NetworkInfo {
	s := os.Getenv(envNetworkStatus)
	if s == "" {
		return nil
	}
	return &status.NetworkInfo{
		Type:       os.Getenv(envNetworkType),
		IP:         os.Getenv(envNetworkIP),
		Status:     s,
		Gateway:    os.Getenv(envNetworkGateway),
		WifiStatus: os.Getenv(envNetworkWifiStatus),
		SSID:       os.Getenv(envNetworkWifiSSID),
	}
}

// resolveWSBroker converts the --ws-broker setting into a concrete URL.
// "=broker" derives ws://host:9001 from the TCP broker address; "off" disables.
func resolveWSBroker(ws, broker string) string {
	if ws == "off" {
		return ""
	}
	if ws != "=broker" {
		return ws
	}
	u, err := url.Parse(broker)
	if err != nil {
		log.Printf("ws-broker: cannot parse broker %q: %v", broker, err)
		return ""
	}
	u.Scheme = "ws"
	u.Host = u.Hostname() + ":9001"
	return u.String()
}
