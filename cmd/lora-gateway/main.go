// lora-gateway is the LoRaWAN Class-A packet-forwarder gateway binary: it
// wires the Node Manager, Realtime Sender, Protocol Engine, and Server
// Manager together behind a configurable transport, with optional
// diagnostics, cloud reporting, and local persistence.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ffdev-fr/lora-gateway/internal/cloud"
	"github.com/ffdev-fr/lora-gateway/internal/config"
	"github.com/ffdev-fr/lora-gateway/internal/connector"
	"github.com/ffdev-fr/lora-gateway/internal/connector/udp"
	"github.com/ffdev-fr/lora-gateway/internal/connector/zmq"
	"github.com/ffdev-fr/lora-gateway/internal/diag"
	"github.com/ffdev-fr/lora-gateway/internal/nodemanager"
	"github.com/ffdev-fr/lora-gateway/internal/protocol"
	"github.com/ffdev-fr/lora-gateway/internal/sender"
	"github.com/ffdev-fr/lora-gateway/internal/servermanager"
	"github.com/ffdev-fr/lora-gateway/internal/storage"
	"github.com/ffdev-fr/lora-gateway/internal/transceiver"
	"github.com/ffdev-fr/lora-gateway/internal/transceiver/rak2245"
)

const defaultTransceiverID = 0

var (
	configFile string

	rootCmd = &cobra.Command{
		Use:   "lora-gateway",
		Short: "LoRaWAN Class-A packet-forwarder gateway",
	}

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the gateway service",
		RunE:  runGateway,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("lora-gateway v0.1.0")
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "/etc/lora-gateway/gateway.yaml", "Configuration file path")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runGateway(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	var gatewayID protocol.GatewayID
	idBytes, err := hex.DecodeString(cfg.Gateway.ID)
	if err != nil || len(idBytes) != 8 {
		return fmt.Errorf("gateway.id must be 16 hex characters")
	}
	copy(gatewayID[:], idBytes)

	engineCfg := protocol.DefaultConfig()
	engineCfg.GatewayID = gatewayID
	engineCfg.Geo = protocol.Geo{Lat: cfg.Gateway.Lat, Lon: cfg.Gateway.Lon, Alt: cfg.Gateway.Alt}
	engineCfg.ChannelFreqMHz = cfg.Radio.FreqMHz
	engineCfg.ChannelIndex = cfg.Radio.ChannelIndex
	engineCfg.RFChainIndex = cfg.Radio.RFChainIndex
	engine := protocol.NewEngine(engineCfg)

	var radio transceiver.Transceiver
	if cfg.Radio.Backend == "rak2245" {
		radio = rak2245.New()
	} else {
		radio = transceiver.NewFake()
	}
	transceivers := map[int]transceiver.Transceiver{defaultTransceiverID: radio}

	// nm is forward-declared so the Sender's callbacks can close over it;
	// it's assigned below before Initialize/Start are ever called.
	var nm *nodemanager.NodeManager
	snd := sender.New(100, transceivers, sender.Callbacks{
		OnScheduled: func(downlinkSessionID uint64) { nm.SessionEvent(nodemanager.SessionEvent{Kind: nodemanager.DownlinkScheduledEvent,DownlinkSessionID: downlinkSessionID}) },
		OnSending:   func(downlinkSessionID uint64) { nm.SessionEvent(nodemanager.SessionEvent{Kind: nodemanager.DownlinkSendingEvent,DownlinkSessionID: downlinkSessionID}) },
		OnFailed: func(downlinkSessionID uint64, reason sender.Result) {
			nm.SessionEvent(nodemanager.SessionEvent{Kind: nodemanager.DownlinkFailedEvent, DownlinkSessionID: downlinkSessionID, Reason: reason.String()})
		},
	})

	nmCfg := nodemanager.DefaultConfig()
	if cfg.NodeManager.MaxUpSessions > 0 {
		nmCfg.MaxUpSessions = cfg.NodeManager.MaxUpSessions
	}
	if cfg.NodeManager.MaxDownSessions > 0 {
		nmCfg.MaxDownSessions = cfg.NodeManager.MaxDownSessions
	}
	nmCfg.AckUnconfirmed = cfg.NodeManager.AckUnconfirmed
	nm = nodemanager.New(nmCfg, transceivers, snd)

	params := transceiver.DefaultParams()
	if cfg.Radio.Bandwidth != 0 {
		params.Bandwidth = cfg.Radio.Bandwidth
	}
	if cfg.Radio.SpreadingFactor != 0 {
		params.SpreadingFactor = cfg.Radio.SpreadingFactor
	}
	if cfg.Radio.CodingRate != "" {
		params.CodingRate = cfg.Radio.CodingRate
	}
	if err := nm.Initialize(params); err != nil {
		return fmt.Errorf("failed to initialize node manager: %w", err)
	}

	var conn connector.Connector
	switch cfg.Connector.Transport {
	case "zmq":
		conn = zmq.New(zmq.Config{EventURL: cfg.Connector.EventURL, CommandURL: cfg.Connector.CommandURL})
	default:
		conn = udp.New(udp.Config{ServerAddr: cfg.Connector.ServerAddr})
	}

	smCfg := servermanager.DefaultConfig()
	if cfg.Timing.HeartbeatIntervalSeconds > 0 {
		smCfg.HeartbeatInterval = config.SecondsToDuration(cfg.Timing.HeartbeatIntervalSeconds)
	}
	smCfg.DownlinkTransceiver = defaultTransceiverID
	sm := servermanager.New(smCfg, engine, conn)

	if err := nm.Attach(sm); err != nil {
		return fmt.Errorf("failed to attach server manager to node manager: %w", err)
	}
	sm.Attach(nm)

	var db *storage.DB
	if cfg.Storage.Path != "" {
		db, err = storage.Open(cfg.Storage.Path)
		if err != nil {
			return fmt.Errorf("failed to open storage: %w", err)
		}
	}

	var diagServer *diag.Server
	if cfg.Diag.Enabled {
		diagCfg := diag.DefaultConfig()
		if cfg.Diag.Addr != "" {
			diagCfg.Addr = cfg.Diag.Addr
		}
		if cfg.Diag.Path != "" {
			diagCfg.Path = cfg.Diag.Path
		}
		diagServer = diag.New(diagCfg)
		diagServer.SetCommandHandler(func(command string) {
			if command == "force_heartbeat" {
				sm.ForceHeartbeat()
			}
		})
	}

	if db != nil || diagServer != nil {
		sm.AttachSink(&fanoutSink{db: db, diag: diagServer})
	}

	var reporter *cloud.Reporter
	if cfg.Cloud.Enabled {
		cloudCfg := cloud.DefaultConfig()
		cloudCfg.ServerAddr = cfg.Cloud.ServerAddr
		cloudCfg.GatewayID = cfg.Gateway.ID
		cloudCfg.APIKey = cfg.Cloud.APIKey
		cloudCfg.UseTLS = cfg.Cloud.UseTLS
		if cfg.Cloud.ReportInterval > 0 {
			cloudCfg.ReportInterval = config.SecondsToDuration(cfg.Cloud.ReportInterval)
		}
		reporter = cloud.New(cloudCfg, &statAdapter{sm: sm})
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := sm.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize server manager: %w", err)
	}
	if err := conn.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize connector: %w", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	log.Printf("Starting lora-gateway %s", cfg.Gateway.ID)

	if diagServer != nil {
		if err := diagServer.Start(); err != nil {
			return fmt.Errorf("failed to start diagnostics server: %w", err)
		}
	}
	if reporter != nil {
		if err := reporter.Start(ctx); err != nil {
			return fmt.Errorf("failed to start cloud reporter: %w", err)
		}
	}
	if err := sm.Start(); err != nil {
		return fmt.Errorf("failed to start server manager: %w", err)
	}
	if err := nm.Start(); err != nil {
		return fmt.Errorf("failed to start node manager: %w", err)
	}

	sig := <-sigChan
	log.Printf("Received signal %v, shutting down...", sig)

	if err := nm.Stop(); err != nil {
		log.Printf("Error stopping node manager: %v", err)
	}
	if err := sm.Stop(); err != nil {
		log.Printf("Error stopping server manager: %v", err)
	}
	if reporter != nil {
		if err := reporter.Stop(); err != nil {
			log.Printf("Error stopping cloud reporter: %v", err)
		}
	}
	if diagServer != nil {
		if err := diagServer.Stop(); err != nil {
			log.Printf("Error stopping diagnostics server: %v", err)
		}
	}
	if db != nil {
		if err := db.Close(); err != nil {
			log.Printf("Error closing storage: %v", err)
		}
	}

	log.Println("Shutdown complete")
	return nil
}

// statAdapter bridges servermanager.ServerManager.Stats() to the cloud
// reporter's narrower Stats view, keeping internal/cloud decoupled from
// internal/protocol.
type statAdapter struct {
	sm *servermanager.ServerManager
}

func (a *statAdapter) Stats() cloud.Stats {
	s := a.sm.Stats()
	return cloud.Stats{Rxnb: s.Rxnb, Rxok: s.Rxok, Rxfw: s.Rxfw, Ackr: s.Ackr(), Dwnb: s.Dwnb, Txnb: s.Txnb}
}

// fanoutSink implements servermanager.EventSink, forwarding session
// outcomes and stat snapshots to whichever of storage/diag are configured.
type fanoutSink struct {
	db   *storage.DB
	diag *diag.Server
}

func (f *fanoutSink) SessionEvent(component string, sessionID uint64, devAddr uint32, event string, reason string) {
	if f.diag != nil {
		f.diag.PublishSessionState(map[string]interface{}{
			"component":  component,
			"session_id": sessionID,
			"dev_addr":   devAddr,
			"event":      event,
			"reason":     reason,
		})
	}
	if f.db != nil {
		_, err := f.db.InsertSessionEvent(&storage.SessionEvent{
			OccurredAt: time.Now(),
			Component:  component,
			SessionID:  sessionID,
			DevAddr:    devAddr,
			Event:      event,
			Reason:     reason,
		})
		if err != nil {
			log.Printf("storage: failed to record session event: %v", err)
		}
	}
}

func (f *fanoutSink) StatSnapshot(s protocol.Stats) {
	if f.diag != nil {
		f.diag.PublishStat(map[string]interface{}{
			"rxnb": s.Rxnb, "rxok": s.Rxok, "rxfw": s.Rxfw,
			"ackr": s.Ackr(), "dwnb": s.Dwnb, "txnb": s.Txnb,
		})
	}
	if f.db != nil {
		_, err := f.db.InsertStatSnapshot(&storage.StatSnapshot{
			TakenAt: time.Now(),
			Rxnb:    s.Rxnb, Rxok: s.Rxok, Rxfw: s.Rxfw,
			Ackr: s.Ackr(), Dwnb: s.Dwnb, Txnb: s.Txnb,
		})
		if err != nil {
			log.Printf("storage: failed to record stat snapshot: %v", err)
		}
	}
}
