package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/havocsh/havoc-sub000/pkg/auth"
	"github.com/havocsh/havoc-sub000/pkg/certauth"
	"github.com/havocsh/havoc-sub000/pkg/config"
	"github.com/havocsh/havoc-sub000/pkg/dnszone"
	"github.com/havocsh/havoc-sub000/pkg/events"
	"github.com/havocsh/havoc-sub000/pkg/fleet"
	"github.com/havocsh/havoc-sub000/pkg/gateway"
	"github.com/havocsh/havoc-sub000/pkg/lb"
	"github.com/havocsh/havoc-sub000/pkg/log"
	"github.com/havocsh/havoc-sub000/pkg/mailbox"
	"github.com/havocsh/havoc-sub000/pkg/metrics"
	"github.com/havocsh/havoc-sub000/pkg/orchestrator"
	"github.com/havocsh/havoc-sub000/pkg/reconciler"
	"github.com/havocsh/havoc-sub000/pkg/storage"
	"github.com/havocsh/havoc-sub000/pkg/tasks"
	"github.com/havocsh/havoc-sub000/pkg/triggers"
	"github.com/havocsh/havoc-sub000/pkg/types"
	"github.com/havocsh/havoc-sub000/pkg/users"
	blobstore "github.com/havocsh/havoc-sub000/pkg/blob"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the control-plane daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

func runServer() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log.Init(log.Config{
		Level:      log.Level(cfg.Log.Level),
		JSONOutput: cfg.Log.JSON,
	})
	logger := log.WithComponent("server")
	logger.Info().
		Str("region", cfg.Region).
		Str("api_domain", cfg.APIDomain).
		Msg("starting control plane")

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return err
	}

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return err
	}
	defer store.Close()

	blobs, err := blobstore.NewBoltStore(cfg.DataDir)
	if err != nil {
		return err
	}
	defer blobs.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()
	events.StartAuditLog(ctx, broker)

	// Compute fleet. A missing runtime degrades to externally registered
	// workers only.
	var fleetProvider fleet.Provider
	containerd, err := fleet.NewContainerd(cfg.Fleet.ContainerdSocket, cfg.Fleet.Namespace)
	if err != nil {
		logger.Warn().Err(err).Msg("containerd unreachable, fleet launches disabled")
		fleetProvider = &fleet.Unavailable{Reason: err.Error()}
	} else {
		fleetProvider = containerd
		defer containerd.Close()
	}

	// Embedded authoritative DNS.
	zones := make([]dnszone.Zone, 0, len(cfg.DNS.Zones))
	for _, z := range cfg.DNS.Zones {
		zones = append(zones, dnszone.Zone{ZoneID: z.ZoneID, Name: z.Name})
	}
	dnsServer := dnszone.NewServer(&dnszone.ServerConfig{
		ListenAddr: cfg.DNS.ListenAddr,
		Zones:      zones,
	})
	if err := dnsServer.Start(ctx); err != nil {
		return err
	}
	defer dnsServer.Stop()

	// Certificate authority.
	var authority certauth.Authority
	if cfg.ACME.Enabled {
		zoneID := ""
		if len(cfg.DNS.Zones) > 0 {
			zoneID = cfg.DNS.Zones[0].ZoneID
		}
		authority, err = certauth.NewACMEAuthority(cfg.ACME.Email, cfg.ACME.DirectoryURL, dnsServer, zoneID)
		if err != nil {
			return err
		}
	} else {
		authority, err = certauth.NewSelfSignedAuthority()
		if err != nil {
			return err
		}
	}

	publicAddr := cfg.PublicAddr
	if publicAddr == "" {
		publicAddr = cfg.APIDomain
	}
	lbProvider := lb.NewEmbeddedProvider(publicAddr, portACLs(store))

	registry := tasks.NewTypeRegistry(cfg.TaskTypes)
	exchange := mailbox.NewExchange(blobs)
	taskManager := tasks.NewManager(tasks.ManagerConfig{
		Store:       store,
		Exchange:    exchange,
		Fleet:       fleetProvider,
		Broker:      broker,
		Registry:    registry,
		TaskContext: cfg.Region,
		Retention:   cfg.ResultRetention,
		SettleDelay: cfg.SettleDelay,
	})

	orch := orchestrator.New(orchestrator.Config{
		Store:       store,
		DNS:         dnsServer,
		Certs:       authority,
		LB:          lbProvider,
		Broker:      broker,
		SettleDelay: cfg.SettleDelay,
	})

	if err := ensureAPIDomain(store, cfg); err != nil {
		return err
	}

	userManager := users.NewManager(store, broker)
	verifier := auth.NewVerifier(store, cfg.Region, cfg.APIDomain)

	metrics.NewCollector(store, 15*time.Second).Start(ctx)
	reconciler.New(store, time.Minute).Start(ctx)
	triggers.NewRunner(store, taskManager, cfg.Triggers, cfg.ResultRetention).Start(ctx)

	server := gateway.NewServer(gateway.ServerConfig{
		ListenAddr:   cfg.ListenAddr,
		Verifier:     verifier,
		Tasks:        taskManager,
		Orchestrator: orch,
		Users:        userManager,
	})

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh
		logger.Info().Msg("shutdown signal received")
		cancel()
	}()

	return server.Start(ctx)
}

// portACLs builds the access-rule source for the embedded balancer: the
// union of the rules of every portgroup attached to a listener on the
// port.
func portACLs(store storage.Store) lb.ACLSource {
	return func(port int) []types.ACLRule {
		listeners, err := store.ListListeners()
		if err != nil {
			return nil
		}
		var rules []types.ACLRule
		for _, l := range listeners {
			if l.Port != port {
				continue
			}
			for _, pgName := range types.ParseRefs(l.PortGroups) {
				pg, err := store.GetPortGroup(pgName)
				if err != nil {
					continue
				}
				rules = append(rules, pg.Rules...)
			}
		}
		return rules
	}
}

// ensureAPIDomain pins the Domain entity for the API's own domain when a
// configured zone serves it, so the delete guard has something to hold.
func ensureAPIDomain(store storage.Store, cfg *config.Config) error {
	var zoneID string
	for _, z := range cfg.DNS.Zones {
		if z.Name == cfg.APIDomain || z.Name == cfg.APIDomain+"." {
			zoneID = z.ZoneID
			break
		}
	}
	if zoneID == "" {
		return nil
	}

	if _, err := store.GetDomain(cfg.APIDomain); err == nil {
		return nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return err
	}

	return store.CreateDomain(&types.Domain{
		DomainName: cfg.APIDomain,
		HostedZone: zoneID,
		APIDomain:  true,
		CreateTime: time.Now().UTC(),
		UserID:     "system",
	})
}
