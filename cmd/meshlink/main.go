package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"meshlink/internal/discovery"
	"meshlink/internal/mesh"
	"meshlink/internal/registry"
	"meshlink/internal/store"
	"meshlink/internal/syncbridge"
	"meshlink/internal/transport"
	"meshlink/internal/web"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

type Config struct {
	Mesh struct {
		DeviceID          string        `yaml:"device_id"`
		DeviceType        string        `yaml:"device_type"`
		DiscoveryInterval time.Duration `yaml:"discovery_interval"`
		ScanTimeout       time.Duration `yaml:"scan_timeout"`
		QueueSize         int           `yaml:"queue_size"`
		AckTimeout        time.Duration `yaml:"ack_timeout"`
		MaxRetries        int           `yaml:"max_retries"`
		Rate              float64       `yaml:"rate"`
		Burst             int           `yaml:"burst"`
		DefaultTTL        int           `yaml:"default_ttl"`
		RouteMaxAge       time.Duration `yaml:"route_max_age"`
		SeenTTL           time.Duration `yaml:"seen_ttl"`
	} `yaml:"mesh"`
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	Transport struct {
		Type   string            `yaml:"type"` // "loopback", "serial" or "tcp"
		Port   string            `yaml:"port"`
		Baud   int               `yaml:"baud"`
		Listen string            `yaml:"listen"`
		Peers  map[string]string `yaml:"peers"` // device id -> host:port
	} `yaml:"transport"`
	Discovery struct {
		Type      string `yaml:"type"` // "none", "static" or "mdns"
		Service   string `yaml:"service"`
		Advertise bool   `yaml:"advertise"`
		Static    []struct {
			ID     string `yaml:"id"`
			Type   string `yaml:"type"`
			Signal int    `yaml:"signal"`
		} `yaml:"static"`
	} `yaml:"discovery"`
	Sync struct {
		Enabled           bool          `yaml:"enabled"`
		Role              string        `yaml:"role"`
		Authority         string        `yaml:"authority"`
		Interval          time.Duration `yaml:"interval"`
		ItemTypes         []string      `yaml:"item_types"`
		CompressThreshold int           `yaml:"compress_threshold"`
	} `yaml:"sync"`
	Web struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	MQTT struct {
		Enabled     bool   `yaml:"enabled"`
		Broker      string `yaml:"broker"`
		ClientID    string `yaml:"client_id"`
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
		TopicPrefix string `yaml:"topic_prefix"`
		HADiscovery bool   `yaml:"ha_discovery"`
	} `yaml:"mqtt"`
	Automation struct {
		Enabled    bool   `yaml:"enabled"`
		ScriptsDir string `yaml:"scripts_dir"`
	} `yaml:"automation"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

func (c *Config) validate() error {
	if !store.DeviceType(c.Mesh.DeviceType).Valid() {
		return fmt.Errorf("mesh.device_type %q is not a known device type", c.Mesh.DeviceType)
	}
	if c.Mesh.Rate < 0 || c.Mesh.Burst < 0 {
		return fmt.Errorf("mesh.rate and mesh.burst must not be negative")
	}
	switch c.Transport.Type {
	case "loopback":
	case "serial":
		if c.Transport.Port == "" {
			return fmt.Errorf("transport.port is required for the serial transport")
		}
	case "tcp":
		if c.Transport.Listen == "" {
			return fmt.Errorf("transport.listen is required for the tcp transport")
		}
	default:
		return fmt.Errorf("unknown transport.type %q (supported: loopback, serial, tcp)", c.Transport.Type)
	}
	switch c.Discovery.Type {
	case "none", "mdns":
	case "static":
		for i, d := range c.Discovery.Static {
			if d.ID == "" {
				return fmt.Errorf("discovery.static[%d].id is required", i)
			}
			if !store.DeviceType(d.Type).Valid() {
				return fmt.Errorf("discovery.static[%d].type %q is not a known device type", i, d.Type)
			}
		}
	default:
		return fmt.Errorf("unknown discovery.type %q (supported: none, static, mdns)", c.Discovery.Type)
	}
	if c.Discovery.Advertise && c.Transport.Type != "tcp" {
		return fmt.Errorf("discovery.advertise needs the tcp transport")
	}
	if c.Sync.Enabled {
		switch syncbridge.Role(c.Sync.Role) {
		case syncbridge.RoleAuthority:
		case syncbridge.RoleDevice:
			if c.Sync.Authority == "" {
				return fmt.Errorf("sync.authority is required for the device role")
			}
		default:
			return fmt.Errorf("sync.role must be authority or device, got %q", c.Sync.Role)
		}
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	return nil
}

func main() {
	// Temporary logger for config loading errors.
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfgPath := "config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		bootLogger.Error("load config", "err", err)
		os.Exit(1)
	}

	if err := cfg.validate(); err != nil {
		bootLogger.Error("invalid config", "err", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("meshlink starting", "version", version)

	db, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	reg, err := registry.New(db, logger)
	if err != nil {
		logger.Error("load registry", "err", err)
		os.Exit(1)
	}

	tr, tcp, err := openTransport(cfg, logger)
	if err != nil {
		logger.Error("open transport", "err", err)
		os.Exit(1)
	}
	if tr != nil {
		defer tr.Close()
	}

	mdns, source := newSource(cfg, tcp, logger)

	svc, err := mesh.New(meshConfig(cfg), mesh.Deps{
		Store:     db,
		Registry:  reg,
		Transport: tr,
		Source:    source,
	}, logger)
	if err != nil {
		logger.Error("create mesh service", "err", err)
		os.Exit(1)
	}

	var bridge *syncbridge.Bridge
	if cfg.Sync.Enabled {
		bridge, err = syncbridge.New(syncbridge.Config{
			Role:              syncbridge.Role(cfg.Sync.Role),
			Authority:         cfg.Sync.Authority,
			Interval:          cfg.Sync.Interval,
			ItemTypes:         cfg.Sync.ItemTypes,
			CompressThreshold: cfg.Sync.CompressThreshold,
		}, svc, db, logger)
		if err != nil {
			logger.Error("create sync bridge", "err", err)
			os.Exit(1)
		}
	}

	svc.Start(cfg.Mesh.DeviceID)

	var advert *discovery.Advertisement
	if mdns != nil && cfg.Discovery.Advertise {
		port := tcp.Addr().(*net.TCPAddr).Port
		advert, err = mdns.Advertise(svc.LocalID(), store.DeviceType(cfg.Mesh.DeviceType), port)
		if err != nil {
			logger.Warn("mdns advertise", "err", err)
		}
	}

	runCtx, stopRun := context.WithCancel(context.Background())
	if bridge != nil {
		go bridge.Run(runCtx)
	}

	// Start automation engine (no-op when built with no_automation tag).
	auto, autoWebOpts := initAutomation(svc, cfg, logger)

	var webOpts []web.ServerOption
	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	if bridge != nil {
		webOpts = append(webOpts, web.WithSync(bridge))
	}
	webOpts = append(webOpts, web.WithVersion(version))
	webOpts = append(webOpts, autoWebOpts...)

	webServer := web.NewServer(svc, logger, webOpts...)

	ln, err := net.Listen("tcp", cfg.Web.Listen)
	if err != nil {
		logger.Error("web listen", "addr", cfg.Web.Listen, "err", err)
		os.Exit(1)
	}
	go func() {
		if err := webServer.Serve(ln); err != nil {
			logger.Error("http server", "err", err)
		}
	}()

	// Start MQTT bridge (no-op when built with no_mqtt tag).
	mqtt := initMQTT(svc, cfg, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	signal.Stop(sigCh)
	logger.Info("shutting down", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	auto.Stop()
	mqtt.Stop()
	if err := webServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	webServer.Stop()
	stopRun()
	advert.Stop()
	svc.Stop()

	logger.Info("goodbye")
}

// openTransport returns the configured medium. The loopback transport is a
// nil Transport: the service then delivers every send locally. tcp is
// non-nil only for the tcp transport so discovery can feed it peer
// addresses.
func openTransport(cfg *Config, logger *slog.Logger) (mesh.Transport, *transport.TCP, error) {
	switch cfg.Transport.Type {
	case "serial":
		logger.Info("using serial transport", "port", cfg.Transport.Port, "baud", cfg.Transport.Baud)
		s, err := transport.OpenSerial(cfg.Transport.Port, cfg.Transport.Baud, logger)
		if err != nil {
			return nil, nil, err
		}
		return s, nil, nil
	case "tcp":
		t, err := transport.ListenTCP(cfg.Transport.Listen, logger)
		if err != nil {
			return nil, nil, err
		}
		for id, addr := range cfg.Transport.Peers {
			t.SetPeerAddr(id, addr)
		}
		logger.Info("using tcp transport", "addr", t.Addr().String(), "peers", len(cfg.Transport.Peers))
		return t, t, nil
	default:
		logger.Info("using loopback transport")
		return nil, nil, nil
	}
}

func newSource(cfg *Config, tcp *transport.TCP, logger *slog.Logger) (*discovery.MDNS, mesh.DeviceSource) {
	switch cfg.Discovery.Type {
	case "static":
		candidates := make([]mesh.Candidate, 0, len(cfg.Discovery.Static))
		for _, d := range cfg.Discovery.Static {
			candidates = append(candidates, mesh.Candidate{ID: d.ID, Type: store.DeviceType(d.Type), Signal: d.Signal})
		}
		return nil, discovery.NewStatic(candidates)
	case "mdns":
		mcfg := discovery.MDNSConfig{Service: cfg.Discovery.Service, SelfID: cfg.Mesh.DeviceID}
		if tcp != nil {
			mcfg.OnPeer = tcp.SetPeerAddr
		}
		m := discovery.NewMDNS(mcfg, logger)
		return m, m
	default:
		return nil, nil
	}
}

func meshConfig(cfg *Config) mesh.Config {
	return mesh.Config{
		DeviceID:          cfg.Mesh.DeviceID,
		DeviceType:        store.DeviceType(cfg.Mesh.DeviceType),
		DiscoveryInterval: cfg.Mesh.DiscoveryInterval,
		ScanTimeout:       cfg.Mesh.ScanTimeout,
		QueueSize:         cfg.Mesh.QueueSize,
		AckTimeout:        cfg.Mesh.AckTimeout,
		MaxRetries:        cfg.Mesh.MaxRetries,
		Rate:              cfg.Mesh.Rate,
		Burst:             cfg.Mesh.Burst,
		DefaultTTL:        cfg.Mesh.DefaultTTL,
		RouteMaxAge:       cfg.Mesh.RouteMaxAge,
		SeenTTL:           cfg.Mesh.SeenTTL,
	}
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Mesh.DeviceType == "" {
		cfg.Mesh.DeviceType = string(store.DeviceNode)
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "meshlink.db"
	}
	if cfg.Transport.Type == "" {
		cfg.Transport.Type = "loopback"
	}
	if cfg.Transport.Baud == 0 {
		cfg.Transport.Baud = 115200
	}
	if cfg.Discovery.Type == "" {
		cfg.Discovery.Type = "none"
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8080"
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "meshlink"
	}
	if cfg.Automation.ScriptsDir == "" {
		cfg.Automation.ScriptsDir = "scripts"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	return &cfg, nil
}

func newLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
