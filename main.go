package main

import (
	"bufio"
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog"

	"vesselmesh/pkg/attest"
	"vesselmesh/pkg/identity"
	"vesselmesh/pkg/mesh"
	"vesselmesh/pkg/transport"
)

type startupSpawnConfig struct {
	Name        string `toml:"name"`
	Threshold   int    `toml:"threshold"`
	Total       int    `toml:"total"`
	Payload     string `toml:"payload"`
	PayloadFile string `toml:"payload_file"`
}

type startupProfile struct {
	Headless            bool                 `toml:"headless"`
	Bootstrap           string               `toml:"bootstrap"`
	Listen              string               `toml:"listen"`
	ControlListen       string               `toml:"control_listen"`
	ControlToken        string               `toml:"control_token"`
	TrustedMeasurements []string             `toml:"trusted_measurements"`
	AutoSpawn           []startupSpawnConfig `toml:"auto_spawn"`
}

const spawnSettleDelay = 3 * time.Second

func main() {
	name := flag.String("name", "vessel", "Node name reported in heartbeats")
	dataDir := flag.String("data", "./data", "Data directory (identity key and vessel store)")
	listenAddr := flag.String("listen", "/ip4/0.0.0.0/tcp/0", "libp2p listen multiaddr")
	bootstrapNodes := flag.String("bootstrap", "", "Comma-separated bootstrap multiaddrs (empty: mDNS only)")
	configPath := flag.String("config", "", "Optional path to startup profile TOML")
	headless := flag.Bool("headless", false, "Run without interactive operator console")
	controlListen := flag.String("control-listen", "", "Optional control API listen address (for example 127.0.0.1:8787)")
	controlToken := flag.String("control-token", "", "Optional control API token (sent in X-VesselMesh-Token)")
	measurement := flag.String("measurement", "dev-vessel", "Enclave measurement reported in quotes")
	heartbeat := flag.Duration("heartbeat", 2*time.Second, "Heartbeat broadcast interval")
	failureTimeout := flag.Duration("failure-timeout", 10*time.Second, "Silence before a peer is reported failed")
	respawnTimeout := flag.Duration("respawn-timeout", 30*time.Second, "How long a reconstruction attempt may collect fragments")
	logLevel := flag.String("log-level", "info", "zerolog level (trace|debug|info|warn|error)")
	flag.Parse()

	level, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).
		Level(level).With().Timestamp().Logger()

	profile, err := loadStartupProfile(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load startup profile")
	}
	if profile != nil {
		if v := strings.TrimSpace(profile.Bootstrap); v != "" {
			*bootstrapNodes = v
		}
		if v := strings.TrimSpace(profile.Listen); v != "" {
			*listenAddr = v
		}
		if v := strings.TrimSpace(profile.ControlListen); v != "" {
			*controlListen = v
		}
		if v := strings.TrimSpace(profile.ControlToken); v != "" {
			*controlToken = v
		}
	}
	runHeadless := *headless
	if profile != nil && profile.Headless {
		runHeadless = true
	}

	if err := os.MkdirAll(*dataDir, 0o700); err != nil {
		log.Fatal().Err(err).Msg("create data directory")
	}
	id, err := identity.LoadOrCreate(*dataDir, *name)
	if err != nil {
		log.Fatal().Err(err).Msg("load identity")
	}
	store, err := identity.NewStore(filepath.Join(*dataDir, "vessels.db"))
	if err != nil {
		log.Fatal().Err(err).Msg("open vessel store")
	}
	defer store.Close()

	trusted, err := trustedMeasurements(profile)
	if err != nil {
		log.Fatal().Err(err).Msg("parse trusted measurements")
	}
	attestor, err := attest.NewDevAttestor([]byte(*measurement), trusted...)
	if err != nil {
		log.Fatal().Err(err).Msg("create attestor")
	}

	tr, err := transport.NewLibp2p(id.Libp2pKey, *listenAddr, *bootstrapNodes, log)
	if err != nil {
		log.Fatal().Err(err).Msg("start transport")
	}

	cfg := mesh.DefaultConfig()
	cfg.NodeName = *name
	cfg.HeartbeatInterval = *heartbeat
	cfg.FailureTimeout = *failureTimeout
	cfg.RespawnTimeout = *respawnTimeout

	node := mesh.NewNode(id, store, attestor, tr, cfg, log)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go node.Run(ctx)

	var controlServer *controlAPIServer
	if addr := strings.TrimSpace(*controlListen); addr != "" {
		token := strings.TrimSpace(*controlToken)
		if token == "" {
			log.Fatal().Msg("refusing to start control API without token; set --control-token")
		}
		if !isLikelyLoopbackAddr(addr) {
			log.Warn().Str("addr", addr).Msg("control API not bound to loopback; prefer 127.0.0.1")
		}
		controlServer, err = startControlAPI(addr, node, token, log)
		if err != nil {
			log.Fatal().Err(err).Msg("start control API")
		}
		log.Info().Str("addr", addr).Msg("control API listening")
	}

	log.Info().
		Str("peer", id.PeerID).
		Str("name", *name).
		Strs("addrs", tr.Addrs()).
		Msg("vessel node started")

	if profile != nil && len(profile.AutoSpawn) > 0 {
		go autoSpawn(node, profile.AutoSpawn, log)
	}

	if runHeadless {
		log.Info().Msg("headless mode: operator console disabled")
	} else {
		fmt.Println("Operator console: spawn <name> <t> <n> <payload> | agents | peers | status | addrs | help")
		go operatorConsole(node, tr)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	if controlServer != nil {
		_ = controlServer.Stop()
	}
	node.Stop()
	log.Info().Msg("node stopped")
}

func loadStartupProfile(path string) (*startupProfile, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var profile startupProfile
	if err := toml.Unmarshal(b, &profile); err != nil {
		return nil, err
	}
	return &profile, nil
}

func trustedMeasurements(profile *startupProfile) ([][]byte, error) {
	if profile == nil {
		return nil, nil
	}
	out := make([][]byte, 0, len(profile.TrustedMeasurements))
	for _, entry := range profile.TrustedMeasurements {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		// hex: prefix marks raw measurement bytes; anything else is taken
		// verbatim, matching the dev attestor's string measurements.
		if rest, ok := strings.CutPrefix(entry, "hex:"); ok {
			raw, err := hex.DecodeString(rest)
			if err != nil {
				return nil, fmt.Errorf("measurement %q: %w", entry, err)
			}
			out = append(out, raw)
			continue
		}
		out = append(out, []byte(entry))
	}
	return out, nil
}

// autoSpawn waits for the mesh to settle, then spawns the profile's agents.
func autoSpawn(node *mesh.Node, specs []startupSpawnConfig, log zerolog.Logger) {
	time.Sleep(spawnSettleDelay)
	for _, entry := range specs {
		name := strings.TrimSpace(entry.Name)
		if name == "" {
			continue
		}
		payload := []byte(entry.Payload)
		if file := strings.TrimSpace(entry.PayloadFile); file != "" {
			b, err := os.ReadFile(file)
			if err != nil {
				log.Error().Err(err).Str("agent", name).Msg("auto-spawn payload file")
				continue
			}
			payload = b
		}
		vs, err := node.Spawn(name, payload, entry.Threshold, entry.Total)
		if err != nil {
			log.Error().Err(err).Str("agent", name).Msg("auto-spawn failed")
			continue
		}
		log.Info().Str("agent", vs.Lineage()).Str("next_vessel", vs.Next).Msg("auto-spawned agent")
	}
}

func operatorConsole(node *mesh.Node, tr *transport.Libp2pTransport) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		parts := strings.Fields(line)
		switch strings.ToLower(parts[0]) {
		case "help":
			fmt.Println("Commands:")
			fmt.Println("  spawn <name> <threshold> <total> <payload...>")
			fmt.Println("  agents")
			fmt.Println("  peers")
			fmt.Println("  status")
			fmt.Println("  addrs")
			fmt.Println("  help")
		case "spawn":
			if len(parts) < 5 {
				fmt.Println("[Operator] Usage: spawn <name> <threshold> <total> <payload...>")
				continue
			}
			threshold, err1 := strconv.Atoi(parts[2])
			total, err2 := strconv.Atoi(parts[3])
			if err1 != nil || err2 != nil {
				fmt.Println("[Operator] threshold and total must be integers")
				continue
			}
			payload := strings.Join(parts[4:], " ")
			vs, err := node.Spawn(parts[1], []byte(payload), threshold, total)
			if err != nil {
				fmt.Printf("[Operator] Spawn failed: %v\n", err)
				continue
			}
			fmt.Printf("[Operator] Spawned %s (successor %s, %d-of-%d fragments)\n",
				vs.Lineage(), vs.Next, vs.Threshold, vs.TotalFrags)
		case "agents":
			st, err := node.Status()
			if err != nil {
				fmt.Printf("[Operator] Status failed: %v\n", err)
				continue
			}
			if len(st.Summary.Vessels) == 0 {
				fmt.Println("[Operator] No known agents")
				continue
			}
			fmt.Printf("[Operator] Known agents (%d):\n", len(st.Summary.Vessels))
			for _, vs := range st.Summary.Vessels {
				fmt.Printf("- %s vessel=%s next=%s %d-of-%d\n",
					vs.Lineage(), vs.Current, vs.Next, vs.Threshold, vs.TotalFrags)
			}
		case "peers":
			st, err := node.Status()
			if err != nil {
				fmt.Printf("[Operator] Status failed: %v\n", err)
				continue
			}
			if len(st.PeerLastSeen) == 0 {
				fmt.Println("[Operator] No known peers")
				continue
			}
			fmt.Printf("[Operator] Known peers (%d):\n", len(st.PeerLastSeen))
			for peerID, age := range st.PeerLastSeen {
				fmt.Printf("- %s last seen %s ago\n", peerID, age.Truncate(time.Millisecond))
			}
		case "status":
			st, err := node.Status()
			if err != nil {
				fmt.Printf("[Operator] Status failed: %v\n", err)
				continue
			}
			fmt.Printf("[Operator] Peer %s (%s): %d peers, %d agents, %d pending respawns\n",
				st.PeerID, st.NodeName, len(st.PeerLastSeen), len(st.Summary.Vessels), st.Pending)
		case "addrs":
			for _, a := range tr.Addrs() {
				fmt.Printf("- %s\n", a)
			}
		default:
			fmt.Printf("[Operator] Unknown command: %s (try: help)\n", parts[0])
		}
	}
}

func isLikelyLoopbackAddr(addr string) bool {
	addr = strings.TrimSpace(strings.ToLower(addr))
	return strings.HasPrefix(addr, "127.0.0.1:") || strings.HasPrefix(addr, "localhost:") || strings.HasPrefix(addr, "[::1]:")
}
