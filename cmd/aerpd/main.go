package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/phuslu/log"

	aerp "aerp_core"
	"aerp_core/config"
	"aerp_core/host"
	"aerp_core/watchdog"
)

func main() {
	config_path := flag.String("config", "aerp_config.yaml", "configuration file path")
	listen_addr := flag.String("listen", "", "override mesh listen address (host:port)")
	peer_list := flag.String("peers", "", "override mesh peers (comma separated host:port)")
	debug := flag.Bool("debug", false, "enable debug logging")
	logfile := flag.Bool("logfile", false, "write logs to a timestamped file under log/")
	flag.Parse()

	watchdog.Init(*debug, *logfile)

	cfg, err := config.LoadConfig(*config_path)
	if err != nil {
		log.Fatal().Err(err).Str("path", *config_path).Msg("configuration load failed")
	}
	if *listen_addr != "" {
		cfg.Mesh.ListenAddr = *listen_addr
	}
	if *peer_list != "" {
		cfg.Mesh.Peers = strings.Split(*peer_list, ",")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	aerp_host, core, err := host.NewDefaultAERPHost(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("mesh service startup failed")
	}

	ctx, cancel := context.WithCancel(context.Background())
	host_done := make(chan bool, 1)
	go func() {
		aerp_host.ListenAndServe(ctx)
		host_done <- true
	}()

	if cfg.AutoStart {
		switch core.StartEmergency() {
		case aerp.StartOK:
			fmt.Println("Emergency broadcast auto-started.")
		case aerp.StartIdentityUnknown:
			log.Warn().Msg("auto-start deferred, node identity not yet known")
		}
	}

	runCommandLoop(core)

	// stops any running broadcast; no clear message on plain exit
	core.StopEmergency(false)
	cancel()
	<-host_done
}

func runCommandLoop(core *aerp.AERP) {
	fmt.Println("\n--- AERP Emergency Response ---")
	fmt.Println("Type 'help' for commands.")

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("AERP> ")
		if !scanner.Scan() {
			fmt.Println()
			return
		}
		switch strings.ToLower(strings.TrimSpace(scanner.Text())) {
		case "":
		case "start":
			switch core.StartEmergency() {
			case aerp.StartOK:
				fmt.Println("Emergency broadcast started.")
			case aerp.StartAlreadyActive:
				fmt.Println("An emergency broadcast is already active.")
			case aerp.StartIdentityUnknown:
				fmt.Println("Cannot start: node identity is not known yet.")
			}
		case "stop":
			if core.StopEmergency(true) {
				fmt.Println("Emergency broadcast stopped. 'All Clear' sent.")
			} else {
				fmt.Println("No emergency broadcast is active.")
			}
		case "status":
			printStatus(core.Status())
		case "help":
			fmt.Println("\nAvailable Commands:")
			fmt.Println("  start   - Start broadcasting emergency messages.")
			fmt.Println("  stop    - Stop broadcasting and send 'All Clear'.")
			fmt.Println("  status  - Show current status, ACKs, and received alerts.")
			fmt.Println("  help    - Show this help message.")
			fmt.Println("  exit    - Quit (stops any broadcast first).")
			fmt.Println()
		case "exit", "quit":
			return
		default:
			fmt.Println("Unknown command. Type 'help' for options.")
		}
	}
}

func printStatus(snapshot aerp.Snapshot) {
	fmt.Println("\n--- AERP Status ---")
	fmt.Printf("  My Node ID:       %s\n", snapshot.SelfID)
	fmt.Printf("  Emergency Active: %v\n", snapshot.EmergencyActive)
	if snapshot.ActiveSessionID != "" {
		fmt.Printf("  Emergency ID:     %s\n", snapshot.ActiveSessionID)
	} else {
		fmt.Println("  Emergency ID:     (None Active)")
	}

	fmt.Println("  Acknowledgements (for active emergency):")
	switch {
	case snapshot.ActiveSessionID == "":
		fmt.Println("    (No emergency active to receive ACKs for)")
	case len(snapshot.Acknowledgements) == 0:
		fmt.Println("    (None received yet)")
	default:
		for _, node := range sortedKeys(snapshot.Acknowledgements) {
			fmt.Printf("    - %s (at %s)\n", node, snapshot.Acknowledgements[node])
		}
	}

	fmt.Println("  Active Received Emergencies (from others):")
	if len(snapshot.TrackedEmergencies) == 0 {
		fmt.Println("    (None)")
	}
	for node, info := range snapshot.TrackedEmergencies {
		gps_str := "No GPS"
		if info.GPS != nil {
			gps_str = fmt.Sprintf("Lat %.5f, Lon %.5f", info.GPS.Latitude, info.GPS.Longitude)
		}
		batt_str := "N/A"
		if info.Battery != nil {
			batt_str = fmt.Sprintf("%d%%", *info.Battery)
		}
		fmt.Printf("    - From: %s\n", node)
		fmt.Printf("        ID: %s\n", info.EmergencyID)
		fmt.Printf("        Msg: '%s'\n", info.Message)
		fmt.Printf("        GPS: %s\n", gps_str)
		fmt.Printf("        Battery: %s\n", batt_str)
		fmt.Printf("        Received At: %s\n", info.ReceivedAt)
		fmt.Printf("        Last Seen: %s\n", info.LastSeen)
	}
	fmt.Printf("  Proximity Alerts: %d\n", snapshot.ProximityAlerts)
	fmt.Println("-------------------")
	fmt.Println()
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
