// OsirisCare Compliance Appliance.
//
// The main daemon on site appliances: phone-home checkin, drift detection,
// three-tier auto-healing, evidence generation, and the learning flywheel.
//
// Usage:
//
//	compliance-agent-appliance --config /var/lib/msp/config.yaml
//	compliance-agent-appliance --provision <code>
//	compliance-agent-appliance --provision-interactive
//	compliance-agent-appliance update_agent --check|--status|--rollback|--health
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/osiriscare/compliance-appliance/internal/daemon"
)

var (
	flagConfig      = flag.String("config", "/var/lib/msp/config.yaml", "Config file path")
	flagVersion     = flag.Bool("version", false, "Print version and exit")
	flagProvision   = flag.String("provision", "", "Provision this appliance with the given code and exit")
	flagInteractive = flag.Bool("provision-interactive", false, "Prompt for a provisioning code and exit")
	flagEndpoint    = flag.String("endpoint", "https://api.osiriscare.net", "Control plane endpoint (provisioning only)")
)

func main() {
	flag.Parse()

	if *flagVersion {
		fmt.Printf("compliance-agent-appliance %s\n", daemon.Version)
		os.Exit(0)
	}

	log.SetFlags(log.LstdFlags | log.Lshortfile)

	if flag.Arg(0) == "update_agent" {
		if err := runUpdateAgent(flag.Args()[1:], *flagConfig); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	if *flagProvision != "" || *flagInteractive {
		if err := runProvisioning(*flagEndpoint, *flagConfig, *flagProvision, *flagInteractive); err != nil {
			fmt.Fprintf(os.Stderr, "provisioning failed: %v\n", err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	cfg, err := daemon.LoadConfig(*flagConfig)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Printf("Shutdown signal: %v", sig)
		cancel()
	}()

	d, err := daemon.New(cfg, daemon.Version)
	if err != nil {
		log.Fatalf("Failed to start daemon: %v", err)
	}
	if err := d.Run(ctx); err != nil {
		log.Fatalf("Daemon failed: %v", err)
	}
}
