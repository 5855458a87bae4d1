package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"

	"vmenergy/internal/agent"
	"vmenergy/internal/api"
	"vmenergy/internal/attribution"
	"vmenergy/internal/campaign"
	"vmenergy/internal/clock"
	"vmenergy/internal/config"
	"vmenergy/internal/configdir"
	"vmenergy/internal/consumption"
	"vmenergy/internal/cpuusage"
	"vmenergy/internal/device"
	"vmenergy/internal/diag"
	"vmenergy/internal/hypervisor"
	"vmenergy/internal/inventory"
	"vmenergy/internal/lease"
	"vmenergy/internal/logging"
	"vmenergy/internal/metrics"
	"vmenergy/internal/power"
	"vmenergy/internal/secrets"
	"vmenergy/internal/tsdb"
	"vmenergy/internal/tui"
)

const version = "0.1.0-dev"

var (
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#87d787")).Bold(true)
	valueStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#ffd700")).Bold(true)
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#ff5f5f")).Bold(true)
)

func main() {
	if len(os.Args) <= 1 {
		runTUI()
		return
	}

	command := strings.ToLower(os.Args[1])
	if handler, ok := commandHandlers()[command]; ok {
		handler()
		return
	}

	fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
	printUsage()
	os.Exit(1)
}

func commandHandlers() map[string]func() {
	return map[string]func(){
		"agent":   runAgent,
		"serve":   runServe,
		"energy":  runEnergy,
		"probe":   runProbe,
		"vms":     runVMs,
		"tsdb":    runTSDB,
		"secrets": runSecrets,
		"config":  runConfig,
		"unlock":  runUnlock,
		"diag":    runDiag,
		"tui":     runTUI,
		"version": runVersion,
		"help":    printUsage,
		"--help":  printUsage,
		"-h":      printUsage,
	}
}

func runVersion() {
	fmt.Printf("vmenergy version %s\n", version)
}

// exit is swapped in tests.
var exit = os.Exit

func fail(logger *logging.Logger, eventType, message string, err error) {
	report(logger, eventType, message, err)
	exit(1)
}

func report(logger *logging.Logger, eventType, message string, err error) {
	logger.Error(eventType, message, map[string]interface{}{
		"error": err.Error(),
	})
	fmt.Fprintf(os.Stderr, "%s %s: %v\n", errStyle.Render("✗"), message, err)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// runAgent runs the power campaign and, when VMs are tracked, the CPU campaign.
func runAgent() {
	env := mustSetup()
	defer env.close()

	ctx, stop := signalContext()
	defer stop()

	held := env.holdLease()

	rec := metrics.NewRecorder()
	powerClient, cpuClient := env.clients(rec, true)

	normalizer, err := env.normalizer()
	if err != nil {
		env.fail("agent.config.error", "Invalid schedule", err)
	}

	dev, err := device.Connect(ctx, env.deviceOptions(), env.logger)
	if err != nil {
		env.fail("agent.device.error", "Failed to set up power device", err)
	}
	defer func() { _ = dev.Close() }()

	cfg := env.cfg
	sampler := power.NewSampler(dev, clock.RealClock{}, env.logger, power.WithObserver(rec))
	powerRunner, err := campaign.NewRunner[power.Run](&campaign.PowerTask{
		Sampler:          sampler,
		Client:           powerClient,
		ServerIP:         cfg.ServerIP,
		PeriodMinutes:    cfg.Power.PeriodMinutes,
		SamplesPerMinute: cfg.Power.SamplesPerMinute,
		Recorder:         rec,
		Logger:           env.logger,
	}, campaign.Options{
		Iterations: cfg.Power.Iterations,
		Horizon:    cfg.Power.Horizon(),
		Normalizer: normalizer,
		State:      campaign.NewStateManager(campaign.StatePath(env.stateDir, "power"), env.logger),
		Recorder:   rec,
		Logger:     env.logger,
	})
	if err != nil {
		env.fail("agent.campaign.error", "Failed to create power campaign", err)
	}
	campaigns := []agent.Campaign{powerRunner}

	if cfg.CPU.Enabled && len(cfg.CPU.VMs) > 0 {
		hv := env.hypervisor()
		cpuRunner, err := campaign.NewRunner[campaign.CPUBatch](&campaign.CPUTask{
			Differ:          cpuusage.NewDiffer(hv, clock.RealClock{}, env.logger, cfg.CPU.VMs),
			Hypervisor:      hv,
			Client:          cpuClient,
			ServerIP:        cfg.ServerIP,
			IntervalMinutes: cfg.CPU.IntervalMinutes,
			Logger:          env.logger,
		}, campaign.Options{
			Iterations: cfg.CPU.Iterations,
			Horizon:    cfg.Power.Horizon(),
			Normalizer: normalizer,
			State:      campaign.NewStateManager(campaign.StatePath(env.stateDir, "cpu"), env.logger),
			Recorder:   rec,
			Logger:     env.logger,
		})
		if err != nil {
			env.fail("agent.campaign.error", "Failed to create CPU campaign", err)
		}
		campaigns = append(campaigns, cpuRunner)
	} else {
		env.logger.Info("agent.cpu.disabled", "CPU campaign not started", map[string]interface{}{
			"enabled": cfg.CPU.Enabled,
			"vms":     len(cfg.CPU.VMs),
		})
	}

	a := agent.NewAgent(agent.Options{
		Campaigns:  campaigns,
		StatusAddr: cfg.Agent.StatusAddress,
		Metrics:    rec.Handler(),
		Heartbeat:  time.Minute,
		Lease:      held,
		Logger:     env.logger,
	})
	if err := a.Run(ctx); err != nil {
		env.fail("agent.error", "Agent failed", err)
	}

	for _, st := range a.Statuses() {
		fmt.Printf("%s campaign %s: %d succeeded, %d failed\n", okStyle.Render("✓"), st.Campaign, st.Succeeded, st.Failed)
	}
}

// runUnlock force-removes the agent lease left by a crashed agent.
func runUnlock() {
	env := mustSetup()
	defer env.close()

	removed, err := lease.NewManager(env.stateDir, nil, env.logger).ForceUnlock()
	if err != nil {
		env.fail("lease.unlock.error", "Failed to remove agent lease", err)
	}
	if removed == nil {
		fmt.Println("No agent lease held")
		return
	}
	fmt.Printf("%s Removed lease of %s (server %s, renewed %s)\n", okStyle.Render("✓"),
		removed.Holder, removed.ServerIP, removed.RenewedTS.Format(time.RFC3339))
}

// runDiag writes a diagnostic ZIP: redacted config, inventory, state files, logs.
func runDiag() {
	env := mustSetup()
	defer env.close()

	dc := diag.NewConfig(version)
	for i := 2; i < len(os.Args); i++ {
		switch os.Args[i] {
		case "--output":
			if i+1 < len(os.Args) {
				dc.OutputPath = os.Args[i+1]
				i++
			}
		case "--no-logs":
			dc.IncludeLogs = false
		case "--no-config":
			dc.IncludeConfig = false
		}
	}

	cfgYAML, err := config.Marshal(env.cfg)
	if err != nil {
		env.fail("diag.config.error", "Failed to render configuration", err)
	}
	dc.ConfigYAML = cfgYAML
	dc.InventoryFile = env.cfg.API.InventoryFile
	dc.StateDir = env.stateDir
	dc.LogFile = env.cfg.Logging.File

	path, err := diag.NewPackager(dc, env.logger).CreatePackage()
	if err != nil {
		env.fail("diag.package.error", "Failed to create diagnostic package", err)
	}
	fmt.Printf("%s Diagnostic package written to %s\n", okStyle.Render("✓"), path)
}

// runServe exposes the query API.
func runServe() {
	env := mustSetup()
	defer env.close()

	ctx, stop := signalContext()
	defer stop()

	rec := metrics.NewRecorder()
	svc, engine := env.queryEngine(rec)
	defer svc.Close()

	inv := inventory.File{Path: env.cfg.API.InventoryFile}
	srv := api.NewServer(api.Options{
		Addr:           env.cfg.API.Address,
		AllowedOrigins: env.cfg.API.AllowedOrigins,
		Inventory:      inv,
		Engine:         engine,
		Recorder:       rec,
		Metrics:        rec.Handler(),
		Health: func(context.Context) error {
			_, err := inv.Load()
			return err
		},
		AccessLog: os.Stdout,
		Logger:    env.logger,
	})
	if err := srv.Serve(ctx); err != nil {
		env.fail("api.error", "API server failed", err)
	}
}

// runEnergy computes attributed energy from the command line:
// vmenergy energy <start> <end> <name_ip>[=vm1,vm2] ...
func runEnergy() {
	if len(os.Args) < 5 {
		fmt.Fprintf(os.Stderr, "Usage: vmenergy energy <start> <end> <server_key>[=vm,vm...] ...\n")
		os.Exit(1)
	}

	env := mustSetup()
	defer env.close()

	inv, err := inventory.File{Path: env.cfg.API.InventoryFile}.Load()
	if err != nil {
		env.logger.Warn("energy.inventory.unavailable", "VM addresses resolved by name only", map[string]interface{}{
			"error": err.Error(),
		})
		inv = &inventory.Inventory{}
	}

	resources, err := parseResources(os.Args[4:], inv)
	if err != nil {
		env.fail("energy.args.error", "Invalid resource", err)
	}

	svc, engine := env.queryEngine(nil)
	defer svc.Close()

	total, err := engine.Aggregate(context.Background(), resources, os.Args[2], os.Args[3])
	if err != nil {
		env.fail("energy.query.error", "Energy query failed", err)
	}
	fmt.Printf("Energy %s → %s: %s\n", os.Args[2], os.Args[3], valueStyle.Render(strconv.FormatFloat(total, 'f', 3, 64)+" Wh"))
}

// parseResources turns "name_ip=vm1,vm2" arguments into a query, taking VM
// addresses from the inventory when it lists them.
func parseResources(args []string, inv *inventory.Inventory) (map[string][]attribution.VM, error) {
	out := make(map[string][]attribution.VM, len(args))
	for _, arg := range args {
		key, list, _ := strings.Cut(arg, "=")
		if _, err := attribution.ServerIPFromKey(key); err != nil {
			return nil, err
		}
		known, _ := inv.Lookup(key)
		vms := []attribution.VM{}
		for _, name := range strings.Split(list, ",") {
			name = strings.TrimSpace(name)
			if name == "" {
				continue
			}
			vm := attribution.VM{Name: name}
			for _, candidate := range known.VMs {
				if candidate.Name == name {
					vm.IP = candidate.IP
				}
			}
			vms = append(vms, vm)
		}
		out[key] = vms
	}
	return out, nil
}

// runProbe takes one reading from the configured power device.
func runProbe() {
	env := mustSetup()
	defer env.close()

	ctx, cancel := context.WithTimeout(context.Background(), env.cfg.Device.Timeout()+5*time.Second)
	defer cancel()

	dev, err := device.Connect(ctx, env.deviceOptions(), env.logger)
	if err != nil {
		env.fail("probe.device.error", "Failed to set up power device", err)
	}
	defer func() { _ = dev.Close() }()

	watts, err := power.NewSampler(dev, clock.RealClock{}, env.logger).SampleInstant(ctx)
	if err != nil {
		env.fail("probe.read.error", "Power reading failed", err)
	}
	fmt.Printf("%s %s device: %s\n", okStyle.Render("✓"), env.cfg.Device.Kind, valueStyle.Render(fmt.Sprintf("%.2f W", watts)))
}

// runVMs lists running VMs with their address and CPU time counter.
func runVMs() {
	env := mustSetup()
	defer env.close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	hv := env.hypervisor()
	names, err := hv.ListRunningVMs(ctx)
	if err != nil {
		env.fail("vms.list.error", "Failed to list VMs", err)
	}
	counters, err := hv.CPUTimeCounters(ctx)
	if err != nil {
		env.logger.Warn("vms.counters.failed", "CPU counters unavailable", map[string]interface{}{
			"error": err.Error(),
		})
	}

	sort.Strings(names)
	fmt.Printf("%-24s %-18s %s\n", "NAME", "IP", "CPU TIME (ns)")
	for _, name := range names {
		ip, err := hv.IPAddress(ctx, name)
		if err != nil {
			ip = hypervisor.NoIP
		}
		fmt.Printf("%-24s %-18s %d\n", name, ip, counters[name])
	}
}

// runTSDB handles "tsdb purge" and "tsdb dump".
func runTSDB() {
	if len(os.Args) < 4 {
		printTSDBUsage()
		os.Exit(1)
	}

	env := mustSetup()
	defer env.close()

	powerClient, cpuClient := env.clients(nil, false)
	var client *tsdb.Client
	switch strings.ToLower(os.Args[3]) {
	case "power":
		client = powerClient
	case "cpu":
		client = cpuClient
	default:
		printTSDBUsage()
		os.Exit(1)
	}

	ctx := context.Background()
	switch strings.ToLower(os.Args[2]) {
	case "dump":
		points, err := client.Dump(ctx)
		if err != nil {
			env.fail("tsdb.dump.error", "Failed to read bucket", err)
		}
		for _, p := range points {
			fmt.Printf("%s %s %s %v\n", p.Time.UTC().Format(time.RFC3339), p.Measurement, formatTags(p.Tags), p.Fields)
		}
	case "purge":
		runTSDBPurge(ctx, env.logger, client)
	default:
		printTSDBUsage()
		os.Exit(1)
	}
}

// runTSDBPurge: vmenergy tsdb purge <power|cpu> <start> <end> [interval]
func runTSDBPurge(ctx context.Context, logger *logging.Logger, client *tsdb.Client) {
	if len(os.Args) < 6 {
		printTSDBUsage()
		os.Exit(1)
	}
	r, err := consumption.ValidateRange(os.Args[4], os.Args[5])
	if err != nil {
		fail(logger, "tsdb.purge.error", "Invalid range", err)
	}
	interval := -1
	if len(os.Args) > 6 {
		if interval, err = strconv.Atoi(os.Args[6]); err != nil {
			fail(logger, "tsdb.purge.error", "Invalid interval", err)
		}
	}
	if err := client.Purge(ctx, r.Start, r.End, interval); err != nil {
		fail(logger, "tsdb.purge.error", "Purge failed", err)
	}
	fmt.Printf("%s Purged %s in %s\n", okStyle.Render("✓"), client.Schema().Bucket(), r)
}

func formatTags(tags map[string]string) string {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+tags[k])
	}
	return strings.Join(parts, ",")
}

func printTSDBUsage() {
	fmt.Fprintf(os.Stderr, "Usage:\n")
	fmt.Fprintf(os.Stderr, "  vmenergy tsdb dump <power|cpu>\n")
	fmt.Fprintf(os.Stderr, "  vmenergy tsdb purge <power|cpu> <start> <end> [interval_minutes]\n")
}

// runSecrets manages the encrypted credential store.
func runSecrets() {
	if len(os.Args) < 3 {
		printSecretsUsage()
		os.Exit(1)
	}

	logger := logging.NewLogger(logging.LevelInfo)
	cfg, err := config.Load()
	if err != nil {
		fail(logger, "config.load.error", "Failed to load configuration", err)
	}
	store, err := secrets.NewStore(secrets.DefaultStoreConfig(resolveStateDir(cfg)), logger)
	if err != nil {
		fail(logger, "secrets.store.error", "Failed to open secret store", err)
	}

	sub := strings.ToLower(os.Args[2])
	switch sub {
	case "list":
		entries, err := store.List()
		if err != nil {
			fail(logger, "secrets.list.error", "Failed to list secrets", err)
		}
		for _, e := range entries {
			fmt.Printf("%-24s %s\n", e.Name, e.UpdatedAt.Format(time.RFC3339))
		}
		return
	case "set", "get", "delete":
	default:
		printSecretsUsage()
		os.Exit(1)
	}

	if len(os.Args) < 4 {
		printSecretsUsage()
		os.Exit(1)
	}
	name := os.Args[3]

	switch sub {
	case "set":
		value, err := secretValue(os.Args[4:])
		if err != nil {
			fail(logger, "secrets.set.error", "Failed to read secret value", err)
		}
		if err := store.Set(name, value); err != nil {
			fail(logger, "secrets.set.error", "Failed to store secret", err)
		}
		fmt.Printf("%s Stored %s\n", okStyle.Render("✓"), name)
	case "get":
		value, err := store.Get(name)
		if err != nil {
			fail(logger, "secrets.get.error", "Failed to read secret", err)
		}
		fmt.Println(string(value))
	case "delete":
		if err := store.Delete(name); err != nil {
			fail(logger, "secrets.delete.error", "Failed to delete secret", err)
		}
		fmt.Printf("%s Deleted %s\n", okStyle.Render("✓"), name)
	}
}

// secretValue takes the value from the arguments, or from stdin when absent.
func secretValue(args []string) ([]byte, error) {
	if len(args) > 0 {
		return []byte(args[0]), nil
	}
	var line string
	if _, err := fmt.Fscanln(os.Stdin, &line); err != nil {
		return nil, err
	}
	return []byte(line), nil
}

func printSecretsUsage() {
	fmt.Fprintf(os.Stderr, "Usage:\n")
	fmt.Fprintf(os.Stderr, "  vmenergy secrets set <name> [value]   Store a credential (reads stdin without value)\n")
	fmt.Fprintf(os.Stderr, "  vmenergy secrets get <name>\n")
	fmt.Fprintf(os.Stderr, "  vmenergy secrets list\n")
	fmt.Fprintf(os.Stderr, "  vmenergy secrets delete <name>\n")
}

func runConfig() {
	logger := logging.NewLogger(logging.LevelInfo)

	if len(os.Args) < 3 {
		fmt.Fprintf(os.Stderr, "Usage: vmenergy config <subcommand>\n")
		fmt.Fprintf(os.Stderr, "Subcommands:\n")
		fmt.Fprintf(os.Stderr, "  test [path]  Test configuration file for validity\n")
		fmt.Fprintf(os.Stderr, "  show         Print the effective configuration\n")
		os.Exit(1)
	}

	switch strings.ToLower(os.Args[2]) {
	case "test":
		runConfigTest(logger)
	case "show":
		cfg, err := config.Load()
		if err != nil {
			fail(logger, "config.load.error", "Failed to load configuration", err)
		}
		data, err := config.Marshal(cfg)
		if err != nil {
			fail(logger, "config.marshal.error", "Failed to render configuration", err)
		}
		fmt.Print(string(data))
	default:
		fmt.Fprintf(os.Stderr, "Unknown config subcommand: %s\n", os.Args[2])
		fmt.Fprintf(os.Stderr, "Valid subcommands: test, show\n")
		os.Exit(1)
	}
}

// runConfigTest validates configuration file(s)
func runConfigTest(logger *logging.Logger) {
	var cfg config.Config
	var configErr error

	if len(os.Args) > 3 {
		path := os.Args[3]
		fmt.Printf("Testing configuration file: %s\n", path)
		cfg, configErr = config.LoadFrom(path)
	} else {
		fmt.Println("Testing configuration (system + user merge):")
		fmt.Printf("  System config: %s\n", configdir.SystemConfigPath())
		if userPath := configdir.UserConfigPath(); userPath != "" {
			fmt.Printf("  User config:   %s\n", userPath)
		}
		fmt.Println()
		cfg, configErr = config.Load()
	}

	if configErr != nil {
		fmt.Fprintf(os.Stderr, "%s Configuration validation FAILED:\n", errStyle.Render("✗"))
		fmt.Fprintf(os.Stderr, "   %v\n", configErr)
		logger.Error("config.validation.error", "Configuration validation failed", map[string]interface{}{
			"error": configErr.Error(),
		})
		os.Exit(1)
	}

	fmt.Printf("%s Configuration is VALID\n", okStyle.Render("✓"))
	fmt.Println()
	fmt.Println("Configuration Summary:")
	fmt.Printf("  Server IP:            %s\n", cfg.ServerIP)
	fmt.Printf("  Device:               %s %s\n", cfg.Device.Kind, cfg.Device.Address)
	fmt.Printf("  Storage:              %s\n", cfg.Storage.Backend)
	fmt.Printf("  Power:                %d min periods, %d samples/min\n", cfg.Power.PeriodMinutes, cfg.Power.SamplesPerMinute)
	fmt.Printf("  CPU:                  %t, %d VMs every %d min\n", cfg.CPU.Enabled, len(cfg.CPU.VMs), cfg.CPU.IntervalMinutes)
	fmt.Printf("  Schedule:             %s\n", cfg.Schedule.Align)
	fmt.Printf("  API:                  %s\n", cfg.API.Address)
	fmt.Printf("  Log Level:            %s\n", cfg.Logging.Level)

	logger.Info("config.validation.ok", "Configuration validation passed", map[string]interface{}{
		"backend": cfg.Storage.Backend,
		"device":  cfg.Device.Kind,
	})
}

// runTUI starts the interactive query form. With --remote URL it talks to a
// running API server instead of opening storage.
func runTUI() {
	var remote string
	args := os.Args[1:]
	if len(args) > 0 && strings.EqualFold(args[0], "tui") {
		args = args[1:]
	}
	if len(args) >= 2 && args[0] == "--remote" {
		remote = args[1]
	}

	env := mustSetup()
	defer env.close()

	startTime := time.Now()
	env.logger.Info("app.started", "Application started", map[string]interface{}{
		"version": version,
		"ts":      startTime.UTC().Format(time.RFC3339),
	})

	var backend tui.Backend
	if remote != "" {
		backend = tui.NewHTTPBackend(remote)
	} else {
		svc, engine := env.queryEngine(nil)
		defer svc.Close()
		backend = tui.LocalBackend{Inventory: inventory.File{Path: env.cfg.API.InventoryFile}, Engine: engine}
	}

	if err := tui.Run(tui.NewModel(context.Background(), backend, env.stateDir, env.logger)); err != nil {
		env.fail("app.error", "Error running TUI", err)
	}

	env.logger.Info("app.exited", "Application exited", map[string]interface{}{
		"ts":       time.Now().UTC().Format(time.RFC3339),
		"duration": time.Since(startTime).String(),
		"reason":   "normal",
	})
}

// printUsage displays usage information
func printUsage() {
	fmt.Printf(`vmenergy - VM energy attribution (version %s)

Usage:
  vmenergy                          Start the interactive query form (default)
  vmenergy agent                    Run the power and CPU sampling campaigns
  vmenergy serve                    Serve /servers, /vms, /energy, /healthz, /metrics
  vmenergy energy <start> <end> <name_ip>[=vm,vm...] ...
                                    Print attributed energy in Wh
  vmenergy probe                    Take one reading from the power device
  vmenergy vms                      List running VMs with address and CPU time
  vmenergy tsdb dump <power|cpu>    Print every stored point
  vmenergy tsdb purge <power|cpu> <start> <end> [interval]
                                    Delete stored points
  vmenergy secrets <set|get|list|delete> [name] [value]
                                    Manage encrypted credentials
  vmenergy config test [path]       Test configuration file for validity
  vmenergy config show              Print the effective configuration
  vmenergy unlock                   Remove a stale agent lease (recovery)
  vmenergy diag [--output path] [--no-logs] [--no-config]
                                    Create a diagnostic ZIP (config, state, logs)
  vmenergy tui [--remote <url>]     Start the query form, optionally against a server
  vmenergy version                  Print version information
  vmenergy help                     Show this help message

Timestamps: YYYY-MM-DDTHH:MM:SS.sssZ (ISO 8601 accepted, naive values are UTC)
`, version)
}
