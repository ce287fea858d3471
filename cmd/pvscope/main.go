package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/epicstools/pvscope"
	"github.com/epicstools/pvscope/colormode"
	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/lorenzosaino/go-sysctl"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"
)

var githash = "githash not computed"
var gitdate = "git date not computed"
var buildDate = "build date not computed"

// ensureFile creates dir and an empty dir/name unless they exist, and returns the file name.
func ensureFile(dir, name string) (string, error) {
	if err := os.MkdirAll(dir, 0775); err != nil {
		return "", err
	}
	fullname := filepath.Join(dir, name)
	f, err := os.OpenFile(fullname, os.O_WRONLY|os.O_CREATE, 0664)
	if err != nil {
		return "", err
	}
	return fullname, f.Close()
}

// setupViper reads configFile, or else config.yaml from /etc/pvscope, ~/.pvscope (created
// empty on first run) or the working directory.
func setupViper(configFile string) error {
	viper.SetDefault("Verbose", false)

	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else {
		HOME, err := os.UserHomeDir()
		if err != nil {
			fmt.Printf("Error finding User Home Dir: %s\n", err)
		}
		dotPvscope := filepath.Join(HOME, ".pvscope")
		const filename string = "config"
		const suffix string = ".yaml"
		if _, err := ensureFile(dotPvscope, filename+suffix); err != nil {
			return err
		}
		viper.SetConfigName(filename)
		viper.AddConfigPath(filepath.FromSlash("/etc/pvscope"))
		viper.AddConfigPath(dotPvscope)
		viper.AddConfigPath(".")
	}
	if err := viper.ReadInConfig(); err != nil {
		return fmt.Errorf("error reading config file: %s", err)
	}
	return nil
}

// newRotatingLogger logs to filename, rolling it over at 10 MB and keeping 4 gzipped
// backups for up to 180 days.
func newRotatingLogger(filename string) *log.Logger {
	return log.New(&lumberjack.Logger{
		Filename:   filename,
		MaxSize:    10,
		MaxBackups: 4,
		MaxAge:     180,
		Compress:   true,
	}, "", log.LstdFlags)
}

// minReceiveBuffer is the smallest net.core.rmem_max that keeps up with large pvAccess arrays.
const minReceiveBuffer = 8 * 1024 * 1024

// checkReceiveBuffer warns when the kernel's socket receive buffer limit is small.
func checkReceiveBuffer() {
	val, err := sysctl.Get("net.core.rmem_max")
	if err != nil {
		pvscope.ProblemLogger.Printf("could not read net.core.rmem_max: %v", err)
		return
	}
	rmem, err := strconv.Atoi(strings.TrimSpace(val))
	if err != nil {
		return
	}
	if rmem < minReceiveBuffer {
		msg := fmt.Sprintf("net.core.rmem_max is %d bytes; large arrays may be dropped. Try\n"+
			"  sudo sysctl -w net.core.rmem_max=%d", rmem, minReceiveBuffer)
		fmt.Println(msg)
		pvscope.ProblemLogger.Print(msg)
	}
}

// simulatedTransport serves a scope waveform, a trigger counter and an image, under the
// same names on both protocols.
func simulatedTransport() map[pvscope.Protocol]pvscope.Transport {
	sim := pvscope.NewSimulatedPVs()
	sim.Add("SIM:SCOPE", 100*time.Millisecond, pvscope.ScopeGenerator(pvscope.ScopeSimConfig{
		NSamples: 100, SampleRate: 1000, Frequency: 7, DropEvery: 50,
	}))
	sim.Add("SIM:TRIGGER", time.Second, pvscope.TriggerGenerator())
	sim.Add("SIM:IMAGE", 200*time.Millisecond, pvscope.ImageGenerator(128, 96, colormode.RGB1))
	return map[pvscope.Protocol]pvscope.Transport{
		pvscope.ChannelAccess: sim,
		pvscope.PvAccess:      sim,
	}
}

// newRouter serves the Prometheus metrics and a JSON status of the scope.
func newRouter(scope *pvscope.Scope, reg *prometheus.Registry) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	r.Get("/status", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(scope.Status()); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
	return r
}

// optionalFloat parses a flag value; the empty string means unset.
func optionalFloat(s string) (*float64, error) {
	if s == "" {
		return nil, nil
	}
	x, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, err
	}
	return &x, nil
}

func main() {
	buildDate = strings.Replace(buildDate, ".", " ", -1) // workaround for Make problems
	pvscope.Build.Date = buildDate
	pvscope.Build.Githash = githash
	pvscope.Build.Gitdate = gitdate
	pvscope.Build.Summary = fmt.Sprintf("pvscope version %s (git commit %s of %s)", pvscope.Build.Version, githash, gitdate)
	if host, err := os.Hostname(); err == nil {
		pvscope.Build.Host = host
	} else {
		pvscope.Build.Host = "host not detected"
	}

	printVersion := flag.Bool("version", false, "print version and quit")
	configFile := flag.String("config", "", "configuration file (default ~/.pvscope/config.yaml)")
	app := flag.String("app", "", "what the PV holds: scope or image")
	pv := flag.String("pv", "", "subject PV, as [ca|pva://]name")
	trigger := flag.String("trigger", "", "trigger PV, as [ca|pva://]name")
	arrayid := flag.String("arrayid", "", "name of the array ID field")
	xaxes := flag.String("xaxes", "", "name of the data time field")
	minFlag := flag.String("min", "", "discard samples below this value")
	maxFlag := flag.String("max", "", "discard samples above this value")
	simulate := flag.Bool("simulate", true, "serve simulated PVs SIM:SCOPE, SIM:TRIGGER and SIM:IMAGE")
	debug := flag.Bool("debug", false, "log PV structures and every event")
	flag.Parse()

	if *printVersion {
		fmt.Printf("This is pvscope version %s\n", pvscope.Build.Version)
		fmt.Printf("Git commit hash: %s\n", githash)
		fmt.Printf("Build time: %s\n", buildDate)
		fmt.Printf("Built on go version %s\n", runtime.Version())
		fmt.Printf("Running on %d CPUs.\n", runtime.NumCPU())
		os.Exit(0)
	}

	banner := fmt.Sprintf("\nThis is pvscope version %s (git commit %s)\n", pvscope.Build.Version, githash)
	fmt.Print(banner)

	// Start logging problems and updates to 2 log files.
	HOME, err := os.UserHomeDir()
	if err != nil {
		panic(err)
	}
	logdir := filepath.Join(HOME, ".pvscope", "logs")
	problemname, err := ensureFile(logdir, "problems.log")
	if err != nil {
		panic(err)
	}
	logname, err := ensureFile(logdir, "updates.log")
	if err != nil {
		panic(err)
	}
	pvscope.ProblemLogger = newRotatingLogger(problemname)
	pvscope.UpdateLogger = newRotatingLogger(logname)
	fmt.Printf("Logging problems       to %s\n", problemname)
	fmt.Printf("Logging client updates to %s\n\n", logname)
	pvscope.UpdateLogger.Printf("\n\n\n\n%s", banner)

	// Find config file, creating it if needed, and read it.
	if err := setupViper(*configFile); err != nil {
		panic(err)
	}
	pvscope.Verbose = *debug || viper.GetBool("Verbose")
	checkReceiveBuffer()

	settings, err := pvscope.LoadScopeSettings(viper.GetViper(), "scope")
	if err != nil {
		log.Fatal(err)
	}
	overrides := []struct {
		flag    string
		setting *string
	}{
		{*app, &settings.App}, {*pv, &settings.PV}, {*trigger, &settings.Trigger},
		{*arrayid, &settings.ArrayID}, {*xaxes, &settings.XAxes},
	}
	for _, o := range overrides {
		if o.flag != "" {
			*o.setting = o.flag
		}
	}
	if x, err := optionalFloat(*minFlag); err != nil {
		log.Fatal("--min: ", err)
	} else if x != nil {
		settings.Min = x
	}
	if x, err := optionalFloat(*maxFlag); err != nil {
		log.Fatal("--max: ", err)
	} else if x != nil {
		settings.Max = x
	}
	if settings.DataPath == "" {
		settings.DataPath = filepath.Join(HOME, ".pvscope", "data")
	}
	config, err := settings.Config()
	if err != nil {
		log.Fatal(err)
	}

	if !*simulate {
		log.Fatal("no EPICS client transport is built in; run with --simulate")
	}
	ds := pvscope.NewDataSource(simulatedTransport())
	scope, err := pvscope.NewScope(ds, config)
	if err != nil {
		log.Fatal(err)
	}
	if settings.PV != "" {
		if err := scope.UpdateDevice(settings.PV, false); err != nil {
			log.Fatal(err)
		}
	}
	if settings.Trigger != "" {
		fields, err := scope.UpdateTrigger(settings.Trigger)
		if err != nil {
			log.Fatal(err)
		}
		fmt.Printf("Trigger PV %s has fields %v\n", settings.Trigger, fields)
	}
	if settings.ConnectOnStart && settings.PV != "" {
		if err := scope.Start(); err != nil {
			log.Fatal(err)
		}
	}

	abort := make(chan struct{})
	go func() {
		if err := pvscope.RunClientUpdater(scope.Events(), pvscope.Ports.Events, abort); err != nil {
			log.Fatal("client updater: ", err)
		}
	}()
	go scope.Run(abort)

	reg := prometheus.NewRegistry()
	reg.MustRegister(pvscope.NewScopeCollector(scope))
	go func() {
		addr := fmt.Sprintf(":%d", pvscope.Ports.Metrics)
		if err := http.ListenAndServe(addr, newRouter(scope, reg)); err != nil {
			pvscope.ProblemLogger.Printf("metrics server: %v", err)
		}
	}()

	control := pvscope.NewScopeControl(scope, settings)
	go func() {
		if err := pvscope.RunRPCServer(control, pvscope.Ports.RPC); err != nil {
			log.Fatal(err)
		}
	}()
	fmt.Printf("Serving JSON-RPC on port %d, events on %d, metrics on %d\n",
		pvscope.Ports.RPC, pvscope.Ports.Events, pvscope.Ports.Metrics)

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
	<-interrupt
	fmt.Println("\nStopping pvscope")
	close(abort)
	scope.Close()
}
