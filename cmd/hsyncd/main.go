// Command hsyncd is the daemon entrypoint: it brings up a Transport,
// negotiates a Session, populates the InfoStore, then drives the
// Dispatcher through every configured flavor in order (init, fetch,
// sync, dump, install — spec §4.8) with the Reconciler wired in as the
// `[generic]` conduit for both record and resource databases.
package main

import (
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/xid"
	"github.com/sirupsen/logrus"

	"hsync/commander"
	"hsync/dispatcher"
	"hsync/hostid"
	"hsync/infostore"
	"hsync/localfs"
	"hsync/metrics"
	"hsync/prefcache"
	"hsync/reconciler"
	"hsync/registry"
	"hsync/session"
	"hsync/syncconfig"
)

const daemonVersion = "1.0"

var (
	device      = flag.String("device", "/dev/ttyUSB0", "Serial/USB device path the handheld cradles on")
	transport   = flag.String("transport", "serial", "Transport family: serial, usb, or tcp")
	configPath  = flag.String("config", "", "Path to a JSON conduit configuration file (spec §6)")
	registryPath = flag.String("registry", "/etc/hsyncd/registry", "Path to the device registry file (spec §6)")
	homeRoot    = flag.String("home-root", "/home", "Parent directory local usernames resolve under (ignored for an unmatched device, which falls back to $HOME/.palm)")
	metricsAddr = flag.String("metrics-addr", ":9120", "Address to serve Prometheus metrics on")
	forceSlow   = flag.Bool("force-slow", false, "Force SlowSync on every database this run")
	installForce = flag.Bool("install-force", false, "Overwrite an existing device database with the same name during install")
	verbose     = flag.Bool("verbose", false, "Enable debug logging")
)

func main() {
	flag.Parse()

	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if *verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}
	log := logrus.NewEntry(logrus.StandardLogger())

	promReg := prometheus.NewRegistry()
	m := metrics.New(promReg)
	go serveMetrics(*metricsAddr, promReg, log)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.WithError(err).Fatal("load configuration")
	}

	var devReg *registry.Registry
	if *registryPath != "" {
		devReg, err = registry.Load(*registryPath)
		if err != nil {
			log.WithError(err).Warn("load device registry, proceeding with no per-device overrides")
			devReg = &registry.Registry{}
		}
	} else {
		devReg = &registry.Registry{}
	}

	for {
		t, err := openTransport(*transport, *device)
		if err != nil {
			log.WithError(err).Fatal("open transport")
		}

		sess := session.New(t, log)
		if err := sess.AwaitWakeup(session.DefaultNegotiatedBaud); err != nil {
			log.WithError(err).Error("await wakeup")
			continue
		}

		runOneSync(sess, cfg, devReg, log, m)
	}
}

func serveMetrics(addr string, reg *prometheus.Registry, log *logrus.Entry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.WithError(err).Error("metrics listener exited")
	}
}

// openTransport brings up the physical link for one sync attempt,
// matching spec §6's three link families.
func openTransport(kind, dev string) (session.Transport, error) {
	switch kind {
	case "usb":
		return session.OpenUSB(dev)
	case "tcp":
		host, err := hostid.FromPrimaryIPv4()
		if err != nil {
			host = 0
		}
		return session.ListenTCPWithWakeup(uint32(host))
	default:
		return session.OpenSerial(dev)
	}
}

// loadConfig reads a JSON front-end for syncconfig.Config (the grammar
// itself is out of scope per spec.md Non-goals; JSON is a minimal stand-
// in front end that still exercises syncconfig.Decode's mapstructure
// path). An empty path yields a Config with no conduits configured.
func loadConfig(path string) (syncconfig.Config, error) {
	if path == "" {
		return syncconfig.Config{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return syncconfig.Config{}, err
	}
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return syncconfig.Config{}, err
	}
	return syncconfig.Decode(raw)
}

// resolveLayout consults the device registry for a local user override,
// falling back to the daemon's own $HOME/.palm (spec §6 Registry file:
// "a blank/wildcard entry or no match at all runs as the daemon's own
// user").
func resolveLayout(devReg *registry.Registry, homeRoot, snum, username string, userid uint32) (localfs.Layout, error) {
	if entry, ok := devReg.Find(snum, username, userid); ok && entry.LocalUser != "" {
		return localfs.New(filepath.Join(homeRoot, entry.LocalUser, localfs.DefaultBaseDir))
	}
	return localfs.New("")
}

func runOneSync(sess *session.Session, cfg syncconfig.Config, devReg *registry.Registry, log *logrus.Entry, m *metrics.Metrics) {
	start := time.Now()
	runID := xid.New().String()
	log = log.WithField("sync_id", runID)
	cmd := sess.Commander()

	outcome := "complete"
	defer func() { m.ObserveSync(outcome, time.Since(start)) }()

	store, err := infostore.Populate(cmd, false)
	if err != nil {
		log.WithError(err).Error("populate info store")
		outcome = "fatal"
		_ = sess.Abort()
		return
	}

	snum := infostore.SerialNumberWithChecksum(store.Sys.ProductID)
	layout, err := resolveLayout(devReg, *homeRoot, snum, store.UserName(), store.UserID())
	if err != nil {
		log.WithError(err).Error("resolve local layout")
		outcome = "fatal"
		_ = sess.Abort()
		return
	}
	if err := layout.EnsureDirs(); err != nil {
		log.WithError(err).Error("create local directories")
		outcome = "fatal"
		_ = sess.Abort()
		return
	}
	log = log.WithField("snum", snum).WithField("user", store.UserName()).WithField("base", layout.Base)

	host, err := hostid.FromPrimaryIPv4()
	if err != nil {
		log.WithError(err).Warn("derive host identity, defaulting to 0")
	}

	prefs := prefcache.New(func(creator uint32, id uint16) (prefcache.Item, error) {
		flags, payload, err := cmd.ReadPreference(creator, id)
		if err != nil {
			return prefcache.Item{}, err
		}
		return prefcache.Item{Flags: flags, Payload: payload}, nil
	})

	rec := reconciler.New(cmd, layout.BackupDir(), layout.ArchiveDir(), log)
	rec.SetMetrics(m)

	generic := func(db *dispatcher.DBContext) error {
		info := *db.Info
		if info.IsResourceDB() {
			_, err := rec.SyncResourceDatabase(info, layout.BackupPath(info.Name, true))
			return err
		}
		_, err := rec.SyncDatabase(info, layout.BackupPath(info.Name, false), layout.ArchivePath(info.Name), uint32(host), store.LastSyncPC(), *forceSlow)
		return err
	}

	disp := dispatcher.New(cmd, cfg.Conduits, prefs, generic, log)
	disp.SetMetrics(m)

	dlpMajor, dlpMinor := int(store.Sys.DLPVersion>>8), int(store.Sys.DLPVersion&0xFF)
	hdr := dispatcher.HeaderContext{
		Daemon:    "hsyncd",
		Version:   daemonVersion,
		Snum:      snum,
		Username:  store.UserName(),
		UID:       store.UserID(),
		Directory: layout.Base,
		DLPMajor:  dlpMajor,
		DLPMinor:  dlpMinor,
	}
	if *forceSlow {
		hdr.SyncType = "slow"
	} else {
		hdr.SyncType = "fast"
	}

	fatal := runFlavors(cmd, disp, store, layout, hdr, log)

	presentEscaped := make(map[string]bool, len(store.Databases()))
	for _, db := range store.Databases() {
		presentEscaped[filepath.Base(layout.BackupPath(db.Name, db.IsResourceDB()))] = true
	}
	if _, err := rec.VanishedDatabases(presentEscaped); err != nil {
		log.WithError(err).Warn("vanished-database sweep failed")
	}

	linkDead := errors.Is(fatal, commander.ErrLostConnection)
	if fatal != nil {
		outcome = "fatal"
		log.WithError(fatal).Error("sync ended abnormally")
	}
	if err := sess.EndOfSync(endOfSyncStatus(fatal), linkDead); err != nil {
		log.WithError(err).Warn("end_of_sync")
	}
	log.WithField("duration", time.Since(start)).Info("sync complete")
}

// endOfSyncStatus maps runFlavors's outcome to the status code end_of_sync
// reports to the device (spec §4.5/§7).
func endOfSyncStatus(err error) commander.EndOfSyncStatus {
	switch {
	case err == nil:
		return commander.SyncNormal
	case errors.Is(err, commander.ErrCancelledByDevice):
		return commander.SyncCancelled
	case errors.Is(err, commander.ErrLostConnection):
		return commander.SyncOther
	default:
		return commander.SyncUnknown
	}
}

// runFlavors executes init, fetch, sync, dump, and (last) install, per
// spec §4.8's ordering ("init before fetch; fetch before sync; sync
// before dump; install first or last per configuration" — this daemon
// always runs install last, recorded as an Open Question decision in
// DESIGN.md). It returns the first session-fatal error Dispatcher.Run
// surfaces (always a wrapped commander.ErrCancelledByDevice or
// ErrLostConnection, per dispatcher.Error.Fatal's only two producers), or
// nil. A generic (reconciler) conduit's own per-database failure is
// reported through its Outcome, not a Run error, and does not stop later
// flavors or databases, matching spec §7 DispatcherError's non-fatal
// default.
func runFlavors(cmd *commander.Commander, disp *dispatcher.Dispatcher, store *infostore.InfoStore, layout localfs.Layout, hdr dispatcher.HeaderContext, log *logrus.Entry) error {
	if err := runFlavorOnce(disp, syncconfig.FlavorInit, hdr, log); err != nil {
		return err
	}

	if err := runFlavorOnce(disp, syncconfig.FlavorFetch, hdr, log); err != nil {
		return err
	}
	if err := runFlavorPerDB(disp, syncconfig.FlavorFetch, store, hdr, log); err != nil {
		return err
	}

	if err := runFlavorPerDB(disp, syncconfig.FlavorSync, store, hdr, log); err != nil {
		return err
	}

	if err := runFlavorPerDB(disp, syncconfig.FlavorDump, store, hdr, log); err != nil {
		return err
	}

	if err := runFlavorOnce(disp, syncconfig.FlavorInstall, hdr, log); err != nil {
		return err
	}
	if installed, err := dispatcher.InstallPending(cmd, layout, 0, *installForce, log); err != nil {
		log.WithError(err).Warn("install pending databases")
	} else if len(installed) > 0 {
		log.WithField("count", len(installed)).Info("installed staged databases")
	}
	return nil
}

func runFlavorOnce(disp *dispatcher.Dispatcher, flavor syncconfig.Flavor, hdr dispatcher.HeaderContext, log *logrus.Entry) error {
	hdrCopy := hdr
	if flavor != syncconfig.FlavorSync {
		hdrCopy.SyncType = ""
	}
	_, err := disp.Run(flavor, nil, hdrCopy)
	if err != nil {
		log.WithError(err).WithField("flavor", flavor).Error("fatal conduit failure")
	}
	return err
}

func runFlavorPerDB(disp *dispatcher.Dispatcher, flavor syncconfig.Flavor, store *infostore.InfoStore, hdr dispatcher.HeaderContext, log *logrus.Entry) error {
	hdrCopy := hdr
	if flavor != syncconfig.FlavorSync {
		hdrCopy.SyncType = ""
	}
	for _, db := range store.Databases() {
		info := db
		dbCtx := &dispatcher.DBContext{
			Info:     &info,
			InputDB:  info.Name,
			OutputDB: info.Name,
		}
		outcomes, err := disp.Run(flavor, dbCtx, hdrCopy)
		if err != nil {
			log.WithError(err).WithField("flavor", flavor).WithField("db", info.Name).Error("fatal conduit failure")
			return err
		}
		for _, o := range outcomes {
			if dispatcher.ClassOf(o.Result) >= dispatcher.ClassHostError {
				log.WithField("flavor", flavor).WithField("db", info.Name).WithField("conduit", o.ConduitName).
					WithField("result", o.Result).Warn("conduit reported failure, continuing")
			}
		}
	}
	return nil
}
