package dispatcher

import (
	"net"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/xid"
	"github.com/sirupsen/logrus"

	"hsync/commander"
	"hsync/metrics"
	"hsync/prefcache"
	"hsync/syncconfig"
)

// Dispatcher matches configured conduits to a (flavor, database) pair,
// runs them one at a time (spec §5: "at most one conduit child runs at
// any time"), and mediates the SPC side-channel for sync-flavored runs
// (spec §4.8).
type Dispatcher struct {
	cmd      *commander.Commander
	conduits []syncconfig.Conduit
	prefs    *prefcache.Cache
	generic  GenericSyncFunc
	log      *logrus.Entry
	metrics  *metrics.Metrics

	StatusTimeout  time.Duration
	SPCReadTimeout time.Duration
}

// SetMetrics wires m into the Dispatcher; nil disables observation. Kept
// as a setter rather than a New parameter so existing callers/tests
// built around New's signature are unaffected.
func (d *Dispatcher) SetMetrics(m *metrics.Metrics) { d.metrics = m }

// New builds a Dispatcher. generic is the callback `[generic]` invokes
// in place of forking a child (spec §4.8; typically a Reconciler's
// SyncDatabase).
func New(cmd *commander.Commander, conduits []syncconfig.Conduit, prefs *prefcache.Cache, generic GenericSyncFunc, log *logrus.Entry) *Dispatcher {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Dispatcher{
		cmd:            cmd,
		conduits:       conduits,
		prefs:          prefs,
		generic:        generic,
		log:            log,
		StatusTimeout:  DefaultStatusTimeout,
		SPCReadTimeout: DefaultSPCReadTimeout,
	}
}

// Run matches and executes every conduit configured for flavor against
// db (nil for a database-independent event), per spec §4.8's matching
// algorithm. It stops and returns the triggering error as soon as one
// conduit's outcome is session-fatal (CancelledByDevice/LostConnection
// surfaced through SPC); any other per-conduit failure is logged and the
// next matching conduit still runs (spec §7 DispatcherError).
func (d *Dispatcher) Run(flavor syncconfig.Flavor, db *DBContext, hdr HeaderContext) ([]Outcome, error) {
	hasDB := db != nil && db.Info != nil
	plan := BuildPlan(d.conduits, flavor, db)
	toRun := plan.Ordered(hasDB)

	outcomes := make([]Outcome, 0, len(toRun))
	for _, c := range toRun {
		outcome, err := d.runOne(c, flavor, db, hdr)
		outcomes = append(outcomes, outcome)
		d.metrics.ObserveConduitRun(string(flavor), ClassOf(outcome.Result).String())
		if err != nil {
			var derr *Error
			if errors.As(err, &derr) && derr.Fatal {
				return outcomes, err
			}
			d.log.WithError(err).WithField("conduit", c.Name).Warn("conduit failed, continuing")
		}
	}
	return outcomes, nil
}

func (d *Dispatcher) runOne(c syncconfig.Conduit, flavor syncconfig.Flavor, db *DBContext, hdr HeaderContext) (Outcome, error) {
	switch c.Path {
	case "":
		return Outcome{ConduitName: c.Name, Flavor: flavor, Result: CodeNoop}, nil
	case "[dummy]":
		o := builtinDummy(flavor, db)
		o.ConduitName, o.Flavor = c.Name, flavor
		return o, nil
	case "[generic]":
		o := builtinGeneric(d.generic, db)
		o.ConduitName, o.Flavor = c.Name, flavor
		return o, nil
	default:
		return d.runExternal(c, flavor, db, hdr)
	}
}

func (d *Dispatcher) runExternal(c syncconfig.Conduit, flavor syncconfig.Flavor, db *DBContext, hdr HeaderContext) (Outcome, error) {
	spcEnabled := flavor == syncconfig.FlavorSync

	// runID correlates this conduit's own log lines (and, via the
	// Hsync-Run-Id header, the conduit's own logging if it chooses to
	// emit any) with the dispatcher's, across one conduit invocation.
	runID := xid.New().String()
	log := d.log.WithField("conduit", c.Name).WithField("run_id", runID)

	prefPayloads := make([][]byte, 0, len(c.Preferences))
	prefLens := make(map[syncconfig.PreferenceRef]int, len(c.Preferences))
	if d.prefs != nil {
		for _, p := range c.Preferences {
			item, err := d.prefs.Get(p.Creator, p.ID)
			if err != nil {
				return Outcome{ConduitName: c.Name, Flavor: flavor, Result: 501},
					&Error{Conduit: c.Name, Fatal: false, Cause: errors.Wrap(err, "dispatcher: preference fetch")}
			}
			prefPayloads = append(prefPayloads, item.Payload)
			prefLens[p] = len(item.Payload)
		}
	}

	sc, spcFD, err := spawn(c.Path, c.WorkDir, flavor, spcEnabled)
	if err != nil {
		return Outcome{ConduitName: c.Name, Flavor: flavor, Result: 501},
			&Error{Conduit: c.Name, Fatal: false, Cause: err}
	}

	headers, err := buildHeaderLines(hdr, db, flavor, spcFD, runID, c.Preferences, prefLens, c.Headers)
	if err != nil {
		sc.terminate()
		return Outcome{ConduitName: c.Name, Flavor: flavor, Result: 501},
			&Error{Conduit: c.Name, Fatal: false, Cause: err}
	}

	log.Debug("conduit starting")
	writeErrCh := make(chan error, 1)
	go func() { writeErrCh <- sc.writeStdin(headers, prefPayloads) }()

	outcome, err := d.driveConduit(c, flavor, db, sc)

	if spcEnabled {
		if closeErr := d.cmd.CloseDB(0, commander.CloseAllDBs); closeErr != nil {
			log.WithError(closeErr).Warn("close_db(all) after conduit exit failed")
		}
	}
	if d.prefs != nil {
		for _, p := range c.Preferences {
			if _, refErr := d.prefs.Refresh(p.Creator, p.ID); refErr != nil {
				log.WithError(refErr).Warn("preference refresh after conduit exit failed")
			}
		}
	}
	if writeErr := <-writeErrCh; writeErr != nil {
		log.WithError(writeErr).Warn("conduit stdin write failed")
	}

	return outcome, err
}

// driveConduit is the select-equivalent loop of spec §4.8 step 6: it
// reads the status stream and (for sync-flavored runs) answers SPC
// requests until the child exits, a fatal SPC condition surfaces, or
// StatusTimeout elapses with no new status line (SPC requests do not
// restart the timer).
func (d *Dispatcher) driveConduit(c syncconfig.Conduit, flavor syncconfig.Flavor, db *DBContext, sc *spawnedConduit) (Outcome, error) {
	var last StatusLine
	statusCh := sc.status

	var spcErrCh chan error
	if sc.spcConn != nil {
		spcErrCh = make(chan error, 1)
		dbInfoFn := func() []byte {
			if db != nil && db.Info != nil {
				return EncodeDBInfo(*db.Info)
			}
			return nil
		}
		spcServer := NewSPCServer(sc.spcConn, d.cmd, dbInfoFn)
		go d.runSPCLoop(sc.spcConn, spcServer, spcErrCh)
	}

	statusTimeout := d.StatusTimeout
	if statusTimeout <= 0 {
		statusTimeout = DefaultStatusTimeout
	}
	timer := time.NewTimer(statusTimeout)
	defer timer.Stop()

	for {
		select {
		case line, ok := <-statusCh:
			if !ok {
				statusCh = nil
				continue
			}
			last = line
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(statusTimeout)

		case spcErr := <-spcErrCh:
			spcErrCh = nil
			switch {
			case errors.Is(spcErr, ErrSPCCancelled):
				sc.terminate()
				drainStatus(sc.status, &last)
				return Outcome{ConduitName: c.Name, Flavor: flavor, Result: CodeSPCCancelled, LastStatus: last},
					&Error{Conduit: c.Name, Fatal: true, Cause: commander.ErrCancelledByDevice}
			case errors.Is(spcErr, ErrSPCLostConnection):
				sc.terminate()
				drainStatus(sc.status, &last)
				return Outcome{ConduitName: c.Name, Flavor: flavor, Result: CodeSPCLostConnection, LastStatus: last},
					&Error{Conduit: c.Name, Fatal: true, Cause: commander.ErrLostConnection}
			default:
				// SPC side closed normally (conduit done issuing
				// requests); keep waiting on the status stream/exit.
			}

		case waitErr := <-sc.waitErr:
			drainStatus(sc.status, &last)
			result := last.Code
			if result == 0 {
				result = CodeImplicitConduitError
			}
			if waitErr != nil {
				d.log.WithError(waitErr).WithField("conduit", c.Name).Debug("conduit process exited non-zero")
			}
			return Outcome{ConduitName: c.Name, Flavor: flavor, Result: result, LastStatus: last}, nil

		case <-timer.C:
			sc.terminate()
			drainStatus(sc.status, &last)
			return Outcome{ConduitName: c.Name, Flavor: flavor, Result: CodeImplicitConduitError, LastStatus: last},
				&Error{Conduit: c.Name, Fatal: false, Cause: errors.New("dispatcher: conduit status timeout")}
		}
	}
}

// runSPCLoop answers SPC requests until the socket closes or a fatal
// condition surfaces, polling with SPCReadTimeout so a hung conduit
// never wedges this goroutine forever (spec §9's suggested per-state
// timeout in place of the original's unbounded select()).
func (d *Dispatcher) runSPCLoop(conn net.Conn, srv *SPCServer, errCh chan<- error) {
	readTimeout := d.SPCReadTimeout
	if readTimeout <= 0 {
		readTimeout = DefaultSPCReadTimeout
	}
	for {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		err := srv.ServeOne()
		if err == nil {
			continue
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			continue
		}
		errCh <- err
		return
	}
}

// drainStatus consumes any remaining buffered status lines after the
// child has exited or been terminated (spec §4.8 "Termination": "drains
// remaining stdout for any trailing status lines").
func drainStatus(ch <-chan StatusLine, last *StatusLine) {
	for line := range ch {
		*last = line
	}
}
