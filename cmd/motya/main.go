// Command motya is a reverse-proxy host process supporting zero downtime
// replacement of a running instance.
//
// A new instance started with -upgrade inherits the listening sockets of
// the instance named by the pidfile. The operator then delivers SIGQUIT to
// the old instance (pid taken from the pidfile) to hand traffic over; the
// old instance drains its in-flight connections under -drain-timeout and
// exits.
package main

import (
	"context"
	"flag"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/inconshreveable/log15"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/motya-proxy/motya/drain"
	"github.com/motya-proxy/motya/handover"
	"github.com/motya-proxy/motya/pidfile"
	"github.com/motya-proxy/motya/proxy"
)

var (
	upgrade         = flag.Bool("upgrade", false, "take over the listening sockets of a running instance")
	upgradeSocket   = flag.String("upgrade-socket", "/run/motya/upgrade.sock", "absolute path to the control channel socket")
	pidfilePath     = flag.String("pidfile", "/run/motya/motya.pid", "absolute path to the pidfile")
	drainTimeout    = flag.Duration("drain-timeout", handover.DefaultDrainTimeout, "grace period for in-flight connections when retiring")
	transferTimeout = flag.Duration("transfer-timeout", handover.DefaultTransferTimeout, "how long to wait for a successor during a handover")
	adminAddr       = flag.String("admin", "", "address for the admin endpoint (health, status, metrics); empty disables it")
)

// serviceList collects repeated -service flags of the form
// id=bindaddr=upstream-url.
type serviceList []proxy.Service

func (s *serviceList) String() string {
	ids := make([]string, 0, len(*s))
	for _, svc := range *s {
		ids = append(ids, svc.ID)
	}
	return strings.Join(ids, ",")
}

func (s *serviceList) Set(v string) error {
	parts := strings.SplitN(v, "=", 3)
	if len(parts) != 3 {
		return errors.Errorf("service %q must be id=bindaddr=upstream-url", v)
	}
	upstream, err := url.Parse(parts[2])
	if err != nil {
		return errors.Wrapf(err, "bad upstream url in service %q", v)
	}
	if upstream.Scheme == "" || upstream.Host == "" {
		return errors.Errorf("upstream url in service %q must be absolute", v)
	}
	*s = append(*s, proxy.Service{
		ID:       parts[0],
		Network:  "tcp",
		Addr:     parts[1],
		Upstream: upstream,
	})
	return nil
}

// errDone unwinds the errgroup on a clean shutdown path.
var errDone = errors.New("done")

func main() {
	var services serviceList
	flag.Var(&services, "service", "service to proxy as id=bindaddr=upstream-url (repeatable)")
	flag.Parse()

	l := log15.New("pid", os.Getpid())
	l.SetHandler(log15.StreamHandler(os.Stderr, log15.LogfmtFormat()))

	if err := run(l, services); err != nil {
		l.Crit("exiting", "err", err)
		os.Exit(1)
	}
}

func run(l log15.Logger, services serviceList) error {
	if len(services) == 0 {
		return errors.New("at least one -service is required")
	}

	pidf, err := pidfile.New(*pidfilePath, pidfile.WithLogger(l))
	if err != nil {
		return err
	}
	sup := drain.NewSupervisor(
		drain.WithLogger(l),
		drain.WithCountFunc(proxy.ObserveActiveConnections),
	)
	srv := proxy.NewServer(services, sup, proxy.WithLogger(l))
	coord, err := handover.New(*upgradeSocket, pidf, sup,
		handover.WithLogger(l),
		handover.WithServer(srv),
		handover.WithDrainTimeout(*drainTimeout),
		handover.WithTransferTimeout(*transferTimeout),
	)
	if err != nil {
		return err
	}

	// SIGTERM/SIGINT while waiting for a predecessor aborts startup
	startCtx, stopNotify := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err = coord.Start(startCtx, *upgrade)
	stopNotify()
	if err != nil {
		return err
	}
	inherited := coord.State() == "awaiting-listeners"

	if err := srv.StartAccepting(context.Background(), coord.Listeners()); err != nil {
		coord.Stop()
		return errors.Wrap(err, "can't bring up services")
	}
	if err := coord.Ready(); err != nil {
		return err
	}
	if inherited {
		proxy.RecordHandover("inherited")
	} else {
		proxy.RecordHandover("fresh")
	}

	g, ctx := errgroup.WithContext(context.Background())

	quitC := make(chan os.Signal, 1)
	signal.Notify(quitC, syscall.SIGQUIT)
	termC := make(chan os.Signal, 2)
	signal.Notify(termC, syscall.SIGINT, syscall.SIGTERM)

	// reconfiguration loop: each SIGQUIT is one handover attempt. A failed
	// attempt leaves this instance serving and waits for the next signal; a
	// successful one drains and finishes the process.
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-quitC:
				if err := coord.Reconfigure(); err != nil {
					l.Error("handover attempt failed, still serving", "err", err)
					continue
				}
				outcome, err := sup.Wait(ctx)
				if err != nil {
					return err
				}
				l.Info("retired", "outcome", outcome)
				proxy.RecordHandover("completed")
				// finish the lifecycle; the pidfile names the successor by
				// now, so this releases only what is still ours
				coord.Stop()
				return errDone
			}
		}
	})

	g.Go(func() error {
		select {
		case <-ctx.Done():
			return nil
		case <-termC:
			l.Info("termination signal received, shutting down")
			coord.Stop()
			return errDone
		}
	})

	if *adminAddr != "" {
		adminSrv := &http.Server{
			Addr: *adminAddr,
			Handler: proxy.NewAdminHandler(l, func() proxy.StatusReport {
				return proxy.StatusReport{
					PID:               os.Getpid(),
					State:             coord.State(),
					ActiveConnections: sup.ActiveCount(),
					Services:          coord.Listeners().ServiceIDs(),
				}
			}),
		}
		g.Go(func() error {
			l.Info("admin endpoint up", "addr", *adminAddr)
			if err := adminSrv.ListenAndServe(); err != http.ErrServerClosed {
				return errors.Wrap(err, "admin endpoint failed")
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return adminSrv.Shutdown(shutdownCtx)
		})
	}

	if err := g.Wait(); err != nil && err != errDone {
		return err
	}
	return nil
}

