package main

import (
	"context"
	"flag"
	"os"
	"time"

	pyroscope "github.com/grafana/pyroscope-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
	"github.com/yanun0323/pkg/sys"
	"golang.org/x/sync/errgroup"

	"github.com/yanun0323/go-hft/internal/admin"
	"github.com/yanun0323/go-hft/internal/connector"
	"github.com/yanun0323/go-hft/internal/connector/paper"
	"github.com/yanun0323/go-hft/internal/dispatch"
	"github.com/yanun0323/go-hft/internal/obs"
	"github.com/yanun0323/go-hft/internal/ops"
	"github.com/yanun0323/go-hft/internal/order"
	"github.com/yanun0323/go-hft/internal/persist"
	"github.com/yanun0323/go-hft/internal/reconcile"
	"github.com/yanun0323/go-hft/internal/risk"
	"github.com/yanun0323/go-hft/pkg/conn"
)

func main() {
	configPath := flag.String("config", "config.json", "Path to JSON config")
	flag.Parse()

	if err := run(*configPath); err != nil {
		logs.Errorf("engine stopped, err: %+v", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	loaded, err := ops.Load(configPath)
	if err != nil {
		return errors.Wrap(err, "load config")
	}

	if loaded.Profiler != nil {
		profiler, err := pyroscope.Start(pyroscope.Config{
			ApplicationName: loaded.Profiler.ApplicationName,
			ServerAddress:   loaded.Profiler.ServerAddress,
			ProfileTypes: []pyroscope.ProfileType{
				pyroscope.ProfileCPU,
				pyroscope.ProfileAllocSpace,
				pyroscope.ProfileInuseSpace,
				pyroscope.ProfileGoroutines,
				pyroscope.ProfileMutexDuration,
			},
		})
		if err != nil {
			return errors.Wrap(err, "start profiler")
		}
		defer func() {
			if err := profiler.Stop(); err != nil {
				logs.Warnf("stop profiler, err: %+v", err)
			}
		}()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := obs.NewMetrics(reg)

	gateway, closeGateway, err := openGateway(loaded.Persistence)
	if err != nil {
		return err
	}
	defer closeGateway()

	dispatcher := dispatch.New(metrics)

	connectors := make([]*connector.Connector, 0, len(loaded.Exchanges))
	delegators := make([]order.Delegator, 0, len(loaded.Exchanges))
	sources := make([]reconcile.Source, 0, len(loaded.Exchanges))
	for _, ex := range loaded.Exchanges {
		venue, err := paper.New(paper.Config{Exchange: ex.Connector.Exchange, Chaos: ex.Chaos})
		if err != nil {
			return errors.Wrapf(err, "new paper venue %s", ex.Connector.Exchange)
		}
		for currency, total := range ex.Balances {
			venue.SetBalance(currency, total)
		}

		c, err := connector.New(ex.Connector, venue, metrics)
		if err != nil {
			return errors.Wrapf(err, "new connector %s", ex.Connector.Exchange)
		}
		connectors = append(connectors, c)
		delegators = append(delegators, c)
		sources = append(sources, c)
	}

	var guard *risk.Guard
	if loaded.Risk != nil {
		guard, err = risk.NewGuard(*loaded.Risk)
		if err != nil {
			return errors.Wrap(err, "new risk guard")
		}
		loaded.Engine.Guard = guard
	}

	use, err := order.NewUsecase(loaded.Engine, gateway, dispatcher, metrics, delegators...)
	if err != nil {
		return errors.Wrap(err, "new engine")
	}
	reconciler, err := reconcile.New(loaded.Reconcile, use, metrics, sources...)
	if err != nil {
		return errors.Wrap(err, "new reconciler")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := use.Recover(ctx); err != nil {
		return errors.Wrap(err, "recover")
	}

	eg, ctx := errgroup.WithContext(ctx)
	handler := connector.HandlerFuncs{Event: use.OnEvent, Reconnect: reconciler.OnReconnect}
	for _, c := range connectors {
		eg.Go(func() error {
			return c.Run(ctx, handler)
		})
	}
	eg.Go(func() error {
		return use.Run(ctx)
	})
	eg.Go(func() error {
		return reconciler.Run(ctx)
	})

	if loaded.Kafka != nil {
		sink := dispatch.NewKafkaSink(dispatcher, dispatch.NewKafkaWriter(loaded.Kafka.Brokers, loaded.Kafka.Topic), dispatch.CapAll, loaded.Kafka.QueueSize)
		eg.Go(func() error {
			defer func() {
				if err := sink.Close(); err != nil {
					logs.Warnf("close kafka sink, err: %+v", err)
				}
			}()
			return sink.Run(ctx)
		})
	}

	if loaded.Admin.Addr != "" {
		server := admin.New(use, reg)
		if guard != nil {
			server.WithKillSwitch(guard)
		}
		eg.Go(func() error {
			return server.Run(ctx, loaded.Admin.Addr)
		})
	}

	eg.Go(func() error {
		select {
		case <-sys.Shutdown():
			logs.Infof("shutdown signal received")
			cancel()
		case <-ctx.Done():
		}
		return nil
	})

	logs.Infof("engine started, exchanges: %v, persistence: %s", use.Exchanges(), loaded.Persistence.Driver)
	err = eg.Wait()

	final, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	if ferr := use.Flush(final); ferr != nil {
		logs.Errorf("flush journal on exit, err: %+v", ferr)
	}
	for _, exchange := range use.Exchanges() {
		if cerr := use.Checkpoint(final, exchange); cerr != nil {
			logs.Warnf("checkpoint on exit, exchange: %s, err: %+v", exchange, cerr)
		}
	}
	return err
}

func openGateway(cfg ops.Persistence) (persist.Gateway, func(), error) {
	switch cfg.Driver {
	case ops.DriverMemory:
		logs.Warnf("journal kept in memory, state is lost on exit")
		return persist.NewMemory(), func() {}, nil
	case ops.DriverFile:
		file, err := persist.NewFile(cfg.File)
		if err != nil {
			return nil, nil, errors.Wrap(err, "open file journal")
		}
		return file, func() {
			if err := file.Close(); err != nil {
				logs.Warnf("close file journal, err: %+v", err)
			}
		}, nil
	}

	client, err := conn.New(cfg.Option)
	if err != nil {
		return nil, nil, errors.Wrap(err, "connect database")
	}
	store, err := persist.NewStore(client.DB())
	if err != nil {
		_ = client.Close()
		return nil, nil, errors.Wrap(err, "new journal store")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := store.Ping(ctx); err != nil {
		_ = client.Close()
		return nil, nil, errors.Wrap(err, "ping journal store")
	}

	return store, func() {
		if err := client.Close(); err != nil {
			logs.Warnf("close database, err: %+v", err)
		}
	}, nil
}
