package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"go-dwh/internal/changelog"
	"go-dwh/internal/db"
	"go-dwh/internal/dimension"
	"go-dwh/internal/fact"
	"go-dwh/internal/log"
	"go-dwh/internal/meta"
	"go-dwh/internal/model"
	"go-dwh/internal/pipeline"
	"go-dwh/internal/quality"
	"go-dwh/internal/scheduler"
	"go-dwh/pkg/config"
)

func main() {
	cfg, err := config.LoadConfig("config.toml")
	if err != nil {
		panic(err)
	}
	if cfg.LogFile != "" {
		log.EnableFileOutput(cfg.LogFile)
	}

	var (
		sink       quality.Sink = &quality.MemorySink{}
		clogOpts   []changelog.Option
		schedOpts  []scheduler.Option
	)
	if cfg.MetaDBEnabled {
		svc := meta.NewService(db.InitWarehouseDataSource())
		sink = svc
		clogOpts = append(clogOpts, changelog.WithCheckpointer(svc))
		schedOpts = append(schedOpts, scheduler.WithRecorder(svc))
	}

	clog := changelog.New(log.Log, clogOpts...)
	for _, s := range cfg.Streams {
		clog.Register(s.ID, s.Relation, s.AppendOnly, s.Retention)
	}

	resolver := dimension.NewResolver(log.Log)
	mergers := make(map[string]pipeline.Merger)
	dimStreams := make(map[string]string)
	for _, d := range cfg.Dimensions {
		scd := model.SCDType1
		if d.SCD == "type2" {
			scd = model.SCDType2
		}
		arena := dimension.NewArena(d.Name, scd)
		resolver.AddArena(arena)
		if scd == model.SCDType2 {
			mergers[d.Name] = dimension.NewType2Merger(arena, log.Log)
		} else {
			mergers[d.Name] = dimension.NewType1Merger(arena, log.Log)
		}
		dimStreams[d.Name] = d.Stream
	}

	loaders := make(map[string]*fact.Loader)
	reconcilers := make(map[string]*fact.Reconciler)
	factStreams := make(map[string]string)
	factGates := make(map[string]*quality.Gate)
	for _, f := range cfg.Facts {
		store := fact.NewStore(f.Name)
		var bindings []fact.Binding
		required := []string{f.DegenerateKey}
		for _, b := range f.Dimensions {
			bindings = append(bindings, fact.Binding{Dimension: b.Dimension, Attribute: b.Attribute})
			required = append(required, b.Attribute)
		}
		loaders[f.Name] = fact.NewLoader(store, resolver, f.DegenerateKey, bindings, log.Log)
		reconcilers[f.Name] = fact.NewReconciler(store, resolver, log.Log)
		factStreams[f.Name] = f.Stream
		// A record the loader cannot process must be quarantined here, not
		// fail the window: the offset would never advance past it.
		factGates[f.Name] = quality.NewGate(log.Log, sink,
			quality.RequireKey(),
			quality.RequireFields(required...),
			quality.RequireNumeric("price", "quantity", "discount_pct"),
		)
	}

	dimGate := quality.NewGate(log.Log, sink, quality.RequireKey())

	var specs []scheduler.TaskSpec
	for _, t := range cfg.Tasks {
		spec := scheduler.TaskSpec{
			Name:         t.Name,
			Predecessors: t.Predecessors,
			Pool:         t.ResourcePool,
		}
		if t.Schedule != "" {
			sched, err := t.CronSchedule()
			if err != nil {
				panic(err)
			}
			spec.Schedule = sched
		}
		backoff, _ := t.BackoffDuration()
		spec.Retry = model.RetryPolicy{MaxAttempts: t.MaxAttempts, Backoff: backoff}
		spec.Timeout, _ = t.TimeoutDuration()

		switch t.Kind {
		case "dimension":
			spec.Body = pipeline.DimensionLoadBody(clog, dimStreams[t.Target], t.Name, dimGate, mergers[t.Target], time.Now)
		case "fact":
			spec.Body = pipeline.FactLoadBody(clog, factStreams[t.Target], t.Name, factGates[t.Target], loaders[t.Target], time.Now)
		case "reconcile":
			spec.Body = pipeline.ReconcileBody(reconcilers[t.Target])
		}
		specs = append(specs, spec)
	}

	sched, err := scheduler.New(log.Log, specs, schedOpts...)
	if err != nil {
		panic(err)
	}

	if cfg.MetricsAddr != "" {
		go func() {
			if err := http.ListenAndServe(cfg.MetricsAddr, promhttp.Handler()); err != nil {
				log.Log.Error("metrics listener exited", zap.Error(err))
			}
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())
	sched.Start(ctx)
	log.Log.Info("warehouse maintenance engine started", zap.Int("tasks", len(specs)))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	cancel()
	sched.Wait()
	log.Log.Info("warehouse maintenance engine stopped")
}
