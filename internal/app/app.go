// Package app wires stores, the bus and the saga services into one process.
package app

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"tourflow/internal/bus"
	"tourflow/internal/catalog"
	"tourflow/internal/inventory"
	"tourflow/internal/observability"
	"tourflow/internal/payment"
	"tourflow/internal/reliability"
	"tourflow/internal/saga"
)

type Options struct {
	Roles   Roles
	Bus     bus.Bus
	Stores  Stores
	Log     zerolog.Logger
	Metrics *observability.Metrics

	// Publish wraps every outbound publish. Nil publishes once.
	Publish  *reliability.Guard
	Notifier saga.Notifier

	HoldWindow time.Duration
	Sweep      inventory.SweeperConfig

	Decision payment.Decision
	Methods  []string
	PriceTTL time.Duration
}

// Node is one running process: an orchestrator and/or participants sharing a bus.
type Node struct {
	Orchestrator *saga.Orchestrator
	Inventory    *inventory.Participant
	Sweeper      *inventory.Sweeper
	Payment      *payment.Participant

	bus bus.Bus
	log zerolog.Logger
}

var (
	ErrMissingStore    = errors.New("store required for enabled role")
	ErrMissingDecision = errors.New("payment decision required")
)

func Build(opts Options) (*Node, error) {
	if opts.Bus == nil {
		return nil, errors.New("bus required")
	}
	pub := bus.Publisher(opts.Bus)
	if opts.Publish != nil {
		pub = bus.NewReliablePublisher(opts.Bus, *opts.Publish)
	}
	n := &Node{bus: opts.Bus, log: opts.Log}

	if opts.Roles.Orchestrator {
		if opts.Stores.Sagas == nil {
			return nil, ErrMissingStore
		}
		sagaOpts := []saga.Option{saga.WithMetrics(opts.Metrics)}
		if opts.Notifier != nil {
			sagaOpts = append(sagaOpts, saga.WithNotifier(opts.Notifier))
		}
		n.Orchestrator = saga.NewOrchestrator(opts.Stores.Sagas, pub,
			opts.Log.With().Str("component", "orchestrator").Logger(), sagaOpts...)
	}

	if opts.Roles.Inventory {
		if opts.Stores.Ledger == nil {
			return nil, ErrMissingStore
		}
		log := opts.Log.With().Str("component", "inventory").Logger()
		n.Inventory = inventory.NewParticipant(opts.Stores.Ledger, pub, log,
			inventory.WithHoldWindow(opts.HoldWindow),
			inventory.WithParticipantMetrics(opts.Metrics),
		)
		sweep := opts.Sweep
		sweep.Metrics = opts.Metrics
		sweeper, err := inventory.NewSweeper(opts.Stores.Ledger, log, sweep)
		if err != nil {
			return nil, err
		}
		n.Sweeper = sweeper
	}

	if opts.Roles.Payment {
		if opts.Stores.Transactions == nil || opts.Stores.Prices == nil {
			return nil, ErrMissingStore
		}
		if opts.Decision == nil {
			return nil, ErrMissingDecision
		}
		prices := opts.Stores.Prices
		if opts.PriceTTL > 0 {
			prices = catalog.NewCachedLookup(prices, opts.PriceTTL)
		}
		processor := payment.NewProcessor(opts.Stores.Transactions, prices, opts.Decision,
			payment.WithMethods(opts.Methods),
			payment.WithMetrics(opts.Metrics),
		)
		n.Payment = payment.NewParticipant(processor, pub,
			opts.Log.With().Str("component", "payment").Logger(), opts.Metrics)
	}
	return n, nil
}

// Run consumes every enabled role's queue and runs the expiry sweep until ctx
// ends. In-flight handlers and background publishes finish before it returns.
func (n *Node) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	if n.Orchestrator != nil {
		g.Go(func() error { return n.bus.Consume(gctx, bus.QueueResponses, n.Orchestrator.HandleDelivery) })
	}
	if n.Inventory != nil {
		g.Go(func() error { return n.bus.Consume(gctx, bus.QueueInventoryCommands, n.Inventory.HandleDelivery) })
		g.Go(func() error { return n.Sweeper.Run(gctx) })
	}
	if n.Payment != nil {
		g.Go(func() error { return n.bus.Consume(gctx, bus.QueuePaymentCommands, n.Payment.HandleDelivery) })
	}
	err := g.Wait()
	if n.Orchestrator != nil {
		n.Orchestrator.Wait()
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
