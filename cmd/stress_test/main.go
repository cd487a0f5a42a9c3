package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/rl1809/order-fulfillment/internal/adapter/storage"
	"github.com/rl1809/order-fulfillment/internal/audit"
	"github.com/rl1809/order-fulfillment/internal/core/domain"
	"github.com/rl1809/order-fulfillment/internal/core/service"
	"github.com/rl1809/order-fulfillment/internal/metrics"
)

const (
	customerID = "stress-customer"
	productID  = "stress-item"
)

func main() {
	initialStock := flag.Int("stock", 20, "initial stock")
	totalRequests := flag.Int("requests", 50, "concurrent CreateOrder calls")
	cancelEvery := flag.Int("cancel-every", 4, "cancel every Nth successful order, 0 disables")
	lockWait := flag.Duration("lock-wait", 200*time.Millisecond, "lock wait timeout")
	flag.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(zerolog.WarnLevel).With().Timestamp().Logger()
	ctx := context.Background()

	store := storage.NewMemoryStore(*lockWait)
	store.PutCustomer(customerID)
	if err := store.PutProduct(domain.Product{ID: productID, Name: "Stress Item", Price: decimal.NewFromInt(10)}, *initialStock); err != nil {
		log.Fatal().Err(err).Msg("seed product")
	}

	reg := metrics.NewRegistry()
	sink := audit.NewMemorySink()
	emitter := audit.NewEmitter(sink, audit.EmitterConfig{QueueSize: 4 * *totalRequests}, log, reg)
	orderService := service.NewOrderService(store, emitter, service.WithLogger(log), service.WithMetrics(reg))

	var (
		successCount  atomic.Int32
		soldOutCount  atomic.Int32
		otherCount    atomic.Int32
		restoredUnits atomic.Int32
		wg            sync.WaitGroup
	)
	start := time.Now()

	for i := 0; i < *totalRequests; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()

			res := orderService.CreateOrder(ctx, service.CreateOrderRequest{CustomerID: customerID, ProductID: productID, Quantity: 1})
			switch res.Kind {
			case domain.KindOK:
				k := successCount.Add(1)
				if *cancelEvery > 0 && int(k)%*cancelEvery == 0 {
					c := orderService.CancelOrder(ctx, service.CancelOrderRequest{OrderID: res.OrderID, Reason: "stress test"})
					for _, l := range c.Restored {
						restoredUnits.Add(int32(l.Quantity))
					}
				}
			case domain.KindInsufficientStock:
				soldOutCount.Add(1)
			default:
				otherCount.Add(1)
				log.Warn().Str("kind", string(res.Kind)).Int("request", n).Msg(res.Message)
			}
		}(i)
	}

	wg.Wait()
	elapsed := time.Since(start)
	emitter.Flush()

	closeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := emitter.Close(closeCtx); err != nil {
		log.Warn().Err(err).Msg("emitter close")
	}

	success := int(successCount.Load())
	restored := int(restoredUnits.Load())
	finalStock, _ := store.Stock(productID)

	fmt.Println("========== STRESS TEST RESULTS ==========")
	fmt.Printf("Initial Stock:    %d\n", *initialStock)
	fmt.Printf("Total Requests:   %d\n", *totalRequests)
	fmt.Printf("Successful:       %d\n", success)
	fmt.Printf("Sold Out:         %d\n", soldOutCount.Load())
	fmt.Printf("Other Failures:   %d\n", otherCount.Load())
	fmt.Printf("Units Restored:   %d\n", restored)
	fmt.Printf("Final Stock:      %d\n", finalStock)
	fmt.Printf("Audit Entries:    %d\n", len(sink.Entries()))
	fmt.Printf("Duration:         %v\n", elapsed)
	fmt.Println("==========================================")

	failed := false
	if finalStock < 0 {
		fmt.Printf("FAIL: stock went negative: %d\n", finalStock)
		failed = true
	}
	if want := *initialStock - success + restored; finalStock != want {
		fmt.Printf("FAIL: expected final stock %d, got %d\n", want, finalStock)
		failed = true
	} else {
		fmt.Println("PASS: final stock = initial - sold + restored")
	}
	if success-restored > *initialStock {
		fmt.Printf("FAIL: oversold, %d net units against stock %d\n", success-restored, *initialStock)
		failed = true
	} else {
		fmt.Println("PASS: no oversell")
	}
	if failed {
		os.Exit(1)
	}
}
