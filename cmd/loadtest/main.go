package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/frost56k/cm-bot/internal/bot"
	"github.com/frost56k/cm-bot/internal/domain"
	grpcsvc "github.com/frost56k/cm-bot/internal/service/grpc"
)

type scenarioKind string

const (
	scenarioBrowse   scenarioKind = "browse"
	scenarioReserve  scenarioKind = "reserve"
	scenarioCheckout scenarioKind = "checkout"
)

type config struct {
	addr        string
	total       int
	totalSet    bool
	duration    time.Duration
	concurrency int
	connections int
	timeout     time.Duration
	scenario    scenarioKind
	users       int
	userBase    int64
	itemIndex   int
	variant     domain.Variant
	replay      bool
	outputPath  string
}

// eventClient — часть grpcsvc.ChatGatewayClient, нужная нагрузочному тесту.
type eventClient interface {
	HandleEvent(ctx context.Context, req *grpcsvc.EventRequest, opts ...grpc.CallOption) (*grpcsvc.EventResponse, error)
}

// step — одно событие сценария.
type step struct {
	name string
	kind bot.EventKind
	text string
}

func parseConfig(args []string) (config, error) {
	var (
		cfg           config
		scenarioValue string
		variantValue  string
	)
	fs := flag.NewFlagSet("loadtest", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&cfg.addr, "addr", "localhost:50051", "chat gateway gRPC address")
	fs.IntVar(&cfg.total, "total", 400, "scenarios to execute; with -duration acts as an upper bound when set")
	fs.DurationVar(&cfg.duration, "duration", 0, "optional time-based run duration (e.g. 5m)")
	fs.IntVar(&cfg.concurrency, "concurrency", 40, "number of concurrent workers")
	fs.IntVar(&cfg.connections, "connections", 8, "number of gRPC client connections")
	fs.DurationVar(&cfg.timeout, "timeout", 5*time.Second, "per-event timeout")
	fs.StringVar(&scenarioValue, "scenario", string(scenarioReserve), "browse | reserve | checkout")
	fs.IntVar(&cfg.users, "users", 100, "number of distinct simulated buyers")
	fs.Int64Var(&cfg.userBase, "user-base", 7_000_000, "first simulated user id")
	fs.IntVar(&cfg.itemIndex, "item", 0, "catalog item index to reserve")
	fs.StringVar(&variantValue, "variant", string(domain.Variant250g), "variant to reserve: 250 | 1000")
	fs.BoolVar(&cfg.replay, "replay", false, "send every event twice and expect the second to be deduplicated")
	fs.StringVar(&cfg.outputPath, "output", "", "optional JSON report output file path")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "total" {
			cfg.totalSet = true
		}
	})

	switch scenarioKind(strings.TrimSpace(scenarioValue)) {
	case scenarioBrowse, scenarioReserve, scenarioCheckout:
		cfg.scenario = scenarioKind(strings.TrimSpace(scenarioValue))
	default:
		return cfg, fmt.Errorf("unsupported scenario: %s", scenarioValue)
	}
	variant, err := domain.ParseVariant(strings.TrimSpace(variantValue))
	if err != nil {
		return cfg, err
	}
	cfg.variant = variant

	switch {
	case cfg.duration < 0:
		return cfg, errors.New("duration must be >= 0")
	case cfg.duration == 0 && cfg.total <= 0:
		return cfg, errors.New("total must be > 0 when duration is not set")
	case cfg.duration > 0 && cfg.totalSet && cfg.total <= 0:
		return cfg, errors.New("total must be > 0 when explicitly set with duration")
	case cfg.concurrency <= 0:
		return cfg, errors.New("concurrency must be > 0")
	case cfg.connections <= 0:
		return cfg, errors.New("connections must be > 0")
	case cfg.timeout <= 0:
		return cfg, errors.New("timeout must be > 0")
	case cfg.users <= 0:
		return cfg, errors.New("users must be > 0")
	case cfg.userBase <= 0:
		return cfg, errors.New("user-base must be > 0")
	case cfg.itemIndex < 0:
		return cfg, errors.New("item must be >= 0")
	}
	return cfg, nil
}

// scenarioSteps возвращает последовательность событий одного покупателя.
func scenarioSteps(cfg config) []step {
	add := bot.AddCallback(cfg.itemIndex, cfg.variant)
	switch cfg.scenario {
	case scenarioBrowse:
		return []step{
			{name: "catalog", kind: bot.EventCommand, text: "/coffeeshop"},
			{name: "item", kind: bot.EventButton, text: bot.ItemCallback(cfg.itemIndex)},
			{name: "cart", kind: bot.EventCommand, text: "/cart"},
		}
	case scenarioCheckout:
		return []step{
			{name: "reserve", kind: bot.EventButton, text: add},
			{name: "checkout", kind: bot.EventButton, text: string(bot.ActionCheckout)},
			{name: "pickup", kind: bot.EventButton, text: string(bot.ActionPickup)},
			{name: "comment", kind: bot.EventText, text: "нет"},
		}
	default:
		return []step{
			{name: "reserve", kind: bot.EventButton, text: add},
			{name: "clear", kind: bot.EventButton, text: string(bot.ActionClearCart)},
		}
	}
}

func main() {
	cfg, err := parseConfig(os.Args[1:])
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	conns := make([]*grpc.ClientConn, 0, cfg.connections)
	clients := make([]eventClient, 0, cfg.connections)
	for i := 0; i < cfg.connections; i++ {
		conn, dialErr := grpc.NewClient(cfg.addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if dialErr != nil {
			_, _ = fmt.Fprintf(os.Stderr, "failed to create grpc client connection: %v\n", dialErr)
			os.Exit(1)
		}
		conns = append(conns, conn)
		clients = append(clients, grpcsvc.NewChatGatewayClient(conn))
	}
	defer func() {
		for _, conn := range conns {
			_ = conn.Close()
		}
	}()

	result := runLoad(clients, cfg, time.Now())
	printReport(os.Stdout, result, cfg)
	if cfg.outputPath != "" {
		if err := writeJSONReport(cfg.outputPath, result); err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "failed to write report: %v\n", err)
			os.Exit(1)
		}
	}
	if result.FailedScenarios > 0 {
		os.Exit(1)
	}
}

// runLoad раздаёт сценарии воркерам и собирает отчёт.
func runLoad(clients []eventClient, cfg config, startedAt time.Time) report {
	runID := fmt.Sprintf("%d-%d", startedAt.UnixNano(), os.Getpid())
	col := newCollector()
	steps := scenarioSteps(cfg)

	jobs := make(chan int, cfg.concurrency*2)
	var wg sync.WaitGroup
	for workerID := 0; workerID < cfg.concurrency; workerID++ {
		wg.Add(1)
		go func(cli eventClient) {
			defer wg.Done()
			for id := range jobs {
				_ = runScenario(cli, cfg, steps, id, runID, col)
			}
		}(clients[workerID%len(clients)])
	}

	dispatchJobs(jobs, cfg)
	wg.Wait()
	return col.buildReport(startedAt, time.Since(startedAt))
}

func dispatchJobs(jobs chan<- int, cfg config) {
	defer close(jobs)

	if cfg.duration <= 0 {
		for i := 0; i < cfg.total; i++ {
			jobs <- i
		}
		return
	}

	timer := time.NewTimer(cfg.duration)
	defer timer.Stop()
	for i := 0; ; i++ {
		if cfg.totalSet && i >= cfg.total {
			return
		}
		select {
		case <-timer.C:
			return
		case jobs <- i:
		}
	}
}

func runScenario(client eventClient, cfg config, steps []step, index int, runID string, col *collector) error {
	start := time.Now()
	code := codes.OK
	defer func() {
		col.record(scenarioStep, time.Since(start), code, false)
	}()

	userID := cfg.userBase + int64(index%cfg.users)
	for n, s := range steps {
		req := &grpcsvc.EventRequest{
			EventID:   fmt.Sprintf("lt-%s-%d-%d", runID, index, n),
			Kind:      string(s.kind),
			UserID:    userID,
			FirstName: "Load",
			Username:  fmt.Sprintf("load%d", userID),
			Text:      s.text,
		}
		if err := sendEvent(client, cfg.timeout, s.name, req, col); err != nil {
			code = grpcCode(err)
			return err
		}
		if !cfg.replay {
			continue
		}
		err := sendEvent(client, cfg.timeout, s.name+"_replay", req, col)
		if err != nil {
			code = grpcCode(err)
			return err
		}
	}
	return nil
}

var errNotDeduplicated = errors.New("replayed event was processed twice")

func sendEvent(client eventClient, timeout time.Duration, name string, req *grpcsvc.EventRequest, col *collector) error {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	resp, err := client.HandleEvent(ctx, req)
	duplicate := err == nil && resp != nil && resp.Duplicate
	if err == nil && strings.HasSuffix(name, "_replay") && !duplicate {
		err = status.Error(codes.DataLoss, errNotDeduplicated.Error())
	}
	col.record(name, time.Since(start), grpcCode(err), duplicate)
	return err
}

func grpcCode(err error) codes.Code {
	if err == nil {
		return codes.OK
	}
	return status.Code(err)
}
