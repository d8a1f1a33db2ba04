package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/docopt/docopt-go"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bringyour/restcollection/collection"
)

const DefaultConfigPath = "collectionctl.yml"

const LocalVersion = "0.0.0-local"

func main() {
	usage := fmt.Sprintf(
		`Rest collection control.

Settings are read from the config file (default %s) and overridden by options.

Usage:
    collectionctl list [options]
    collectionctl add <field>... [options]
    collectionctl edit <id> <field>... [options]
    collectionctl watch [--feed_url=<feed_url>] [--metrics_address=<metrics_address>] [options]

Options:
    -h --help                        Show this screen.
    --version                        Show version.
    --config=<config>                Config file.
    --api_url=<api_url>
    --endpoint=<endpoint>            Collection path under the api url.
    --type=<type>                    Entity type name.
    --jwt=<jwt>                      Bearer token.
    --prompt_jwt                     Read the bearer token from the terminal.
    --debounce=<debounce>            Edit quiescence window, e.g. 300ms.
    --timeout=<timeout>              Wait for responses [default: 30s].
    --feed_url=<feed_url>            Websocket push feed.
    --metrics_address=<metrics_address>  Serve /metrics, e.g. :9090.

Fields are key=value. Values that parse as json are sent as json, otherwise as strings.`,
		DefaultConfigPath,
	)

	opts, err := docopt.ParseArgs(usage, os.Args[1:], RequireVersion())
	if err != nil {
		panic(err)
	}

	if list_, _ := opts.Bool("list"); list_ {
		list(opts)
	} else if add_, _ := opts.Bool("add"); add_ {
		add(opts)
	} else if edit_, _ := opts.Bool("edit"); edit_ {
		edit(opts)
	} else if watch_, _ := opts.Bool("watch"); watch_ {
		watch(opts)
	}
}

// a running collection driven over http
type session struct {
	ctx      context.Context
	config   *collection.Config
	timeout  time.Duration
	loop     *collection.Loop
	bus      *collection.EventBus
	coll     *collection.Collection
	driver   *collection.HttpDriver
	registry *prometheus.Registry
}

func newSession(ctx context.Context, opts docopt.Opts) *session {
	config := loadConfig(opts)

	timeout := 30 * time.Second
	if timeoutStr, err := opts.String("--timeout"); err == nil {
		if d, err := time.ParseDuration(timeoutStr); err == nil {
			timeout = d
		}
	}

	registry := prometheus.NewRegistry()

	settings := config.CollectionSettings()
	settings.Metrics = collection.NewMetrics(registry)

	loop := collection.NewLoop(ctx)
	bus := collection.NewEventBus(loop)
	coll := collection.NewCollection(
		ctx,
		loop,
		collection.NewRecordType(config.Type),
		bus,
		config.Endpoint,
		settings,
	)

	driver := collection.NewHttpDriver(ctx, config.ApiUrl, config.ApiSettings())
	if err := driver.SetByJwt(readJwt(opts)); err != nil {
		panic(err)
	}
	driver.Drive(coll)

	coll.Diagnostics().Subscribe(func(diagnostic *collection.Diagnostic) {
		fmt.Fprintf(os.Stderr, "diagnostic: %s\n", diagnostic)
	})

	return &session{
		ctx:      ctx,
		config:   config,
		timeout:  timeout,
		loop:     loop,
		bus:      bus,
		coll:     coll,
		driver:   driver,
		registry: registry,
	}
}

// returns a wait for the next response of `category`.
// call before the request can be emitted so the response is not missed
func (self *session) expect(category collection.RequestCategory) (wait func() *collection.Response) {
	responseCallback, responseChannel := collection.NewBlockingApiCallback[*collection.Response]()
	var once sync.Once
	remove := self.driver.AddResponseCallback(func(response *collection.Response) {
		if response.Request.Category == category {
			once.Do(func() {
				responseCallback.Result(response, response.Err)
			})
		}
	})

	return func() *collection.Response {
		defer remove()

		var result collection.ApiCallbackResult[*collection.Response]
		select {
		case <-self.ctx.Done():
			os.Exit(0)
		case <-time.After(self.timeout):
			panic(fmt.Errorf("No %s response after %s.", category, self.timeout))
		case result = <-responseChannel:
		}
		if result.Error != nil {
			panic(result.Error)
		}
		return result.Result
	}
}

// the committed entity states, after all posted work ran
func (self *session) states() []collection.Descriptor {
	c := make(chan []collection.Descriptor, 1)
	self.coll.Snapshot(func(state *collection.CollectionState) {
		descriptors := []collection.Descriptor{}
		for _, instance := range state.Items {
			if descriptor, ok := instance.State().Last(); ok {
				descriptors = append(descriptors, descriptor)
			}
		}
		c <- descriptors
	})
	select {
	case <-self.ctx.Done():
		os.Exit(0)
	case descriptors := <-c:
		return descriptors
	}
	return nil
}

func (self *session) close() {
	self.driver.Close()
	self.coll.Close()
	self.loop.Close()
}

func list(opts docopt.Opts) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	defer stop()

	s := newSession(ctx, opts)
	defer s.close()

	waitIndex := s.expect(collection.CategoryIndex)
	s.coll.Start()
	waitIndex()

	for _, descriptor := range s.states() {
		fmt.Printf("%s\n", descriptor)
	}
}

func add(opts docopt.Opts) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	defer stop()

	fields := parseFields(opts)

	s := newSession(ctx, opts)
	defer s.close()

	waitIndex := s.expect(collection.CategoryIndex)
	s.coll.Start()
	waitIndex()

	waitCreate := s.expect(collection.CategoryCreate)
	identity := s.coll.Add(collection.AddDescriptor(fields))
	fmt.Printf("added %s\n", identity)

	response := waitCreate()
	fmt.Printf("created %s\n", strings.TrimSpace(string(response.Body)))
}

func edit(opts docopt.Opts) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	defer stop()

	id, _ := opts.String("<id>")
	fields := parseFields(opts)

	s := newSession(ctx, opts)
	defer s.close()

	waitIndex := s.expect(collection.CategoryIndex)
	s.coll.Start()
	waitIndex()

	entityType := collection.NewRecordType(s.config.Type)
	scope := collection.ScopeOf(entityType, collection.PermanentIdentity(id))
	waitUpdate := s.expect(collection.CategoryUpdate)
	s.bus.Emit(scope, collection.DefaultChangeEvent, fields)

	response := waitUpdate()
	fmt.Printf("updated %s %d\n", response.Request.Url, response.StatusCode)
}

func watch(opts docopt.Opts) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	defer stop()

	s := newSession(ctx, opts)
	defer s.close()

	changes := collection.Merge(s.coll, collection.StateSelector())
	changes.Subscribe(func(descriptor collection.Descriptor) {
		fmt.Printf("%s %s\n", time.Now().Format(time.RFC3339), descriptor)
	})

	waitIndex := s.expect(collection.CategoryIndex)
	s.coll.Start()
	waitIndex()
	for _, descriptor := range s.states() {
		fmt.Printf("%s\n", descriptor)
	}

	if s.config.FeedUrl != "" {
		feed := collection.NewPushFeed(ctx, s.coll, s.config.FeedUrl, s.driver.ByJwt(), s.config.PushFeedSettings())
		defer feed.Close()
	}

	g, gCtx := errgroup.WithContext(ctx)

	if s.config.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
		metricsServer := &http.Server{
			Addr:    s.config.MetricsAddress,
			Handler: mux,
		}
		g.Go(func() error {
			err := metricsServer.ListenAndServe()
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		})
		g.Go(func() error {
			<-gCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return metricsServer.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		<-gCtx.Done()
		return nil
	})

	if err := g.Wait(); err != nil {
		fmt.Printf("watch error: %s\n", err)
		os.Exit(1)
	}
}

func loadConfig(opts docopt.Opts) *collection.Config {
	path := DefaultConfigPath
	if configPath, err := opts.String("--config"); err == nil {
		path = configPath
	}
	config, err := collection.ReadConfigFile(path)
	if err != nil {
		panic(err)
	}

	if apiUrl, err := opts.String("--api_url"); err == nil {
		config.ApiUrl = apiUrl
	}
	if endpoint, err := opts.String("--endpoint"); err == nil {
		config.Endpoint = endpoint
	}
	if typeName, err := opts.String("--type"); err == nil {
		config.Type = typeName
	}
	if debounce, err := opts.String("--debounce"); err == nil {
		config.Collection.DebounceTimeout = debounce
	}
	if feedUrl, err := opts.String("--feed_url"); err == nil {
		config.FeedUrl = feedUrl
	}
	if metricsAddress, err := opts.String("--metrics_address"); err == nil {
		config.MetricsAddress = metricsAddress
	}
	return config
}

func readJwt(opts docopt.Opts) string {
	if jwt, err := opts.String("--jwt"); err == nil {
		return jwt
	}
	if prompt, _ := opts.Bool("--prompt_jwt"); prompt {
		fmt.Print("Enter jwt: ")
		jwtBytes, err := term.ReadPassword(int(syscall.Stdin))
		if err != nil {
			panic(err)
		}
		fmt.Printf("\n")
		return strings.TrimSpace(string(jwtBytes))
	}
	return os.Getenv("COLLECTION_JWT")
}

func parseFields(opts docopt.Opts) collection.Descriptor {
	fields := collection.Descriptor{}
	fieldStrs, _ := opts["<field>"].([]string)
	for _, fieldStr := range fieldStrs {
		key, valueStr, ok := strings.Cut(fieldStr, "=")
		if !ok || key == "" {
			panic(fmt.Errorf("Field must be key=value: %s", fieldStr))
		}
		var value any
		if err := json.Unmarshal([]byte(valueStr), &value); err != nil {
			value = valueStr
		}
		fields[key] = value
	}
	return fields
}

func RequireVersion() string {
	if version := os.Getenv("COLLECTION_VERSION"); version != "" {
		return version
	}
	return LocalVersion
}
