package main

import (
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"runtime/pprof"
	"syscall"
	"time"

	"github.com/bcongdon/dsnode"
	"github.com/bcongdon/dsnode/dataset"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

func main() {
	flags := pflag.NewFlagSet("dsnode", pflag.ExitOnError)
	flags.String("listen_address", "", "Address to serve datasets on")
	flags.String("metrics_address", "", "Address of the Prometheus metrics endpoint (disabled if empty)")
	flags.Int64("split_size", 0, "Largest input split, in bytes")
	flags.Int64("partition_size", 0, "Largest dataset partition, in bytes")
	flags.Int("parallelism", 0, "Partitions processed at once by an operation")
	flags.Int("worker_pool_size", 0, "Requests dispatched at once")
	flags.Bool("memoize", true, "Memoize completed operations")
	flags.BoolP("verbose", "v", false, "Log debug output")
	memprofile := flags.String("memprofile", "", "write memory profile to `file` on exit")
	flags.Usage = func() {
		os.Stderr.WriteString("Usage: dsnode [flags] input...\n\nInputs are local paths or globs, or s3://bucket/key globs.\n\n")
		flags.PrintDefaults()
	}
	flags.Parse(os.Args[1:])

	dsnode.LoadConfig()
	viper.BindPFlags(flags)
	if viper.GetBool("verbose") {
		log.SetLevel(log.DebugLevel)
	}

	dataset.DefaultParallelism = viper.GetInt("parallelism")
	inputs := flags.Args()
	if len(inputs) == 0 {
		log.Warn("No inputs, serving an empty dataset")
	}

	start := time.Now()
	ds, err := dataset.LoadLines(inputs, viper.GetInt64("split_size"), viper.GetInt64("partition_size"))
	if err != nil {
		log.Fatalf("Could not load inputs: %+v", err)
	}
	log.Infof("Loaded %d partitions in %s", len(ds.Children()), time.Since(start))

	server, err := dsnode.NewServer(ds)
	if err != nil {
		log.Fatalf("Could not create server: %+v", err)
	}

	if address := viper.GetString("metrics_address"); address != "" {
		go serveMetrics(address, server.MetricsHandler())
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigs
		log.Infof("Received %s", sig)
		server.Shutdown()
	}()

	if err := server.ListenAndServe(); err != nil {
		log.Fatal(err)
	}
	log.Infof("Server stopped after %s", time.Since(start).Round(time.Second))

	if *memprofile != "" {
		f, err := os.Create(*memprofile)
		if err != nil {
			log.Fatal("could not create memory profile: ", err)
		}
		runtime.GC() // get up-to-date statistics
		if err := pprof.WriteHeapProfile(f); err != nil {
			log.Fatal("could not write memory profile: ", err)
		}
		f.Close()
	}
}

func serveMetrics(address string, handler http.Handler) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	log.Infof("Serving metrics on %s/metrics", address)
	if err := http.ListenAndServe(address, mux); err != nil {
		log.Errorf("Metrics endpoint stopped: %s", err)
	}
}
