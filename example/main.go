package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	quic "github.com/quic-dev/quix"
	"github.com/quic-dev/quix/internal/testdata"
	"github.com/quic-dev/quix/logging"
	"github.com/quic-dev/quix/metrics"
	"github.com/quic-dev/quix/qlog"
)

func main() {
	addr := flag.String("addr", "localhost:6121", "address to listen on")
	metricsAddr := flag.String("metrics", "", "address to expose Prometheus metrics on (disabled if empty)")
	enableQlog := flag.Bool("qlog", false, "write qlog files to the directory set by QLOGDIR")
	retry := flag.Bool("retry", false, "validate client addresses using Retry packets")
	flag.Parse()

	if *metricsAddr != "" {
		go func() {
			http.Handle("/metrics", promhttp.Handler())
			log.Fatal(http.ListenAndServe(*metricsAddr, nil))
		}()
	}

	config := &quic.Config{}
	if *retry {
		config.RequireAddressValidation = func(net.Addr) bool { return true }
	}
	config.Tracer = func(ctx context.Context, p logging.Perspective, connID quic.ConnectionID) *logging.ConnectionTracer {
		tracers := []*logging.ConnectionTracer{metrics.NewConnectionTracer(p)}
		if *enableQlog {
			if t := qlog.DefaultTracer(ctx, p, connID); t != nil {
				tracers = append(tracers, t)
			}
		}
		return logging.NewMultiplexedConnectionTracer(tracers...)
	}

	tlsConf := testdata.GetTLSConfig()
	tlsConf.NextProtos = []string{"quix-echo-example"}
	ln, err := quic.ListenAddr(*addr, tlsConf, config)
	if err != nil {
		log.Fatal(err)
	}
	defer ln.Close()
	fmt.Printf("listening on %s\n", ln.Addr())

	for {
		conn, err := ln.Accept(context.Background())
		if err != nil {
			log.Fatal(err)
		}
		go handleConn(conn)
	}
}

// handleConn echoes the data of every bidirectional stream back to the client.
func handleConn(conn quic.Connection) {
	for {
		str, err := conn.AcceptStream(context.Background())
		if err != nil {
			return
		}
		go func() {
			defer str.Close()
			if _, err := io.Copy(str, str); err != nil {
				return
			}
		}()
	}
}
