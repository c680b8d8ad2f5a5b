package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	quic "github.com/quic-dev/quix"
	"github.com/quic-dev/quix/internal/testdata"
	"github.com/quic-dev/quix/logging"
	"github.com/quic-dev/quix/qlog"
)

func main() {
	enableQlog := flag.Bool("qlog", false, "write qlog files to the directory set by QLOGDIR")
	numStreams := flag.Int("streams", 1, "number of parallel streams per connection")
	message := flag.String("message", "hello", "message to send on every stream")
	timeout := flag.Duration("timeout", 10*time.Second, "dial and echo timeout")
	flag.Parse()
	addrs := flag.Args()
	if len(addrs) == 0 {
		log.Fatal("usage: client [flags] <addr>...")
	}

	config := &quic.Config{}
	if *enableQlog {
		config.Tracer = func(ctx context.Context, p logging.Perspective, connID quic.ConnectionID) *logging.ConnectionTracer {
			return qlog.DefaultTracer(ctx, p, connID)
		}
	}
	tlsConf := testdata.GetClientTLSConfig()
	tlsConf.NextProtos = []string{"quix-echo-example"}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	var mx sync.Mutex
	g, ctx := errgroup.WithContext(ctx)
	for _, addr := range addrs {
		addr := addr
		g.Go(func() error {
			conn, err := quic.DialAddr(ctx, addr, tlsConf, config)
			if err != nil {
				return fmt.Errorf("dialing %s: %w", addr, err)
			}
			defer conn.CloseWithError(0, "")

			sg, sctx := errgroup.WithContext(ctx)
			for i := 0; i < *numStreams; i++ {
				sg.Go(func() error {
					echo, err := sendMessage(sctx, conn, *message)
					if err != nil {
						return err
					}
					mx.Lock()
					fmt.Printf("%s: %s\n", addr, echo)
					mx.Unlock()
					return nil
				})
			}
			return sg.Wait()
		})
	}
	if err := g.Wait(); err != nil {
		log.Fatal(err)
	}
}

// sendMessage opens a stream, writes the message, and reads back the echo.
func sendMessage(ctx context.Context, conn quic.Connection, msg string) (string, error) {
	str, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return "", err
	}
	if _, err := str.Write([]byte(msg)); err != nil {
		return "", err
	}
	if err := str.Close(); err != nil {
		return "", err
	}
	echo, err := io.ReadAll(str)
	if err != nil {
		return "", err
	}
	return string(echo), nil
}
