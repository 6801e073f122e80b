// Command feed sends raw instrument records to a bridge receive port, read
// from a serial device or a fixtures file. With -verify it instead listens on
// a broadcast port and checks every sentence's checksum.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/banshee-data/sensor.bridge/internal/feed"
)

var (
	target     = flag.String("target", "127.0.0.1:16008", "Bridge receive address")
	serialPath = flag.String("serial", "", "Serial device to read records from")
	baud       = flag.Int("baud", 9600, "Serial baud rate")
	fixtures   = flag.String("fixtures", "", "File with one record per line")
	delay      = flag.Duration("delay", time.Second, "Pause between fixture records")
	loop       = flag.Bool("loop", false, "Replay the fixtures file until interrupted")
	verify     = flag.String("verify", "", "Listen on this address and verify broadcast sentences instead of sending")
	list       = flag.Bool("list", false, "List serial ports and exit")
)

func main() {
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	switch {
	case *list:
		err = listPorts()
	case *verify != "":
		err = runVerify(ctx, *verify)
	case *serialPath != "":
		err = runSerial(ctx)
	case *fixtures != "":
		err = runFixtures(ctx)
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal(err)
	}
}

func listPorts() error {
	ports, err := feed.ListPorts()
	if err != nil {
		return err
	}
	for _, p := range ports {
		fmt.Println(p)
	}
	return nil
}

func runVerify(ctx context.Context, addr string) error {
	var ok, bad int
	defer func() { log.Printf("verified %d sentences, %d bad", ok, bad) }()

	return feed.Watch(ctx, addr, nil, func(sentence string, err error) {
		if err != nil {
			bad++
			log.Printf("BAD %q: %v", sentence, err)
			return
		}
		ok++
		log.Printf("ok  %s", sentence)
	})
}

func runSerial(ctx context.Context) error {
	port, err := feed.OpenSerial(*serialPath, feed.PortOptions{BaudRate: *baud}, 500*time.Millisecond, feed.RealSerialOpener)
	if err != nil {
		return err
	}
	defer port.Close()

	f, err := feed.NewFeeder(feed.Config{Target: *target})
	if err != nil {
		return err
	}
	defer f.Close()

	log.Printf("forwarding %s to %s", *serialPath, *target)
	err = f.FeedLines(ctx, port)
	log.Printf("sent %d records", f.Sent())
	return err
}

func runFixtures(ctx context.Context) error {
	file, err := os.Open(*fixtures)
	if err != nil {
		return fmt.Errorf("failed to open fixtures file: %w", err)
	}
	defer file.Close()

	f, err := feed.NewFeeder(feed.Config{Target: *target, Delay: *delay})
	if err != nil {
		return err
	}
	defer f.Close()

	for {
		if err := f.FeedLines(ctx, file); err != nil {
			return err
		}
		if !*loop || f.Sent() == 0 {
			break
		}
		if _, err := file.Seek(0, io.SeekStart); err != nil {
			return err
		}
	}
	log.Printf("sent %d records to %s", f.Sent(), *target)
	return nil
}
