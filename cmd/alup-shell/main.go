// Command alup-shell is a minimal interactive client for one ALUP
// controller: connect over serial or TCP, inspect its configuration, push
// colors, and disconnect cleanly.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/skyfighter64/alup-go/protocol"
	"github.com/skyfighter64/alup-go/session"
	"github.com/skyfighter64/alup-go/transport"
)

var (
	port    = flag.String("port", "/dev/ttyACM0", "Serial device path, ignored if -tcp is set")
	baud    = flag.Int("baud", 115200, "Serial baud rate")
	tcpHost = flag.String("tcp", "", "Connect over TCP to this host instead of serial")
	tcpPort = flag.Int("tcp-port", 0, "TCP port, defaults to the protocol's standard port")
	verbose = flag.Bool("verbose", false, "Enable debug logging")
)

func main() {
	flag.Parse()

	logger := logrus.StandardLogger()
	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
	}

	fmt.Println("ALUP Shell - interactive client for one controller")
	fmt.Println("====================================================")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	sess, err := connect(ctx, logger)
	cancel()
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect: %v\n", err)
		os.Exit(1)
	}

	cfg := sess.Configuration()
	fmt.Printf("Connected to %q (%d LEDs, pipeline depth %d)\n", cfg.DeviceName, cfg.LEDCount, cfg.FrameBufferSize)

	runShell(sess)
}

func connect(ctx context.Context, logger *logrus.Logger) (*session.Session, error) {
	opts := []session.Option{session.WithLogger(logger)}
	if *tcpHost != "" {
		p := *tcpPort
		if p == 0 {
			p = transport.DefaultTCPPort
		}
		return session.ConnectTCP(ctx, *tcpHost, p, opts...)
	}
	return session.ConnectSerial(ctx, *port, *baud, opts...)
}

func runShell(sess *session.Session) {
	scanner := bufio.NewScanner(os.Stdin)
	deviceName := sess.Configuration().DeviceName

	for {
		fmt.Printf("%s> ", deviceName)
		if !scanner.Scan() {
			break
		}

		fields := strings.Fields(strings.TrimSpace(scanner.Text()))
		if len(fields) == 0 {
			continue
		}

		switch fields[0] {
		case "help", "?":
			printHelp()

		case "config":
			printConfig(sess)

		case "set":
			if err := setLED(sess, fields[1:]); err != nil {
				fmt.Fprintf(os.Stderr, "error: %v\n", err)
			}

		case "setall":
			if err := setAll(sess, fields[1:]); err != nil {
				fmt.Fprintf(os.Stderr, "error: %v\n", err)
			}

		case "clear":
			if _, err := sess.Clear(context.Background()); err != nil {
				fmt.Fprintf(os.Stderr, "error: %v\n", err)
				continue
			}
			fmt.Println("sent CLEAR")

		case "calibrate":
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			err := sess.Calibrate(ctx, 0)
			cancel()
			if err != nil {
				fmt.Fprintf(os.Stderr, "error: %v\n", err)
				continue
			}
			fmt.Printf("calibrated, clock delta = %dms\n", sess.TimeDeltaMs())

		case "disconnect":
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			_ = sess.Disconnect(ctx)
			cancel()
			fmt.Println("disconnected")
			return

		case "exit", "quit", "q":
			if _, err := sess.Clear(context.Background()); err != nil {
				fmt.Fprintf(os.Stderr, "clear before exit: %v\n", err)
			}
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			_ = sess.Disconnect(ctx)
			cancel()
			fmt.Println("disconnected, goodbye")
			return

		default:
			fmt.Printf("unknown command: %s (type 'help' for available commands)\n", fields[0])
		}
	}
}

func printHelp() {
	fmt.Println("\nAvailable commands:")
	fmt.Println("  config                 : print the controller's configuration")
	fmt.Println("  set <i> <r> <g> <b>    : set one LED's color (0-255 per channel)")
	fmt.Println("  setall <r> <g> <b>     : set every LED to the same color")
	fmt.Println("  clear                  : set every LED to black")
	fmt.Println("  calibrate              : warm the clock-delta estimator")
	fmt.Println("  disconnect             : close the session, leaving LEDs as-is")
	fmt.Println("  exit/quit/q            : clear LEDs, then close the session")
	fmt.Println()
}

func printConfig(sess *session.Session) {
	cfg := sess.Configuration()
	fmt.Printf("device name:       %s\n", cfg.DeviceName)
	fmt.Printf("protocol version:  %d.%d.%d\n", cfg.ProtocolVersion[0], cfg.ProtocolVersion[1], cfg.ProtocolVersion[2])
	fmt.Printf("led count:         %d\n", cfg.LEDCount)
	fmt.Printf("data pin:          %d\n", cfg.DataPin)
	fmt.Printf("clock pin:         %d\n", cfg.ClockPin)
	fmt.Printf("pipeline depth:    %d\n", cfg.FrameBufferSize)
	fmt.Printf("clock delta:       %dms\n", sess.TimeDeltaMs())
	fmt.Printf("last latency:      %s\n", sess.Latency())
}

func setLED(sess *session.Session, args []string) error {
	if len(args) != 4 {
		return fmt.Errorf("usage: set <index> <r> <g> <b>")
	}
	index, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("index must be an integer: %w", err)
	}
	r, g, b, err := parseRGB(args[1:])
	if err != nil {
		return err
	}

	frame := &protocol.Frame{Offset: uint16(index), Colors: []protocol.Color{protocol.NewColor(r, g, b)}}
	_, err = sess.Send(context.Background(), frame)
	return err
}

func setAll(sess *session.Session, args []string) error {
	if len(args) != 3 {
		return fmt.Errorf("usage: setall <r> <g> <b>")
	}
	r, g, b, err := parseRGB(args)
	if err != nil {
		return err
	}

	count := int(sess.Configuration().LEDCount)
	colors := make([]protocol.Color, count)
	for i := range colors {
		colors[i] = protocol.NewColor(r, g, b)
	}

	_, err = sess.SetColors(context.Background(), colors)
	return err
}

func parseRGB(args []string) (r, g, b uint8, err error) {
	values := make([]uint8, 3)
	for i, a := range args {
		n, err := strconv.Atoi(a)
		if err != nil {
			return 0, 0, 0, fmt.Errorf("color channels must be integers 0-255: %w", err)
		}
		if n < 0 {
			n = 0
		}
		if n > 255 {
			n = 255
		}
		values[i] = uint8(n)
	}
	return values[0], values[1], values[2], nil
}
