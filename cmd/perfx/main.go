// Command perfx wires a reporter, a listener and a single client flow
// together over loopback TCP -- a thin demonstration of the core
// packages' construction and lifecycle. Argument/flag parsing and an
// accept-loop dispatcher for arbitrary client descriptions are out of
// scope (spec.md section 1); this binary runs one fixed scenario.
package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"time"

	"github.com/rs/zerolog"

	"github.com/netperfx/perfx/internal/clock"
	"github.com/netperfx/perfx/internal/domain"
	"github.com/netperfx/perfx/internal/launcher"
	"github.com/netperfx/perfx/internal/reporter"
	"github.com/netperfx/perfx/internal/worker"
)

func main() {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, log); err != nil {
		log.Fatal().Err(err).Msg("perfx: fatal")
	}
}

// run starts a loopback TCP listener, drives one server-side receive
// flow and one client-side send flow against it for a short fixed
// duration, both feeding the same reporter.
func run(ctx context.Context, log zerolog.Logger) error {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return err
	}
	defer ln.Close()
	log.Info().Str("addr", ln.Addr().String()).Msg("listening")

	rep := reporter.New(
		reporter.WithLogger(log),
		reporter.WithOutputHandler(func(info *domain.TransferInfo, row reporter.Row) {
			ev := log.Info().Str("prefix", row.Prefix).
				Float64("istart", row.IStart).Float64("iend", row.IEnd).
				Int64("bytes", row.Bytes).Float64("bits_per_sec", row.Bandwidth)
			if row.Final {
				ev = ev.Bool("final", true)
			}
			ev.Msg("report")
		}),
	)

	reporterErr := make(chan error, 1)
	go func() { reporterErr <- rep.Run(context.Background()) }()

	serverErr := make(chan error, 1)
	go func() { serverErr <- acceptOnce(ln, rep, log) }()

	l := launcher.New(launcher.WithLogger(log), launcher.WithReporter(rep))

	runCtx, stop := context.WithTimeout(ctx, 5*time.Second)
	defer stop()

	spec := launcher.FlowSpec{Base: worker.ClientConfig{
		Prefix:            "[perfx]",
		Proto:             domain.ProtoTCP,
		Network:           "tcp",
		Addr:              ln.Addr().String(),
		BufferLen:         8192,
		BurstSize:         8192,
		Discipline:        worker.DisciplineTCP,
		ConnectRetryTimer: 200 * time.Millisecond,
		ConnectRetryTime:  2 * time.Second,
		IntervalTime:      time.Second,
		TestDuration:      5 * time.Second,
	}}

	if err := l.Launch(runCtx, spec, 1); err != nil {
		return err
	}
	return <-serverErr
}

// acceptOnce accepts a single connection, runs its server-side TCP
// receive loop to completion and feeds its ReportHeader to rep.
func acceptOnce(ln net.Listener, rep *reporter.Reporter, log zerolog.Logger) error {
	conn, err := ln.Accept()
	if err != nil {
		return err
	}
	defer conn.Close()

	srv := worker.NewServer(worker.ServerConfig{
		Prefix:       "[perfx-server]",
		Proto:        domain.ProtoTCP,
		BufferLen:    8192,
		IntervalTime: time.Second,
		Log:          log,
	})
	srv.Accept(conn, clock.Timestamp{})

	rep.IncThreads()
	defer rep.DecThreads()
	rep.Submit(domain.NewDataHeader(srv.Info, srv.Ring))

	return srv.RunTCP(func() bool { return true })
}
