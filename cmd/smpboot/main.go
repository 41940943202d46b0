// Command smpboot boots an emulated multiprocessor machine and reports what
// came online. With no config it brings up the default four CPU machine.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/charmbracelet/x/ansi"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	smpcore "github.com/tinyrange/smpcore"
)

func main() {
	var (
		configPath = flag.String("config", "", "Machine description YAML (default: built-in four CPU machine)")
		cpus       = flag.Int("cpus", 0, "Override the number of CPUs")
		x2apic     = flag.Bool("x2apic", false, "Force x2APIC mode")
		timerHz    = flag.Uint64("timer-hz", 0, "Override the local timer input frequency")
		timeout    = flag.Duration("timeout", 30*time.Second, "Boot timeout")
		dbg        = flag.Bool("debug", false, "Enable debug logging")
		asserts    = flag.Bool("assert", false, "Panic on programming errors instead of emulating them")
		demoIRQ    = flag.Int("demo-irq", -1, "After boot, pulse this legacy IRQ line and report delivery")
	)
	flag.Parse()

	cfg := smpcore.DefaultConfig()
	if *configPath != "" {
		var err error
		cfg, err = smpcore.LoadConfig(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "smpboot: %v\n", err)
			os.Exit(1)
		}
	}
	if *cpus > 0 {
		cfg.NumCPUs = *cpus
	}
	if *x2apic {
		cfg.X2APIC = true
	}
	if *timerHz > 0 {
		cfg.TimerHz = *timerHz
	}

	smpcore.SetDebugAssertions(*asserts)

	level := cfg.SlogLevel()
	if *dbg {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(
		os.Stderr,
		&slog.HandlerOptions{Level: level},
	)))

	if err := run(cfg, *timeout, *demoIRQ); err != nil {
		fmt.Fprintf(os.Stderr, "smpboot: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg smpcore.Config, timeout time.Duration, demoIRQ int) error {
	interactive := term.IsTerminal(int(os.Stderr.Fd()))

	opts := []smpcore.Option{smpcore.WithLogger(slog.Default())}
	var bar *progressbar.ProgressBar
	if interactive && cfg.NumCPUs > 1 {
		bar = progressbar.Default(int64(cfg.NumCPUs-1), "bring up CPUs")
		opts = append(opts, smpcore.WithBootProgress(func(done, total int) {
			bar.Set(done)
		}))
	}

	m, err := smpcore.New(cfg, opts...)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	if err := m.Boot(ctx); err != nil {
		return fmt.Errorf("boot: %w", err)
	}
	defer m.Shutdown()
	if bar != nil {
		bar.Finish()
	}

	printSummary(m, time.Since(start), interactive)

	if demoIRQ >= 0 {
		if err := pulseIRQ(m, demoIRQ); err != nil {
			return err
		}
	}
	return nil
}

func printSummary(m *smpcore.Machine, elapsed time.Duration, styled bool) {
	online := m.OnlineCPUs()
	fmt.Printf("%d/%d CPUs online in %s, online mask %s\n",
		m.OnlineCount(), m.PossibleCPUs().Weight(), elapsed.Round(time.Millisecond), online)

	header := "  cpu  apic  node  state    timer"
	okStyle := ansi.Style{}.ForegroundColor(ansi.Green)
	badStyle := ansi.Style{}.ForegroundColor(ansi.Red)
	if styled {
		header = ansi.Style{}.Bold().Styled(header)
	}
	fmt.Println(header)

	m.PossibleCPUs().ForEach(func(id int) {
		cpu, ok := m.Core().CPU(id)
		if !ok {
			return
		}
		state := cpu.State().String()
		if styled {
			if online.Test(id) {
				state = okStyle.Styled(state)
			} else {
				state = badStyle.Styled(state)
			}
		}
		fmt.Printf("  %3d  %4d  %4d  %-7s  %d Hz\n",
			cpu.ID(), cpu.APICID(), cpu.Node(), state, cpu.TimerHz())
	})
}

func pulseIRQ(m *smpcore.Machine, irq int) error {
	delivered := make(chan int, 1)
	if err := m.InstallIRQHandler(irq, func(n int) {
		select {
		case delivered <- n:
		default:
		}
	}); err != nil {
		return fmt.Errorf("install handler for IRQ %d: %w", irq, err)
	}
	if err := m.UnmaskIRQ(irq); err != nil {
		return fmt.Errorf("unmask IRQ %d: %w", irq, err)
	}
	if err := m.SetIRQLine(irq, true); err != nil {
		return err
	}
	if err := m.SetIRQLine(irq, false); err != nil {
		return err
	}

	select {
	case got := <-delivered:
		fmt.Printf("IRQ %d delivered to the boot CPU\n", got)
	default:
		return fmt.Errorf("IRQ %d was not delivered", irq)
	}
	return nil
}
