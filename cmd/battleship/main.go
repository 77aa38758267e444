package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"

	"battleship-p2p/internal/app"
	"battleship-p2p/internal/commit"
	"battleship-p2p/internal/game"
	"battleship-p2p/internal/strategy"
	"battleship-p2p/internal/zk"
)

var logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

func main() {
	if len(os.Args) < 2 {
		usage()
		return
	}
	switch os.Args[1] {
	case "setup":
		cmdSetup()
	case "init":
		cmdInit()
	case "commit":
		cmdCommit()
	case "prove":
		cmdProve()
	case "verify":
		cmdVerify()
	case "host":
		cmdPlay("host")
	case "join":
		cmdPlay("join")
	case "serve":
		cmdPlay("serve")
	case "demo":
		cmdDemo()
	default:
		usage()
	}
}

func usage() {
	fmt.Println(`Battleship P2P CLI

Commands:
  setup  --keys ./keys
  init   --out board.json [--seed N]
  commit --board board.json --secret secret.json
  prove  --secret secret.json --keys ./keys --shots "R,C;R,C" --out receipt.cbor
  verify --keys ./keys --receipt receipt.cbor [--commitment HEX] [--program HEX]
  host   --addr HOST:PORT --cert c.pem --key k.pem [--ca ca.pem] [--transport tls|ws] [--match UUID]
  join   --addr HOST:PORT --ca ca.pem [--cert c.pem --key k.pem] [--transport tls|ws] [--match UUID]
  serve  --addr HOST:PORT [--transport tls|ws] (bot opponent, random boards)
  demo   [--seed N] (two bots over an in-memory connection)

host/join/serve also take --name, --board, --secret, --strategy (scan|random|prompt|file.lua),
--seed, --host-first, --same-fleet, --timeout and --log-level.`)
}

func fatal(err error) {
	logger.Fatal().Err(err).Send()
}

func baseFlags(fs *flag.FlagSet, cfg *app.Config) {
	fs.StringVar(&cfg.KeysDir, "keys", cfg.KeysDir, "keys directory")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
}

func setupLogger(cfg *app.Config) {
	l, err := app.NewLogger(os.Stderr, cfg.LogLevel)
	if err != nil {
		fatal(err)
	}
	logger = l
}

func loadService(cfg *app.Config) *zk.Groth16 {
	keys, err := zk.EnsureKeys(cfg.KeysDir)
	if err != nil {
		fatal(err)
	}
	return zk.NewGroth16(keys, logger)
}

func cmdSetup() {
	cfg := app.DefaultConfig()
	fs := flag.NewFlagSet("setup", flag.ExitOnError)
	baseFlags(fs, &cfg)
	_ = fs.Parse(os.Args[2:])
	setupLogger(&cfg)

	svc := loadService(&cfg)
	fmt.Println("PROGRAM:", svc.ProgramID())
}

func cmdInit() {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	out := fs.String("out", "board.json", "output board file")
	seed := fs.Int64("seed", 0, "layout seed (0 = random)")
	_ = fs.Parse(os.Args[2:])

	b, err := app.InitBoard(*seed)
	if err != nil {
		fatal(err)
	}
	if err := app.SaveJSON(*out, b); err != nil {
		fatal(err)
	}
	fmt.Print(b.Render(true))
	fmt.Println("✓ wrote", *out)
}

func cmdCommit() {
	fs := flag.NewFlagSet("commit", flag.ExitOnError)
	boardPath := fs.String("board", "board.json", "board file")
	secretPath := fs.String("secret", "secret.json", "secret output (board and salt)")
	_ = fs.Parse(os.Args[2:])

	var b game.Board
	if err := app.LoadJSON(*boardPath, &b); err != nil {
		fatal(err)
	}
	res, err := app.Commit(b)
	if err != nil {
		fatal(err)
	}
	fmt.Println("COMMITMENT:", res.Commitment)
	if err := app.SaveJSON(*secretPath, &res.Secret); err != nil {
		fatal(err)
	}
	fmt.Println("✓ wrote", *secretPath)
}

func parseShots(s string) ([]game.Shot, error) {
	var shots []game.Shot
	for _, part := range strings.Split(s, ";") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		shot, err := strategy.ParseShot(part)
		if err != nil {
			return nil, err
		}
		shots = append(shots, shot)
	}
	if len(shots) == 0 {
		return nil, fmt.Errorf("no shots in %q", s)
	}
	return shots, nil
}

func cmdProve() {
	cfg := app.DefaultConfig()
	fs := flag.NewFlagSet("prove", flag.ExitOnError)
	baseFlags(fs, &cfg)
	secretPath := fs.String("secret", "secret.json", "defender secret")
	shotsArg := fs.String("shots", "", `shots to answer, e.g. "0,0;4,5"`)
	out := fs.String("out", "receipt.cbor", "receipt output")
	_ = fs.Parse(os.Args[2:])
	setupLogger(&cfg)

	shots, err := parseShots(*shotsArg)
	if err != nil {
		fatal(err)
	}
	var sec commit.Secret
	if err := app.LoadJSON(*secretPath, &sec); err != nil {
		fatal(err)
	}
	r, err := app.Prove(context.Background(), loadService(&cfg), sec, shots)
	if err != nil {
		fatal(err)
	}
	if err := app.SaveReceipt(*out, r); err != nil {
		fatal(err)
	}
	for _, rc := range r.Journal.Rounds {
		fmt.Printf("%s: %s\n", rc.Shot, rc.Result)
	}
	fmt.Println("NEW COMMITMENT:", r.Journal.Final())
	fmt.Println("✓ wrote", *out)
}

func cmdVerify() {
	cfg := app.DefaultConfig()
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	baseFlags(fs, &cfg)
	receiptPath := fs.String("receipt", "receipt.cbor", "receipt file")
	commitHex := fs.String("commitment", "", "expected starting commitment (hex)")
	programHex := fs.String("program", "", "expected program id (hex, defaults to the local keys)")
	_ = fs.Parse(os.Args[2:])
	setupLogger(&cfg)

	svc := loadService(&cfg)
	id := svc.ProgramID()
	if *programHex != "" {
		var err error
		if id, err = zk.ParseProgramID(*programHex); err != nil {
			fatal(err)
		}
	}
	var expected commit.Commitment
	if *commitHex != "" {
		var err error
		if expected, err = commit.ParseCommitment(*commitHex); err != nil {
			fatal(err)
		}
	}
	r, err := app.LoadReceipt(*receiptPath)
	if err != nil {
		fatal(err)
	}
	j, err := app.Verify(context.Background(), svc, r, id, expected)
	if err != nil {
		fatal(err)
	}
	for _, rc := range j.Rounds {
		line := fmt.Sprintf("%s: %s", rc.Shot, rc.Result)
		if rc.Defeated {
			line += " (fleet destroyed)"
		}
		fmt.Println(line)
	}
	fmt.Println("FLEET:", j.Fleet())
	fmt.Println("FROM:", j.InitialState)
	fmt.Println("TO:  ", j.Final())
	fmt.Println("✓ VALID")
}

func cmdPlay(mode string) {
	cfg := app.DefaultConfig()
	if mode == "serve" {
		cfg.Strategy = "random"
		cfg.Name = "bot"
	}
	fs := flag.NewFlagSet(mode, flag.ExitOnError)
	baseFlags(fs, &cfg)
	fs.StringVar(&cfg.Name, "name", cfg.Name, "player name shown to the opponent")
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "listen or peer address (ws:// URLs accepted by join)")
	fs.StringVar(&cfg.Transport, "transport", cfg.Transport, "tls or ws")
	fs.StringVar(&cfg.CertFile, "cert", "", "certificate (PEM)")
	fs.StringVar(&cfg.KeyFile, "key", "", "private key (PEM)")
	fs.StringVar(&cfg.CAFile, "ca", "", "CA that signs peer certificates (PEM)")
	fs.StringVar(&cfg.BoardFile, "board", "", "board file (random when empty)")
	fs.StringVar(&cfg.SecretFile, "secret", "", "secret file from commit (overrides --board)")
	fs.StringVar(&cfg.Strategy, "strategy", cfg.Strategy, "scan, random, prompt or a .lua script")
	fs.Int64Var(&cfg.Seed, "seed", 0, "seed for random boards and the random strategy")
	fs.BoolVar(&cfg.HostFirst, "host-first", cfg.HostFirst, "join only: let the host shoot first")
	fs.BoolVar(&cfg.SameFleet, "same-fleet", false, "refuse opponents whose fleet differs from yours")
	if mode != "serve" {
		fs.StringVar(&cfg.MatchID, "match", "", "match id agreed with the opponent (host: accept only this match)")
	}
	fs.DurationVar(&cfg.ExchangeTimeout, "timeout", cfg.ExchangeTimeout, "bound on each protocol exchange")
	_ = fs.Parse(os.Args[2:])
	setupLogger(&cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p, err := app.NewPlayer(&cfg, loadService(&cfg), logger, os.Stdin, os.Stdout)
	if err != nil {
		fatal(err)
	}
	switch mode {
	case "host":
		_, err = app.Host(ctx, &cfg, p)
	case "join":
		_, err = app.Join(ctx, &cfg, p)
	case "serve":
		p.Out = nil
		err = app.Serve(ctx, &cfg, p)
	}
	if err != nil {
		fatal(err)
	}
}

func cmdDemo() {
	cfg := app.DefaultConfig()
	fs := flag.NewFlagSet("demo", flag.ExitOnError)
	baseFlags(fs, &cfg)
	fs.Int64Var(&cfg.Seed, "seed", 0, "seed for boards and shots")
	_ = fs.Parse(os.Args[2:])
	setupLogger(&cfg)

	svc := loadService(&cfg)
	player := func(name string, offset int64) *app.Player {
		c := cfg
		c.Name = name
		c.Strategy = "random"
		if c.Seed != 0 {
			c.Seed += offset
		}
		p, err := app.NewPlayer(&c, svc, logger.With().Str("player", name).Logger(), nil, nil)
		if err != nil {
			fatal(err)
		}
		return p
	}
	host, guest := player("alice", 0), player("bob", 1000)
	host.Out = os.Stdout

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	hostRes, guestRes, err := app.PlayLocal(ctx, host, guest)
	if err != nil {
		fatal(err)
	}
	fmt.Printf("alice %s, bob %s, %d rounds\n", hostRes.Phase, guestRes.Phase, hostRes.Rounds)
}
