// Command kora-rent drives the rent reclamation pipeline end to end:
// discovery, lifecycle classification, policy evaluation, reclamation,
// reporting, and attestation, each as its own subcommand dispatched in the
// style of the pack's flag.FlagSet-per-subcommand CLIs (no cobra/viper).
package main

import (
	"bufio"
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/gagliardetto/solana-go"

	"github.com/korarent/kora-rent/internal/logging"
	"github.com/korarent/kora-rent/pkg/attestation"
	"github.com/korarent/kora-rent/pkg/chain"
	"github.com/korarent/kora-rent/pkg/chain/rpcclient"
	"github.com/korarent/kora-rent/pkg/config"
	"github.com/korarent/kora-rent/pkg/indexer"
	"github.com/korarent/kora-rent/pkg/ledger"
	"github.com/korarent/kora-rent/pkg/lifecycle"
	"github.com/korarent/kora-rent/pkg/policy"
	"github.com/korarent/kora-rent/pkg/reclaimer"
	"github.com/korarent/kora-rent/pkg/reporting"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "scan":
		err = runScan(os.Args[2:])
	case "lifecycle":
		err = dispatchLifecycle(os.Args[2:])
	case "policy":
		err = dispatchPolicy(os.Args[2:])
	case "reclaim":
		err = dispatchReclaim(os.Args[2:])
	case "report":
		err = runReport(os.Args[2:])
	case "attest":
		err = dispatchAttest(os.Args[2:])
	case "-h", "--help", "help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "kora-rent: unknown command %q\n", os.Args[1])
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "kora-rent: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `kora-rent: Solana sponsored-account rent reclamation pipeline

Usage:
  kora-rent scan --operator <pubkey> [--network devnet|mainnet] [--rpc <url>] [--dry-run]
  kora-rent lifecycle scan [--network] [--rpc] [--dry-run]
  kora-rent policy evaluate [--network] [--min-lamports N] [--min-age-days N] [--whitelist <file>] [--dry-run]
  kora-rent reclaim execute [--network] [--rpc] [--keypair <file>] [--dry-run]
  kora-rent report [--network] [--format json|text] [--output <file>] [--account <pubkey>]
  kora-rent attest generate [--network] [--output <file>] [--keypair <file>]
  kora-rent attest verify --file <file>`)
}

func dispatchLifecycle(args []string) error {
	if len(args) == 0 || args[0] != "scan" {
		return fmt.Errorf("usage: kora-rent lifecycle scan [--network] [--rpc] [--dry-run]")
	}
	return runLifecycleScan(args[1:])
}

func dispatchPolicy(args []string) error {
	if len(args) == 0 || args[0] != "evaluate" {
		return fmt.Errorf("usage: kora-rent policy evaluate [--network] [--min-lamports N] [--min-age-days N] [--whitelist <file>] [--dry-run]")
	}
	return runPolicyEvaluate(args[1:])
}

func dispatchReclaim(args []string) error {
	if len(args) == 0 || args[0] != "execute" {
		return fmt.Errorf("usage: kora-rent reclaim execute [--network] [--rpc] [--keypair <file>] [--dry-run]")
	}
	return runReclaimExecute(args[1:])
}

func dispatchAttest(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: kora-rent attest generate|verify ...")
	}
	switch args[0] {
	case "generate":
		return runAttestGenerate(args[1:])
	case "verify":
		return runAttestVerify(args[1:])
	default:
		return fmt.Errorf("unknown attest subcommand %q", args[0])
	}
}

// setup opens the config, logger (with the audit-log sink attached), and
// ledger store shared by every subcommand.
func setup(cfg *config.Config) (*logging.Logger, *ledger.Store, error) {
	logCfg := logging.DefaultConfig()
	switch strings.ToLower(cfg.Logging.Level) {
	case "debug":
		logCfg.Level = -4
	case "warn":
		logCfg.Level = 4
	case "error":
		logCfg.Level = 8
	}
	logCfg.Format = cfg.Logging.Format
	logCfg.Output = cfg.Logging.Output

	logger, err := logging.NewLogger(logCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("init logger: %w", err)
	}

	store, err := ledger.Open(ledger.DefaultConfig(cfg.DBPath()))
	if err != nil {
		return nil, nil, fmt.Errorf("open ledger %s: %w", cfg.DBPath(), err)
	}

	return logger.WithAuditSink(store), store, nil
}

func runScan(args []string) error {
	fs := flag.NewFlagSet("scan", flag.ExitOnError)
	operator := fs.String("operator", "", "operator pubkey to scan for sponsored account creations (required)")
	network := fs.String("network", "", "network name (devnet|mainnet), overrides config")
	rpcURL := fs.String("rpc", "", "RPC endpoint, overrides config")
	dryRun := fs.Bool("dry-run", false, "log a notice and exit without scanning; nothing is fetched, listed or persisted")
	configFile := fs.String("config", "", "path to a YAML config file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *operator == "" {
		return fmt.Errorf("scan: --operator is required")
	}

	cfg, err := loadConfig(*configFile, *network, *rpcURL)
	if err != nil {
		return err
	}

	logger, store, err := setup(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	operatorKey, err := solana.PublicKeyFromBase58(*operator)
	if err != nil {
		return fmt.Errorf("invalid --operator pubkey: %w", err)
	}

	client := rpcclient.New(cfg.Network.RPCURL, cfg.Network.Timeout)
	idx := indexer.New(client, store, logger)

	if *dryRun {
		logger.Info("scan: dry-run requested, nothing will be persisted beyond this notice")
		return nil
	}

	ctx := context.Background()
	n, err := idx.Scan(ctx, operatorKey)
	if err != nil {
		return fmt.Errorf("scan: %w", err)
	}
	fmt.Printf("scan: discovered %d new sponsored account(s)\n", n)
	return nil
}

func runLifecycleScan(args []string) error {
	fs := flag.NewFlagSet("lifecycle scan", flag.ExitOnError)
	network := fs.String("network", "", "network name, overrides config")
	rpcURL := fs.String("rpc", "", "RPC endpoint, overrides config")
	dryRun := fs.Bool("dry-run", false, "log a notice and exit without classifying; nothing is fetched, listed or transitioned")
	configFile := fs.String("config", "", "path to a YAML config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*configFile, *network, *rpcURL)
	if err != nil {
		return err
	}

	logger, store, err := setup(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	if *dryRun {
		logger.Info("lifecycle scan: dry-run requested, nothing will be transitioned")
		return nil
	}

	client := rpcclient.New(cfg.Network.RPCURL, cfg.Network.Timeout)
	engine := lifecycle.New(client, store, logger)

	n, err := engine.Scan(context.Background())
	if err != nil {
		return fmt.Errorf("lifecycle scan: %w", err)
	}
	fmt.Printf("lifecycle scan: %d account(s) transitioned\n", n)
	return nil
}

func runPolicyEvaluate(args []string) error {
	fs := flag.NewFlagSet("policy evaluate", flag.ExitOnError)
	network := fs.String("network", "", "network name, overrides config")
	minLamports := fs.Uint64("min-lamports", 0, "minimum reclaimable lamports, overrides config")
	minAgeDays := fs.Int("min-age-days", -1, "minimum account age in days, overrides config")
	whitelistPath := fs.String("whitelist", "", "path to a whitelist file, one base58 address per line")
	dryRun := fs.Bool("dry-run", false, "log a notice and exit without evaluating; no rules are applied and nothing is transitioned")
	configFile := fs.String("config", "", "path to a YAML config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*configFile, *network, "")
	if err != nil {
		return err
	}
	if *minLamports != 0 {
		cfg.Policy.MinLamports = *minLamports
	}
	if *minAgeDays >= 0 {
		cfg.Policy.MinAgeDays = *minAgeDays
	}
	if *whitelistPath != "" {
		cfg.Policy.WhitelistPath = *whitelistPath
	}

	logger, store, err := setup(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	if *dryRun {
		logger.Info("policy evaluate: dry-run requested, nothing will be transitioned")
		return nil
	}

	ctx := context.Background()
	whitelistHash := ""
	if cfg.Policy.WhitelistPath != "" {
		whitelistHash, err = loadWhitelist(ctx, store, cfg.Policy.WhitelistPath)
		if err != nil {
			return fmt.Errorf("policy evaluate: load whitelist: %w", err)
		}
	}

	polCfg := policy.Config{
		MinLamports:   cfg.Policy.MinLamports,
		MinAgeDays:    cfg.Policy.MinAgeDays,
		WhitelistHash: whitelistHash,
	}

	engine := policy.New(store)
	n, err := engine.Evaluate(ctx, polCfg)
	if err != nil {
		return fmt.Errorf("policy evaluate: %w", err)
	}
	fmt.Printf("policy evaluate: %d account(s) transitioned\n", n)
	return nil
}

// loadWhitelist reads one base58 address per line (blank lines ignored)
// from path, adds each as a whitelist entry, and returns the hex digest of
// the SHA-256 of the newline-joined, lexicographically sorted address set.
func loadWhitelist(ctx context.Context, store *ledger.Store, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if _, err := solana.PublicKeyFromBase58(line); err != nil {
			return "", fmt.Errorf("invalid address %q: %w", line, err)
		}
		if err := store.AddWhitelistEntry(ctx, line, "file"); err != nil {
			return "", err
		}
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}

	entries, err := store.AllWhitelistedOrdered(ctx)
	if err != nil {
		return "", err
	}
	sort.Strings(entries)
	sum := sha256.Sum256([]byte(strings.Join(entries, "\n")))
	return hex.EncodeToString(sum[:]), nil
}

func runReclaimExecute(args []string) error {
	fs := flag.NewFlagSet("reclaim execute", flag.ExitOnError)
	network := fs.String("network", "", "network name, overrides config")
	rpcURL := fs.String("rpc", "", "RPC endpoint, overrides config")
	keypairPath := fs.String("keypair", "", "path to the operator keypair file (JSON array of 64 secret-key bytes)")
	dryRun := fs.Bool("dry-run", false, "plan the run without submitting transactions")
	configFile := fs.String("config", "", "path to a YAML config file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if !*dryRun && *keypairPath == "" {
		return fmt.Errorf("reclaim execute: --keypair is required unless --dry-run")
	}

	cfg, err := loadConfig(*configFile, *network, *rpcURL)
	if err != nil {
		return err
	}

	logger, store, err := setup(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	var signer chain.Signer
	if *keypairPath != "" {
		signer, err = loadOperatorSigner(*keypairPath)
		if err != nil {
			return fmt.Errorf("reclaim execute: load keypair: %w", err)
		}
	}

	client := rpcclient.New(cfg.Network.RPCURL, cfg.Network.Timeout)
	pipeline, err := reclaimer.New(client, store, logger, signer, *dryRun)
	if err != nil {
		return fmt.Errorf("reclaim execute: %w", err)
	}

	result, err := pipeline.Run(context.Background())
	if err != nil {
		return fmt.Errorf("reclaim execute: %w", err)
	}
	fmt.Printf("reclaim execute: reclaimed=%d closed_zero=%d failed=%d skipped=%d total_lamports=%s\n",
		result.Reclaimed, result.ClosedZero, result.Failed, result.Skipped, result.TotalLamportsReclaimed.String())
	return nil
}

func runReport(args []string) error {
	fs := flag.NewFlagSet("report", flag.ExitOnError)
	network := fs.String("network", "", "network name, overrides config")
	format := fs.String("format", "text", "output format: json|text")
	output := fs.String("output", "", "write the report to this file instead of stdout")
	account := fs.String("account", "", "restrict the timeline to a single account pubkey")
	configFile := fs.String("config", "", "path to a YAML config file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *format != "json" && *format != "text" {
		return fmt.Errorf("report: --format must be json or text")
	}

	cfg, err := loadConfig(*configFile, *network, "")
	if err != nil {
		return err
	}

	_, store, err := setup(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	reporter := reporting.New(store)
	ctx := context.Background()

	var rendered string
	if *account != "" {
		entries, err := reporter.Timeline(ctx, account)
		if err != nil {
			return fmt.Errorf("report: %w", err)
		}
		rendered, err = reporting.RenderTimeline(entries, *format)
		if err != nil {
			return fmt.Errorf("report: %w", err)
		}
	} else {
		summary, err := reporter.Summarize(ctx)
		if err != nil {
			return fmt.Errorf("report: %w", err)
		}
		rendered, err = reporting.RenderSummary(summary, *format)
		if err != nil {
			return fmt.Errorf("report: %w", err)
		}
	}

	if *output != "" {
		return reporting.WriteAtomic(*output, []byte(rendered))
	}
	fmt.Print(rendered)
	return nil
}

func runAttestGenerate(args []string) error {
	fs := flag.NewFlagSet("attest generate", flag.ExitOnError)
	network := fs.String("network", "", "network name, overrides config")
	output := fs.String("output", "", "write the attestation document to this file instead of stdout")
	keypairPath := fs.String("keypair", "", "path to the signing keypair file; unsigned if omitted")
	configFile := fs.String("config", "", "path to a YAML config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*configFile, *network, "")
	if err != nil {
		return err
	}

	_, store, err := setup(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	var signingKey ed25519.PrivateKey
	if *keypairPath != "" {
		s, err := loadOperatorSigner(*keypairPath)
		if err != nil {
			return fmt.Errorf("attest generate: load keypair: %w", err)
		}
		signingKey = s.key
	}

	whitelistHash := ""
	if cfg.Policy.WhitelistPath != "" {
		entries, err := store.AllWhitelistedOrdered(context.Background())
		if err != nil {
			return fmt.Errorf("attest generate: %w", err)
		}
		sort.Strings(entries)
		sum := sha256.Sum256([]byte(strings.Join(entries, "\n")))
		whitelistHash = hex.EncodeToString(sum[:])
	}

	attCfg := attestation.Config{
		MinLamports:   cfg.Policy.MinLamports,
		MinAgeDays:    cfg.Policy.MinAgeDays,
		WhitelistHash: whitelistHash,
	}

	doc, err := attestation.Generate(context.Background(), store, cfg.Network.Name, cfg.Network.RPCURL, attCfg, signingKey)
	if err != nil {
		return fmt.Errorf("attest generate: %w", err)
	}

	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("attest generate: marshal document: %w", err)
	}

	if *output != "" {
		return reporting.WriteAtomic(*output, out)
	}
	fmt.Println(string(out))
	return nil
}

func runAttestVerify(args []string) error {
	fs := flag.NewFlagSet("attest verify", flag.ExitOnError)
	file := fs.String("file", "", "path to the attestation document to verify (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *file == "" {
		return fmt.Errorf("attest verify: --file is required")
	}

	data, err := os.ReadFile(*file)
	if err != nil {
		return fmt.Errorf("attest verify: %w", err)
	}

	var doc attestation.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("attest verify: parse document: %w", err)
	}

	if err := attestation.Verify(&doc); err != nil {
		fmt.Printf("attest verify: INVALID: %v\n", err)
		return err
	}
	fmt.Println("attest verify: OK")
	return nil
}

// loadConfig loads the layered config, then applies any flag overrides that
// must win over both env vars and the config file.
func loadConfig(configFile, network, rpcURL string) (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	if network != "" {
		cfg.Network.Name = network
	}
	if rpcURL != "" {
		cfg.Network.RPCURL = rpcURL
	}
	return cfg, nil
}

// operatorSigner wraps a raw Ed25519 keypair loaded from a keypair file, the
// same JSON-array-of-secret-key-bytes format spec.md's keypair file uses.
type operatorSigner struct {
	key ed25519.PrivateKey
	pub chain.PublicKey
}

func (s *operatorSigner) PublicKey() chain.PublicKey { return s.pub }

func (s *operatorSigner) Sign(message []byte) (chain.Signature, error) {
	sig := ed25519.Sign(s.key, message)
	var out chain.Signature
	copy(out[:], sig)
	return out, nil
}

// loadOperatorSigner reads a keypair file: a JSON array of the 64 bytes of
// an Ed25519 secret key, the same format solana-keygen produces.
func loadOperatorSigner(path string) (*operatorSigner, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// A JSON array of numbers, not a base64 string, so it must be decoded
	// element-by-element rather than into []byte directly (encoding/json
	// treats []byte specially as a base64-encoded string).
	var ints []int
	if err := json.Unmarshal(data, &ints); err != nil {
		return nil, fmt.Errorf("parse keypair file: %w", err)
	}
	if len(ints) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("keypair file: expected %d bytes, got %d", ed25519.PrivateKeySize, len(ints))
	}
	raw := make([]byte, len(ints))
	for i, v := range ints {
		if v < 0 || v > 255 {
			return nil, fmt.Errorf("keypair file: byte value %d out of range", v)
		}
		raw[i] = byte(v)
	}

	key := ed25519.PrivateKey(raw)
	pub := make([]byte, ed25519.PublicKeySize)
	copy(pub, key[ed25519.PrivateKeySize-ed25519.PublicKeySize:])

	var pubKey chain.PublicKey
	copy(pubKey[:], pub)

	return &operatorSigner{key: key, pub: pubKey}, nil
}
