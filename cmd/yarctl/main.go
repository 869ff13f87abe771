// Command yarctl is an offline helper for operators: it hashes envelopes,
// derives issued asset addresses, signs transfer approvals and mints relayer
// API tokens.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"yar/internal/approval"
	"yar/internal/auth"
	"yar/internal/bridge"
	"yar/internal/envelope"
)

const EnvVarPrefix = "YAR"

func prefixEnvVars(name string) []string {
	return []string{EnvVarPrefix + "_" + name}
}

var (
	InputFlag = &cli.StringFlag{
		Name:    "in",
		Usage:   "JSON input file, - for stdin",
		Value:   "-",
		Aliases: []string{"i"},
	}
	PrivateKeyFlag = &cli.StringFlag{
		Name:     "key",
		Usage:    "hex encoded secp256k1 private key",
		EnvVars:  prefixEnvVars("APPROVER_KEY"),
		Required: true,
	}
)

func main() {
	logger, err := zap.NewDevelopment()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := newApp(os.Stdin, os.Stdout).Run(os.Args); err != nil {
		logger.Fatal("Command failed", zap.Error(err))
	}
}

func newApp(stdin io.Reader, stdout io.Writer) *cli.App {
	app := cli.NewApp()
	app.Name = "yarctl"
	app.Usage = "offline tooling for the Yar relay protocol"
	app.Reader = stdin
	app.Writer = stdout
	app.Commands = []*cli.Command{
		envelopeCommand(),
		bridgeCommand(),
		approvalCommand(),
		tokenCommand(),
	}
	return app
}

func envelopeCommand() *cli.Command {
	return &cli.Command{
		Name:  "envelope",
		Usage: "envelope utilities",
		Subcommands: []*cli.Command{{
			Name:  "hash",
			Usage: "print the envelope hash and intent hash of a JSON envelope",
			Flags: []cli.Flag{InputFlag},
			Action: func(c *cli.Context) error {
				var env envelope.Envelope
				if err := readJSON(c, &env); err != nil {
					return err
				}
				if err := env.Validate(); err != nil {
					return err
				}
				return writeJSON(c, map[string]string{
					"hash":        env.Hash().Hex(),
					"intent_hash": env.IntentHash().Hex(),
				})
			},
		}},
	}
}

func bridgeCommand() *cli.Command {
	return &cli.Command{
		Name:  "bridge",
		Usage: "asset bridge utilities",
		Subcommands: []*cli.Command{{
			Name:  "issued-address",
			Usage: "derive the CREATE2 address of an issued asset",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "bridge", Usage: "bridge contract address", Required: true},
				&cli.StringFlag{Name: "kind", Usage: "erc20, erc721 or erc1155", Value: "erc20"},
				&cli.Uint64Flag{Name: "origin-chain", Usage: "origin chain id", Required: true},
				&cli.StringFlag{Name: "origin-token", Usage: "origin token address", Required: true},
			},
			Action: func(c *cli.Context) error {
				deployer, err := addressFlag(c, "bridge")
				if err != nil {
					return err
				}
				token, err := addressFlag(c, "origin-token")
				if err != nil {
					return err
				}
				kind, err := bridge.ParseKind(c.String("kind"))
				if err != nil {
					return err
				}
				addr := bridge.IssuedAssetAddress(deployer, kind, c.Uint64("origin-chain"), token)
				_, err = fmt.Fprintln(c.App.Writer, addr.Hex())
				return err
			},
		}},
	}
}

func approvalCommand() *cli.Command {
	return &cli.Command{
		Name:  "approval",
		Usage: "transfer approval signatures",
		Subcommands: []*cli.Command{
			{
				Name:  "sign",
				Usage: "sign a JSON transfer request with the approver key",
				Flags: []cli.Flag{InputFlag, PrivateKeyFlag},
				Action: func(c *cli.Context) error {
					var req approval.Request
					if err := readJSON(c, &req); err != nil {
						return err
					}
					key, err := crypto.HexToECDSA(strings.TrimPrefix(c.String(PrivateKeyFlag.Name), "0x"))
					if err != nil {
						return fmt.Errorf("invalid approver key: %w", err)
					}
					signer := approval.NewSigner(key)
					sig, err := signer.Sign(req)
					if err != nil {
						return err
					}
					return writeJSON(c, map[string]string{
						"approver":  signer.Address().Hex(),
						"digest":    req.Digest().Hex(),
						"signature": hexutil.Encode(sig),
					})
				},
			},
			{
				Name:  "verify",
				Usage: "check a signature against a JSON transfer request",
				Flags: []cli.Flag{
					InputFlag,
					&cli.StringFlag{Name: "approver", Usage: "expected approver address", Required: true},
					&cli.StringFlag{Name: "signature", Usage: "hex encoded signature", Required: true},
				},
				Action: func(c *cli.Context) error {
					var req approval.Request
					if err := readJSON(c, &req); err != nil {
						return err
					}
					approver, err := addressFlag(c, "approver")
					if err != nil {
						return err
					}
					sig, err := hexutil.Decode(c.String("signature"))
					if err != nil {
						return fmt.Errorf("invalid signature: %w", err)
					}
					gate := approval.SignatureGate{Approver: approver}
					if err := gate.Authorize(time.Now(), req, approval.Authorization{Signature: sig}); err != nil {
						return err
					}
					_, err = fmt.Fprintln(c.App.Writer, "ok")
					return err
				},
			},
		},
	}
}

func tokenCommand() *cli.Command {
	return &cli.Command{
		Name:  "token",
		Usage: "relayer API tokens",
		Subcommands: []*cli.Command{{
			Name:  "issue",
			Usage: "issue a bearer token for the hub write routes",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "secret", Usage: "HMAC secret shared with the server", EnvVars: []string{"JWT_SECRET"}, Required: true},
				&cli.StringFlag{Name: "relayer", Usage: "relayer address", Required: true},
				&cli.StringSliceFlag{Name: "scope", Usage: "granted scope, repeatable; defaults to every hub scope"},
				&cli.DurationFlag{Name: "ttl", Usage: "token lifetime", Value: 24 * time.Hour},
			},
			Action: func(c *cli.Context) error {
				relayer, err := addressFlag(c, "relayer")
				if err != nil {
					return err
				}
				issuer, err := auth.NewTokenIssuer([]byte(c.String("secret")), "yar", c.Duration("ttl"))
				if err != nil {
					return err
				}
				scopes := auth.AllScopes
				if names := c.StringSlice("scope"); len(names) > 0 {
					scopes = make([]auth.Scope, len(names))
					for i, name := range names {
						scopes[i] = auth.Scope(name)
					}
				}
				tok, err := issuer.Issue(relayer, scopes...)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(c.App.Writer, tok)
				return err
			},
		}},
	}
}

func readJSON(c *cli.Context, v any) error {
	in := c.App.Reader
	if path := c.String(InputFlag.Name); path != "" && path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}
	dec := json.NewDecoder(in)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("failed to decode input: %w", err)
	}
	return nil
}

func writeJSON(c *cli.Context, v any) error {
	enc := json.NewEncoder(c.App.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func addressFlag(c *cli.Context, name string) (common.Address, error) {
	s := c.String(name)
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("--%s: invalid address %q", name, s)
	}
	return common.HexToAddress(s), nil
}
