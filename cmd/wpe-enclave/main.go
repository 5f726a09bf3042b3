// Command wpe-enclave runs the Work-order Processing Enclave deployment
// shape (spec.md §4.9): it never holds a long-term RSA key a requester
// encrypts against, only per-work-order bundles minted by a KME it trusts.
package main

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/Layr-Labs/avalon-enclave-kms/pkg/enclave"
	"github.com/Layr-Labs/avalon-enclave-kms/pkg/workload"
)

func main() {
	app := &cli.App{
		Name:  "wpe-enclave",
		Usage: "work-order processing enclave: consumes KME-issued key bundles to sign responses",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "state-file",
				Aliases: []string{"s"},
				Value:   "wpe.state",
				Usage:   "path to this enclave's sealed identity blob",
				EnvVars: []string{"WPE_STATE_FILE"},
			},
			&cli.StringFlag{
				Name:     "kme-verifying-key-pem-file",
				Usage:    "PEM file holding the verifying key of the KME this WPE trusts",
				Required: true,
			},
		},
		Commands: []*cli.Command{
			signupCommand(),
			handleCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "wpe-enclave:", err)
		os.Exit(1)
	}
}

func newLogger() *zap.Logger {
	logger, err := zap.NewDevelopment()
	if err != nil {
		logger = zap.NewNop()
	}
	return logger
}

func newEnclave(c *cli.Context) (*enclave.Enclave, error) {
	kmeKeyPEM, err := os.ReadFile(c.String("kme-verifying-key-pem-file"))
	if err != nil {
		return nil, fmt.Errorf("reading kme-verifying-key-pem-file: %w", err)
	}
	return enclave.NewWPE(workload.NewDefaultRegistry(), nil, string(kmeKeyPEM), newLogger()), nil
}

func loadOrInit(e *enclave.Enclave, stateFile string) error {
	blob, err := os.ReadFile(stateFile)
	if err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("reading state file: %w", err)
		}
		return e.Initialize(nil)
	}
	return e.Initialize(blob)
}

// signupCommand produces this WPE's signup data: report_data binds
// SHA256(encryption_pub) in bytes 0..32 and SHA256(unique_id) in bytes
// 32..64 (spec.md §4.4's WPE row), where unique_id is the kme-uid value
// this WPE was minted against.
func signupCommand() *cli.Command {
	return &cli.Command{
		Name:  "signup",
		Usage: "create this WPE's identity and print its signup data",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "target-info-hex",
				Usage: "hex-encoded SGX target_info of the quoting enclave",
			},
			&cli.StringFlag{
				Name:     "unique-id-hex",
				Usage:    "the hex unique_id this WPE received from the KME's kme-uid operation",
				Required: true,
			},
		},
		Action: func(c *cli.Context) error {
			e, err := newEnclave(c)
			if err != nil {
				return err
			}
			stateFile := c.String("state-file")
			if err := loadOrInit(e, stateFile); err != nil {
				return err
			}

			targetInfo, err := hex.DecodeString(c.String("target-info-hex"))
			if err != nil {
				return fmt.Errorf("bad target-info-hex: %w", err)
			}

			data, err := e.CreateSignupData(targetInfo, []byte(c.String("unique-id-hex")))
			if err != nil {
				return err
			}
			if err := os.WriteFile(stateFile, data.Sealed, 0600); err != nil {
				return fmt.Errorf("writing state file: %w", err)
			}

			fmt.Printf("localReport: %s\n", data.LocalReport)
			fmt.Printf("signingKeyHex: %s\n", data.PublicPayload.SigningKeyHex)
			fmt.Printf("encryptionKeyPEM:\n%s\n", data.PublicPayload.EncryptionKeyPEM)
			return nil
		},
	}
}

// handleCommand processes one work order given a request on stdin and the
// KME-issued key bundle (spec.md §3's ext_work_order_data) from a sibling
// file, since a WPE's UnwrapKeys takes its keys from that bundle (unwrapped
// with its own RSA key) rather than from the request's encryptedSessionKey.
func handleCommand() *cli.Command {
	return &cli.Command{
		Name:  "handle",
		Usage: "process one JSON-RPC work-order request from stdin against a KME key bundle, writing the response to stdout",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "bundle-file",
				Usage:    "path to the KME-issued key bundle JSON for this work order",
				Required: true,
			},
		},
		Action: func(c *cli.Context) error {
			e, err := newEnclave(c)
			if err != nil {
				return err
			}
			stateFile := c.String("state-file")
			if err := loadOrInit(e, stateFile); err != nil {
				return err
			}

			reqBytes, err := io.ReadAll(os.Stdin)
			if err != nil {
				return fmt.Errorf("reading request from stdin: %w", err)
			}
			bundleBytes, err := os.ReadFile(c.String("bundle-file"))
			if err != nil {
				return fmt.Errorf("reading bundle-file: %w", err)
			}

			e.HandleWorkOrderRequest(reqBytes, bundleBytes)
			os.Stdout.Write(e.GetSerializedResponse())
			fmt.Println()
			return nil
		},
	}
}
