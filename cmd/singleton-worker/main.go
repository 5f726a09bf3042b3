// Command singleton-worker runs the self-contained deployment shape
// (spec.md §4.1): one process holds both the RSA key a requester encrypts
// against and the workload bodies it executes, with no separate KME.
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
		Name:  "singleton-worker",
		Usage: "self-contained confidential work-order processor",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "state-file",
				Aliases: []string{"s"},
				Value:   "singleton.state",
				Usage:   "path to this enclave's sealed identity blob",
				EnvVars: []string{"SINGLETON_STATE_FILE"},
			},
		},
		Commands: []*cli.Command{
			signupCommand(),
			handleCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "singleton-worker:", err)
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

func newEnclave() *enclave.Enclave {
	return enclave.NewSingleton(workload.NewDefaultRegistry(), nil, newLogger())
}

// loadOrInit initializes e from stateFile's sealed blob if it exists, or
// generates a fresh identity otherwise.
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

func signupCommand() *cli.Command {
	return &cli.Command{
		Name:  "signup",
		Usage: "create (or load) this worker's identity and print its signup data",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "target-info-hex",
				Usage: "hex-encoded SGX target_info of the quoting enclave",
			},
		},
		Action: func(c *cli.Context) error {
			e := newEnclave()
			stateFile := c.String("state-file")
			if err := loadOrInit(e, stateFile); err != nil {
				return err
			}

			targetInfo, err := hex.DecodeString(c.String("target-info-hex"))
			if err != nil {
				return fmt.Errorf("bad target-info-hex: %w", err)
			}

			data, err := e.CreateSignupData(targetInfo, nil)
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

func handleCommand() *cli.Command {
	return &cli.Command{
		Name:  "handle",
		Usage: "process one JSON-RPC work-order request from stdin, writing the response to stdout",
		Action: func(c *cli.Context) error {
			e := newEnclave()
			stateFile := c.String("state-file")
			if err := loadOrInit(e, stateFile); err != nil {
				return err
			}

			reqBytes, err := io.ReadAll(os.Stdin)
			if err != nil {
				return fmt.Errorf("reading request from stdin: %w", err)
			}

			e.HandleWorkOrderRequest(reqBytes, nil)
			os.Stdout.Write(e.GetSerializedResponse())
			fmt.Println()
			return nil
		},
	}
}
