// Package main implements the sentra device client: an interactive IoT
// device that authenticates to the server, encrypts every reading locally
// per domain, and decrypts retrieved data with keys the server never sees.
package main

import (
	"bufio"
	"crypto/tls"
	"crypto/x509"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sentra-io/sentra/wire"
)

// Version is set at build time
var Version = "dev"

func main() {
	server := flag.String("server", "localhost:12345", "Server address")
	caPath := flag.String("ca", "", "Path to the server CA certificate")
	insecure := flag.Bool("insecure", false, "Skip server certificate verification (testing only)")
	keyringDir := flag.String("keyring", "keyring", "Keyring directory")
	userID := flag.String("user", "", "User identifier")
	deviceID := flag.String("device", "", "Device identifier")
	password := flag.String("password", os.Getenv("SENTRA_DEVICE_PASSWORD"), "Keyring password")
	exePath := flag.String("exe", "", "Executable path for attestation (defaults to the running binary)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	if *userID == "" || *deviceID == "" || *password == "" {
		fmt.Fprintln(os.Stderr, "Error: --user, --device and a keyring password are required")
		os.Exit(1)
	}

	exe := *exePath
	if exe == "" {
		var err error
		exe, err = os.Executable()
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to locate own executable")
		}
	}

	keyring, err := OpenKeyring(*keyringDir, *password)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open keyring")
	}
	keypair, err := keyring.LoadOrCreateIdentity(*userID)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load identity")
	}

	tlsConfig, err := clientTLSConfig(*caPath, *insecure)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to configure TLS")
	}
	netConn, err := tls.Dial("tcp", *server, tlsConfig)
	if err != nil {
		log.Fatal().Err(err).Str("server", *server).Msg("Failed to connect")
	}
	defer netConn.Close()

	stdin := bufio.NewScanner(os.Stdin)
	client := NewClient(wire.NewConn(netConn), keyring, keypair, *userID, *deviceID, exe)
	client.CodePrompt = func() (string, error) {
		fmt.Print("One-time code: ")
		if !stdin.Scan() {
			return "", fmt.Errorf("stdin closed: %w", stdin.Err())
		}
		return strings.TrimSpace(stdin.Text()), nil
	}
	client.RetryPrompt = func() bool {
		fmt.Print("Code rejected. Retry? [y/N] ")
		if !stdin.Scan() {
			return false
		}
		return strings.EqualFold(strings.TrimSpace(stdin.Text()), "y")
	}

	if err := client.Authenticate(); err != nil {
		log.Fatal().Err(err).Msg("Authentication failed")
	}
	log.Info().Str("user", *userID).Str("device", *deviceID).Msg("Authenticated")

	runMenu(client, stdin)
}

func clientTLSConfig(caPath string, insecure bool) (*tls.Config, error) {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if insecure {
		cfg.InsecureSkipVerify = true
		return cfg, nil
	}
	if caPath != "" {
		pem, err := os.ReadFile(caPath)
		if err != nil {
			return nil, fmt.Errorf("read CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", caPath)
		}
		cfg.RootCAs = pool
	}
	return cfg, nil
}

const menuHelp = `Commands:
  CREATE <domain>                    create a domain you own
  ADD <user> <domain> <passphrase>   share the domain key with a user
  RD <domain>                        register this device in a domain
  ET <value>                         send the current temperature
  EI <path>                          send an image file
  RT <domain>                        fetch all temperatures in a domain
  RI <user>:<device>                 fetch a device's latest image
  MYDOMAINS                          list domains this device is in
  HELP                               show this help
  EXIT                               quit`

func runMenu(client *Client, stdin *bufio.Scanner) {
	fmt.Println(menuHelp)
	for {
		fmt.Print("> ")
		if !stdin.Scan() {
			client.Exit()
			return
		}
		fields := strings.Fields(stdin.Text())
		if len(fields) == 0 {
			continue
		}

		if strings.EqualFold(fields[0], "EXIT") {
			if err := client.Exit(); err != nil {
				log.Warn().Err(err).Msg("Exit failed")
			}
			return
		}
		if err := runCommand(client, fields); err != nil {
			fmt.Println("error:", err)
		}
	}
}

func runCommand(client *Client, fields []string) error {
	switch strings.ToUpper(fields[0]) {
	case "HELP":
		fmt.Println(menuHelp)
		return nil

	case "CREATE":
		if len(fields) != 2 {
			return fmt.Errorf("usage: CREATE <domain>")
		}
		code, err := client.CreateDomain(fields[1])
		return report(code, err)

	case "ADD":
		if len(fields) != 4 {
			return fmt.Errorf("usage: ADD <user> <domain> <passphrase>")
		}
		code, err := client.AddUser(fields[2], fields[1], fields[3])
		return report(code, err)

	case "RD":
		if len(fields) != 2 {
			return fmt.Errorf("usage: RD <domain>")
		}
		code, err := client.RegisterDevice(fields[1])
		return report(code, err)

	case "ET":
		if len(fields) != 2 {
			return fmt.Errorf("usage: ET <value>")
		}
		code, err := client.Submit(wire.TelemetryTemperature, []byte(fields[1]))
		return report(code, err)

	case "EI":
		if len(fields) != 2 {
			return fmt.Errorf("usage: EI <path>")
		}
		image, err := os.ReadFile(fields[1])
		if err != nil {
			return fmt.Errorf("read image: %w", err)
		}
		code, err := client.Submit(wire.TelemetryImage, image)
		return report(code, err)

	case "RT":
		if len(fields) != 2 {
			return fmt.Errorf("usage: RT <domain>")
		}
		return retrieveTemperatures(client, fields[1])

	case "RI":
		if len(fields) != 2 || !strings.Contains(fields[1], ":") {
			return fmt.Errorf("usage: RI <user>:<device>")
		}
		parts := strings.SplitN(fields[1], ":", 2)
		return retrieveImage(client, parts[0], parts[1])

	case "MYDOMAINS":
		names, code, err := client.MyDomains()
		if err != nil || code != wire.CodeOK {
			return report(code, err)
		}
		for _, name := range names {
			fmt.Println(name)
		}
		return nil

	default:
		return fmt.Errorf("unknown command %q, try HELP", fields[0])
	}
}

func report(code wire.Code, err error) error {
	if err != nil {
		return err
	}
	fmt.Println(code)
	return nil
}

func retrieveTemperatures(client *Client, domain string) error {
	readings, code, err := client.Temperatures(domain)
	if err != nil || code != wire.CodeOK {
		return report(code, err)
	}

	var sb strings.Builder
	for _, r := range readings {
		line := r.Device + ": " + r.Value
		fmt.Println(line)
		sb.WriteString(line + "\n")
	}
	outPath := "temps_" + domain + ".txt"
	if err := os.WriteFile(outPath, []byte(sb.String()), 0o600); err != nil {
		return fmt.Errorf("write %s: %w", outPath, err)
	}
	fmt.Println("saved to", outPath)
	return nil
}

func retrieveImage(client *Client, userID, deviceID string) error {
	image, code, err := client.Image(userID, deviceID)
	if err != nil || code != wire.CodeOK {
		return report(code, err)
	}

	outPath := "img_" + userID + "_" + deviceID + ".bin"
	if err := os.WriteFile(outPath, image, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", outPath, err)
	}
	fmt.Println("saved to", outPath)
	return nil
}
